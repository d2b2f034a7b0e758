package flow

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/StudyPipe/internal/models"
)

// ApplicationReader is the read access the gate needs.
type ApplicationReader interface {
	GetLatestApplication(ctx context.Context, participantID, studyID string) (*models.Application, error)
}

// ApplicationGate admits a participant to a study only when their most
// recent application is approved. It fails closed.
type ApplicationGate struct {
	apps ApplicationReader
}

// NewApplicationGate creates a gate over apps.
func NewApplicationGate(apps ApplicationReader) *ApplicationGate {
	return &ApplicationGate{apps: apps}
}

// Authorize returns nil when participantID may run studyID.
func (g *ApplicationGate) Authorize(ctx context.Context, participantID, studyID string) error {
	const op = "ApplicationGate.Authorize"
	app, err := g.apps.GetLatestApplication(ctx, participantID, studyID)
	if err != nil {
		slog.Error("ApplicationGate.Authorize: application lookup failed", "participantID", participantID, "studyID", studyID, "error", err)
		return transient(op, err)
	}
	if app == nil {
		slog.Info("ApplicationGate.Authorize: no application", "participantID", participantID, "studyID", studyID)
		return newError(KindNotApproved, op, "participant has no approved application for this study")
	}
	if app.Status != models.ApplicationStatusApproved {
		slog.Info("ApplicationGate.Authorize: application not approved", "participantID", participantID, "studyID", studyID, "status", app.Status)
		return newError(KindNotApproved, op, "application is %s", app.Status)
	}
	return nil
}
