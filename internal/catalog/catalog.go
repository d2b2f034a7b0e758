// Package catalog imports study definitions and application decisions from
// YAML or JSON bundles on disk. It stands in for the authoring and review
// workflows, which own these records in a full deployment.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/BTreeMap/StudyPipe/internal/flow"
	"github.com/BTreeMap/StudyPipe/internal/models"
	"github.com/BTreeMap/StudyPipe/internal/store"
)

// Bundle is the on-disk document format. JSON files are parsed with the same
// decoder since JSON is valid YAML.
type Bundle struct {
	Studies      []models.Study       `yaml:"studies"`
	Applications []models.Application `yaml:"applications"`
}

// Summary reports what an import did.
type Summary struct {
	Files          int
	Studies        int
	SkippedStudies []string
	Applications   int
}

// LoadDir imports every *.yaml, *.yml and *.json file in dir, in name order.
// Studies are validated before saving; a study that already has sessions is
// left untouched so running sessions never see their blocks change.
func LoadDir(ctx context.Context, dir string, st store.Store) (Summary, error) {
	var sum Summary
	entries, err := os.ReadDir(dir)
	if err != nil {
		return sum, fmt.Errorf("read catalog dir %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)

	for _, path := range files {
		b, err := LoadFile(path)
		if err != nil {
			return sum, err
		}
		if err := apply(ctx, st, b, &sum); err != nil {
			return sum, fmt.Errorf("%s: %w", path, err)
		}
		sum.Files++
	}
	slog.Info("catalog.LoadDir: import finished", "dir", dir, "files", sum.Files, "studies", sum.Studies,
		"skipped", len(sum.SkippedStudies), "applications", sum.Applications)
	return sum, nil
}

// LoadFile parses one bundle file.
func LoadFile(path string) (Bundle, error) {
	var b Bundle
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("parse %s: %w", path, err)
	}
	return b, nil
}

func apply(ctx context.Context, st store.Store, b Bundle, sum *Summary) error {
	for _, study := range b.Studies {
		if err := flow.ValidateStudy(study); err != nil {
			return fmt.Errorf("study %q: %w", study.ID, err)
		}
		n, err := st.CountSessions(ctx, study.ID)
		if err != nil {
			return fmt.Errorf("count sessions for %s: %w", study.ID, err)
		}
		if n > 0 {
			slog.Warn("catalog: study has sessions, keeping stored definition", "studyID", study.ID, "sessions", n)
			sum.SkippedStudies = append(sum.SkippedStudies, study.ID)
			continue
		}
		if err := st.SaveStudy(ctx, study); err != nil {
			return fmt.Errorf("save study %s: %w", study.ID, err)
		}
		sum.Studies++
	}

	for _, app := range b.Applications {
		if app.ParticipantID == "" || app.StudyID == "" {
			return fmt.Errorf("application %q needs participant_id and study_id", app.ID)
		}
		switch app.Status {
		case models.ApplicationStatusPending, models.ApplicationStatusApproved,
			models.ApplicationStatusRejected, models.ApplicationStatusWithdrawn:
		default:
			return fmt.Errorf("application %s/%s: unknown status %q", app.ParticipantID, app.StudyID, app.Status)
		}
		if app.ID == "" {
			app.ID = app.ParticipantID + ":" + app.StudyID
		}
		if err := st.SaveApplication(ctx, app); err != nil {
			return fmt.Errorf("save application %s: %w", app.ID, err)
		}
		sum.Applications++
	}
	return nil
}
