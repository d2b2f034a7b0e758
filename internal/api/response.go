// Package api provides HTTP response utilities for StudyPipe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/StudyPipe/internal/flow"
	"github.com/BTreeMap/StudyPipe/internal/models"
)

// Pre-marshaled fallback response used when encoding a response fails.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// retryAfterSeconds is advertised on 503 responses caused by transient store failures.
const retryAfterSeconds = "1"

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal first so encoding errors surface before headers are written.
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// statusForKind maps an engine error kind to its HTTP status.
func statusForKind(kind flow.ErrorKind) int {
	switch kind {
	case flow.KindAuthentication:
		return http.StatusUnauthorized
	case flow.KindNotApproved:
		return http.StatusForbidden
	case flow.KindNotFound:
		return http.StatusNotFound
	case flow.KindBlockMismatch, flow.KindInvalidState:
		return http.StatusConflict
	case flow.KindBadShape:
		return http.StatusUnprocessableEntity
	case flow.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError translates an engine error into an error envelope. Branch
// resolution failures and unclassified errors are configuration or server
// defects, so their details stay in the log.
func writeError(w http.ResponseWriter, op string, err error) {
	kind := flow.KindOf(err)
	status := statusForKind(kind)

	message := "Internal server error"
	var ferr *flow.Error
	if errors.As(err, &ferr) && ferr.Msg != "" {
		message = ferr.Msg
	}
	switch kind {
	case flow.KindBranchResolution:
		message = "The study cannot continue from this block"
	case flow.KindTransient:
		message = "Temporarily unavailable, retry shortly"
		w.Header().Set("Retry-After", retryAfterSeconds)
	case "":
		message = "Internal server error"
		kind = "internal"
	}

	if status >= http.StatusInternalServerError {
		slog.Error(op+": request failed", "error", err, "status", status)
	} else {
		slog.Debug(op+": request rejected", "error", err, "status", status)
	}
	writeJSONResponse(w, status, models.ErrorWithCode(string(kind), message))
}
