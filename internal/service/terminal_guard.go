package service

import (
	"context"

	"github.com/cati-dispatcher/internal/logging"
	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/types"
)

// GuardBoundary names the point at which the terminal-status guard ran.
type GuardBoundary string

const (
	// GuardAtFetch runs right after a record is read.
	GuardAtFetch GuardBoundary = "fetch"
	// GuardPreWrite runs immediately before a status write.
	GuardPreWrite GuardBoundary = "pre_write"
	// GuardPostWrite runs on the re-read after a status write.
	GuardPostWrite GuardBoundary = "post_write"
)

// guardTerminal is the single reusable terminal-status check, invoked
// at every boundary rather than duplicated inline. It reports whether
// the record's status is terminal; when the attempted status differs
// from a terminal stored status the violation is neutralized by the
// caller and logged here for operational visibility.
func guardTerminal(ctx context.Context, rec *models.ResponseRecord, attempted types.ResponseStatus, boundary GuardBoundary) bool {
	if rec == nil || !rec.Status.IsTerminal() {
		return false
	}

	if attempted != "" && attempted != rec.Status {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"responseId":      rec.ID,
			"responseToken":   rec.ResponseToken,
			"storedStatus":    string(rec.Status),
			"attemptedStatus": string(attempted),
			"boundary":        string(boundary),
		}).Warn("Attempted write to terminal response status blocked")
	}

	return true
}

// normalizeAbandonReason enforces the reason/status invariant on a
// value about to be written: abandoned records always carry a
// non-empty reason, every other status carries none.
func normalizeAbandonReason(status types.ResponseStatus, reason string) *string {
	if status != types.ResponseAbandoned {
		return nil
	}
	if reason == "" {
		reason = "abandoned"
	}
	return &reason
}
