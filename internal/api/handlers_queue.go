package api

import (
	"log"
	"net/http"
	"time"

	"github.com/cati-dispatcher/internal/service"
	"github.com/gorilla/mux"
)

// abandonmentRequest is the payload for abandoning an attempt before
// any response payload exists.
type abandonmentRequest struct {
	InterviewerID string     `json:"interviewerId" validate:"required"`
	Reason        string     `json:"reason" validate:"required"`
	Notes         string     `json:"notes,omitempty"`
	CallLaterAt   *time.Time `json:"callLaterAt,omitempty"`
}

// handleRecordAbandonment handles POST /api/v1/queue/{entryID}/abandon
func (s *Server) handleRecordAbandonment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entryID := vars["entryID"]
	if entryID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Queue entry ID required", nil)
		return
	}

	var req abandonmentRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid abandonment payload: "+err.Error(), nil)
		return
	}

	entry, err := s.completion.RecordAbandonment(r.Context(), &service.AbandonmentRequest{
		QueueEntryID:  entryID,
		InterviewerID: req.InterviewerID,
		Reason:        req.Reason,
		Notes:         req.Notes,
		CallLaterAt:   req.CallLaterAt,
	})
	if err != nil {
		log.Printf("RecordAbandonment error for entry %s: %v", entryID, err)
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, entry)
}
