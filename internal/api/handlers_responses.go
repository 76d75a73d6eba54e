package api

import (
	"log"
	"net/http"
	"time"

	"github.com/cati-dispatcher/internal/models"
	"github.com/cati-dispatcher/internal/service"
	"github.com/cati-dispatcher/internal/types"
	"github.com/gorilla/mux"
)

// completionRequest is the payload submitted when an interview attempt
// ends, whatever its outcome.
type completionRequest struct {
	ResponseToken string                 `json:"responseToken,omitempty"`
	NativeID      string                 `json:"nativeId,omitempty"`
	SessionID     string                 `json:"sessionId" validate:"required"`
	SurveyID      string                 `json:"surveyId" validate:"required"`
	InterviewerID string                 `json:"interviewerId" validate:"required"`
	QueueEntryID  string                 `json:"queueEntryId,omitempty"`
	CallID        string                 `json:"callId,omitempty"`
	Answers       []models.Answer        `json:"answers,omitempty"`
	Outcome       string                 `json:"outcome" validate:"required"`
	StartedAt     time.Time              `json:"startedAt" validate:"required"`
	CompletedAt   *time.Time             `json:"completedAt,omitempty"`
	AbandonReason string                 `json:"abandonReason,omitempty"`
	Abandoned     bool                   `json:"abandoned,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// handleRecordCompletion handles POST /api/v1/responses
func (s *Server) handleRecordCompletion(w http.ResponseWriter, r *http.Request) {
	var req completionRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid completion payload: "+err.Error(), nil)
		return
	}

	result, err := s.completion.RecordCompletion(r.Context(), &service.CompletionRequest{
		ResponseToken: req.ResponseToken,
		NativeID:      req.NativeID,
		SessionID:     req.SessionID,
		SurveyID:      req.SurveyID,
		InterviewerID: req.InterviewerID,
		QueueEntryID:  req.QueueEntryID,
		CallID:        req.CallID,
		Answers:       req.Answers,
		Outcome:       types.CallOutcome(req.Outcome),
		StartedAt:     req.StartedAt,
		CompletedAt:   req.CompletedAt,
		AbandonReason: req.AbandonReason,
		Abandoned:     req.Abandoned,
		Metadata:      req.Metadata,
	})
	if err != nil {
		log.Printf("RecordCompletion error: %v", err)
		respondCategorized(w, err)
		return
	}

	// Duplicates are successes: the stored record comes back with the
	// duplicate flag instead of an error status.
	statusCode := http.StatusCreated
	if result.IsDuplicate {
		statusCode = http.StatusOK
	}
	respondJSON(w, statusCode, result)
}

// manualRejectionsRequest is the batch payload from a reviewer import.
type manualRejectionsRequest struct {
	Rejections []struct {
		ResponseID    string `json:"responseId,omitempty"`
		ResponseToken string `json:"responseToken,omitempty"`
		Reason        string `json:"reason,omitempty"`
	} `json:"rejections" validate:"required,min=1"`
}

// handleManualRejections handles POST /api/v1/responses/rejections
func (s *Server) handleManualRejections(w http.ResponseWriter, r *http.Request) {
	var req manualRejectionsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid rejections payload: "+err.Error(), nil)
		return
	}

	rejections := make([]service.ManualRejection, 0, len(req.Rejections))
	for _, item := range req.Rejections {
		rejections = append(rejections, service.ManualRejection{
			ResponseID:    item.ResponseID,
			ResponseToken: item.ResponseToken,
			Reason:        item.Reason,
		})
	}

	report, err := s.completion.ApplyManualRejections(r.Context(), rejections)
	if err != nil {
		log.Printf("ApplyManualRejections error: %v", err)
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, report)
}

// handleAppendMetadata handles POST /api/v1/responses/{responseID}/metadata
func (s *Server) handleAppendMetadata(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	responseID := vars["responseID"]
	if responseID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Response ID required", nil)
		return
	}

	var metadata map[string]interface{}
	if err := parseJSONBody(r, &metadata); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if err := s.completion.AppendMetadata(r.Context(), responseID, metadata); err != nil {
		log.Printf("AppendMetadata error for response %s: %v", responseID, err)
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"responseId": responseID,
		"merged":     true,
	})
}
