package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/cati-dispatcher/internal/service"
	"github.com/cati-dispatcher/internal/types"
	"github.com/gorilla/mux"
)

// dispatchRequest is the payload for requesting the next respondent.
type dispatchRequest struct {
	InterviewerID string   `json:"interviewerId" validate:"required"`
	Regions       []string `json:"regions,omitempty"`
	PlaceCall     bool     `json:"placeCall,omitempty"`
}

// handleDispatchNext handles POST /api/v1/surveys/{surveyID}/dispatch
func (s *Server) handleDispatchNext(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	surveyID := vars["surveyID"]
	if surveyID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Survey ID required", nil)
		return
	}

	var req dispatchRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid dispatch request: "+err.Error(), nil)
		return
	}

	entry, err := s.dispatch.DispatchNext(r.Context(), surveyID, req.InterviewerID, req.Regions)
	if err != nil {
		if errors.Is(err, service.ErrNoPendingRespondents) {
			// An empty queue is a normal outcome, not an error.
			respondJSON(w, http.StatusOK, map[string]interface{}{
				"queueEmpty": true,
			})
			return
		}
		log.Printf("DispatchNext error: %v", err)
		respondCategorized(w, err)
		return
	}

	response := map[string]interface{}{
		"queueEmpty": false,
		"entry":      entry,
	}

	if req.PlaceCall && s.calls != nil {
		callID, err := s.calls.LaunchCall(r.Context(), entry)
		if err != nil {
			// The entry was requeued by the launcher; surface the
			// provider failure to the client.
			log.Printf("LaunchCall error for entry %s: %v", entry.ID, err)
			respondCategorized(w, err)
			return
		}
		response["callId"] = callID
	}

	respondJSON(w, http.StatusOK, response)
}

// seedContactsRequest is the payload for seeding the queue.
type seedContactsRequest struct {
	Contacts []types.RespondentContact `json:"contacts" validate:"required,min=1,dive"`
}

// handleSeedContacts handles POST /api/v1/surveys/{surveyID}/contacts
func (s *Server) handleSeedContacts(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	surveyID := vars["surveyID"]
	if surveyID == "" {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Survey ID required", nil)
		return
	}

	var req seedContactsRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid contacts payload: "+err.Error(), nil)
		return
	}

	report, err := s.ingest.SeedQueue(r.Context(), surveyID, req.Contacts)
	if err != nil {
		log.Printf("SeedQueue error for survey %s: %v", surveyID, err)
		respondCategorized(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, report)
}
