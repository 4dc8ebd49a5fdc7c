package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/kkkkikiki/giftcard/internal/model"
	"github.com/kkkkikiki/giftcard/internal/service"
)

// SaveParticipantRequest is the body of PUT /api/participants/{id}
type SaveParticipantRequest struct {
	Fields map[string]string `json:"fields"`
}

// SaveParticipantResponse reports what the save hook did for each real-time program
type SaveParticipantResponse struct {
	RecordID string                 `json:"record_id"`
	Results  []service.RecordResult `json:"results"`
}

// LoadRewardsRequest is the JSON body of POST /api/pool/rewards
type LoadRewardsRequest struct {
	Rewards []model.NewReward `json:"rewards"`
}

// LoadRewardsResponse reports how many gift cards were loaded
type LoadRewardsResponse struct {
	Created int `json:"created"`
}

// EligibilityResponse is returned by the eligibility check
type EligibilityResponse struct {
	Program     string `json:"program"`
	RecordID    string `json:"record_id"`
	Eligibility string `json:"eligibility"`
}

// BatchRequest names the records an operator selected
type BatchRequest struct {
	RecordIDs []string `json:"record_ids"`
}

// BatchResponse carries either candidates (GET) or results (POST)
type BatchResponse struct {
	Program    string                 `json:"program"`
	Candidates []service.Candidate    `json:"candidates,omitempty"`
	Results    []service.RecordResult `json:"results,omitempty"`
}

// program resolves the {title} path parameter, writing a 404 when it is unknown
func (s *Server) program(w http.ResponseWriter, r *http.Request) (*model.RewardProgram, bool) {
	title, err := url.PathUnescape(chi.URLParam(r, "title"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid program title")
		return nil, false
	}
	program, err := s.engine.Program(title)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return program, true
}

// decode reads a JSON body; it writes the error response itself and reports false on failure
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			s.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		s.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

// statusFor maps engine errors onto HTTP statuses
func statusFor(err error) int {
	var cfgErr *service.ConfigurationError
	var contention *service.ResourceContentionError
	switch {
	case errors.Is(err, service.ErrUnknownProgram), errors.Is(err, service.ErrParticipantNotFound):
		return http.StatusNotFound
	case errors.As(err, &cfgErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &contention):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// saveParticipant handles PUT /api/participants/{id}
func (s *Server) saveParticipant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SaveParticipantRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Fields) == 0 {
		s.respondError(w, http.StatusBadRequest, "fields are required")
		return
	}

	results, err := s.coordinator.SaveRecord(r.Context(), id, req.Fields)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	if results == nil {
		results = []service.RecordResult{}
	}
	s.respondJSON(w, http.StatusOK, SaveParticipantResponse{RecordID: id, Results: results})
}

// loadRewards handles POST /api/pool/rewards with either a JSON or a text/csv body
func (s *Server) loadRewards(w http.ResponseWriter, r *http.Request) {
	var rewards []model.NewReward
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/csv" {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodySize)
		parsed, err := service.ParseRewardsCSV(r.Body)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		rewards = parsed
	} else {
		var req LoadRewardsRequest
		if !s.decode(w, r, &req) {
			return
		}
		rewards = req.Rewards
	}
	if len(rewards) == 0 {
		s.respondError(w, http.StatusBadRequest, "no gift cards in request")
		return
	}

	created, err := s.engine.LoadRewards(r.Context(), rewards)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusCreated, LoadRewardsResponse{Created: created})
}

// eligibility handles GET /api/programs/{title}/participants/{id}/eligibility
func (s *Server) eligibility(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	s.respondJSON(w, http.StatusOK, EligibilityResponse{
		Program:     program.Title,
		RecordID:    id,
		Eligibility: s.engine.CheckEligibility(r.Context(), program, id).String(),
	})
}

// process handles POST /api/programs/{title}/participants/{id}/process. The engine reports every
// failure in the Result, so the status is always 200 once the program resolves.
func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	result := s.engine.ProcessReward(r.Context(), program, chi.URLParam(r, "id"))
	s.respondJSON(w, http.StatusOK, result)
}

// summary handles GET /api/programs/{title}/summary
func (s *Server) summary(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.RetrieveSummary(r.Context(), program))
}

// sweep handles POST /api/programs/{title}/sweep
func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	report, err := s.coordinator.Sweep(r.Context(), program)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

// batchCandidates handles GET /api/programs/{title}/batch
func (s *Server) batchCandidates(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	candidates, err := s.coordinator.BatchCandidates(r.Context(), program)
	if err != nil {
		s.respondError(w, statusFor(err), err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, BatchResponse{Program: program.Title, Candidates: candidates})
}

// processBatch handles POST /api/programs/{title}/batch
func (s *Server) processBatch(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	var req BatchRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.RecordIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "record_ids are required")
		return
	}
	results := s.coordinator.ProcessBatch(r.Context(), program, req.RecordIDs)
	s.respondJSON(w, http.StatusOK, BatchResponse{Program: program.Title, Results: results})
}

// verify handles GET /api/programs/{title}/verify
func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	program, ok := s.program(w, r)
	if !ok {
		return
	}
	s.respondJSON(w, http.StatusOK, s.engine.VerifyProgram(r.Context(), program))
}
