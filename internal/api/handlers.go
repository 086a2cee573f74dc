package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pulsecast/pulsecast/internal/campaign"
	"github.com/pulsecast/pulsecast/internal/dispatch"
	"github.com/pulsecast/pulsecast/internal/models"
	"github.com/pulsecast/pulsecast/internal/ratelimit"
	"github.com/pulsecast/pulsecast/internal/selection"
)

// CampaignResponse is the API view of a campaign
type CampaignResponse struct {
	ID        string             `json:"id"`
	TeamID    string             `json:"team_id"`
	Name      string             `json:"name"`
	Status    string             `json:"status"`
	Strategy  string             `json:"strategy"`
	TargetSet *TargetSetResponse `json:"target_set,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// TargetSetResponse reports the frozen targeting snapshot together with the
// derived duplicate share.
type TargetSetResponse struct {
	TotalMembers        int     `json:"total_members"`
	NewMembers          int     `json:"new_members"`
	DuplicatesExcluded  int     `json:"duplicates_excluded"`
	DuplicatePercentage float64 `json:"duplicate_percentage"`
	TargetCount         int     `json:"target_count"`
	SelectionMode       string  `json:"selection_mode"`
}

// CampaignListResponse is the response for GET /campaigns
type CampaignListResponse struct {
	Campaigns []CampaignResponse `json:"campaigns"`
	Total     int                `json:"total"`
}

// SessionResponse is the API view of a session with live quota state
type SessionResponse struct {
	models.Session
	SentThisHour int                      `json:"sent_this_hour"`
	History      []ratelimit.HistoryEntry `json:"history,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

func toCampaignResponse(c *models.Campaign) CampaignResponse {
	resp := CampaignResponse{
		ID:        c.ID,
		TeamID:    c.TeamID,
		Name:      c.Name,
		Status:    string(c.Status),
		Strategy:  c.Strategy,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}

	if c.TargetSet != "" {
		var ts models.TargetSet
		if err := json.Unmarshal([]byte(c.TargetSet), &ts); err == nil {
			resp.TargetSet = &TargetSetResponse{
				TotalMembers:        ts.TotalCandidates,
				NewMembers:          ts.NewCandidates,
				DuplicatesExcluded:  ts.DuplicatesExcluded,
				DuplicatePercentage: ts.DuplicatePercentage(),
				TargetCount:         ts.TargetCount,
				SelectionMode:       ts.SelectionMode,
			}
		}
	}

	return resp
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	c, err := s.campaigns.Create(in)
	if err != nil {
		switch {
		case errors.Is(err, selection.ErrInvalidPolicy),
			errors.Is(err, dispatch.ErrInvalidTiming),
			errors.Is(err, campaign.ErrNoTargets):
			s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.sendError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	s.sendJSON(w, http.StatusCreated, toCampaignResponse(c))
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter := models.CampaignListFilter{
		TeamID: r.URL.Query().Get("team_id"),
		Status: r.URL.Query().Get("status"),
	}

	campaigns, total, err := s.campaigns.List(filter)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list campaigns")
		return
	}

	resp := CampaignListResponse{Total: total, Campaigns: make([]CampaignResponse, len(campaigns))}
	for i := range campaigns {
		resp.Campaigns[i] = toCampaignResponse(&campaigns[i])
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, toCampaignResponse(c))
}

// handleDeleteCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(chi.URLParam(r, "id")); err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, campaign.ErrIllegalTransition):
			s.sendError(w, http.StatusConflict, err.Error())
		default:
			s.sendError(w, http.StatusInternalServerError, "Failed to delete campaign")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCampaignProgress handles GET /api/v1/campaigns/{id}/progress
func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	report, err := s.campaigns.Progress(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, campaign.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, "Failed to load progress")
		return
	}
	s.sendJSON(w, http.StatusOK, report)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, chi.URLParam(r, "id"), s.campaigns.Start)
}

// handlePauseCampaign handles POST /api/v1/campaigns/{id}/pause
func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, chi.URLParam(r, "id"), s.campaigns.Pause)
}

// handleResumeCampaign handles POST /api/v1/campaigns/{id}/resume
func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.transition(w, chi.URLParam(r, "id"), s.campaigns.Resume)
}

func (s *Server) transition(w http.ResponseWriter, id string, fn func(string) error) {
	if err := fn(id); err != nil {
		switch {
		case errors.Is(err, campaign.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "Campaign not found")
		case errors.Is(err, campaign.ErrIllegalTransition):
			s.sendError(w, http.StatusConflict, err.Error())
		default:
			s.sendError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	c, err := s.campaigns.Get(id)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load campaign")
		return
	}
	s.sendJSON(w, http.StatusOK, toCampaignResponse(c))
}

// handleListSessions handles GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	resp := make([]SessionResponse, len(sessions))
	for i, sess := range sessions {
		resp[i] = SessionResponse{Session: sess}
		if s.quota != nil {
			resp[i].SentThisHour = s.quota.Sent(sess.ID)
			resp[i].History = s.quota.History(sess.ID)
		}
	}
	s.sendJSON(w, http.StatusOK, resp)
}

// handleCreateSession handles POST /api/v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var sess models.Session
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if sess.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := s.sessions.Create(&sess); err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	s.sendJSON(w, http.StatusCreated, sess)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).Round(time.Second).String(),
	})
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
