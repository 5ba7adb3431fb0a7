// Package api is the thin HTTP boundary. It translates JSON to service
// calls and taxonomy errors to status codes; no correctness invariants live
// here.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/avoleva/replyhub/internal/cluster"
	"github.com/avoleva/replyhub/internal/ingest"
	"github.com/avoleva/replyhub/internal/models"
)

type Handler struct {
	pipeline  *ingest.Pipeline
	lifecycle *cluster.Lifecycle
	logger    *zap.Logger
}

// NewRouter wires HTTP routes to core services.
func NewRouter(pipeline *ingest.Pipeline, lifecycle *cluster.Lifecycle, logger *zap.Logger) http.Handler {
	h := &Handler{pipeline: pipeline, lifecycle: lifecycle, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(api chi.Router) {
		api.Post("/messages", h.handleIngest)
		api.Get("/creators/{creatorID}/clusters", h.handleListClusters)
		api.Get("/clusters/{clusterID}", h.handleClusterDetail)
		api.Post("/clusters/{clusterID}/action", h.handleActionCluster)
		api.Delete("/clusters/{clusterID}/members/{messageID}", h.handleRemoveMember)
	})

	return r
}

type ingestRequest struct {
	CreatorID         string         `json:"creator_id"`
	ExternalMessageID string         `json:"external_message_id"`
	Text              string         `json:"text"`
	ChannelID         string         `json:"channel_id"`
	ChannelCID        string         `json:"channel_cid"`
	VisitorUserID     string         `json:"visitor_user_id"`
	VisitorUsername   string         `json:"visitor_username"`
	IsPaidDM          bool           `json:"is_paid_dm"`
	CreatedAt         *time.Time     `json:"created_at"`
	Metadata          map[string]any `json:"metadata"`
}

// extractMetadata pulls the display fields out of the raw platform bag once,
// at the boundary. Only the `user.image` path is used, as the avatar URL.
func extractMetadata(bag map[string]any) models.SourceMetadata {
	var meta models.SourceMetadata
	if user, ok := bag["user"].(map[string]any); ok {
		if image, ok := user["image"].(string); ok {
			meta.AvatarURL = image
		}
	}
	return meta
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, models.ValidationErrorf("decoding ingest request: %v", err))
		return
	}

	in := ingest.Input{
		CreatorID:         req.CreatorID,
		ExternalMessageID: req.ExternalMessageID,
		Text:              req.Text,
		ChannelID:         req.ChannelID,
		ChannelCID:        req.ChannelCID,
		VisitorUserID:     req.VisitorUserID,
		VisitorUsername:   req.VisitorUsername,
		IsPaidDM:          req.IsPaidDM,
		Metadata:          extractMetadata(req.Metadata),
	}
	if req.CreatedAt != nil {
		in.CreatedAt = *req.CreatedAt
	}

	result, err := h.pipeline.Ingest(r.Context(), in)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

func (h *Handler) handleListClusters(w http.ResponseWriter, r *http.Request) {
	creatorID := chi.URLParam(r, "creatorID")

	opts := cluster.ListOptions{}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.ClusterStatus(raw)
		if status != models.ClusterOpen && status != models.ClusterActioned {
			h.respondError(w, models.ValidationErrorf("unknown status %q", raw))
			return
		}
		opts.Status = &status
	}
	if raw := r.URL.Query().Get("min_channels"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, models.ValidationErrorf("invalid min_channels %q", raw))
			return
		}
		opts.MinDistinctChannels = n
	}

	summaries, err := h.lifecycle.List(r.Context(), creatorID, opts)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, summaries)
}

func (h *Handler) handleClusterDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := h.lifecycle.Detail(r.Context(), chi.URLParam(r, "clusterID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, detail)
}

type actionRequest struct {
	ResponseText string   `json:"response_text"`
	ChannelIDs   []string `json:"channel_ids"`
}

func (h *Handler) handleActionCluster(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, models.ValidationErrorf("decoding action request: %v", err))
		return
	}

	result, err := h.lifecycle.Action(r.Context(), chi.URLParam(r, "clusterID"), req.ResponseText, req.ChannelIDs)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, result)
}

type removeMemberResponse struct {
	Cluster *models.Cluster `json:"cluster,omitempty"`
	Deleted bool            `json:"deleted"`
}

func (h *Handler) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	refreshed, deleted, err := h.lifecycle.RemoveMember(r.Context(),
		chi.URLParam(r, "clusterID"), chi.URLParam(r, "messageID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, removeMemberResponse{Cluster: refreshed, Deleted: deleted})
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, models.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
	}
	h.respondJSON(w, status, map[string]string{"error": err.Error()})
}
