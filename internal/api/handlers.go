// Package api exposes the oppwatch HTTP surface: the inbound action
// callback from the notification channel, triage endpoints for the CLI,
// and a manual detection trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mkoval/oppwatch/internal/audit"
	"github.com/mkoval/oppwatch/internal/lifecycle"
	"github.com/mkoval/oppwatch/internal/opportunity"
	"github.com/mkoval/oppwatch/internal/store"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Coordinator abstracts the lifecycle coordinator for the HTTP layer.
type Coordinator interface {
	HandleAction(ctx context.Context, id string, action opportunity.Action, actor string) error
	GenerateSpec(ctx context.Context, id string) error
	MarkShipped(ctx context.Context, id string, impact opportunity.ImpactRecord, rating int) error
	RunDetection(ctx context.Context) (lifecycle.RunResult, error)
}

// HistorySource provides the transition history of an opportunity.
type HistorySource interface {
	History(opportunityID string) ([]audit.Transition, error)
}

// Deps holds dependencies for the app handler.
type Deps struct {
	Store       *store.Store
	Coordinator Coordinator
	History     HistorySource // optional; history endpoint 404s when nil
	Token       string
}

// NewHandler returns the oppwatch HTTP handler. All routes except /health
// require the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/callbacks/action", handleActionCallback(deps))
		r.Post("/detect", handleDetect(deps))
		r.Get("/opportunities", handleListOpportunities(deps))
		r.Get("/opportunities/{id}", handleGetOpportunity(deps))
		r.Get("/opportunities/{id}/history", handleHistory(deps))
		r.Post("/opportunities/{id}/generate-spec", handleGenerateSpec(deps))
		r.Post("/opportunities/{id}/ship", handleShip(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// ActionCallbackRequest is the payload the notification bridge delivers
// when a human clicks a triage button.
type ActionCallbackRequest struct {
	ID     string `json:"id"`
	Action string `json:"action"`
	Actor  string `json:"actor"`
}

func handleActionCallback(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ActionCallbackRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.ID == "" || req.Action == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "id and action are required")
			return
		}

		err := deps.Coordinator.HandleAction(r.Context(), req.ID, opportunity.Action(req.Action), req.Actor)
		if err != nil {
			writeLifecycleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"status": "applied"})
	}
}

func handleDetect(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := deps.Coordinator.RunDetection(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "detection run failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"candidates": result.Candidates,
			"created":    result.Created,
			"duplicates": result.Duplicates,
			"failed":     result.Failed,
		})
	}
}

func handleListOpportunities(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var opps []opportunity.Opportunity
		if status := r.URL.Query().Get("status"); status != "" {
			opps = deps.Store.GetByStatus(opportunity.Status(status))
		} else {
			opps = deps.Store.GetAll()
		}

		if limit := parseIntParam(r, "limit", 0, 0); limit > 0 && limit < len(opps) {
			opps = opps[:limit]
		}
		if opps == nil {
			opps = []opportunity.Opportunity{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(opps)
	}
}

func handleGetOpportunity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		opp, ok := deps.Store.Get(id)
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "opportunity not found")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(opp)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if _, ok := deps.Store.Get(id); !ok {
			httpError(w, http.StatusNotFound, "not_found", "opportunity not found")
			return
		}
		if deps.History == nil {
			httpError(w, http.StatusNotFound, "not_found", "transition history is not enabled")
			return
		}

		transitions, err := deps.History.History(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load history: %v", err)
			return
		}
		if transitions == nil {
			transitions = []audit.Transition{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transitions)
	}
}

func handleGenerateSpec(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if err := deps.Coordinator.GenerateSpec(r.Context(), id); err != nil {
			writeLifecycleError(w, err)
			return
		}

		opp, _ := deps.Store.Get(id)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":   string(opp.Status),
			"spec_ref": opp.SpecRef,
		})
	}
}

// ShipRequest reports the measured impact of a shipped opportunity.
type ShipRequest struct {
	Metric string  `json:"metric"`
	Before float64 `json:"before"`
	After  float64 `json:"after"`
	Rating int     `json:"rating"`
}

func handleShip(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ShipRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Metric == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "metric is required")
			return
		}

		impact := opportunity.ImpactRecord{
			Metric: req.Metric,
			Before: req.Before,
			After:  req.After,
		}
		if err := deps.Coordinator.MarkShipped(r.Context(), id, impact, req.Rating); err != nil {
			writeLifecycleError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "shipped"})
	}
}

// writeLifecycleError maps coordinator errors onto HTTP statuses:
// unknown id -> 404, illegal transition -> 409, invalid input -> 400,
// anything else (collaborator failures included) -> 502.
func writeLifecycleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, opportunity.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, opportunity.ErrIllegalTransition):
		httpError(w, http.StatusConflict, "illegal_transition", "%v", err)
	case errors.Is(err, opportunity.ErrInvalidRecord), errors.Is(err, opportunity.ErrAlreadyExists):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	default:
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
