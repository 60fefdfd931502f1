// Package api exposes the reach calculation engine over HTTP.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ignite/audience-reach/internal/audience"
)

// ReachAPI handles reach and audience endpoints. Callers are assumed to be
// authorized before reaching this layer.
type ReachAPI struct {
	calc   audience.ReachCalculator
	engine *audience.Engine
	store  *audience.Store
}

// NewReachAPI creates a new reach API handler. calc is usually the engine
// itself, or a ReachCache wrapped around it.
func NewReachAPI(calc audience.ReachCalculator, engine *audience.Engine, store *audience.Store) *ReachAPI {
	return &ReachAPI{calc: calc, engine: engine, store: store}
}

// RegisterRoutes registers reach routes under /api
func (api *ReachAPI) RegisterRoutes(r chi.Router) {
	r.Post("/reach/calculate", api.CalculateReach)

	r.Route("/audiences", func(r chi.Router) {
		r.Get("/", api.ListAudiences)
		r.Get("/{audienceID}/count", api.GetAudienceCount)
	})

	r.Get("/operators", api.ListOperators)
}

// CalculateReachRequest is the request body for reach calculation.
// AudienceIDs is a pointer so a missing or null field is distinguishable
// from an (allowed) empty array.
type CalculateReachRequest struct {
	AudienceIDs         *[]uuid.UUID `json:"audience_ids"`
	ExcludedAudienceIDs []uuid.UUID  `json:"excluded_audience_ids,omitempty"`
}

// CalculateReach computes the unique reach for the requested audiences
func (api *ReachAPI) CalculateReach(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CalculateReachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AudienceIDs == nil {
		http.Error(w, "audience_ids must be an array", http.StatusBadRequest)
		return
	}

	result, err := api.calc.CalculateReach(ctx, *req.AudienceIDs, req.ExcludedAudienceIDs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, result)
}

// ListAudiences returns all stored audiences
func (api *ReachAPI) ListAudiences(w http.ResponseWriter, r *http.Request) {
	audiences, err := api.store.ListAudiences(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"audiences": audiences,
		"count":     len(audiences),
	})
}

// GetAudienceCount returns the current member count for one audience
func (api *ReachAPI) GetAudienceCount(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	audienceID, err := uuid.Parse(chi.URLParam(r, "audienceID"))
	if err != nil {
		http.Error(w, "invalid audience id", http.StatusBadRequest)
		return
	}

	count, err := api.engine.AudienceCount(ctx, audienceID)
	if err == audience.ErrAudienceNotFound {
		http.Error(w, "audience not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"audience_id": audienceID,
		"count":       count,
	})
}

// ListOperators returns metadata for all filter operators
func (api *ReachAPI) ListOperators(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, audience.GetOperatorMetadata())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
