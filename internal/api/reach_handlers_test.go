package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/audience-reach/internal/audience"
)

// fakeCalculator records the last request and returns a canned result.
type fakeCalculator struct {
	included []uuid.UUID
	excluded []uuid.UUID
	result   *audience.ReachResult
	err      error
}

func (f *fakeCalculator) CalculateReach(_ context.Context, includedIDs, excludedIDs []uuid.UUID) (*audience.ReachResult, error) {
	f.included = includedIDs
	f.excluded = excludedIDs
	return f.result, f.err
}

// fixedBackend serves a single audience with a static member list.
type fixedBackend struct {
	aud     *audience.Audience
	members []uuid.UUID
}

func (b *fixedBackend) AudiencesByIDs(_ context.Context, ids []uuid.UUID) ([]*audience.Audience, error) {
	for _, id := range ids {
		if b.aud != nil && id == b.aud.ID {
			return []*audience.Audience{b.aud}, nil
		}
	}
	return nil, nil
}

func (b *fixedBackend) StaticMembers(_ context.Context, _ uuid.UUID) ([]uuid.UUID, error) {
	return b.members, nil
}

func (b *fixedBackend) ProfileIDs(_ context.Context, _ []audience.Rule) ([]uuid.UUID, error) {
	return nil, nil
}

func (b *fixedBackend) SubscriberIDs(_ context.Context, _ []audience.Rule, _ []uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}

func newTestRouter(calc audience.ReachCalculator, engine *audience.Engine, store *audience.Store) chi.Router {
	reachAPI := NewReachAPI(calc, engine, store)
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		reachAPI.RegisterRoutes(r)
	})
	return r
}

// =============================================================================
// REACH ENDPOINT
// =============================================================================

func TestCalculateReach_RequiresAudienceIDsArray(t *testing.T) {
	router := newTestRouter(&fakeCalculator{}, nil, nil)

	tests := []struct {
		name string
		body string
	}{
		{"missing field", `{}`},
		{"explicit null", `{"audience_ids": null}`},
		{"wrong type", `{"audience_ids": "not-an-array"}`},
		{"malformed json", `{`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/reach/calculate", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestCalculateReach_EmptyArrayIsValid(t *testing.T) {
	calc := &fakeCalculator{result: &audience.ReachResult{}}
	router := newTestRouter(calc, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/reach/calculate",
		bytes.NewBufferString(`{"audience_ids": []}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var result audience.ReachResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 0, result.UniqueCount)
	assert.NotNil(t, calc.included)
	assert.Len(t, calc.included, 0)
}

func TestCalculateReach_ForwardsIDsAndResult(t *testing.T) {
	inc1, inc2, exc := uuid.New(), uuid.New(), uuid.New()
	calc := &fakeCalculator{result: &audience.ReachResult{
		UniqueCount: 42,
		Details: audience.ReachDetails{
			TotalIncluded:     50,
			TotalExcluded:     8,
			IncludedAudiences: 2,
			ExcludedAudiences: 1,
		},
	}}
	router := newTestRouter(calc, nil, nil)

	body := fmt.Sprintf(`{"audience_ids": [%q, %q], "excluded_audience_ids": [%q]}`, inc1, inc2, exc)
	req := httptest.NewRequest(http.MethodPost, "/api/reach/calculate", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{inc1, inc2}, calc.included)
	assert.Equal(t, []uuid.UUID{exc}, calc.excluded)

	var result audience.ReachResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 42, result.UniqueCount)
	assert.Equal(t, 50, result.Details.TotalIncluded)
}

// =============================================================================
// AUDIENCE ENDPOINTS
// =============================================================================

func TestGetAudienceCount(t *testing.T) {
	member := uuid.New()
	aud := &audience.Audience{
		ID:      uuid.New(),
		Name:    "Static List",
		Filters: audience.FilterSpec{AudienceType: audience.AudienceStatic},
	}
	engine := audience.NewEngine(&fixedBackend{aud: aud, members: []uuid.UUID{member}})
	router := newTestRouter(&fakeCalculator{}, engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/audiences/"+aud.ID.String()+"/count", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		AudienceID uuid.UUID `json:"audience_id"`
		Count      int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, aud.ID, resp.AudienceID)
	assert.Equal(t, 1, resp.Count)
}

func TestGetAudienceCount_NotFound(t *testing.T) {
	engine := audience.NewEngine(&fixedBackend{})
	router := newTestRouter(&fakeCalculator{}, engine, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/audiences/"+uuid.New().String()+"/count", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAudienceCount_InvalidID(t *testing.T) {
	router := newTestRouter(&fakeCalculator{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/audiences/not-a-uuid/count", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAudiences(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta("FROM audiences")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "filters", "created_at", "updated_at"}).
			AddRow(uuid.New(), "Newsletter", []byte(`{"audience_type":"dynamic"}`), now, now).
			AddRow(uuid.New(), "VIPs", []byte(`{"tags":["vip"]}`), now, now))

	router := newTestRouter(&fakeCalculator{}, nil, audience.NewStore(db))

	req := httptest.NewRequest(http.MethodGet, "/api/audiences/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Audiences []audience.Audience `json:"audiences"`
		Count     int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "Newsletter", resp.Audiences[0].Name)
}

func TestListOperators(t *testing.T) {
	router := newTestRouter(&fakeCalculator{}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/operators", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var ops []audience.OperatorMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ops))
	assert.Len(t, ops, 15)
}
