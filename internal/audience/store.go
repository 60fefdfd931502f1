package audience

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store provides database operations for reach calculation
type Store struct {
	db *sql.DB
}

// NewStore creates a new audience store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ==========================================
// AUDIENCE METADATA
// ==========================================

// AudiencesByIDs fetches audience metadata for a batch of IDs. IDs with no
// matching row are simply absent from the result.
func (s *Store) AudiencesByIDs(ctx context.Context, ids []uuid.UUID) ([]*Audience, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, name, filters, created_at, updated_at
		FROM audiences
		WHERE id = ANY($1::uuid[])
	`

	rows, err := s.db.QueryContext(ctx, query, pq.Array(uuidStrings(ids)))
	if err != nil {
		return nil, fmt.Errorf("query audiences: %w", err)
	}
	defer rows.Close()

	return scanAudiences(rows)
}

// ListAudiences returns all audiences ordered by name
func (s *Store) ListAudiences(ctx context.Context) ([]*Audience, error) {
	query := `
		SELECT id, name, filters, created_at, updated_at
		FROM audiences
		ORDER BY name
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query audiences: %w", err)
	}
	defer rows.Close()

	return scanAudiences(rows)
}

func scanAudiences(rows *sql.Rows) ([]*Audience, error) {
	var audiences []*Audience
	for rows.Next() {
		aud := &Audience{}
		var filtersJSON []byte
		if err := rows.Scan(&aud.ID, &aud.Name, &filtersJSON, &aud.CreatedAt, &aud.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan audience: %w", err)
		}
		if len(filtersJSON) > 0 {
			if err := json.Unmarshal(filtersJSON, &aud.Filters); err != nil {
				return nil, fmt.Errorf("unmarshal filters for audience %s: %w", aud.ID, err)
			}
		}
		audiences = append(audiences, aud)
	}
	return audiences, rows.Err()
}

// ==========================================
// STATIC MEMBERSHIP
// ==========================================

// StaticMembers returns the stored membership rows for a static audience.
// This is exactly the join-table content; the filters blob is never
// consulted here.
func (s *Store) StaticMembers(ctx context.Context, audienceID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT subscriber_id
		FROM audience_subscribers
		WHERE audience_id = $1
	`

	rows, err := s.db.QueryContext(ctx, query, audienceID)
	if err != nil {
		return nil, fmt.Errorf("query static members: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// ==========================================
// DYNAMIC QUERIES
// ==========================================

// ProfileIDs returns profile IDs matching all given rules (AND)
func (s *Store) ProfileIDs(ctx context.Context, rules []Rule) ([]uuid.UUID, error) {
	qb := NewQueryBuilder()
	query, args := qb.BuildProfileIDQuery(rules)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// SubscriberIDs returns subscriber IDs matching all given rules (AND),
// optionally constrained to subscribers whose user_id is one of profileIDs.
// A nil profileIDs means no linkage constraint; an empty non-nil slice
// matches nobody.
func (s *Store) SubscriberIDs(ctx context.Context, rules []Rule, profileIDs []uuid.UUID) ([]uuid.UUID, error) {
	var candidate []string
	if profileIDs != nil {
		candidate = uuidStrings(profileIDs)
	}

	qb := NewQueryBuilder()
	query, args := qb.BuildSubscriberIDQuery(rules, candidate)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer rows.Close()

	return scanIDs(rows)
}

// ==========================================
// HELPERS
// ==========================================

func scanIDs(rows *sql.Rows) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func uuidStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
