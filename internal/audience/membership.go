package audience

import (
	"context"

	"github.com/google/uuid"
)

// MemberIDs resolves one audience's member subscriber IDs.
//
// Static audiences are exactly their stored join-table rows — the filters
// blob is never evaluated for them, even when one is present. Dynamic
// audiences are recomputed from their filter spec on every call.
func (e *Engine) MemberIDs(ctx context.Context, aud *Audience) ([]uuid.UUID, error) {
	if aud.Filters.IsStatic() {
		return e.backend.StaticMembers(ctx, aud.ID)
	}
	return e.resolver.ResolveSubscriberIDs(ctx, aud.Filters)
}

// AudienceCount returns the current member count for one audience. It
// shares the ID-mode resolution path, so count and ID results cannot
// diverge for the same data.
func (e *Engine) AudienceCount(ctx context.Context, audienceID uuid.UUID) (int, error) {
	audiences, err := e.backend.AudiencesByIDs(ctx, []uuid.UUID{audienceID})
	if err != nil {
		return 0, err
	}
	if len(audiences) == 0 {
		return 0, ErrAudienceNotFound
	}

	ids, err := e.MemberIDs(ctx, audiences[0])
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}
