package cache

import (
	"context"
	"time"

	"fiscalbridge/backend/internal/domain"
)

// JobStatusCache absorbs the UI's fiscal-status polling (one request every
// couple of seconds per waiting terminal) so the store is not hit on every
// poll. Entries are short-lived; a miss always falls through to the store.
type JobStatusCache interface {
	Get(ctx context.Context, saleID string) (*domain.JobStatusResponse, bool, error)
	Set(ctx context.Context, saleID string, value *domain.JobStatusResponse, ttl time.Duration) error
	Invalidate(ctx context.Context, saleID string) error
}

type NoopJobStatusCache struct{}

func (NoopJobStatusCache) Get(_ context.Context, _ string) (*domain.JobStatusResponse, bool, error) {
	return nil, false, nil
}

func (NoopJobStatusCache) Set(_ context.Context, _ string, _ *domain.JobStatusResponse, _ time.Duration) error {
	return nil
}

func (NoopJobStatusCache) Invalidate(_ context.Context, _ string) error {
	return nil
}
