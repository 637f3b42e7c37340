package cache

import (
	"context"
	"time"

	"lotledger/backend/internal/ledger"
)

// ReportCache stores built reports. Keys come from Key, which binds a query
// to the current data generation; Invalidate starts a new generation so every
// earlier key goes stale at once.
type ReportCache interface {
	Key(ctx context.Context, queryKey string) (string, error)
	Get(ctx context.Context, key string) (*ledger.Report, bool, error)
	Set(ctx context.Context, key string, value *ledger.Report, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Key(_ context.Context, queryKey string) (string, error) {
	return queryKey, nil
}

func (NoopReportCache) Get(_ context.Context, _ string) (*ledger.Report, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *ledger.Report, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}
