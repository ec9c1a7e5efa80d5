package ports

import (
	"context"

	"github.com/kestrel-labs/sluice/internal/core/domain"
)

// AdmissionController counts live streams globally and per user. Acquire and
// Release are symmetric; every granted acquire must be released exactly once
// on every terminal path.
type AdmissionController interface {
	Acquire(ctx context.Context, userID, threadID string) (domain.AdmissionResult, error)
	Release(ctx context.Context, userID, threadID string) error
	Stats(ctx context.Context) domain.PoolStats
}
