package ports

import (
	"context"
	"time"
)

// CacheStore is the read-through/write-through cache used to short-circuit
// the pipeline. Implementations must treat backend failures as misses, never
// as caller-visible errors.
type CacheStore interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	GetOrCompute(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (string, error)) (string, error)
	BatchGet(ctx context.Context, keys []string) map[string]string
	Delete(ctx context.Context, key string) error
	Stats() CacheStats
}

type CacheStats struct {
	L1Hits   int64 `json:"l1_hits"`
	L2Hits   int64 `json:"l2_hits"`
	Misses   int64 `json:"misses"`
	L2Errors int64 `json:"l2_errors"`
	L1Size   int   `json:"l1_size"`
}
