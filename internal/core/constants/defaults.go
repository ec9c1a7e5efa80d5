package constants

import "time"

// Cache defaults
const (
	DefaultL1CacheMaxSize   = 1000
	DefaultL2CacheTTL       = 1 * time.Hour
	DefaultCachePrefix      = KeyPrefixResponseCache
	MaxQueryBytes           = 100 * 1024
	DefaultSessionCacheTTL  = 24 * time.Hour
	DefaultThreadMetaTTL    = 1 * time.Hour
	DefaultCacheWarmTimeout = 2 * time.Second
)

// KV client defaults
const (
	DefaultKVMinConnections      = 2
	DefaultKVMaxConnections      = 10
	DefaultKVHealthCheckInterval = 30 * time.Second
	DefaultKVDialTimeout         = 5 * time.Second
	DefaultKVOperationTimeout    = 3 * time.Second

	DefaultBatchSize    = 10
	DefaultBatchTimeout = 10 * time.Millisecond
)

// Circuit breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultSuccessThreshold = 1

	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
	DefaultRetryJitter    = 0.2
)

// Admission defaults
const (
	DefaultMaxConcurrentConnections = 100
	DefaultMaxConnectionsPerUser    = 5

	// pool health thresholds as a fraction of capacity
	PoolDegradedThreshold = 0.70
	PoolCriticalThreshold = 0.90
)

// Queue defaults
const (
	DefaultQueueMaxDepth               = 1000
	DefaultQueueBackpressureThreshold  = 0.8
	DefaultQueueBackpressureMaxRetries = 3
	DefaultQueueBackpressureBaseDelay  = 100 * time.Millisecond
	DefaultQueueBackpressureMaxDelay   = 2 * time.Second

	DefaultMaxFailoverRetries    = 3
	DefaultFailoverRetryBase     = 250 * time.Millisecond
	DefaultFailoverRetryCap      = 5 * time.Second
	DefaultQueueFailoverTimeout  = 120 * time.Second
	DefaultConsumerBatchSize     = 4
	DefaultConsumerBlockDuration = 2 * time.Second

	DefaultFailoverTopic = "failover:requests"
)

// Streaming defaults
const (
	DefaultHeartbeatInterval   = 15 * time.Second
	DefaultFirstChunkTimeout   = 30 * time.Second
	DefaultTotalRequestTimeout = 300 * time.Second
	DefaultIdleTimeout         = 120 * time.Second
)

// Tracking defaults
const (
	DefaultTrackingSampleRate = 0.1
	DefaultStageHistoryLimit  = 1000
)
