package constants

const (
	HeaderThreadID    = "X-Thread-Id"
	HeaderUserID      = "X-User-ID"
	HeaderPremiumUser = "X-Premium-User"

	HeaderContentType     = "Content-Type"
	HeaderCacheControl    = "Cache-Control"
	HeaderConnection      = "Connection"
	HeaderAccelBuffering  = "X-Accel-Buffering"
	HeaderRetryAfter      = "Retry-After"
	HeaderRateLimitLimit  = "X-RateLimit-Limit"
	HeaderRateLimitRemain = "X-RateLimit-Remaining"
	HeaderRateLimitReset  = "X-RateLimit-Reset"

	ContentTypeEventStream = "text/event-stream"
	ContentTypeJSON        = "application/json"
)
