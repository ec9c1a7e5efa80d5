package constants

// KV key prefixes. Every piece of distributed state lives under one of these
// so operators can reason about (and expire) keyspaces independently.
const (
	KeyPrefixResponseCache = "cache:response:"
	KeyPrefixSessionCache  = "cache:session:"
	KeyPrefixCircuit       = "circuit:"
	KeyPrefixRateLimit     = "ratelimit:"
	KeyPrefixMetrics       = "metrics:"
	KeyPrefixThreadMeta    = "thread:meta:"

	KeyPoolTotal       = "connection_pool:total"
	KeyPoolUserPrefix  = "connection_pool:user:"
	KeyPoolConnections = "connection_pool:connections"

	KeyPrefixQueue        = "queue:"
	KeyPrefixQueueResults = "queue:results:"
)

// Failover result-channel sentinels. Everything else published on a results
// channel is a pre-formatted SSE frame to be relayed verbatim.
const (
	SignalDone        = "SIGNAL:DONE"
	SignalErrorPrefix = "SIGNAL:ERROR:"
)

// Circuit breaker key suffixes, appended to "circuit:<name>:".
const (
	CircuitSuffixState       = "state"
	CircuitSuffixFailures    = "failures"
	CircuitSuffixLastFailure = "last_failure_time"
)
