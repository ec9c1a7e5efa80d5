package config

import (
	"fmt"
	"net"
	"time"
)

// Config holds all configuration for the gateway
type Config struct {
	Logging   LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Server    ServerConfig     `yaml:"server" mapstructure:"server"`
	KV        KVConfig         `yaml:"kv" mapstructure:"kv"`
	Cache     CacheConfig      `yaml:"cache" mapstructure:"cache"`
	Breaker   BreakerConfig    `yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
	Retry     RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Pool      PoolConfig       `yaml:"connection_pool" mapstructure:"connection_pool"`
	Queue     QueueConfig      `yaml:"queue" mapstructure:"queue"`
	Failover  FailoverConfig   `yaml:"failover" mapstructure:"failover"`
	Streaming StreamingConfig  `yaml:"streaming" mapstructure:"streaming"`
	Tracking  TrackingConfig   `yaml:"tracking" mapstructure:"tracking"`
	Providers []ProviderConfig `yaml:"providers" mapstructure:"providers"`
	Flags     FeatureFlags     `yaml:"flags" mapstructure:"flags"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string           `yaml:"host" mapstructure:"host"`
	RateLimits      ServerRateLimits `yaml:"rate_limits" mapstructure:"rate_limits"`
	Port            int              `yaml:"port" mapstructure:"port"`
	ReadTimeout     time.Duration    `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout    time.Duration    `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout     time.Duration    `yaml:"idle_timeout" mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration    `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	RequestLogging  bool             `yaml:"request_logging" mapstructure:"request_logging"`
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ServerRateLimits defines per-IP rate limiting. This is deliberately a
// separate system from the admission controller's slot counting; merging the
// two would regress fairness.
type ServerRateLimits struct {
	TrustedProxyCIDRs        []string      `yaml:"trusted_proxy_cidrs" mapstructure:"trusted_proxy_cidrs"`
	TrustedProxyCIDRsParsed  []*net.IPNet  `yaml:"-" mapstructure:"-"`
	PerIPRequestsPerMinute   int           `yaml:"per_ip_requests_per_minute" mapstructure:"per_ip_requests_per_minute"`
	PremiumRequestsPerMinute int           `yaml:"premium_requests_per_minute" mapstructure:"premium_requests_per_minute"`
	HealthRequestsPerMinute  int           `yaml:"health_requests_per_minute" mapstructure:"health_requests_per_minute"`
	BurstSize                int           `yaml:"burst_size" mapstructure:"burst_size"`
	CleanupInterval          time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval"`
	TrustProxyHeaders        bool          `yaml:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// KVConfig holds the shared KV store connection settings
type KVConfig struct {
	Host                string        `yaml:"host" mapstructure:"host"`
	Password            string        `yaml:"password" mapstructure:"password"`
	Port                int           `yaml:"port" mapstructure:"port"`
	DB                  int           `yaml:"db" mapstructure:"db"`
	MinConnections      int           `yaml:"min_connections" mapstructure:"min_connections"`
	MaxConnections      int           `yaml:"max_connections" mapstructure:"max_connections"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	DialTimeout         time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	OperationTimeout    time.Duration `yaml:"operation_timeout" mapstructure:"operation_timeout"`
	BatchSize           int           `yaml:"batch_size" mapstructure:"batch_size"`
	BatchTimeout        time.Duration `yaml:"batch_timeout" mapstructure:"batch_timeout"`
}

func (k *KVConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", k.Host, k.Port)
}

// CacheConfig holds two-tier cache settings
type CacheConfig struct {
	L1MaxSize  int           `yaml:"l1_max_size" mapstructure:"l1_max_size"`
	L2TTL      time.Duration `yaml:"l2_ttl" mapstructure:"l2_ttl"`
	L2Required bool          `yaml:"l2_required" mapstructure:"l2_required"`
}

// BreakerConfig holds distributed circuit breaker settings
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold" mapstructure:"success_threshold"`
	ProbeStagger     float64       `yaml:"probe_stagger" mapstructure:"probe_stagger"`
}

// RetryConfig holds the resilience wrapper settings
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	Jitter     float64       `yaml:"jitter" mapstructure:"jitter"`
}

// PoolConfig holds admission controller limits
type PoolConfig struct {
	MaxConcurrentConnections int `yaml:"max_concurrent_connections" mapstructure:"max_concurrent_connections"`
	MaxConnectionsPerUser    int `yaml:"max_connections_per_user" mapstructure:"max_connections_per_user"`
}

// QueueConfig holds message bus settings. Type is "stream" (KV-backed log
// stream) or "log" (partitioned commit log).
type QueueConfig struct {
	Type                   string        `yaml:"type" mapstructure:"type"`
	Topic                  string        `yaml:"topic" mapstructure:"topic"`
	KafkaGroup             string        `yaml:"kafka_group" mapstructure:"kafka_group"`
	KafkaBrokers           []string      `yaml:"kafka_brokers" mapstructure:"kafka_brokers"`
	MaxDepth               int64         `yaml:"max_depth" mapstructure:"max_depth"`
	BackpressureThreshold  float64       `yaml:"backpressure_threshold" mapstructure:"backpressure_threshold"`
	BackpressureMaxRetries int           `yaml:"backpressure_max_retries" mapstructure:"backpressure_max_retries"`
	BackpressureBaseDelay  time.Duration `yaml:"backpressure_base_delay" mapstructure:"backpressure_base_delay"`
	BackpressureMaxDelay   time.Duration `yaml:"backpressure_max_delay" mapstructure:"backpressure_max_delay"`
	ShedRatePerSecond      int           `yaml:"shed_rate_per_second" mapstructure:"shed_rate_per_second"`
}

// FailoverConfig holds queue-failover settings
type FailoverConfig struct {
	MaxRetries        int           `yaml:"max_retries" mapstructure:"max_retries"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" mapstructure:"retry_base_delay"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" mapstructure:"retry_max_delay"`
	ConsumerBatchSize int           `yaml:"consumer_batch_size" mapstructure:"consumer_batch_size"`
	ConsumerBlock     time.Duration `yaml:"consumer_block" mapstructure:"consumer_block"`
}

// StreamingConfig holds per-request pipeline timeouts
type StreamingConfig struct {
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	FirstChunkTimeout   time.Duration `yaml:"first_chunk_timeout" mapstructure:"first_chunk_timeout"`
	TotalRequestTimeout time.Duration `yaml:"total_request_timeout" mapstructure:"total_request_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// TrackingConfig holds execution tracker settings
type TrackingConfig struct {
	Enabled      bool    `yaml:"enabled" mapstructure:"enabled"`
	SampleRate   float64 `yaml:"sample_rate" mapstructure:"sample_rate"`
	HistoryLimit int     `yaml:"history_limit" mapstructure:"history_limit"`
}

// ProviderConfig holds configuration for one upstream LLM adapter
type ProviderConfig struct {
	Name          string        `yaml:"name" mapstructure:"name"`
	Type          string        `yaml:"type" mapstructure:"type"`
	BaseURL       string        `yaml:"base_url" mapstructure:"base_url"`
	APIKeyEnv     string        `yaml:"api_key_env" mapstructure:"api_key_env"`
	DefaultModel  string        `yaml:"default_model" mapstructure:"default_model"`
	ModelPrefixes []string      `yaml:"model_prefixes" mapstructure:"model_prefixes"`
	Timeout       time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// FeatureFlags are runtime-flippable via hot reload or the admin config endpoint
type FeatureFlags struct {
	UseFakeLLM    bool `yaml:"use_fake_llm" mapstructure:"use_fake_llm" json:"use_fake_llm"`
	EnableCaching bool `yaml:"enable_caching" mapstructure:"enable_caching" json:"enable_caching"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Directory  string `yaml:"directory" mapstructure:"directory"`
	FileOutput bool   `yaml:"file_output" mapstructure:"file_output"`
	JSONOutput bool   `yaml:"json_output" mapstructure:"json_output"`
}
