package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/kestrel-labs/sluice/internal/core/constants"
)

const (
	DefaultPort = 8080
	DefaultHost = "0.0.0.0"
)

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off by a write deadline
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RequestLogging:  true,
			RateLimits: ServerRateLimits{
				PerIPRequestsPerMinute:   60,
				PremiumRequestsPerMinute: 300,
				HealthRequestsPerMinute:  600,
				BurstSize:                10,
				CleanupInterval:          5 * time.Minute,
			},
		},
		KV: KVConfig{
			Host:                "localhost",
			Port:                6379,
			DB:                  0,
			MinConnections:      constants.DefaultKVMinConnections,
			MaxConnections:      constants.DefaultKVMaxConnections,
			HealthCheckInterval: constants.DefaultKVHealthCheckInterval,
			DialTimeout:         constants.DefaultKVDialTimeout,
			OperationTimeout:    constants.DefaultKVOperationTimeout,
			BatchSize:           constants.DefaultBatchSize,
			BatchTimeout:        constants.DefaultBatchTimeout,
		},
		Cache: CacheConfig{
			L1MaxSize: constants.DefaultL1CacheMaxSize,
			L2TTL:     constants.DefaultL2CacheTTL,
		},
		Breaker: BreakerConfig{
			FailureThreshold: constants.DefaultFailureThreshold,
			RecoveryTimeout:  constants.DefaultRecoveryTimeout,
			SuccessThreshold: constants.DefaultSuccessThreshold,
			ProbeStagger:     0.1,
		},
		Retry: RetryConfig{
			MaxRetries: constants.DefaultMaxRetries,
			BaseDelay:  constants.DefaultRetryBaseDelay,
			MaxDelay:   constants.DefaultRetryMaxDelay,
			Jitter:     constants.DefaultRetryJitter,
		},
		Pool: PoolConfig{
			MaxConcurrentConnections: constants.DefaultMaxConcurrentConnections,
			MaxConnectionsPerUser:    constants.DefaultMaxConnectionsPerUser,
		},
		Queue: QueueConfig{
			Type:                   "stream",
			Topic:                  constants.DefaultFailoverTopic,
			KafkaGroup:             "sluice-failover",
			MaxDepth:               constants.DefaultQueueMaxDepth,
			BackpressureThreshold:  constants.DefaultQueueBackpressureThreshold,
			BackpressureMaxRetries: constants.DefaultQueueBackpressureMaxRetries,
			BackpressureBaseDelay:  constants.DefaultQueueBackpressureBaseDelay,
			BackpressureMaxDelay:   constants.DefaultQueueBackpressureMaxDelay,
		},
		Failover: FailoverConfig{
			MaxRetries:        constants.DefaultMaxFailoverRetries,
			Timeout:           constants.DefaultQueueFailoverTimeout,
			RetryBaseDelay:    constants.DefaultFailoverRetryBase,
			RetryMaxDelay:     constants.DefaultFailoverRetryCap,
			ConsumerBatchSize: constants.DefaultConsumerBatchSize,
			ConsumerBlock:     constants.DefaultConsumerBlockDuration,
		},
		Streaming: StreamingConfig{
			HeartbeatInterval:   constants.DefaultHeartbeatInterval,
			FirstChunkTimeout:   constants.DefaultFirstChunkTimeout,
			TotalRequestTimeout: constants.DefaultTotalRequestTimeout,
			IdleTimeout:         constants.DefaultIdleTimeout,
		},
		Tracking: TrackingConfig{
			Enabled:      true,
			SampleRate:   constants.DefaultTrackingSampleRate,
			HistoryLimit: constants.DefaultStageHistoryLimit,
		},
		Providers: []ProviderConfig{
			{
				Name:          "openai",
				Type:          "openai",
				BaseURL:       "https://api.openai.com/v1",
				APIKeyEnv:     "OPENAI_API_KEY",
				DefaultModel:  "gpt-3.5-turbo",
				ModelPrefixes: []string{"gpt-", "o1", "o3"},
				Timeout:       10 * time.Minute,
			},
			{
				Name:          "deepseek",
				Type:          "openai",
				BaseURL:       "https://api.deepseek.com/v1",
				APIKeyEnv:     "DEEPSEEK_API_KEY",
				DefaultModel:  "deepseek-chat",
				ModelPrefixes: []string{"deepseek-", "gpt-"},
				Timeout:       10 * time.Minute,
			},
		},
		Flags: FeatureFlags{
			UseFakeLLM:    false,
			EnableCaching: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "./logs",
			FileOutput: false,
			JSONOutput: true,
		},
	}
}

// Load loads configuration from file and environment variables. The onReload
// callback fires whenever the watched config file changes; only feature flags
// are expected to be re-applied at runtime.
func Load(onReload func()) (*Config, error) {
	config := DefaultConfig()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.SetEnvPrefix("SLUICE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Try to read config file
	if err := viper.ReadInConfig(); err != nil {
		// It's okay if config file doesn't exist
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if configFile := os.Getenv("SLUICE_CONFIG_FILE"); configFile != "" {
			viper.SetConfigFile(configFile)
			if err := viper.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
			}
		}
	}

	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.parseTrustedCIDRs()

	if onReload != nil {
		viper.OnConfigChange(func(e fsnotify.Event) {
			onReload()
		})
		viper.WatchConfig()
	}

	return config, nil
}

// CurrentFlags re-reads the feature flags from the live viper state. Called
// from the hot-reload path; everything outside Flags needs a restart.
func CurrentFlags() FeatureFlags {
	var f FeatureFlags
	_ = viper.UnmarshalKey("flags", &f)
	return f
}

// Validate rejects configurations that would wedge the gateway at runtime.
// These are CONFIG_ERRORs: fatal, raised at startup only.
func (c *Config) Validate() error {
	if c.Pool.MaxConcurrentConnections <= 0 {
		return fmt.Errorf("config: connection_pool.max_concurrent_connections must be positive")
	}
	if c.Pool.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("config: connection_pool.max_connections_per_user must be positive")
	}
	if c.Queue.Type != "stream" && c.Queue.Type != "log" {
		return fmt.Errorf("config: queue.type must be \"stream\" or \"log\", got %q", c.Queue.Type)
	}
	if c.Queue.Type == "log" && len(c.Queue.KafkaBrokers) == 0 {
		return fmt.Errorf("config: queue.kafka_brokers required for queue.type=log")
	}
	if c.Tracking.SampleRate < 0 || c.Tracking.SampleRate > 1 {
		return fmt.Errorf("config: tracking.sample_rate must be in [0,1], got %v", c.Tracking.SampleRate)
	}
	if c.Queue.BackpressureThreshold <= 0 || c.Queue.BackpressureThreshold > 1 {
		return fmt.Errorf("config: queue.backpressure_threshold must be in (0,1], got %v", c.Queue.BackpressureThreshold)
	}
	if c.Cache.L1MaxSize <= 0 {
		return fmt.Errorf("config: cache.l1_max_size must be positive")
	}
	if c.KV.MaxConnections < c.KV.MinConnections {
		return fmt.Errorf("config: kv.max_connections below kv.min_connections")
	}
	return nil
}

func (c *Config) parseTrustedCIDRs() {
	limits := &c.Server.RateLimits
	limits.TrustedProxyCIDRsParsed = limits.TrustedProxyCIDRsParsed[:0]
	for _, cidr := range limits.TrustedProxyCIDRs {
		if _, parsed, err := net.ParseCIDR(cidr); err == nil {
			limits.TrustedProxyCIDRsParsed = append(limits.TrustedProxyCIDRsParsed, parsed)
		}
	}
}
