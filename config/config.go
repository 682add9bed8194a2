package config

import (
	"fmt"
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Port        string
	Environment string

	Upstream Upstream
	Detector Detector
	PushHub  PushHub
	JWT      JWTConfig
	Notifier Notifier
	Redis    Redis
	Logging  Logging
}

// Upstream configures the venue WebSocket endpoints consumed by SubscriptionMux.
type Upstream struct {
	BaseWSURL          string
	ConnectTimeoutSec  int
	ReadTimeoutSec     int
	HeartbeatSec       int
	SubscribeBatchSize int
	SubscribeBatchGapMS int
	MaxBackoffSec      float64
}

// Detector configures ClusterStore, ATRAccumulator and ImpulseDetector thresholds.
type Detector struct {
	ClusterIntervalSec   float64
	MaxClustersPerSymbol int
	CandleTimeframeSec   int
	ATRPeriod            int
	ATRMultiplier        float64
	ImpulseMinClusters   int
	ImpulseMinTrades     int
	ImpulseMaxLookback   float64
	FixedThresholdPct    float64
	DynamicThreshold     bool

	AntiSpamPerSymbolSec  float64
	AntiSpamBurstCount    int
	AntiSpamBurstWindowSec float64
	AntiSpamSilenceSec    float64

	DetectorQueueSize int
	DetectorWorkers   int
}

// PushHub configures the authenticated WebSocket server.
type PushHub struct {
	Host             string
	Port             string
	HeartbeatSec     int
	PingTimeoutSec   int
	ClientSendBuffer int
}

// JWTConfig configures the bearer-token format the UserStore issues.
type JWTConfig struct {
	Secret string
	Expiry string
}

// Notifier configures the admin/per-user chat sink.
type Notifier struct {
	AdminWebhookURL string
	AdminChatID     string
	SigningKey      string
	QueueSize       int
	Workers         int
	MaxRetries      int
}

// Redis configures the optional cross-instance cluster bus.
type Redis struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	Channel  string
}

// Logging configures optional on-disk log rotation alongside stdout.
// FilePath empty (the default) disables file output entirely.
type Logging struct {
	FilePath           string
	MaxSizeMB          int
	MaxBackups         int
	MaxAgeHours        int
	CompressionEnabled bool
}

// Load loads configuration from environment variables, optionally preloaded from .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Upstream: Upstream{
			BaseWSURL:           getEnv("UPSTREAM_WS_URL", "wss://fstream.binance.com/ws"),
			ConnectTimeoutSec:   getEnvAsInt("UPSTREAM_CONNECT_TIMEOUT_SEC", 10),
			ReadTimeoutSec:      getEnvAsInt("UPSTREAM_READ_TIMEOUT_SEC", 60),
			HeartbeatSec:        getEnvAsInt("UPSTREAM_HEARTBEAT_SEC", 20),
			SubscribeBatchSize:  getEnvAsInt("UPSTREAM_SUBSCRIBE_BATCH_SIZE", 80),
			SubscribeBatchGapMS: getEnvAsInt("UPSTREAM_SUBSCRIBE_BATCH_GAP_MS", 50),
			MaxBackoffSec:       getEnvAsFloat("UPSTREAM_MAX_BACKOFF_SEC", 30.0),
		},

		Detector: Detector{
			ClusterIntervalSec:    getEnvAsFloat("CLUSTER_INTERVAL_SEC", 0.1),
			MaxClustersPerSymbol:  getEnvAsInt("IMPULSE_MAX_CLUSTERS", 150),
			CandleTimeframeSec:    getEnvAsInt("CANDLE_TIMEFRAME_SEC", 60),
			ATRPeriod:             getEnvAsInt("ATR_PERIOD", 14),
			ATRMultiplier:         getEnvAsFloat("ATR_MULTIPLIER", 2.2),
			ImpulseMinClusters:    getEnvAsInt("IMPULSE_MIN_CLUSTERS", 2),
			ImpulseMinTrades:      getEnvAsInt("IMPULSE_MIN_TRADES", 1000),
			ImpulseMaxLookback:    getEnvAsFloat("IMPULSE_MAX_LOOKBACK_SEC", 15.0),
			FixedThresholdPct:     getEnvAsFloat("IMPULSE_FIXED_THRESHOLD_PCT", 1.0),
			DynamicThreshold:      getEnvAsBool("IMPULSE_DYNAMIC_THRESHOLD", false),
			AntiSpamPerSymbolSec:  getEnvAsFloat("ANTI_SPAM_PER_SYMBOL_SEC", 180.0),
			AntiSpamBurstCount:    getEnvAsInt("ANTI_SPAM_BURST_COUNT", 5),
			AntiSpamBurstWindowSec: getEnvAsFloat("ANTI_SPAM_BURST_WINDOW_SEC", 30.0),
			AntiSpamSilenceSec:    getEnvAsFloat("ANTI_SPAM_SILENCE_SEC", 30.0),
			DetectorQueueSize:     getEnvAsInt("DETECTOR_QUEUE_SIZE", 20000),
			DetectorWorkers:       getEnvAsInt("DETECTOR_WORKERS", 2),
		},

		PushHub: PushHub{
			Host:             getEnv("PUSHHUB_HOST", "0.0.0.0"),
			Port:             getEnv("PUSHHUB_PORT", "9001"),
			HeartbeatSec:     getEnvAsInt("PUSHHUB_HEARTBEAT_SEC", 20),
			PingTimeoutSec:   getEnvAsInt("PUSHHUB_PING_TIMEOUT_SEC", 20),
			ClientSendBuffer: getEnvAsInt("PUSHHUB_CLIENT_SEND_BUFFER", 256),
		},

		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			Expiry: getEnv("JWT_EXPIRY", "8760h"),
		},

		Notifier: Notifier{
			AdminWebhookURL: getEnv("NOTIFIER_ADMIN_WEBHOOK_URL", ""),
			AdminChatID:     getEnv("NOTIFIER_ADMIN_CHAT_ID", ""),
			SigningKey:      getEnv("NOTIFIER_SIGNING_KEY", ""),
			QueueSize:       getEnvAsInt("NOTIFIER_QUEUE_SIZE", 2000),
			Workers:         getEnvAsInt("NOTIFIER_WORKERS", 3),
			MaxRetries:      getEnvAsInt("NOTIFIER_MAX_RETRIES", 3),
		},

		Redis: Redis{
			Enabled:  getEnvAsBool("CLUSTERBUS_ENABLED", false),
			Address:  getEnv("CLUSTERBUS_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("CLUSTERBUS_REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("CLUSTERBUS_REDIS_DB", 0),
			Channel:  getEnv("CLUSTERBUS_CHANNEL", "screener:impulses"),
		},

		Logging: Logging{
			FilePath:           getEnv("LOG_FILE_PATH", ""),
			MaxSizeMB:          getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups:         getEnvAsInt("LOG_MAX_BACKUPS", 10),
			MaxAgeHours:        getEnvAsInt("LOG_MAX_AGE_HOURS", 168),
			CompressionEnabled: getEnvAsBool("LOG_COMPRESS_ROTATED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.Detector.ClusterIntervalSec <= 0 {
		return fmt.Errorf("CLUSTER_INTERVAL_SEC must be positive")
	}
	if c.Detector.ATRPeriod <= 0 {
		return fmt.Errorf("ATR_PERIOD must be positive")
	}
	if c.Detector.MaxClustersPerSymbol <= 0 {
		return fmt.Errorf("IMPULSE_MAX_CLUSTERS must be positive")
	}

	if c.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.Redis.Enabled && c.Redis.Address == "" {
			return fmt.Errorf("CLUSTERBUS_REDIS_ADDR is required when CLUSTERBUS_ENABLED is set")
		}
		if c.Notifier.AdminWebhookURL == "" {
			log.Println("WARNING: NOTIFIER_ADMIN_WEBHOOK_URL not set - admin chat sink will drop every message")
		}
	}

	return nil
}

func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}
