package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	// Application
	Version     string
	Environment string
	WorkerID    string
	LogLevel    string

	// Logdy (lightweight web log viewer)
	LogdyEnabled bool
	LogdyHost    string
	LogdyPort    int

	// NATS
	// Default: nats://localhost:4222 (works with Docker Compose setup)
	// Docker: Use nats://nats:4222 if running worker in Docker
	NatsURL            string
	NatsConnectTimeout time.Duration
	NatsReconnectWait  time.Duration
	NatsMaxReconnects  int
	NatsDrainTimeout   time.Duration // For graceful shutdown

	// Input stream (detections)
	InputStream  string
	InputSubject string
	ConsumerName string

	// Output stream (alerts)
	OutputStream  string
	OutputSubject string

	// Consumer flow control
	Prefetch             int
	WorkerPoolSize       int
	TaskQueueSize        int
	AckFlushInterval     time.Duration
	AckFlushFastInterval time.Duration
	AckBatchSize         int
	FetchMaxWait         time.Duration

	// Backoff/Jitter config for reconnections
	ReconnectBackoffMin time.Duration
	ReconnectBackoffMax time.Duration
	ReconnectJitterPct  int

	// Publisher confirmations
	PublishAckTimeout time.Duration
	PublishQueueSize  int

	// Tracking
	DistanceThreshold    float64 // px
	SimilarityThreshold  float64 // 0-1
	ReidMaxDistance      float64 // px, normalizes the distance score
	MissedFrameThreshold int
	StaleObjectTTL       time.Duration
	TrackCategories      []string

	// Rules
	Processors          []string
	AbandonedThreshold  time.Duration
	ZonePermanence      time.Duration
	ParkingLimit        time.Duration
	ParkingPadding      float64
	WatchlistTypes      []string
	WatchlistCacheTTL   time.Duration
	CongestionLapse     time.Duration
	CongestionWeeks     int
	CongestionMinLapses int
	ZonesFile           string

	// Alert deduplication
	DedupCooldown      time.Duration
	DedupPurgeInterval time.Duration

	// Persistence
	KVBackend        string // jetstream | sqlite | memory
	KVBucket         string
	KVSQLitePath     string
	RestoreTimeout   time.Duration
	SnapshotInterval time.Duration

	// Optional active/sleep duty cycle
	DutyCycleEnabled    bool
	DutyCycleActive     time.Duration
	DutyCycleSleep      time.Duration
	DutyCycleBackupLead time.Duration

	// Graceful Shutdown
	ShutdownTimeout time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found or error loading .env file, using environment variables and defaults")
	} else {
		log.Info().Msg("Loaded configuration from .env file")
	}

	return &Config{
		// Application
		Version:     getEnv("VERSION", "1.0.0"),
		Environment: getEnv("ENVIRONMENT", "development"),
		WorkerID:    getEnv("WORKER_ID", defaultWorkerID()),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Logdy (lightweight web log viewer)
		LogdyEnabled: getEnvBool("LOGDY_ENABLED", false),
		LogdyHost:    getEnv("LOGDY_HOST", "localhost"),
		LogdyPort:    getEnvInt("LOGDY_PORT", 8080),

		// NATS (configured for Docker Compose setup)
		NatsURL:            getNatsURL(),
		NatsConnectTimeout: getEnvDuration("NATS_CONNECT_TIMEOUT", 10*time.Second),
		NatsReconnectWait:  getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		NatsMaxReconnects:  getEnvInt("NATS_MAX_RECONNECTS", -1), // -1 = unlimited
		NatsDrainTimeout:   getEnvDuration("NATS_DRAIN_TIMEOUT", 5*time.Second),

		InputStream:  getEnv("INPUT_STREAM", "DETECTIONS"),
		InputSubject: getEnv("INPUT_SUBJECT", "detections.>"),
		ConsumerName: getEnv("CONSUMER_NAME", "camevents-worker"),

		OutputStream:  getEnv("OUTPUT_STREAM", "ALERTS"),
		OutputSubject: getEnv("OUTPUT_SUBJECT", "alerts.events"),

		Prefetch:             getEnvInt("PREFETCH", 50),
		WorkerPoolSize:       getEnvInt("WORKER_POOL_SIZE", 4),
		TaskQueueSize:        getEnvInt("TASK_QUEUE_SIZE", 5000),
		AckFlushInterval:     getEnvDuration("ACK_FLUSH_INTERVAL", 100*time.Millisecond),
		AckFlushFastInterval: getEnvDuration("ACK_FLUSH_FAST_INTERVAL", 10*time.Millisecond),
		AckBatchSize:         getEnvInt("ACK_BATCH_SIZE", 100),
		FetchMaxWait:         getEnvDuration("FETCH_MAX_WAIT", 500*time.Millisecond),

		// Backoff/Jitter
		ReconnectBackoffMin: getEnvDuration("RECONNECT_BACKOFF_MIN", 1*time.Second),
		ReconnectBackoffMax: getEnvDuration("RECONNECT_BACKOFF_MAX", 30*time.Second),
		ReconnectJitterPct:  getEnvInt("RECONNECT_JITTER_PCT", 10),

		PublishAckTimeout: getEnvDuration("PUBLISH_ACK_TIMEOUT", 5*time.Second),
		PublishQueueSize:  getEnvInt("PUBLISH_QUEUE_SIZE", 1000),

		DistanceThreshold:    getEnvFloat("DISTANCE_THRESHOLD", 15),
		SimilarityThreshold:  getEnvFloat("SIMILARITY_THRESHOLD", 0.85),
		ReidMaxDistance:      getEnvFloat("REID_MAX_DISTANCE", 20),
		MissedFrameThreshold: getEnvInt("MISSED_FRAME_THRESHOLD", 2),
		StaleObjectTTL:       getEnvDuration("STALE_OBJECT_TTL", 30*time.Second),
		TrackCategories:      getEnvList("TRACK_CATEGORIES", []string{"2", "3", "4", "6", "7", "8"}),

		Processors:          getEnvList("PROCESSORS", []string{"abandoned", "restricted", "parking", "platematch", "congestion"}),
		AbandonedThreshold:  getEnvDuration("ABANDONED_THRESHOLD", 72*time.Hour),
		ZonePermanence:      getEnvDuration("ZONE_PERMANENCE", 5*time.Second),
		ParkingLimit:        getEnvDuration("PARKING_LIMIT", 300*time.Second),
		ParkingPadding:      getEnvFloat("PARKING_PADDING", 0.2),
		WatchlistTypes:      getEnvList("WATCHLIST_TYPES", []string{"robados"}),
		WatchlistCacheTTL:   getEnvDuration("WATCHLIST_CACHE_TTL", 5*time.Minute),
		CongestionLapse:     getEnvDuration("CONGESTION_LAPSE", time.Minute),
		CongestionWeeks:     getEnvInt("CONGESTION_WEEKS", 4),
		CongestionMinLapses: getEnvInt("CONGESTION_CONSECUTIVE", 10),
		ZonesFile:           getEnv("ZONES_FILE", ""),

		DedupCooldown:      getEnvDuration("DEDUP_COOLDOWN", time.Hour),
		DedupPurgeInterval: getEnvDuration("DEDUP_PURGE_INTERVAL", 5*time.Minute),

		KVBackend:        strings.ToLower(getEnv("KV_BACKEND", "jetstream")),
		KVBucket:         getEnv("KV_BUCKET", "camevents"),
		KVSQLitePath:     getEnv("KV_SQLITE_PATH", "camevents.db"),
		RestoreTimeout:   getEnvDuration("RESTORE_TIMEOUT", 2*time.Second),
		SnapshotInterval: getEnvDuration("SNAPSHOT_INTERVAL", 60*time.Second),

		DutyCycleEnabled:    getEnvBool("DUTY_CYCLE_ENABLED", false),
		DutyCycleActive:     getEnvDuration("DUTY_CYCLE_ACTIVE", 5*time.Minute),
		DutyCycleSleep:      getEnvDuration("DUTY_CYCLE_SLEEP", 10*time.Minute),
		DutyCycleBackupLead: getEnvDuration("DUTY_CYCLE_BACKUP_LEAD", 15*time.Second),

		// Graceful Shutdown
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}
}

// Validate checks the settings that make startup impossible.
func (c *Config) Validate() error {
	if c.NatsURL == "" {
		return fmt.Errorf("NATS_URL is empty")
	}
	for _, raw := range strings.Split(c.NatsURL, ",") {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("invalid NATS_URL %q: %w", raw, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid NATS_URL %q: missing scheme or host", raw)
		}
	}
	switch c.KVBackend {
	case "", "jetstream", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown KV_BACKEND %q", c.KVBackend)
	}
	if c.WorkerPoolSize < 1 {
		c.WorkerPoolSize = 1
	}
	if c.Prefetch < 1 {
		c.Prefetch = 1
	}
	if c.TaskQueueSize < 1 {
		c.TaskQueueSize = 1
	}
	return nil
}

// ProcessorEnabled reports whether the named rule is listed in PROCESSORS.
func (c *Config) ProcessorEnabled(name string) bool {
	for _, p := range c.Processors {
		if strings.EqualFold(p, name) {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList splits a comma separated variable, dropping empty items
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func defaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "worker-1"
}

// Helper functions for Docker environment detection
func isRunningInDocker() bool {
	// Check for Docker-specific environment indicators
	if os.Getenv("DOCKER_CONTAINER") == "true" {
		return true
	}

	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}

	return false
}

// getNatsURL returns the appropriate NATS URL based on environment
func getNatsURL() string {
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		return envURL
	}

	// If running in Docker, use service name; otherwise use localhost
	if isRunningInDocker() {
		return "nats://nats:4222"
	}

	return "nats://localhost:4222"
}
