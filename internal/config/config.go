package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	// Server
	ServerPort int

	// Storage backend: "mongo" or "memory"
	DBType string

	// MongoDB entity store
	MongoURI      string
	MongoDatabase string

	// InfluxDB time-series index
	InfluxURL      string
	InfluxToken    string
	InfluxDatabase string

	// AWS
	AWSRegion        string
	EmailSender      string
	LeaseTable       string
	LeaseTTL         time.Duration
	SweepParallelism int

	// Weather
	WeatherURL    string
	WeatherAPIKey string

	// Processing
	BatchSize     int
	FlushInterval int // milliseconds

	// Rollover of cumulative energy counters, kWh
	RolloverThreshold float64
	RolloverMargin    float64
	VendorRollovers   map[string]float64

	// Health thresholds
	NoiseFloorKW       float64
	NoDataWindow       time.Duration
	StaleReading       time.Duration
	HistoryWindow      time.Duration
	IndexFailureWindow time.Duration
	AlarmRetention     time.Duration
	LastTotalLookback  time.Duration

	// Sweeps
	HealthSweepInterval time.Duration
	NotifyInterval      time.Duration
	CleanupInterval     time.Duration
	RawDrainInterval    time.Duration

	// Logging
	LogLevel  string
	LogDir    string
	LogMaxAge int
	LogStdout bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),

		DBType: getEnv("DB_TYPE", "mongo"),

		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase: getEnv("MONGO_DATABASE", "solar_moon"),

		InfluxURL:      getEnv("INFLUXDB_URL", "http://localhost:8086"),
		InfluxToken:    getEnv("INFLUXDB_TOKEN", ""),
		InfluxDatabase: getEnv("INFLUXDB_DATABASE", "solar_moon"),

		AWSRegion:        getEnv("AWS_REGION", "us-west-2"),
		EmailSender:      getEnv("EMAIL_SENDER", "alerts@solarmoonanalytics.com"),
		LeaseTable:       getEnv("LEASE_TABLE", ""),
		LeaseTTL:         getEnvDuration("LEASE_TTL", 10*time.Minute),
		SweepParallelism: getEnvInt("SWEEP_PARALLELISM", 8),

		WeatherURL:    getEnv("WEATHER_URL", "https://api.pirateweather.net/forecast"),
		WeatherAPIKey: getEnv("WEATHER_API_KEY", ""),

		BatchSize:     getEnvInt("BATCH_SIZE", 100),
		FlushInterval: getEnvInt("FLUSH_INTERVAL", 200),

		RolloverThreshold: getEnvFloat("ROLLOVER_THRESHOLD", 1_000_000),
		RolloverMargin:    getEnvFloat("ROLLOVER_MARGIN", 1_000),
		VendorRollovers:   getEnvPrefixFloats("ROLLOVER_THRESHOLD_"),

		NoiseFloorKW:       getEnvFloat("NOISE_FLOOR_KW", 0.1),
		NoDataWindow:       getEnvDuration("NO_DATA_WINDOW", 45*time.Minute),
		StaleReading:       getEnvDuration("STALE_READING", time.Hour),
		HistoryWindow:      getEnvDuration("HISTORY_WINDOW", 2*time.Hour),
		IndexFailureWindow: getEnvDuration("INDEX_FAILURE_WINDOW", 30*time.Minute),
		AlarmRetention:     getEnvDuration("ALARM_RETENTION", 365*24*time.Hour),
		LastTotalLookback:  getEnvDuration("LAST_TOTAL_LOOKBACK", 7*24*time.Hour),

		HealthSweepInterval: getEnvDuration("HEALTH_SWEEP_INTERVAL", 15*time.Minute),
		NotifyInterval:      getEnvDuration("NOTIFY_INTERVAL", 30*time.Minute),
		CleanupInterval:     getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour),
		RawDrainInterval:    getEnvDuration("RAW_DRAIN_INTERVAL", 30*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "INFO"),
		LogDir:    getEnv("LOG_DIRECTORY", "./logs"),
		LogMaxAge: getEnvInt("LOG_FILE_MAX_AGE", 2),
		LogStdout: getEnvBool("LOG_TO_STDOUT", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.DBType != "mongo" && c.DBType != "memory" {
		return fmt.Errorf("invalid DB_TYPE: %s (must be 'mongo' or 'memory')", c.DBType)
	}

	if c.BatchSize < 1 || c.BatchSize > 10000 {
		return fmt.Errorf("invalid BATCH_SIZE: %d (must be 1-10000)", c.BatchSize)
	}

	if c.FlushInterval < 50 || c.FlushInterval > 5000 {
		return fmt.Errorf("invalid FLUSH_INTERVAL: %d (must be 50-5000ms)", c.FlushInterval)
	}

	if c.RolloverMargin <= 0 || c.RolloverThreshold <= c.RolloverMargin {
		return fmt.Errorf("invalid rollover: threshold %.0f must exceed margin %.0f", c.RolloverThreshold, c.RolloverMargin)
	}

	for vendor, threshold := range c.VendorRollovers {
		if threshold <= c.RolloverMargin {
			return fmt.Errorf("invalid ROLLOVER_THRESHOLD_%s: %.0f", strings.ToUpper(vendor), threshold)
		}
	}

	if c.NoiseFloorKW < 0 {
		return fmt.Errorf("invalid NOISE_FLOOR_KW: %f", c.NoiseFloorKW)
	}

	for name, d := range map[string]time.Duration{
		"NO_DATA_WINDOW":       c.NoDataWindow,
		"STALE_READING":        c.StaleReading,
		"HISTORY_WINDOW":       c.HistoryWindow,
		"INDEX_FAILURE_WINDOW": c.IndexFailureWindow,
		"ALARM_RETENTION":      c.AlarmRetention,
		"LEASE_TTL":            c.LeaseTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("invalid %s: %s", name, d)
		}
	}

	if c.SweepParallelism < 1 {
		return fmt.Errorf("invalid SWEEP_PARALLELISM: %d", c.SweepParallelism)
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvPrefixFloats collects KEY_<NAME>=<float> pairs into a map keyed by
// lowercase NAME.
func getEnvPrefixFloats(prefix string) map[string]float64 {
	out := make(map[string]float64)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			out[strings.ToLower(strings.TrimPrefix(key, prefix))] = f
		}
	}
	return out
}
