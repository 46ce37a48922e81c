// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds configuration for all tradesim processes. Every process loads
// the full struct and reads the fields it cares about.
type Config struct {
	DataDir string // Base directory for all databases (always absolute)

	// Process ports
	RESTPort       int // Gateway REST API
	WSPort         int // Session WebSocket server
	GRPCPort       int // Simulator gRPC service
	IntakePort     int // Simulator bar-intake HTTP listener
	OrchPort       int // Orchestrator admin/API port
	MarketDataPort int // Market-data distributor API
	MetricsPort    int

	// Database pool
	DBHost           string
	DBPort           int
	DBName           string
	DBUser           string
	DBPassword       string
	DBMinConnections int
	DBMaxConnections int

	// Session / simulator lifecycle
	SessionTTLSeconds   int // Missed-heartbeat window before simulator self-terminates
	ReconnectTimeout    int // Grace period (seconds) before RECONNECTING becomes INACTIVE
	HeartbeatInterval   int // Client heartbeat cadence in seconds
	AuthSecret          string // HMAC secret for access token signing
	AccessTokenExpiry   int
	RefreshTokenExpiry  int
	PollInterval        int     // Orchestrator control-loop period in seconds
	GapToleranceSeconds int     // Minute-tick gap detection tolerance
	ReplayMaxGapSeconds int     // Gaps beyond this skip replay entirely
	SpreadBps           float64 // Half-spread applied to MARKET fills, in basis points
	FeeBps              float64 // Commission charged on fills, in basis points
	ImpactDecayRate     float64 // Per-tick impact decay factor

	// Market data
	Symbols            []string
	BarIntervalSeconds int
	BaseCurrency       string
	StartingCash       float64 // Opening cash balance for a fresh simulator

	// Session routing
	SessionServiceURL   string // Gateway -> session-core base URL
	OrchestratorURL     string // Session-core -> orchestrator base URL
	MarketDataURL       string // Simulator -> distributor base URL (back-fill)
	ContainerManagerURL string // Orchestrator -> container manager base URL, or "local"
	SimulatorImage      string // Container image the orchestrator launches

	// Backups
	BackupEnabled   bool
	BackupBucket    string
	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	BackupRetention int // days

	// Observability
	EnableTracing bool
	EnableMetrics bool
	LogLevel      string
	LogPretty     bool
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir: absDataDir,

		RESTPort:       getEnvAsInt("REST_PORT", 8001),
		WSPort:         getEnvAsInt("WS_PORT", 8088),
		GRPCPort:       getEnvAsInt("GRPC_PORT", 50060),
		IntakePort:     getEnvAsInt("INTAKE_PORT", 8087),
		OrchPort:       getEnvAsInt("ORCH_PORT", 8086),
		MarketDataPort: getEnvAsInt("MARKET_DATA_PORT", 8085),
		MetricsPort:    getEnvAsInt("METRICS_PORT", 9090),

		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnvAsInt("DB_PORT", 5432),
		DBName:           getEnv("DB_NAME", "tradesim"),
		DBUser:           getEnv("DB_USER", ""),
		DBPassword:       getEnv("DB_PASSWORD", ""),
		DBMinConnections: getEnvAsInt("DB_MIN_CONNECTIONS", 1),
		DBMaxConnections: getEnvAsInt("DB_MAX_CONNECTIONS", 10),

		SessionTTLSeconds:   getEnvAsInt("SESSION_TTL_SECONDS", 120),
		ReconnectTimeout:    getEnvAsInt("RECONNECT_TIMEOUT", 30),
		HeartbeatInterval:   getEnvAsInt("HEARTBEAT_INTERVAL", 10),
		AuthSecret:          getEnv("AUTH_SECRET", "tradesim-dev-secret"),
		AccessTokenExpiry:   getEnvAsInt("ACCESS_TOKEN_EXPIRY", 3600),
		RefreshTokenExpiry:  getEnvAsInt("REFRESH_TOKEN_EXPIRY", 2592000),
		PollInterval:        getEnvAsInt("POLL_INTERVAL", 30),
		GapToleranceSeconds: getEnvAsInt("GAP_TOLERANCE_SECONDS", 30),
		ReplayMaxGapSeconds: getEnvAsInt("REPLAY_MAX_GAP_SECONDS", 7200),
		SpreadBps:           getEnvAsFloat("SPREAD_BPS", 10),
		FeeBps:              getEnvAsFloat("FEE_BPS", 2),
		ImpactDecayRate:     getEnvAsFloat("IMPACT_DECAY_RATE", 0.1),

		Symbols:            getEnvAsSlice("SYMBOLS", []string{"AAPL", "MSFT", "GOOG", "AMZN", "NVDA"}),
		BarIntervalSeconds: getEnvAsInt("BAR_INTERVAL_SECONDS", 60),
		BaseCurrency:       getEnv("BASE_CURRENCY", "USD"),
		StartingCash:       getEnvAsFloat("STARTING_CASH", 100000),

		SessionServiceURL:   getEnv("SESSION_SERVICE_URL", "http://localhost:8088"),
		OrchestratorURL:     getEnv("ORCHESTRATOR_URL", "http://localhost:8086"),
		MarketDataURL:       getEnv("MARKET_DATA_URL", "http://localhost:8085"),
		ContainerManagerURL: getEnv("CONTAINER_MANAGER_URL", "http://localhost:8090"),
		SimulatorImage:      getEnv("SIMULATOR_IMAGE", "tradesim/simulator:latest"),

		BackupEnabled:   getEnvAsBool("BACKUP_ENABLED", false),
		BackupBucket:    getEnv("BACKUP_BUCKET", ""),
		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        getEnv("S3_REGION", "auto"),
		S3AccessKey:     getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:     getEnv("S3_SECRET_KEY", ""),
		BackupRetention: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),

		EnableTracing: getEnvAsBool("ENABLE_TRACING", false),
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPretty:     getEnvAsBool("LOG_PRETTY", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are usable
func (c *Config) Validate() error {
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("SESSION_TTL_SECONDS must be positive, got %d", c.SessionTTLSeconds)
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("RECONNECT_TIMEOUT must be positive, got %d", c.ReconnectTimeout)
	}
	if c.PollInterval <= 0 || c.PollInterval > 30 {
		return fmt.Errorf("POLL_INTERVAL must be in (0, 30] seconds, got %d", c.PollInterval)
	}
	if c.DBMinConnections < 1 || c.DBMaxConnections < c.DBMinConnections {
		return fmt.Errorf("invalid DB pool bounds [%d, %d]", c.DBMinConnections, c.DBMaxConnections)
	}
	if c.GapToleranceSeconds < 0 || c.GapToleranceSeconds >= c.ReplayMaxGapSeconds {
		return fmt.Errorf("GAP_TOLERANCE_SECONDS %d must be below REPLAY_MAX_GAP_SECONDS %d",
			c.GapToleranceSeconds, c.ReplayMaxGapSeconds)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must name at least one symbol")
	}
	if c.ImpactDecayRate < 0 || c.ImpactDecayRate > 1 {
		return fmt.Errorf("IMPACT_DECAY_RATE must be in [0, 1], got %f", c.ImpactDecayRate)
	}
	if c.StartingCash < 0 {
		return fmt.Errorf("STARTING_CASH must be non-negative, got %f", c.StartingCash)
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

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
