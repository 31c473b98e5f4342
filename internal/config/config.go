package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HubConfig holds the relay hub configuration loaded from environment variables.
type HubConfig struct {
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Server     ServerConfig
	Slack      SlackConfig
	Relay      RelayConfig
	Log        LogConfig
	SelfHosted bool
}

// DatabaseConfig holds PostgreSQL connection settings. An empty Host selects
// the in-memory store.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// cross-replica fan-out.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
	Channel  string
}

// JWTConfig holds identity token verification settings.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	BotToken string
}

// RelayConfig tunes websocket handling and sealed key storage.
type RelayConfig struct {
	KeyEncryptionKey string //nolint:gosec // G117: master key config
	IngressRPS       float64
	IngressBurst     int
	SendBuffer       int
	ReadLimit        int64
	APIRateRPS       float64
	APIRateBurst     int
}

// LogConfig selects zerolog's level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// DaemonConfig holds the local daemon configuration.
type DaemonConfig struct {
	Endpoint        string
	Token           string //nolint:gosec // G117: identity token config
	MachineID       string
	SecretKey       string //nolint:gosec // G117: relay key config
	ControlAddr     string
	ApprovalTimeout time.Duration
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int
	HealthTimeout   time.Duration
	Log             LogConfig
}

// LoadHub reads the hub configuration from environment variables.
// Defaults are safe for local development only. In production,
// sensitive values (JWT secret, DB password) must be set explicitly.
func LoadHub() (*HubConfig, error) {
	dbPort, err := getEnvInt("TETHER_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	dbMaxConns, err := getEnvInt("TETHER_DB_MAX_CONNS", 25)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	redisDB, err := getEnvInt("TETHER_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	readTimeout, err := getEnvDuration("TETHER_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	writeTimeout, err := getEnvDuration("TETHER_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	selfHosted, err := getEnvBool("TETHER_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	ingressRPS, err := getEnvFloat("TETHER_HUB_INGRESS_RPS", 50)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	ingressBurst, err := getEnvInt("TETHER_HUB_INGRESS_BURST", 100)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	sendBuffer, err := getEnvInt("TETHER_HUB_SEND_BUFFER", 256)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	readLimit, err := getEnvInt("TETHER_HUB_READ_LIMIT", 1<<20)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	apiRPS, err := getEnvFloat("TETHER_API_RATE_RPS", 100)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	apiBurst, err := getEnvInt("TETHER_API_RATE_BURST", 200)
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	cfg := &HubConfig{
		Database: DatabaseConfig{
			Host:     getEnv("TETHER_DB_HOST", ""),
			Port:     dbPort,
			User:     getEnv("TETHER_DB_USER", "tether"),
			Password: getEnv("TETHER_DB_PASSWORD", ""),
			DBName:   getEnv("TETHER_DB_NAME", "tether_dev"),
			SSLMode:  getEnv("TETHER_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("TETHER_REDIS_ADDR", ""),
			Password: getEnv("TETHER_REDIS_PASSWORD", ""),
			DB:       redisDB,
			Channel:  getEnv("TETHER_REDIS_CHANNEL", "tether:rooms"),
		},
		JWT: JWTConfig{
			Secret: getEnv("TETHER_JWT_SECRET", ""),
		},
		Server: ServerConfig{
			Addr:         getEnv("TETHER_HUB_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("TETHER_CORS_ORIGINS", []string{"http://localhost:5173"}),
		},
		Slack: SlackConfig{
			BotToken: getEnv("TETHER_SLACK_BOT_TOKEN", ""),
		},
		Relay: RelayConfig{
			KeyEncryptionKey: getEnv("TETHER_KEY_ENCRYPTION_KEY", ""),
			IngressRPS:       ingressRPS,
			IngressBurst:     ingressBurst,
			SendBuffer:       sendBuffer,
			ReadLimit:        int64(readLimit),
			APIRateRPS:       apiRPS,
			APIRateBurst:     apiBurst,
		},
		Log:        loadLog(),
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.LoadHub: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *HubConfig) validate() error {
	// JWT secret is required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("TETHER_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("TETHER_JWT_SECRET must be at least 32 characters")
	}
	if c.Relay.KeyEncryptionKey == "" {
		return errors.New("TETHER_KEY_ENCRYPTION_KEY is required")
	}

	if c.Database.Host != "" && c.Database.SSLMode == "disable" && !c.SelfHosted {
		log.Warn().Msg("TETHER_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}

	// Bounds checks.
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("TETHER_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("TETHER_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("TETHER_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("TETHER_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Relay.IngressRPS <= 0 {
		return fmt.Errorf("TETHER_HUB_INGRESS_RPS must be positive, got %g", c.Relay.IngressRPS)
	}
	if c.Relay.IngressBurst < 1 {
		return fmt.Errorf("TETHER_HUB_INGRESS_BURST must be >= 1, got %d", c.Relay.IngressBurst)
	}
	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("TETHER_HUB_SEND_BUFFER must be >= 1, got %d", c.Relay.SendBuffer)
	}
	if c.Relay.ReadLimit < 1024 {
		return fmt.Errorf("TETHER_HUB_READ_LIMIT must be >= 1024, got %d", c.Relay.ReadLimit)
	}

	return c.Log.validate()
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// LoadDaemon reads the daemon configuration from environment variables.
func LoadDaemon() (*DaemonConfig, error) {
	approvalTimeout, err := getEnvDuration("TETHER_APPROVAL_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	baseBackoff, err := getEnvDuration("TETHER_RECONNECT_BASE", time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	maxBackoff, err := getEnvDuration("TETHER_RECONNECT_MAX", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	maxAttempts, err := getEnvInt("TETHER_RECONNECT_ATTEMPTS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	healthTimeout, err := getEnvDuration("TETHER_HEALTH_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	cfg := &DaemonConfig{
		Endpoint:        getEnv("TETHER_ENDPOINT", "https://relay.tether.dev"),
		Token:           getEnv("TETHER_TOKEN", ""),
		MachineID:       getEnv("TETHER_MACHINE_ID", defaultMachineID()),
		SecretKey:       getEnv("TETHER_SECRET_KEY", ""),
		ControlAddr:     getEnv("TETHER_CONTROL_ADDR", "127.0.0.1:7421"),
		ApprovalTimeout: approvalTimeout,
		BaseBackoff:     baseBackoff,
		MaxBackoff:      maxBackoff,
		MaxAttempts:     maxAttempts,
		HealthTimeout:   healthTimeout,
		Log:             loadLog(),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.LoadDaemon: %w", err)
	}

	return cfg, nil
}

func (c *DaemonConfig) validate() error {
	if c.Token == "" {
		return errors.New("TETHER_TOKEN is required")
	}
	if c.SecretKey == "" {
		return errors.New("TETHER_SECRET_KEY is required")
	}
	if c.MachineID == "" {
		return errors.New("TETHER_MACHINE_ID is required")
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("TETHER_APPROVAL_TIMEOUT must be positive, got %s", c.ApprovalTimeout)
	}
	if c.BaseBackoff <= 0 {
		return fmt.Errorf("TETHER_RECONNECT_BASE must be positive, got %s", c.BaseBackoff)
	}
	if c.MaxBackoff < c.BaseBackoff {
		return fmt.Errorf("TETHER_RECONNECT_MAX must be >= TETHER_RECONNECT_BASE, got %s", c.MaxBackoff)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("TETHER_RECONNECT_ATTEMPTS must be >= 1, got %d", c.MaxAttempts)
	}
	if c.HealthTimeout <= 0 {
		return fmt.Errorf("TETHER_HEALTH_TIMEOUT must be positive, got %s", c.HealthTimeout)
	}

	return c.Log.validate()
}

func loadLog() LogConfig {
	return LogConfig{
		Level:  getEnv("TETHER_LOG_LEVEL", "info"),
		Format: getEnv("TETHER_LOG_FORMAT", "json"),
	}
}

// Apply configures the global zerolog logger. Unknown levels fall back to info.
func (c LogConfig) Apply() {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if c.Format == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func (c LogConfig) validate() error {
	switch c.Format {
	case "json", "text":
	default:
		return fmt.Errorf("TETHER_LOG_FORMAT must be json or text, got %q", c.Format)
	}
	return nil
}

func defaultMachineID() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
