package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	AuthMode       string   `mapstructure:"AUTH_MODE"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	DefaultClinic  string   `mapstructure:"DEFAULT_CLINIC"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool     `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string   `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string   `mapstructure:"TLS_KEY_FILE"`

	KafkaBrokers    []string `mapstructure:"KAFKA_BROKERS"`
	KafkaAlertTopic string   `mapstructure:"KAFKA_ALERT_TOPIC"`
	KafkaLabTopic   string   `mapstructure:"KAFKA_LAB_TOPIC"`
	KafkaGroupID    string   `mapstructure:"KAFKA_GROUP_ID"`

	SQSNotifyQueue string `mapstructure:"SQS_NOTIFY_QUEUE"`
	S3ImageBucket  string `mapstructure:"S3_IMAGE_BUCKET"`

	MQTTBroker   string `mapstructure:"MQTT_BROKER"`
	MQTTClientID string `mapstructure:"MQTT_CLIENT_ID"`
	MQTTUsername string `mapstructure:"MQTT_USERNAME"`
	MQTTPassword string `mapstructure:"MQTT_PASSWORD"`

	AIBaseURL string `mapstructure:"AI_BASE_URL"`
	AIAPIKey  string `mapstructure:"AI_API_KEY"`
	AIModel   string `mapstructure:"AI_MODEL"`

	AlertEmail    string        `mapstructure:"ALERT_EMAIL"`
	KPICacheTTL   time.Duration `mapstructure:"KPI_CACHE_TTL"`
	RosterWorkers int           `mapstructure:"ROSTER_WORKERS"`
}

var envKeys = []string{
	"PORT", "ENV", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "DEFAULT_CLINIC", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"KAFKA_BROKERS", "KAFKA_ALERT_TOPIC", "KAFKA_LAB_TOPIC", "KAFKA_GROUP_ID",
	"SQS_NOTIFY_QUEUE", "S3_IMAGE_BUCKET",
	"MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_USERNAME", "MQTT_PASSWORD",
	"AI_BASE_URL", "AI_API_KEY", "AI_MODEL",
	"ALERT_EMAIL", "KPI_CACHE_TTL", "ROSTER_WORKERS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // "" -> inferred from ENV
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DEFAULT_CLINIC", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("KAFKA_ALERT_TOPIC", "pd-alerts")
	v.SetDefault("KAFKA_LAB_TOPIC", "pd-lab-results")
	v.SetDefault("KAFKA_GROUP_ID", "pdcare-lab-ingest")
	v.SetDefault("MQTT_CLIENT_ID", "pdcare-server")
	v.SetDefault("AI_MODEL", "gemini-1.5-flash")
	v.SetDefault("KPI_CACHE_TTL", "5m")
	v.SetDefault("ROSTER_WORKERS", 8)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers, v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active, all requests get admin access.")
		log.Println("WARNING: Set ENV=production and configure AUTH_ISSUER for production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList handles comma separated env values that viper leaves as a single element.
func splitList(current []string, raw string) []string {
	if len(current) > 1 {
		return current
	}
	if raw == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns the effective auth mode. If AUTH_MODE is explicitly
// set, it is returned. Otherwise ENV=development maps to "development" and
// everything else to "external".
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "external"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	mode := c.ResolvedAuthMode()
	if mode != "development" && mode != "external" {
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"external\", got %q", mode)
	}
	if mode == "external" && c.AuthIssuer == "" {
		return fmt.Errorf(
			"AUTH_ISSUER must be set when AUTH_MODE is \"external\" (current ENV=%q)", c.Env)
	}
	if c.IsProduction() && mode == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	if c.AIBaseURL != "" && c.AIAPIKey == "" {
		return fmt.Errorf("AI_API_KEY is required when AI_BASE_URL is set")
	}
	if c.KPICacheTTL < 0 {
		return fmt.Errorf("KPI_CACHE_TTL must not be negative")
	}
	return nil
}
