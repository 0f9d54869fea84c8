package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT" validate:"required,numeric"`
	Env      string `mapstructure:"ENV" validate:"oneof=development test production"`
	AuthMode string `mapstructure:"AUTH_MODE" validate:"omitempty,oneof=development jwt"`

	DBDriver    string `mapstructure:"DB_DRIVER" validate:"oneof=postgres sqlite"`
	DatabaseURL string `mapstructure:"DATABASE_URL" validate:"required_if=DBDriver postgres"`
	SQLitePath  string `mapstructure:"SQLITE_PATH" validate:"required_if=DBDriver sqlite"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS" validate:"min=0,ltefield=DBMaxConns"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`

	NotifyMode    string `mapstructure:"NOTIFY_MODE" validate:"oneof=log redis amqp webhook none"`
	RedisURL      string `mapstructure:"REDIS_URL" validate:"required_if=NotifyMode redis"`
	RedisChannel  string `mapstructure:"REDIS_CHANNEL"`
	AMQPURL       string `mapstructure:"AMQP_URL" validate:"required_if=NotifyMode amqp"`
	AMQPExchange  string `mapstructure:"AMQP_EXCHANGE"`
	WebhookURL    string `mapstructure:"WEBHOOK_URL" validate:"required_if=NotifyMode webhook,omitempty,url"`
	WebhookSecret string `mapstructure:"WEBHOOK_SECRET"`

	MetricsEnabled  bool     `mapstructure:"METRICS_ENABLED"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit       string   `mapstructure:"BODY_LIMIT"`
	BundleBodyLimit string   `mapstructure:"BUNDLE_BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "AUTH_MODE",
	"DB_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"NOTIFY_MODE", "REDIS_URL", "REDIS_CHANNEL", "AMQP_URL", "AMQP_EXCHANGE",
	"WEBHOOK_URL", "WEBHOOK_SECRET",
	"METRICS_ENABLED", "CORS_ORIGINS", "BODY_LIMIT", "BUNDLE_BODY_LIMIT",
}

// Load reads .env and the environment, applies defaults and validates.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("AUTH_MODE", "") // inferred from ENV
	v.SetDefault("DB_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("NOTIFY_MODE", "log")
	v.SetDefault("REDIS_CHANNEL", "fhir:changes")
	v.SetDefault("AMQP_EXCHANGE", "fhir.changes")
	v.SetDefault("METRICS_ENABLED", true)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("BUNDLE_BODY_LIMIT", "10M")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE when set. Otherwise development
// environments run without token checks and everything else requires JWTs.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate applies the struct tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if c.ResolvedAuthMode() == "jwt" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY must be at least 32 bytes when AUTH_MODE is \"jwt\" (current ENV=%q). "+
				"Refusing to start without authentication configuration", c.Env)
	}
	if c.IsProduction() && c.ResolvedAuthMode() == "development" {
		return fmt.Errorf("AUTH_MODE=development is not allowed in production")
	}
	return nil
}
