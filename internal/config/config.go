// Package config loads service settings from an optional YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rossigee/imageflow/internal/storage"
	"github.com/spf13/viper"
)

// Config holds the configuration for the service
type Config struct {
	Server struct {
		Host    string `mapstructure:"host"`
		Port    string `mapstructure:"port"`
		TLSCert string `mapstructure:"tls_cert"`
		TLSKey  string `mapstructure:"tls_key"`
	} `mapstructure:"server"`
	DB struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"db"`
	Minio struct {
		Endpoint  string `mapstructure:"endpoint"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
		Bucket    string `mapstructure:"bucket"`
	} `mapstructure:"minio"`
	Invoker struct {
		URL      string        `mapstructure:"url"`
		Timeout  time.Duration `mapstructure:"timeout"`
		RetryMax int           `mapstructure:"retry_max"`
	} `mapstructure:"invoker"`
	Executor struct {
		MaxConcurrent   int           `mapstructure:"max_concurrent"`
		RefundOnFailure bool          `mapstructure:"refund_on_failure"`
		Preflight       string        `mapstructure:"preflight"`
		RunTimeout      time.Duration `mapstructure:"run_timeout"`
	} `mapstructure:"executor"`
	Auth struct {
		TokensFile   string `mapstructure:"tokens_file"`
		ClientCACert string `mapstructure:"client_ca_cert"`
	} `mapstructure:"auth"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	Upload struct {
		RetryAttempts  int    `mapstructure:"retry_attempts"`
		RetryBackoffMS string `mapstructure:"retry_backoff_ms"`
	} `mapstructure:"upload"`
}

// envBindings maps config keys to the environment variables that override them
var envBindings = map[string]string{
	"server.host":                "HOST",
	"server.port":                "PORT",
	"server.tls_cert":            "TLS_CERT_FILE",
	"server.tls_key":             "TLS_KEY_FILE",
	"db.driver":                  "DB_DRIVER",
	"db.dsn":                     "DB_DSN",
	"minio.endpoint":             "MINIO_ENDPOINT",
	"minio.access_key":           "MINIO_ACCESS_KEY",
	"minio.secret_key":           "MINIO_SECRET_KEY",
	"minio.bucket":               "MINIO_BUCKET",
	"invoker.url":                "INVOKER_URL",
	"invoker.timeout":            "INVOKER_TIMEOUT",
	"invoker.retry_max":          "INVOKER_RETRY_MAX",
	"executor.max_concurrent":    "EXECUTOR_MAX_CONCURRENT",
	"executor.refund_on_failure": "EXECUTOR_REFUND_ON_FAILURE",
	"executor.preflight":         "EXECUTOR_PREFLIGHT",
	"executor.run_timeout":       "EXECUTOR_RUN_TIMEOUT",
	"auth.tokens_file":           "API_TOKENS_FILE",
	"auth.client_ca_cert":        "CLIENT_CA_CERT",
	"log.level":                  "LOG_LEVEL",
	"log.format":                 "LOG_FORMAT",
	"upload.retry_attempts":      "UPLOAD_RETRY_ATTEMPTS",
	"upload.retry_backoff_ms":    "UPLOAD_RETRY_BACKOFF_MS",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("db.driver", storage.DriverSQLite)
	v.SetDefault("db.dsn", "/var/lib/imageflow/imageflow.db")
	v.SetDefault("minio.endpoint", "http://localhost:9000")
	v.SetDefault("minio.bucket", "imageflow")
	v.SetDefault("invoker.url", "http://localhost:8000")
	v.SetDefault("invoker.timeout", 2*time.Minute)
	v.SetDefault("invoker.retry_max", 2)
	v.SetDefault("executor.max_concurrent", 4)
	v.SetDefault("executor.refund_on_failure", false)
	v.SetDefault("executor.preflight", "first_step")
	v.SetDefault("executor.run_timeout", 30*time.Minute)
	v.SetDefault("auth.tokens_file", "/etc/imageflow/api-tokens")
	v.SetDefault("auth.client_ca_cert", "/etc/ssl/certs/client-ca.pem")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("upload.retry_attempts", 3)
	v.SetDefault("upload.retry_backoff_ms", "200,1000")
}

// Load reads configuration. path may name a YAML file; when empty,
// imageflow.yaml is looked up in the working directory and /etc/imageflow
// and its absence is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("imageflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/imageflow")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Executor.Preflight = strings.ToLower(strings.TrimSpace(cfg.Executor.Preflight))
	return &cfg, nil
}

// Validate checks settings that would otherwise fail late
func (c *Config) Validate() error {
	switch c.DB.Driver {
	case storage.DriverSQLite, storage.DriverPostgres:
	default:
		return fmt.Errorf("unsupported db driver %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db dsn is required")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	switch c.Executor.Preflight {
	case "first_step", "total":
	default:
		return fmt.Errorf("executor preflight must be first_step or total, got %q", c.Executor.Preflight)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("server tls_cert and tls_key must be set together")
	}
	if c.Executor.MaxConcurrent <= 0 {
		return fmt.Errorf("executor max_concurrent must be positive")
	}
	if c.Invoker.URL == "" {
		return fmt.Errorf("invoker url is required")
	}
	if c.Invoker.RetryMax < 0 {
		return fmt.Errorf("invoker retry_max cannot be negative")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// TLSEnabled reports whether the server has a certificate to serve
func (c *Config) TLSEnabled() bool {
	return c.Server.TLSCert != "" && c.Server.TLSKey != ""
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return c.Server.Host + ":" + c.Server.Port
}
