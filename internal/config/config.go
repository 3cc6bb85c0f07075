package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DatabaseConfig holds the connection settings for one database target.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// Config holds the configuration for the application.
type Config struct {
	Server struct {
		Address         string        `mapstructure:"address"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
		TLS             struct {
			Enable    bool          `mapstructure:"enable"`
			CertFile  string        `mapstructure:"cert_file"`
			KeyFile   string        `mapstructure:"key_file"`
			Hostnames []string      `mapstructure:"hostnames"`
			Validity  time.Duration `mapstructure:"validity"`
		} `mapstructure:"tls"`
	} `mapstructure:"server"`
	DB struct {
		Workspace     DatabaseConfig `mapstructure:"workspace"`
		SourceOfTruth DatabaseConfig `mapstructure:"source_of_truth"`
	} `mapstructure:"db"`
	HTTP struct {
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"http"`
	Dispatcher struct {
		Delay          time.Duration `mapstructure:"delay"`
		InternalMarker string        `mapstructure:"internal_marker"`
		ServiceKey     string        `mapstructure:"service_key"`
	} `mapstructure:"dispatcher"`
	Tasks struct {
		QueueDSN        string        `mapstructure:"queue_dsn"`
		Capacity        int           `mapstructure:"capacity"`
		Workers         int           `mapstructure:"workers"`
		MaxRetries      uint64        `mapstructure:"max_retries"`
		InitialInterval time.Duration `mapstructure:"initial_interval"`
		MaxInterval     time.Duration `mapstructure:"max_interval"`
		NatsSubject     string        `mapstructure:"nats_subject"`
		NatsGroup       string        `mapstructure:"nats_group"`
	} `mapstructure:"tasks"`
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
	MCP struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"mcp"`

	// ConfigFile is the file viper read, empty when running on defaults/env only.
	ConfigFile string `mapstructure:"-"`
}

// EnvPrefix is prepended to every environment override, e.g.
// ENRICH_DB_WORKSPACE_URL.
const EnvPrefix = "ENRICH"

// LoadConfig loads the configuration from a file and the environment. When
// envFile is set it is loaded into the process environment first.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	config.ConfigFile = v.ConfigFileUsed()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	// synchronous orchestrate calls hold the response for the whole dispatch
	v.SetDefault("server.write_timeout", 15*time.Minute)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.tls.enable", false)
	v.SetDefault("server.tls.cert_file", "certs/server.crt")
	v.SetDefault("server.tls.key_file", "certs/server.key")
	v.SetDefault("server.tls.hostnames", []string{"localhost", "127.0.0.1"})
	v.SetDefault("server.tls.validity", 365*24*time.Hour)

	v.SetDefault("db.workspace.url", "")
	v.SetDefault("db.workspace.max_conns", 10)
	v.SetDefault("db.source_of_truth.url", "")
	v.SetDefault("db.source_of_truth.max_conns", 5)

	v.SetDefault("http.timeout", 30*time.Second)

	// 100ms keeps dispatch under the 10 req/s limit of third-party providers
	v.SetDefault("dispatcher.delay", 100*time.Millisecond)
	v.SetDefault("dispatcher.internal_marker", "/functions/v1/")
	v.SetDefault("dispatcher.service_key", "")

	v.SetDefault("tasks.queue_dsn", "memory://")
	v.SetDefault("tasks.capacity", 1024)
	v.SetDefault("tasks.workers", 4)
	v.SetDefault("tasks.max_retries", 5)
	v.SetDefault("tasks.initial_interval", 500*time.Millisecond)
	v.SetDefault("tasks.max_interval", 30*time.Second)
	v.SetDefault("tasks.nats_subject", "enrichment.tasks")
	v.SetDefault("tasks.nats_group", "enrichment-engine")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("mcp.enabled", true)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DB.Workspace.URL) == "" {
		return errors.New("db.workspace.url is required")
	}
	if c.Dispatcher.Delay < 0 {
		return fmt.Errorf("dispatcher.delay must not be negative, got %s", c.Dispatcher.Delay)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be positive, got %s", c.HTTP.Timeout)
	}
	if c.Server.TLS.Enable && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		return errors.New("server.tls.cert_file and server.tls.key_file are required when TLS is enabled")
	}
	if c.Tasks.Workers <= 0 {
		return fmt.Errorf("tasks.workers must be positive, got %d", c.Tasks.Workers)
	}
	return nil
}
