package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Edge holds the configuration for the edge daemon. All values come from
// the environment; LoadEdge applies defaults and Validate rejects anything
// the daemon cannot safely run with.
type Edge struct {
	SungrowHost          string `mapstructure:"sungrow_host"`
	SungrowPort          int    `mapstructure:"sungrow_port"`
	SungrowSlaveID       uint8  `mapstructure:"sungrow_slave_id"`
	PollIntervalS        int    `mapstructure:"poll_interval_s"`
	InterRegisterDelayMS int    `mapstructure:"inter_register_delay_ms"`
	DeviceID             string `mapstructure:"device_id"`
	BatchSize            int    `mapstructure:"batch_size"`
	UploadIntervalS      int    `mapstructure:"upload_interval_s"`
	UploadTimeoutS       int    `mapstructure:"upload_timeout_s"`
	MaxBackoffS          int    `mapstructure:"max_backoff_s"`
	ModbusMaxBackoffS    int    `mapstructure:"modbus_max_backoff_s"`
	SpoolPath            string `mapstructure:"spool_path"`
	HealthPath           string `mapstructure:"health_path"`
	ServerBaseURL        string `mapstructure:"server_base_url"`
	DeviceToken          string `mapstructure:"device_token"`
	LogLevel             string `mapstructure:"log_level"`
}

// Server holds the configuration for the ingest/read API.
type Server struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	DatabaseURL           string        `mapstructure:"database_url"`
	RedisURL              string        `mapstructure:"redis_url"`
	DeviceTokens          string        `mapstructure:"device_tokens"`
	CacheTTLS             int           `mapstructure:"cache_ttl_s"`
	MaxSamplesPerRequest  int           `mapstructure:"max_samples_per_request"`
	MaxRequestBytes       int64         `mapstructure:"max_request_bytes"`
	DBMaxOpenConns        int           `mapstructure:"db_max_open_conns"`
	DBMaxIdleConns        int           `mapstructure:"db_max_idle_conns"`
	DBConnMaxLifetime     time.Duration `mapstructure:"db_conn_max_lifetime"`
	LogLevel              string        `mapstructure:"log_level"`
}

func (c *Edge) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalS) * time.Second
}

func (c *Edge) InterRegisterDelay() time.Duration {
	return time.Duration(c.InterRegisterDelayMS) * time.Millisecond
}

func (c *Edge) UploadInterval() time.Duration {
	return time.Duration(c.UploadIntervalS) * time.Second
}

func (c *Edge) UploadTimeout() time.Duration {
	return time.Duration(c.UploadTimeoutS) * time.Second
}

func (c *Edge) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffS) * time.Second
}

func (c *Edge) ModbusMaxBackoff() time.Duration {
	return time.Duration(c.ModbusMaxBackoffS) * time.Second
}

func (c *Server) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLS) * time.Second
}

// LoadEdge reads the edge configuration from the environment.
func LoadEdge() (*Edge, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("sungrow_host", "")
	v.SetDefault("sungrow_port", 502)
	v.SetDefault("sungrow_slave_id", 1)
	v.SetDefault("poll_interval_s", 5)
	v.SetDefault("inter_register_delay_ms", 20)
	v.SetDefault("device_id", "")
	v.SetDefault("batch_size", 30)
	v.SetDefault("upload_interval_s", 10)
	v.SetDefault("upload_timeout_s", 30)
	v.SetDefault("max_backoff_s", 300)
	v.SetDefault("modbus_max_backoff_s", 60)
	v.SetDefault("spool_path", "/data/spool.db")
	v.SetDefault("health_path", "/data/health.json")
	v.SetDefault("server_base_url", "")
	v.SetDefault("device_token", "")
	v.SetDefault("log_level", "info")

	var cfg Edge
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load edge config: %w", err)
	}

	if cfg.DeviceID == "" {
		cfg.DeviceID = cfg.SungrowHost
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Edge) Validate() error {
	if c.SungrowHost == "" {
		return fmt.Errorf("SUNGROW_HOST is required")
	}
	if c.SungrowPort < 1 || c.SungrowPort > 65535 {
		return fmt.Errorf("SUNGROW_PORT must be in 1..65535, got %d", c.SungrowPort)
	}
	if c.PollIntervalS < 5 {
		return fmt.Errorf("POLL_INTERVAL_S must be >= 5, got %d", c.PollIntervalS)
	}
	if c.InterRegisterDelayMS < 0 {
		return fmt.Errorf("INTER_REGISTER_DELAY_MS must be >= 0, got %d", c.InterRegisterDelayMS)
	}
	if c.BatchSize < 1 || c.BatchSize > 1000 {
		return fmt.Errorf("BATCH_SIZE must be in 1..1000, got %d", c.BatchSize)
	}
	if c.UploadIntervalS < 1 {
		return fmt.Errorf("UPLOAD_INTERVAL_S must be >= 1, got %d", c.UploadIntervalS)
	}
	if c.UploadTimeoutS < 1 {
		return fmt.Errorf("UPLOAD_TIMEOUT_S must be >= 1, got %d", c.UploadTimeoutS)
	}
	if c.MaxBackoffS < 1 {
		return fmt.Errorf("MAX_BACKOFF_S must be >= 1, got %d", c.MaxBackoffS)
	}
	if c.ModbusMaxBackoffS < 1 {
		return fmt.Errorf("MODBUS_MAX_BACKOFF_S must be >= 1, got %d", c.ModbusMaxBackoffS)
	}
	if c.SpoolPath == "" {
		return fmt.Errorf("SPOOL_PATH is required")
	}
	if c.ServerBaseURL == "" {
		return fmt.Errorf("SERVER_BASE_URL is required")
	}
	if !strings.HasPrefix(c.ServerBaseURL, "https://") {
		return fmt.Errorf("SERVER_BASE_URL must use https, got %q", c.ServerBaseURL)
	}
	if c.DeviceToken == "" {
		return fmt.Errorf("DEVICE_TOKEN is required")
	}
	return nil
}

// LoadServer reads the server configuration from the environment.
func LoadServer() (*Server, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("device_tokens", "")
	v.SetDefault("cache_ttl_s", 5)
	v.SetDefault("max_samples_per_request", 1000)
	v.SetDefault("max_request_bytes", 1048576)
	v.SetDefault("db_max_open_conns", 10)
	v.SetDefault("db_max_idle_conns", 5)
	v.SetDefault("db_conn_max_lifetime", "30m")
	v.SetDefault("log_level", "info")

	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Server) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.DeviceTokens == "" {
		return fmt.Errorf("DEVICE_TOKENS is required")
	}
	if c.CacheTTLS < 1 {
		return fmt.Errorf("CACHE_TTL_S must be >= 1, got %d", c.CacheTTLS)
	}
	if c.MaxSamplesPerRequest < 1 {
		return fmt.Errorf("MAX_SAMPLES_PER_REQUEST must be >= 1, got %d", c.MaxSamplesPerRequest)
	}
	if c.MaxRequestBytes < 1 {
		return fmt.Errorf("MAX_REQUEST_BYTES must be >= 1, got %d", c.MaxRequestBytes)
	}
	return nil
}
