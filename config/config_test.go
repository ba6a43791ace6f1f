package config

import (
	"strings"
	"testing"
)

func validEdge() Edge {
	return Edge{
		SungrowHost:          "172.16.0.120",
		SungrowPort:          502,
		SungrowSlaveID:       1,
		PollIntervalS:        30,
		InterRegisterDelayMS: 20,
		DeviceID:             "inv-01",
		BatchSize:            30,
		UploadIntervalS:      10,
		UploadTimeoutS:       30,
		MaxBackoffS:          300,
		ModbusMaxBackoffS:    60,
		SpoolPath:            "/data/spool.db",
		HealthPath:           "/data/health.json",
		ServerBaseURL:        "https://telemetry.example.com",
		DeviceToken:          "secret",
		LogLevel:             "info",
	}
}

func TestEdgeValidate(t *testing.T) {
	t.Parallel()

	cfg := validEdge()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Edge)
		want   string
	}{
		{"missing host", func(c *Edge) { c.SungrowHost = "" }, "SUNGROW_HOST"},
		{"poll too short", func(c *Edge) { c.PollIntervalS = 4 }, "POLL_INTERVAL_S"},
		{"negative delay", func(c *Edge) { c.InterRegisterDelayMS = -1 }, "INTER_REGISTER_DELAY_MS"},
		{"batch zero", func(c *Edge) { c.BatchSize = 0 }, "BATCH_SIZE"},
		{"batch too large", func(c *Edge) { c.BatchSize = 1001 }, "BATCH_SIZE"},
		{"upload interval zero", func(c *Edge) { c.UploadIntervalS = 0 }, "UPLOAD_INTERVAL_S"},
		{"http base url", func(c *Edge) { c.ServerBaseURL = "http://telemetry.example.com" }, "https"},
		{"missing token", func(c *Edge) { c.DeviceToken = "" }, "DEVICE_TOKEN"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := validEdge()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadEdgeFromEnv(t *testing.T) {
	t.Setenv("SUNGROW_HOST", "192.168.1.50")
	t.Setenv("SERVER_BASE_URL", "https://telemetry.example.com")
	t.Setenv("DEVICE_TOKEN", "tok-abc")
	t.Setenv("POLL_INTERVAL_S", "15")
	t.Setenv("BATCH_SIZE", "100")

	cfg, err := LoadEdge()
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.SungrowHost != "192.168.1.50" {
		t.Errorf("SungrowHost = %q", cfg.SungrowHost)
	}
	if cfg.SungrowPort != 502 {
		t.Errorf("SungrowPort = %d, want default 502", cfg.SungrowPort)
	}
	if cfg.PollIntervalS != 15 {
		t.Errorf("PollIntervalS = %d", cfg.PollIntervalS)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
	if cfg.DeviceID != "192.168.1.50" {
		t.Errorf("DeviceID = %q, want host fallback", cfg.DeviceID)
	}
	if cfg.SpoolPath != "/data/spool.db" {
		t.Errorf("SpoolPath = %q", cfg.SpoolPath)
	}
}

func TestLoadEdgeDefaults(t *testing.T) {
	t.Setenv("SUNGROW_HOST", "192.168.1.50")
	t.Setenv("SERVER_BASE_URL", "https://telemetry.example.com")
	t.Setenv("DEVICE_TOKEN", "tok-abc")

	cfg, err := LoadEdge()
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.PollIntervalS != 5 {
		t.Errorf("PollIntervalS = %d, want default 5", cfg.PollIntervalS)
	}
	if cfg.SungrowSlaveID != 1 {
		t.Errorf("SungrowSlaveID = %d, want default 1", cfg.SungrowSlaveID)
	}
	if cfg.InterRegisterDelayMS != 20 {
		t.Errorf("InterRegisterDelayMS = %d, want default 20", cfg.InterRegisterDelayMS)
	}
	if cfg.BatchSize != 30 {
		t.Errorf("BatchSize = %d, want default 30", cfg.BatchSize)
	}
	if cfg.UploadIntervalS != 10 {
		t.Errorf("UploadIntervalS = %d, want default 10", cfg.UploadIntervalS)
	}
	if cfg.MaxBackoffS != 300 {
		t.Errorf("MaxBackoffS = %d, want default 300", cfg.MaxBackoffS)
	}
	if cfg.ModbusMaxBackoffS != 60 {
		t.Errorf("ModbusMaxBackoffS = %d, want default 60", cfg.ModbusMaxBackoffS)
	}
	if cfg.HealthPath != "/data/health.json" {
		t.Errorf("HealthPath = %q", cfg.HealthPath)
	}
}

func TestLoadEdgeDeviceIDOverride(t *testing.T) {
	t.Setenv("SUNGROW_HOST", "192.168.1.50")
	t.Setenv("SERVER_BASE_URL", "https://telemetry.example.com")
	t.Setenv("DEVICE_TOKEN", "tok-abc")
	t.Setenv("DEVICE_ID", "inv-01")

	cfg, err := LoadEdge()
	if err != nil {
		t.Fatalf("LoadEdge: %v", err)
	}
	if cfg.DeviceID != "inv-01" {
		t.Errorf("DeviceID = %q, want inv-01", cfg.DeviceID)
	}
}

func TestServerValidate(t *testing.T) {
	t.Parallel()

	cfg := Server{
		ListenAddr:           ":8080",
		DatabaseURL:          "postgres://telemetry:pw@db:5432/telemetry",
		DeviceTokens:         "tok-abc:inv-01",
		CacheTTLS:            5,
		MaxSamplesPerRequest: 1000,
		MaxRequestBytes:      1048576,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.DatabaseURL = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for empty DATABASE_URL")
	}

	bad = cfg
	bad.DeviceTokens = ""
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for empty DEVICE_TOKENS")
	}
}

func TestLoadServerDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://telemetry:pw@db:5432/telemetry")
	t.Setenv("DEVICE_TOKENS", "tok-abc:inv-01")

	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.CacheTTLS != 5 {
		t.Errorf("CacheTTLS = %d", cfg.CacheTTLS)
	}
	if cfg.MaxSamplesPerRequest != 1000 {
		t.Errorf("MaxSamplesPerRequest = %d", cfg.MaxSamplesPerRequest)
	}
	if cfg.MaxRequestBytes != 1048576 {
		t.Errorf("MaxRequestBytes = %d", cfg.MaxRequestBytes)
	}
}
