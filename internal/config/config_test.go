package config

import (
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(nil)
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != defaultHTTPPort {
		t.Errorf("HTTPPort = %d, want %d", cfg.HTTPPort, defaultHTTPPort)
	}
	if cfg.DataDir != defaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, defaultDataDir)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	t.Setenv("DIALCAST_HTTP_PORT", "9999")
	t.Setenv("DIALCAST_REGION", "us1")

	cfg, err := load([]string{"-http-port", "7777"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}
	if cfg.HTTPPort != 7777 {
		t.Errorf("HTTPPort = %d, want flag value 7777", cfg.HTTPPort)
	}
	if cfg.Region != "us1" {
		t.Errorf("Region = %q, want env value us1", cfg.Region)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"-http-port", "0"}},
		{"bad log level", []string{"-log-level", "verbose"}},
		{"bad log format", []string{"-log-format", "xml"}},
		{"bad base url", []string{"-public-base-url", "not a url"}},
		{"negative retention", []string{"-recording-max-days", "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(tt.args); err == nil {
				t.Errorf("load(%v) should fail", tt.args)
			}
		})
	}
}

func TestDerivedURLs(t *testing.T) {
	cfg, err := load([]string{"-public-base-url", "https://dial.example.com/"})
	if err != nil {
		t.Fatalf("load() error: %v", err)
	}

	if got, want := cfg.MediaStreamURL(), "wss://dial.example.com/outbound-media-stream"; got != want {
		t.Errorf("MediaStreamURL() = %q, want %q", got, want)
	}
	if got, want := cfg.StatusCallbackURL(), "https://dial.example.com/webhooks/carrier/status"; got != want {
		t.Errorf("StatusCallbackURL() = %q, want %q", got, want)
	}
}

func TestJWTSecretBytes(t *testing.T) {
	cfg := &Config{}
	key, err := cfg.JWTSecretBytes()
	if err != nil {
		t.Fatalf("JWTSecretBytes() error: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("generated key length = %d, want 32", len(key))
	}
	if cfg.JWTSecret == "" {
		t.Error("generated secret should be stored back on the config")
	}

	cfg2 := &Config{JWTSecret: "zz"}
	if _, err := cfg2.JWTSecretBytes(); err == nil {
		t.Error("invalid hex secret should fail")
	}
}
