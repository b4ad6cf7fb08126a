package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration for the Dialcast server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir            string
	HTTPPort           int
	PublicBaseURL      string // externally reachable base URL for webhooks and media streams
	CarrierAccountSID  string // telephony provider account
	CarrierAuthToken   string // telephony provider auth token
	CarrierAPIBase     string // override for the carrier REST API base URL
	AgentAPIKey        string // conversational-AI provider API key
	AgentWebhookSecret string // shared secret for agent webhook HMAC signatures
	AgentAPIBase       string // override for the agent provider API base URL
	Region             string // carrier region hint passed on Dial
	JWTSecret          string // hex-encoded 32-byte secret for dashboard JWT signing
	EventArchiveDSN    string // optional Postgres DSN for call-event archival
	RecordingMaxDays   int    // cached recording retention, 0 = keep forever
	CORSOrigins        string
	LogLevel           string
	LogFormat          string // "text" or "json"
}

// defaults
const (
	defaultDataDir   = "./data"
	defaultHTTPPort  = 8080
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// envPrefix is the prefix for all Dialcast environment variables.
const envPrefix = "DIALCAST_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	return load(os.Args[1:])
}

func load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("dialcast", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and cached recordings")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port")
	fs.StringVar(&cfg.PublicBaseURL, "public-base-url", "", "externally reachable base URL for carrier callbacks (e.g., https://dial.example.com)")
	fs.StringVar(&cfg.CarrierAccountSID, "carrier-account-sid", "", "telephony provider account SID")
	fs.StringVar(&cfg.CarrierAuthToken, "carrier-auth-token", "", "telephony provider auth token")
	fs.StringVar(&cfg.CarrierAPIBase, "carrier-api-base", "", "override for the carrier REST API base URL")
	fs.StringVar(&cfg.AgentAPIKey, "agent-api-key", "", "conversational-AI provider API key")
	fs.StringVar(&cfg.AgentWebhookSecret, "agent-webhook-secret", "", "shared secret for verifying agent webhook signatures")
	fs.StringVar(&cfg.AgentAPIBase, "agent-api-base", "", "override for the agent provider API base URL")
	fs.StringVar(&cfg.Region, "region", "", "carrier region hint for outbound dials")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", "", "hex-encoded 32-byte secret for dashboard JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.EventArchiveDSN, "event-archive-dsn", "", "Postgres DSN for long-term call-event archival (disabled if empty)")
	fs.IntVar(&cfg.RecordingMaxDays, "recording-max-days", 0, "days to keep cached recording files, 0 = keep forever")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	envMap := map[string]string{
		"data-dir":             envPrefix + "DATA_DIR",
		"http-port":            envPrefix + "HTTP_PORT",
		"public-base-url":      envPrefix + "PUBLIC_BASE_URL",
		"carrier-account-sid":  envPrefix + "CARRIER_ACCOUNT_SID",
		"carrier-auth-token":   envPrefix + "CARRIER_AUTH_TOKEN",
		"carrier-api-base":     envPrefix + "CARRIER_API_BASE",
		"agent-api-key":        envPrefix + "AGENT_API_KEY",
		"agent-webhook-secret": envPrefix + "AGENT_WEBHOOK_SECRET",
		"agent-api-base":       envPrefix + "AGENT_API_BASE",
		"region":               envPrefix + "REGION",
		"jwt-secret":           envPrefix + "JWT_SECRET",
		"event-archive-dsn":    envPrefix + "EVENT_ARCHIVE_DSN",
		"recording-max-days":   envPrefix + "RECORDING_MAX_DAYS",
		"cors-origins":         envPrefix + "CORS_ORIGINS",
		"log-level":            envPrefix + "LOG_LEVEL",
		"log-format":           envPrefix + "LOG_FORMAT",
	}

	for flagName, envVar := range envMap {
		if set[flagName] {
			continue
		}
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		switch flagName {
		case "data-dir":
			cfg.DataDir = val
		case "http-port":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.HTTPPort = v
			}
		case "public-base-url":
			cfg.PublicBaseURL = val
		case "carrier-account-sid":
			cfg.CarrierAccountSID = val
		case "carrier-auth-token":
			cfg.CarrierAuthToken = val
		case "carrier-api-base":
			cfg.CarrierAPIBase = val
		case "agent-api-key":
			cfg.AgentAPIKey = val
		case "agent-webhook-secret":
			cfg.AgentWebhookSecret = val
		case "agent-api-base":
			cfg.AgentAPIBase = val
		case "region":
			cfg.Region = val
		case "jwt-secret":
			cfg.JWTSecret = val
		case "event-archive-dsn":
			cfg.EventArchiveDSN = val
		case "recording-max-days":
			if v, err := strconv.Atoi(val); err == nil {
				cfg.RecordingMaxDays = v
			}
		case "cors-origins":
			cfg.CORSOrigins = val
		case "log-level":
			cfg.LogLevel = val
		case "log-format":
			cfg.LogFormat = val
		}
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	if c.PublicBaseURL != "" {
		u, err := url.Parse(c.PublicBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("public-base-url must be an absolute URL, got %q", c.PublicBaseURL)
		}
		c.PublicBaseURL = strings.TrimSuffix(c.PublicBaseURL, "/")
	}

	if c.RecordingMaxDays < 0 {
		return fmt.Errorf("recording-max-days must be >= 0, got %d", c.RecordingMaxDays)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// MediaStreamURL returns the carrier-facing WebSocket URL for the media
// stream endpoint, derived from the public base URL.
func (c *Config) MediaStreamURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	ws := strings.Replace(c.PublicBaseURL, "https://", "wss://", 1)
	ws = strings.Replace(ws, "http://", "ws://", 1)
	return ws + "/outbound-media-stream"
}

// StatusCallbackURL returns the carrier-facing URL for call status webhooks.
func (c *Config) StatusCallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/carrier/status"
}

// RecordingCallbackURL returns the carrier-facing URL for recording webhooks.
func (c *Config) RecordingCallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/carrier/recording"
}

// JWTSecretBytes returns the decoded 32-byte JWT signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) JWTSecretBytes() ([]byte, error) {
	if c.JWTSecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		c.JWTSecret = hex.EncodeToString(key)
		slog.Warn("no jwt-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding jwt secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("jwt secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
