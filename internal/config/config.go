package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
	TransportGRPC      = "grpc"

	WaitStream = "stream"
	WaitPoll   = "poll"
	WaitNone   = "none"
)

type Config struct {
	APIURL         string
	APIKey         string
	Transport      string
	GRPCAddr       string
	WaitMode       string
	ReconnectDelay time.Duration
	MaxReconnects  int
	PollInterval   time.Duration
	PollMaxRetries int
	RequestTimeout time.Duration
	RateLimit      int
	MaxUploadBytes int64
	StopLinger     time.Duration
	Journal        bool
	Log            LogConfig
}

type LogConfig struct {
	Level      string
	File       string
	JSON       bool
	Components []string
}

type fileConfig struct {
	APIURL                string `yaml:"api_url"`
	APIKey                string `yaml:"api_key"`
	Transport             string `yaml:"transport"`
	GRPCAddr              string `yaml:"grpc_addr"`
	WaitMode              string `yaml:"wait_mode"`
	ReconnectDelayMS      *int   `yaml:"reconnect_delay_ms"`
	MaxReconnects         *int   `yaml:"max_reconnects"`
	PollIntervalMS        *int   `yaml:"poll_interval_ms"`
	PollMaxRetries        *int   `yaml:"poll_max_retries"`
	RequestTimeoutSeconds *int   `yaml:"request_timeout_seconds"`
	RateLimit             *int   `yaml:"rate_limit"`
	MaxUploadBytes        *int64 `yaml:"max_upload_bytes"`
	StopLingerMS          *int   `yaml:"stop_linger_ms"`
	Journal               *bool  `yaml:"journal"`
	Log                   struct {
		Level      string   `yaml:"level"`
		File       string   `yaml:"file"`
		JSON       *bool    `yaml:"json"`
		Components []string `yaml:"components"`
	} `yaml:"log"`
}

func Defaults() Config {
	return Config{
		APIURL:         "https://api.inference.sh",
		Transport:      TransportSSE,
		GRPCAddr:       "127.0.0.1:50061",
		WaitMode:       WaitStream,
		ReconnectDelay: time.Second,
		MaxReconnects:  5,
		PollInterval:   2 * time.Second,
		PollMaxRetries: 5,
		RequestTimeout: 30 * time.Second,
		MaxUploadBytes: 20 * 1024 * 1024,
		Log:            LogConfig{Level: "info"},
	}
}

// Load builds the configuration from defaults, the optional YAML file named
// by HELIX_CONFIG_FILE, and then environment variables.
func Load() (Config, error) {
	return LoadFile(env("HELIX_CONFIG_FILE", ""))
}

func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportWebSocket, TransportGRPC:
	default:
		return fmt.Errorf("invalid transport %q", c.Transport)
	}
	switch c.WaitMode {
	case WaitStream, WaitPoll, WaitNone:
	default:
		return fmt.Errorf("invalid wait mode %q", c.WaitMode)
	}
	if strings.TrimSpace(c.APIURL) == "" {
		return fmt.Errorf("api url is required")
	}
	if c.MaxReconnects < 0 {
		return fmt.Errorf("max reconnects must be >= 0")
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	setString(&cfg.APIURL, fc.APIURL)
	setString(&cfg.APIKey, fc.APIKey)
	setString(&cfg.Transport, fc.Transport)
	setString(&cfg.GRPCAddr, fc.GRPCAddr)
	setString(&cfg.WaitMode, fc.WaitMode)
	if fc.ReconnectDelayMS != nil {
		cfg.ReconnectDelay = time.Duration(*fc.ReconnectDelayMS) * time.Millisecond
	}
	if fc.MaxReconnects != nil {
		cfg.MaxReconnects = *fc.MaxReconnects
	}
	if fc.PollIntervalMS != nil {
		cfg.PollInterval = time.Duration(*fc.PollIntervalMS) * time.Millisecond
	}
	if fc.PollMaxRetries != nil {
		cfg.PollMaxRetries = *fc.PollMaxRetries
	}
	if fc.RequestTimeoutSeconds != nil {
		cfg.RequestTimeout = time.Duration(*fc.RequestTimeoutSeconds) * time.Second
	}
	if fc.RateLimit != nil {
		cfg.RateLimit = *fc.RateLimit
	}
	if fc.MaxUploadBytes != nil {
		cfg.MaxUploadBytes = *fc.MaxUploadBytes
	}
	if fc.StopLingerMS != nil {
		cfg.StopLinger = time.Duration(*fc.StopLingerMS) * time.Millisecond
	}
	if fc.Journal != nil {
		cfg.Journal = *fc.Journal
	}
	setString(&cfg.Log.Level, fc.Log.Level)
	if fc.Log.File != "" {
		cfg.Log.File = resolvePath(fc.Log.File, filepath.Dir(path))
	}
	if fc.Log.JSON != nil {
		cfg.Log.JSON = *fc.Log.JSON
	}
	if len(fc.Log.Components) > 0 {
		cfg.Log.Components = fc.Log.Components
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.APIURL = strings.TrimRight(env("HELIX_API_URL", cfg.APIURL), "/")
	cfg.APIKey = env("HELIX_API_KEY", cfg.APIKey)
	cfg.Transport = strings.ToLower(env("HELIX_TRANSPORT", cfg.Transport))
	cfg.GRPCAddr = env("HELIX_GRPC_ADDR", cfg.GRPCAddr)
	cfg.WaitMode = strings.ToLower(env("HELIX_WAIT_MODE", cfg.WaitMode))
	cfg.ReconnectDelay = envMillis("HELIX_RECONNECT_DELAY_MS", cfg.ReconnectDelay)
	cfg.MaxReconnects = envInt("HELIX_MAX_RECONNECTS", cfg.MaxReconnects)
	cfg.PollInterval = envMillis("HELIX_POLL_INTERVAL_MS", cfg.PollInterval)
	cfg.PollMaxRetries = envInt("HELIX_POLL_MAX_RETRIES", cfg.PollMaxRetries)
	cfg.RequestTimeout = time.Duration(envInt("HELIX_REQUEST_TIMEOUT_SECONDS", int(cfg.RequestTimeout/time.Second))) * time.Second
	cfg.RateLimit = envInt("HELIX_RATE_LIMIT", cfg.RateLimit)
	cfg.MaxUploadBytes = int64(envInt("HELIX_MAX_UPLOAD_BYTES", int(cfg.MaxUploadBytes)))
	cfg.StopLinger = envMillis("HELIX_STOP_LINGER_MS", cfg.StopLinger)
	cfg.Journal = envBool("HELIX_JOURNAL", cfg.Journal)
	cfg.Log.Level = env("HELIX_LOG_LEVEL", cfg.Log.Level)
	if v := env("HELIX_LOG_FILE", ""); v != "" {
		cfg.Log.File = resolvePath(v, "")
	}
	cfg.Log.JSON = envBool("HELIX_LOG_JSON", cfg.Log.JSON)
	if v := env("HELIX_LOG_COMPONENTS", ""); v != "" {
		cfg.Log.Components = splitCSV(v)
	}
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envMillis(k string, def time.Duration) time.Duration {
	return time.Duration(envInt(k, int(def/time.Millisecond))) * time.Millisecond
}

func envBool(k string, def bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(k)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func resolvePath(v, baseDir string) string {
	if v == "" || filepath.IsAbs(v) || baseDir == "" {
		return v
	}
	return filepath.Join(baseDir, v)
}
