// Package config loads and validates Casket's process-wide configuration
// from environment variables, with an optional YAML file supplying
// defaults underneath them.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the fully resolved, validated configuration for one casket
// process (shared by the server and all workers).
type Config struct {
	BindAddr            string        `yaml:"bind_addr"`
	NumWorkers          int           `yaml:"num_workers"`
	NumThreadsPerWorker int           `yaml:"num_threads_per_worker"`
	MaxConnections      int           `yaml:"max_connections"`
	MaxRequests         int           `yaml:"max_requests"`
	ReturnStacktrace    bool          `yaml:"return_stacktrace_in_body"`
	LogHTTPResponse     bool          `yaml:"log_http_response"`
	CtrlCWaitTime       time.Duration `yaml:"ctrlc_wait_time"`
	RequestReadTimeout  time.Duration `yaml:"request_read_timeout"`
	Logging             LoggingInfo   `yaml:"logging"`

	// Hostname is read once from the OS at startup ("casket" if that
	// fails). No logger adds it to log lines.
	Hostname string `yaml:"-"`
}

// LoggingInfo configures the ndjson logger.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the spec-mandated defaults before env/file overrides.
func Default() *Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "casket"
	}

	return &Config{
		BindAddr:            "0.0.0.0:8080",
		NumWorkers:          3,
		NumThreadsPerWorker: 2,
		MaxConnections:      128,
		MaxRequests:         12,
		ReturnStacktrace:    true,
		LogHTTPResponse:     true,
		CtrlCWaitTime:       10 * time.Second,
		RequestReadTimeout:  30 * time.Second,
		Logging:             LoggingInfo{Level: "info", Format: "json"},
		Hostname:            hostname,
	}
}

// LoadFile overlays a YAML config file onto the defaults. path may be
// empty, in which case Load starts purely from defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overlays environment variables onto cfg, per spec.md §6.
// Environment variables always win over the config file. Returns an
// error naming the first invalid variable encountered.
func ApplyEnv(cfg *Config, getenv func(string) (string, bool)) error {
	if v, ok := getenv("CASKET_BIND_ADDR"); ok {
		if _, _, err := net.SplitHostPort(v); err != nil {
			return fmt.Errorf("CASKET_BIND_ADDR invalid: %w", err)
		}
		cfg.BindAddr = v
	}

	if v, ok := getenv("CASKET_NUM_WORKERS"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_NUM_WORKERS must be a positive integer: %w", err)
		}
		cfg.NumWorkers = n
	}

	if v, ok := getenv("CASKET_NUM_THREADS_PER_WORKER"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_NUM_THREADS_PER_WORKER must be a positive integer: %w", err)
		}
		cfg.NumThreadsPerWorker = n
	}

	if v, ok := getenv("CASKET_MAX_CONNECTIONS"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_MAX_CONNECTIONS must be a positive integer: %w", err)
		}
		cfg.MaxConnections = n
	}

	if v, ok := getenv("CASKET_MAX_REQUESTS"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_MAX_REQUESTS must be a positive integer: %w", err)
		}
		cfg.MaxRequests = n
	}

	if v, ok := getenv("CASKET_RETURN_STACKTRACE_IN_BODY"); ok {
		b, err := parseBoolFlag(v)
		if err != nil {
			return fmt.Errorf("CASKET_RETURN_STACKTRACE_IN_BODY must be 0 or 1: %w", err)
		}
		cfg.ReturnStacktrace = b
	}

	if v, ok := getenv("CASKET_LOG_HTTP_RESPONSE"); ok {
		b, err := parseBoolFlag(v)
		if err != nil {
			return fmt.Errorf("CASKET_LOG_HTTP_RESPONSE must be 0 or 1: %w", err)
		}
		cfg.LogHTTPResponse = b
	}

	if v, ok := getenv("CASKET_CTRLC_WAIT_TIME"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_CTRLC_WAIT_TIME must be a positive integer: %w", err)
		}
		cfg.CtrlCWaitTime = time.Duration(n) * time.Second
	}

	if v, ok := getenv("CASKET_REQUEST_READ_TIMEOUT"); ok {
		n, err := parsePositiveInt(v)
		if err != nil {
			return fmt.Errorf("CASKET_REQUEST_READ_TIMEOUT must be a positive integer: %w", err)
		}
		cfg.RequestReadTimeout = time.Duration(n) * time.Second
	}

	return nil
}

// Load resolves the full configuration: defaults, then an optional YAML
// file, then environment variables on top.
func Load(configPath string) (*Config, error) {
	cfg, err := LoadFile(configPath)
	if err != nil {
		return nil, err
	}

	if err := ApplyEnv(cfg, osLookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func osLookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

func parsePositiveInt(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be > 0, got %d", n)
	}
	return n, nil
}

func parseBoolFlag(v string) (bool, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return false, err
	}
	switch n {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("must be 0 or 1, got %d", n)
	}
}
