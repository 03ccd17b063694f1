package main

import (
	"crypto/tls"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the per-worker configuration. It is read once at startup and
// treated as a read-only snapshot afterwards.
type Config struct {
	// Listen is the list of addresses to bind listeners on. Ignored when
	// listener sockets are inherited from a supervising parent.
	Listen []string `yaml:"listen"`

	// Threads is the size of the executor pool.
	Threads int `yaml:"threads"`

	// WorkerConnections is the hard cap on connections owned by the worker.
	WorkerConnections int `yaml:"worker_connections"`

	// Keepalive is the idle connection timeout in seconds. 0 disables
	// keepalive entirely.
	Keepalive int `yaml:"keepalive"`

	// MaxRequests is the request budget after which the worker retires
	// voluntarily. 0 disables retirement.
	MaxRequests int `yaml:"max_requests"`

	// GracefulTimeout bounds, in seconds, how long shutdown waits for
	// in-flight requests.
	GracefulTimeout int `yaml:"graceful_timeout"`

	// WorkerTmpDir is where the liveness beacon file is created. Empty
	// means the platform default temp directory.
	WorkerTmpDir string `yaml:"worker_tmp_dir"`

	// Umask applies while the beacon file is created.
	Umask int `yaml:"umask"`

	// UID and GID own the beacon file when they differ from the effective
	// ids of the worker process.
	UID int `yaml:"uid"`
	GID int `yaml:"gid"`

	// CertFile and KeyFile enable TLS on all listeners when both are set.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MetricsListenAddr is the address of the metrics/health sidecar server.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`

	// LogLevel selects the global logger level.
	LogLevel string `yaml:"log_level"`

	// App produces the response body for each request. Defaults to the
	// built-in status application when nil.
	App App `yaml:"-"`

	// Hooks are invoked around each request and on worker interruption.
	Hooks Hooks `yaml:"-"`

	tlsConfig *tls.Config
}

// NewConfig builds a Config from the optional YAML file named by
// STOKER_CONFIG, with STOKER_* environment variables taking precedence.
func NewConfig() (*Config, error) {
	cfg := &Config{
		Listen:            []string{":8000"},
		Threads:           1,
		WorkerConnections: 1000,
		Keepalive:         2,
		GracefulTimeout:   30,
		UID:               os.Geteuid(),
		GID:               os.Getegid(),
		MetricsListenAddr: ":9090",
		LogLevel:          "info",
	}

	if path := os.Getenv("STOKER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := os.Getenv("STOKER_LISTEN"); v != "" {
		cfg.Listen = strings.Split(v, ",")
	}
	var err error
	if cfg.Threads, err = envInt("STOKER_THREADS", cfg.Threads); err != nil {
		return nil, err
	}
	if cfg.WorkerConnections, err = envInt("STOKER_WORKER_CONNECTIONS", cfg.WorkerConnections); err != nil {
		return nil, err
	}
	if cfg.Keepalive, err = envInt("STOKER_KEEPALIVE", cfg.Keepalive); err != nil {
		return nil, err
	}
	if cfg.MaxRequests, err = envInt("STOKER_MAX_REQUESTS", cfg.MaxRequests); err != nil {
		return nil, err
	}
	if cfg.GracefulTimeout, err = envInt("STOKER_GRACEFUL_TIMEOUT", cfg.GracefulTimeout); err != nil {
		return nil, err
	}
	if v := os.Getenv("STOKER_WORKER_TMP_DIR"); v != "" {
		cfg.WorkerTmpDir = v
	}
	if v := os.Getenv("STOKER_UMASK"); v != "" {
		n, err := strconv.ParseInt(v, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("STOKER_UMASK: %w", err)
		}
		cfg.Umask = int(n)
	}
	if v := os.Getenv("STOKER_CERT_FILE"); v != "" {
		cfg.CertFile = v
	}
	if v := os.Getenv("STOKER_KEY_FILE"); v != "" {
		cfg.KeyFile = v
	}
	if v := os.Getenv("STOKER_METRICS_LISTEN_ADDR"); v != "" {
		cfg.MetricsListenAddr = v
	}
	if v := os.Getenv("STOKER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// Validate checks the configuration and loads TLS material.
func (c *Config) Validate() error {
	if c.Threads < 1 {
		return fmt.Errorf("threads must be >= 1, got %d", c.Threads)
	}
	if c.WorkerConnections < 1 {
		return fmt.Errorf("worker_connections must be > 0, got %d", c.WorkerConnections)
	}
	if c.Keepalive < 0 {
		return fmt.Errorf("keepalive must be >= 0, got %d", c.Keepalive)
	}
	if c.MaxRequests < 0 {
		return fmt.Errorf("max_requests must be >= 0, got %d", c.MaxRequests)
	}
	if c.GracefulTimeout < 0 {
		return fmt.Errorf("graceful_timeout must be >= 0, got %d", c.GracefulTimeout)
	}
	if c.WorkerTmpDir != "" {
		fi, err := os.Stat(c.WorkerTmpDir)
		if err != nil || !fi.IsDir() {
			return fmt.Errorf("worker_tmp_dir %q is not a directory", c.WorkerTmpDir)
		}
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file must be set together")
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS keypair: %w", err)
		}
		c.tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}
	return nil
}

// IsSSL reports whether listeners speak TLS.
func (c *Config) IsSSL() bool {
	return c.tlsConfig != nil
}

// TLSConfig returns the server TLS configuration, nil when TLS is disabled.
func (c *Config) TLSConfig() *tls.Config {
	return c.tlsConfig
}

// MaxKeepalived is the capacity of the keepalive set.
func (c *Config) MaxKeepalived() int {
	return c.WorkerConnections - c.Threads
}

// KeepaliveDuration is the idle timeout as a duration.
func (c *Config) KeepaliveDuration() time.Duration {
	return time.Duration(c.Keepalive) * time.Second
}

// GracefulDuration is the shutdown wait as a duration.
func (c *Config) GracefulDuration() time.Duration {
	return time.Duration(c.GracefulTimeout) * time.Second
}

// CheckConfig warns about settings that silently disable features.
func CheckConfig(c *Config) {
	if c.MaxKeepalived() <= 0 && c.Keepalive > 0 {
		logger.Warn("No keepalived connections can be handled. " +
			"Check the number of worker connections and threads.")
	}
}
