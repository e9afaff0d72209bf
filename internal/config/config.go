// ============================================================================
// Configuration - YAML 配置
// ============================================================================
//
// Package: internal/config
// File: config.go
//
// Example (configs/calcnode.yaml):
//
//   log:
//     level: info
//     format: console
//   dispatcher:
//     listen: ":50051"
//     job_timeout: 30s
//     timeout_scan_interval: 1s
//     max_attempts: 3
//     remote_priority: 10
//     local_workers: 0          # 0 disables the in-process invoker
//     local_priority: 1
//   worker:
//     dispatcher: "localhost:50051"
//     node_id: ""               # random UUID when empty
//     capacity: 4
//     job_timeout: 30s
//     reconnect_interval: 1s
//   metrics:
//     enabled: true
//     port: 9090
//
// Load overlays the file on Default(), so any key may be omitted.
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/calcnode/internal/logging"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config represents the complete configuration of both roles.
type Config struct {
	Log        logging.Config   `yaml:"log"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Worker     WorkerConfig     `yaml:"worker"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type DispatcherConfig struct {
	Listen              string        `yaml:"listen"`
	JobTimeout          time.Duration `yaml:"job_timeout"` // 0 disables the watchdog
	TimeoutScanInterval time.Duration `yaml:"timeout_scan_interval"`
	MaxAttempts         int           `yaml:"max_attempts"`
	RemotePriority      int           `yaml:"remote_priority"`
	LocalWorkers        int           `yaml:"local_workers"`
	LocalPriority       int           `yaml:"local_priority"`
}

type WorkerConfig struct {
	Dispatcher        string        `yaml:"dispatcher"`
	NodeID            string        `yaml:"node_id"`
	Capacity          int           `yaml:"capacity"`
	JobTimeout        time.Duration `yaml:"job_timeout"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Default returns a runnable single-host configuration.
func Default() *Config {
	return &Config{
		Log: logging.Config{Level: "info", Format: "console"},
		Dispatcher: DispatcherConfig{
			Listen:              ":50051",
			JobTimeout:          30 * time.Second,
			TimeoutScanInterval: time.Second,
			MaxAttempts:         3,
			RemotePriority:      10,
			LocalWorkers:        0,
			LocalPriority:       1,
		},
		Worker: WorkerConfig{
			Dispatcher:        "localhost:50051",
			Capacity:          4,
			JobTimeout:        30 * time.Second,
			ReconnectInterval: time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c *Config) Validate() error {
	var err error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			err = multierr.Append(err, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}

	d := c.Dispatcher
	check(d.Listen != "", "dispatcher.listen is empty")
	check(d.JobTimeout >= 0, "dispatcher.job_timeout must not be negative, got %s", d.JobTimeout)
	check(d.TimeoutScanInterval > 0, "dispatcher.timeout_scan_interval must be positive, got %s", d.TimeoutScanInterval)
	check(d.MaxAttempts > 0, "dispatcher.max_attempts must be positive, got %d", d.MaxAttempts)
	check(d.RemotePriority > 0, "dispatcher.remote_priority must be positive, got %d", d.RemotePriority)
	check(d.LocalWorkers >= 0, "dispatcher.local_workers must not be negative, got %d", d.LocalWorkers)
	check(d.LocalWorkers == 0 || d.LocalPriority > 0, "dispatcher.local_priority must be positive, got %d", d.LocalPriority)

	w := c.Worker
	check(w.Capacity > 0, "worker.capacity must be positive, got %d", w.Capacity)
	check(w.Capacity <= math.MaxInt32, "worker.capacity exceeds %d, got %d", math.MaxInt32, w.Capacity)
	check(w.JobTimeout >= 0, "worker.job_timeout must not be negative, got %s", w.JobTimeout)
	check(w.ReconnectInterval > 0, "worker.reconnect_interval must be positive, got %s", w.ReconnectInterval)

	check(!c.Metrics.Enabled || (c.Metrics.Port > 0 && c.Metrics.Port < 65536), "metrics.port out of range: %d", c.Metrics.Port)
	return err
}
