// Package config loads the scheduler's configuration from environment
// variables (prefix LINGUA_) with an optional YAML overlay, following the
// pack's common "env wins, file provides defaults" layering.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Redis holds connection settings for the primitives layer.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// NodeHealth configures the registry's status machine (spec.md §4.B).
type NodeHealth struct {
	HealthyChecksToReady     int           `yaml:"healthy_checks_to_ready"`
	FailuresToDegraded       int           `yaml:"failures_to_degraded"`
	FailuresInWindow         int           `yaml:"failures_in_window"`
	FailureWindowSize        int           `yaml:"failure_window_size"`
	WarmupTimeout            time.Duration `yaml:"warmup_timeout"`
	HeartbeatTimeout         time.Duration `yaml:"heartbeat_timeout"`
}

// Selection configures the pool selector (spec.md §4.C).
type Selection struct {
	ResourceThreshold    float64 `yaml:"resource_threshold"`
	SessionAffinity      bool    `yaml:"session_affinity"`
	RandomSampleSize     int     `yaml:"random_sample_size"`
	FallbackToOtherPools bool    `yaml:"fallback_to_other_pools"`
}

// ResultQueue configures the per-session reorder buffer (spec.md §4.F).
type ResultQueue struct {
	PendingMax   int           `yaml:"pending_max"`
	AckTimeout   time.Duration `yaml:"ack_timeout"`
}

// Timeout configures the timeout/failover loop (spec.md §4.H).
type Timeout struct {
	ScanInterval        time.Duration `yaml:"scan_interval"`
	PendingTimeout      time.Duration `yaml:"pending_timeout"`
	DispatchedTimeout   time.Duration `yaml:"dispatched_timeout"`
	FailoverMaxAttempts int           `yaml:"failover_max_attempts"`
	ReservationTTL      time.Duration `yaml:"reservation_ttl"`
}

// SessionActor configures segmentation (spec.md §4.E).
type SessionActor struct {
	PauseMs                 int64 `yaml:"pause_ms"`
	MaxDurationMs           int64 `yaml:"max_duration_ms"`
	OverflowBytes           int   `yaml:"overflow_bytes"`
	RestartTimerToleranceMs int64 `yaml:"restart_timer_tolerance_ms"`
}

// Dispatcher configures request-lock behavior (spec.md §4.G).
type Dispatcher struct {
	RequestLockTimeout time.Duration `yaml:"request_lock_timeout"`
	RequestLockRetry   time.Duration `yaml:"request_lock_retry"`
	SpreadEnabled      bool          `yaml:"spread_enabled"`
	Phase3Enabled      bool          `yaml:"phase3_enabled"`
}

// Routing configures the inter-instance routing layer (spec.md §6/§5).
type Routing struct {
	InstanceID    string        `yaml:"instance_id"`
	InboxMaxLen   int64         `yaml:"inbox_maxlen"`
	PresenceTTL   time.Duration `yaml:"presence_ttl"`
	BlockTimeout  time.Duration `yaml:"block_timeout"`
}

// Config is the top-level configuration for a scheduler instance.
type Config struct {
	Redis        Redis        `yaml:"redis"`
	NodeHealth   NodeHealth   `yaml:"node_health"`
	Selection    Selection    `yaml:"selection"`
	ResultQueue  ResultQueue  `yaml:"result_queue"`
	Timeout      Timeout      `yaml:"timeout"`
	SessionActor SessionActor `yaml:"session_actor"`
	Dispatcher   Dispatcher   `yaml:"dispatcher"`
	Routing      Routing      `yaml:"routing"`

	ClientListenAddr string `yaml:"client_listen_addr"`
	NodeListenAddr   string `yaml:"node_listen_addr"`
	AdminListenAddr  string `yaml:"admin_listen_addr"`
}

// Default returns the configuration with every default named in spec.md.
func Default() Config {
	return Config{
		Redis: Redis{Addr: "localhost:6379", Prefix: "lingua:v1"},
		NodeHealth: NodeHealth{
			HealthyChecksToReady: 3,
			FailuresToDegraded:   3,
			FailuresInWindow:     3,
			FailureWindowSize:    10,
			WarmupTimeout:        60 * time.Second,
			HeartbeatTimeout:     30 * time.Second,
		},
		Selection: Selection{
			ResourceThreshold:    85,
			SessionAffinity:      true,
			RandomSampleSize:     5,
			FallbackToOtherPools: true,
		},
		ResultQueue: ResultQueue{PendingMax: 200, AckTimeout: 5 * time.Second},
		Timeout: Timeout{
			ScanInterval:        200 * time.Millisecond,
			PendingTimeout:      10 * time.Second,
			DispatchedTimeout:   8 * time.Second,
			FailoverMaxAttempts: 3,
			ReservationTTL:      15 * time.Second,
		},
		SessionActor: SessionActor{
			PauseMs:                 3000,
			MaxDurationMs:           20000,
			OverflowBytes:           500 * 1024,
			RestartTimerToleranceMs: 250,
		},
		Dispatcher: Dispatcher{
			RequestLockTimeout: 1000 * time.Millisecond,
			RequestLockRetry:   50 * time.Millisecond,
		},
		Routing: Routing{
			InstanceID:   hostnameOrRandom(),
			InboxMaxLen:  10000,
			PresenceTTL:  30 * time.Second,
			BlockTimeout: 5 * time.Second,
		},
		ClientListenAddr: ":8080",
		NodeListenAddr:   ":8081",
		AdminListenAddr:  ":9090",
	}
}

func hostnameOrRandom() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "instance-0"
	}
	return h
}

// LoadFile overlays YAML file contents onto cfg.
func LoadFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, cfg)
}

// LoadEnv overlays environment variables (LINGUA_REDIS_ADDR, etc.) onto cfg.
// Only the handful of settings operators commonly override in production
// are wired; everything else comes from defaults or the YAML file.
func LoadEnv(cfg *Config) {
	if v := os.Getenv("LINGUA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LINGUA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("LINGUA_REDIS_PREFIX"); v != "" {
		cfg.Redis.Prefix = v
	}
	if v := os.Getenv("LINGUA_INSTANCE_ID"); v != "" {
		cfg.Routing.InstanceID = v
	}
	if v := os.Getenv("LINGUA_CLIENT_LISTEN_ADDR"); v != "" {
		cfg.ClientListenAddr = v
	}
	if v := os.Getenv("LINGUA_NODE_LISTEN_ADDR"); v != "" {
		cfg.NodeListenAddr = v
	}
	if v := os.Getenv("LINGUA_ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
	if v := os.Getenv("LINGUA_RESOURCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Selection.ResourceThreshold = f
		}
	}
}

// TestRedisURL returns LINGUA_TEST_REDIS_URL and LINGUA_TEST_REDIS_MODE; ok
// is false when the URL is unset. No test in this module calls it: every
// Redis-touching test runs against miniredis.
func TestRedisURL() (url string, mode string, ok bool) {
	url = os.Getenv("LINGUA_TEST_REDIS_URL")
	mode = os.Getenv("LINGUA_TEST_REDIS_MODE")
	return url, mode, url != ""
}
