// Package config centralizes environment-variable plumbing: the variables
// injected into spawned worker processes, and the knobs that tune the pool,
// bus, breaker, and memory subsystems.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"warden/pkg/bus"
	"warden/pkg/circuit"
	"warden/pkg/memory"
)

// Environment variables injected into every spawned worker process so it can
// reach back to the supervisor.
const (
	EnvBridgeURL   = "WARDEN_BRIDGE_URL"
	EnvBridgeToken = "WARDEN_BRIDGE_TOKEN" //nolint:gosec // env var name, not a credential
	EnvWorkerID    = "WARDEN_WORKER_ID"
	EnvParentPID   = "WARDEN_PARENT_PID"
)

// Tuning knobs read by the supervisor itself.
const (
	EnvReapInterval      = "WARDEN_REAP_INTERVAL"
	EnvMailboxCap        = "WARDEN_MAILBOX_CAP"
	EnvWakeupHistoryCap  = "WARDEN_WAKEUP_HISTORY_CAP"
	EnvBreakerThreshold  = "WARDEN_BREAKER_THRESHOLD"
	EnvBreakerWindow     = "WARDEN_BREAKER_WINDOW"
	EnvBreakerHalfOpen   = "WARDEN_BREAKER_HALF_OPEN"
	EnvMemoryDir         = "WARDEN_MEMORY_DIR"
	EnvMemoryGraphDSN    = "WARDEN_MEMORY_GRAPH_DSN"
	EnvMemoryMaxMessages = "WARDEN_MEMORY_MAX_MESSAGES"
)

// DefaultReapInterval is how often the pool sweeps for dead workers.
const DefaultReapInterval = 5 * time.Minute

// BridgeEnv describes the callback surface handed to a spawned worker.
type BridgeEnv struct {
	URL      string
	Token    string
	WorkerID string
	// ParentPID lets the worker's orphan watchdog detect a dead supervisor
	// and self-terminate.
	ParentPID int
}

// Vars renders the bridge env as KEY=VALUE pairs suitable for exec.Cmd.Env.
func (b BridgeEnv) Vars() []string {
	return []string{
		EnvBridgeURL + "=" + b.URL,
		EnvBridgeToken + "=" + b.Token,
		EnvWorkerID + "=" + b.WorkerID,
		EnvParentPID + "=" + strconv.Itoa(b.ParentPID),
	}
}

// BridgeEnvFromEnviron parses the bridge callback surface from the current
// process environment. Used worker-side.
func BridgeEnvFromEnviron() (BridgeEnv, error) {
	env := BridgeEnv{
		URL:      os.Getenv(EnvBridgeURL),
		Token:    os.Getenv(EnvBridgeToken),
		WorkerID: os.Getenv(EnvWorkerID),
	}
	if env.URL == "" {
		return env, fmt.Errorf("%s is not set", EnvBridgeURL)
	}
	if env.Token == "" {
		return env, fmt.Errorf("%s is not set", EnvBridgeToken)
	}
	if raw := os.Getenv(EnvParentPID); raw != "" {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return env, fmt.Errorf("invalid %s %q: %w", EnvParentPID, raw, err)
		}
		env.ParentPID = pid
	}
	return env, nil
}

// ReapIntervalFromEnv returns the reap sweep interval, defaulting to
// DefaultReapInterval when unset or unparseable.
func ReapIntervalFromEnv() time.Duration {
	return durationFromEnv(EnvReapInterval, DefaultReapInterval)
}

// BusFromEnv builds the message bus config from the environment.
func BusFromEnv() bus.Config {
	cfg := bus.Config{}
	if n := intFromEnv(EnvMailboxCap, 0); n > 0 {
		cfg.MailboxCap = n
	}
	if n := intFromEnv(EnvWakeupHistoryCap, 0); n > 0 {
		cfg.HistoryCap = n
	}
	return cfg
}

// BreakerFromEnv builds a circuit breaker config from the environment,
// starting from the package defaults.
func BreakerFromEnv() circuit.Config {
	cfg := circuit.DefaultConfig
	if n := intFromEnv(EnvBreakerThreshold, 0); n > 0 {
		cfg.FailureThreshold = n
	}
	if d := durationFromEnv(EnvBreakerWindow, 0); d > 0 {
		cfg.FailureWindow = d
	}
	if d := durationFromEnv(EnvBreakerHalfOpen, 0); d > 0 {
		cfg.HalfOpenTimeout = d
	}
	return cfg
}

// MemoryFromEnv builds the memory store selection and limits from the
// environment. Dir falls back to <home>/.warden/memory when nothing is set.
func MemoryFromEnv() (memory.StoreConfig, memory.Limits) {
	store := memory.StoreConfig{
		Dir:      os.Getenv(EnvMemoryDir),
		GraphDSN: os.Getenv(EnvMemoryGraphDSN),
	}
	if store.Dir == "" && store.GraphDSN == "" {
		if home, err := os.UserHomeDir(); err == nil {
			store.Dir = home + "/.warden/memory"
		}
	}

	limits := memory.Limits{}
	if n := intFromEnv(EnvMemoryMaxMessages, 0); n > 0 {
		limits.MaxMessagesPerSession = n
	}
	return store, limits
}

func intFromEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

func durationFromEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}
