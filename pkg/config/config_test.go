package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/pkg/circuit"
)

func TestBridgeEnvRoundTrip(t *testing.T) {
	env := BridgeEnv{
		URL:       "http://127.0.0.1:43721",
		Token:     "deadbeef",
		WorkerID:  "coder-1",
		ParentPID: 4242,
	}

	vars := env.Vars()
	assert.Contains(t, vars, "WARDEN_BRIDGE_URL=http://127.0.0.1:43721")
	assert.Contains(t, vars, "WARDEN_BRIDGE_TOKEN=deadbeef")
	assert.Contains(t, vars, "WARDEN_WORKER_ID=coder-1")
	assert.Contains(t, vars, "WARDEN_PARENT_PID=4242")

	t.Setenv(EnvBridgeURL, env.URL)
	t.Setenv(EnvBridgeToken, env.Token)
	t.Setenv(EnvWorkerID, env.WorkerID)
	t.Setenv(EnvParentPID, "4242")

	parsed, err := BridgeEnvFromEnviron()
	require.NoError(t, err)
	assert.Equal(t, env, parsed)
}

func TestBridgeEnvFromEnvironRequiresURLAndToken(t *testing.T) {
	t.Setenv(EnvBridgeURL, "")
	t.Setenv(EnvBridgeToken, "")

	_, err := BridgeEnvFromEnviron()
	require.Error(t, err)

	t.Setenv(EnvBridgeURL, "http://127.0.0.1:1")
	_, err = BridgeEnvFromEnviron()
	require.Error(t, err)

	t.Setenv(EnvBridgeToken, "tok")
	t.Setenv(EnvParentPID, "not-a-pid")
	_, err = BridgeEnvFromEnviron()
	require.Error(t, err)
}

func TestReapIntervalFromEnv(t *testing.T) {
	t.Setenv(EnvReapInterval, "")
	assert.Equal(t, DefaultReapInterval, ReapIntervalFromEnv())

	t.Setenv(EnvReapInterval, "90s")
	assert.Equal(t, 90*time.Second, ReapIntervalFromEnv())

	t.Setenv(EnvReapInterval, "garbage")
	assert.Equal(t, DefaultReapInterval, ReapIntervalFromEnv())
}

func TestBusFromEnv(t *testing.T) {
	t.Setenv(EnvMailboxCap, "50")
	t.Setenv(EnvWakeupHistoryCap, "25")

	cfg := BusFromEnv()
	assert.Equal(t, 50, cfg.MailboxCap)
	assert.Equal(t, 25, cfg.HistoryCap)
}

func TestBreakerFromEnv(t *testing.T) {
	t.Setenv(EnvBreakerThreshold, "")
	t.Setenv(EnvBreakerWindow, "")
	t.Setenv(EnvBreakerHalfOpen, "")
	assert.Equal(t, circuit.DefaultConfig, BreakerFromEnv())

	t.Setenv(EnvBreakerThreshold, "3")
	t.Setenv(EnvBreakerWindow, "2m")
	t.Setenv(EnvBreakerHalfOpen, "30s")

	cfg := BreakerFromEnv()
	assert.Equal(t, 3, cfg.FailureThreshold)
	assert.Equal(t, 2*time.Minute, cfg.FailureWindow)
	assert.Equal(t, 30*time.Second, cfg.HalfOpenTimeout)
}

func TestMemoryFromEnv(t *testing.T) {
	t.Setenv(EnvMemoryDir, "/tmp/warden-mem")
	t.Setenv(EnvMemoryGraphDSN, "")
	t.Setenv(EnvMemoryMaxMessages, "10")

	store, limits := MemoryFromEnv()
	assert.Equal(t, "/tmp/warden-mem", store.Dir)
	assert.Empty(t, store.GraphDSN)
	assert.Equal(t, 10, limits.MaxMessagesPerSession)
}
