package pool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warden/pkg/circuit"
	"warden/pkg/policy"
	"warden/pkg/profile"
)

func boolPtr(b bool) *bool { return &b }

func testProfile(id, model string) profile.WorkerProfile {
	return profile.WorkerProfile{ID: id, Model: model}
}

// countingSpawner builds a SpawnFunc that records invocations.
type countingSpawner struct {
	calls atomic.Int64
	err   error
}

func (c *countingSpawner) fn() SpawnFunc {
	return func(_ context.Context, prof profile.WorkerProfile, opts SpawnOptions) (*WorkerInstance, error) {
		n := c.calls.Add(1)
		if c.err != nil {
			return nil, c.err
		}
		return &WorkerInstance{
			Profile:   prof,
			Status:    StatusReady,
			PID:       int(1000 + n),
			ServerURL: "http://127.0.0.1:9999",
			StartedAt: time.Now(),
		}, nil
	}
}

func alwaysAlive(context.Context, *WorkerInstance) bool { return true }
func alwaysDead(context.Context, *WorkerInstance) bool  { return false }

func TestGetOrSpawnSpawnsWhenEmpty(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})
	spawner := &countingSpawner{}

	inst, err := p.GetOrSpawn(context.Background(), testProfile("coder", "m1"), SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	assert.Equal(t, "coder", inst.Profile.ID)
	assert.Equal(t, int64(1), spawner.calls.Load())

	tracked, ok := p.Get("coder")
	require.True(t, ok)
	assert.Equal(t, inst.PID, tracked.PID)
}

func TestGetOrSpawnReusesHealthyMatchingWorker(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})
	spawner := &countingSpawner{}
	prof := testProfile("coder", "m1")

	first, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	second, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)

	assert.Equal(t, first.PID, second.PID)
	assert.Equal(t, int64(1), spawner.calls.Load(), "healthy matching worker should be reused")
}

func TestGetOrSpawnRespawnsOnModelMismatch(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})
	spawner := &countingSpawner{}

	_, err := p.GetOrSpawn(context.Background(), testProfile("coder", "m1"), SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	_, err = p.GetOrSpawn(context.Background(), testProfile("coder", "m2"), SpawnOptions{}, spawner.fn())
	require.NoError(t, err)

	assert.Equal(t, int64(2), spawner.calls.Load(), "model change must invalidate the tracked worker")
}

func TestGetOrSpawnRespawnsWhenProbeFails(t *testing.T) {
	p := New(Options{Probe: alwaysDead})
	spawner := &countingSpawner{}
	prof := testProfile("coder", "m1")

	_, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	_, err = p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)

	assert.Equal(t, int64(2), spawner.calls.Load())
}

func TestGetOrSpawnForceNewAlwaysSpawns(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})
	spawner := &countingSpawner{}
	prof := testProfile("coder", "m1")

	_, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	_, err = p.GetOrSpawn(context.Background(), prof, SpawnOptions{ForceNew: true}, spawner.fn())
	require.NoError(t, err)

	assert.Equal(t, int64(2), spawner.calls.Load())
}

func TestGetOrSpawnPropagatesSpawnError(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})
	sentinel := errors.New("docker daemon unreachable")
	spawner := &countingSpawner{err: sentinel}

	_, err := p.GetOrSpawn(context.Background(), testProfile("coder", "m1"), SpawnOptions{}, spawner.fn())
	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)

	_, ok := p.Get("coder")
	assert.False(t, ok, "failed spawn must not leave a registry entry")
}

func TestGetOrSpawnTimeoutBoundsSlowSpawn(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})

	hangingSpawn := func(ctx context.Context, prof profile.WorkerProfile, _ SpawnOptions) (*WorkerInstance, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := p.GetOrSpawn(context.Background(), testProfile("coder", "m1"), SpawnOptions{
		Timeout: 50 * time.Millisecond,
	}, hangingSpawn)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second, "spawn must fail, not hang")

	_, ok := p.Get("coder")
	assert.False(t, ok)
}

func TestGetOrSpawnPolicyRefusal(t *testing.T) {
	cfg := policy.Config{
		Profiles: map[string]policy.Overrides{
			"qa": {OnDemand: boolPtr(false)},
		},
	}
	p := New(Options{Probe: alwaysAlive, Policy: &cfg})
	spawner := &countingSpawner{}

	_, err := p.GetOrSpawn(context.Background(), testProfile("qa", "m1"), SpawnOptions{}, spawner.fn())
	require.Error(t, err)
	assert.ErrorIs(t, err, policy.ErrRefused)
	assert.Contains(t, err.Error(), "disabled by spawnPolicy")
	assert.Equal(t, int64(0), spawner.calls.Load(), "refusal must happen before spawnFn")
}

func TestGetOrSpawnPolicyDisablesReuse(t *testing.T) {
	cfg := policy.Config{
		Default: policy.Overrides{ReuseExisting: boolPtr(false)},
	}
	p := New(Options{Probe: alwaysAlive, Policy: &cfg})
	spawner := &countingSpawner{}
	prof := testProfile("coder", "m1")

	_, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)
	_, err = p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.NoError(t, err)

	assert.Equal(t, int64(2), spawner.calls.Load())
}

func TestGetOrSpawnSingleFlightCoalesces(t *testing.T) {
	p := New(Options{Probe: alwaysAlive})

	var calls atomic.Int64
	release := make(chan struct{})
	slowSpawn := func(_ context.Context, prof profile.WorkerProfile, _ SpawnOptions) (*WorkerInstance, error) {
		calls.Add(1)
		<-release
		return &WorkerInstance{Profile: prof, Status: StatusReady, ServerURL: "http://127.0.0.1:9"}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.GetOrSpawn(context.Background(), testProfile("coder", "m1"), SpawnOptions{}, slowSpawn)
			assert.NoError(t, err)
		}()
	}

	// Give the goroutines time to pile up behind the in-flight spawn.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "concurrent calls for one profile must coalesce")
}

func TestGetOrSpawnCircuitBreakerOpens(t *testing.T) {
	breakerCfg := circuit.Config{FailureThreshold: 2, FailureWindow: time.Minute, HalfOpenTimeout: time.Minute}
	p := New(Options{Probe: alwaysAlive, Breaker: &breakerCfg})
	spawner := &countingSpawner{err: errors.New("spawn boom")}
	prof := testProfile("coder", "m1")

	for i := 0; i < 2; i++ {
		_, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
		require.Error(t, err)
	}

	// Threshold reached: the breaker now refuses before spawnFn runs.
	_, err := p.GetOrSpawn(context.Background(), prof, SpawnOptions{}, spawner.fn())
	require.Error(t, err)
	var cbErr *circuit.Error
	assert.ErrorAs(t, err, &cbErr)
	assert.Equal(t, int64(2), spawner.calls.Load())
}

func TestStopAlwaysDeregisters(t *testing.T) {
	stopErr := errors.New("kill failed")
	p := New(Options{
		Probe: alwaysAlive,
		Stop: func(context.Context, *WorkerInstance) error {
			return stopErr
		},
	})
	p.Register(&WorkerInstance{Profile: testProfile("coder", "m1"), Status: StatusReady})

	err := p.Stop(context.Background(), "coder")
	require.Error(t, err)
	assert.ErrorIs(t, err, stopErr)

	_, ok := p.Get("coder")
	assert.False(t, ok, "registry entry must be removed even when termination fails")

	// Stopping an untracked id is a no-op.
	assert.NoError(t, p.Stop(context.Background(), "ghost"))
}

func TestStopAll(t *testing.T) {
	var stopped []string
	var mu sync.Mutex
	p := New(Options{
		Probe: alwaysAlive,
		Stop: func(_ context.Context, inst *WorkerInstance) error {
			mu.Lock()
			stopped = append(stopped, inst.Profile.ID)
			mu.Unlock()
			return nil
		},
	})
	p.Register(&WorkerInstance{Profile: testProfile("coder", "m1")})
	p.Register(&WorkerInstance{Profile: testProfile("qa", "m1")})

	require.NoError(t, p.StopAll(context.Background()))
	assert.Len(t, stopped, 2)
	assert.Empty(t, p.List())
}

func TestReapRemovesDeadWorkers(t *testing.T) {
	dead := map[string]bool{"qa": true}
	p := New(Options{
		Probe: func(_ context.Context, inst *WorkerInstance) bool {
			return !dead[inst.Profile.ID]
		},
	})
	p.Register(&WorkerInstance{Profile: testProfile("coder", "m1")})
	p.Register(&WorkerInstance{Profile: testProfile("qa", "m1")})

	survivors := p.Reap(context.Background())
	require.Len(t, survivors, 1)
	assert.Equal(t, "coder", survivors[0].Profile.ID)

	_, ok := p.Get("qa")
	assert.False(t, ok)
}

func TestHTTPProbe(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	probe := HTTPProbe(time.Second)
	ctx := context.Background()

	assert.True(t, probe(ctx, &WorkerInstance{ServerURL: healthy.URL}))
	assert.False(t, probe(ctx, &WorkerInstance{ServerURL: failing.URL}))
	assert.False(t, probe(ctx, &WorkerInstance{ServerURL: ""}))
	assert.False(t, probe(ctx, &WorkerInstance{ServerURL: "http://127.0.0.1:1"}))
}

func TestReaperSweeps(t *testing.T) {
	p := New(Options{Probe: alwaysDead})
	p.Register(&WorkerInstance{Profile: testProfile("coder", "m1")})

	r := NewReaper(p, time.Second)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return len(p.List()) == 0
	}, 5*time.Second, 50*time.Millisecond, "reaper should remove the dead worker")
}

func TestReaperStartStopIdempotent(t *testing.T) {
	r := NewReaper(New(Options{Probe: alwaysAlive}), time.Hour)
	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
}

func TestTriggerCapabilityMapping(t *testing.T) {
	for trigger, capability := range map[Trigger]policy.Capability{
		TriggerAuto:     policy.CapAutoSpawn,
		TriggerOnDemand: policy.CapOnDemand,
		TriggerManual:   policy.CapManual,
		TriggerWarm:     policy.CapWarmPool,
		Trigger(""):     policy.CapOnDemand,
	} {
		assert.Equal(t, capability, trigger.capability(), fmt.Sprintf("trigger %q", trigger))
	}
}
