// Package runtime wires the supervisor's subsystems into one explicit
// composition object. Nothing here is a singleton: two Runtimes in one
// process get independent pools, buses, bridges, and memory stores.
package runtime

import (
	"context"
	"fmt"
	"os"
	"time"

	"warden/pkg/bridge"
	"warden/pkg/bus"
	"warden/pkg/circuit"
	"warden/pkg/config"
	"warden/pkg/logx"
	"warden/pkg/memory"
	"warden/pkg/metrics"
	"warden/pkg/policy"
	"warden/pkg/pool"
	"warden/pkg/profile"
)

// Options assemble a Runtime. Spawn is the only required field for
// spawning paths; everything else has a working default.
type Options struct {
	Profiles *profile.Registry
	Policy   *policy.Config
	Spawn    pool.SpawnFunc
	Stop     pool.StopFunc
	Probe    pool.ProbeFunc
	Metrics  *metrics.Recorder

	// Breaker enables per-profile circuit breakers when non-nil.
	Breaker *circuit.Config

	Bus    bus.Config
	Bridge bridge.Config

	// Memory enables cross-session memory when Dir or GraphDSN is set.
	Memory       memory.StoreConfig
	MemoryLimits memory.Limits

	ReapInterval time.Duration
}

// Runtime owns one supervisor's subsystems and their lifecycle.
type Runtime struct {
	Profiles *profile.Registry
	Pool     *pool.Pool
	Bus      *bus.Bus
	Bridge   *bridge.Server
	Memory   *memory.Recorder

	policy *policy.Config
	spawn  pool.SpawnFunc
	reaper *pool.Reaper
	store  memory.Store
	logger *logx.Logger
}

// New builds a stopped Runtime from options.
func New(opts Options) (*Runtime, error) {
	rec := opts.Metrics

	b := bus.New(opts.Bus, rec)

	br, err := bridge.New(b, rec, opts.Bridge)
	if err != nil {
		return nil, err
	}

	p := pool.New(pool.Options{
		Policy:  opts.Policy,
		Probe:   opts.Probe,
		Stop:    opts.Stop,
		Metrics: rec,
		Breaker: opts.Breaker,
	})

	rt := &Runtime{
		Profiles: opts.Profiles,
		Pool:     p,
		Bus:      b,
		Bridge:   br,
		policy:   opts.Policy,
		spawn:    opts.Spawn,
		reaper:   pool.NewReaper(p, opts.ReapInterval),
		logger:   logx.NewLogger("runtime"),
	}

	if opts.Memory.Dir != "" || opts.Memory.GraphDSN != "" {
		store, err := memory.OpenStore(opts.Memory)
		if err != nil {
			return nil, fmt.Errorf("failed to open memory store: %w", err)
		}
		rt.store = store
		rt.Memory = memory.NewRecorder(store, opts.MemoryLimits)
	}

	return rt, nil
}

// Start brings up the bridge and the reaper.
func (r *Runtime) Start() error {
	if err := r.Bridge.Start(); err != nil {
		return err
	}
	if err := r.reaper.Start(); err != nil {
		_ = r.Bridge.Close()
		return err
	}
	r.logger.Info("Runtime started (bridge=%s)", r.Bridge.URL())
	return nil
}

// Stop tears everything down: reaper first so no sweep races the
// shutdown, then the bridge, the workers, and the memory store.
func (r *Runtime) Stop(ctx context.Context) error {
	r.reaper.Stop()

	var firstErr error
	if err := r.Bridge.Close(); err != nil {
		firstErr = err
	}
	if err := r.Pool.StopAll(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.logger.Info("Runtime stopped")
	return firstErr
}

// WorkerEnv builds the callback environment injected into a spawned
// worker process.
func (r *Runtime) WorkerEnv(workerID string) config.BridgeEnv {
	return config.BridgeEnv{
		URL:       r.Bridge.URL(),
		Token:     r.Bridge.Token(),
		WorkerID:  workerID,
		ParentPID: os.Getpid(),
	}
}

// GetOrSpawn hands out a worker for a profile id, spawning on demand.
func (r *Runtime) GetOrSpawn(ctx context.Context, profileID string, opts pool.SpawnOptions) (*pool.WorkerInstance, error) {
	prof, err := r.lookup(profileID)
	if err != nil {
		return nil, err
	}
	return r.Pool.GetOrSpawn(ctx, *prof, opts, r.spawn)
}

// SpawnManually is the operator-initiated spawn path. The manual policy
// gate runs before the spawn function is ever consulted.
func (r *Runtime) SpawnManually(ctx context.Context, profileID string, opts pool.SpawnOptions) (*pool.WorkerInstance, error) {
	if r.policy != nil && !policy.CanSpawnManually(*r.policy, profileID) {
		return nil, policy.RefusalError(profileID, policy.CapManual)
	}

	prof, err := r.lookup(profileID)
	if err != nil {
		return nil, err
	}
	opts.Trigger = pool.TriggerManual
	opts.ForceNew = true
	return r.Pool.GetOrSpawn(ctx, *prof, opts, r.spawn)
}

func (r *Runtime) lookup(profileID string) (*profile.WorkerProfile, error) {
	if r.Profiles == nil {
		return nil, fmt.Errorf("no profile registry configured")
	}
	prof, err := r.Profiles.Get(profileID)
	if err != nil {
		return nil, err
	}
	return prof, nil
}
