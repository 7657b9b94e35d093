// Package pool tracks the fleet of out-of-process worker agents: at most
// one instance per profile id, reused while healthy, respawned when dead,
// gated by spawn policy and per-profile circuit breakers.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"warden/pkg/circuit"
	"warden/pkg/logx"
	"warden/pkg/metrics"
	"warden/pkg/policy"
	"warden/pkg/profile"
)

// Status describes a tracked worker's lifecycle state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

// WorkerInstance is one tracked worker process.
type WorkerInstance struct {
	Profile   profile.WorkerProfile
	Status    Status
	Port      int
	PID       int
	ServerURL string
	SessionID string
	Directory string
	StartedAt time.Time
	Error     string
	Warning   string
}

// SpawnOptions tune a single spawn request.
type SpawnOptions struct {
	BasePort        int
	Timeout         time.Duration
	Directory       string
	ForceNew        bool
	ParentSessionID string
	// Trigger selects which policy capability gates this spawn. Zero value
	// is TriggerOnDemand.
	Trigger Trigger
}

// Trigger identifies what initiated a spawn, for policy gating.
type Trigger string

const (
	TriggerAuto     Trigger = "auto"
	TriggerOnDemand Trigger = "on-demand"
	TriggerManual   Trigger = "manual"
	TriggerWarm     Trigger = "warm"
)

func (t Trigger) capability() policy.Capability {
	switch t {
	case TriggerAuto:
		return policy.CapAutoSpawn
	case TriggerManual:
		return policy.CapManual
	case TriggerWarm:
		return policy.CapWarmPool
	default:
		return policy.CapOnDemand
	}
}

// SpawnFunc launches a worker process for a profile. The pool never spawns
// on its own; the launcher is always injected so tests and alternative
// runtimes can substitute it.
type SpawnFunc func(ctx context.Context, prof profile.WorkerProfile, opts SpawnOptions) (*WorkerInstance, error)

// StopFunc terminates a worker process. Optional; when nil, Stop only
// deregisters.
type StopFunc func(ctx context.Context, inst *WorkerInstance) error

// ProbeFunc reports whether a tracked worker is still alive.
type ProbeFunc func(ctx context.Context, inst *WorkerInstance) bool

// Options configure a Pool.
type Options struct {
	Policy  *policy.Config
	Probe   ProbeFunc // defaults to the HTTP probe
	Stop    StopFunc
	Metrics *metrics.Recorder
	// Breaker enables a per-profile circuit breaker with this config when
	// non-nil.
	Breaker *circuit.Config
}

// Pool is the worker registry. All methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	workers  map[string]*WorkerInstance
	breakers map[string]*circuit.Breaker

	group      singleflight.Group
	policy     *policy.Config
	probe      ProbeFunc
	stop       StopFunc
	metrics    *metrics.Recorder
	breakerCfg *circuit.Config
	logger     *logx.Logger
}

// New creates an empty pool.
func New(opts Options) *Pool {
	probe := opts.Probe
	if probe == nil {
		probe = HTTPProbe(DefaultProbeTimeout)
	}
	return &Pool{
		workers:    make(map[string]*WorkerInstance),
		breakers:   make(map[string]*circuit.Breaker),
		policy:     opts.Policy,
		probe:      probe,
		stop:       opts.Stop,
		metrics:    opts.Metrics,
		breakerCfg: opts.Breaker,
		logger:     logx.NewLogger("pool"),
	}
}

// Get returns the tracked instance for a profile id, if any.
func (p *Pool) Get(profileID string) (*WorkerInstance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.workers[profileID]
	if !ok {
		return nil, false
	}
	cp := *inst
	return &cp, true
}

// List returns a snapshot of all tracked instances.
func (p *Pool) List() []*WorkerInstance {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*WorkerInstance, 0, len(p.workers))
	for _, inst := range p.workers {
		cp := *inst
		out = append(out, &cp)
	}
	return out
}

// Register tracks an externally started worker, replacing any existing
// entry for the same profile id.
func (p *Pool) Register(inst *WorkerInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.workers[inst.Profile.ID] = inst
	p.logger.Debug("Registered worker %s (pid=%d url=%s)", inst.Profile.ID, inst.PID, inst.ServerURL)
}

// GetOrSpawn returns a healthy worker for the profile, reusing the tracked
// instance when its model matches exactly and it answers the liveness
// probe, otherwise spawning a fresh one through spawnFn. Concurrent calls
// for the same profile id coalesce into a single spawn; distinct ids
// proceed in parallel. Spawn errors from spawnFn propagate unmodified.
func (p *Pool) GetOrSpawn(ctx context.Context, prof profile.WorkerProfile, opts SpawnOptions, spawnFn SpawnFunc) (*WorkerInstance, error) {
	if spawnFn == nil {
		return nil, fmt.Errorf("spawn function is required")
	}

	v, err, _ := p.group.Do(prof.ID, func() (any, error) {
		return p.getOrSpawnLocked(ctx, prof, opts, spawnFn)
	})
	if err != nil {
		return nil, err
	}
	inst, ok := v.(*WorkerInstance)
	if !ok {
		return nil, fmt.Errorf("unexpected singleflight result %T", v)
	}
	return inst, nil
}

func (p *Pool) getOrSpawnLocked(ctx context.Context, prof profile.WorkerProfile, opts SpawnOptions, spawnFn SpawnFunc) (*WorkerInstance, error) {
	if !opts.ForceNew {
		if inst := p.reusable(ctx, prof); inst != nil {
			p.metrics.ObserveSpawn(prof.ID, metrics.OutcomeReused)
			return inst, nil
		}
	}

	if err := p.gate(prof.ID, opts.Trigger); err != nil {
		p.metrics.ObserveSpawn(prof.ID, metrics.OutcomeRefused)
		return nil, err
	}

	breaker := p.breakerFor(prof.ID)
	if breaker != nil && !breaker.Allow() {
		p.metrics.ObserveSpawn(prof.ID, metrics.OutcomeRefused)
		p.observeBreaker(prof.ID, breaker)
		return nil, fmt.Errorf("spawning profile %s is suspended: %w", prof.ID, &circuit.Error{State: breaker.GetState()})
	}

	// A configured timeout bounds the whole spawn so an unreachable worker
	// fails instead of hanging the single-flight slot.
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	inst, err := spawnFn(ctx, prof, opts)
	if err != nil {
		if breaker != nil {
			breaker.RecordFailure()
			p.observeBreaker(prof.ID, breaker)
		}
		p.metrics.ObserveSpawn(prof.ID, metrics.OutcomeFailed)
		return nil, err
	}
	if breaker != nil {
		breaker.RecordSuccess()
		p.observeBreaker(prof.ID, breaker)
	}

	p.Register(inst)
	p.metrics.ObserveSpawn(prof.ID, metrics.OutcomeSpawned)
	p.logger.Info("Spawned worker %s (pid=%d)", prof.ID, inst.PID)
	return inst, nil
}

// reusable returns the tracked instance when it is safe to hand out again.
func (p *Pool) reusable(ctx context.Context, prof profile.WorkerProfile) *WorkerInstance {
	if p.policy != nil && !policy.CanReuseExisting(*p.policy, prof.ID) {
		return nil
	}

	p.mu.Lock()
	inst, ok := p.workers[prof.ID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	if inst.Status == StatusStopped || inst.Status == StatusError {
		return nil
	}
	// A model change means the tracked process is running the wrong model.
	if inst.Profile.Model != prof.Model {
		p.logger.Debug("Worker %s model changed (%s -> %s), respawning", prof.ID, inst.Profile.Model, prof.Model)
		p.remove(prof.ID)
		return nil
	}
	if !p.probe(ctx, inst) {
		p.logger.Info("Worker %s failed liveness probe, respawning", prof.ID)
		p.remove(prof.ID)
		return nil
	}

	cp := *inst
	return &cp
}

func (p *Pool) gate(profileID string, trigger Trigger) error {
	if p.policy == nil {
		return nil
	}
	capability := trigger.capability()
	resolved := policy.Resolve(*p.policy, profileID)

	allowed := true
	switch capability {
	case policy.CapAutoSpawn:
		allowed = resolved.AutoSpawn
	case policy.CapManual:
		allowed = resolved.AllowManual
	case policy.CapWarmPool:
		allowed = resolved.WarmPool
	case policy.CapOnDemand:
		allowed = resolved.OnDemand
	}
	if !allowed {
		return policy.RefusalError(profileID, capability)
	}
	return nil
}

func (p *Pool) breakerFor(profileID string) *circuit.Breaker {
	if p.breakerCfg == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.breakers[profileID]
	if !ok {
		b = circuit.New(*p.breakerCfg)
		p.breakers[profileID] = b
	}
	return b
}

func (p *Pool) observeBreaker(profileID string, b *circuit.Breaker) {
	p.metrics.ObserveCircuitState(profileID, int(b.GetState()))
}

// remove drops the registry entry without touching the process.
func (p *Pool) remove(profileID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.workers, profileID)
}

// Stop terminates and deregisters a worker. The registry entry is removed
// even when termination fails, so a wedged process can never block a
// respawn.
func (p *Pool) Stop(ctx context.Context, profileID string) error {
	p.mu.Lock()
	inst, ok := p.workers[profileID]
	delete(p.workers, profileID)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	inst.Status = StatusStopped

	if p.stop == nil {
		return nil
	}
	if err := p.stop(ctx, inst); err != nil {
		return fmt.Errorf("failed to stop worker %s: %w", profileID, err)
	}
	p.logger.Info("Stopped worker %s (pid=%d)", profileID, inst.PID)
	return nil
}

// StopAll stops every tracked worker, collecting the first error but
// always clearing the registry.
func (p *Pool) StopAll(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.workers))
	for id := range p.workers {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := p.Stop(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Reap probes every tracked worker and deregisters the dead ones,
// returning the surviving instances.
func (p *Pool) Reap(ctx context.Context) []*WorkerInstance {
	reaped := 0
	for _, inst := range p.List() {
		if p.probe(ctx, inst) {
			continue
		}
		p.logger.Info("Reaping dead worker %s (pid=%d)", inst.Profile.ID, inst.PID)
		p.remove(inst.Profile.ID)
		reaped++
	}
	if reaped > 0 {
		p.metrics.ObserveReaped(reaped)
	}
	return p.List()
}
