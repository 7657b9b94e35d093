package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"time"

	"warden/pkg/config"
	"warden/pkg/pool"
	"warden/pkg/profile"
)

// EnvWorkerPort tells a spawned worker which port to serve on.
const EnvWorkerPort = "WARDEN_WORKER_PORT"

// execSpawner launches worker processes with a shell command, injecting
// the bridge callback environment so the worker can reach back in.
type execSpawner struct {
	command   string
	bridgeEnv func(workerID string) config.BridgeEnv
}

func (s *execSpawner) spawn(ctx context.Context, prof profile.WorkerProfile, opts pool.SpawnOptions) (*pool.WorkerInstance, error) {
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate worker port: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", s.command)
	cmd.Dir = opts.Directory
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	env := append(os.Environ(), s.bridgeEnv(prof.ID).Vars()...)
	env = append(env, fmt.Sprintf("%s=%d", EnvWorkerPort, port))
	for k, v := range prof.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", prof.ID, err)
	}
	// Reap the child when it exits on its own so it never zombies.
	go func() { _ = cmd.Wait() }()

	return &pool.WorkerInstance{
		Profile:   prof,
		Status:    pool.StatusStarting,
		Port:      port,
		PID:       cmd.Process.Pid,
		ServerURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		Directory: opts.Directory,
		StartedAt: time.Now(),
		SessionID: opts.ParentSessionID,
	}, nil
}

// stopWorker sends SIGTERM and lets the process exit on its own time.
func stopWorker(_ context.Context, inst *pool.WorkerInstance) error {
	if inst.PID <= 0 {
		return nil
	}
	proc, err := os.FindProcess(inst.PID)
	if err != nil {
		return nil
	}
	if err := proc.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("failed to signal worker %s (pid=%d): %w", inst.Profile.ID, inst.PID, err)
	}
	return nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address %T", ln.Addr())
	}
	return addr.Port, nil
}
