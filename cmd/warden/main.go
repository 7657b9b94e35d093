// Command warden supervises a fleet of out-of-process worker agents: it
// spawns them from profiles, brokers their messages back to the
// coordinator, and keeps bounded cross-session memory.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/yaml.v3"

	"warden/internal/runtime"
	"warden/pkg/config"
	"warden/pkg/logx"
	"warden/pkg/metrics"
	"warden/pkg/policy"
	"warden/pkg/profile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "warden: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	profilesPath := flag.String("profiles", "", "path to the worker profiles YAML document (required)")
	policyPath := flag.String("policy", "", "path to the spawn policy YAML document")
	workerCmd := flag.String("worker-cmd", "", "shell command that starts one worker process (required)")
	metricsAddr := flag.String("metrics-addr", "", "address for the Prometheus /metrics endpoint (disabled when empty)")
	flag.Parse()

	if *profilesPath == "" || *workerCmd == "" {
		flag.Usage()
		return fmt.Errorf("-profiles and -worker-cmd are required")
	}

	logger := logx.NewLogger("warden")

	profilesData, err := os.ReadFile(*profilesPath)
	if err != nil {
		return fmt.Errorf("failed to read profiles: %w", err)
	}
	registry, err := profile.LoadProfiles(profilesData)
	if err != nil {
		return err
	}

	var pol *policy.Config
	if *policyPath != "" {
		data, err := os.ReadFile(*policyPath)
		if err != nil {
			return fmt.Errorf("failed to read spawn policy: %w", err)
		}
		var cfg policy.Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse spawn policy: %w", err)
		}
		pol = &cfg
	}

	recorder := metrics.NewRecorder()
	breakerCfg := config.BreakerFromEnv()
	memStore, memLimits := config.MemoryFromEnv()

	spawner := &execSpawner{command: *workerCmd}

	rt, err := runtime.New(runtime.Options{
		Profiles:     registry,
		Policy:       pol,
		Spawn:        spawner.spawn,
		Stop:         stopWorker,
		Metrics:      recorder,
		Breaker:      &breakerCfg,
		Bus:          config.BusFromEnv(),
		Memory:       memStore,
		MemoryLimits: memLimits,
		ReapInterval: config.ReapIntervalFromEnv(),
	})
	if err != nil {
		return err
	}
	spawner.bridgeEnv = rt.WorkerEnv

	if err := rt.Start(); err != nil {
		return err
	}
	logger.Info("Supervising %d profile(s), bridge at %s", len(registry.IDs()), rt.Bridge.URL())

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, logger)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return rt.Stop(shutdownCtx)
}

func serveMetrics(addr string, logger *logx.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	logger.Info("Metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Warn("Metrics server stopped: %v", err)
	}
}
