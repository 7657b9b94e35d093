package pool

import (
	"context"
	"net/http"
	"time"
)

// DefaultProbeTimeout bounds a single liveness check.
const DefaultProbeTimeout = 2 * time.Second

// HTTPProbe returns a ProbeFunc that GETs the worker's server URL with a
// bounded timeout. Any transport error or non-2xx response means dead. A
// worker without a server URL cannot be probed and is treated as dead.
func HTTPProbe(timeout time.Duration) ProbeFunc {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	client := &http.Client{Timeout: timeout}

	return func(ctx context.Context, inst *WorkerInstance) bool {
		if inst.ServerURL == "" {
			return false
		}

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, inst.ServerURL, nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		return resp.StatusCode >= 200 && resp.StatusCode < 300
	}
}
