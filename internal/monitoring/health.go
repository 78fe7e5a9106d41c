package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// PoolStatusFunc supplies the endpoint health snapshot for /healthz without
// making this package depend on the pool.
type PoolStatusFunc func() any

// HealthServer serves /healthz (JSON liveness report) and /metrics
// (Prometheus). It is optional; the listener runs headless when no address
// is configured.
type HealthServer struct {
	server     *http.Server
	log        zerolog.Logger
	startedAt  time.Time
	poolStatus PoolStatusFunc
	proc       *process.Process
}

// healthResponse is the /healthz payload.
type healthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryRSSMB   float64 `json:"memoryRssMb"`
	Endpoints     any     `json:"endpoints"`
}

// NewHealthServer builds the server; Start actually binds the listener.
func NewHealthServer(addr string, poolStatus PoolStatusFunc, log zerolog.Logger) *HealthServer {
	hs := &HealthServer{
		log:        log.With().Str("component", "health").Logger(),
		startedAt:  time.Now(),
		poolStatus: poolStatus,
	}

	// Process handle for CPU/RSS readings; nil-tolerant on exotic platforms.
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		hs.proc = proc
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	hs.server = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return hs
}

// Start serves in a background goroutine until Shutdown.
func (hs *HealthServer) Start() {
	go func() {
		hs.log.Info().Str("addr", hs.server.Addr).Msg("health server listening")
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			hs.log.Error().Err(err).Msg("health server stopped")
		}
	}()
}

// Shutdown stops the HTTP server gracefully.
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	return hs.server.Shutdown(ctx)
}

func (hs *HealthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(hs.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
	}
	if hs.poolStatus != nil {
		resp.Endpoints = hs.poolStatus()
	}
	if hs.proc != nil {
		// CPUPercent(0) returns usage since the previous call, which is
		// exactly what a scrape cadence wants.
		if cpu, err := hs.proc.Percent(0); err == nil {
			resp.CPUPercent = cpu
		}
		if mi, err := hs.proc.MemoryInfo(); err == nil && mi != nil {
			resp.MemoryRSSMB = float64(mi.RSS) / (1024 * 1024)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		hs.log.Debug().Err(err).Msg("healthz encode failed")
	}
}
