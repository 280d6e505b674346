package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"memograph/internal/config"
	"memograph/internal/models"

	"github.com/google/uuid"
)

// WorkerState is the clustering worker lifecycle state.
type WorkerState string

const (
	WorkerStopped  WorkerState = "stopped"
	WorkerStarting WorkerState = "starting"
	WorkerHealthy  WorkerState = "healthy"
	WorkerDegraded WorkerState = "degraded"
)

// ClusteringServiceManager owns the external clustering worker process:
// spawn, health check, cluster RPC, shutdown. It is an injected object,
// not module-level state; one instance guards one worker.
//
// If the worker exits unexpectedly the manager transitions to Stopped and
// the next EnsureRunning restarts it. There is deliberately no background
// restart loop; a crashing worker should not become a restart storm.
type ClusteringServiceManager struct {
	provider    config.ProviderEntry
	healthTries int
	healthDelay time.Duration

	clusterClient *http.Client // generous timeout, clustering is CPU-heavy
	healthClient  *http.Client
	metrics       *Metrics

	mu    sync.Mutex // single coordination point for spawn/stop/state
	state WorkerState
	proc  *exec.Cmd
	gen   int // spawn generation, distinguishes expected exits
}

// ClusteringManagerConfig holds construction parameters.
type ClusteringManagerConfig struct {
	Provider    config.ProviderEntry
	Timeout     time.Duration // per cluster call, >= 60s recommended
	HealthTries int
	HealthDelay time.Duration
	Metrics     *Metrics // optional
}

// NewClusteringServiceManager creates a manager in the Stopped state.
func NewClusteringServiceManager(cfg ClusteringManagerConfig) *ClusteringServiceManager {
	timeout := cfg.Timeout
	if timeout < 60*time.Second {
		timeout = 90 * time.Second
	}
	tries := cfg.HealthTries
	if tries <= 0 {
		tries = 5
	}
	delay := cfg.HealthDelay
	if delay <= 0 {
		delay = 1 * time.Second
	}

	return &ClusteringServiceManager{
		provider:      cfg.Provider,
		healthTries:   tries,
		healthDelay:   delay,
		clusterClient: &http.Client{Timeout: timeout},
		healthClient:  &http.Client{Timeout: 3 * time.Second},
		metrics:       cfg.Metrics,
		state:         WorkerStopped,
	}
}

// State returns the current lifecycle state.
func (m *ClusteringServiceManager) State() WorkerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Start spawns the worker if not already healthy and polls its health
// endpoint until it responds or the attempt budget runs out. On
// exhaustion the process is reaped and the manager stays Stopped.
func (m *ClusteringServiceManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

// EnsureRunning is the idempotent entry point: health check first, spawn
// only if unhealthy. Safe under concurrent callers; the mutex is the
// single coordination point, so the worker is never double-spawned.
func (m *ClusteringServiceManager) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.checkHealth(ctx) {
		m.state = WorkerHealthy
		return nil
	}
	return m.startLocked(ctx)
}

// startLocked spawns and health-polls. Callers hold m.mu.
func (m *ClusteringServiceManager) startLocked(ctx context.Context) error {
	if m.state == WorkerHealthy && m.checkHealth(ctx) {
		return nil
	}

	if m.provider.Command == "" {
		// Externally managed worker: nothing to spawn, report reachability.
		if m.checkHealth(ctx) {
			m.state = WorkerHealthy
			return nil
		}
		m.state = WorkerStopped
		return fmt.Errorf("%w: no worker at %s and no spawn command configured", ErrClusteringUnavailable, m.provider.BaseURL)
	}

	m.state = WorkerStarting
	m.reapLocked()

	log.Printf("🚀 [CLUSTERING] Starting worker: %s %s", m.provider.Command, strings.Join(m.provider.Args, " "))
	cmd := exec.Command(m.provider.Command, m.provider.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		m.state = WorkerStopped
		return fmt.Errorf("%w: failed to spawn worker: %v", ErrClusteringUnavailable, err)
	}

	m.proc = cmd
	m.gen++
	gen := m.gen
	if m.metrics != nil {
		m.metrics.WorkerRestarts.Inc()
	}

	// Reap the process and mark the manager Stopped on unexpected exit.
	go func() {
		err := cmd.Wait()
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.gen != gen {
			return // a newer spawn superseded this one
		}
		log.Printf("⚠️ [CLUSTERING] Worker exited (err=%v); will restart on next EnsureRunning", err)
		m.proc = nil
		m.state = WorkerStopped
	}()

	for attempt := 1; attempt <= m.healthTries; attempt++ {
		if m.checkHealth(ctx) {
			m.state = WorkerHealthy
			log.Printf("✅ [CLUSTERING] Worker healthy after %d attempt(s)", attempt)
			return nil
		}

		log.Printf("⏳ [CLUSTERING] Waiting for worker health (%d/%d)...", attempt, m.healthTries)
		select {
		case <-time.After(m.healthDelay):
		case <-ctx.Done():
			m.reapLocked()
			m.state = WorkerStopped
			return fmt.Errorf("%w: cancelled while waiting for worker: %v", ErrClusteringUnavailable, ctx.Err())
		}
	}

	m.reapLocked()
	m.state = WorkerStopped
	return fmt.Errorf("%w: worker failed health check after %d attempts", ErrClusteringUnavailable, m.healthTries)
}

// checkHealth performs one bounded GET /health probe.
func (m *ClusteringServiceManager) checkHealth(ctx context.Context) bool {
	url := strings.TrimSuffix(m.provider.BaseURL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := m.healthClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var payload models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false
	}
	return payload.Status == "" || payload.Status == "ok" || payload.Status == "healthy"
}

// Cluster sends one batch of vectors to the worker and maps the response
// into ClusterResults. Input shape problems fail fast with ErrInvalidInput;
// worker failures surface as ErrClusteringFailed with the worker's payload
// attached, never as partial results.
func (m *ClusteringServiceManager) Cluster(ctx context.Context, userID string, memoryIDs []string, vectors [][]float64) ([]models.ClusterResult, error) {
	if len(memoryIDs) != len(vectors) {
		return nil, fmt.Errorf("%w: %d ids for %d vectors", ErrInvalidInput, len(memoryIDs), len(vectors))
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, expected %d", ErrInvalidInput, i, len(v), dim)
		}
	}

	if err := m.EnsureRunning(ctx); err != nil {
		return nil, err
	}

	points := make([]models.ClusterPoint, len(memoryIDs))
	for i, id := range memoryIDs {
		points[i] = models.ClusterPoint{ID: id, Vector: vectors[i]}
	}

	reqJSON, err := json.Marshal(points)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cluster request: %w", err)
	}

	url := strings.TrimSuffix(m.provider.BaseURL, "/") + "/cluster"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	log.Printf("📤 [CLUSTERING] Sending %d vectors for user %s", len(points), userID)

	resp, err := m.clusterClient.Do(req)
	if err != nil {
		m.markDegraded()
		if m.metrics != nil {
			m.metrics.ClusteringRuns.WithLabelValues("failed").Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrClusteringUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if m.metrics != nil {
			m.metrics.ClusteringRuns.WithLabelValues("failed").Inc()
		}
		return nil, &ClusteringError{StatusCode: resp.StatusCode, Payload: string(body)}
	}

	var payload models.ClusterResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		if m.metrics != nil {
			m.metrics.ClusteringRuns.WithLabelValues("failed").Inc()
		}
		return nil, &ClusteringError{Payload: fmt.Sprintf("undecodable response: %v", err)}
	}
	if payload.Error != "" {
		if m.metrics != nil {
			m.metrics.ClusteringRuns.WithLabelValues("failed").Inc()
		}
		return nil, &ClusteringError{Payload: payload.Error}
	}

	// Cluster IDs are stable within this run only; prefix them with a run
	// token so IDs from different runs never collide downstream.
	runID := uuid.New().String()[:8]
	results := make([]models.ClusterResult, 0, len(payload.Centroids))
	for _, centroid := range payload.Centroids {
		if len(centroid.Points) == 0 {
			continue // empty clusters carry no information
		}
		ids := make([]string, len(centroid.Points))
		for i, p := range centroid.Points {
			ids[i] = p.ID
		}
		results = append(results, models.ClusterResult{
			ClusterID: fmt.Sprintf("%s-%d", runID, centroid.ID),
			Centroid:  centroid.Center,
			MemoryIDs: ids,
		})
	}

	if m.metrics != nil {
		m.metrics.ClusteringRuns.WithLabelValues("success").Inc()
		m.metrics.ClusteringLatency.Observe(time.Since(start).Seconds())
	}
	log.Printf("✅ [CLUSTERING] Got %d clusters for user %s in %v", len(results), userID, time.Since(start).Round(time.Millisecond))

	return results, nil
}

// markDegraded flags a reachable-but-misbehaving worker.
func (m *ClusteringServiceManager) markDegraded() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == WorkerHealthy {
		m.state = WorkerDegraded
	}
}

// Stop terminates the worker process. Safe to call when already stopped.
func (m *ClusteringServiceManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc == nil {
		m.state = WorkerStopped
		return
	}

	log.Printf("⏹️ [CLUSTERING] Stopping worker (pid %d)", m.proc.Process.Pid)
	m.gen++ // mark any in-flight Wait as expected
	m.reapLocked()
	m.state = WorkerStopped
}

// reapLocked kills the current process if any. Callers hold m.mu.
func (m *ClusteringServiceManager) reapLocked() {
	if m.proc != nil && m.proc.Process != nil {
		_ = m.proc.Process.Kill()
	}
	m.proc = nil
}
