package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"memograph/internal/config"
	"memograph/internal/models"
)

// workerStub serves the clustering worker's HTTP contract.
func workerStub(t *testing.T, cluster http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.HealthResponse{Status: "ok"})
	})
	mux.HandleFunc("/cluster", cluster)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestManager(baseURL string) *ClusteringServiceManager {
	return NewClusteringServiceManager(ClusteringManagerConfig{
		Provider:    config.ProviderEntry{BaseURL: baseURL},
		HealthTries: 2,
		HealthDelay: 10 * time.Millisecond,
	})
}

func TestClusterMapsWorkerResponse(t *testing.T) {
	srv := workerStub(t, func(w http.ResponseWriter, r *http.Request) {
		var points []models.ClusterPoint
		if err := json.NewDecoder(r.Body).Decode(&points); err != nil {
			t.Fatalf("undecodable cluster request: %v", err)
		}
		if len(points) != 3 {
			t.Errorf("expected 3 points, got %d", len(points))
		}

		json.NewEncoder(w).Encode(models.ClusterResponse{
			Centroids: []models.ClusterCentroid{
				{ID: 0, Center: []float64{1, 1}, Points: []models.ClusterMember{{ID: "m1"}, {ID: "m2"}}},
				{ID: 1, Center: []float64{9, 9}, Points: []models.ClusterMember{{ID: "m3"}}},
				{ID: 2, Center: []float64{5, 5}, Points: []models.ClusterMember{}},
			},
		})
	})

	m := newTestManager(srv.URL)
	results, err := m.Cluster(context.Background(), "user-1",
		[]string{"m1", "m2", "m3"},
		[][]float64{{1, 2}, {1, 1}, {9, 9}})
	if err != nil {
		t.Fatalf("Cluster failed: %v", err)
	}

	// The empty centroid is dropped.
	if len(results) != 2 {
		t.Fatalf("expected 2 clusters, got %d", len(results))
	}
	if len(results[0].MemoryIDs) != 2 || results[0].MemoryIDs[0] != "m1" {
		t.Errorf("unexpected members in first cluster: %v", results[0].MemoryIDs)
	}
	if results[0].ClusterID == results[1].ClusterID {
		t.Error("cluster IDs must be distinct")
	}
	if m.State() != WorkerHealthy {
		t.Errorf("expected healthy state, got %s", m.State())
	}
}

func TestClusterRejectsBadInput(t *testing.T) {
	srv := workerStub(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("worker must not be called for invalid input")
	})
	m := newTestManager(srv.URL)

	tests := []struct {
		name    string
		ids     []string
		vectors [][]float64
	}{
		{"length mismatch", []string{"m1", "m2"}, [][]float64{{1, 2}}},
		{"empty batch", []string{}, [][]float64{}},
		{"non-uniform dimensions", []string{"m1", "m2"}, [][]float64{{1, 2}, {1, 2, 3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Cluster(context.Background(), "user-1", tt.ids, tt.vectors)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestClusterWorkerFailureSurfacesPayload(t *testing.T) {
	srv := workerStub(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "singular matrix"}`, http.StatusInternalServerError)
	})

	m := newTestManager(srv.URL)
	_, err := m.Cluster(context.Background(), "user-1",
		[]string{"m1", "m2"}, [][]float64{{1, 2}, {3, 4}})

	if !errors.Is(err, ErrClusteringFailed) {
		t.Fatalf("expected ErrClusteringFailed, got %v", err)
	}

	var clusterErr *ClusteringError
	if !errors.As(err, &clusterErr) {
		t.Fatal("expected a *ClusteringError")
	}
	if clusterErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", clusterErr.StatusCode)
	}
}

func TestClusterErrorFieldSurfaces(t *testing.T) {
	srv := workerStub(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ClusterResponse{Error: "not enough samples"})
	})

	m := newTestManager(srv.URL)
	_, err := m.Cluster(context.Background(), "user-1",
		[]string{"m1", "m2"}, [][]float64{{1, 2}, {3, 4}})
	if !errors.Is(err, ErrClusteringFailed) {
		t.Errorf("expected ErrClusteringFailed, got %v", err)
	}
}

func TestEnsureRunningUnreachableWithoutCommand(t *testing.T) {
	m := newTestManager("http://127.0.0.1:1") // nothing listens here

	err := m.EnsureRunning(context.Background())
	if !errors.Is(err, ErrClusteringUnavailable) {
		t.Errorf("expected ErrClusteringUnavailable, got %v", err)
	}
	if m.State() != WorkerStopped {
		t.Errorf("expected stopped state, got %s", m.State())
	}
}

func TestEnsureRunningIsIdempotentWhenHealthy(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(models.HealthResponse{Status: "ok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	m := newTestManager(srv.URL)
	for i := 0; i < 3; i++ {
		if err := m.EnsureRunning(context.Background()); err != nil {
			t.Fatalf("EnsureRunning failed: %v", err)
		}
	}
	if m.State() != WorkerHealthy {
		t.Errorf("expected healthy state, got %s", m.State())
	}
	if calls != 3 {
		t.Errorf("expected one probe per call, got %d", calls)
	}
}

func TestStopFromStoppedIsSafe(t *testing.T) {
	m := newTestManager("http://127.0.0.1:1")
	m.Stop()
	m.Stop()
	if m.State() != WorkerStopped {
		t.Errorf("expected stopped state, got %s", m.State())
	}
}
