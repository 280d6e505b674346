package services

import (
	"context"
	"sync"
	"time"

	"memograph/internal/models"
)

// stubStore is an in-memory MemoryStore for tests.
type stubStore struct {
	mu         sync.Mutex
	memories   map[string]models.Memory
	embeddings map[string]models.Embedding
	keywords   map[string][]string
	cache      map[string]models.ClusterCacheEntry
	stale      map[string]bool // embeddings written under an old dimension

	upsertCalls  int
	summaryCalls int

	discoverErr error
	upsertErr   error
	replaceErr  error
}

func newStubStore() *stubStore {
	return &stubStore{
		memories:   make(map[string]models.Memory),
		embeddings: make(map[string]models.Embedding),
		keywords:   make(map[string][]string),
		cache:      make(map[string]models.ClusterCacheEntry),
		stale:      make(map[string]bool),
	}
}

func (s *stubStore) addMemory(mem models.Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[mem.ID] = mem
}

func (s *stubStore) addEmbedding(emb models.Embedding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[emb.MemoryID] = emb
}

func (s *stubStore) GetMemoriesWithoutEmbedding(ctx context.Context, limit int) ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discoverErr != nil {
		return nil, s.discoverErr
	}

	var pending []models.Memory
	for id, mem := range s.memories {
		if _, ok := s.embeddings[id]; !ok || s.stale[id] {
			pending = append(pending, mem)
		}
	}
	// Deterministic order for assertions.
	for i := 0; i < len(pending); i++ {
		for j := i + 1; j < len(pending); j++ {
			if pending[j].ID < pending[i].ID {
				pending[i], pending[j] = pending[j], pending[i]
			}
		}
	}
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func (s *stubStore) GetEmbedding(ctx context.Context, memoryID string) (*models.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if emb, ok := s.embeddings[memoryID]; ok {
		out := emb
		return &out, nil
	}
	return nil, nil
}

func (s *stubStore) UpsertEmbedding(ctx context.Context, memoryID, userID string, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.embeddings[memoryID] = models.Embedding{
		MemoryID:   memoryID,
		UserID:     userID,
		Vector:     vec,
		Dimensions: len(vec),
		CreatedAt:  time.Now(),
	}
	delete(s.stale, memoryID)
	return nil
}

func (s *stubStore) GetMemoriesByUser(ctx context.Context, userID string) ([]models.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Memory
	for _, mem := range s.memories {
		if mem.UserID == userID {
			out = append(out, mem)
		}
	}
	return out, nil
}

func (s *stubStore) GetEmbeddingsByUser(ctx context.Context, userID string) ([]models.Embedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Embedding
	for _, emb := range s.embeddings {
		if emb.UserID == userID {
			out = append(out, emb)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].MemoryID < out[i].MemoryID {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *stubStore) GetKeywords(ctx context.Context, memoryID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keywords[memoryID], nil
}

func (s *stubStore) SetMemorySummary(ctx context.Context, memoryID, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaryCalls++
	mem := s.memories[memoryID]
	if mem.Summary == "" {
		mem.Summary = summary
		s.memories[memoryID] = mem
	}
	return nil
}

func (s *stubStore) GetClusterCacheEntry(ctx context.Context, userID string) (*models.ClusterCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.cache[userID]; ok {
		out := entry
		return &out, nil
	}
	return nil, nil
}

func (s *stubStore) ReplaceClusterCacheEntry(ctx context.Context, entry *models.ClusterCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replaceErr != nil {
		return s.replaceErr
	}
	s.cache[entry.UserID] = *entry
	return nil
}

func (s *stubStore) DeleteClusterCacheEntry(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, userID)
	return nil
}
