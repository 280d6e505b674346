package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"memograph/internal/logging"
	"memograph/internal/models"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Embedder is the embedding dependency of the coordinator; implemented by
// EmbeddingClient and stubbed in tests.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// CacheInvalidator lets the coordinator evict cluster caches for users
// whose embeddings changed during a run.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, userID string) error
}

// BackfillReport summarizes one completed run.
type BackfillReport struct {
	RunID          string        `json:"run_id"`
	SuccessCount   int           `json:"success_count"`
	FailCount      int           `json:"fail_count"`
	TotalCount     int           `json:"total_count"`
	RepairedCount  int           `json:"repaired_count"` // stale-dimension regenerations
	SummariesAdded int           `json:"summaries_added"`
	Elapsed        time.Duration `json:"-"`
	ElapsedMs      int64         `json:"elapsed_ms"`
	FailedIDs      []string      `json:"failed_ids,omitempty"`
}

// BackfillOptions tunes one run; zero values fall back to configuration.
type BackfillOptions struct {
	BatchSize  int
	MaxBatches int // 0 = unbounded, run until discovery stays empty
}

// BackfillCoordinator reconciles memories lacking an embedding (or
// carrying a stale-dimension one) down to zero, in small rate-limited
// batches so the interactive system and the upstream provider are never
// swamped. One bad item is recorded and skipped, never fatal to the run.
type BackfillCoordinator struct {
	store      MemoryStore
	embedder   Embedder
	cache      CacheInvalidator
	metrics    *Metrics
	limiter    *rate.Limiter // paces individual embed calls
	batchSize  int
	batchDelay time.Duration
	maxRetries int
	emptyPolls int

	running atomic.Bool
}

// BackfillConfig holds construction parameters.
type BackfillConfig struct {
	Store      MemoryStore
	Embedder   Embedder
	Cache      CacheInvalidator // optional
	Metrics    *Metrics         // optional
	BatchSize  int
	ItemDelay  time.Duration // minimum spacing between embed calls
	BatchDelay time.Duration
	MaxRetries int
	EmptyPolls int // consecutive empty discoveries before the run stops
}

// NewBackfillCoordinator creates a coordinator.
func NewBackfillCoordinator(cfg BackfillConfig) *BackfillCoordinator {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 5
	}
	itemDelay := cfg.ItemDelay
	if itemDelay <= 0 {
		itemDelay = 2 * time.Second
	}
	batchDelay := cfg.BatchDelay
	if batchDelay <= 0 {
		batchDelay = 10 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	emptyPolls := cfg.EmptyPolls
	if emptyPolls <= 0 {
		emptyPolls = 3
	}

	return &BackfillCoordinator{
		store:      cfg.Store,
		embedder:   cfg.Embedder,
		cache:      cfg.Cache,
		metrics:    cfg.Metrics,
		limiter:    rate.NewLimiter(rate.Every(itemDelay), 1),
		batchSize:  batchSize,
		batchDelay: batchDelay,
		maxRetries: maxRetries,
		emptyPolls: emptyPolls,
	}
}

// Running reports whether a run is currently in flight.
func (b *BackfillCoordinator) Running() bool {
	return b.running.Load()
}

// Run executes one backfill run. Overlapping runs are refused with
// ErrBackfillRunning: item upserts are idempotent, but two runs would
// double the external-call volume for nothing.
func (b *BackfillCoordinator) Run(ctx context.Context, opts BackfillOptions) (*BackfillReport, error) {
	if !b.running.CompareAndSwap(false, true) {
		return nil, ErrBackfillRunning
	}
	defer b.running.Store(false)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = b.batchSize
	}

	report := &BackfillReport{RunID: uuid.New().String()}
	start := time.Now()
	emptyStreak := 0
	batches := 0
	touchedUsers := map[string]bool{}
	failed := map[string]bool{}

	log.Printf("🏁 [BACKFILL] Run %s started (batch size %d)", report.RunID, batchSize)

	for {
		if err := ctx.Err(); err != nil {
			log.Printf("⚠️ [BACKFILL] Run %s cancelled: %v", report.RunID, err)
			break
		}
		if opts.MaxBatches > 0 && batches >= opts.MaxBatches {
			break
		}

		// Over-fetch by the failure count so items that already exhausted
		// their retries cannot crowd everything else out of the batch.
		discovered, err := b.store.GetMemoriesWithoutEmbedding(ctx, batchSize+len(failed))
		if err != nil {
			return nil, fmt.Errorf("backfill discovery failed: %w", err)
		}

		// Failed items stay pending in the store; skip them for the rest
		// of this run so it can still terminate.
		pending := discovered[:0]
		for _, memory := range discovered {
			if !failed[memory.ID] {
				pending = append(pending, memory)
			}
		}
		if len(pending) > batchSize {
			pending = pending[:batchSize]
		}

		if len(pending) == 0 {
			emptyStreak++
			if emptyStreak >= b.emptyPolls {
				break
			}
			if !sleepCtx(ctx, b.batchDelay) {
				break
			}
			continue
		}
		emptyStreak = 0
		batches++

		for _, memory := range pending {
			if err := b.limiter.Wait(ctx); err != nil {
				break
			}
			b.processItem(ctx, memory, report, touchedUsers, failed)
		}

		if !sleepCtx(ctx, b.batchDelay) {
			break
		}
	}

	// Evict once per touched user, after the work, not per item.
	if b.cache != nil {
		for userID := range touchedUsers {
			if err := b.cache.Invalidate(ctx, userID); err != nil {
				log.Printf("⚠️ [BACKFILL] Cache invalidation failed for user %s: %v", userID, err)
			}
		}
	}

	report.Elapsed = time.Since(start)
	report.ElapsedMs = report.Elapsed.Milliseconds()
	logging.WithBackfillRun(report.RunID).Info("backfill run complete",
		"success", report.SuccessCount,
		"failed", report.FailCount,
		"total", report.TotalCount,
		"repaired", report.RepairedCount,
		"summaries", report.SummariesAdded,
		"elapsed_ms", report.ElapsedMs,
	)
	log.Printf("✅ [BACKFILL] Run %s finished: %d ok, %d failed, %d total in %v",
		report.RunID, report.SuccessCount, report.FailCount, report.TotalCount,
		report.Elapsed.Round(time.Millisecond))

	return report, nil
}

// processItem embeds one memory with bounded retries and records the outcome.
func (b *BackfillCoordinator) processItem(ctx context.Context, memory models.Memory, report *BackfillReport, touchedUsers, failed map[string]bool) {
	report.TotalCount++

	// A pre-existing row here means a stale-dimension repair, not a fresh
	// embedding; worth separate accounting.
	existing, err := b.store.GetEmbedding(ctx, memory.ID)
	if err != nil {
		log.Printf("⚠️ [BACKFILL] Embedding lookup failed for memory %s: %v", memory.ID, err)
	}
	repair := existing != nil

	vec, err := b.embedWithRetry(ctx, memory.Content)
	if err != nil {
		report.FailCount++
		report.FailedIDs = append(report.FailedIDs, memory.ID)
		failed[memory.ID] = true
		if b.metrics != nil {
			b.metrics.BackfillItems.WithLabelValues("failed").Inc()
		}
		log.Printf("❌ [BACKFILL] Memory %s failed after %d retries: %v", memory.ID, b.maxRetries, err)
		return
	}

	if err := b.store.UpsertEmbedding(ctx, memory.ID, memory.UserID, vec); err != nil {
		report.FailCount++
		report.FailedIDs = append(report.FailedIDs, memory.ID)
		failed[memory.ID] = true
		if b.metrics != nil {
			b.metrics.BackfillItems.WithLabelValues("failed").Inc()
		}
		log.Printf("❌ [BACKFILL] Upsert failed for memory %s: %v", memory.ID, err)
		return
	}

	report.SuccessCount++
	if repair {
		report.RepairedCount++
	}
	touchedUsers[memory.UserID] = true
	if b.metrics != nil {
		b.metrics.BackfillItems.WithLabelValues("success").Inc()
	}

	// Opportunistic summary backfill while the row is in hand.
	if memory.Summary == "" && memory.Content != "" {
		if err := b.store.SetMemorySummary(ctx, memory.ID, summarize(memory.Content)); err != nil {
			log.Printf("⚠️ [BACKFILL] Summary write failed for memory %s: %v", memory.ID, err)
		} else {
			report.SummariesAdded++
		}
	}
}

// embedWithRetry wraps Embed with a bounded exponential-backoff loop.
// An explicit loop, not recursion: the retry policy stays testable and
// can never grow the stack.
func (b *BackfillCoordinator) embedWithRetry(ctx context.Context, content string) ([]float64, error) {
	var lastErr error
	for attempt := 0; attempt <= b.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Printf("🔁 [BACKFILL] Retry %d/%d after %v", attempt, b.maxRetries, backoff)
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
		}

		vec, err := b.embedder.Embed(ctx, content)
		if err == nil {
			return vec, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// summarize derives a one-line summary: the first sentence, capped.
func summarize(content string) string {
	collapsed := strings.Join(strings.Fields(content), " ")
	for _, sep := range []string{". ", "! ", "? "} {
		if idx := strings.Index(collapsed, sep); idx > 0 && idx < 160 {
			return collapsed[:idx+1]
		}
	}
	if len(collapsed) > 160 {
		return truncateText(collapsed, 157) + "..."
	}
	return collapsed
}

// sleepCtx sleeps unless the context ends first; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
