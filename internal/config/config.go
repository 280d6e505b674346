package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	Port     string
	MongoURI string
	RedisURL string // optional; enables cross-instance cache invalidation

	// Embedding pipeline
	EmbeddingDimensions int           // canonical vector dimension D
	EmbeddingTimeout    time.Duration // per embed call
	EmbeddingMaxChars   int           // input truncation budget

	// Clustering worker
	ClusteringTimeout     time.Duration // per cluster call
	ClusteringHealthTries int           // health poll attempts after spawn
	ClusteringHealthDelay time.Duration // delay between health polls

	// Cluster cache
	CacheTTL time.Duration

	// Backfill
	BackfillBatchSize      int
	BackfillItemDelay      time.Duration
	BackfillBatchDelay     time.Duration
	BackfillMaxRetries     int
	BackfillEmptyPolls     int    // consecutive empty discovery polls before a run stops
	BackfillCronExpression string // "" disables the scheduled job

	ProvidersFile string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "3001"),
		MongoURI: getEnv("MONGODB_URI", "mongodb://localhost:27017/memograph"),
		RedisURL: getEnv("REDIS_URL", ""),

		EmbeddingDimensions: getIntEnv("EMBEDDING_DIMENSIONS", 3072),
		EmbeddingTimeout:    getDurationEnv("EMBEDDING_TIMEOUT", 30*time.Second),
		EmbeddingMaxChars:   getIntEnv("EMBEDDING_MAX_CHARS", 8000),

		ClusteringTimeout:     getDurationEnv("CLUSTERING_TIMEOUT", 90*time.Second),
		ClusteringHealthTries: getIntEnv("CLUSTERING_HEALTH_TRIES", 5),
		ClusteringHealthDelay: getDurationEnv("CLUSTERING_HEALTH_DELAY", 1*time.Second),

		CacheTTL: getDurationEnv("CLUSTER_CACHE_TTL", 6*time.Hour),

		BackfillBatchSize:      getIntEnv("BACKFILL_BATCH_SIZE", 5),
		BackfillItemDelay:      getDurationEnv("BACKFILL_ITEM_DELAY", 2*time.Second),
		BackfillBatchDelay:     getDurationEnv("BACKFILL_BATCH_DELAY", 10*time.Second),
		BackfillMaxRetries:     getIntEnv("BACKFILL_MAX_RETRIES", 3),
		BackfillEmptyPolls:     getIntEnv("BACKFILL_EMPTY_POLLS", 3),
		BackfillCronExpression: getEnv("BACKFILL_CRON", ""),

		ProvidersFile: getEnv("PROVIDERS_FILE", "providers.yaml"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
