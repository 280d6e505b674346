package models

import (
	"time"
)

// Memory is one stored conversation excerpt. Memories are created by the
// chat subsystem and are read-only to the pipeline, except for summary
// backfill on rows that never received one.
type Memory struct {
	ID        string    `bson:"_id" json:"id"` // time-ordered ObjectID hex, immutable
	UserID    string    `bson:"userId" json:"user_id"`
	Content   string    `bson:"content" json:"content"`
	Summary   string    `bson:"summary,omitempty" json:"summary,omitempty"`
	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
}

// Embedding is the 1:1 vector row for a memory. After normalization
// len(Vector) always equals the canonical dimension; rows written under a
// previous canonical dimension are treated as absent by discovery, not as
// malformed data.
type Embedding struct {
	MemoryID   string    `bson:"_id" json:"memory_id"`
	UserID     string    `bson:"userId" json:"user_id"`
	Vector     []float64 `bson:"vector" json:"vector"`
	Dimensions int       `bson:"dimensions" json:"dimensions"`
	CreatedAt  time.Time `bson:"createdAt" json:"created_at"`
}

// ClusterResult is one cluster from a clustering run. ClusterID is stable
// within a run only. Topic may be empty while async labeling is pending.
type ClusterResult struct {
	ClusterID string    `bson:"clusterId" json:"cluster_id"`
	Centroid  []float64 `bson:"centroid" json:"centroid"`
	Topic     string    `bson:"topic,omitempty" json:"topic,omitempty"`
	MemoryIDs []string  `bson:"memoryIds" json:"memory_ids"`
	Keywords  []string  `bson:"keywords" json:"keywords"`
}

// ClusterCacheEntry is the versioned cache row for one user's clusters.
// At most one live (non-expired) entry exists per user; a new clustering
// run always replaces the prior entry wholesale with Version+1.
type ClusterCacheEntry struct {
	UserID    string          `bson:"_id" json:"user_id"`
	Version   int64           `bson:"version" json:"version"`
	Clusters  []ClusterResult `bson:"clusters" json:"clusters"`
	CreatedAt time.Time       `bson:"createdAt" json:"created_at"`
	ExpiresAt time.Time       `bson:"expiresAt" json:"expires_at"`
}

// Live reports whether the entry is still servable at the given instant.
func (e *ClusterCacheEntry) Live(now time.Time) bool {
	return e != nil && now.Before(e.ExpiresAt)
}
