package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"memograph/internal/database"
	"memograph/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MemoryStore is the storage surface the pipeline depends on. The core
// never issues raw queries outside this boundary, and components are
// wired against this interface so tests can substitute stubs.
type MemoryStore interface {
	// GetMemoriesWithoutEmbedding returns memories with no embedding row,
	// or whose stored vector was written under a stale canonical dimension.
	GetMemoriesWithoutEmbedding(ctx context.Context, limit int) ([]models.Memory, error)

	GetEmbedding(ctx context.Context, memoryID string) (*models.Embedding, error)

	// UpsertEmbedding is idempotent last-write-wins; after any number of
	// concurrent calls exactly one row exists per memory.
	UpsertEmbedding(ctx context.Context, memoryID, userID string, vec []float64) error

	GetMemoriesByUser(ctx context.Context, userID string) ([]models.Memory, error)
	GetEmbeddingsByUser(ctx context.Context, userID string) ([]models.Embedding, error)
	GetKeywords(ctx context.Context, memoryID string) ([]string, error)

	// SetMemorySummary attaches a derived summary to a memory lacking one.
	// The only mutation this pipeline performs on the memories collection.
	SetMemorySummary(ctx context.Context, memoryID, summary string) error

	// Cluster cache persistence. Replace is wholesale: the prior entry for
	// the user is never partially updated.
	GetClusterCacheEntry(ctx context.Context, userID string) (*models.ClusterCacheEntry, error)
	ReplaceClusterCacheEntry(ctx context.Context, entry *models.ClusterCacheEntry) error
	DeleteClusterCacheEntry(ctx context.Context, userID string) error
}

// MongoMemoryStore implements MemoryStore on MongoDB.
type MongoMemoryStore struct {
	memories   *mongo.Collection
	embeddings *mongo.Collection
	cache      *mongo.Collection
	dimensions int // current canonical dimension D
}

// NewMongoMemoryStore creates a Mongo-backed memory store.
func NewMongoMemoryStore(mongodb *database.MongoDB, dimensions int) *MongoMemoryStore {
	return &MongoMemoryStore{
		memories:   mongodb.Collection(database.CollectionMemories),
		embeddings: mongodb.Collection(database.CollectionEmbeddings),
		cache:      mongodb.Collection(database.CollectionClusterCache),
		dimensions: dimensions,
	}
}

// GetMemoriesWithoutEmbedding finds memories whose embedding is missing or
// written under a previous canonical dimension. Stale rows count as
// pending so the backfill regenerates them.
func (s *MongoMemoryStore) GetMemoriesWithoutEmbedding(ctx context.Context, limit int) ([]models.Memory, error) {
	if limit <= 0 {
		limit = 50
	}

	pipeline := mongo.Pipeline{
		{{Key: "$lookup", Value: bson.M{
			"from":         database.CollectionEmbeddings,
			"localField":   "_id",
			"foreignField": "_id",
			"as":           "embedding",
		}}},
		{{Key: "$match", Value: bson.M{
			"$or": bson.A{
				bson.M{"embedding": bson.M{"$size": 0}},
				bson.M{"embedding.dimensions": bson.M{"$ne": s.dimensions}},
			},
		}}},
		{{Key: "$sort", Value: bson.M{"createdAt": 1}}},
		{{Key: "$limit", Value: limit}},
		{{Key: "$project", Value: bson.M{"embedding": 0}}},
	}

	cursor, err := s.memories.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending memories: %w", err)
	}
	defer cursor.Close(ctx)

	var pending []models.Memory
	if err := cursor.All(ctx, &pending); err != nil {
		return nil, fmt.Errorf("failed to decode pending memories: %w", err)
	}

	return pending, nil
}

// GetEmbedding returns the embedding row for a memory, or nil when absent.
func (s *MongoMemoryStore) GetEmbedding(ctx context.Context, memoryID string) (*models.Embedding, error) {
	var emb models.Embedding
	err := s.embeddings.FindOne(ctx, bson.M{"_id": memoryID}).Decode(&emb)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get embedding: %w", err)
	}
	return &emb, nil
}

// UpsertEmbedding replaces the embedding row for a memory (last-write-wins).
func (s *MongoMemoryStore) UpsertEmbedding(ctx context.Context, memoryID, userID string, vec []float64) error {
	emb := models.Embedding{
		MemoryID:   memoryID,
		UserID:     userID,
		Vector:     vec,
		Dimensions: len(vec),
		CreatedAt:  time.Now(),
	}

	_, err := s.embeddings.ReplaceOne(
		ctx,
		bson.M{"_id": memoryID},
		emb,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// GetMemoriesByUser returns all of a user's memories in creation order.
func (s *MongoMemoryStore) GetMemoriesByUser(ctx context.Context, userID string) ([]models.Memory, error) {
	findOptions := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})

	cursor, err := s.memories.Find(ctx, bson.M{"userId": userID}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find memories: %w", err)
	}
	defer cursor.Close(ctx)

	var memories []models.Memory
	if err := cursor.All(ctx, &memories); err != nil {
		return nil, fmt.Errorf("failed to decode memories: %w", err)
	}
	return memories, nil
}

// GetEmbeddingsByUser returns all canonical-dimension embeddings for a user.
// Stale-dimension rows are filtered out here so clustering only ever sees
// uniform vectors.
func (s *MongoMemoryStore) GetEmbeddingsByUser(ctx context.Context, userID string) ([]models.Embedding, error) {
	cursor, err := s.embeddings.Find(ctx, bson.M{
		"userId":     userID,
		"dimensions": s.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find embeddings: %w", err)
	}
	defer cursor.Close(ctx)

	var embeddings []models.Embedding
	if err := cursor.All(ctx, &embeddings); err != nil {
		return nil, fmt.Errorf("failed to decode embeddings: %w", err)
	}
	return embeddings, nil
}

// GetKeywords returns the keywords attributed to a memory by the chat
// subsystem's extractor. Missing field decodes as an empty list.
func (s *MongoMemoryStore) GetKeywords(ctx context.Context, memoryID string) ([]string, error) {
	var doc struct {
		Keywords []string `bson:"keywords"`
	}

	err := s.memories.FindOne(
		ctx,
		bson.M{"_id": memoryID},
		options.FindOne().SetProjection(bson.M{"keywords": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get keywords: %w", err)
	}
	return doc.Keywords, nil
}

// SetMemorySummary writes a derived summary, only where none exists yet.
func (s *MongoMemoryStore) SetMemorySummary(ctx context.Context, memoryID, summary string) error {
	filter := bson.M{
		"_id": memoryID,
		"$or": bson.A{
			bson.M{"summary": bson.M{"$exists": false}},
			bson.M{"summary": ""},
		},
	}

	result, err := s.memories.UpdateOne(ctx, filter, bson.M{
		"$set": bson.M{"summary": summary},
	})
	if err != nil {
		return fmt.Errorf("failed to set summary: %w", err)
	}

	if result.MatchedCount > 0 {
		log.Printf("📝 [MEMORY-STORE] Attached summary to memory %s", memoryID)
	}
	return nil
}

// GetClusterCacheEntry returns the stored cache entry for a user,
// expired or not; liveness is the caller's check. Nil when absent.
func (s *MongoMemoryStore) GetClusterCacheEntry(ctx context.Context, userID string) (*models.ClusterCacheEntry, error) {
	var entry models.ClusterCacheEntry
	err := s.cache.FindOne(ctx, bson.M{"_id": userID}).Decode(&entry)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster cache entry: %w", err)
	}
	return &entry, nil
}

// ReplaceClusterCacheEntry swaps in a whole new entry for the user. The
// document key is the user ID, so "at most one entry per user" is
// enforced by the collection itself rather than by convention.
func (s *MongoMemoryStore) ReplaceClusterCacheEntry(ctx context.Context, entry *models.ClusterCacheEntry) error {
	_, err := s.cache.ReplaceOne(
		ctx,
		bson.M{"_id": entry.UserID},
		entry,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to replace cluster cache entry: %w", err)
	}
	return nil
}

// DeleteClusterCacheEntry removes the user's entry outright.
func (s *MongoMemoryStore) DeleteClusterCacheEntry(ctx context.Context, userID string) error {
	_, err := s.cache.DeleteOne(ctx, bson.M{"_id": userID})
	if err != nil {
		return fmt.Errorf("failed to delete cluster cache entry: %w", err)
	}
	return nil
}
