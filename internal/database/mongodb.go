package database

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionMemories     = "memories"
	CollectionEmbeddings   = "memory_embeddings"
	CollectionClusterCache = "cluster_cache"
)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := extractDBName(uri)
	if dbName == "" {
		dbName = "memograph"
	}

	db := &MongoDB{
		client:   client,
		database: client.Database(dbName),
		dbName:   dbName,
	}

	log.Printf("✅ Connected to MongoDB database: %s", dbName)

	return db, nil
}

// extractDBName extracts the database name from MongoDB URI
func extractDBName(uri string) string {
	withoutScheme := uri
	if idx := strings.Index(uri, "://"); idx >= 0 {
		withoutScheme = uri[idx+3:]
	}
	slashIdx := strings.Index(withoutScheme, "/")
	if slashIdx < 0 || slashIdx == len(withoutScheme)-1 {
		return ""
	}
	name := withoutScheme[slashIdx+1:]
	if qIdx := strings.Index(name, "?"); qIdx >= 0 {
		name = name[:qIdx]
	}
	return name
}

// Database returns the underlying mongo database handle
func (m *MongoDB) Database() *mongo.Database {
	return m.database
}

// Collection returns a handle to the named collection
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// EnsureIndexes creates the indexes the pipeline queries depend on.
// Safe to call on every startup; Mongo treats existing indexes as no-ops.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	memories := m.Collection(CollectionMemories)
	if _, err := memories.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "createdAt", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to index %s: %w", CollectionMemories, err)
	}

	embeddings := m.Collection(CollectionEmbeddings)
	if _, err := embeddings.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "userId", Value: 1}, {Key: "dimensions", Value: 1}},
	}); err != nil {
		return fmt.Errorf("failed to index %s: %w", CollectionEmbeddings, err)
	}

	log.Println("✅ MongoDB indexes verified")
	return nil
}

// Close disconnects from MongoDB
func (m *MongoDB) Close(ctx context.Context) error {
	log.Println("⏹️ Closing MongoDB connection...")
	return m.client.Disconnect(ctx)
}
