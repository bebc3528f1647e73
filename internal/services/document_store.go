package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sap-analysis-pipeline/internal/config"
	"sap-analysis-pipeline/internal/models"
	"sap-analysis-pipeline/internal/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// DocumentStore is the key-value document contract the pipeline consumes:
// fetch/save/query named documents by collection and id.
type DocumentStore interface {
	Get(ctx context.Context, collection, id string) (map[string]interface{}, error)
	Put(ctx context.Context, collection, id string, document interface{}) error
	Query(ctx context.Context, collection string, filter map[string]interface{}) ([]map[string]interface{}, error)
	HealthCheck(ctx context.Context) error
}

type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logger.Logger
	config config.MongoConfig
}

func NewMongoStore(cfg config.MongoConfig, log *logger.Logger) (*MongoStore, error) {
	clientOptions := options.Client().
		ApplyURI(cfg.URI).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetConnectTimeout(cfg.ConnectTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()

	if err := client.Ping(pingCtx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	store := &MongoStore{
		client: client,
		db:     client.Database(cfg.Database),
		logger: log,
		config: cfg,
	}

	log.Info("Document Store Initialized Successfully",
		"database", cfg.Database,
		"max_pool_size", cfg.MaxPoolSize)

	return store, nil
}

func (store *MongoStore) Get(ctx context.Context, collection, id string) (map[string]interface{}, error) {
	startTime := time.Now()

	var document bson.M
	err := store.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&document)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrDocumentNotFound.
				WithMetadata("collection", collection).
				WithMetadata("id", id)
		}
		store.logger.LogService("mongo", "get", time.Since(startTime), map[string]interface{}{
			"collection": collection,
			"id":         id,
		}, err)
		return nil, models.NewExternalError("MONGO_GET_FAILED", "Failed to fetch document").WithCause(err)
	}

	store.logger.LogService("mongo", "get", time.Since(startTime), map[string]interface{}{
		"collection": collection,
		"id":         id,
	}, nil)

	return map[string]interface{}(document), nil
}

func (store *MongoStore) Put(ctx context.Context, collection, id string, document interface{}) error {
	startTime := time.Now()

	opts := options.Replace().SetUpsert(true)
	_, err := store.db.Collection(collection).ReplaceOne(ctx, bson.M{"_id": id}, document, opts)
	if err != nil {
		store.logger.LogService("mongo", "put", time.Since(startTime), map[string]interface{}{
			"collection": collection,
			"id":         id,
		}, err)
		return models.NewExternalError("MONGO_PUT_FAILED", "Failed to store document").WithCause(err)
	}

	store.logger.LogService("mongo", "put", time.Since(startTime), map[string]interface{}{
		"collection": collection,
		"id":         id,
	}, nil)

	return nil
}

func (store *MongoStore) Query(ctx context.Context, collection string, filter map[string]interface{}) ([]map[string]interface{}, error) {
	startTime := time.Now()

	cursor, err := store.db.Collection(collection).Find(ctx, bson.M(filter))
	if err != nil {
		store.logger.LogService("mongo", "query", time.Since(startTime), map[string]interface{}{
			"collection": collection,
		}, err)
		return nil, models.NewExternalError("MONGO_QUERY_FAILED", "Failed to query documents").WithCause(err)
	}
	defer cursor.Close(ctx)

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, models.NewExternalError("MONGO_QUERY_FAILED", "Failed to decode query results").WithCause(err)
	}

	documents := make([]map[string]interface{}, len(raw))
	for i, doc := range raw {
		documents[i] = map[string]interface{}(doc)
	}

	store.logger.LogService("mongo", "query", time.Since(startTime), map[string]interface{}{
		"collection": collection,
		"count":      len(documents),
	}, nil)

	return documents, nil
}

func (store *MongoStore) HealthCheck(ctx context.Context) error {
	if err := store.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("MongoDB connection unhealthy: %w", err)
	}
	return nil
}

func (store *MongoStore) Close(ctx context.Context) error {
	store.logger.Info("Closing Document Store")
	if err := store.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect MongoDB client: %w", err)
	}
	return nil
}
