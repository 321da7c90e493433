package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/redisclient"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
	"go.uber.org/zap"
)

var (
	// MongoDB client
	MongoDB *mongo.Database
	// Redis client
	Redis *redisclient.Client
)

// InitMongoDB initializes the MongoDB connection and required indexes
func InitMongoDB() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts := options.Client().
		ApplyURI(AppConfig.MongoURI).
		SetMonitor(otelmongo.NewMonitor()).
		SetMaxPoolSize(100).
		SetMinPoolSize(10).
		SetMaxConnIdleTime(5 * time.Minute).
		SetRetryWrites(true).
		SetRetryReads(true)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	MongoDB = client.Database(AppConfig.MongoDatabase)

	if err := EnsureIndexes(context.Background(), MongoDB, AppConfig); err != nil {
		logging.Logger.Error("failed to ensure indexes on startup", zap.Error(err))
	}

	logging.Logger.Info("connected to MongoDB",
		zap.String("uri", maskMongoURI(AppConfig.MongoURI)),
		zap.String("database", AppConfig.MongoDatabase),
	)
	return nil
}

// InitRedis initializes the Redis connection. A failed ping is logged, not fatal:
// the rate limiter degrades to its in-process fallback while Redis is down.
func InitRedis() {
	redisClient := redis.NewClient(&redis.Options{
		Addr:         AppConfig.RedisURI,
		Password:     AppConfig.RedisPassword,
		DB:           AppConfig.RedisDB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Wrap with traced client
	Redis = redisclient.NewClient(redisClient)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := Redis.Ping(ctx).Err(); err != nil {
		logging.Logger.Error("failed to connect to Redis",
			zap.String("uri", AppConfig.RedisURI),
			zap.Error(err))
		return
	}

	logging.Logger.Info("connected to Redis",
		zap.String("uri", AppConfig.RedisURI))
}

// maskMongoURI masks credentials in a MongoDB URI
func maskMongoURI(uri string) string {
	at := strings.LastIndex(uri, "@")
	if at < 0 {
		return uri
	}
	scheme := "mongodb://"
	if i := strings.Index(uri, "://"); i >= 0 {
		scheme = uri[:i+3]
	}
	return scheme + "****:****@" + uri[at+1:]
}

// RequiredIndexes lists every index the service relies on, per collection.
func RequiredIndexes(cfg *Config) map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		cfg.OTPCollection: {
			// One challenge per number; issuance replaces it in a single write
			{
				Keys:    bson.D{{Key: "mobile_number", Value: 1}},
				Options: options.Index().SetName("mobile_number_1").SetUnique(true),
			},
			// Expired challenges are purged by the TTL monitor, verified or not
			{
				Keys:    bson.D{{Key: "expires_at", Value: 1}},
				Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
			},
			{
				Keys:    bson.D{{Key: "challenge_id", Value: 1}},
				Options: options.Index().SetName("challenge_id_1"),
			},
		},
		cfg.UserCollection: {
			{
				Keys:    bson.D{{Key: "mobile_number", Value: 1}},
				Options: options.Index().SetName("mobile_number_1").SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetName("email_1").SetUnique(true).SetSparse(true),
			},
		},
		cfg.DocumentCollection: {
			{
				Keys:    bson.D{{Key: "major_head", Value: 1}, {Key: "minor_head", Value: 1}},
				Options: options.Index().SetName("major_head_1_minor_head_1"),
			},
			{
				Keys:    bson.D{{Key: "tags.tag_name", Value: 1}},
				Options: options.Index().SetName("tags.tag_name_1"),
			},
			{
				Keys:    bson.D{{Key: "uploaded_by", Value: 1}},
				Options: options.Index().SetName("uploaded_by_1"),
			},
			{
				Keys:    bson.D{{Key: "upload_date", Value: -1}},
				Options: options.Index().SetName("upload_date_-1"),
			},
		},
	}
}

// EnsureIndexes creates required indexes if they don't exist
func EnsureIndexes(ctx context.Context, db *mongo.Database, cfg *Config) error {
	logger := logging.Logger.Named("database")
	logger.Info("ensuring required indexes exist")

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	for collection, models := range RequiredIndexes(cfg) {
		for _, model := range models {
			if err := ensureIndex(ctx, logger, db.Collection(collection), model); err != nil {
				return err
			}
		}
	}

	logger.Info("all required indexes verified")
	return nil
}

func ensureIndex(ctx context.Context, logger *logging.SafeLogger, collection *mongo.Collection, model mongo.IndexModel) error {
	name := *model.Options.Name

	cursor, err := collection.Indexes().List(ctx)
	if err != nil {
		logger.Error("failed to list indexes", zap.String("collection", collection.Name()), zap.Error(err))
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var index bson.M
		if err := cursor.Decode(&index); err != nil {
			continue
		}
		if existing, ok := index["name"].(string); ok && existing == name {
			logger.Debug("index already exists",
				zap.String("collection", collection.Name()),
				zap.String("index", name))
			return nil
		}
	}

	if _, err := collection.Indexes().CreateOne(ctx, model); err != nil {
		// Another instance may have created it concurrently
		if mongo.IsDuplicateKeyError(err) {
			logger.Info("index already exists (created by another instance)",
				zap.String("collection", collection.Name()),
				zap.String("index", name))
			return nil
		}
		logger.Error("failed to create index",
			zap.String("collection", collection.Name()),
			zap.String("index", name),
			zap.Error(err))
		return err
	}

	logger.Info("created index",
		zap.String("collection", collection.Name()),
		zap.String("index", name))
	return nil
}
