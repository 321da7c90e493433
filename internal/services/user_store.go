package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// UserStore persists accounts keyed by mobile number
type UserStore interface {
	FindByMobile(ctx context.Context, mobile string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	// UpsertOnLogin returns the user for mobile, creating it with defaults if needed,
	// and stamps last_login. Concurrent calls for one number yield one user.
	UpsertOnLogin(ctx context.Context, mobile string) (*models.User, error)
	// Create inserts a new account and fails with models.ErrUserExists on a taken number or email
	Create(ctx context.Context, user *models.User) (*models.User, error)
}

// MongoUserStore is a UserStore over a collection with a unique index on mobile_number
type MongoUserStore struct {
	collection *mongo.Collection
	clock      Clock
	logger     *logging.SafeLogger
}

// NewMongoUserStore creates a user store over collection
func NewMongoUserStore(collection *mongo.Collection, clock Clock, logger *logging.SafeLogger) *MongoUserStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &MongoUserStore{
		collection: collection,
		clock:      clock,
		logger:     logger.Named("user_store"),
	}
}

func (s *MongoUserStore) findOne(ctx context.Context, operation string, filter bson.M) (*models.User, error) {
	var user models.User
	if err := s.collection.FindOne(ctx, filter).Decode(&user); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrUserNotFound
		}
		observability.DatabaseOperations.WithLabelValues(operation, "error").Inc()
		s.logger.Error("failed to load user", zap.String("operation", operation), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", models.ErrStorage, operation, err)
	}
	return &user, nil
}

func (s *MongoUserStore) FindByMobile(ctx context.Context, mobile string) (*models.User, error) {
	return s.findOne(ctx, "user_find_by_mobile", bson.M{"mobile_number": mobile})
}

func (s *MongoUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, models.ErrUserNotFound
	}
	return s.findOne(ctx, "user_find_by_id", bson.M{"_id": oid})
}

func (s *MongoUserStore) UpsertOnLogin(ctx context.Context, mobile string) (*models.User, error) {
	now := s.clock.Now().UTC()
	filter := bson.M{"mobile_number": mobile}
	update := bson.M{
		"$setOnInsert": bson.M{
			"name":       models.DefaultUserName(mobile),
			"role":       models.RoleUser,
			"status":     models.UserStatusActive,
			"created_at": now,
		},
		"$set": bson.M{
			"last_login": now,
			"updated_at": now,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user models.User
	err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&user)
	if mongo.IsDuplicateKeyError(err) {
		// Lost the insert race to another login; the document exists now
		err = s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&user)
	}
	if err != nil {
		observability.DatabaseOperations.WithLabelValues("user_upsert", "error").Inc()
		s.logger.Error("failed to upsert user", zap.String("mobile_number", observability.MaskMobile(mobile)), zap.Error(err))
		return nil, fmt.Errorf("%w: user_upsert: %w", models.ErrStorage, err)
	}

	observability.DatabaseOperations.WithLabelValues("user_upsert", "success").Inc()
	return &user, nil
}

func (s *MongoUserStore) Create(ctx context.Context, user *models.User) (*models.User, error) {
	now := s.clock.Now().UTC()
	created := *user
	created.ID = primitive.NilObjectID
	created.CreatedAt = now
	created.UpdatedAt = now
	applyUserDefaults(&created)

	result, err := s.collection.InsertOne(ctx, created)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, models.ErrUserExists
		}
		observability.DatabaseOperations.WithLabelValues("user_create", "error").Inc()
		s.logger.Error("failed to create user", zap.Error(err))
		return nil, fmt.Errorf("%w: user_create: %w", models.ErrStorage, err)
	}

	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		created.ID = oid
	}
	observability.DatabaseOperations.WithLabelValues("user_create", "success").Inc()
	return &created, nil
}

func applyUserDefaults(u *models.User) {
	if u.Name == "" {
		u.Name = models.DefaultUserName(u.MobileNumber)
	}
	if u.Role == "" {
		u.Role = models.RoleUser
	}
	if u.Status == "" {
		u.Status = models.UserStatusActive
	}
}

// MemoryUserStore is an in-process UserStore
type MemoryUserStore struct {
	mu       sync.Mutex
	byMobile map[string]*models.User
	clock    Clock
}

// NewMemoryUserStore creates an empty store
func NewMemoryUserStore(clock Clock) *MemoryUserStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryUserStore{
		byMobile: make(map[string]*models.User),
		clock:    clock,
	}
}

func (s *MemoryUserStore) FindByMobile(ctx context.Context, mobile string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byMobile[mobile]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	out := *user
	return &out, nil
}

func (s *MemoryUserStore) FindByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, user := range s.byMobile {
		if user.ID.Hex() == id {
			out := *user
			return &out, nil
		}
	}
	return nil, models.ErrUserNotFound
}

func (s *MemoryUserStore) UpsertOnLogin(ctx context.Context, mobile string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	user, ok := s.byMobile[mobile]
	if !ok {
		user = &models.User{
			ID:           primitive.NewObjectID(),
			MobileNumber: mobile,
			CreatedAt:    now,
		}
		applyUserDefaults(user)
		s.byMobile[mobile] = user
	}
	user.LastLogin = &now
	user.UpdatedAt = now

	out := *user
	return &out, nil
}

func (s *MemoryUserStore) Create(ctx context.Context, user *models.User) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byMobile[user.MobileNumber]; ok {
		return nil, models.ErrUserExists
	}
	if user.Email != "" {
		for _, existing := range s.byMobile {
			if existing.Email == user.Email {
				return nil, models.ErrUserExists
			}
		}
	}

	now := s.clock.Now().UTC()
	created := *user
	created.ID = primitive.NewObjectID()
	created.CreatedAt = now
	created.UpdatedAt = now
	applyUserDefaults(&created)
	s.byMobile[created.MobileNumber] = &created

	out := created
	return &out, nil
}

// Len returns the number of stored users
func (s *MemoryUserStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byMobile)
}
