package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"github.com/prefeitura-rio/app-dms/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// OTPLedger owns the single outstanding challenge per mobile number.
//
// FindActive returns an error matching models.ErrChallengeNotFound whenever there is no
// challenge that can still be matched. RecordFailedAttempt and MarkVerified are atomic
// with respect to concurrent callers holding the same challenge.
type OTPLedger interface {
	Issue(ctx context.Context, mobile string) (*models.OTPChallenge, error)
	FindActive(ctx context.Context, mobile string) (*models.OTPChallenge, error)
	RecordFailedAttempt(ctx context.Context, challenge *models.OTPChallenge) (int, error)
	MarkVerified(ctx context.Context, challenge *models.OTPChallenge) error
	Delete(ctx context.Context, challenge *models.OTPChallenge) error
}

// CodeGenerator produces a fresh OTP code
type CodeGenerator func() (string, error)

var otpCodeSpan = big.NewInt(models.OTPCodeMax - models.OTPCodeMin + 1)

// GenerateOTPCode returns a six digit code drawn uniformly from [100000, 999999]
func GenerateOTPCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpCodeSpan)
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+models.OTPCodeMin), nil
}

// newChallenge builds an unsaved challenge for mobile issued at now
func newChallenge(mobile, code string, now time.Time, ttl time.Duration) *models.OTPChallenge {
	return &models.OTPChallenge{
		MobileNumber: mobile,
		ChallengeID:  uuid.NewString(),
		Code:         code,
		ExpiresAt:    now.Add(ttl),
		Attempts:     0,
		Verified:     false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// classifyChallenge reports whether a stored challenge can still be matched at now
func classifyChallenge(c *models.OTPChallenge, now time.Time) error {
	if c.Verified {
		return models.ErrChallengeConsumed
	}
	if c.IsExpiredAt(now) {
		return models.ErrChallengeExpired
	}
	return nil
}

// MongoOTPLedger stores challenges in a collection with a unique index on mobile_number
// and a TTL index on expires_at
type MongoOTPLedger struct {
	collection *mongo.Collection
	ttl        time.Duration
	clock      Clock
	generate   CodeGenerator
	logger     *logging.SafeLogger
}

// NewMongoOTPLedger creates a ledger over collection. A zero ttl means the default five minutes.
func NewMongoOTPLedger(collection *mongo.Collection, ttl time.Duration, clock Clock, logger *logging.SafeLogger) *MongoOTPLedger {
	if ttl <= 0 {
		ttl = models.OTPDefaultTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &MongoOTPLedger{
		collection: collection,
		ttl:        ttl,
		clock:      clock,
		generate:   GenerateOTPCode,
		logger:     logger.Named("otp_ledger"),
	}
}

// WithCodeGenerator replaces the code source
func (l *MongoOTPLedger) WithCodeGenerator(gen CodeGenerator) *MongoOTPLedger {
	l.generate = gen
	return l
}

func (l *MongoOTPLedger) storageError(operation string, err error) error {
	observability.DatabaseOperations.WithLabelValues(operation, "error").Inc()
	l.logger.Error("otp ledger operation failed", zap.String("operation", operation), zap.Error(err))
	return fmt.Errorf("%w: %s: %w", models.ErrStorage, operation, err)
}

// Issue replaces whatever challenge the number had with a fresh one in a single upsert
func (l *MongoOTPLedger) Issue(ctx context.Context, mobile string) (*models.OTPChallenge, error) {
	code, err := l.generate()
	if err != nil {
		return nil, err
	}
	challenge := newChallenge(mobile, code, l.clock.Now().UTC(), l.ttl)

	filter := bson.M{"mobile_number": mobile}
	opts := options.Replace().SetUpsert(true)

	_, err = l.collection.ReplaceOne(ctx, filter, challenge, opts)
	if mongo.IsDuplicateKeyError(err) {
		// Two upserts raced on the insert path; the second one now finds the document
		_, err = l.collection.ReplaceOne(ctx, filter, challenge, opts)
	}
	if err != nil {
		return nil, l.storageError("otp_issue", err)
	}

	observability.DatabaseOperations.WithLabelValues("otp_issue", "success").Inc()
	return challenge, nil
}

// FindActive returns the number's challenge if it is unverified and unexpired
func (l *MongoOTPLedger) FindActive(ctx context.Context, mobile string) (*models.OTPChallenge, error) {
	var challenge models.OTPChallenge
	err := l.collection.FindOne(ctx, bson.M{"mobile_number": mobile}).Decode(&challenge)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, models.ErrChallengeNotFound
		}
		return nil, l.storageError("otp_find", err)
	}

	if err := classifyChallenge(&challenge, l.clock.Now()); err != nil {
		return nil, err
	}
	return &challenge, nil
}

// RecordFailedAttempt increments the attempt counter and deletes the challenge once it
// reaches the limit. It returns the attempt count after the increment.
func (l *MongoOTPLedger) RecordFailedAttempt(ctx context.Context, challenge *models.OTPChallenge) (int, error) {
	filter := bson.M{
		"challenge_id": challenge.ChallengeID,
		"verified":     false,
		"attempts":     bson.M{"$lt": models.OTPMaxAttempts},
	}
	update := bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{"updated_at": l.clock.Now().UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated models.OTPChallenge
	err := l.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			// Replaced, verified or already locked out by a concurrent request
			return models.OTPMaxAttempts, models.ErrChallengeNotFound
		}
		return 0, l.storageError("otp_record_attempt", err)
	}

	if updated.Attempts >= models.OTPMaxAttempts {
		if err := l.Delete(ctx, &updated); err != nil {
			return updated.Attempts, err
		}
	}
	return updated.Attempts, nil
}

// MarkVerified flips verified from false to true. Exactly one concurrent caller wins;
// the others get models.ErrChallengeConsumed.
func (l *MongoOTPLedger) MarkVerified(ctx context.Context, challenge *models.OTPChallenge) error {
	now := l.clock.Now().UTC()
	filter := bson.M{
		"challenge_id": challenge.ChallengeID,
		"verified":     false,
		"attempts":     bson.M{"$lt": models.OTPMaxAttempts},
		"expires_at":   bson.M{"$gt": now},
	}
	update := bson.M{"$set": bson.M{"verified": true, "updated_at": now}}

	result, err := l.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return l.storageError("otp_mark_verified", err)
	}
	if result.MatchedCount == 0 {
		return models.ErrChallengeConsumed
	}

	observability.DatabaseOperations.WithLabelValues("otp_mark_verified", "success").Inc()
	return nil
}

// Delete removes the challenge identified by challenge_id. Missing is not an error.
func (l *MongoOTPLedger) Delete(ctx context.Context, challenge *models.OTPChallenge) error {
	if _, err := l.collection.DeleteOne(ctx, bson.M{"challenge_id": challenge.ChallengeID}); err != nil {
		return l.storageError("otp_delete", err)
	}
	return nil
}
