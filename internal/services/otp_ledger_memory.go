package services

import (
	"context"
	"sync"
	"time"

	"github.com/prefeitura-rio/app-dms/internal/logging"
	"github.com/prefeitura-rio/app-dms/internal/models"
	"go.uber.org/zap"
)

// MemoryOTPLedger keeps challenges in process. Every operation holds one mutex, which gives
// the same atomicity as the MongoDB ledger's single-document writes.
type MemoryOTPLedger struct {
	mu         sync.Mutex
	challenges map[string]*models.OTPChallenge
	ttl        time.Duration
	clock      Clock
	generate   CodeGenerator
	logger     *logging.SafeLogger
}

// NewMemoryOTPLedger creates an empty in-memory ledger
func NewMemoryOTPLedger(ttl time.Duration, clock Clock, logger *logging.SafeLogger) *MemoryOTPLedger {
	if ttl <= 0 {
		ttl = models.OTPDefaultTTL
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &MemoryOTPLedger{
		challenges: make(map[string]*models.OTPChallenge),
		ttl:        ttl,
		clock:      clock,
		generate:   GenerateOTPCode,
		logger:     logger.Named("otp_ledger"),
	}
}

// WithCodeGenerator replaces the code source
func (l *MemoryOTPLedger) WithCodeGenerator(gen CodeGenerator) *MemoryOTPLedger {
	l.mu.Lock()
	l.generate = gen
	l.mu.Unlock()
	return l
}

func (l *MemoryOTPLedger) Issue(ctx context.Context, mobile string) (*models.OTPChallenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	code, err := l.generate()
	if err != nil {
		return nil, err
	}
	challenge := newChallenge(mobile, code, l.clock.Now().UTC(), l.ttl)
	l.challenges[mobile] = challenge

	out := *challenge
	return &out, nil
}

func (l *MemoryOTPLedger) FindActive(ctx context.Context, mobile string) (*models.OTPChallenge, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	challenge, ok := l.challenges[mobile]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}
	if err := classifyChallenge(challenge, l.clock.Now()); err != nil {
		return nil, err
	}

	out := *challenge
	return &out, nil
}

// lookup returns the stored challenge only while it is still the same issuance
func (l *MemoryOTPLedger) lookup(c *models.OTPChallenge) (*models.OTPChallenge, bool) {
	stored, ok := l.challenges[c.MobileNumber]
	if !ok || stored.ChallengeID != c.ChallengeID {
		return nil, false
	}
	return stored, true
}

func (l *MemoryOTPLedger) RecordFailedAttempt(ctx context.Context, challenge *models.OTPChallenge) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.lookup(challenge)
	if !ok || stored.Verified || stored.Attempts >= models.OTPMaxAttempts {
		return models.OTPMaxAttempts, models.ErrChallengeNotFound
	}

	stored.Attempts++
	stored.UpdatedAt = l.clock.Now().UTC()
	attempts := stored.Attempts
	if attempts >= models.OTPMaxAttempts {
		delete(l.challenges, stored.MobileNumber)
	}
	return attempts, nil
}

func (l *MemoryOTPLedger) MarkVerified(ctx context.Context, challenge *models.OTPChallenge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored, ok := l.lookup(challenge)
	now := l.clock.Now()
	if !ok || stored.Verified || stored.Attempts >= models.OTPMaxAttempts || stored.IsExpiredAt(now) {
		return models.ErrChallengeConsumed
	}

	stored.Verified = true
	stored.UpdatedAt = now.UTC()
	return nil
}

func (l *MemoryOTPLedger) Delete(ctx context.Context, challenge *models.OTPChallenge) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.lookup(challenge); ok {
		delete(l.challenges, challenge.MobileNumber)
	}
	return nil
}

// Peek returns a copy of the stored record for mobile regardless of its state
func (l *MemoryOTPLedger) Peek(mobile string) (models.OTPChallenge, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	challenge, ok := l.challenges[mobile]
	if !ok {
		return models.OTPChallenge{}, false
	}
	return *challenge, true
}

// Len returns the number of stored records
func (l *MemoryOTPLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.challenges)
}

// Sweep removes expired records and returns how many were dropped
func (l *MemoryOTPLedger) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	removed := 0
	for mobile, challenge := range l.challenges {
		if challenge.IsExpiredAt(now) {
			delete(l.challenges, mobile)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until ctx is cancelled
func (l *MemoryOTPLedger) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := l.Sweep(); removed > 0 {
					l.logger.Debug("swept expired OTP challenges", zap.Int("removed", removed))
				}
			}
		}
	}()
}
