package application

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"log"
	"sync"
	"time"

	devices "fleet-core/internal/devices/domain"
	"fleet-core/internal/observability/metrics"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Auth error codes returned to callers so they can tell a retryable
// failure from a terminal one.
const (
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeLockedOut          = "LOCKED_OUT"
	CodeDeviceNotFound     = "DEVICE_NOT_FOUND"
	CodeRateLimited        = "RATE_LIMITED"
)

// AuthResult is the outcome of one authentication attempt.
type AuthResult struct {
	Success   bool
	Device    *devices.RegistryEntry
	ErrorCode string
}

// TokenStore is the registry surface the auth service needs.
type TokenStore interface {
	GetByID(ctx context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error)
	GetBySerial(ctx context.Context, serial string) (*devices.RegistryEntry, error)
	StoreTokenHash(ctx context.Context, deviceID uuid.UUID, hash string, expiresAt time.Time) error
	RevokeToken(ctx context.Context, deviceID uuid.UUID) error
}

// AuthService issues and validates device tokens and enforces the
// failed-attempt lockout window.
type AuthService struct {
	store    TokenStore
	failures FailureStore
	logger   *log.Logger

	tokenTTL      time.Duration
	maxFailures   int
	lockoutWindow time.Duration

	now func() time.Time

	mu       sync.Mutex
	limiters map[string]*attemptLimiter
}

// attemptLimiter pairs a rate limiter with its last use so idle entries
// can be evicted.
type attemptLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterSweepSize is the map size that triggers an idle-entry sweep.
const limiterSweepSize = 4096

// AuthOption customises an AuthService.
type AuthOption func(*AuthService)

// WithTokenTTL sets the default token lifetime.
func WithTokenTTL(ttl time.Duration) AuthOption {
	return func(s *AuthService) {
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithLockout sets the failure threshold and sliding window.
func WithLockout(maxFailures int, window time.Duration) AuthOption {
	return func(s *AuthService) {
		if maxFailures > 0 {
			s.maxFailures = maxFailures
		}
		if window > 0 {
			s.lockoutWindow = window
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewAuthService wires an auth service over the registry and a failure store.
func NewAuthService(store TokenStore, failures FailureStore, logger *log.Logger, opts ...AuthOption) (*AuthService, error) {
	if store == nil {
		return nil, errors.New("auth service: nil store")
	}
	if failures == nil {
		return nil, errors.New("auth service: nil failure store")
	}
	if logger == nil {
		return nil, errors.New("auth service: nil logger")
	}
	s := &AuthService{
		store:         store,
		failures:      failures,
		logger:        logger,
		tokenTTL:      365 * 24 * time.Hour,
		maxFailures:   5,
		lockoutWindow: 30 * time.Minute,
		now:           time.Now,
		limiters:      make(map[string]*attemptLimiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// GenerateToken mints a fresh token for a device, storing only its hash
// and expiry. The plaintext is returned exactly once. An existing token
// is invalidated by the overwrite.
func (s *AuthService) GenerateToken(ctx context.Context, deviceID uuid.UUID, ttl time.Duration) (string, time.Time, error) {
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", time.Time{}, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiresAt := s.now().UTC().Add(ttl)

	if err := s.store.StoreTokenHash(ctx, deviceID, hashToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	s.logger.Printf("auth: issued token for device %s, expires %s", deviceID, expiresAt.Format(time.RFC3339))
	return token, expiresAt, nil
}

// RevokeToken clears the stored hash and the identifier's failure window.
func (s *AuthService) RevokeToken(ctx context.Context, deviceID uuid.UUID) error {
	if err := s.store.RevokeToken(ctx, deviceID); err != nil {
		return err
	}
	if err := s.failures.Clear(ctx, deviceID.String()); err != nil {
		s.logger.Printf("auth: clear failures for %s: %v", deviceID, err)
	}
	s.logger.Printf("auth: revoked token for device %s", deviceID)
	return nil
}

// ValidateToken authenticates a device by id and token. Lockout is
// checked before the token, so a locked identifier is rejected even when
// the token is correct.
func (s *AuthService) ValidateToken(ctx context.Context, deviceID uuid.UUID, token string) AuthResult {
	identifier := deviceID.String()

	if result, blocked := s.gate(ctx, identifier); blocked {
		return result
	}

	entry, err := s.store.GetByID(ctx, deviceID)
	if err != nil {
		s.logger.Printf("auth: lookup device %s: %v", deviceID, err)
		return s.fail(ctx, identifier, CodeInvalidToken)
	}
	if entry == nil {
		return s.fail(ctx, identifier, CodeDeviceNotFound)
	}
	if !s.tokenMatches(entry, token) {
		return s.fail(ctx, identifier, CodeInvalidToken)
	}

	s.clear(ctx, identifier)
	return AuthResult{Success: true, Device: entry}
}

// AuthenticateBySerial resolves a device by serial number first, then
// validates the token. Failures are tracked per serial so an attacker
// probing serials is locked out independently of device ids.
func (s *AuthService) AuthenticateBySerial(ctx context.Context, serial, token string) AuthResult {
	identifier := "serial:" + serial

	if result, blocked := s.gate(ctx, identifier); blocked {
		return result
	}

	entry, err := s.store.GetBySerial(ctx, serial)
	if err != nil {
		s.logger.Printf("auth: lookup serial %s: %v", serial, err)
		return s.fail(ctx, identifier, CodeInvalidCredentials)
	}
	if entry == nil || !s.tokenMatches(entry, token) {
		return s.fail(ctx, identifier, CodeInvalidCredentials)
	}

	s.clear(ctx, identifier)
	return AuthResult{Success: true, Device: entry}
}

// gate applies the per-identifier rate limit and the lockout window.
func (s *AuthService) gate(ctx context.Context, identifier string) (AuthResult, bool) {
	if !s.limiter(identifier).Allow() {
		metrics.IncAuthFailure(CodeRateLimited)
		return AuthResult{ErrorCode: CodeRateLimited}, true
	}

	since := s.now().Add(-s.lockoutWindow)
	count, err := s.failures.FailureCount(ctx, identifier, since)
	if err != nil {
		s.logger.Printf("auth: failure count for %s: %v", identifier, err)
		return AuthResult{}, false
	}
	if count >= s.maxFailures {
		metrics.IncAuthLockout()
		s.logger.Printf("auth: %s locked out after %d failures", identifier, count)
		return AuthResult{ErrorCode: CodeLockedOut}, true
	}
	return AuthResult{}, false
}

func (s *AuthService) fail(ctx context.Context, identifier, code string) AuthResult {
	if err := s.failures.RecordFailure(ctx, identifier, s.now()); err != nil {
		s.logger.Printf("auth: record failure for %s: %v", identifier, err)
	}
	metrics.IncAuthFailure(code)
	return AuthResult{ErrorCode: code}
}

func (s *AuthService) clear(ctx context.Context, identifier string) {
	if err := s.failures.Clear(ctx, identifier); err != nil {
		s.logger.Printf("auth: clear failures for %s: %v", identifier, err)
	}
	s.mu.Lock()
	delete(s.limiters, identifier)
	s.mu.Unlock()
}

func (s *AuthService) tokenMatches(entry *devices.RegistryEntry, token string) bool {
	if token == "" || !entry.TokenValid(s.now()) {
		return false
	}
	hash := hashToken(token)
	return subtle.ConstantTimeCompare([]byte(hash), []byte(entry.AuthTokenHash)) == 1
}

// limiter returns the per-identifier attempt limiter, 10 attempts burst
// refilled once per second. Identifiers idle past the lockout window are
// evicted once the map grows large, so serial probing cannot grow it
// without bound.
func (s *AuthService) limiter(identifier string) *rate.Limiter {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.limiters[identifier]
	if !ok {
		if len(s.limiters) >= limiterSweepSize {
			s.evictIdleLimiters(now)
		}
		entry = &attemptLimiter{limiter: rate.NewLimiter(rate.Every(time.Second), 10)}
		s.limiters[identifier] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// evictIdleLimiters drops limiters unused for a full lockout window.
// Caller holds mu.
func (s *AuthService) evictIdleLimiters(now time.Time) {
	cutoff := now.Add(-s.lockoutWindow)
	for id, entry := range s.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(s.limiters, id)
		}
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
