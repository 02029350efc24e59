package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	devices "fleet-core/internal/devices/domain"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubTokenStore struct {
	entries map[uuid.UUID]*devices.RegistryEntry
}

func newStubTokenStore() *stubTokenStore {
	return &stubTokenStore{entries: make(map[uuid.UUID]*devices.RegistryEntry)}
}

func (s *stubTokenStore) GetByID(_ context.Context, deviceID uuid.UUID) (*devices.RegistryEntry, error) {
	return s.entries[deviceID], nil
}

func (s *stubTokenStore) GetBySerial(_ context.Context, serial string) (*devices.RegistryEntry, error) {
	for _, e := range s.entries {
		if e.SerialNumber == serial {
			return e, nil
		}
	}
	return nil, nil
}

func (s *stubTokenStore) StoreTokenHash(_ context.Context, deviceID uuid.UUID, hash string, expiresAt time.Time) error {
	entry, ok := s.entries[deviceID]
	if !ok {
		entry = &devices.RegistryEntry{DeviceID: deviceID}
		s.entries[deviceID] = entry
	}
	entry.AuthTokenHash = hash
	entry.TokenExpiresAt = &expiresAt
	return nil
}

func (s *stubTokenStore) RevokeToken(_ context.Context, deviceID uuid.UUID) error {
	if entry, ok := s.entries[deviceID]; ok {
		entry.AuthTokenHash = ""
		entry.TokenExpiresAt = nil
	}
	return nil
}

func newAuthFixture(t *testing.T) (*AuthService, *stubTokenStore, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	store := newStubTokenStore()
	svc, err := NewAuthService(store, NewMemoryFailureStore(), log.New(io.Discard, "", 0),
		WithClock(clock.Now),
		WithLockout(5, 30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	return svc, store, clock
}

func seedDevice(t *testing.T, svc *AuthService, store *stubTokenStore, serial string) (uuid.UUID, string) {
	t.Helper()
	deviceID := uuid.New()
	store.entries[deviceID] = &devices.RegistryEntry{
		DeviceID:     deviceID,
		SerialNumber: serial,
		DeviceType:   devices.TypeInverter,
	}
	token, _, err := svc.GenerateToken(context.Background(), deviceID, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return deviceID, token
}

func TestGenerateTokenStoresOnlyHash(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	entry := store.entries[deviceID]
	if entry.AuthTokenHash == token {
		t.Fatal("plaintext token stored")
	}
	sum := sha256.Sum256([]byte(token))
	if entry.AuthTokenHash != hex.EncodeToString(sum[:]) {
		t.Error("stored hash does not match sha256 of token")
	}
	wantExpiry := clock.Now().Add(24 * time.Hour)
	if !entry.TokenExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", entry.TokenExpiresAt, wantExpiry)
	}
}

func TestValidateToken(t *testing.T) {
	svc, store, _ := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	if result := svc.ValidateToken(context.Background(), deviceID, token); !result.Success {
		t.Fatalf("valid token rejected: %s", result.ErrorCode)
	}
	if result := svc.ValidateToken(context.Background(), deviceID, "wrong"); result.Success || result.ErrorCode != CodeInvalidToken {
		t.Errorf("wrong token: %+v", result)
	}
	if result := svc.ValidateToken(context.Background(), uuid.New(), token); result.ErrorCode != CodeDeviceNotFound {
		t.Errorf("unknown device: %+v", result)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	clock.Advance(25 * time.Hour)
	result := svc.ValidateToken(context.Background(), deviceID, token)
	if result.Success {
		t.Fatal("expired token accepted")
	}
	if result.ErrorCode != CodeInvalidToken {
		t.Errorf("error code = %s, want %s", result.ErrorCode, CodeInvalidToken)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		if result := svc.ValidateToken(context.Background(), deviceID, "wrong"); result.ErrorCode != CodeInvalidToken {
			t.Fatalf("attempt %d: %+v", i+1, result)
		}
	}

	// Correct token, but the window has five failures.
	clock.Advance(time.Second)
	if result := svc.ValidateToken(context.Background(), deviceID, token); result.ErrorCode != CodeLockedOut {
		t.Fatalf("expected lockout, got %+v", result)
	}

	// The window elapses and the same token succeeds.
	clock.Advance(31 * time.Minute)
	if result := svc.ValidateToken(context.Background(), deviceID, token); !result.Success {
		t.Fatalf("post-window attempt failed: %s", result.ErrorCode)
	}
}

func TestSuccessClearsFailureWindow(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		svc.ValidateToken(context.Background(), deviceID, "wrong")
	}
	clock.Advance(time.Second)
	if result := svc.ValidateToken(context.Background(), deviceID, token); !result.Success {
		t.Fatalf("valid attempt under threshold failed: %s", result.ErrorCode)
	}

	// Window cleared, four more failures stay under the threshold.
	for i := 0; i < 4; i++ {
		clock.Advance(time.Second)
		svc.ValidateToken(context.Background(), deviceID, "wrong")
	}
	clock.Advance(time.Second)
	if result := svc.ValidateToken(context.Background(), deviceID, token); !result.Success {
		t.Fatalf("attempt after cleared window failed: %s", result.ErrorCode)
	}
}

func TestAuthenticateBySerial(t *testing.T) {
	svc, store, _ := newAuthFixture(t)
	_, token := seedDevice(t, svc, store, "INV-007")

	result := svc.AuthenticateBySerial(context.Background(), "INV-007", token)
	if !result.Success {
		t.Fatalf("serial auth failed: %s", result.ErrorCode)
	}
	if result.Device == nil || result.Device.SerialNumber != "INV-007" {
		t.Errorf("unexpected device: %+v", result.Device)
	}

	if result := svc.AuthenticateBySerial(context.Background(), "INV-999", token); result.ErrorCode != CodeInvalidCredentials {
		t.Errorf("unknown serial: %+v", result)
	}
	if result := svc.AuthenticateBySerial(context.Background(), "INV-007", "wrong"); result.ErrorCode != CodeInvalidCredentials {
		t.Errorf("wrong token: %+v", result)
	}
}

func TestSerialLockoutIndependentOfDeviceID(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		svc.AuthenticateBySerial(context.Background(), "INV-001", "wrong")
	}
	clock.Advance(time.Second)
	if result := svc.AuthenticateBySerial(context.Background(), "INV-001", token); result.ErrorCode != CodeLockedOut {
		t.Fatalf("expected serial lockout, got %+v", result)
	}

	// The device-id identifier carries no failures.
	if result := svc.ValidateToken(context.Background(), deviceID, token); !result.Success {
		t.Errorf("device-id auth failed: %s", result.ErrorCode)
	}
}

func TestRevokeTokenClearsHashAndWindow(t *testing.T) {
	svc, store, clock := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "INV-001")

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		svc.ValidateToken(context.Background(), deviceID, "wrong")
	}
	if err := svc.RevokeToken(context.Background(), deviceID); err != nil {
		t.Fatal(err)
	}

	// No longer locked out, but the token is gone.
	clock.Advance(time.Second)
	result := svc.ValidateToken(context.Background(), deviceID, token)
	if result.ErrorCode != CodeInvalidToken {
		t.Errorf("post-revoke attempt: %+v", result)
	}
}

func TestLimiterMapEvictsIdleIdentifiers(t *testing.T) {
	svc, _, clock := newAuthFixture(t)

	for i := 0; i < limiterSweepSize; i++ {
		svc.limiter(fmt.Sprintf("serial:SN-%06d", i))
	}
	if len(svc.limiters) != limiterSweepSize {
		t.Fatalf("limiters = %d, want %d", len(svc.limiters), limiterSweepSize)
	}

	// Past the lockout window every idle entry is evictable; the next
	// unseen identifier triggers the sweep.
	clock.Advance(31 * time.Minute)
	svc.limiter("fresh")
	if len(svc.limiters) != 1 {
		t.Errorf("limiters = %d after sweep, want 1", len(svc.limiters))
	}
	if _, ok := svc.limiters["fresh"]; !ok {
		t.Error("fresh identifier missing after sweep")
	}
}

func TestSuccessDropsIdentifierLimiter(t *testing.T) {
	svc, store, _ := newAuthFixture(t)
	deviceID, token := seedDevice(t, svc, store, "SN-LIM-1")

	if res := svc.ValidateToken(context.Background(), deviceID, "wrong"); res.Success {
		t.Fatal("wrong token accepted")
	}
	if len(svc.limiters) == 0 {
		t.Fatal("expected a limiter entry after an attempt")
	}

	if res := svc.ValidateToken(context.Background(), deviceID, token); !res.Success {
		t.Fatalf("valid token rejected: %s", res.ErrorCode)
	}
	if len(svc.limiters) != 0 {
		t.Errorf("limiters = %d after success, want 0", len(svc.limiters))
	}
}
