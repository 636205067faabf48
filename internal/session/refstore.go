package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/common"
)

// RefStore remembers which guest session a device owns. It stands in for the
// client-side key/value store: every Service call that needs the remembered
// session id receives one explicitly instead of reading ambient state.
type RefStore interface {
	// Get returns the remembered session id, or ok=false when none is stored
	Get(ctx context.Context) (id uuid.UUID, ok bool, err error)

	// Set remembers a session id
	Set(ctx context.Context, id uuid.UUID) error

	// Clear forgets the remembered session id
	Clear(ctx context.Context) error
}

// CacheRefStore is a Redis-backed RefStore scoped to one device
type CacheRefStore struct {
	cache    *common.Cache
	deviceID string
}

// NewCacheRefStore creates a RefStore for the given device key
func NewCacheRefStore(cache *common.Cache, deviceID string) *CacheRefStore {
	return &CacheRefStore{cache: cache, deviceID: deviceID}
}

func (s *CacheRefStore) refKey() string {
	return fmt.Sprintf("guest_session_ref:%s", s.deviceID)
}

func (s *CacheRefStore) consentKey() string {
	return fmt.Sprintf("location_consent:%s", s.deviceID)
}

// Get returns the remembered session id for this device
func (s *CacheRefStore) Get(ctx context.Context) (uuid.UUID, bool, error) {
	value, err := s.cache.GetString(ctx, s.refKey())
	if err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to read session ref: %w", err)
	}

	id, err := uuid.Parse(value)
	if err != nil {
		// A corrupt ref is the same as no ref
		return uuid.Nil, false, nil
	}
	return id, true, nil
}

// Set remembers a session id for this device, bounded by the session TTL
func (s *CacheRefStore) Set(ctx context.Context, id uuid.UUID) error {
	if err := s.cache.SetString(ctx, s.refKey(), id.String(), TTL); err != nil {
		return fmt.Errorf("failed to persist session ref: %w", err)
	}
	return nil
}

// Clear forgets the remembered session id for this device
func (s *CacheRefStore) Clear(ctx context.Context) error {
	return s.cache.Delete(ctx, s.refKey())
}

// RememberConsentChoice stores the visitor's last location-consent decision so
// the consent UI does not re-prompt on return visits
func (s *CacheRefStore) RememberConsentChoice(ctx context.Context, granted bool) error {
	value := "denied"
	if granted {
		value = "granted"
	}
	return s.cache.SetString(ctx, s.consentKey(), value, TTL)
}

// LastConsentChoice returns the stored consent decision, or ok=false when the
// visitor was never asked
func (s *CacheRefStore) LastConsentChoice(ctx context.Context) (granted bool, ok bool, err error) {
	value, err := s.cache.GetString(ctx, s.consentKey())
	if err != nil {
		if errors.Is(err, common.ErrCacheMiss) {
			return false, false, nil
		}
		return false, false, err
	}
	return value == "granted", true, nil
}

// MemoryRefStore is an in-process RefStore used in tests and single-node setups
type MemoryRefStore struct {
	mu sync.Mutex
	id uuid.UUID
	ok bool
}

// NewMemoryRefStore creates an empty in-memory RefStore
func NewMemoryRefStore() *MemoryRefStore {
	return &MemoryRefStore{}
}

// Get returns the remembered session id
func (s *MemoryRefStore) Get(ctx context.Context) (uuid.UUID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.ok, nil
}

// Set remembers a session id
func (s *MemoryRefStore) Set(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.ok = id, true
	return nil
}

// Clear forgets the remembered session id
func (s *MemoryRefStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.ok = uuid.Nil, false
	return nil
}
