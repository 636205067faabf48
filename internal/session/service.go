// Package session manages the time-boxed anonymous identity that anchors
// uploads made before a visitor authenticates.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/common"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
)

// TTL is the fixed validity window of a guest session, measured from creation.
// It is not configurable per-session.
const TTL = 48 * time.Hour

var (
	// ErrCreationFailed is returned when a new session could not be created
	// or its reference could not be persisted. The caller must not proceed
	// to upload.
	ErrCreationFailed = errors.New("session creation failed")

	// ErrUnavailable is returned when a session id resolves to a session in
	// a terminal state (expired or migrated) or to no session at all.
	ErrUnavailable = errors.New("session unavailable")

	// ErrAlreadyMigrated is returned when MarkMigrated is called with a
	// different identity than the one that already absorbed the session.
	ErrAlreadyMigrated = errors.New("session already migrated to a different identity")
)

// Service manages guest upload sessions
type Service struct {
	db  *common.Database
	now func() time.Time
}

// NewService creates a new guest session service
func NewService(db *common.Database) *Service {
	return &Service{
		db:  db,
		now: time.Now,
	}
}

// GetOrCreate returns the device's open guest session, creating a fresh one
// when no session is remembered or the remembered one is expired, migrated or
// gone. A persistence failure surfaces immediately as ErrCreationFailed; there
// is no retry here.
func (s *Service) GetOrCreate(ctx context.Context, refs RefStore) (*types.GuestUploadSession, error) {
	id, ok, err := refs.Get(ctx)
	if err != nil {
		// A broken ref store must not block the visitor; treat as no session
		log.Warn().Err(err).Msg("failed to read session ref, starting fresh")
		ok = false
	}

	if ok {
		var existing types.GuestUploadSession
		err := s.db.WithContext(ctx).First(&existing, "id = ?", id).Error
		switch {
		case err == nil && existing.IsOpen(s.now()):
			return &existing, nil
		case err == nil:
			log.Info().
				Str("session_id", id.String()).
				Bool("migrated", existing.IsMigrated()).
				Msg("remembered session is terminal, creating fresh")
		case errors.Is(err, gorm.ErrRecordNotFound):
			log.Info().Str("session_id", id.String()).Msg("remembered session no longer resolves, creating fresh")
		default:
			return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
		}
	}

	now := s.now()
	created := &types.GuestUploadSession{
		ExpiresAt: now.Add(TTL),
	}
	if err := s.db.WithContext(ctx).Create(created).Error; err != nil {
		log.Error().Err(err).Msg("failed to create guest session")
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	// A session the device cannot remember anchors nothing
	if err := refs.Set(ctx, created.ID); err != nil {
		log.Error().Err(err).Str("session_id", created.ID.String()).Msg("failed to persist session ref")
		return nil, fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	log.Info().
		Str("session_id", created.ID.String()).
		Time("expires_at", created.ExpiresAt).
		Msg("guest session created")
	return created, nil
}

// Resolve returns the session for the given id if it is still open.
// Terminal or missing sessions yield ErrUnavailable.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID) (*types.GuestUploadSession, error) {
	var sess types.GuestUploadSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s not found", ErrUnavailable, id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if !sess.IsOpen(s.now()) {
		return nil, fmt.Errorf("%w: session %s is expired or migrated", ErrUnavailable, id)
	}
	return &sess, nil
}

// Lookup returns the session row regardless of state. Used by the migration
// coordinator, which needs to inspect terminal sessions.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*types.GuestUploadSession, error) {
	var sess types.GuestUploadSession
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: session %s not found", ErrUnavailable, id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// RecordLocationConsent sets or clears the session's location fields. Clearing
// nulls all four fields in a single update; partial location state is never a
// valid value.
func (s *Service) RecordLocationConsent(ctx context.Context, id uuid.UUID, location *types.GeoLocation) error {
	sess, err := s.Resolve(ctx, id)
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"latitude":             nil,
		"longitude":            nil,
		"accuracy":             nil,
		"location_captured_at": nil,
	}
	if location != nil {
		updates["latitude"] = location.Latitude
		updates["longitude"] = location.Longitude
		updates["accuracy"] = location.Accuracy
		updates["location_captured_at"] = location.CapturedAt
	}

	if err := s.db.WithContext(ctx).Model(sess).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to record location consent: %w", err)
	}

	log.Info().
		Str("session_id", id.String()).
		Bool("granted", location != nil).
		Msg("location consent recorded")
	return nil
}

// IncrementFileCount bumps the session's monotonic upload counter
func (s *Service) IncrementFileCount(ctx context.Context, id uuid.UUID) error {
	result := s.db.WithContext(ctx).
		Model(&types.GuestUploadSession{}).
		Where("id = ?", id).
		Update("file_count", gorm.Expr("file_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("failed to increment file count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: session %s not found", ErrUnavailable, id)
	}
	return nil
}

// MarkMigrated moves the session into its migrated terminal state. Calling it
// again with the same identity is a no-op; a different identity is rejected
// with ErrAlreadyMigrated.
func (s *Service) MarkMigrated(ctx context.Context, id uuid.UUID, userID uuid.UUID) error {
	sess, err := s.Lookup(ctx, id)
	if err != nil {
		return err
	}

	if sess.IsMigrated() {
		if *sess.MigratedToUserID == userID {
			return nil
		}
		return fmt.Errorf("%w: session %s belongs to %s", ErrAlreadyMigrated, id, *sess.MigratedToUserID)
	}

	if sess.IsExpired(s.now()) {
		return fmt.Errorf("%w: session %s is expired", ErrUnavailable, id)
	}

	now := s.now()
	updates := map[string]interface{}{
		"migrated_to_user_id": userID,
		"migrated_at":         now,
	}
	if err := s.db.WithContext(ctx).Model(sess).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to mark session migrated: %w", err)
	}

	log.Info().
		Str("session_id", id.String()).
		Str("user_id", userID.String()).
		Msg("guest session migrated")
	return nil
}
