// Package migration moves the assets of a guest session into a user's
// authenticated namespace when the visitor signs in.
package migration

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/storage"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
)

// ErrStorageList is returned when the guest namespace cannot be enumerated.
// Nothing has been moved when this is returned.
var ErrStorageList = errors.New("failed to list guest assets")

// ObjectFailure attributes a migration failure to one object. The object is
// still owned by the guest realm.
type ObjectFailure struct {
	Path string `json:"path"`
	Err  error  `json:"-"`
}

// Result reports the outcome of one migration run. SessionClosed is true only
// when every object moved and the session reached its migrated terminal state.
type Result struct {
	Moved         []types.MovedObject `json:"moved"`
	Failures      []ObjectFailure     `json:"failures,omitempty"`
	SessionClosed bool                `json:"session_closed"`
}

// Coordinator transfers asset ownership from the guest realm to the
// authenticated realm, object by object
type Coordinator struct {
	store    storage.ObjectStore
	sessions *session.Service
}

// NewCoordinator creates a new migration coordinator
func NewCoordinator(store storage.ObjectStore, sessions *session.Service) *Coordinator {
	return &Coordinator{
		store:    store,
		sessions: sessions,
	}
}

// Migrate moves every object under the session's namespace into the user's
// namespace, copy first, delete after. Objects keep their "{uuid}-{filename}"
// name, so a retried run overwrites rather than duplicates. A failure on one
// object is recorded and the remaining objects are still attempted. The
// session is marked migrated and the device ref cleared only when every object
// moved; a partial run leaves the session open so the caller can retry.
func (c *Coordinator) Migrate(ctx context.Context, refs session.RefStore, sessionID, userID uuid.UUID) (*Result, error) {
	sess, err := c.sessions.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if sess.IsMigrated() {
		if *sess.MigratedToUserID == userID {
			// Replayed login callback, nothing left to move
			log.Info().
				Str("session_id", sessionID.String()).
				Str("user_id", userID.String()).
				Msg("session already migrated, nothing to do")
			return &Result{SessionClosed: true}, nil
		}
		return nil, fmt.Errorf("%w: session %s belongs to %s",
			session.ErrAlreadyMigrated, sessionID, *sess.MigratedToUserID)
	}

	if sess.IsExpired(time.Now()) {
		return nil, fmt.Errorf("%w: session %s is expired", session.ErrUnavailable, sessionID)
	}

	guestPrefix := sessionID.String() + "/"
	paths, err := c.store.List(ctx, guestPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageList, err)
	}

	now := time.Now().UTC()
	meta := &types.AssetMetadata{
		Version:      types.MetadataVersion,
		Provenance:   types.ProvenanceGuest,
		OwnerID:      userID.String(),
		UploadedAt:   now,
		MigratedFrom: sessionID.String(),
		MigratedAt:   &now,
		Location:     sess.Location(),
	}

	result := &Result{}
	for _, oldPath := range paths {
		newPath := userID.String() + "/" + oldPath[len(guestPrefix):]

		if err := c.moveObject(ctx, oldPath, newPath, meta); err != nil {
			log.Warn().Err(err).
				Str("old_path", oldPath).
				Str("new_path", newPath).
				Msg("failed to move asset, leaving it in guest namespace")
			result.Failures = append(result.Failures, ObjectFailure{Path: oldPath, Err: err})
			continue
		}

		result.Moved = append(result.Moved, types.MovedObject{
			OldPath: oldPath,
			NewPath: newPath,
			URL:     c.store.URL(newPath),
		})
	}

	if len(result.Failures) > 0 {
		log.Warn().
			Str("session_id", sessionID.String()).
			Int("moved", len(result.Moved)).
			Int("failed", len(result.Failures)).
			Msg("migration incomplete, session stays open for retry")
		return result, nil
	}

	if err := c.sessions.MarkMigrated(ctx, sessionID, userID); err != nil {
		return result, err
	}
	result.SessionClosed = true

	if refs != nil {
		// The session is terminal now; a stale ref would only make the next
		// anonymous visit start fresh anyway
		if err := refs.Clear(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to clear session ref")
		}
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("user_id", userID.String()).
		Int("moved", len(result.Moved)).
		Msg("guest session assets migrated")
	return result, nil
}

// moveObject copies one object into the authenticated namespace, then deletes
// the guest copy. The copy lands before the guest copy disappears, so a crash
// between the two steps duplicates rather than loses bytes.
func (c *Coordinator) moveObject(ctx context.Context, oldPath, newPath string, meta *types.AssetMetadata) error {
	content, err := c.store.Retrieve(ctx, oldPath)
	if err != nil {
		return fmt.Errorf("failed to retrieve object: %w", err)
	}
	defer content.Close()

	if err := c.store.Store(ctx, newPath, content, contentTypeFor(newPath), meta.Encode()); err != nil {
		return fmt.Errorf("failed to store object copy: %w", err)
	}

	if err := c.store.Delete(ctx, oldPath); err != nil {
		return fmt.Errorf("failed to delete guest copy: %w", err)
	}
	return nil
}

func contentTypeFor(objectPath string) string {
	if ct := mime.TypeByExtension(path.Ext(objectPath)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
