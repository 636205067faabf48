// Package uploader routes asset uploads into the guest or authenticated
// storage realm under the owner-namespaced path convention.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/storage"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/utils"
)

var (
	// ErrFileRejected means the file failed local validation (size or type)
	// before any network call was made.
	ErrFileRejected = errors.New("file rejected")

	// ErrStorageWrite means the storage backend failed to persist the file.
	ErrStorageWrite = errors.New("storage write failed")
)

// File is one upload submission
type File struct {
	Name        string
	Size        int64
	ContentType string
	Content     io.Reader
}

// FileFailure attributes a batch failure to the specific file that failed
type FileFailure struct {
	Name string
	Err  error
}

// Notice renders the human-readable message for this failure, distinguishing
// immediately actionable problems from transient ones
func (f FileFailure) Notice() string {
	switch {
	case errors.Is(f.Err, ErrFileRejected):
		return fmt.Sprintf("%s: file is too large or unsupported", f.Name)
	case errors.Is(f.Err, session.ErrCreationFailed), errors.Is(f.Err, session.ErrUnavailable):
		return "could not start your session, please try again"
	default:
		return fmt.Sprintf("%s: upload service unavailable, try again", f.Name)
	}
}

// BatchResult carries both the URLs that succeeded and the failures, in order
type BatchResult struct {
	Assets   []types.UploadedAsset
	Failures []FileFailure
}

// ProgressFunc receives monotonic progress after each completed file;
// the fraction is completed/total.
type ProgressFunc func(completed, total int)

// Router chooses, per upload, whether an asset belongs in the anonymous or
// the authenticated realm and delegates to the object store under the
// correct namespace.
type Router struct {
	store       storage.ObjectStore
	sessions    *session.Service
	maxFileSize int64
	allowedExts map[string]bool
}

// NewRouter creates a new upload router
func NewRouter(store storage.ObjectStore, sessions *session.Service, cfg *config.UploadConfig) *Router {
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[ext] = true
	}
	return &Router{
		store:       store,
		sessions:    sessions,
		maxFileSize: cfg.MaxFileSize,
		allowedExts: allowed,
	}
}

// Upload validates the file locally, then writes it under
// {ownerNamespace}/{uuid}-{originalFilename}. Anonymous uploads obtain or
// validate a guest session first and bump its file counter. The returned
// asset carries a publicly resolvable URL; there is no "URL pending" state.
func (r *Router) Upload(ctx context.Context, identity types.Identity, refs session.RefStore, file File) (*types.UploadedAsset, error) {
	if err := r.validate(file); err != nil {
		return nil, err
	}

	var (
		namespace string
		realm     types.Realm
		meta      *types.AssetMetadata
		sessionID uuid.UUID
	)

	if identity.Anonymous {
		sess, err := r.sessions.GetOrCreate(ctx, refs)
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
		namespace = sess.ID.String()
		realm = types.RealmGuest
		meta = &types.AssetMetadata{
			Version:    types.MetadataVersion,
			Provenance: types.ProvenanceDirect,
			OwnerID:    sess.ID.String(),
			UploadedAt: time.Now().UTC(),
		}
	} else {
		namespace = identity.UserID.String()
		realm = types.RealmAuthenticated
		meta = &types.AssetMetadata{
			Version:    types.MetadataVersion,
			Provenance: types.ProvenanceDirect,
			OwnerID:    identity.UserID.String(),
			UploadedAt: time.Now().UTC(),
		}
	}

	path := fmt.Sprintf("%s/%s-%s", namespace, uuid.New(), utils.SanitizeFilename(file.Name))

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	if err := r.store.Store(ctx, path, file.Content, contentType, meta.Encode()); err != nil {
		log.Error().Err(err).Str("path", path).Str("realm", string(realm)).Msg("upload failed")
		return nil, fmt.Errorf("%w: %v", ErrStorageWrite, err)
	}

	if identity.Anonymous {
		// The object is durable either way; a lost counter tick is not worth
		// failing the upload over
		if err := r.sessions.IncrementFileCount(ctx, sessionID); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("failed to increment session file count")
		}
	}

	asset := &types.UploadedAsset{
		Path:      path,
		PublicURL: r.store.URL(path),
		Realm:     realm,
	}

	log.Info().
		Str("path", path).
		Str("realm", string(realm)).
		Int64("size", file.Size).
		Msg("asset uploaded")
	return asset, nil
}

// UploadAll processes files strictly in input order, reporting progress after
// each completed file. A failure on one file does not abort the remaining
// files; the caller receives both the assets that succeeded and the failures.
func (r *Router) UploadAll(ctx context.Context, identity types.Identity, refs session.RefStore, files []File, onProgress ProgressFunc) *BatchResult {
	result := &BatchResult{}
	total := len(files)

	for i, file := range files {
		asset, err := r.Upload(ctx, identity, refs, file)
		if err != nil {
			log.Warn().Err(err).Str("file", file.Name).Int("index", i).Msg("batch upload: file failed")
			result.Failures = append(result.Failures, FileFailure{Name: file.Name, Err: err})
		} else {
			result.Assets = append(result.Assets, *asset)
		}

		if onProgress != nil {
			onProgress(i+1, total)
		}
	}

	return result
}

// ListOwnedAssets returns the URLs of every asset under the identity's
// namespace: the guest session's for anonymous callers, the user's otherwise
func (r *Router) ListOwnedAssets(ctx context.Context, identity types.Identity, refs session.RefStore) ([]string, error) {
	var namespace string
	if identity.Anonymous {
		id, ok, err := refs.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read session ref: %w", err)
		}
		if !ok {
			return []string{}, nil
		}
		namespace = id.String()
	} else {
		namespace = identity.UserID.String()
	}

	paths, err := r.store.List(ctx, namespace+"/")
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	urls := make([]string, 0, len(paths))
	for _, p := range paths {
		urls = append(urls, r.store.URL(p))
	}
	return urls, nil
}

// validate applies the local size and type checks. It never touches the
// network.
func (r *Router) validate(file File) error {
	if r.maxFileSize > 0 && file.Size > r.maxFileSize {
		return fmt.Errorf("%w: %s exceeds %s", ErrFileRejected, file.Name, utils.FormatBytes(r.maxFileSize))
	}

	ext := utils.FileExtension(file.Name)
	if !r.allowedExts[ext] {
		return fmt.Errorf("%w: unsupported file type %q", ErrFileRejected, ext)
	}

	return nil
}
