package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/common"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/session"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/internal/storage"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/types"
)

var pathPattern = regexp.MustCompile(`^[^/]+/[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}-.+$`)

func setupTestDB(t *testing.T) *common.Database {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(&types.GuestUploadSession{})
	require.NoError(t, err)

	return &common.Database{DB: db}
}

func setupTestRouter(t *testing.T) (*Router, *session.Service, storage.ObjectStore) {
	store, err := storage.NewLocalStorage(t.TempDir(), "http://localhost/files")
	require.NoError(t, err)

	sessions := session.NewService(setupTestDB(t))

	uploadConfig := &config.UploadConfig{
		MaxFileSize:       1024,
		AllowedExtensions: []string{".jpg", ".jpeg", ".png"},
	}

	return NewRouter(store, sessions, uploadConfig), sessions, store
}

func photo(name, content string) File {
	return File{
		Name:        name,
		Size:        int64(len(content)),
		ContentType: "image/jpeg",
		Content:     strings.NewReader(content),
	}
}

func TestUpload_Authenticated(t *testing.T) {
	router, _, store := setupTestRouter(t)
	ctx := context.Background()
	userID := uuid.New()

	asset, err := router.Upload(ctx, types.Authenticated(userID), nil, photo("photo.jpg", "jpeg bytes"))

	require.NoError(t, err)
	assert.Equal(t, types.RealmAuthenticated, asset.Realm)
	assert.True(t, strings.HasPrefix(asset.Path, userID.String()+"/"))
	assert.True(t, pathPattern.MatchString(asset.Path), "path %q must follow {owner}/{uuid}-{filename}", asset.Path)
	assert.True(t, strings.HasSuffix(asset.Path, "-photo.jpg"))
	assert.Equal(t, "http://localhost/files/"+asset.Path, asset.PublicURL)

	// The URL is resolvable: the bytes are already durable
	exists, err := store.Exists(ctx, asset.Path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestUpload_AnonymousCreatesSessionLazily(t *testing.T) {
	router, sessions, _ := setupTestRouter(t)
	ctx := context.Background()
	refs := session.NewMemoryRefStore()

	asset, err := router.Upload(ctx, types.Anonymous(), refs, photo("item.png", "png bytes"))
	require.NoError(t, err)
	assert.Equal(t, types.RealmGuest, asset.Realm)

	// The session was created on first upload and remembered
	sessionID, ok, err := refs.Get(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(asset.Path, sessionID.String()+"/"))

	// fileCount tracks successful uploads
	sess, err := sessions.Resolve(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.FileCount)

	_, err = router.Upload(ctx, types.Anonymous(), refs, photo("item2.png", "more bytes"))
	require.NoError(t, err)

	sess, err = sessions.Resolve(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.FileCount)
}

func TestUpload_AnonymousReusesOpenSession(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()
	refs := session.NewMemoryRefStore()

	first, err := router.Upload(ctx, types.Anonymous(), refs, photo("a.jpg", "a"))
	require.NoError(t, err)
	second, err := router.Upload(ctx, types.Anonymous(), refs, photo("b.jpg", "b"))
	require.NoError(t, err)

	namespace := func(path string) string { return strings.SplitN(path, "/", 2)[0] }
	assert.Equal(t, namespace(first.Path), namespace(second.Path))
}

func TestUpload_FileRejected_TooLarge(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()

	big := File{
		Name:        "huge.jpg",
		Size:        2048, // limit is 1024
		ContentType: "image/jpeg",
		Content:     strings.NewReader("x"),
	}

	asset, err := router.Upload(ctx, types.Authenticated(uuid.New()), nil, big)

	assert.Nil(t, asset)
	assert.ErrorIs(t, err, ErrFileRejected)
}

func TestUpload_FileRejected_UnsupportedType(t *testing.T) {
	router, _, store := setupTestRouter(t)
	ctx := context.Background()

	asset, err := router.Upload(ctx, types.Authenticated(uuid.New()), nil, File{
		Name:        "malware.exe",
		Size:        10,
		ContentType: "application/octet-stream",
		Content:     strings.NewReader("MZ"),
	})

	assert.Nil(t, asset)
	assert.ErrorIs(t, err, ErrFileRejected)

	// Rejection happens before any storage write
	paths, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestUpload_SanitizesFilename(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()

	asset, err := router.Upload(ctx, types.Authenticated(uuid.New()), nil, photo("../../escape attempt.jpg", "bytes"))

	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(asset.Path, "-escape-attempt.jpg"))
	assert.NotContains(t, asset.Path, "..")
}

func TestUploadAll_OrderAndProgress(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()

	files := []File{
		photo("one.jpg", "1"),
		photo("two.jpg", "22"),
		photo("three.jpg", "333"),
	}

	var progress []float64
	result := router.UploadAll(ctx, types.Authenticated(uuid.New()), nil, files, func(completed, total int) {
		progress = append(progress, float64(completed)/float64(total))
	})

	require.Len(t, result.Assets, 3)
	assert.Empty(t, result.Failures)

	// Results preserve input order
	assert.True(t, strings.HasSuffix(result.Assets[0].Path, "-one.jpg"))
	assert.True(t, strings.HasSuffix(result.Assets[1].Path, "-two.jpg"))
	assert.True(t, strings.HasSuffix(result.Assets[2].Path, "-three.jpg"))

	// Progress is reported after each file and is monotonically non-decreasing
	require.Len(t, progress, 3)
	assert.InDelta(t, 1.0/3.0, progress[0], 1e-9)
	assert.InDelta(t, 2.0/3.0, progress[1], 1e-9)
	assert.InDelta(t, 1.0, progress[2], 1e-9)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
}

func TestUploadAll_FailureDoesNotAbortSiblings(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()

	files := []File{
		photo("good1.jpg", "ok"),
		photo("rejected.exe", "MZ"),
		photo("good2.jpg", "ok"),
	}

	var progressCalls int
	result := router.UploadAll(ctx, types.Authenticated(uuid.New()), nil, files, func(completed, total int) {
		progressCalls++
	})

	require.Len(t, result.Assets, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "rejected.exe", result.Failures[0].Name)
	assert.ErrorIs(t, result.Failures[0].Err, ErrFileRejected)

	// Every file counted toward progress, failed or not
	assert.Equal(t, 3, progressCalls)
}

func TestUploadAll_StorageFailureIsAttributed(t *testing.T) {
	sessions := session.NewService(setupTestDB(t))
	store := &flakyStore{
		inner:    mustLocal(t),
		failName: "broken.jpg",
	}
	router := NewRouter(store, sessions, &config.UploadConfig{
		MaxFileSize:       1024,
		AllowedExtensions: []string{".jpg"},
	})

	files := []File{
		photo("fine.jpg", "ok"),
		photo("broken.jpg", "boom"),
	}

	result := router.UploadAll(context.Background(), types.Authenticated(uuid.New()), nil, files, nil)

	require.Len(t, result.Assets, 1)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "broken.jpg", result.Failures[0].Name)
	assert.ErrorIs(t, result.Failures[0].Err, ErrStorageWrite)
	assert.Contains(t, result.Failures[0].Notice(), "upload service unavailable")
}

func TestListOwnedAssets(t *testing.T) {
	router, _, _ := setupTestRouter(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := router.Upload(ctx, types.Authenticated(userID), nil, photo("a.jpg", "a"))
	require.NoError(t, err)
	_, err = router.Upload(ctx, types.Authenticated(userID), nil, photo("b.jpg", "b"))
	require.NoError(t, err)

	urls, err := router.ListOwnedAssets(ctx, types.Authenticated(userID), nil)
	require.NoError(t, err)
	assert.Len(t, urls, 2)
	for _, u := range urls {
		assert.Contains(t, u, userID.String()+"/")
	}
}

func TestListOwnedAssets_AnonymousWithoutSession(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	urls, err := router.ListOwnedAssets(context.Background(), types.Anonymous(), session.NewMemoryRefStore())
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestFileFailure_Notices(t *testing.T) {
	rejected := FileFailure{Name: "a.bmp", Err: fmt.Errorf("%w: nope", ErrFileRejected)}
	assert.Contains(t, rejected.Notice(), "too large or unsupported")

	noSession := FileFailure{Name: "a.jpg", Err: fmt.Errorf("%w: redis down", session.ErrCreationFailed)}
	assert.Contains(t, noSession.Notice(), "could not start your session")

	transient := FileFailure{Name: "a.jpg", Err: fmt.Errorf("%w: 503", ErrStorageWrite)}
	assert.Contains(t, transient.Notice(), "try again")
}

// Helpers

func mustLocal(t *testing.T) *storage.LocalStorage {
	store, err := storage.NewLocalStorage(t.TempDir(), "http://localhost/files")
	require.NoError(t, err)
	return store
}

// flakyStore fails writes whose path ends in failName
type flakyStore struct {
	inner    *storage.LocalStorage
	failName string
}

func (f *flakyStore) Store(ctx context.Context, path string, content io.Reader, contentType string, metadata map[string]string) error {
	if strings.HasSuffix(path, f.failName) {
		return errors.New("simulated backend error")
	}
	return f.inner.Store(ctx, path, content, contentType, metadata)
}

func (f *flakyStore) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	return f.inner.Retrieve(ctx, path)
}

func (f *flakyStore) Delete(ctx context.Context, path string) error {
	return f.inner.Delete(ctx, path)
}

func (f *flakyStore) Exists(ctx context.Context, path string) (bool, error) {
	return f.inner.Exists(ctx, path)
}

func (f *flakyStore) GetSize(ctx context.Context, path string) (int64, error) {
	return f.inner.GetSize(ctx, path)
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]string, error) {
	return f.inner.List(ctx, prefix)
}

func (f *flakyStore) URL(path string) string {
	return f.inner.URL(path)
}
