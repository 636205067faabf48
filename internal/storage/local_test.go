package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalStorage(t *testing.T) {
	tests := []struct {
		name        string
		basePath    string
		shouldError bool
	}{
		{
			name:        "valid path",
			basePath:    t.TempDir(),
			shouldError: false,
		},
		{
			name:        "non-existent path",
			basePath:    filepath.Join(t.TempDir(), "nested", "path"),
			shouldError: false,
		},
		{
			name:        "invalid path (file instead of directory)",
			basePath:    createTempFile(t),
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := NewLocalStorage(tt.basePath, "http://localhost/files")

			if tt.shouldError {
				assert.Error(t, err)
				assert.Nil(t, store)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, store)
				assert.Equal(t, tt.basePath, store.basePath)

				// Verify directory was created
				info, err := os.Stat(tt.basePath)
				assert.NoError(t, err)
				assert.True(t, info.IsDir())
			}
		})
	}
}

func TestLocalStorage_Store(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		path        string
		content     string
		contentType string
	}{
		{
			name:        "simple file",
			path:        "test.txt",
			content:     "hello world",
			contentType: "text/plain",
		},
		{
			name:        "namespaced path",
			path:        "session-abc/photo.jpg",
			content:     "jpeg bytes",
			contentType: "image/jpeg",
		},
		{
			name:        "binary content",
			path:        "binary.bin",
			content:     string([]byte{0x00, 0x01, 0x02, 0xFF}),
			contentType: "application/octet-stream",
		},
		{
			name:        "empty content",
			path:        "empty.txt",
			content:     "",
			contentType: "text/plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := strings.NewReader(tt.content)
			err := store.Store(ctx, tt.path, reader, tt.contentType, nil)
			assert.NoError(t, err)

			// Verify object exists
			exists, err := store.Exists(ctx, tt.path)
			assert.NoError(t, err)
			assert.True(t, exists)

			// Verify content
			retrieved, err := store.Retrieve(ctx, tt.path)
			assert.NoError(t, err)
			defer retrieved.Close()

			content, err := io.ReadAll(retrieved)
			assert.NoError(t, err)
			assert.Equal(t, tt.content, string(content))
		})
	}
}

func TestLocalStorage_StoreAtomic(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	// Test that failed writes don't leave partial files
	t.Run("failed write cleanup", func(t *testing.T) {
		// Create a reader that will fail after some data
		failing := &failingReader{
			data:      []byte("some data"),
			failAfter: 5,
		}

		err := store.Store(ctx, "failing.txt", failing, "text/plain", nil)
		assert.Error(t, err)

		// Verify no object was left behind
		exists, err := store.Exists(ctx, "failing.txt")
		assert.NoError(t, err)
		assert.False(t, exists)

		// Verify no temp files are left
		files, err := os.ReadDir(store.basePath)
		assert.NoError(t, err)
		for _, file := range files {
			assert.False(t, strings.Contains(file.Name(), ".tmp."),
				"temp file should not exist: %s", file.Name())
		}
	})
}

func TestLocalStorage_Metadata(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	metadata := map[string]string{
		"provenance": "guest",
		"owner-id":   "session-123",
	}

	err := store.Store(ctx, "meta_test.jpg", strings.NewReader("bytes"), "image/jpeg", metadata)
	require.NoError(t, err)

	got, err := store.Metadata(ctx, "meta_test.jpg")
	assert.NoError(t, err)
	assert.Equal(t, metadata, got)

	// Missing object has no metadata
	_, err = store.Metadata(ctx, "absent.jpg")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "object not found")
}

func TestLocalStorage_Retrieve(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	// Store test content
	testContent := "test content for retrieval"
	err := store.Store(ctx, "retrieve_test.txt", strings.NewReader(testContent), "text/plain", nil)
	require.NoError(t, err)

	tests := []struct {
		name        string
		path        string
		shouldError bool
		expectedErr string
	}{
		{
			name:        "existing object",
			path:        "retrieve_test.txt",
			shouldError: false,
		},
		{
			name:        "non-existent object",
			path:        "non_existent.txt",
			shouldError: true,
			expectedErr: "object not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader, err := store.Retrieve(ctx, tt.path)

			if tt.shouldError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectedErr)
				assert.Nil(t, reader)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, reader)
				defer reader.Close()

				content, err := io.ReadAll(reader)
				assert.NoError(t, err)
				assert.Equal(t, testContent, string(content))
			}
		})
	}
}

func TestLocalStorage_Delete(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	// Store test content with metadata so a sidecar exists
	testPath := "delete_test.txt"
	err := store.Store(ctx, testPath, strings.NewReader("test content"), "text/plain", map[string]string{"k": "v"})
	require.NoError(t, err)

	// Deleting an existing object removes it and its sidecar
	err = store.Delete(ctx, testPath)
	assert.NoError(t, err)

	exists, err := store.Exists(ctx, testPath)
	assert.NoError(t, err)
	assert.False(t, exists)

	_, err = os.Stat(filepath.Join(store.basePath, testPath+metaSuffix))
	assert.True(t, os.IsNotExist(err), "sidecar should be removed with its object")

	// Deleting a non-existent object is not an error
	err = store.Delete(ctx, "non_existent.txt")
	assert.NoError(t, err)
}

func TestLocalStorage_GetSize(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	testContent := "test content with known size"
	testPath := "size_test.txt"
	err := store.Store(ctx, testPath, strings.NewReader(testContent), "text/plain", nil)
	require.NoError(t, err)

	size, err := store.GetSize(ctx, testPath)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(testContent)), size)

	_, err = store.GetSize(ctx, "non_existent.txt")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "object not found")
}

func TestLocalStorage_List(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	// Store test objects across two owner namespaces, with metadata so
	// sidecars exist
	testFiles := []string{
		"session-1/a.jpg",
		"session-1/b.jpg",
		"user-9/c.jpg",
	}

	for _, file := range testFiles {
		err := store.Store(ctx, file, strings.NewReader("content"), "image/jpeg", map[string]string{"k": "v"})
		require.NoError(t, err)
	}

	tests := []struct {
		name          string
		prefix        string
		expectedFiles []string
	}{
		{
			name:          "root level",
			prefix:        "",
			expectedFiles: testFiles,
		},
		{
			name:   "session namespace",
			prefix: "session-1",
			expectedFiles: []string{
				"session-1/a.jpg",
				"session-1/b.jpg",
			},
		},
		{
			name:          "non-existent prefix",
			prefix:        "nonexistent",
			expectedFiles: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			files, err := store.List(ctx, tt.prefix)
			assert.NoError(t, err)

			// Sidecars must never show up in listings
			assert.ElementsMatch(t, tt.expectedFiles, files)
		})
	}
}

func TestLocalStorage_URL(t *testing.T) {
	store, err := NewLocalStorage(t.TempDir(), "http://cdn.example.com/files/")
	require.NoError(t, err)

	assert.Equal(t, "http://cdn.example.com/files/user-1/photo.jpg", store.URL("user-1/photo.jpg"))
	assert.Equal(t, "http://cdn.example.com/files/a.txt", store.URL("/a.txt"))
}

func TestLocalStorage_ConcurrentAccess(t *testing.T) {
	store := setupTestStorage(t)
	ctx := context.Background()

	// Test concurrent writes
	t.Run("concurrent writes", func(t *testing.T) {
		const numGoroutines = 10
		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func(index int) {
				defer wg.Done()

				path := fmt.Sprintf("concurrent_%d.txt", index)
				content := fmt.Sprintf("content from goroutine %d", index)

				err := store.Store(ctx, path, strings.NewReader(content), "text/plain", nil)
				assert.NoError(t, err)
			}(i)
		}

		wg.Wait()

		// Verify all objects were created
		for i := 0; i < numGoroutines; i++ {
			path := fmt.Sprintf("concurrent_%d.txt", i)
			exists, err := store.Exists(ctx, path)
			assert.NoError(t, err)
			assert.True(t, exists)
		}
	})

	// Test concurrent reads
	t.Run("concurrent reads", func(t *testing.T) {
		testPath := "concurrent_read.txt"
		testContent := "shared content for concurrent reads"
		err := store.Store(ctx, testPath, strings.NewReader(testContent), "text/plain", nil)
		require.NoError(t, err)

		const numGoroutines = 10
		var wg sync.WaitGroup
		wg.Add(numGoroutines)

		for i := 0; i < numGoroutines; i++ {
			go func() {
				defer wg.Done()

				reader, err := store.Retrieve(ctx, testPath)
				assert.NoError(t, err)
				defer reader.Close()

				content, err := io.ReadAll(reader)
				assert.NoError(t, err)
				assert.Equal(t, testContent, string(content))
			}()
		}

		wg.Wait()
	})
}

func TestLocalStorage_ContextCancellation(t *testing.T) {
	store := setupTestStorage(t)

	t.Run("store with cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		err := store.Store(ctx, "cancelled.txt", strings.NewReader("content"), "text/plain", nil)
		assert.Error(t, err)
		assert.Equal(t, context.Canceled, err)
	})

	t.Run("retrieve with cancelled context", func(t *testing.T) {
		err := store.Store(context.Background(), "retrieve_cancel.txt", strings.NewReader("content"), "text/plain", nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		reader, err := store.Retrieve(ctx, "retrieve_cancel.txt")
		assert.Error(t, err)
		assert.Equal(t, context.Canceled, err)
		assert.Nil(t, reader)
	})
}

// Helper functions

func setupTestStorage(t *testing.T) *LocalStorage {
	tempDir := t.TempDir()
	store, err := NewLocalStorage(tempDir, "http://localhost/files")
	require.NoError(t, err)
	return store
}

func createTempFile(t *testing.T) string {
	tempFile, err := os.CreateTemp("", "test")
	require.NoError(t, err)
	tempFile.Close()
	return tempFile.Name()
}

// failingReader is a test helper that fails after reading a certain number of bytes
type failingReader struct {
	data      []byte
	pos       int
	failAfter int
}

func (fr *failingReader) Read(p []byte) (n int, err error) {
	if fr.pos >= fr.failAfter {
		return 0, io.ErrUnexpectedEOF
	}

	if fr.pos >= len(fr.data) {
		return 0, io.EOF
	}

	n = copy(p, fr.data[fr.pos:])
	fr.pos += n

	if fr.pos >= fr.failAfter {
		return n, io.ErrUnexpectedEOF
	}

	return n, nil
}
