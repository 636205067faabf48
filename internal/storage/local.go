package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// metaSuffix names the sidecar file holding an object's metadata record.
// Sidecars are invisible to List and removed together with their object.
const metaSuffix = ".meta.json"

// LocalStorage implements ObjectStore on the local filesystem
type LocalStorage struct {
	basePath  string
	publicURL string
	mutex     sync.RWMutex // For concurrent access safety
}

// NewLocalStorage creates a new local storage instance
func NewLocalStorage(basePath, publicURL string) (*LocalStorage, error) {
	// Ensure the base directory exists
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Error().Err(err).Str("path", basePath).Msg("failed to create storage directory")
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	log.Info().Str("path", basePath).Msg("local storage initialized")
	return &LocalStorage{
		basePath:  basePath,
		publicURL: strings.TrimSuffix(publicURL, "/"),
	}, nil
}

// Store saves content to the local filesystem with atomic writes and a
// metadata sidecar
func (ls *LocalStorage) Store(ctx context.Context, path string, content io.Reader, contentType string, metadata map[string]string) error {
	startTime := time.Now()

	// Check if context is cancelled before starting
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Ensure the directory exists
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Error().Err(err).Str("path", path).Str("dir", dir).Msg("failed to create directory")
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Create temporary file for atomic write
	tempPath := fullPath + ".tmp." + fmt.Sprintf("%d", time.Now().UnixNano())
	tempFile, err := os.Create(tempPath)
	if err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to create temporary file")
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	// Ensure cleanup of temp file on failure
	defer func() {
		tempFile.Close()
		if _, err := os.Stat(tempPath); err == nil {
			os.Remove(tempPath)
		}
	}()

	// Create hash writer for integrity verification
	hasher := sha256.New()
	multiWriter := io.MultiWriter(tempFile, hasher)

	// Copy content to temp file while calculating checksum
	bytesWritten, err := io.Copy(multiWriter, content)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write content to temporary file")
		return fmt.Errorf("failed to write content: %w", err)
	}

	// Ensure data is flushed to disk
	if err := tempFile.Sync(); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to sync temporary file")
		return fmt.Errorf("failed to sync temporary file: %w", err)
	}

	tempFile.Close()

	// Atomic move from temp to final location
	if err := os.Rename(tempPath, fullPath); err != nil {
		log.Error().Err(err).Str("path", path).Str("temp_path", tempPath).Msg("failed to move temporary file to final location")
		return fmt.Errorf("failed to move file to final location: %w", err)
	}

	if err := ls.writeSidecar(fullPath, contentType, metadata); err != nil {
		log.Error().Err(err).Str("path", path).Msg("failed to write metadata sidecar")
		return fmt.Errorf("failed to write metadata sidecar: %w", err)
	}

	// Calculate checksum for logging
	checksum := hex.EncodeToString(hasher.Sum(nil))
	duration := time.Since(startTime)

	log.Info().
		Str("path", path).
		Str("content_type", contentType).
		Int64("bytes_written", bytesWritten).
		Str("checksum", checksum).
		Dur("duration", duration).
		Msg("object stored successfully")

	return nil
}

// sidecar is the on-disk metadata record next to each stored object
type sidecar struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func (ls *LocalStorage) writeSidecar(fullPath, contentType string, metadata map[string]string) error {
	data, err := json.Marshal(sidecar{ContentType: contentType, Metadata: metadata})
	if err != nil {
		return err
	}
	return os.WriteFile(fullPath+metaSuffix, data, 0644)
}

// Metadata reads the metadata record stored alongside an object
func (ls *LocalStorage) Metadata(ctx context.Context, path string) (map[string]string, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	data, err := os.ReadFile(filepath.Join(ls.basePath, path) + metaSuffix)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read metadata sidecar: %w", err)
	}

	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to decode metadata sidecar: %w", err)
	}
	return sc.Metadata, nil
}

// Retrieve gets content from the local filesystem with concurrent access safety
func (ls *LocalStorage) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	startTime := time.Now()
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("object not found")
			return nil, fmt.Errorf("object not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to open object")
		return nil, fmt.Errorf("failed to open object: %w", err)
	}

	// Get file info for logging
	info, _ := file.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}

	duration := time.Since(startTime)
	log.Debug().
		Str("path", path).
		Int64("size", size).
		Dur("duration", duration).
		Msg("object retrieved successfully")

	return file, nil
}

// Delete removes an object and its metadata sidecar
func (ls *LocalStorage) Delete(ctx context.Context, path string) error {
	startTime := time.Now()
	ls.mutex.Lock()
	defer ls.mutex.Unlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Check if object exists before deletion for better logging
	exists := true
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		exists = false
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("object already deleted or does not exist")
			return nil // Already deleted
		}
		log.Error().Err(err).Str("path", path).Msg("failed to delete object")
		return fmt.Errorf("failed to delete object: %w", err)
	}

	// The sidecar has no value without its object
	os.Remove(fullPath + metaSuffix)

	duration := time.Since(startTime)
	if exists {
		log.Info().
			Str("path", path).
			Dur("duration", duration).
			Msg("object deleted successfully")
	}

	return nil
}

// Exists checks if an object exists in the local filesystem
func (ls *LocalStorage) Exists(ctx context.Context, path string) (bool, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		log.Error().Err(err).Str("path", path).Msg("failed to check object existence")
		return false, fmt.Errorf("failed to check object existence: %w", err)
	}

	return true, nil
}

// GetSize returns the size of an object in the local filesystem
func (ls *LocalStorage) GetSize(ctx context.Context, path string) (int64, error) {
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	fullPath := filepath.Join(ls.basePath, path)

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug().Str("path", path).Msg("object not found when getting size")
			return 0, fmt.Errorf("object not found: %s", path)
		}
		log.Error().Err(err).Str("path", path).Msg("failed to get object info")
		return 0, fmt.Errorf("failed to get object info: %w", err)
	}

	size := info.Size()
	log.Debug().Str("path", path).Int64("size", size).Msg("object size retrieved")

	return size, nil
}

// List returns object paths matching the prefix, excluding metadata sidecars
func (ls *LocalStorage) List(ctx context.Context, prefix string) ([]string, error) {
	startTime := time.Now()
	ls.mutex.RLock()
	defer ls.mutex.RUnlock()

	searchPath := filepath.Join(ls.basePath, prefix)
	paths := []string{}

	// Check if context is cancelled
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	err := filepath.Walk(searchPath, func(path string, info os.FileInfo, err error) error {
		// Check for context cancellation during walk
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil {
			// Skip directories that don't exist or are inaccessible
			if os.IsNotExist(err) || os.IsPermission(err) {
				log.Debug().Err(err).Str("path", path).Msg("skipping inaccessible path")
				return filepath.SkipDir
			}
			return err
		}

		if !info.IsDir() && !strings.HasSuffix(path, metaSuffix) {
			relPath, err := filepath.Rel(ls.basePath, path)
			if err != nil {
				log.Error().Err(err).Str("path", path).Msg("failed to get relative path")
				return err
			}
			paths = append(paths, filepath.ToSlash(relPath))
		}

		return nil
	})

	if err != nil {
		log.Error().Err(err).Str("prefix", prefix).Msg("failed to list objects")
		return nil, fmt.Errorf("failed to list objects: %w", err)
	}

	duration := time.Since(startTime)
	log.Debug().
		Str("prefix", prefix).
		Int("count", len(paths)).
		Dur("duration", duration).
		Msg("objects listed successfully")

	return paths, nil
}

// URL returns the publicly resolvable URL for a stored path
func (ls *LocalStorage) URL(path string) string {
	return ls.publicURL + "/" + strings.TrimPrefix(path, "/")
}
