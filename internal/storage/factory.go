package storage

import (
	"fmt"

	"github.com/RepeatAl/whatsgonow-ride-share-connect-sub000/pkg/config"
)

// StorageFactory creates storage instances based on configuration
type StorageFactory struct {
	config *config.StorageConfig
}

// NewStorageFactory creates a new storage factory
func NewStorageFactory(config *config.StorageConfig) *StorageFactory {
	return &StorageFactory{config: config}
}

// CreateStorage creates a storage instance based on the configured type
func (sf *StorageFactory) CreateStorage() (ObjectStore, error) {
	switch sf.config.Type {
	case "local":
		return NewLocalStorage(sf.config.LocalPath, sf.config.PublicURL)
	case "minio":
		return NewMinIOStorage(sf.config)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", sf.config.Type)
	}
}
