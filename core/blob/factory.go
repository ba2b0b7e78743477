package blob

import (
	"context"
	"fmt"
	"strings"

	"incidentdesk/config"
	"incidentdesk/core/utils"
)

type bucketEnsurer interface {
	EnsureBucket(ctx context.Context) error
}

// NewFromConfig builds the configured backend and wraps it with age
// encryption when an identity is configured.
func NewFromConfig(ctx context.Context, cfg config.EvidenceConfig, logger *utils.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "memory":
		s = NewMemoryStore()
	case "filesystem", "":
		if strings.TrimSpace(cfg.StorageDir) == "" {
			return nil, fmt.Errorf("filesystem evidence backend requires storage_dir")
		}
		s, err = NewFileSystemStore(cfg.StorageDir, cfg.Bucket)
	case "s3":
		s, err = NewS3Store(ctx, cfg.S3, cfg.Bucket)
	case "minio":
		s, err = NewMinioStore(cfg.Minio, cfg.Bucket)
	default:
		return nil, fmt.Errorf("unknown evidence backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if be, ok := s.(bucketEnsurer); ok {
		if err := be.EnsureBucket(ctx); err != nil {
			return nil, err
		}
	}
	if strings.TrimSpace(cfg.AgeIdentity) != "" {
		enc, err := NewEncrypted(s, cfg.AgeIdentity)
		if err != nil {
			return nil, err
		}
		if logger != nil {
			logger.Printf("evidence encryption at rest enabled")
		}
		s = enc
	}
	if logger != nil {
		logger.Printf("evidence backend %s, bucket %s", cfg.Backend, cfg.Bucket)
	}
	return s, nil
}
