// Package pgstore keeps attachment blobs in PostgreSQL large objects. The
// attachment_blobs table maps each storage key to its large object OID.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/chirino/chat-service/internal/config"
	registryattach "github.com/chirino/chat-service/internal/registry/attach"
	"github.com/chirino/chat-service/internal/tempfiles"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const chunkSize = 64 * 1024

func init() {
	registryattach.Register(registryattach.Plugin{
		Name:   "postgres",
		Loader: load,
	})
}

func load(ctx context.Context) (registryattach.BlobStore, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("pgstore: missing config in context")
	}
	db, err := gorm.Open(postgres.Open(cfg.DBURL), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	if err := db.AutoMigrate(&blobRecord{}); err != nil {
		return nil, fmt.Errorf("pgstore: auto-migrate attachment_blobs: %w", err)
	}
	return New(db, cfg.ResolvedTempDir()), nil
}

// BlobStore implements registryattach.BlobStore on large objects.
type BlobStore struct {
	db      *gorm.DB
	tempDir string
}

// New returns a BlobStore using db.
func New(db *gorm.DB, tempDir string) *BlobStore {
	return &BlobStore{db: db, tempDir: tempDir}
}

type blobRecord struct {
	StorageKey  string    `gorm:"column:storage_key;primaryKey"`
	OID         int64     `gorm:"column:oid;not null"`
	Size        int64     `gorm:"column:size;not null"`
	SHA256      string    `gorm:"column:sha256;not null"`
	ContentType string    `gorm:"column:content_type;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (blobRecord) TableName() string { return "attachment_blobs" }

// Store buffers the upload to a temp file, then writes the large object and its
// mapping row in one transaction.
func (s *BlobStore) Store(ctx context.Context, storageKey string, data io.Reader, maxSize int64, contentType string) (*registryattach.FileStoreResult, error) {
	spooled, err := tempfiles.Spool(s.tempDir, "chat-service-pg-upload-*", data, maxSize)
	if errors.Is(err, tempfiles.ErrTooLarge) {
		return nil, registryattach.ErrTooLarge
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: %w", err)
	}
	defer spooled.Discard()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var oid int64
		if err := tx.Raw("SELECT lo_create(0)").Scan(&oid).Error; err != nil {
			return fmt.Errorf("pgstore: lo_create: %w", err)
		}
		buf := make([]byte, chunkSize)
		offset := int64(0)
		for {
			n, readErr := spooled.Read(buf)
			if n > 0 {
				if err := tx.Exec("SELECT lo_put(?, ?, ?)", oid, offset, buf[:n]).Error; err != nil {
					return fmt.Errorf("pgstore: lo_put at offset %d: %w", offset, err)
				}
				offset += int64(n)
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				return fmt.Errorf("pgstore: read upload buffer: %w", readErr)
			}
		}
		return tx.Create(&blobRecord{
			StorageKey:  storageKey,
			OID:         oid,
			Size:        spooled.Size,
			SHA256:      spooled.SHA256,
			ContentType: contentType,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	return &registryattach.FileStoreResult{
		StorageKey: storageKey,
		Size:       spooled.Size,
		SHA256:     spooled.SHA256,
	}, nil
}

func (s *BlobStore) lookup(ctx context.Context, tx *gorm.DB, storageKey string) (*blobRecord, error) {
	var rec blobRecord
	err := tx.WithContext(ctx).Where("storage_key = ?", storageKey).First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Retrieve copies the large object into a temp file that is removed on Close.
func (s *BlobStore) Retrieve(ctx context.Context, storageKey string) (io.ReadCloser, error) {
	rec, err := s.lookup(ctx, s.db, storageKey)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("attachment blob not found: %s", storageKey)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: lookup %s: %w", storageKey, err)
	}

	tmp, err := tempfiles.Create(s.tempDir, "chat-service-pg-lo-*")
	if err != nil {
		return nil, fmt.Errorf("pgstore: create temp file: %w", err)
	}
	out := tempfiles.NewDeleteOnClose(tmp)

	for offset := int64(0); offset < rec.Size; offset += chunkSize {
		var chunk []byte
		if err := s.db.WithContext(ctx).Raw("SELECT lo_get(?, ?, ?)", rec.OID, offset, chunkSize).Row().Scan(&chunk); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("pgstore: lo_get at offset %d: %w", offset, err)
		}
		if _, err := tmp.Write(chunk); err != nil {
			_ = out.Close()
			return nil, fmt.Errorf("pgstore: spool large object: %w", err)
		}
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("pgstore: rewind temp file: %w", err)
	}
	return out, nil
}

func (s *BlobStore) Delete(ctx context.Context, storageKey string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.lookup(ctx, tx, storageKey)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("pgstore: lookup %s: %w", storageKey, err)
		}
		if err := tx.Exec("SELECT lo_unlink(?)", rec.OID).Error; err != nil {
			return fmt.Errorf("pgstore: lo_unlink %d: %w", rec.OID, err)
		}
		return tx.Where("storage_key = ?", storageKey).Delete(&blobRecord{}).Error
	})
}

func (s *BlobStore) GetSignedURL(_ context.Context, _ string, _ time.Duration) (*url.URL, error) {
	return nil, registryattach.ErrSignedURLUnsupported
}

var _ registryattach.BlobStore = (*BlobStore)(nil)
