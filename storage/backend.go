package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"portal_crawler/config"
	"portal_crawler/models"
)

// Backend is the persistence contract of the change-detection store.
// Getters return (nil, nil) when the row does not exist.
type Backend interface {
	GetDocumentRecord(ctx context.Context, docID string) (*models.DocumentRecord, error)
	GetLatestVersion(ctx context.Context, docID string) (*models.DocumentVersion, error)
	// GetVersion returns the version of docID whose content hashed to hash.
	GetVersion(ctx context.Context, docID, hash string) (*models.DocumentVersion, error)
	ListVersions(ctx context.Context, docID string) ([]models.DocumentVersion, error)
	GetRelationEdges(ctx context.Context, docID string) ([]models.RelationEdge, error)
	GetDocumentFiles(ctx context.Context, docID string) ([]models.DocumentFile, error)
	TouchDocument(ctx context.Context, docID string, at time.Time) error

	// InTx runs fn in one transaction; fn's error rolls everything back.
	InTx(ctx context.Context, fn func(Tx) error) error

	StartCrawlSession(ctx context.Context, s *models.CrawlSession) error
	CompleteCrawlSession(ctx context.Context, s *models.CrawlSession) error
	FailCrawlSession(ctx context.Context, s *models.CrawlSession) error
	GetCrawlSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error)
	RecordItemError(ctx context.Context, e *models.ItemError) error
	ListItemErrors(ctx context.Context, sessionID uuid.UUID) ([]models.ItemError, error)

	Close() error
}

// Tx holds the writes that must land together when a document changes.
type Tx interface {
	UpsertDocumentRecord(ctx context.Context, r *models.DocumentRecord) error
	// InsertVersionIfChanged inserts v unless a version with the same
	// (doc_id, version_hash) already exists, and reports whether it did.
	InsertVersionIfChanged(ctx context.Context, v *models.DocumentVersion) (bool, error)
	// ReplaceRelationEdges deletes every edge of docID and inserts edges.
	ReplaceRelationEdges(ctx context.Context, docID string, edges []models.RelationEdge) error
	ReplaceDocumentFiles(ctx context.Context, docID string, files []models.DocumentFile) error
}

// Open returns the backend selected by cfg.Driver, migrated and ready.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Backend, error) {
	switch cfg.Driver {
	case "postgres":
		store, err := NewPostgresStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
