package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"portal_crawler/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	session_id   UUID PRIMARY KEY,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	total_items  INTEGER NOT NULL DEFAULT 0,
	new_versions INTEGER NOT NULL DEFAULT 0,
	unchanged    INTEGER NOT NULL DEFAULT 0,
	errors       INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS documents (
	doc_id           TEXT PRIMARY KEY,
	title            TEXT NOT NULL DEFAULT '',
	url              TEXT NOT NULL,
	content_hash     TEXT NOT NULL,
	update_date      DATE,
	effective_date   DATE,
	metadata         JSONB NOT NULL DEFAULT '{}',
	relation_summary JSONB NOT NULL DEFAULT '{}',
	download_link    TEXT NOT NULL DEFAULT '',
	last_crawled     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id                   BIGSERIAL PRIMARY KEY,
	doc_id               TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	version_hash         TEXT NOT NULL,
	content              JSONB NOT NULL,
	session_id           TEXT NOT NULL DEFAULT '',
	diff_summary         JSONB,
	source_snapshot_date DATE,
	crawled_at           TIMESTAMPTZ NOT NULL,
	UNIQUE (doc_id, version_hash)
);

CREATE TABLE IF NOT EXISTS document_relations (
	id            BIGSERIAL PRIMARY KEY,
	source_doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL CHECK (relation_type IN (
		'guided', 'consolidated', 'amended', 'corrected',
		'replaced', 'referenced', 'basis', 'content_related')),
	target_doc_id TEXT,
	target_url    TEXT NOT NULL,
	target_title  TEXT NOT NULL DEFAULT '',
	resolved      BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS idx_document_relations_source ON document_relations(source_doc_id);
CREATE INDEX IF NOT EXISTS idx_document_relations_target ON document_relations(target_doc_id);

CREATE TABLE IF NOT EXISTS document_files (
	id              BIGSERIAL PRIMARY KEY,
	doc_id          TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	file_name       TEXT NOT NULL DEFAULT '',
	file_type       TEXT NOT NULL,
	file_url        TEXT NOT NULL,
	download_status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_document_files_doc ON document_files(doc_id);

CREATE TABLE IF NOT EXISTS crawl_errors (
	id          BIGSERIAL PRIMARY KEY,
	session_id  UUID NOT NULL REFERENCES crawl_sessions(session_id),
	sequence_id INTEGER NOT NULL,
	url         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	message     TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_crawl_errors_session ON crawl_errors(session_id);
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// =============================================================================
// Documents
// =============================================================================

func (s *PostgresStore) GetDocumentRecord(ctx context.Context, docID string) (*models.DocumentRecord, error) {
	query := `
		SELECT doc_id, title, url, content_hash, update_date, effective_date,
			metadata, relation_summary, download_link, last_crawled
		FROM documents WHERE doc_id = $1`

	var (
		r             models.DocumentRecord
		meta, summary []byte
	)
	err := s.pool.QueryRow(ctx, query, docID).Scan(
		&r.DocID, &r.Title, &r.URL, &r.ContentHash, &r.UpdateDate, &r.EffectiveDate,
		&meta, &summary, &r.DownloadLink, &r.LastCrawled,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := decodeRecordJSON(&r, meta, summary); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) GetLatestVersion(ctx context.Context, docID string) (*models.DocumentVersion, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = $1
		ORDER BY crawled_at DESC, id DESC LIMIT 1`, docID)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, docID, hash string) (*models.DocumentVersion, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = $1 AND version_hash = $2`, docID, hash)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, docID string) ([]models.DocumentVersion, error) {
	return s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = $1
		ORDER BY crawled_at, id`, docID)
}

func (s *PostgresStore) queryVersions(ctx context.Context, query string, args ...any) ([]models.DocumentVersion, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		var (
			v             models.DocumentVersion
			content, diff []byte
		)
		if err := rows.Scan(&v.ID, &v.DocID, &v.VersionHash, &content, &v.SessionID, &diff, &v.SourceSnapshotDate, &v.CrawledAt); err != nil {
			return nil, err
		}
		if err := decodeVersionJSON(&v, content, diff); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetRelationEdges(ctx context.Context, docID string) ([]models.RelationEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source_doc_id, relation_type, target_doc_id, target_url, target_title, resolved
		FROM document_relations WHERE source_doc_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.RelationEdge
	for rows.Next() {
		var e models.RelationEdge
		if err := rows.Scan(&e.SourceDocID, &e.RelationType, &e.TargetDocID, &e.TargetURL, &e.TargetTitle, &e.Resolved); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *PostgresStore) GetDocumentFiles(ctx context.Context, docID string) ([]models.DocumentFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT doc_id, file_name, file_type, file_url, download_status
		FROM document_files WHERE doc_id = $1 ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.DocumentFile
	for rows.Next() {
		var f models.DocumentFile
		if err := rows.Scan(&f.DocID, &f.FileName, &f.FileType, &f.FileURL, &f.DownloadStatus); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *PostgresStore) TouchDocument(ctx context.Context, docID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE documents SET last_crawled = $2 WHERE doc_id = $1`, docID, at)
	return err
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) UpsertDocumentRecord(ctx context.Context, r *models.DocumentRecord) error {
	meta, summary, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO documents (
			doc_id, title, url, content_hash, update_date, effective_date,
			metadata, relation_summary, download_link, last_crawled
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::jsonb, $9, $10)
		ON CONFLICT (doc_id) DO UPDATE SET
			title = EXCLUDED.title,
			url = EXCLUDED.url,
			content_hash = EXCLUDED.content_hash,
			update_date = COALESCE(EXCLUDED.update_date, documents.update_date),
			effective_date = COALESCE(EXCLUDED.effective_date, documents.effective_date),
			metadata = EXCLUDED.metadata,
			relation_summary = EXCLUDED.relation_summary,
			download_link = EXCLUDED.download_link,
			last_crawled = EXCLUDED.last_crawled`

	_, err = t.tx.Exec(ctx, query,
		r.DocID, r.Title, r.URL, r.ContentHash, r.UpdateDate, r.EffectiveDate,
		meta, summary, r.DownloadLink, r.LastCrawled,
	)
	return err
}

func (t *pgTx) InsertVersionIfChanged(ctx context.Context, v *models.DocumentVersion) (bool, error) {
	content, diff, err := encodeVersionJSON(v)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO document_versions (
			doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		) VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6, $7)
		ON CONFLICT (doc_id, version_hash) DO NOTHING
		RETURNING id`

	err = t.tx.QueryRow(ctx, query,
		v.DocID, v.VersionHash, content, v.SessionID, diff, v.SourceSnapshotDate, v.CrawledAt,
	).Scan(&v.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *pgTx) ReplaceRelationEdges(ctx context.Context, docID string, edges []models.RelationEdge) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM document_relations WHERE source_doc_id = $1`, docID); err != nil {
		return err
	}
	if len(edges) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range edges {
		batch.Queue(`
			INSERT INTO document_relations (source_doc_id, relation_type, target_doc_id, target_url, target_title, resolved)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			docID, string(e.RelationType), e.TargetDocID, e.TargetURL, e.TargetTitle, e.Resolved)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *pgTx) ReplaceDocumentFiles(ctx context.Context, docID string, files []models.DocumentFile) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM document_files WHERE doc_id = $1`, docID); err != nil {
		return err
	}
	for _, f := range files {
		_, err := t.tx.Exec(ctx, `
			INSERT INTO document_files (doc_id, file_name, file_type, file_url, download_status)
			VALUES ($1, $2, $3, $4, $5)`,
			docID, f.FileName, string(f.FileType), f.FileURL, f.DownloadStatus)
		if err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Crawl sessions
// =============================================================================

func (s *PostgresStore) StartCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO crawl_sessions (session_id, status, started_at, total_items)
		VALUES ($1, $2, $3, $4)`,
		cs.ID, string(cs.Status), cs.StartedAt, cs.TotalItems)
	return err
}

func (s *PostgresStore) CompleteCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	return s.finishSession(ctx, cs)
}

func (s *PostgresStore) FailCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	return s.finishSession(ctx, cs)
}

// Only a RUNNING row is updated, so a finalized session stays immutable.
func (s *PostgresStore) finishSession(ctx context.Context, cs *models.CrawlSession) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE crawl_sessions SET
			status = $2, completed_at = $3, total_items = $4,
			new_versions = $5, unchanged = $6, errors = $7
		WHERE session_id = $1 AND status = 'RUNNING'`,
		cs.ID, string(cs.Status), cs.CompletedAt, cs.TotalItems, cs.NewVersions, cs.Unchanged, cs.Errors)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("crawl session %s is not running", cs.ID)
	}
	return nil
}

func (s *PostgresStore) GetCrawlSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error) {
	var cs models.CrawlSession
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, status, started_at, completed_at, total_items, new_versions, unchanged, errors
		FROM crawl_sessions WHERE session_id = $1`, id).Scan(
		&cs.ID, &cs.Status, &cs.StartedAt, &cs.CompletedAt, &cs.TotalItems, &cs.NewVersions, &cs.Unchanged, &cs.Errors,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

func (s *PostgresStore) RecordItemError(ctx context.Context, e *models.ItemError) error {
	return s.pool.QueryRow(ctx, `
		INSERT INTO crawl_errors (session_id, sequence_id, url, kind, message, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		e.SessionID, e.SequenceID, e.URL, string(e.Kind), e.Message, e.Attempts, e.CreatedAt,
	).Scan(&e.ID)
}

func (s *PostgresStore) ListItemErrors(ctx context.Context, sessionID uuid.UUID) ([]models.ItemError, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, sequence_id, url, kind, message, attempts, created_at
		FROM crawl_errors WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ItemError
	for rows.Next() {
		var e models.ItemError
		if err := rows.Scan(&e.ID, &e.SessionID, &e.SequenceID, &e.URL, &e.Kind, &e.Message, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// =============================================================================
// JSON columns
// =============================================================================

func encodeRecordJSON(r *models.DocumentRecord) (string, string, error) {
	meta, err := json.Marshal(nonNilMap(r.Metadata))
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	summary, err := json.Marshal(nonNilSummary(r.RelationSummary))
	if err != nil {
		return "", "", fmt.Errorf("encode relation summary: %w", err)
	}
	return string(meta), string(summary), nil
}

func decodeRecordJSON(r *models.DocumentRecord, meta, summary []byte) error {
	if err := json.Unmarshal(meta, &r.Metadata); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(summary, &r.RelationSummary); err != nil {
		return fmt.Errorf("decode relation summary: %w", err)
	}
	return nil
}

// encodeVersionJSON returns the content column and a nullable diff column.
func encodeVersionJSON(v *models.DocumentVersion) (string, *string, error) {
	content, err := json.Marshal(v.Content)
	if err != nil {
		return "", nil, fmt.Errorf("encode content: %w", err)
	}
	if v.DiffSummary == nil {
		return string(content), nil, nil
	}
	diff, err := json.Marshal(v.DiffSummary)
	if err != nil {
		return "", nil, fmt.Errorf("encode diff: %w", err)
	}
	d := string(diff)
	return string(content), &d, nil
}

func decodeVersionJSON(v *models.DocumentVersion, content, diff []byte) error {
	if err := json.Unmarshal(content, &v.Content); err != nil {
		return fmt.Errorf("decode content: %w", err)
	}
	if len(diff) == 0 {
		return nil
	}
	var d models.DiffSummary
	if err := json.Unmarshal(diff, &d); err != nil {
		return fmt.Errorf("decode diff: %w", err)
	}
	v.DiffSummary = &d
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilSummary(m map[models.RelationType]int) map[models.RelationType]int {
	if m == nil {
		return map[models.RelationType]int{}
	}
	return m
}
