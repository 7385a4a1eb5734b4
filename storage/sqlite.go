package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"portal_crawler/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS crawl_sessions (
	session_id   TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME,
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
	metadata         JSON NOT NULL DEFAULT '{}',
	relation_summary JSON NOT NULL DEFAULT '{}',
	download_link    TEXT NOT NULL DEFAULT '',
	last_crawled     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS document_versions (
	id                   INTEGER PRIMARY KEY,
	doc_id               TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	version_hash         TEXT NOT NULL,
	content              JSON NOT NULL,
	session_id           TEXT NOT NULL DEFAULT '',
	diff_summary         JSON,
	source_snapshot_date DATE,
	crawled_at           DATETIME NOT NULL,
	UNIQUE (doc_id, version_hash)
);

CREATE TABLE IF NOT EXISTS document_relations (
	id            INTEGER PRIMARY KEY,
	source_doc_id TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	relation_type TEXT NOT NULL CHECK (relation_type IN (
		'guided', 'consolidated', 'amended', 'corrected',
		'replaced', 'referenced', 'basis', 'content_related')),
	target_doc_id TEXT,
	target_url    TEXT NOT NULL,
	target_title  TEXT NOT NULL DEFAULT '',
	resolved      BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS document_files (
	id              INTEGER PRIMARY KEY,
	doc_id          TEXT NOT NULL REFERENCES documents(doc_id) ON DELETE CASCADE,
	file_name       TEXT NOT NULL DEFAULT '',
	file_type       TEXT NOT NULL,
	file_url        TEXT NOT NULL,
	download_status TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS crawl_errors (
	id          INTEGER PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES crawl_sessions(session_id),
	sequence_id INTEGER NOT NULL,
	url         TEXT NOT NULL,
	kind        TEXT NOT NULL,
	message     TEXT NOT NULL,
	attempts    INTEGER NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_versions_doc ON document_versions(doc_id, id);
CREATE INDEX IF NOT EXISTS idx_relations_source ON document_relations(source_doc_id);
CREATE INDEX IF NOT EXISTS idx_files_doc ON document_files(doc_id);
CREATE INDEX IF NOT EXISTS idx_errors_session ON crawl_errors(session_id);
`

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and an in-memory
	// database exists per connection.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(sqliteSchema)
	return err
}

func (s *SQLiteStore) GetDocumentRecord(ctx context.Context, docID string) (*models.DocumentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT doc_id, title, url, content_hash, update_date, effective_date,
			metadata, relation_summary, download_link, last_crawled
		FROM documents WHERE doc_id = ?`, docID)

	var (
		r                     models.DocumentRecord
		updateDate, effective sql.NullTime
		meta, summary         string
	)
	err := row.Scan(&r.DocID, &r.Title, &r.URL, &r.ContentHash, &updateDate, &effective,
		&meta, &summary, &r.DownloadLink, &r.LastCrawled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.UpdateDate = nullTime(updateDate)
	r.EffectiveDate = nullTime(effective)
	if err := decodeRecordJSON(&r, []byte(meta), []byte(summary)); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetLatestVersion(ctx context.Context, docID string) (*models.DocumentVersion, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = ? ORDER BY id DESC LIMIT 1`, docID)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *SQLiteStore) GetVersion(ctx context.Context, docID, hash string) (*models.DocumentVersion, error) {
	versions, err := s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = ? AND version_hash = ?`, docID, hash)
	if err != nil || len(versions) == 0 {
		return nil, err
	}
	return &versions[0], nil
}

func (s *SQLiteStore) ListVersions(ctx context.Context, docID string) ([]models.DocumentVersion, error) {
	return s.queryVersions(ctx, `
		SELECT id, doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at
		FROM document_versions WHERE doc_id = ? ORDER BY id`, docID)
}

func (s *SQLiteStore) queryVersions(ctx context.Context, query string, args ...any) ([]models.DocumentVersion, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DocumentVersion
	for rows.Next() {
		var (
			v        models.DocumentVersion
			content  string
			diff     sql.NullString
			snapshot sql.NullTime
		)
		if err := rows.Scan(&v.ID, &v.DocID, &v.VersionHash, &content, &v.SessionID, &diff, &snapshot, &v.CrawledAt); err != nil {
			return nil, err
		}
		v.SourceSnapshotDate = nullTime(snapshot)
		var diffBytes []byte
		if diff.Valid {
			diffBytes = []byte(diff.String)
		}
		if err := decodeVersionJSON(&v, []byte(content), diffBytes); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetRelationEdges(ctx context.Context, docID string) ([]models.RelationEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_doc_id, relation_type, target_doc_id, target_url, target_title, resolved
		FROM document_relations WHERE source_doc_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []models.RelationEdge
	for rows.Next() {
		var (
			e      models.RelationEdge
			rt     string
			target sql.NullString
		)
		if err := rows.Scan(&e.SourceDocID, &rt, &target, &e.TargetURL, &e.TargetTitle, &e.Resolved); err != nil {
			return nil, err
		}
		e.RelationType = models.RelationType(rt)
		if target.Valid {
			id := target.String
			e.TargetDocID = &id
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (s *SQLiteStore) GetDocumentFiles(ctx context.Context, docID string) ([]models.DocumentFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, file_name, file_type, file_url, download_status
		FROM document_files WHERE doc_id = ? ORDER BY id`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var files []models.DocumentFile
	for rows.Next() {
		var (
			f  models.DocumentFile
			ft string
		)
		if err := rows.Scan(&f.DocID, &f.FileName, &ft, &f.FileURL, &f.DownloadStatus); err != nil {
			return nil, err
		}
		f.FileType = models.FileType(ft)
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *SQLiteStore) TouchDocument(ctx context.Context, docID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE documents SET last_crawled = ? WHERE doc_id = ?`, at.UTC(), docID)
	return err
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpsertDocumentRecord(ctx context.Context, r *models.DocumentRecord) error {
	meta, summary, err := encodeRecordJSON(r)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO documents (doc_id, title, url, content_hash, update_date, effective_date,
			metadata, relation_summary, download_link, last_crawled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			url = excluded.url,
			content_hash = excluded.content_hash,
			update_date = COALESCE(excluded.update_date, documents.update_date),
			effective_date = COALESCE(excluded.effective_date, documents.effective_date),
			metadata = excluded.metadata,
			relation_summary = excluded.relation_summary,
			download_link = excluded.download_link,
			last_crawled = excluded.last_crawled`,
		r.DocID, r.Title, r.URL, r.ContentHash, utcPtr(r.UpdateDate), utcPtr(r.EffectiveDate),
		meta, summary, r.DownloadLink, r.LastCrawled.UTC())
	return err
}

func (t *sqliteTx) InsertVersionIfChanged(ctx context.Context, v *models.DocumentVersion) (bool, error) {
	content, diff, err := encodeVersionJSON(v)
	if err != nil {
		return false, err
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO document_versions (doc_id, version_hash, content, session_id, diff_summary, source_snapshot_date, crawled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(doc_id, version_hash) DO NOTHING`,
		v.DocID, v.VersionHash, content, v.SessionID, diff, utcPtr(v.SourceSnapshotDate), v.CrawledAt.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	v.ID, _ = res.LastInsertId()
	return true, nil
}

func (t *sqliteTx) ReplaceRelationEdges(ctx context.Context, docID string, edges []models.RelationEdge) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM document_relations WHERE source_doc_id = ?`, docID); err != nil {
		return err
	}
	for _, e := range edges {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO document_relations (source_doc_id, relation_type, target_doc_id, target_url, target_title, resolved)
			VALUES (?, ?, ?, ?, ?, ?)`,
			docID, string(e.RelationType), e.TargetDocID, e.TargetURL, e.TargetTitle, e.Resolved)
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) ReplaceDocumentFiles(ctx context.Context, docID string, files []models.DocumentFile) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM document_files WHERE doc_id = ?`, docID); err != nil {
		return err
	}
	for _, f := range files {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO document_files (doc_id, file_name, file_type, file_url, download_status)
			VALUES (?, ?, ?, ?, ?)`,
			docID, f.FileName, string(f.FileType), f.FileURL, f.DownloadStatus)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) StartCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_sessions (session_id, status, started_at, total_items)
		VALUES (?, ?, ?, ?)`,
		cs.ID.String(), string(cs.Status), cs.StartedAt.UTC(), cs.TotalItems)
	return err
}

func (s *SQLiteStore) CompleteCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	return s.finishSession(ctx, cs)
}

func (s *SQLiteStore) FailCrawlSession(ctx context.Context, cs *models.CrawlSession) error {
	return s.finishSession(ctx, cs)
}

func (s *SQLiteStore) finishSession(ctx context.Context, cs *models.CrawlSession) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE crawl_sessions SET
			status = ?, completed_at = ?, total_items = ?,
			new_versions = ?, unchanged = ?, errors = ?
		WHERE session_id = ? AND status = 'RUNNING'`,
		string(cs.Status), utcPtr(cs.CompletedAt), cs.TotalItems, cs.NewVersions, cs.Unchanged, cs.Errors, cs.ID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("crawl session %s is not running", cs.ID)
	}
	return nil
}

func (s *SQLiteStore) GetCrawlSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error) {
	var (
		cs        models.CrawlSession
		rawID     string
		status    string
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, status, started_at, completed_at, total_items, new_versions, unchanged, errors
		FROM crawl_sessions WHERE session_id = ?`, id.String()).Scan(
		&rawID, &status, &cs.StartedAt, &completed, &cs.TotalItems, &cs.NewVersions, &cs.Unchanged, &cs.Errors)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cs.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("bad session id %q: %w", rawID, err)
	}
	cs.Status = models.RunStatus(status)
	cs.CompletedAt = nullTime(completed)
	return &cs, nil
}

func (s *SQLiteStore) RecordItemError(ctx context.Context, e *models.ItemError) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crawl_errors (session_id, sequence_id, url, kind, message, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID.String(), e.SequenceID, e.URL, string(e.Kind), e.Message, e.Attempts, e.CreatedAt.UTC())
	if err != nil {
		return err
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

func (s *SQLiteStore) ListItemErrors(ctx context.Context, sessionID uuid.UUID) ([]models.ItemError, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sequence_id, url, kind, message, attempts, created_at
		FROM crawl_errors WHERE session_id = ? ORDER BY id`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ItemError
	for rows.Next() {
		var (
			e    models.ItemError
			kind string
		)
		if err := rows.Scan(&e.ID, &e.SequenceID, &e.URL, &kind, &e.Message, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.SessionID = sessionID
		e.Kind = models.ErrorKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
