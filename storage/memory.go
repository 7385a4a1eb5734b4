package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"portal_crawler/models"
)

// MemoryStore keeps everything in process. It backs dry runs and tests.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]models.DocumentRecord
	versions map[string][]models.DocumentVersion
	edges    map[string][]models.RelationEdge
	files    map[string][]models.DocumentFile
	sessions map[uuid.UUID]models.CrawlSession
	errors   []models.ItemError
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]models.DocumentRecord),
		versions: make(map[string][]models.DocumentVersion),
		edges:    make(map[string][]models.RelationEdge),
		files:    make(map[string][]models.DocumentFile),
		sessions: make(map[uuid.UUID]models.CrawlSession),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetDocumentRecord(ctx context.Context, docID string) (*models.DocumentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[docID]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *MemoryStore) GetLatestVersion(ctx context.Context, docID string) (*models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.versions[docID]
	if len(list) == 0 {
		return nil, nil
	}
	v := list[len(list)-1]
	return &v, nil
}

func (m *MemoryStore) GetVersion(ctx context.Context, docID, hash string) (*models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.versions[docID] {
		if v.VersionHash == hash {
			return &v, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListVersions(ctx context.Context, docID string) ([]models.DocumentVersion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DocumentVersion(nil), m.versions[docID]...), nil
}

func (m *MemoryStore) GetRelationEdges(ctx context.Context, docID string) ([]models.RelationEdge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RelationEdge(nil), m.edges[docID]...), nil
}

func (m *MemoryStore) GetDocumentFiles(ctx context.Context, docID string) ([]models.DocumentFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.DocumentFile(nil), m.files[docID]...), nil
}

func (m *MemoryStore) TouchDocument(ctx context.Context, docID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[docID]; ok {
		r.LastCrawled = at
		m.records[docID] = r
	}
	return nil
}

// InTx stages writes and applies them only when fn succeeds. The store lock
// is held for the duration so concurrent transactions serialize.
func (m *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, apply := range tx.ops {
		apply()
	}
	return nil
}

type memoryTx struct {
	store *MemoryStore
	ops   []func()
	// hashes inserted earlier in this transaction
	pending map[string]bool
}

func (t *memoryTx) UpsertDocumentRecord(ctx context.Context, r *models.DocumentRecord) error {
	rec := *r
	t.ops = append(t.ops, func() {
		if prev, ok := t.store.records[rec.DocID]; ok {
			if rec.UpdateDate == nil {
				rec.UpdateDate = prev.UpdateDate
			}
			if rec.EffectiveDate == nil {
				rec.EffectiveDate = prev.EffectiveDate
			}
		}
		t.store.records[rec.DocID] = rec
	})
	return nil
}

func (t *memoryTx) InsertVersionIfChanged(ctx context.Context, v *models.DocumentVersion) (bool, error) {
	key := v.DocID + "\x00" + v.VersionHash
	if t.pending[key] {
		return false, nil
	}
	for _, existing := range t.store.versions[v.DocID] {
		if existing.VersionHash == v.VersionHash {
			return false, nil
		}
	}
	if t.pending == nil {
		t.pending = make(map[string]bool)
	}
	t.pending[key] = true

	t.store.nextID++
	v.ID = t.store.nextID
	ver := *v
	t.ops = append(t.ops, func() {
		t.store.versions[ver.DocID] = append(t.store.versions[ver.DocID], ver)
	})
	return true, nil
}

func (t *memoryTx) ReplaceRelationEdges(ctx context.Context, docID string, edges []models.RelationEdge) error {
	for _, e := range edges {
		if !e.RelationType.Valid() {
			return fmt.Errorf("invalid relation type %q", e.RelationType)
		}
	}
	list := append([]models.RelationEdge(nil), edges...)
	t.ops = append(t.ops, func() {
		t.store.edges[docID] = list
	})
	return nil
}

func (t *memoryTx) ReplaceDocumentFiles(ctx context.Context, docID string, files []models.DocumentFile) error {
	list := append([]models.DocumentFile(nil), files...)
	t.ops = append(t.ops, func() {
		t.store.files[docID] = list
	})
	return nil
}

func (m *MemoryStore) StartCrawlSession(ctx context.Context, s *models.CrawlSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("crawl session %s already exists", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) CompleteCrawlSession(ctx context.Context, s *models.CrawlSession) error {
	return m.finishSession(s)
}

func (m *MemoryStore) FailCrawlSession(ctx context.Context, s *models.CrawlSession) error {
	return m.finishSession(s)
}

func (m *MemoryStore) finishSession(s *models.CrawlSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok || cur.Status != models.RunStatusRunning {
		return fmt.Errorf("crawl session %s is not running", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) GetCrawlSession(ctx context.Context, id uuid.UUID) (*models.CrawlSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (m *MemoryStore) RecordItemError(ctx context.Context, e *models.ItemError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	e.ID = m.nextID
	m.errors = append(m.errors, *e)
	return nil
}

func (m *MemoryStore) ListItemErrors(ctx context.Context, sessionID uuid.UUID) ([]models.ItemError, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ItemError
	for _, e := range m.errors {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out, nil
}
