package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portal_crawler/config"
	"portal_crawler/models"
	"portal_crawler/storage"
)

const docURL = "https://thuvienphapluat.vn/van-ban/Thong-tu-01-2024-TT-BTC-123456.aspx"

func newService(t *testing.T, store storage.Backend) *DocumentService {
	t.Helper()
	svc := NewDocumentService(store, config.DefaultProfile(), zerolog.Nop())
	clock := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	return svc
}

func extraction(relations ...models.RelationTarget) *models.Extraction {
	ext := &models.Extraction{
		Metadata: map[string]string{
			"so_hieu":       "01/2024/TT-BTC",
			"ngay_hieu_luc": "01/04/2024",
		},
		Relations: map[models.RelationType][]models.RelationTarget{},
		Files: []models.FileLink{
			{Text: "Tải văn bản PDF", URL: "https://thuvienphapluat.vn/files/01-2024.pdf"},
		},
	}
	if len(relations) > 0 {
		ext.Relations[models.RelationBasis] = relations
	}
	return ext
}

func basis(id string) models.RelationTarget {
	return models.RelationTarget{Title: "Luật " + id, URL: "https://thuvienphapluat.vn/van-ban/Luat-" + id + ".aspx"}
}

func item(update string) models.WorkItem {
	return models.WorkItem{SequenceID: 1, URL: docURL, UpdateDate: models.ParsePortalDate(update)}
}

func TestApply_FirstSightingStoresEverything(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	changed, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1"), basis("2")), "s1")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("first sighting should be a new version")
	}

	rec, _ := store.GetDocumentRecord(ctx, "123456")
	if rec == nil {
		t.Fatal("expected record")
	}
	if rec.Title != "01/2024/TT-BTC" {
		t.Fatalf("expected title from metadata, got %q", rec.Title)
	}
	if rec.EffectiveDate == nil || rec.EffectiveDate.Format("2006-01-02") != "2024-04-01" {
		t.Fatalf("unexpected effective date %v", rec.EffectiveDate)
	}
	if rec.DownloadLink != "https://thuvienphapluat.vn/files/01-2024.pdf" {
		t.Fatalf("unexpected download link %q", rec.DownloadLink)
	}
	if rec.RelationSummary[models.RelationBasis] != 2 {
		t.Fatalf("unexpected relation summary %v", rec.RelationSummary)
	}

	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges, got %d", len(edges))
	}
	for _, e := range edges {
		if !e.Resolved || e.TargetDocID == nil {
			t.Fatalf("expected resolved edge, got %+v", e)
		}
	}

	files, _ := store.GetDocumentFiles(ctx, "123456")
	if len(files) != 1 || files[0].FileType != models.FileTypePDF || files[0].DownloadStatus != "pending" {
		t.Fatalf("unexpected files %+v", files)
	}

	v, _ := store.GetLatestVersion(ctx, "123456")
	if v.DiffSummary != nil {
		t.Fatalf("first version should carry no diff, got %+v", v.DiffSummary)
	}
	if v.SessionID != "s1" {
		t.Fatalf("expected session s1, got %s", v.SessionID)
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1")), "s1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	before, _ := store.GetDocumentRecord(ctx, "123456")

	for i := 0; i < 3; i++ {
		changed, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1")), "s2")
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		if changed {
			t.Fatalf("run %d: unchanged page produced a new version", i)
		}
	}

	versions, _ := store.ListVersions(ctx, "123456")
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
	after, _ := store.GetDocumentRecord(ctx, "123456")
	if !after.LastCrawled.After(before.LastCrawled) {
		t.Fatal("expected last_crawled to be refreshed")
	}
}

func TestApply_OneVersionPerHash(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	// A, B, A: the return to A is a change, but A already has its version.
	steps := []struct {
		ext  *models.Extraction
		want bool
	}{
		{extraction(basis("1")), true},
		{extraction(basis("1"), basis("2")), true},
		{extraction(basis("1")), true},
		{extraction(basis("1")), false},
	}
	for i, step := range steps {
		changed, err := svc.Apply(ctx, "123456", item("05/03/2024"), step.ext, "s")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != step.want {
			t.Fatalf("step %d: expected changed=%v, got %v", i, step.want, changed)
		}
	}

	versions, _ := store.ListVersions(ctx, "123456")
	seen := map[string]bool{}
	for _, v := range versions {
		if seen[v.VersionHash] {
			t.Fatalf("duplicate version for hash %s", v.VersionHash)
		}
		seen[v.VersionHash] = true
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}

	// The record and edges still follow the latest extraction.
	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 1 {
		t.Fatalf("expected edges replaced to 1, got %d", len(edges))
	}
}

func TestApply_RelationEdgesReplacedAsAUnit(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1"), basis("2")), "s1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ext := extraction()
	ext.Relations[models.RelationAmended] = []models.RelationTarget{{Title: "QĐ 9", URL: "https://thuvienphapluat.vn/van-ban/Quyet-dinh-9.aspx"}}
	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), ext, "s2"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 1 || edges[0].RelationType != models.RelationAmended {
		t.Fatalf("stale edges survived: %+v", edges)
	}

	v, _ := store.GetLatestVersion(ctx, "123456")
	if v.DiffSummary == nil || v.DiffSummary.RelationsRemoved != 1 {
		t.Fatalf("unexpected diff %+v", v.DiffSummary)
	}
}

func TestApply_EmptyRelationsFallBackToPriorVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1"), basis("2")), "s1"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// Same metadata, relations missing: hash matches the prior content.
	changed, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(), "s2")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if changed {
		t.Fatal("empty extraction should fall back and hash equal")
	}

	// Metadata changed, relations missing: new version keeps prior relations.
	ext := extraction()
	ext.Metadata["tinh_trang"] = "Hết hiệu lực"
	changed, err = svc.Apply(ctx, "123456", item("05/03/2024"), ext, "s3")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("metadata change should produce a version")
	}
	v, _ := store.GetLatestVersion(ctx, "123456")
	if v.Content.RelationCount() != 2 {
		t.Fatalf("expected prior relations carried over, got %d", v.Content.RelationCount())
	}
	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 2 {
		t.Fatalf("expected 2 edges kept, got %d", len(edges))
	}
	rec, _ := store.GetDocumentRecord(ctx, "123456")
	if rec.RelationSummary[models.RelationBasis] != 2 {
		t.Fatalf("expected summary from fallback relations, got %v", rec.RelationSummary)
	}
	if len(v.DiffSummary.ChangedFields) != 1 || v.DiffSummary.ChangedFields[0] != "tinh_trang" {
		t.Fatalf("unexpected diff %+v", v.DiffSummary)
	}
}

func TestApply_UpdateDateBumpRefreshesRecord(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), extraction(basis("1")), "s1"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	changed, err := svc.Apply(ctx, "123456", item("10/03/2024"), extraction(basis("1")), "s2")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("an advancing update date is a change")
	}

	rec, _ := store.GetDocumentRecord(ctx, "123456")
	if rec.UpdateDate.Format("2006-01-02") != "2024-03-10" {
		t.Fatalf("expected update date advanced, got %v", rec.UpdateDate)
	}
	versions, _ := store.ListVersions(ctx, "123456")
	if len(versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versions))
	}
}

func TestApply_RevertFollowsRecordedVersion(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	for i, ext := range []*models.Extraction{
		extraction(basis("1")),
		extraction(basis("2")),
		extraction(basis("1")),
	} {
		if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), ext, "s"); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}

	rec, _ := store.GetDocumentRecord(ctx, "123456")
	current, _ := store.GetVersion(ctx, "123456", rec.ContentHash)
	if current == nil {
		t.Fatalf("record hash %s has no version", rec.ContentHash)
	}

	// Metadata changes and the relation tab comes back empty: the relations
	// carried over are the ones the record holds, not the superseded set.
	ext := extraction()
	ext.Metadata["tinh_trang"] = "Hết hiệu lực"
	changed, err := svc.Apply(ctx, "123456", item("05/03/2024"), ext, "s")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !changed {
		t.Fatal("metadata change should be reported")
	}

	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 1 || edges[0].TargetURL != basis("1").URL {
		t.Fatalf("expected the Luật 1 edge, got %+v", edges)
	}
	latest, _ := store.GetLatestVersion(ctx, "123456")
	if latest.DiffSummary == nil || latest.DiffSummary.RelationsAdded != 0 || latest.DiffSummary.RelationsRemoved != 0 {
		t.Fatalf("diff should be against the reverted content, got %+v", latest.DiffSummary)
	}
	rec, _ = store.GetDocumentRecord(ctx, "123456")
	if rec.ContentHash != latest.VersionHash {
		t.Fatalf("record hash %s, latest version %s", rec.ContentHash, latest.VersionHash)
	}
	versions, _ := store.ListVersions(ctx, "123456")
	if len(versions) != 3 {
		t.Fatalf("expected 3 versions, got %d", len(versions))
	}
}

func TestApply_RelationSummaryMatchesStoredEdges(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	ext := extraction(basis("1"), basis("1"), basis("2"))
	ext.RelationSummary = map[models.RelationType]int{models.RelationBasis: 3}
	if _, err := svc.Apply(ctx, "123456", item("05/03/2024"), ext, "s"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rec, _ := store.GetDocumentRecord(ctx, "123456")
	edges, _ := store.GetRelationEdges(ctx, "123456")
	if len(edges) != 2 || rec.RelationSummary[models.RelationBasis] != 2 {
		t.Fatalf("summary %v does not match %d stored edges", rec.RelationSummary, len(edges))
	}
}

func TestApply_TitlePriority(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := newService(t, store)

	it := item("")
	it.Title = "Thông tư 01/2024/TT-BTC"
	if _, err := svc.Apply(ctx, "1", it, extraction(), "s"); err != nil {
		t.Fatalf("apply: %v", err)
	}
	ext := extraction()
	delete(ext.Metadata, "so_hieu")
	if _, err := svc.Apply(ctx, "2", item(""), ext, "s"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	r1, _ := store.GetDocumentRecord(ctx, "1")
	r2, _ := store.GetDocumentRecord(ctx, "2")
	if r1.Title != "Thông tư 01/2024/TT-BTC" {
		t.Fatalf("expected work item title, got %q", r1.Title)
	}
	if r2.Title != untitled {
		t.Fatalf("expected %q, got %q", untitled, r2.Title)
	}
}

type failingTxStore struct {
	*storage.MemoryStore
}

func (f failingTxStore) InTx(ctx context.Context, fn func(storage.Tx) error) error {
	return errors.New("disk full")
}

func TestApply_PersistenceError(t *testing.T) {
	svc := newService(t, failingTxStore{storage.NewMemoryStore()})
	_, err := svc.Apply(context.Background(), "1", item(""), extraction(), "s")
	if !errors.Is(err, models.ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
}

func TestDetectFileType(t *testing.T) {
	tests := []struct {
		url, text string
		want      models.FileType
	}{
		{"https://p/files/a.pdf", "", models.FileTypePDF},
		{"https://p/files/a.DOCX?x=1", "", models.FileTypeDOCX},
		{"https://p/files/a.doc", "", models.FileTypeDOC},
		{"https://p/download.aspx?id=9", "Tải văn bản PDF", models.FileTypePDF},
		{"https://p/download.aspx?id=9", "Tải file Word", models.FileTypeDOC},
		{"https://p/download.aspx?id=9", "Tải về", models.FileTypeOther},
	}
	for _, tt := range tests {
		if got := DetectFileType(tt.url, tt.text); got != tt.want {
			t.Errorf("DetectFileType(%q, %q) = %s, want %s", tt.url, tt.text, got, tt.want)
		}
	}
}
