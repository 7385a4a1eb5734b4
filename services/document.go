package services

import (
	"context"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"portal_crawler/config"
	"portal_crawler/identity"
	"portal_crawler/models"
	"portal_crawler/storage"
)

const untitled = "Untitled"

// DocumentService decides whether an extraction is a new version of a
// document and persists it. Callers must not apply the same doc_id from two
// goroutines at once; distinct doc_ids are safe concurrently.
type DocumentService struct {
	store   storage.Backend
	profile *config.Profile
	logger  zerolog.Logger
	now     func() time.Time
}

func NewDocumentService(store storage.Backend, profile *config.Profile, logger zerolog.Logger) *DocumentService {
	return &DocumentService{
		store:   store,
		profile: profile,
		logger:  logger.With().Str("component", "documents").Logger(),
		now:     time.Now,
	}
}

// Apply stores ext for docID when its content hash differs from the stored
// one or the item's update date advances past the stored date, and reports
// whether it did. History keeps one version per hash: content that returns
// to an earlier hash re-points the record at that version instead of
// appending a copy.
func (s *DocumentService) Apply(ctx context.Context, docID string, item models.WorkItem, ext *models.Extraction, sessionID string) (bool, error) {
	if ext == nil {
		return false, models.DataIncomplete("apply "+docID, nil)
	}

	prev, err := s.store.GetDocumentRecord(ctx, docID)
	if err != nil {
		return false, models.Persistence("get document", err)
	}
	current, err := s.currentVersion(ctx, prev)
	if err != nil {
		return false, models.Persistence("get current version", err)
	}

	content := models.VersionContent{Metadata: ext.Metadata, Relations: ext.Relations}
	fallback := false
	if ext.RelationCount() == 0 && current != nil && current.Content.RelationCount() > 0 {
		// An empty relation tab next to a populated history is treated as a
		// failed extraction, not as every relation being removed.
		content.Relations = current.Content.Relations
		fallback = true
	}
	content = identity.CanonicalContent(content)

	hash, err := identity.ContentHash(content)
	if err != nil {
		return false, models.Persistence("hash content", err)
	}

	now := s.now().UTC()
	changed := prev == nil || prev.ContentHash != hash || models.DateAfter(item.UpdateDate, prev.UpdateDate)
	if !changed {
		if err := s.store.TouchDocument(ctx, docID, now); err != nil {
			return false, models.Persistence("touch document", err)
		}
		s.logger.Debug().Str("doc_id", docID).Msg("unchanged")
		return false, nil
	}

	files := documentFiles(docID, ext.Files)
	record := &models.DocumentRecord{
		DocID:           docID,
		Title:           s.title(item, content.Metadata),
		URL:             item.URL,
		ContentHash:     hash,
		UpdateDate:      item.UpdateDate,
		EffectiveDate:   models.ParsePortalDate(content.Metadata[s.profile.EffectiveDateKey]),
		Metadata:        content.Metadata,
		RelationSummary: relationSummary(content),
		LastCrawled:     now,
	}
	if len(files) > 0 {
		record.DownloadLink = files[0].FileURL
	}

	version := &models.DocumentVersion{
		DocID:              docID,
		VersionHash:        hash,
		Content:            content,
		SessionID:          sessionID,
		SourceSnapshotDate: item.UpdateDate,
		CrawledAt:          now,
	}
	if current != nil {
		if diff := Diff(current.Content, content); !diff.Empty() {
			version.DiffSummary = diff
		}
	}

	var inserted bool
	err = s.store.InTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpsertDocumentRecord(ctx, record); err != nil {
			return err
		}
		var err error
		if inserted, err = tx.InsertVersionIfChanged(ctx, version); err != nil {
			return err
		}
		if err := tx.ReplaceRelationEdges(ctx, docID, relationEdges(docID, content)); err != nil {
			return err
		}
		return tx.ReplaceDocumentFiles(ctx, docID, files)
	})
	if err != nil {
		return false, models.Persistence("store document "+docID, err)
	}

	s.logger.Info().
		Str("doc_id", docID).
		Str("hash", hash[:12]).
		Bool("new_version", inserted).
		Bool("relation_fallback", fallback).
		Msg("document stored")
	return true, nil
}

// currentVersion is the version the stored record was built from, which is
// not the newest row once content has reverted to an earlier hash.
func (s *DocumentService) currentVersion(ctx context.Context, prev *models.DocumentRecord) (*models.DocumentVersion, error) {
	if prev == nil {
		return nil, nil
	}
	v, err := s.store.GetVersion(ctx, prev.DocID, prev.ContentHash)
	if err != nil || v != nil {
		return v, err
	}
	return s.store.GetLatestVersion(ctx, prev.DocID)
}

func (s *DocumentService) title(item models.WorkItem, metadata map[string]string) string {
	if t := strings.TrimSpace(item.Title); t != "" {
		return t
	}
	if t := strings.TrimSpace(metadata[s.profile.TitleKey]); t != "" {
		return t
	}
	return untitled
}

// Diff compares two version snapshots. Relation changes are counted by
// total, not matched target by target.
func Diff(prev, next models.VersionContent) *models.DiffSummary {
	d := &models.DiffSummary{}
	keys := make(map[string]bool, len(prev.Metadata)+len(next.Metadata))
	for k := range prev.Metadata {
		keys[k] = true
	}
	for k := range next.Metadata {
		keys[k] = true
	}
	for k := range keys {
		pv, pok := prev.Metadata[k]
		nv, nok := next.Metadata[k]
		if pok != nok || pv != nv {
			d.ChangedFields = append(d.ChangedFields, k)
		}
	}
	sort.Strings(d.ChangedFields)

	oldTotal, newTotal := prev.RelationCount(), next.RelationCount()
	if newTotal > oldTotal {
		d.RelationsAdded = newTotal - oldTotal
	} else {
		d.RelationsRemoved = oldTotal - newTotal
	}
	return d
}

func relationSummary(content models.VersionContent) map[models.RelationType]int {
	summary := make(map[models.RelationType]int, len(content.Relations))
	for rt, targets := range content.Relations {
		summary[rt] = len(targets)
	}
	return summary
}

func relationEdges(docID string, content models.VersionContent) []models.RelationEdge {
	var edges []models.RelationEdge
	for _, rt := range models.RelationTypes {
		for _, t := range content.Relations[rt] {
			edge := models.RelationEdge{
				SourceDocID:  docID,
				RelationType: rt,
				TargetURL:    t.URL,
				TargetTitle:  t.Title,
			}
			if id, ok := identity.TargetDocID(t.URL); ok {
				edge.TargetDocID = &id
				edge.Resolved = true
			}
			edges = append(edges, edge)
		}
	}
	return edges
}

func documentFiles(docID string, links []models.FileLink) []models.DocumentFile {
	files := make([]models.DocumentFile, 0, len(links))
	for _, l := range links {
		if strings.TrimSpace(l.URL) == "" {
			continue
		}
		name := strings.TrimSpace(l.Text)
		if name == "" {
			name = fileName(l.URL)
		}
		files = append(files, models.DocumentFile{
			DocID:          docID,
			FileName:       name,
			FileType:       DetectFileType(l.URL, l.Text),
			FileURL:        l.URL,
			DownloadStatus: "pending",
		})
	}
	return files
}

// DetectFileType looks at the URL path first and falls back to the link
// text, which on the portal often reads "Tải văn bản PDF" and similar.
func DetectFileType(rawURL, text string) models.FileType {
	ext := strings.ToLower(path.Ext(fileName(rawURL)))
	switch ext {
	case ".pdf":
		return models.FileTypePDF
	case ".docx":
		return models.FileTypeDOCX
	case ".doc":
		return models.FileTypeDOC
	}

	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "pdf"):
		return models.FileTypePDF
	case strings.Contains(t, "docx"):
		return models.FileTypeDOCX
	case strings.Contains(t, "doc") || strings.Contains(t, "word"):
		return models.FileTypeDOC
	}
	return models.FileTypeOther
}

func fileName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return path.Base(u.Path)
	}
	return path.Base(rawURL)
}
