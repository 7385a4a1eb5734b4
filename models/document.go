package models

import "time"

// RelationType is the closed set of cross-document links the portal exposes.
type RelationType string

const (
	RelationGuided         RelationType = "guided"
	RelationConsolidated   RelationType = "consolidated"
	RelationAmended        RelationType = "amended"
	RelationCorrected      RelationType = "corrected"
	RelationReplaced       RelationType = "replaced"
	RelationReferenced     RelationType = "referenced"
	RelationBasis          RelationType = "basis"
	RelationContentRelated RelationType = "content_related"
)

// RelationTypes lists every RelationType in canonical order.
var RelationTypes = []RelationType{
	RelationGuided,
	RelationConsolidated,
	RelationAmended,
	RelationCorrected,
	RelationReplaced,
	RelationReferenced,
	RelationBasis,
	RelationContentRelated,
}

func (t RelationType) Valid() bool {
	for _, rt := range RelationTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// DocumentRecord is the current snapshot of one document, upserted in place.
type DocumentRecord struct {
	DocID           string               `json:"doc_id" db:"doc_id"`
	Title           string               `json:"title" db:"title"`
	URL             string               `json:"url" db:"url"`
	ContentHash     string               `json:"content_hash" db:"content_hash"`
	UpdateDate      *time.Time           `json:"update_date" db:"update_date"`
	EffectiveDate   *time.Time           `json:"effective_date" db:"effective_date"`
	Metadata        map[string]string    `json:"metadata" db:"metadata"`
	RelationSummary map[RelationType]int `json:"relation_summary" db:"relation_summary"`
	DownloadLink    string               `json:"download_link" db:"download_link"`
	LastCrawled     time.Time            `json:"last_crawled" db:"last_crawled"`
}

// VersionContent is the volatility-free snapshot stored with each version.
type VersionContent struct {
	Metadata  map[string]string                 `json:"metadata"`
	Relations map[RelationType][]RelationTarget `json:"relations"`
}

func (c VersionContent) RelationCount() int {
	n := 0
	for _, targets := range c.Relations {
		n += len(targets)
	}
	return n
}

// DiffSummary describes what changed between two consecutive versions.
type DiffSummary struct {
	ChangedFields    []string `json:"changed_fields"`
	RelationsAdded   int      `json:"relations_added"`
	RelationsRemoved int      `json:"relations_removed"`
}

func (d *DiffSummary) Empty() bool {
	return d == nil || (len(d.ChangedFields) == 0 && d.RelationsAdded == 0 && d.RelationsRemoved == 0)
}

// DocumentVersion is write-once history; rows are never updated.
type DocumentVersion struct {
	ID                 int64          `json:"id" db:"id"`
	DocID              string         `json:"doc_id" db:"doc_id"`
	VersionHash        string         `json:"version_hash" db:"version_hash"`
	Content            VersionContent `json:"content" db:"content"`
	SessionID          string         `json:"session_id" db:"session_id"`
	DiffSummary        *DiffSummary   `json:"diff_summary" db:"diff_summary"`
	SourceSnapshotDate *time.Time     `json:"source_snapshot_date" db:"source_snapshot_date"`
	CrawledAt          time.Time      `json:"crawled_at" db:"crawled_at"`
}

// RelationEdge is one directed link; the full set for a source document is
// always replaced as a unit.
type RelationEdge struct {
	SourceDocID  string       `json:"source_doc_id" db:"source_doc_id"`
	RelationType RelationType `json:"relation_type" db:"relation_type"`
	TargetDocID  *string      `json:"target_doc_id" db:"target_doc_id"`
	TargetURL    string       `json:"target_url" db:"target_url"`
	TargetTitle  string       `json:"target_title" db:"target_title"`
	Resolved     bool         `json:"resolved" db:"resolved"`
}

type FileType string

const (
	FileTypePDF   FileType = "pdf"
	FileTypeDOCX  FileType = "docx"
	FileTypeDOC   FileType = "doc"
	FileTypeOther FileType = "other"
)

// DocumentFile is a download link attached to a document. Files are only
// recorded; nothing is downloaded.
type DocumentFile struct {
	DocID          string   `json:"doc_id" db:"doc_id"`
	FileName       string   `json:"file_name" db:"file_name"`
	FileType       FileType `json:"file_type" db:"file_type"`
	FileURL        string   `json:"file_url" db:"file_url"`
	DownloadStatus string   `json:"download_status" db:"download_status"`
}
