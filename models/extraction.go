package models

import "strings"

// RelationTarget is one related document as shown on the page.
type RelationTarget struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// FileLink is a download link found on the page.
type FileLink struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

// Extraction is the parser output for one page.
type Extraction struct {
	Metadata        map[string]string                 `json:"metadata"`
	Relations       map[RelationType][]RelationTarget `json:"relations"`
	RelationSummary map[RelationType]int              `json:"relation_summary"`
	Files           []FileLink                        `json:"files,omitempty"`
}

func (e *Extraction) RelationCount() int {
	n := 0
	for _, targets := range e.Relations {
		n += len(targets)
	}
	return n
}

// Summary returns RelationSummary when the parser supplied one, otherwise
// counts the extracted relations.
func (e *Extraction) Summary() map[RelationType]int {
	if len(e.RelationSummary) > 0 {
		return e.RelationSummary
	}
	summary := make(map[RelationType]int, len(e.Relations))
	for rt, targets := range e.Relations {
		if len(targets) > 0 {
			summary[rt] = len(targets)
		}
	}
	return summary
}

// HasValidMetadata reports whether at least one metadata value is neither
// empty nor one of the placeholder strings the portal shows while a field
// is still being filled in.
func (e *Extraction) HasValidMetadata(placeholders []string) bool {
	if e == nil {
		return false
	}
	for _, v := range e.Metadata {
		v = strings.TrimSpace(v)
		if v == "" || isPlaceholder(v, placeholders) {
			continue
		}
		return true
	}
	return false
}

func isPlaceholder(v string, placeholders []string) bool {
	for _, p := range placeholders {
		if strings.EqualFold(v, p) {
			return true
		}
	}
	return false
}
