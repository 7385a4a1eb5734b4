package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// WorkItem is one URL queued for crawling.
type WorkItem struct {
	SequenceID int        `json:"stt"`
	URL        string     `json:"url"`
	Title      string     `json:"title,omitempty"`
	UpdateDate *time.Time `json:"update_date,omitempty"`
}

// UnmarshalJSON accepts both the exported portal list columns
// ("Stt", "Url", "Ten van ban", "Ngay cap nhat") and snake_case keys.
func (w *WorkItem) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	seq, err := sequenceValue(firstOf(raw, "Stt", "stt", "sequence_id"))
	if err != nil {
		return err
	}

	*w = WorkItem{
		SequenceID: seq,
		URL:        strings.TrimSpace(stringValue(firstOf(raw, "Url", "url"))),
		Title:      strings.TrimSpace(stringValue(firstOf(raw, "Ten van ban", "ten_van_ban", "title"))),
		UpdateDate: ParsePortalDate(stringValue(firstOf(raw, "Ngay cap nhat", "ngay_cap_nhat", "update_date"))),
	}
	return nil
}

func (w WorkItem) MarshalJSON() ([]byte, error) {
	out := map[string]any{
		"stt": w.SequenceID,
		"url": w.URL,
	}
	if w.Title != "" {
		out["title"] = w.Title
	}
	if w.UpdateDate != nil {
		out["update_date"] = w.UpdateDate.Format("2006-01-02")
	}
	return json.Marshal(out)
}

// ParseWorkItems decodes a JSON array of work items. Items without a
// sequence id are numbered by position, starting at 1.
func ParseWorkItems(data []byte) ([]WorkItem, error) {
	var items []WorkItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decode work items: %w", err)
	}
	for i := range items {
		if items[i].SequenceID == 0 {
			items[i].SequenceID = i + 1
		}
	}
	return items, nil
}

func firstOf(raw map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := raw[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

func sequenceValue(v any) (int, error) {
	switch val := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int(val), nil
	case string:
		if strings.TrimSpace(val) == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return 0, fmt.Errorf("invalid sequence id %q", val)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid sequence id %v", val)
	}
}

// ItemOutcome is the per-item result reported at the end of a run.
type ItemOutcome string

const (
	OutcomeNewVersion ItemOutcome = "new_version"
	OutcomeUnchanged  ItemOutcome = "unchanged"
	OutcomeFailed     ItemOutcome = "failed"
)

// ItemResult is exactly one entry per work item in a run report.
type ItemResult struct {
	Item     WorkItem    `json:"item"`
	DocID    string      `json:"doc_id,omitempty"`
	Outcome  ItemOutcome `json:"outcome"`
	Attempts int         `json:"attempts"`
	Requeued bool        `json:"requeued"`
	Err      error       `json:"-"`
}

func (r ItemResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// RunReport is what a completed run yields: the session summary plus one
// result per item, in completion order.
type RunReport struct {
	Session *CrawlSession `json:"session"`
	Results []ItemResult  `json:"results"`
}
