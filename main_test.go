package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"

	"portal_crawler/models"
)

func TestMaskConnectionString(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"postgres://crawler:s3cret@db:5432/portal", "postgres://crawler:****@db:5432/portal"},
		{"postgres://db:5432/portal", "postgres://db:5432/portal"},
		{"crawler.db", "crawler.db"},
	}
	for _, tt := range tests {
		if got := maskConnectionString(tt.in); got != tt.want {
			t.Errorf("maskConnectionString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadWorkItems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "links.json")
	data := `[{"Stt": 1, "Url": "https://thuvienphapluat.vn/van-ban/A-1.aspx", "Ngay cap nhat": "05/03/2024"},
	          {"url": "https://thuvienphapluat.vn/van-ban/B-2.aspx"}]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	items, err := loadWorkItems(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(items) != 2 || items[1].SequenceID != 2 {
		t.Fatalf("unexpected items %+v", items)
	}
	if _, err := loadWorkItems(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestPrintSummary(t *testing.T) {
	cs := &models.CrawlSession{ID: uuid.New(), Status: models.RunStatusFailed, TotalItems: 2, NewVersions: 1, Errors: 1}
	report := &models.RunReport{Session: cs, Results: []models.ItemResult{
		{Item: models.WorkItem{SequenceID: 1}, Outcome: models.OutcomeNewVersion},
		{Item: models.WorkItem{SequenceID: 2, URL: "u2"}, Outcome: models.OutcomeFailed, Err: models.TransientFetch("navigate", nil)},
	}}

	var buf bytes.Buffer
	printSummary(&buf, report)
	out := buf.String()
	if !strings.Contains(out, "FAILED") || !strings.Contains(out, "#2 u2: transient_fetch: navigate") {
		t.Fatalf("unexpected summary:\n%s", out)
	}
}
