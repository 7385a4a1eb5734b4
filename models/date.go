package models

import (
	"strings"
	"time"
)

var portalDateLayouts = []string{
	"02/01/2006",
	"2/1/2006",
	"2006-01-02",
	time.RFC3339,
}

// ParsePortalDate accepts the portal's dd/mm/yyyy format as well as ISO
// dates. Empty or unparseable input yields nil.
func ParsePortalDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range portalDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d
		}
	}
	return nil
}

// DateAfter reports whether a is strictly later than b. Both dates must be
// known for a to count as advancing.
func DateAfter(a, b *time.Time) bool {
	if a == nil || b == nil {
		return false
	}
	return a.After(*b)
}
