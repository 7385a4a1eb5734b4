package identity

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"portal_crawler/models"
)

// canonicalTarget has fixed field order; encoding/json emits struct fields in
// declaration order.
type canonicalTarget struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

// CanonicalContent normalizes a version snapshot:
//   - metadata keys are trimmed, values have runs of whitespace collapsed,
//     empty keys are dropped
//   - relation types with no targets are dropped
//   - targets are trimmed, URLs canonicalized, duplicates removed, and
//     sorted by (url, title)
func CanonicalContent(content models.VersionContent) models.VersionContent {
	out := models.VersionContent{
		Metadata:  make(map[string]string, len(content.Metadata)),
		Relations: make(map[models.RelationType][]models.RelationTarget, len(content.Relations)),
	}
	for k, v := range content.Metadata {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out.Metadata[k] = collapseSpace(v)
	}
	for rt, targets := range content.Relations {
		seen := make(map[models.RelationTarget]bool, len(targets))
		var list []models.RelationTarget
		for _, t := range targets {
			ct := models.RelationTarget{Title: collapseSpace(t.Title), URL: CanonicalURL(t.URL)}
			if ct.URL == "" && ct.Title == "" {
				continue
			}
			if seen[ct] {
				continue
			}
			seen[ct] = true
			list = append(list, ct)
		}
		if len(list) == 0 {
			continue
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].URL != list[j].URL {
				return list[i].URL < list[j].URL
			}
			return list[i].Title < list[j].Title
		})
		out.Relations[rt] = list
	}
	return out
}

// CanonicalBytes is the exact byte sequence the content hash is computed
// over: compact JSON, object keys in byte order (encoding/json sorts map
// keys), HTML characters not escaped, strings as UTF-8, no trailing newline.
// The top-level object always has "metadata" then "relations".
func CanonicalBytes(content models.VersionContent) ([]byte, error) {
	c := CanonicalContent(content)

	relations := make(map[string][]canonicalTarget, len(c.Relations))
	for rt, targets := range c.Relations {
		list := make([]canonicalTarget, len(targets))
		for i, t := range targets {
			list[i] = canonicalTarget{Title: t.Title, URL: t.URL}
		}
		relations[string(rt)] = list
	}

	doc := struct {
		Metadata  map[string]string            `json:"metadata"`
		Relations map[string][]canonicalTarget `json:"relations"`
	}{c.Metadata, relations}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// ContentHash is the hex SHA-256 of CanonicalBytes.
func ContentHash(content models.VersionContent) (string, error) {
	data, err := CanonicalBytes(content)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
