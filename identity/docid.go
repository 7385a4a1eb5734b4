package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"path"
	"regexp"
	"strings"
)

var trailingIDRegex = regexp.MustCompile(`-(\d+)$`)

// CanonicalURL lowercases scheme and host and drops the query, fragment and
// any trailing slash, so that links to the same page compare equal.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawPath = ""
	return u.String()
}

// DocID derives the document id from its canonical URL. Portal document
// pages end in "-<number>.aspx"; that number is the id. Other URLs fall back
// to a digest of the canonical URL so the id stays deterministic.
func DocID(rawURL string) string {
	canonical := CanonicalURL(rawURL)
	if canonical == "" {
		return ""
	}
	if id := numericSuffix(canonical); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(canonical))
	return "u" + hex.EncodeToString(sum[:8])
}

// TargetDocID resolves the id of a relation target. Only URLs with the
// portal's numeric suffix resolve; anything else stays unresolved.
func TargetDocID(rawURL string) (string, bool) {
	id := numericSuffix(CanonicalURL(rawURL))
	return id, id != ""
}

func numericSuffix(canonical string) string {
	p := canonical
	if u, err := url.Parse(canonical); err == nil && u.Host != "" {
		p = u.Path
	}
	base := path.Base(p)
	base = strings.TrimSuffix(base, path.Ext(base))
	if m := trailingIDRegex.FindStringSubmatch(base); m != nil {
		return m[1]
	}
	return ""
}
