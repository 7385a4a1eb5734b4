package scraper

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"portal_crawler/config"
	"portal_crawler/models"
)

var spaceRe = regexp.MustCompile(`\s+`)

// PortalParser reads the document "diagram" tab: a metadata table, one
// container per relation type, and the downloads tab.
type PortalParser struct {
	sel    config.DocumentSelectors
	labels map[string]string
}

func NewPortalParser(profile *config.Profile) *PortalParser {
	labels := make(map[string]string, len(profile.Document.MetadataLabels))
	for label, key := range profile.Document.MetadataLabels {
		labels[normalizeLabel(label)] = key
	}
	return &PortalParser{sel: profile.Document, labels: labels}
}

func (p *PortalParser) Name() string { return "portal" }

func (p *PortalParser) Parse(pageURL string, html string) (*models.Extraction, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse page url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	ext := &models.Extraction{
		Metadata:  p.metadata(doc),
		Relations: p.relations(doc, base),
		Files:     p.files(doc, base),
	}
	ext.RelationSummary = ext.Summary()
	return ext, nil
}

func (p *PortalParser) metadata(doc *goquery.Document) map[string]string {
	meta := make(map[string]string)
	put := func(label, value string) {
		key, ok := p.labels[normalizeLabel(label)]
		if !ok {
			return
		}
		value = cleanText(value)
		if value == "" || value == "..." {
			return
		}
		if _, seen := meta[key]; !seen {
			meta[key] = value
		}
	}

	// "Văn bản đang xem" block: label/value pairs as .hd/.ds divs.
	doc.Find("#viewingDocument .att").Each(func(_ int, s *goquery.Selection) {
		put(s.Find(".hd").First().Text(), s.Find(".ds").First().Text())
	})

	if p.sel.MetadataScope != "" {
		doc.Find(p.sel.MetadataScope).Find("tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			if cells.Length() != 2 {
				return
			}
			put(cells.Eq(0).Text(), cells.Eq(1).Text())
		})
	}
	return meta
}

func (p *PortalParser) relations(doc *goquery.Document, base *url.URL) map[models.RelationType][]models.RelationTarget {
	out := make(map[models.RelationType][]models.RelationTarget)
	for id, name := range p.sel.Relations {
		rt := models.RelationType(name)
		if !rt.Valid() {
			continue
		}
		var targets []models.RelationTarget
		seen := make(map[string]bool)

		doc.Find("#" + id).Find("a[href]").Each(func(_ int, a *goquery.Selection) {
			href, _ := a.Attr("href")
			link, ok := p.relationLink(base, href)
			if !ok || seen[link] {
				return
			}
			seen[link] = true
			targets = append(targets, models.RelationTarget{Title: cleanText(a.Text()), URL: link})
		})
		if len(targets) > 0 {
			out[rt] = append(out[rt], targets...)
		}
	}
	return out
}

func (p *PortalParser) relationLink(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return "", false
	}
	lower := strings.ToLower(href)
	if len(p.sel.RelationInclude) > 0 && !containsAny(lower, p.sel.RelationInclude) {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(ref).String()
	if containsAny(strings.ToLower(abs), p.sel.RelationExclude) {
		return "", false
	}
	return abs, true
}

func (p *PortalParser) files(doc *goquery.Document, base *url.URL) []models.FileLink {
	if p.sel.FilesSelector == "" {
		return nil
	}
	var files []models.FileLink
	seen := make(map[string]bool)
	doc.Find(p.sel.FilesSelector).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref).String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		files = append(files, models.FileLink{Text: cleanText(a.Text()), URL: abs})
	})
	return files
}

func normalizeLabel(s string) string {
	s = cleanText(s)
	s = strings.TrimSuffix(s, ":")
	return strings.ToLower(strings.TrimSpace(s))
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
