package scraper

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"portal_crawler/config"
	"portal_crawler/models"
)

// MetaParser is a fallback strategy for pages without the diagram tab: it
// keeps the page title and the standard <meta> description fields.
type MetaParser struct {
	titleKey string
}

func NewMetaParser(profile *config.Profile) *MetaParser {
	key := profile.TitleKey
	if key == "" {
		key = "title"
	}
	return &MetaParser{titleKey: key}
}

func (p *MetaParser) Name() string { return "meta" }

func (p *MetaParser) Parse(pageURL string, html string) (*models.Extraction, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	meta := make(map[string]string)
	if title := cleanText(doc.Find("title").First().Text()); title != "" {
		meta[p.titleKey] = title
	}
	doc.Find("meta[name], meta[property]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if name == "" {
			name, _ = s.Attr("property")
		}
		content, _ := s.Attr("content")
		switch strings.ToLower(name) {
		case "description", "og:description":
			if v := cleanText(content); v != "" {
				meta["description"] = v
			}
		case "keywords":
			if v := cleanText(content); v != "" {
				meta["keywords"] = v
			}
		}
	})

	return &models.Extraction{
		Metadata:        meta,
		Relations:       map[models.RelationType][]models.RelationTarget{},
		RelationSummary: map[models.RelationType]int{},
	}, nil
}
