package scraper

import (
	"fmt"
	"sort"

	"portal_crawler/config"
	"portal_crawler/models"
)

// Parser turns a rendered page into an Extraction. Implementations are
// selected by name from the portal profile.
type Parser interface {
	Name() string
	Parse(pageURL string, html string) (*models.Extraction, error)
}

type Factory func(profile *config.Profile) Parser

// Registry maps parser strategy names to constructors.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("portal", func(p *config.Profile) Parser { return NewPortalParser(p) })
	r.Register("meta", func(p *config.Profile) Parser { return NewMetaParser(p) })
	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.factories[name] = f
}

func (r *Registry) New(profile *config.Profile) (Parser, error) {
	f, ok := r.factories[profile.Parser]
	if !ok {
		return nil, fmt.Errorf("unknown parser %q (have %v)", profile.Parser, r.Names())
	}
	return f(profile), nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
