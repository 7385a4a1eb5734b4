package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/temoto/robotstxt"

	"portal_crawler/models"
)

// Robots answers whether a path may be crawled according to the portal's
// robots.txt rules for agent.
type Robots struct {
	group *robotstxt.Group
}

// LoadRobots fetches robots.txt from the host of baseURL. A missing file
// allows everything.
func LoadRobots(ctx context.Context, client *http.Client, baseURL, agent string) (*Robots, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	data, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &Robots{group: data.FindGroup(agent)}, nil
}

// Allowed reports whether rawURL's path is crawlable.
func (r *Robots) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return r.group.Test(path)
}

// Filter splits items into those robots.txt allows and those it blocks.
func (r *Robots) Filter(items []models.WorkItem) (allowed, blocked []models.WorkItem) {
	for _, item := range items {
		if r.Allowed(item.URL) {
			allowed = append(allowed, item)
		} else {
			blocked = append(blocked, item)
		}
	}
	return allowed, blocked
}
