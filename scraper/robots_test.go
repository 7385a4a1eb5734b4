package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"portal_crawler/models"
)

func TestRobotsFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("User-agent: *\nDisallow: /page/\nDisallow: /print/\n"))
	}))
	defer srv.Close()

	robots, err := LoadRobots(context.Background(), srv.Client(), srv.URL+"/van-ban/x.aspx", "*")
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	items := []models.WorkItem{
		{SequenceID: 1, URL: srv.URL + "/van-ban/Thong-tu-1.aspx"},
		{SequenceID: 2, URL: srv.URL + "/page/tim-van-ban.aspx"},
		{SequenceID: 3, URL: srv.URL + "/print/Thong-tu-1.aspx"},
	}
	allowed, blocked := robots.Filter(items)
	if len(allowed) != 1 || allowed[0].SequenceID != 1 {
		t.Fatalf("unexpected allowed %+v", allowed)
	}
	if len(blocked) != 2 {
		t.Fatalf("expected 2 blocked, got %d", len(blocked))
	}
}

func TestRobotsMissingAllowsAll(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	robots, err := LoadRobots(context.Background(), srv.Client(), srv.URL, "*")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !robots.Allowed(srv.URL + "/page/anything") {
		t.Fatal("a missing robots.txt should allow everything")
	}
}
