package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"portal_crawler/auth"
	"portal_crawler/browser"
	"portal_crawler/captcha"
	"portal_crawler/captcha/tesseract"
	"portal_crawler/config"
	"portal_crawler/crawler"
	"portal_crawler/credentials"
	"portal_crawler/logging"
	"portal_crawler/models"
	"portal_crawler/scraper"
	"portal_crawler/services"
	"portal_crawler/storage"
)

var rootCmd = &cobra.Command{
	Use:           "portal_crawler",
	Short:         "Authenticated crawler for the legal document portal",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(crawlCmd(), loginCmd(), daemonCmd(), sessionCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds everything a command needs. Components are created on start and
// released by Close in reverse order.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	store   storage.Backend
	auth    *auth.Authenticator
	fetcher *scraper.Fetcher
	closers []func() error
}

// newApp wires configuration, logging and storage. The browser stack is
// only started when withBrowser is set.
func newApp(ctx context.Context, withBrowser bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logFile, err := logging.Setup(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("set up logging: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []func() error{logFile.Close}}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	logger.Info().
		Str("driver", cfg.Database.Driver).
		Str("target", maskConnectionString(databaseTarget(cfg.Database))).
		Msg("store ready")

	if !withBrowser {
		return a, nil
	}
	if err := a.startBrowser(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) startBrowser(ctx context.Context) error {
	cfg := a.cfg

	sessions, err := a.credentialStore(ctx)
	if err != nil {
		return err
	}

	engine, err := tesseract.New(cfg.Captcha.Language)
	if err != nil {
		return fmt.Errorf("start OCR engine: %w", err)
	}
	a.closers = append(a.closers, engine.Close)

	pool, err := browser.Launch(cfg.Browser, time.Now().UnixNano(), a.logger)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, pool.Close)

	fetcher, err := scraper.NewFetcher(pool, cfg.Profile, scraper.NewRegistry(), a.logger)
	if err != nil {
		return err
	}
	a.fetcher = fetcher

	solver := captcha.NewSolver(engine, cfg.Captcha, a.logger)
	a.auth = auth.New(browser.NewDriver(pool, cfg.Profile, a.logger), solver, sessions, cfg, a.logger)
	return nil
}

// credentialStore keeps the auth state on disk and, when a bucket is
// configured, mirrors it to S3 so other hosts can reuse the session.
func (a *app) credentialStore(ctx context.Context) (credentials.Store, error) {
	local := credentials.NewFileStore(a.cfg.Credentials.Path)
	if !a.cfg.Credentials.S3.Enabled() {
		return local, nil
	}
	remote, err := credentials.NewS3Store(ctx, a.cfg.Credentials.S3)
	if err != nil {
		return nil, fmt.Errorf("init S3 session store: %w", err)
	}
	a.logger.Info().Str("bucket", a.cfg.Credentials.S3.Bucket).Msg("mirroring auth state to S3")
	return credentials.NewMirrored(local, remote, a.logger), nil
}

func (a *app) crawler() *crawler.Scheduler {
	docs := services.NewDocumentService(a.store, a.cfg.Profile, a.logger)
	return crawler.New(a.cfg.Crawl, a.cfg.Profile.Placeholders, a.auth, fetcherSessions{a.fetcher}, docs, a.store, a.logger)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown")
		}
	}
}

// fetcherSessions adapts scraper.Fetcher to the crawler's Sessions.
type fetcherSessions struct {
	f *scraper.Fetcher
}

func (s fetcherSessions) Open(ctx context.Context, session *models.AuthSession) (crawler.BatchFetcher, error) {
	b, err := s.f.Open(ctx, session)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// applyRobots drops items robots.txt disallows when CRAWL_RESPECT_ROBOTS is
// set. An unreachable robots.txt blocks nothing.
func (a *app) applyRobots(ctx context.Context, items []models.WorkItem) []models.WorkItem {
	if !a.cfg.Crawl.RespectRobots {
		return items
	}
	robots, err := scraper.LoadRobots(ctx, nil, a.cfg.Profile.BaseURL, "*")
	if err != nil {
		a.logger.Warn().Err(err).Msg("robots.txt unavailable, crawling all items")
		return items
	}
	allowed, blocked := robots.Filter(items)
	for _, item := range blocked {
		a.logger.Info().Int("stt", item.SequenceID).Str("url", item.URL).Msg("skipped by robots.txt")
	}
	return allowed
}

func loadWorkItems(path string) ([]models.WorkItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read work items: %w", err)
	}
	items, err := models.ParseWorkItems(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return items, nil
}

func printSummary(w io.Writer, report *models.RunReport) {
	cs := report.Session
	fmt.Fprintf(w, "\nSession %s: %s\n", cs.ID, cs.Status)
	fmt.Fprintf(w, "  total:        %d\n", cs.TotalItems)
	fmt.Fprintf(w, "  new versions: %d\n", cs.NewVersions)
	fmt.Fprintf(w, "  unchanged:    %d\n", cs.Unchanged)
	fmt.Fprintf(w, "  errors:       %d\n", cs.Errors)
	for _, r := range report.Results {
		if r.Outcome == models.OutcomeFailed {
			fmt.Fprintf(w, "  ! #%d %s: %s\n", r.Item.SequenceID, r.Item.URL, r.Error())
		}
	}
}

func databaseTarget(cfg config.DatabaseConfig) string {
	if cfg.Driver == "postgres" {
		return cfg.URL
	}
	return cfg.Path
}

// maskConnectionString hides the password in a connection URL.
func maskConnectionString(connStr string) string {
	scheme := strings.Index(connStr, "://")
	if scheme < 0 {
		return connStr
	}
	rest := connStr[scheme+3:]
	at := strings.Index(rest, "@")
	if at < 0 {
		return connStr
	}
	colon := strings.Index(rest[:at], ":")
	if colon < 0 {
		return connStr
	}
	return connStr[:scheme+3] + rest[:colon+1] + "****" + rest[at:]
}
