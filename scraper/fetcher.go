package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"portal_crawler/auth"
	"portal_crawler/browser"
	"portal_crawler/config"
	"portal_crawler/models"
)

const (
	settleDelay   = 1500 * time.Millisecond
	stepTimeout   = 3 * time.Second
	botCheckLimit = 30 * time.Second
)

// Fetcher loads document pages in per-batch browser contexts and hands
// the rendered HTML to the configured parser.
type Fetcher struct {
	pool    *browser.Pool
	profile *config.Profile
	parser  Parser
	logger  zerolog.Logger
}

func NewFetcher(pool *browser.Pool, profile *config.Profile, registry *Registry, logger zerolog.Logger) (*Fetcher, error) {
	parser, err := registry.New(profile)
	if err != nil {
		return nil, err
	}
	return &Fetcher{
		pool:    pool,
		profile: profile,
		parser:  parser,
		logger:  logger.With().Str("component", "fetcher").Str("parser", parser.Name()).Logger(),
	}, nil
}

// Open creates the browser context for one batch, carrying session.
func (f *Fetcher) Open(ctx context.Context, session *models.AuthSession) (*Batch, error) {
	bctx, err := f.pool.NewContext(session)
	if err != nil {
		return nil, models.TransientFetch("open context", err)
	}
	return &Batch{f: f, bctx: bctx}, nil
}

// Batch fetches items within one browser context. Fetch is safe to call
// from several goroutines; each call uses its own page.
type Batch struct {
	f    *Fetcher
	bctx *browser.Context
}

func (b *Batch) Fetch(ctx context.Context, item models.WorkItem, timeout time.Duration) (*models.Extraction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := b.f.logger.With().Int("stt", item.SequenceID).Str("url", item.URL).Logger()
	profile := b.f.profile

	page, err := b.bctx.NewPage()
	if err != nil {
		return nil, models.TransientFetch("new page", err)
	}
	defer page.Close()
	page.SetDefaultTimeout(float64(timeout.Milliseconds()))

	_, err = page.Goto(item.URL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		return nil, models.TransientFetch("navigate", err)
	}
	if err := pause(ctx, settleDelay); err != nil {
		return nil, err
	}

	if err := browser.WaitBotCheck(ctx, page, profile.BotCheckMarkers, botCheckLimit); err != nil {
		return nil, models.TransientFetch("bot check", err)
	}

	state, err := browser.Inspect(b.bctx, page, profile)
	if err != nil {
		return nil, models.TransientFetch("inspect page", err)
	}
	if auth.IsExpired(state, profile.AuthCookies) {
		return nil, models.SessionExpired("fetch", fmt.Errorf("login markers on %s", state.URL))
	}

	sel := profile.Document
	if name, err := browser.FirstMatch(ctx, browser.StepStrategies(page, sel.RelationTab, stepTimeout)); err != nil {
		log.Debug().Err(err).Msg("relation tab not activated")
	} else {
		log.Debug().Str("strategy", name).Msg("relation tab activated")
	}

	if sel.ReadySelector != "" {
		err := page.Locator(sel.ReadySelector).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(float64(timeout.Milliseconds())),
		})
		if err != nil && !errors.Is(err, playwright.ErrTimeout) {
			return nil, models.TransientFetch("wait for content", err)
		}
	}

	if sel.ExpandSelector != "" {
		if _, err := page.Evaluate(`sel => document.querySelectorAll(sel).forEach(b => { try { b.click() } catch (e) {} })`, sel.ExpandSelector); err != nil {
			log.Debug().Err(err).Msg("expand buttons failed")
		}
		if err := pause(ctx, time.Second); err != nil {
			return nil, err
		}
	}

	if len(sel.FilesTab) > 0 {
		if _, err := browser.FirstMatch(ctx, browser.StepStrategies(page, sel.FilesTab, stepTimeout)); err == nil {
			if err := pause(ctx, time.Second); err != nil {
				return nil, err
			}
		}
	}

	html, err := page.Content()
	if err != nil {
		return nil, models.TransientFetch("read content", err)
	}

	ext, err := b.f.parser.Parse(page.URL(), html)
	if err != nil {
		return nil, models.DataIncomplete("parse", err)
	}
	log.Debug().
		Int("metadata", len(ext.Metadata)).
		Int("relations", ext.RelationCount()).
		Int("files", len(ext.Files)).
		Msg("page parsed")
	return ext, nil
}

func (b *Batch) Close() error {
	return b.bctx.Close()
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
