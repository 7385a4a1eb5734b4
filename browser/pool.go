package browser

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"portal_crawler/config"
	"portal_crawler/models"
)

var launchArgs = []string{
	"--disable-blink-features=AutomationControlled",
	"--disable-dev-shm-usage",
	"--no-sandbox",
	"--disable-infobars",
}

// Hides the most common automation tells before any page script runs.
const stealthScript = `
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => ['vi-VN', 'vi', 'en-US', 'en'] });
window.chrome = window.chrome || { runtime: {} };
`

// Pool owns the playwright driver and one browser process. Contexts are
// created per batch so each batch gets its own fingerprint.
type Pool struct {
	cfg     config.BrowserConfig
	pw      *playwright.Playwright
	browser playwright.Browser
	logger  zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func Launch(cfg config.BrowserConfig, seed int64, logger zerolog.Logger) (*Pool, error) {
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	logger = logger.With().Str("component", "browser").Logger()

	opts := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(cfg.Headless),
		Args:     launchArgs,
	}
	if cfg.Channel != "" {
		opts.Channel = playwright.String(cfg.Channel)
	}
	if cfg.Proxy != "" {
		proxy, err := proxySettings(cfg.Proxy)
		if err != nil {
			pw.Stop()
			return nil, err
		}
		opts.Proxy = proxy
		logger.Info().Str("proxy", proxy.Server).Msg("routing browser through proxy")
	}

	browser, err := pw.Chromium.Launch(opts)
	if err != nil && cfg.Channel != "" {
		logger.Warn().Err(err).Str("channel", cfg.Channel).Msg("channel unavailable, using bundled chromium")
		opts.Channel = nil
		browser, err = pw.Chromium.Launch(opts)
	}
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	return &Pool{
		cfg:     cfg,
		pw:      pw,
		browser: browser,
		logger:  logger,
		rng:     rand.New(rand.NewSource(seed)),
	}, nil
}

// NewContext opens an isolated browser context carrying session (nil for
// an anonymous context) with a freshly rotated fingerprint.
func (p *Pool) NewContext(session *models.AuthSession) (*Context, error) {
	p.mu.Lock()
	fp := PickFingerprint(p.rng, p.cfg.UserAgents)
	p.mu.Unlock()

	opts := playwright.BrowserNewContextOptions{
		UserAgent:         playwright.String(fp.UserAgent),
		Viewport:          &playwright.Size{Width: fp.Width, Height: fp.Height},
		IgnoreHttpsErrors: playwright.Bool(true),
		Locale:            playwright.String("vi-VN"),
	}
	if session != nil {
		opts.StorageState = toStorageState(session)
	}

	bctx, err := p.browser.NewContext(opts)
	if err != nil {
		return nil, fmt.Errorf("new context: %w", err)
	}
	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		bctx.Close()
		return nil, fmt.Errorf("add init script: %w", err)
	}
	if p.cfg.NavTimeout > 0 {
		bctx.SetDefaultNavigationTimeout(float64(p.cfg.NavTimeout.Milliseconds()))
	}

	p.logger.Debug().
		Str("user_agent", fp.UserAgent).
		Int("width", fp.Width).
		Int("height", fp.Height).
		Msg("context opened")

	return &Context{ctx: bctx}, nil
}

func (p *Pool) Close() error {
	if err := p.browser.Close(); err != nil {
		p.logger.Warn().Err(err).Msg("browser close failed")
	}
	return p.pw.Stop()
}

// Context is one batch's browser context.
type Context struct {
	ctx playwright.BrowserContext
}

func (c *Context) NewPage() (playwright.Page, error) {
	return c.ctx.NewPage()
}

func (c *Context) CookieNames() ([]string, error) {
	cookies, err := c.ctx.Cookies()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cookies))
	for _, ck := range cookies {
		names = append(names, ck.Name)
	}
	return names, nil
}

func (c *Context) StorageState() (*models.AuthSession, error) {
	state, err := c.ctx.StorageState()
	if err != nil {
		return nil, fmt.Errorf("storage state: %w", err)
	}
	return fromStorageState(state), nil
}

func (c *Context) Close() error {
	return c.ctx.Close()
}
