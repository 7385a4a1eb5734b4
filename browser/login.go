package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"

	"portal_crawler/auth"
	"portal_crawler/captcha"
	"portal_crawler/config"
	"portal_crawler/models"
)

const (
	botCheckLimit = 60 * time.Second
	actionTimeout = 5 * time.Second
)

// Driver opens login and probe pages in their own contexts.
type Driver struct {
	pool    *Pool
	profile *config.Profile
	logger  zerolog.Logger
}

func NewDriver(pool *Pool, profile *config.Profile, logger zerolog.Logger) *Driver {
	return &Driver{
		pool:    pool,
		profile: profile,
		logger:  logger.With().Str("component", "login").Logger(),
	}
}

func (d *Driver) Probe(ctx context.Context, session *models.AuthSession) (auth.PageState, error) {
	c, err := d.pool.NewContext(session)
	if err != nil {
		return auth.PageState{}, err
	}
	defer c.Close()

	page, err := c.NewPage()
	if err != nil {
		return auth.PageState{}, fmt.Errorf("new page: %w", err)
	}
	if err := goTo(page, d.profile.ProbeURL); err != nil {
		return auth.PageState{}, err
	}
	if err := WaitBotCheck(ctx, page, d.profile.BotCheckMarkers, botCheckLimit); err != nil {
		return auth.PageState{}, err
	}
	return Inspect(c, page, d.profile)
}

func (d *Driver) Login(ctx context.Context) (auth.LoginPage, error) {
	c, err := d.pool.NewContext(nil)
	if err != nil {
		return nil, err
	}

	page, err := c.NewPage()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	d.logger.Info().Str("url", d.profile.LoginURL).Msg("opening login page")
	if err := goTo(page, d.profile.LoginURL); err != nil {
		c.Close()
		return nil, err
	}
	if err := WaitBotCheck(ctx, page, d.profile.BotCheckMarkers, botCheckLimit); err != nil {
		c.Close()
		return nil, err
	}
	humanDelay(ctx, 2*time.Second, 4*time.Second)

	if name, err := FirstMatch(ctx, StepStrategies(page, d.profile.Login.Consent, actionTimeout)); err == nil {
		d.logger.Debug().Str("strategy", name).Msg("consent dismissed")
		humanDelay(ctx, time.Second, 2*time.Second)
	}

	return &loginPage{ctx: c, page: page, profile: d.profile, logger: d.logger}, nil
}

type loginPage struct {
	ctx     *Context
	page    playwright.Page
	profile *config.Profile
	logger  zerolog.Logger
}

func (p *loginPage) SubmitCredentials(ctx context.Context, username, password string) error {
	sel := p.profile.Login
	ms := playwright.Float(float64(actionTimeout.Milliseconds()))

	user := p.page.Locator(sel.Username).First()
	if err := user.WaitFor(playwright.LocatorWaitForOptions{Timeout: ms}); err != nil {
		return fmt.Errorf("username field: %w", err)
	}
	if err := user.Fill(username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}
	humanDelay(ctx, 300*time.Millisecond, 800*time.Millisecond)

	if err := p.page.Locator(sel.Password).First().Fill(password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	humanDelay(ctx, 300*time.Millisecond, 800*time.Millisecond)

	name, err := FirstMatch(ctx, StepStrategies(p.page, sel.Submit, actionTimeout))
	if err != nil {
		return fmt.Errorf("submit login form: %w", err)
	}
	p.logger.Debug().Str("strategy", name).Msg("credentials submitted")

	if err := sleep(ctx, 3*time.Second); err != nil {
		return err
	}
	return p.dismissDuplicateLogin(ctx)
}

// The portal warns when the account is signed in elsewhere; confirming the
// dialog takes over the session.
func (p *loginPage) dismissDuplicateLogin(ctx context.Context) error {
	sel := p.profile.Login.DialogButton
	if sel == "" {
		return nil
	}
	open := func() (bool, error) {
		n, err := p.page.Locator(sel).Count()
		return n > 0, err
	}
	if present, err := open(); err != nil || !present {
		return nil
	}

	p.logger.Info().Msg("confirming duplicate-login dialog")
	press := func() error {
		if err := p.page.Keyboard().Press("Enter"); err != nil {
			return err
		}
		return sleep(ctx, 500*time.Millisecond)
	}
	click := func() error {
		_, err := p.page.Evaluate(`sel => {
			const btn = document.querySelector(sel);
			if (btn) btn.dispatchEvent(new MouseEvent('click', {bubbles: true, cancelable: true}));
		}`, sel)
		if err != nil {
			return err
		}
		return sleep(ctx, 500*time.Millisecond)
	}

	name, err := FirstMatch(ctx, confirmStrategies(open, press, click))
	switch {
	case errors.Is(err, ErrNoStrategyMatched):
		p.logger.Warn().Err(err).Msg("duplicate-login dialog did not close")
	case err != nil:
		return err
	default:
		p.logger.Debug().Str("strategy", name).Msg("duplicate-login dialog closed")
	}
	return sleep(ctx, time.Second)
}

var errDialogOpen = errors.New("dialog still open")

// confirmStrategies presses Enter and falls back to a dispatched click while
// the dialog is still open. Each action only counts once the dialog is gone.
func confirmStrategies(open func() (bool, error), press, click func() error) []Strategy {
	closed := func(action func() error) func() error {
		return func() error {
			if err := action(); err != nil {
				return err
			}
			still, err := open()
			if err != nil {
				return err
			}
			if still {
				return errDialogOpen
			}
			return nil
		}
	}
	return []Strategy{
		{Name: "enter", Run: closed(press)},
		{Name: "dispatch click", Applies: open, Run: closed(click)},
	}
}

func (p *loginPage) Challenge(ctx context.Context) (captcha.Challenge, error) {
	present, err := hasCaptcha(p.page, p.profile.Captcha)
	if err != nil || !present {
		return nil, err
	}
	return &pageChallenge{page: p.page, sel: p.profile.Captcha}, nil
}

func (p *loginPage) State(ctx context.Context) (auth.PageState, error) {
	return Inspect(p.ctx, p.page, p.profile)
}

func (p *loginPage) StorageState(ctx context.Context) (*models.AuthSession, error) {
	return p.ctx.StorageState()
}

func (p *loginPage) Close() error {
	p.page.Close()
	return p.ctx.Close()
}

// pageChallenge is the CAPTCHA panel rendered on a portal page.
type pageChallenge struct {
	page playwright.Page
	sel  config.CaptchaSelectors
}

func (c *pageChallenge) Image(ctx context.Context) ([]byte, error) {
	return c.page.Locator(c.sel.Image).First().Screenshot()
}

func (c *pageChallenge) Submit(ctx context.Context, code string) (bool, error) {
	if err := c.page.Locator(c.sel.Input).First().Fill(code); err != nil {
		return false, fmt.Errorf("fill code: %w", err)
	}
	humanDelay(ctx, 300*time.Millisecond, 800*time.Millisecond)

	submit := c.page.Locator(c.sel.Submit).First()
	if n, _ := submit.Count(); n == 0 {
		if err := c.page.Locator(c.sel.Input).First().Press("Enter"); err != nil {
			return false, fmt.Errorf("press enter: %w", err)
		}
	} else if err := submit.Click(); err != nil {
		return false, fmt.Errorf("click submit: %w", err)
	}

	if err := sleep(ctx, 3*time.Second); err != nil {
		return false, err
	}
	still, err := c.page.Locator(c.sel.Image).Count()
	if err != nil {
		return false, err
	}
	return still == 0, nil
}

// Clicking the image asks the portal for a new one.
func (c *pageChallenge) Refresh(ctx context.Context) error {
	return c.page.Locator(c.sel.Image).First().Click()
}

func goTo(page playwright.Page, url string) error {
	_, err := page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return models.TransientFetch("navigate", err)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}
