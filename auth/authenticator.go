package auth

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"portal_crawler/captcha"
	"portal_crawler/config"
	"portal_crawler/credentials"
	"portal_crawler/models"
)

// Driver opens browser pages for the authenticator.
type Driver interface {
	// Probe loads the profile's probe URL with session applied and reports
	// the resulting page state.
	Probe(ctx context.Context, session *models.AuthSession) (PageState, error)
	// Login opens a fresh anonymous login page.
	Login(ctx context.Context) (LoginPage, error)
}

// LoginPage is one in-progress login in its own browser context.
type LoginPage interface {
	SubmitCredentials(ctx context.Context, username, password string) error
	// Challenge returns the CAPTCHA on the page, or nil when there is none.
	Challenge(ctx context.Context) (captcha.Challenge, error)
	State(ctx context.Context) (PageState, error)
	StorageState(ctx context.Context) (*models.AuthSession, error)
	Close() error
}

// Solver is satisfied by *captcha.Solver.
type Solver interface {
	Solve(ctx context.Context, ch captcha.Challenge) (*models.CaptchaChallenge, error)
}

// Authenticator owns the single shared AuthSession. It is driven by the
// crawl coordinator only and is not safe for concurrent use.
type Authenticator struct {
	driver      Driver
	solver      Solver
	store       credentials.Store
	username    string
	password    string
	reuse       bool
	authCookies []string
	now         func() time.Time
	logger      zerolog.Logger

	state   State
	session *models.AuthSession
}

func New(driver Driver, solver Solver, store credentials.Store, cfg *config.Config, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		driver:      driver,
		solver:      solver,
		store:       store,
		username:    cfg.Portal.Username,
		password:    cfg.Portal.Password,
		reuse:       cfg.Portal.ReuseSession,
		authCookies: cfg.Profile.AuthCookies,
		now:         time.Now,
		logger:      logger.With().Str("component", "auth").Logger(),
		state:       StateAnonymous,
	}
}

func (a *Authenticator) State() State { return a.state }

// AuthCookies lists the cookie names that mark a logged-in session.
func (a *Authenticator) AuthCookies() []string { return a.authCookies }

// EnsureAuthenticated returns a usable session, logging in when needed.
// Failures are AuthFailure errors.
func (a *Authenticator) EnsureAuthenticated(ctx context.Context) (*models.AuthSession, error) {
	if a.state == StateAuthenticated && a.session != nil {
		return a.session, nil
	}
	from := a.state

	if a.state == StateAnonymous && a.reuse {
		if session, ok := a.tryStored(ctx); ok {
			a.session = session
			a.state = StateAuthenticated
			return session, nil
		}
	}

	session, err := a.login(ctx)
	if err != nil {
		// A failed re-login stays expired so the abandoned session is never
		// probed for reuse.
		a.state = StateAnonymous
		if from == StateExpired {
			a.state = StateExpired
		}
		return nil, err
	}
	a.session = session
	a.state = StateAuthenticated
	return session, nil
}

// Invalidate marks the current session expired; the next
// EnsureAuthenticated performs a fresh login.
func (a *Authenticator) Invalidate() {
	if a.state != StateExpired {
		a.logger.Warn().Str("from", string(a.state)).Msg("session expired")
	}
	a.state = StateExpired
	a.session = nil
}

func (a *Authenticator) tryStored(ctx context.Context) (*models.AuthSession, bool) {
	session, err := a.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, credentials.ErrNotFound) {
			a.logger.Warn().Err(err).Msg("stored session unreadable")
		}
		return nil, false
	}

	page, err := a.driver.Probe(ctx, session)
	if err != nil {
		a.logger.Warn().Err(err).Msg("session probe failed")
		return nil, false
	}
	if IsExpired(page, a.authCookies) {
		a.logger.Info().Msg("stored session is no longer valid")
		return nil, false
	}

	a.logger.Info().Time("saved_at", session.SavedAt).Msg("reusing stored session")
	return session, true
}

func (a *Authenticator) login(ctx context.Context) (*models.AuthSession, error) {
	if a.username == "" || a.password == "" {
		return nil, models.AuthFailure("login", errors.New("PORTAL_USERNAME and PORTAL_PASSWORD are required"))
	}

	a.state = StateAuthenticating
	a.logger.Info().Msg("logging in")

	page, err := a.driver.Login(ctx)
	if err != nil {
		return nil, models.AuthFailure("open login page", err)
	}
	defer page.Close()

	if err := page.SubmitCredentials(ctx, a.username, a.password); err != nil {
		return nil, models.AuthFailure("submit credentials", err)
	}

	ch, err := page.Challenge(ctx)
	if err != nil {
		return nil, models.AuthFailure("detect captcha", err)
	}
	if ch != nil {
		a.state = StateCaptchaPending
		result, err := a.solver.Solve(ctx, ch)
		if err != nil {
			return nil, models.AuthFailure("solve captcha", err)
		}
		a.logger.Info().Int("attempts", result.AttemptCount).Msg("captcha accepted")
		a.state = StateAuthenticating
	}

	state, err := page.State(ctx)
	if err != nil {
		return nil, models.AuthFailure("read login result", err)
	}
	if IsExpired(state, a.authCookies) {
		return nil, models.AuthFailure("login", errors.New("portal did not accept the credentials"))
	}

	session, err := page.StorageState(ctx)
	if err != nil {
		return nil, models.AuthFailure("capture storage state", err)
	}
	session.SavedAt = a.now().UTC()

	if err := a.store.Save(ctx, session); err != nil {
		a.logger.Warn().Err(err).Msg("could not persist session")
	}
	a.logger.Info().Int("cookies", len(session.Cookies)).Msg("logged in")
	return session, nil
}
