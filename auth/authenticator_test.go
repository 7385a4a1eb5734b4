package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"portal_crawler/captcha"
	"portal_crawler/config"
	"portal_crawler/credentials"
	"portal_crawler/models"
)

var testCookies = []string{".aspxauth", "memberid"}

type fakePage struct {
	challenge captcha.Challenge
	state     PageState
	submitted bool
	closed    bool
}

func (p *fakePage) SubmitCredentials(ctx context.Context, u, pw string) error {
	p.submitted = true
	return nil
}

func (p *fakePage) Challenge(ctx context.Context) (captcha.Challenge, error) {
	return p.challenge, nil
}

func (p *fakePage) State(ctx context.Context) (PageState, error) { return p.state, nil }

func (p *fakePage) StorageState(ctx context.Context) (*models.AuthSession, error) {
	return &models.AuthSession{Cookies: []models.Cookie{{Name: ".ASPXAUTH", Value: "fresh"}}}, nil
}

func (p *fakePage) Close() error {
	p.closed = true
	return nil
}

type fakeDriver struct {
	pages  []*fakePage
	logins int
	probes int
	probe  PageState
}

func (d *fakeDriver) Probe(ctx context.Context, s *models.AuthSession) (PageState, error) {
	d.probes++
	return d.probe, nil
}

func (d *fakeDriver) Login(ctx context.Context) (LoginPage, error) {
	d.logins++
	if len(d.pages) == 0 {
		return &fakePage{state: loggedIn()}, nil
	}
	p := d.pages[0]
	d.pages = d.pages[1:]
	return p, nil
}

type fakeSolver struct {
	err      error
	seen     []State
	authn    *Authenticator
	attempts int
}

func (s *fakeSolver) Solve(ctx context.Context, ch captcha.Challenge) (*models.CaptchaChallenge, error) {
	s.seen = append(s.seen, s.authn.State())
	if s.err != nil {
		return &models.CaptchaChallenge{AttemptCount: 5, Outcome: models.CaptchaExhausted}, s.err
	}
	return &models.CaptchaChallenge{AttemptCount: 2, Outcome: models.CaptchaSolved, DecodedText: "AB12"}, nil
}

type memStore struct {
	session *models.AuthSession
	saves   int
}

func (m *memStore) Load(ctx context.Context) (*models.AuthSession, error) {
	if m.session == nil {
		return nil, credentials.ErrNotFound
	}
	return m.session, nil
}

func (m *memStore) Save(ctx context.Context, s *models.AuthSession) error {
	m.saves++
	m.session = s
	return nil
}

type nopChallenge struct{}

func (nopChallenge) Image(ctx context.Context) ([]byte, error)          { return nil, nil }
func (nopChallenge) Submit(ctx context.Context, c string) (bool, error) { return false, nil }
func (nopChallenge) Refresh(ctx context.Context) error                  { return nil }

func loggedIn() PageState {
	return PageState{CookieNames: []string{"ASP.NET_SessionId", ".ASPXAUTH"}}
}

func newAuth(driver Driver, solver *fakeSolver, store credentials.Store, user string, reuse bool) *Authenticator {
	cfg := &config.Config{
		Portal:  config.PortalConfig{Username: user, Password: "secret", ReuseSession: reuse},
		Profile: &config.Profile{AuthCookies: testCookies},
	}
	a := New(driver, solver, store, cfg, zerolog.Nop())
	if solver != nil {
		solver.authn = a
	}
	return a
}

func TestEnsureAuthenticatedMissingCredentials(t *testing.T) {
	driver := &fakeDriver{}
	a := newAuth(driver, &fakeSolver{}, &memStore{}, "", false)

	_, err := a.EnsureAuthenticated(context.Background())
	if !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if driver.logins != 0 {
		t.Fatal("login page should not be opened without credentials")
	}
	if a.State() != StateAnonymous {
		t.Fatalf("expected ANONYMOUS, got %s", a.State())
	}
}

func TestEnsureAuthenticatedLogsInOnceAndPersists(t *testing.T) {
	page := &fakePage{state: loggedIn()}
	driver := &fakeDriver{pages: []*fakePage{page}}
	store := &memStore{}
	a := newAuth(driver, &fakeSolver{}, store, "user", false)

	session, err := a.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if session.Cookies[0].Value != "fresh" || session.SavedAt.IsZero() {
		t.Fatalf("unexpected session %+v", session)
	}
	if a.State() != StateAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", a.State())
	}
	if store.saves != 1 {
		t.Fatalf("expected session persisted once, got %d", store.saves)
	}
	if !page.submitted || !page.closed {
		t.Fatal("expected credentials submitted and page closed")
	}

	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if driver.logins != 1 {
		t.Fatalf("expected cached session on second call, got %d logins", driver.logins)
	}
}

func TestEnsureAuthenticatedSolvesCaptcha(t *testing.T) {
	page := &fakePage{challenge: nopChallenge{}, state: loggedIn()}
	solver := &fakeSolver{}
	a := newAuth(&fakeDriver{pages: []*fakePage{page}}, solver, &memStore{}, "user", false)

	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(solver.seen) != 1 || solver.seen[0] != StateCaptchaPending {
		t.Fatalf("expected solver to run in CAPTCHA_PENDING, saw %v", solver.seen)
	}
	if a.State() != StateAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", a.State())
	}
}

func TestEnsureAuthenticatedCaptchaExhausted(t *testing.T) {
	page := &fakePage{challenge: nopChallenge{}, state: loggedIn()}
	store := &memStore{}
	a := newAuth(&fakeDriver{pages: []*fakePage{page}}, &fakeSolver{err: captcha.ErrExhausted}, store, "user", false)

	_, err := a.EnsureAuthenticated(context.Background())
	if !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if !errors.Is(err, captcha.ErrExhausted) {
		t.Fatalf("expected ErrExhausted in chain, got %v", err)
	}
	if store.saves != 0 {
		t.Fatal("failed login must not persist a session")
	}
	if !page.closed {
		t.Fatal("login page left open")
	}
}

func TestEnsureAuthenticatedRejectedLogin(t *testing.T) {
	page := &fakePage{state: PageState{HasLoginForm: true}}
	a := newAuth(&fakeDriver{pages: []*fakePage{page}}, &fakeSolver{}, &memStore{}, "user", false)

	if _, err := a.EnsureAuthenticated(context.Background()); !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
}

func TestEnsureAuthenticatedReusesStoredSession(t *testing.T) {
	stored := &models.AuthSession{Cookies: []models.Cookie{{Name: "memberid", Value: "old"}}}
	driver := &fakeDriver{probe: loggedIn()}
	a := newAuth(driver, &fakeSolver{}, &memStore{session: stored}, "user", true)

	session, err := a.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if session != stored {
		t.Fatal("expected stored session to be reused")
	}
	if driver.logins != 0 || driver.probes != 1 {
		t.Fatalf("expected one probe and no login, got probes=%d logins=%d", driver.probes, driver.logins)
	}
}

func TestEnsureAuthenticatedStoredSessionExpired(t *testing.T) {
	stored := &models.AuthSession{Cookies: []models.Cookie{{Name: "memberid", Value: "old"}}}
	driver := &fakeDriver{probe: PageState{HasLoginForm: true}}
	a := newAuth(driver, &fakeSolver{}, &memStore{session: stored}, "user", true)

	session, err := a.EnsureAuthenticated(context.Background())
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if session == stored || driver.logins != 1 {
		t.Fatalf("expected a fresh login, logins=%d", driver.logins)
	}
}

func TestInvalidateForcesFreshLogin(t *testing.T) {
	driver := &fakeDriver{probe: loggedIn()}
	store := &memStore{}
	a := newAuth(driver, &fakeSolver{}, store, "user", true)

	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a.Invalidate()
	if a.State() != StateExpired {
		t.Fatalf("expected EXPIRED, got %s", a.State())
	}
	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("re-auth: %v", err)
	}
	if driver.logins != 2 {
		t.Fatalf("expected two logins, got %d", driver.logins)
	}
	if driver.probes != 0 {
		t.Fatalf("expired session must not be probed for reuse, got %d probes", driver.probes)
	}
}

func TestFailedReloginStaysExpired(t *testing.T) {
	driver := &fakeDriver{
		probe: loggedIn(),
		pages: []*fakePage{
			{state: loggedIn()},
			{state: PageState{HasLoginForm: true}},
			{state: loggedIn()},
		},
	}
	a := newAuth(driver, &fakeSolver{}, &memStore{}, "user", true)

	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	a.Invalidate()
	if _, err := a.EnsureAuthenticated(context.Background()); !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if a.State() != StateExpired {
		t.Fatalf("expected EXPIRED after failed re-login, got %s", a.State())
	}
	if _, err := a.EnsureAuthenticated(context.Background()); err != nil {
		t.Fatalf("re-auth: %v", err)
	}
	if driver.probes != 0 || driver.logins != 3 {
		t.Fatalf("expected three logins and no probes, got logins=%d probes=%d", driver.logins, driver.probes)
	}
}

func TestIsExpired(t *testing.T) {
	cases := []struct {
		name string
		page PageState
		want bool
	}{
		{"auth cookie present", PageState{CookieNames: []string{".ASPXAUTH"}}, false},
		{"case-insensitive", PageState{CookieNames: []string{"MemberID"}}, false},
		{"no auth cookie", PageState{CookieNames: []string{"ASP.NET_SessionId"}}, true},
		{"no cookies", PageState{}, true},
		{"login form", PageState{HasLoginForm: true, CookieNames: []string{".aspxauth"}}, true},
		{"captcha", PageState{HasCaptcha: true, CookieNames: []string{".aspxauth"}}, true},
	}
	for _, tc := range cases {
		if got := IsExpired(tc.page, testCookies); got != tc.want {
			t.Errorf("%s: IsExpired = %v, want %v", tc.name, got, tc.want)
		}
	}
}
