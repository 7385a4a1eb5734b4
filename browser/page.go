package browser

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/playwright-community/playwright-go"

	"portal_crawler/auth"
	"portal_crawler/config"
)

// Inspect reads the session-relevant state of a loaded page.
func Inspect(c *Context, page playwright.Page, profile *config.Profile) (auth.PageState, error) {
	state := auth.PageState{URL: page.URL()}

	loginForm, err := AnyPresent(page, profile.Login.LoginFormMarkers)
	if err != nil {
		return state, fmt.Errorf("check login form: %w", err)
	}
	loggedIn, err := AnyPresent(page, profile.Login.LoggedInMarkers)
	if err != nil {
		return state, fmt.Errorf("check logged-in markers: %w", err)
	}
	// The portal keeps a hidden login box in some layouts; a visible
	// logged-in marker wins.
	state.HasLoginForm = loginForm && !loggedIn

	state.HasCaptcha, err = hasCaptcha(page, profile.Captcha)
	if err != nil {
		return state, err
	}

	state.CookieNames, err = c.CookieNames()
	if err != nil {
		return state, fmt.Errorf("read cookies: %w", err)
	}
	return state, nil
}

func hasCaptcha(page playwright.Page, sel config.CaptchaSelectors) (bool, error) {
	if sel.Image == "" || sel.Input == "" {
		return false, nil
	}
	imgs, err := page.Locator(sel.Image).Count()
	if err != nil {
		return false, fmt.Errorf("check captcha image: %w", err)
	}
	inputs, err := page.Locator(sel.Input).Count()
	if err != nil {
		return false, fmt.Errorf("check captcha input: %w", err)
	}
	return imgs > 0 && inputs > 0, nil
}

// WaitBotCheck waits for an interstitial "verify you are human" page to
// clear on its own. It returns an error when the check is still shown
// after limit.
func WaitBotCheck(ctx context.Context, page playwright.Page, markers []string, limit time.Duration) error {
	selectors := make([]string, 0, len(markers))
	for _, m := range markers {
		selectors = append(selectors, "text="+m)
	}

	deadline := time.Now().Add(limit)
	for {
		shown, err := AnyPresent(page, selectors)
		if err != nil {
			return err
		}
		if !shown {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("bot check still shown after %s", limit)
		}
		if err := sleep(ctx, time.Second); err != nil {
			return err
		}
	}
}

// humanDelay sleeps for a random duration in [min, max).
func humanDelay(ctx context.Context, min, max time.Duration) error {
	d := min
	if max > min {
		d += time.Duration(rand.Int63n(int64(max - min)))
	}
	return sleep(ctx, d)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
