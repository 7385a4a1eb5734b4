package auth

import "strings"

type State string

const (
	StateAnonymous      State = "ANONYMOUS"
	StateAuthenticating State = "AUTHENTICATING"
	StateCaptchaPending State = "CAPTCHA_PENDING"
	StateAuthenticated  State = "AUTHENTICATED"
	StateExpired        State = "EXPIRED"
)

// PageState is what a loaded page tells us about the session.
type PageState struct {
	URL          string
	HasLoginForm bool
	HasCaptcha   bool
	CookieNames  []string
}

// IsExpired reports whether a page shows the session is no longer
// authenticated: a login form or login CAPTCHA is rendered, or none of the
// expected auth cookies is present. Cookie names compare case-insensitively.
func IsExpired(page PageState, authCookies []string) bool {
	if page.HasLoginForm || page.HasCaptcha {
		return true
	}
	return !HasAuthCookie(page.CookieNames, authCookies)
}

func HasAuthCookie(names, authCookies []string) bool {
	if len(authCookies) == 0 {
		return true
	}
	for _, name := range names {
		for _, want := range authCookies {
			if strings.EqualFold(name, want) {
				return true
			}
		}
	}
	return false
}
