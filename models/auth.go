package models

import "time"

// Cookie mirrors a browser cookie as persisted in an AuthSession.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

type StorageEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type OriginStorage struct {
	Origin       string         `json:"origin"`
	LocalStorage []StorageEntry `json:"localStorage"`
}

// AuthSession is the reusable authenticated browser state. Its expiry is
// never known in advance; it is detected from page state.
type AuthSession struct {
	Cookies []Cookie        `json:"cookies"`
	Origins []OriginStorage `json:"origins"`
	SavedAt time.Time       `json:"saved_at"`
}

func (s *AuthSession) CookieNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		names = append(names, c.Name)
	}
	return names
}

type CaptchaOutcome string

const (
	CaptchaSolved    CaptchaOutcome = "SOLVED"
	CaptchaExhausted CaptchaOutcome = "EXHAUSTED"
)

// CaptchaChallenge is scoped to a single authentication attempt.
type CaptchaChallenge struct {
	Image        []byte         `json:"-"`
	DecodedText  string         `json:"decoded_text"`
	AttemptCount int            `json:"attempt_count"`
	Outcome      CaptchaOutcome `json:"outcome"`
}
