package browser

import (
	"github.com/playwright-community/playwright-go"

	"portal_crawler/models"
)

func toStorageState(s *models.AuthSession) *playwright.OptionalStorageState {
	state := &playwright.OptionalStorageState{}
	for _, c := range s.Cookies {
		cookie := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   playwright.String(c.Domain),
			Path:     playwright.String(c.Path),
			HttpOnly: playwright.Bool(c.HTTPOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Expires != 0 {
			cookie.Expires = playwright.Float(c.Expires)
		}
		if ss := sameSite(c.SameSite); ss != nil {
			cookie.SameSite = ss
		}
		state.Cookies = append(state.Cookies, cookie)
	}
	for _, o := range s.Origins {
		origin := playwright.Origin{Origin: o.Origin}
		for _, e := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, playwright.NameValue{Name: e.Name, Value: e.Value})
		}
		state.Origins = append(state.Origins, origin)
	}
	return state
}

func fromStorageState(state *playwright.StorageState) *models.AuthSession {
	s := &models.AuthSession{}
	for _, c := range state.Cookies {
		cookie := models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			HTTPOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		if c.SameSite != nil {
			cookie.SameSite = string(*c.SameSite)
		}
		s.Cookies = append(s.Cookies, cookie)
	}
	for _, o := range state.Origins {
		origin := models.OriginStorage{Origin: o.Origin}
		for _, e := range o.LocalStorage {
			origin.LocalStorage = append(origin.LocalStorage, models.StorageEntry{Name: e.Name, Value: e.Value})
		}
		s.Origins = append(s.Origins, origin)
	}
	return s
}

func sameSite(v string) *playwright.SameSiteAttribute {
	switch v {
	case "Strict":
		return playwright.SameSiteAttributeStrict
	case "Lax":
		return playwright.SameSiteAttributeLax
	case "None":
		return playwright.SameSiteAttributeNone
	}
	return nil
}
