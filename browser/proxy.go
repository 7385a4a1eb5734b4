package browser

import (
	"fmt"
	"net/url"

	"github.com/playwright-community/playwright-go"
)

// proxySettings splits a proxy URL into the server and the credentials
// Chromium expects separately.
func proxySettings(raw string) (*playwright.Proxy, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid BROWSER_PROXY %q", raw)
	}
	proxy := &playwright.Proxy{Server: u.Scheme + "://" + u.Host}
	if u.User != nil {
		proxy.Username = playwright.String(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			proxy.Password = playwright.String(pass)
		}
	}
	return proxy, nil
}
