// Package tesseract adapts gosseract to the captcha.Engine interface.
package tesseract

import (
	"fmt"
	"sync"

	"github.com/otiai10/gosseract/v2"

	"portal_crawler/captcha"
)

// Engine wraps one Tesseract client. The client is not safe for
// concurrent use, so calls are serialized.
type Engine struct {
	mu     sync.Mutex
	client *gosseract.Client
}

func New(language string) (*Engine, error) {
	client := gosseract.NewClient()
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set language %s: %w", language, err)
	}
	return &Engine{client: client}, nil
}

func (e *Engine) Recognize(png []byte, cfg captcha.OCRConfig) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.client.SetPageSegMode(gosseract.PageSegMode(cfg.PSM)); err != nil {
		return "", fmt.Errorf("set psm %d: %w", cfg.PSM, err)
	}
	if err := e.client.SetWhitelist(cfg.Whitelist); err != nil {
		return "", fmt.Errorf("set whitelist: %w", err)
	}
	if err := e.client.SetImageFromBytes(png); err != nil {
		return "", fmt.Errorf("load image: %w", err)
	}
	text, err := e.client.Text()
	if err != nil {
		return "", fmt.Errorf("ocr %s: %w", cfg.Name, err)
	}
	return text, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client.Close()
}
