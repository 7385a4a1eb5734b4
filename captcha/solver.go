package captcha

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"portal_crawler/config"
	"portal_crawler/models"
)

// ErrExhausted means every attempt was used without an accepted code.
var ErrExhausted = errors.New("captcha attempts exhausted")

// Challenge is a live CAPTCHA on a page. Image returns the current
// picture; Refresh asks the page for a new one.
type Challenge interface {
	Image(ctx context.Context) ([]byte, error)
	Submit(ctx context.Context, code string) (bool, error)
	Refresh(ctx context.Context) error
}

// OCRConfig selects Tesseract segmentation mode and character set.
type OCRConfig struct {
	Name      string
	PSM       int
	Whitelist string
}

const alphanumeric = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

// DefaultOCRConfigs are tried in order on every preprocessed image.
var DefaultOCRConfigs = []OCRConfig{
	{Name: "line", PSM: 7, Whitelist: alphanumeric},
	{Name: "word", PSM: 8},
	{Name: "raw-line", PSM: 13, Whitelist: alphanumeric},
}

// Engine runs OCR over a PNG image.
type Engine interface {
	Recognize(png []byte, cfg OCRConfig) (string, error)
}

type Solver struct {
	engine      Engine
	variants    []Variant
	ocrConfigs  []OCRConfig
	maxAttempts int
	minLength   int
	maxLength   int
	settle      time.Duration
	logger      zerolog.Logger
}

func NewSolver(engine Engine, cfg config.CaptchaConfig, logger zerolog.Logger) *Solver {
	return &Solver{
		engine:      engine,
		variants:    DefaultVariants,
		ocrConfigs:  DefaultOCRConfigs,
		maxAttempts: cfg.MaxAttempts,
		minLength:   cfg.MinLength,
		maxLength:   cfg.MaxLength,
		settle:      cfg.SettleDelay,
		logger:      logger.With().Str("component", "captcha").Logger(),
	}
}

// Solve runs the attempt loop against ch. Each attempt consumes one
// challenge image; between attempts the challenge is refreshed so no image
// is guessed twice. It returns ErrExhausted after maxAttempts, together
// with the final challenge state.
func (s *Solver) Solve(ctx context.Context, ch Challenge) (*models.CaptchaChallenge, error) {
	state := &models.CaptchaChallenge{}

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		state.AttemptCount = attempt
		variant := s.variants[(attempt-1)%len(s.variants)]
		log := s.logger.With().Int("attempt", attempt).Str("variant", variant.Name).Logger()

		solved, err := s.attempt(ctx, ch, variant, state)
		if err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			log.Warn().Err(err).Msg("captcha attempt failed")
		}
		if solved {
			state.Outcome = models.CaptchaSolved
			log.Info().Str("code", state.DecodedText).Msg("captcha solved")
			return state, nil
		}

		if attempt == s.maxAttempts {
			break
		}
		if err := ch.Refresh(ctx); err != nil {
			if ctx.Err() != nil {
				return state, ctx.Err()
			}
			log.Warn().Err(err).Msg("captcha refresh failed")
		}
		if err := s.wait(ctx); err != nil {
			return state, err
		}
	}

	state.Outcome = models.CaptchaExhausted
	s.logger.Warn().Int("attempts", state.AttemptCount).Msg("captcha exhausted")
	return state, ErrExhausted
}

func (s *Solver) attempt(ctx context.Context, ch Challenge, variant Variant, state *models.CaptchaChallenge) (bool, error) {
	raw, err := ch.Image(ctx)
	if err != nil {
		return false, fmt.Errorf("capture image: %w", err)
	}
	state.Image = raw
	state.DecodedText = ""

	code, err := s.decode(ctx, raw, variant)
	if err != nil {
		return false, err
	}
	if code == "" {
		return false, nil
	}
	state.DecodedText = code

	ok, err := ch.Submit(ctx, code)
	if err != nil {
		return false, fmt.Errorf("submit code: %w", err)
	}
	return ok, nil
}

// decode preprocesses and runs OCR off the caller's goroutine so a slow
// Tesseract call still honours ctx. An empty result means nothing passed
// validation.
func (s *Solver) decode(ctx context.Context, raw []byte, variant Variant) (string, error) {
	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)

	go func() {
		img, err := variant.Apply(raw)
		if err != nil {
			done <- result{err: err}
			return
		}
		for _, cfg := range s.ocrConfigs {
			text, err := s.engine.Recognize(img, cfg)
			if err != nil {
				s.logger.Debug().Err(err).Str("ocr", cfg.Name).Msg("ocr failed")
				continue
			}
			if code := Normalize(text); s.Acceptable(code) {
				done <- result{code: code}
				return
			}
		}
		done <- result{}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.code, r.err
	}
}

func (s *Solver) wait(ctx context.Context) error {
	if s.settle <= 0 {
		return nil
	}
	t := time.NewTimer(s.settle)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Normalize keeps ASCII letters and digits, upper-cased.
func Normalize(text string) string {
	var b strings.Builder
	for _, r := range text {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Acceptable reports whether a normalized code has a plausible length.
func (s *Solver) Acceptable(code string) bool {
	return len(code) >= s.minLength && len(code) <= s.maxLength
}
