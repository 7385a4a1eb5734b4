package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"

	"portal_crawler/config"
)

// ErrNoStrategyMatched is returned when every strategy in a chain was
// skipped or failed.
var ErrNoStrategyMatched = errors.New("no strategy matched")

// Strategy is one (predicate, action) pair in an ordered fallback chain.
// A nil Applies always holds.
type Strategy struct {
	Name    string
	Applies func() (bool, error)
	Run     func() error
}

// FirstMatch runs the first strategy whose predicate holds and whose action
// succeeds, and returns its name. Failed actions fall through to the next
// strategy.
func FirstMatch(ctx context.Context, strategies []Strategy) (string, error) {
	var lastErr error
	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if s.Applies != nil {
			ok, err := s.Applies()
			if err != nil {
				lastErr = fmt.Errorf("%s: %w", s.Name, err)
				continue
			}
			if !ok {
				continue
			}
		}
		if err := s.Run(); err != nil {
			lastErr = fmt.Errorf("%s: %w", s.Name, err)
			continue
		}
		return s.Name, nil
	}
	if lastErr != nil {
		return "", fmt.Errorf("%w (last: %v)", ErrNoStrategyMatched, lastErr)
	}
	return "", ErrNoStrategyMatched
}

// StepStrategies turns profile steps into strategies against page.
func StepStrategies(page playwright.Page, steps []config.Step, timeout time.Duration) []Strategy {
	ms := playwright.Float(float64(timeout.Milliseconds()))
	out := make([]Strategy, 0, len(steps))

	for _, step := range steps {
		step := step
		switch step.Action {
		case "click":
			loc := page.Locator(step.Selector).First()
			out = append(out, Strategy{
				Name:    "click " + step.Selector,
				Applies: func() (bool, error) { return loc.IsVisible() },
				Run:     func() error { return loc.Click(playwright.LocatorClickOptions{Timeout: ms}) },
			})
		case "press":
			loc := page.Locator(step.Selector).First()
			out = append(out, Strategy{
				Name:    "press " + step.Key + " in " + step.Selector,
				Applies: func() (bool, error) { return loc.IsVisible() },
				Run:     func() error { return loc.Press(step.Key, playwright.LocatorPressOptions{Timeout: ms}) },
			})
		case "script":
			out = append(out, Strategy{
				Name: "script",
				Run: func() error {
					_, err := page.Evaluate(step.Script)
					return err
				},
			})
		}
	}
	return out
}

// AnyPresent reports whether any selector matches at least one element.
func AnyPresent(page playwright.Page, selectors []string) (bool, error) {
	for _, sel := range selectors {
		if sel == "" {
			continue
		}
		n, err := page.Locator(sel).Count()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}
