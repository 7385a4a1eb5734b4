package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"portal_crawler/identity"
	"portal_crawler/models"
)

type outcome struct {
	result models.ItemResult
	// deferred items were never fetched because the batch was paused
	deferred bool
}

// dispatch fans items out to at most Concurrency workers and streams their
// outcomes. When pausable, the first session expiry stops further items
// from starting; they come back deferred. The channel closes once every
// item has an outcome.
func (s *Scheduler) dispatch(ctx context.Context, fetcher BatchFetcher, sessionID string, items []models.WorkItem, pausable bool) <-chan outcome {
	out := make(chan outcome, len(items))
	sem := semaphore.NewWeighted(int64(s.concurrency()))
	var paused atomic.Bool

	go func() {
		defer close(out)
		var g errgroup.Group
		for i, item := range items {
			if pausable && paused.Load() {
				out <- outcome{result: models.ItemResult{Item: item}, deferred: true}
				continue
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				for _, rest := range items[i:] {
					out <- outcome{result: failed(rest, 0, err)}
				}
				break
			}
			g.Go(func() error {
				defer sem.Release(1)
				if pausable && paused.Load() {
					out <- outcome{result: models.ItemResult{Item: item}, deferred: true}
					return nil
				}
				res := s.process(ctx, fetcher, sessionID, item)
				if pausable && errors.Is(res.Err, models.ErrSessionExpired) {
					paused.Store(true)
				}
				out <- outcome{result: res}
				if !errors.Is(res.Err, models.ErrSessionExpired) {
					_ = s.pacer.sleep(ctx, s.cfg.ItemDelayMin, s.cfg.ItemDelayMax)
				}
				return nil
			})
		}
		g.Wait()
	}()
	return out
}

// process runs one item to a final result. Items sharing a doc_id never run
// at the same time.
func (s *Scheduler) process(ctx context.Context, fetcher BatchFetcher, sessionID string, item models.WorkItem) models.ItemResult {
	docID := identity.DocID(item.URL)
	if docID == "" {
		return failed(item, 0, models.DataIncomplete("doc id", fmt.Errorf("invalid url %q", item.URL)))
	}

	unlock := s.locks.Lock(docID)
	defer unlock()

	ext, attempts, err := s.fetch(ctx, fetcher, item)
	if err != nil {
		res := failed(item, attempts, err)
		res.DocID = docID
		return res
	}

	changed, err := s.docs.Apply(ctx, docID, item, ext, sessionID)
	if err != nil {
		if models.KindOf(err) == models.KindUnknown {
			err = models.Persistence("apply", err)
		}
		res := failed(item, attempts, err)
		res.DocID = docID
		return res
	}

	res := models.ItemResult{Item: item, DocID: docID, Outcome: models.OutcomeUnchanged, Attempts: attempts}
	if changed {
		res.Outcome = models.OutcomeNewVersion
	}
	return res
}

// fetch retries transient and incomplete results with the timeout scaled by
// the attempt number. A session expiry is returned at once.
func (s *Scheduler) fetch(ctx context.Context, fetcher BatchFetcher, item models.WorkItem) (*models.Extraction, int, error) {
	limit := s.maxAttempts()
	for attempt := 1; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, attempt - 1, err
		}

		timeout := s.cfg.Timeout * time.Duration(attempt)
		ext, err := fetcher.Fetch(ctx, item, timeout)
		if err == nil && !ext.HasValidMetadata(s.placeholders) {
			err = models.DataIncomplete("validate", errors.New("every metadata field is empty or a placeholder"))
		}
		if err == nil {
			return ext, attempt, nil
		}
		if !retryable(err) || attempt >= limit {
			return nil, attempt, err
		}

		s.logger.Debug().
			Int("stt", item.SequenceID).
			Int("attempt", attempt).
			Dur("next_timeout", s.cfg.Timeout*time.Duration(attempt+1)).
			Err(err).
			Msg("retrying item")
		if err := s.pacer.sleep(ctx, s.cfg.RetryDelayMin, s.cfg.RetryDelayMax); err != nil {
			return nil, attempt, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, models.ErrTransientFetch) || errors.Is(err, models.ErrDataIncomplete)
}

func failed(item models.WorkItem, attempts int, err error) models.ItemResult {
	return models.ItemResult{
		Item:     item,
		DocID:    identity.DocID(item.URL),
		Outcome:  models.OutcomeFailed,
		Attempts: attempts,
		Err:      err,
	}
}
