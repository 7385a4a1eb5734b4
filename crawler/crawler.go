package crawler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"portal_crawler/config"
	"portal_crawler/identity"
	"portal_crawler/models"
)

// BatchFetcher loads work items inside one browser context. Fetch must be
// safe for concurrent use.
type BatchFetcher interface {
	Fetch(ctx context.Context, item models.WorkItem, timeout time.Duration) (*models.Extraction, error)
	Close() error
}

// Sessions opens a BatchFetcher carrying an authenticated session.
type Sessions interface {
	Open(ctx context.Context, session *models.AuthSession) (BatchFetcher, error)
}

// Authenticator is only ever called from the coordinating goroutine.
type Authenticator interface {
	EnsureAuthenticated(ctx context.Context) (*models.AuthSession, error)
	Invalidate()
}

// Documents persists successful extractions and reports whether a new
// version was written.
type Documents interface {
	Apply(ctx context.Context, docID string, item models.WorkItem, ext *models.Extraction, sessionID string) (bool, error)
}

// SessionLog is the crawl-session bookkeeping part of the store.
type SessionLog interface {
	StartCrawlSession(ctx context.Context, s *models.CrawlSession) error
	CompleteCrawlSession(ctx context.Context, s *models.CrawlSession) error
	FailCrawlSession(ctx context.Context, s *models.CrawlSession) error
	RecordItemError(ctx context.Context, e *models.ItemError) error
}

// maxReauthFailures consecutive failed re-authentications abort the run.
const maxReauthFailures = 2

type Scheduler struct {
	cfg          config.CrawlConfig
	placeholders []string

	auth     Authenticator
	sessions Sessions
	docs     Documents
	sessLog  SessionLog
	logger   zerolog.Logger

	limiter  *rate.Limiter
	locks    *keyedMutex
	pacer    *pacer
	observer func(models.ItemResult)
	now      func() time.Time
}

func New(cfg config.CrawlConfig, placeholders []string, auth Authenticator, sessions Sessions, docs Documents, sessLog SessionLog, logger zerolog.Logger) *Scheduler {
	limit := rate.Inf
	if cfg.RateLimitPerSec > 0 {
		limit = rate.Limit(cfg.RateLimitPerSec)
	}
	return &Scheduler{
		cfg:          cfg,
		placeholders: placeholders,
		auth:         auth,
		sessions:     sessions,
		docs:         docs,
		sessLog:      sessLog,
		logger:       logger.With().Str("component", "crawler").Logger(),
		limiter:      rate.NewLimiter(limit, 1),
		locks:        newKeyedMutex(),
		pacer:        newPacer(time.Now().UnixNano()),
		now:          time.Now,
	}
}

// OnItem registers fn to be called from the coordinating goroutine each
// time an item reaches its final outcome.
func (s *Scheduler) OnItem(fn func(models.ItemResult)) {
	s.observer = fn
}

// run is the coordinator's state for one crawl. Only the coordinating
// goroutine touches it.
type run struct {
	session      *models.CrawlSession
	report       *models.RunReport
	auth         *models.AuthSession
	reauthFailed int
	aborted      bool
	abortErr     error
}

// Run crawls items in batches and returns the finalized session. The error
// is non-nil when the run could not start or was aborted; the report then
// carries the partial totals.
func (s *Scheduler) Run(ctx context.Context, items []models.WorkItem) (*models.RunReport, error) {
	cs := models.NewCrawlSession(len(items), s.now().UTC())
	r := &run{session: cs, report: &models.RunReport{Session: cs}}

	if err := s.sessLog.StartCrawlSession(ctx, cs); err != nil {
		return r.report, models.Persistence("start crawl session", err)
	}
	log := s.logger.With().Str("session", cs.ID.String()).Logger()
	log.Info().Int("items", len(items)).Int("concurrency", s.concurrency()).Int("batch_size", s.batchSize()).Msg("crawl started")

	session, err := s.auth.EnsureAuthenticated(ctx)
	if err != nil {
		log.Error().Err(err).Msg("startup authentication failed")
		r.aborted = true
		r.abortErr = err
		s.finish(ctx, r)
		return r.report, err
	}
	r.auth = session

	batches := partition(items, s.batchSize())
	for i, batch := range batches {
		if r.aborted {
			break
		}
		if err := ctx.Err(); err != nil {
			r.aborted, r.abortErr = true, err
			break
		}
		if i > 0 {
			if err := s.pacer.sleep(ctx, s.cfg.BatchDelayMin, s.cfg.BatchDelayMax); err != nil {
				r.aborted, r.abortErr = true, err
				break
			}
		}
		log.Info().Int("batch", i+1).Int("of", len(batches)).Int("items", len(batch)).Msg("batch started")
		s.runBatch(ctx, r, batch)
	}

	if r.aborted {
		log.Error().Err(r.abortErr).Int("resolved", cs.Resolved()).Int("total", cs.TotalItems).Msg("crawl aborted")
	}
	s.finish(ctx, r)
	log.Info().
		Str("status", string(cs.Status)).
		Int("new_versions", cs.NewVersions).
		Int("unchanged", cs.Unchanged).
		Int("errors", cs.Errors).
		Msg("crawl finished")
	return r.report, r.abortErr
}

func (s *Scheduler) finish(ctx context.Context, r *run) {
	cs := r.session
	cs.Finalize(r.aborted, s.now().UTC())

	// The run context may be cancelled; bookkeeping still has to land.
	ctx = context.WithoutCancel(ctx)
	var err error
	if cs.Status == models.RunStatusFailed {
		err = s.sessLog.FailCrawlSession(ctx, cs)
	} else {
		err = s.sessLog.CompleteCrawlSession(ctx, cs)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("session", cs.ID.String()).Msg("could not finalize crawl session")
	}
}

// runBatch processes one batch. An expiry pauses the batch: nothing new is
// dispatched, in-flight items finish, the session is renewed once and the
// affected items get exactly one more pass.
func (s *Scheduler) runBatch(ctx context.Context, r *run, batch []models.WorkItem) {
	if r.auth == nil {
		if err := s.reauthenticate(ctx, r); err != nil {
			s.failAll(ctx, r, batch, 0, false, err)
			return
		}
	}

	requeue := s.pass(ctx, r, batch, false)
	if len(requeue) == 0 || ctx.Err() != nil {
		if ctx.Err() != nil {
			s.failAll(ctx, r, requeue, 0, false, ctx.Err())
		}
		return
	}

	s.logger.Warn().Int("requeued", len(requeue)).Msg("session expired, re-authenticating")
	s.auth.Invalidate()
	r.auth = nil
	if err := s.reauthenticate(ctx, r); err != nil {
		s.failAll(ctx, r, requeue, 0, true, err)
		return
	}
	s.pass(ctx, r, requeue, true)
}

// reauthenticate obtains a fresh session, counting consecutive failures.
// The returned error is always an AuthFailure.
func (s *Scheduler) reauthenticate(ctx context.Context, r *run) error {
	session, err := s.auth.EnsureAuthenticated(ctx)
	if err != nil {
		r.reauthFailed++
		s.logger.Error().Err(err).Int("consecutive_failures", r.reauthFailed).Msg("re-authentication failed")
		if !errors.Is(err, models.ErrAuthFailure) {
			err = models.AuthFailure("re-authenticate", err)
		}
		if r.reauthFailed >= maxReauthFailures {
			r.aborted = true
			r.abortErr = models.AuthFailure("re-authenticate", fmt.Errorf("failed %d times in a row: %w", r.reauthFailed, err))
		}
		return err
	}
	r.reauthFailed = 0
	r.auth = session
	return nil
}

// pass dispatches items with at most Concurrency in flight and returns the
// items that must be retried under a fresh session. On the requeue pass
// nothing is returned; an expiry there is a final failure.
func (s *Scheduler) pass(ctx context.Context, r *run, items []models.WorkItem, requeued bool) []models.WorkItem {
	fetcher, err := s.sessions.Open(ctx, r.auth)
	if err != nil {
		s.logger.Error().Err(err).Msg("could not open batch context")
		s.failAll(ctx, r, items, 1, requeued, err)
		return nil
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("close batch context")
		}
	}()

	var retry []models.WorkItem
	for o := range s.dispatch(ctx, fetcher, r.session.ID.String(), items, !requeued) {
		switch {
		case o.deferred:
			retry = append(retry, o.result.Item)
		case errors.Is(o.result.Err, models.ErrSessionExpired) && !requeued:
			retry = append(retry, o.result.Item)
		default:
			o.result.Requeued = requeued
			s.record(ctx, r, o.result)
		}
	}
	return retry
}

func (s *Scheduler) failAll(ctx context.Context, r *run, items []models.WorkItem, attempts int, requeued bool, err error) {
	for _, item := range items {
		s.record(ctx, r, models.ItemResult{
			Item:     item,
			DocID:    identity.DocID(item.URL),
			Outcome:  models.OutcomeFailed,
			Attempts: attempts,
			Requeued: requeued,
			Err:      err,
		})
	}
}

// record is the only place CrawlSession counters change.
func (s *Scheduler) record(ctx context.Context, r *run, res models.ItemResult) {
	cs := r.session
	switch res.Outcome {
	case models.OutcomeNewVersion:
		cs.NewVersions++
	case models.OutcomeUnchanged:
		cs.Unchanged++
	default:
		cs.Errors++
		itemErr := &models.ItemError{
			SessionID:  cs.ID,
			SequenceID: res.Item.SequenceID,
			URL:        res.Item.URL,
			Kind:       models.KindOf(res.Err),
			Message:    res.Error(),
			Attempts:   res.Attempts,
			CreatedAt:  s.now().UTC(),
		}
		if err := s.sessLog.RecordItemError(context.WithoutCancel(ctx), itemErr); err != nil {
			s.logger.Error().Err(err).Int("stt", res.Item.SequenceID).Msg("could not record item error")
		}
		s.logger.Warn().
			Int("stt", res.Item.SequenceID).
			Str("url", res.Item.URL).
			Str("kind", string(itemErr.Kind)).
			Int("attempts", res.Attempts).
			Err(res.Err).
			Msg("item failed")
	}
	r.report.Results = append(r.report.Results, res)
	if s.observer != nil {
		s.observer(res)
	}
}

func (s *Scheduler) concurrency() int {
	if s.cfg.Concurrency < 1 {
		return 1
	}
	return s.cfg.Concurrency
}

func (s *Scheduler) batchSize() int {
	if s.cfg.BatchSize < 1 {
		return 1
	}
	return s.cfg.BatchSize
}

func (s *Scheduler) maxAttempts() int {
	if s.cfg.MaxAttempts < 1 {
		return 1
	}
	return s.cfg.MaxAttempts
}

func partition(items []models.WorkItem, size int) [][]models.WorkItem {
	var batches [][]models.WorkItem
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		batches = append(batches, items[start:end])
	}
	return batches
}
