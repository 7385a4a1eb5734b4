package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"portal_crawler/config"
	"portal_crawler/models"
	"portal_crawler/services"
	"portal_crawler/storage"
)

type fakeAuth struct {
	mu           sync.Mutex
	calls        int
	invalidated  int
	results      []error // per EnsureAuthenticated call; missing entries succeed
	defaultError error
}

func (a *fakeAuth) EnsureAuthenticated(ctx context.Context) (*models.AuthSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	err := a.defaultError
	if a.calls <= len(a.results) {
		err = a.results[a.calls-1]
	}
	if err != nil {
		return nil, err
	}
	return &models.AuthSession{Cookies: []models.Cookie{{Name: "auth"}}}, nil
}

func (a *fakeAuth) Invalidate() {
	a.mu.Lock()
	a.invalidated++
	a.mu.Unlock()
}

type fetchFunc func(call int, item models.WorkItem, timeout time.Duration) (*models.Extraction, error)

type fakeFetcher struct {
	mu       sync.Mutex
	fn       fetchFunc
	calls    map[string]int
	timeouts map[string][]time.Duration
	perDoc   map[string]int
	overlap  bool
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeFetcher(fn fetchFunc) *fakeFetcher {
	return &fakeFetcher{
		fn:       fn,
		calls:    map[string]int{},
		timeouts: map[string][]time.Duration{},
		perDoc:   map[string]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, item models.WorkItem, timeout time.Duration) (*models.Extraction, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		cur := f.maxInflight.Load()
		if n <= cur || f.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[item.URL]++
	call := f.calls[item.URL]
	f.timeouts[item.URL] = append(f.timeouts[item.URL], timeout)
	f.perDoc[item.URL]++
	if f.perDoc[item.URL] > 1 {
		f.overlap = true
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.perDoc[item.URL]--
	f.mu.Unlock()
	return f.fn(call, item, timeout)
}

func (f *fakeFetcher) Close() error { return nil }

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fakeSessions struct {
	fetcher *fakeFetcher
	opens   atomic.Int32
}

func (s *fakeSessions) Open(ctx context.Context, session *models.AuthSession) (BatchFetcher, error) {
	if session == nil {
		return nil, errors.New("no session")
	}
	s.opens.Add(1)
	return s.fetcher, nil
}

func docURL(n int) string {
	return fmt.Sprintf("https://thuvienphapluat.vn/van-ban/Thong-tu-%d.aspx", 1000+n)
}

func items(n int) []models.WorkItem {
	out := make([]models.WorkItem, n)
	for i := range out {
		out[i] = models.WorkItem{SequenceID: i + 1, URL: docURL(i + 1)}
	}
	return out
}

func validExt(label string) *models.Extraction {
	return &models.Extraction{
		Metadata: map[string]string{"so_hieu": label},
		Relations: map[models.RelationType][]models.RelationTarget{
			models.RelationBasis: {{Title: "Luật 1", URL: "https://thuvienphapluat.vn/van-ban/Luat-1.aspx"}},
		},
	}
}

type harness struct {
	store    *storage.MemoryStore
	docs     *services.DocumentService
	auth     *fakeAuth
	fetcher  *fakeFetcher
	sessions *fakeSessions
	sched    *Scheduler
}

func newHarness(t *testing.T, cfg config.CrawlConfig, fn fetchFunc) *harness {
	t.Helper()
	profile := config.DefaultProfile()
	h := &harness{
		store:   storage.NewMemoryStore(),
		auth:    &fakeAuth{},
		fetcher: newFakeFetcher(fn),
	}
	h.docs = services.NewDocumentService(h.store, profile, zerolog.Nop())
	h.sessions = &fakeSessions{fetcher: h.fetcher}
	h.sched = New(cfg, profile.Placeholders, h.auth, h.sessions, h.docs, h.store, zerolog.Nop())
	return h
}

func baseConfig() config.CrawlConfig {
	return config.CrawlConfig{
		Concurrency: 2,
		BatchSize:   10,
		Timeout:     time.Second,
		MaxAttempts: 3,
	}
}

func resultsBySeq(t *testing.T, report *models.RunReport) map[int]models.ItemResult {
	t.Helper()
	out := map[int]models.ItemResult{}
	for _, r := range report.Results {
		if _, dup := out[r.Item.SequenceID]; dup {
			t.Fatalf("item %d reported twice", r.Item.SequenceID)
		}
		out[r.Item.SequenceID] = r
	}
	return out
}

func TestRun_ScenarioA(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, baseConfig(), func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		if item.SequenceID == 1 {
			return validExt("stored"), nil
		}
		return validExt(fmt.Sprintf("new-%d", item.SequenceID)), nil
	})

	work := items(3)
	// Item 1 is already stored with the same content.
	if _, err := h.docs.Apply(ctx, "1001", work[0], validExt("stored"), "earlier"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	report, err := h.sched.Run(ctx, work)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	cs := report.Session
	if cs.TotalItems != 3 || cs.NewVersions != 2 || cs.Unchanged != 1 || cs.Errors != 0 {
		t.Fatalf("unexpected totals %+v", cs)
	}
	if cs.Status != models.RunStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", cs.Status)
	}

	stored, _ := h.store.GetCrawlSession(ctx, cs.ID)
	if stored == nil || stored.Status != models.RunStatusCompleted || stored.NewVersions != 2 {
		t.Fatalf("session not persisted as completed: %+v", stored)
	}
	if got := resultsBySeq(t, report)[1].Outcome; got != models.OutcomeUnchanged {
		t.Fatalf("expected item 1 unchanged, got %s", got)
	}
}

func TestRun_ScenarioB_ExpiryRequeuesOnce(t *testing.T) {
	cfg := baseConfig()
	cfg.Concurrency = 1
	h := newHarness(t, cfg, func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		if item.SequenceID == 2 && call == 1 {
			return nil, models.SessionExpired("fetch", errors.New("login form shown"))
		}
		return validExt(item.URL), nil
	})

	report, err := h.sched.Run(context.Background(), items(5))
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if h.auth.calls != 2 {
		t.Fatalf("expected startup login plus one re-auth, got %d logins", h.auth.calls)
	}
	if h.auth.invalidated != 1 {
		t.Fatalf("expected one invalidation, got %d", h.auth.invalidated)
	}
	if len(report.Results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(report.Results))
	}

	results := resultsBySeq(t, report)
	if results[1].Requeued {
		t.Fatal("item 1 finished before the expiry and should not be requeued")
	}
	for seq := 2; seq <= 5; seq++ {
		if !results[seq].Requeued {
			t.Fatalf("item %d should have been requeued", seq)
		}
		if results[seq].Outcome != models.OutcomeNewVersion {
			t.Fatalf("item %d: expected new version, got %s (%v)", seq, results[seq].Outcome, results[seq].Err)
		}
	}
	if got := h.fetcher.callCount(docURL(2)); got != 2 {
		t.Fatalf("expired item should be fetched twice, got %d", got)
	}
	// Paused items were deferred, not fetched under the expired session.
	if got := h.fetcher.callCount(docURL(3)); got != 1 {
		t.Fatalf("deferred item should be fetched once, got %d", got)
	}
	if report.Session.Status != models.RunStatusCompleted || report.Session.NewVersions != 5 {
		t.Fatalf("unexpected session %+v", report.Session)
	}
}

func TestRun_ExpiryOnRequeueFailsItem(t *testing.T) {
	cfg := baseConfig()
	cfg.Concurrency = 1
	h := newHarness(t, cfg, func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		if item.SequenceID == 1 {
			return nil, models.SessionExpired("fetch", errors.New("still logged out"))
		}
		return validExt(item.URL), nil
	})

	report, err := h.sched.Run(context.Background(), items(2))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	results := resultsBySeq(t, report)
	if results[1].Outcome != models.OutcomeFailed || !errors.Is(results[1].Err, models.ErrSessionExpired) {
		t.Fatalf("expected item 1 to fail with session expiry, got %+v", results[1])
	}
	if h.fetcher.callCount(docURL(1)) != 2 {
		t.Fatalf("expected exactly one requeue, got %d fetches", h.fetcher.callCount(docURL(1)))
	}
	if report.Session.Status != models.RunStatusFailed || report.Session.Errors != 1 {
		t.Fatalf("unexpected session %+v", report.Session)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	cfg := baseConfig()
	cfg.Concurrency = 3
	cfg.BatchSize = 12
	h := newHarness(t, cfg, func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		return validExt(item.URL), nil
	})
	h.fetcher.delay = 5 * time.Millisecond

	report, err := h.sched.Run(context.Background(), items(24))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.fetcher.maxInflight.Load(); got > 3 {
		t.Fatalf("expected at most 3 concurrent fetches, saw %d", got)
	}
	if len(report.Results) != 24 {
		t.Fatalf("expected 24 results, got %d", len(report.Results))
	}
	if got := h.sessions.opens.Load(); got != 2 {
		t.Fatalf("expected one context per batch, got %d", got)
	}
}

func TestRun_RetryEscalatesTimeout(t *testing.T) {
	h := newHarness(t, baseConfig(), func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		if call < 3 {
			return &models.Extraction{Metadata: map[string]string{"so_hieu": "Dữ liệu đang cập nhật"}}, nil
		}
		return validExt("ok"), nil
	})

	report, err := h.sched.Run(context.Background(), items(1))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	res := report.Results[0]
	if res.Outcome != models.OutcomeNewVersion || res.Attempts != 3 {
		t.Fatalf("expected success on attempt 3, got %+v", res)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	got := h.fetcher.timeouts[docURL(1)]
	if len(got) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: expected timeout %v, got %v", i+1, want[i], got[i])
		}
	}
}

func TestRun_ExhaustedRetriesRecorded(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, baseConfig(), func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		if item.SequenceID == 2 {
			return nil, models.TransientFetch("navigate", errors.New("timeout"))
		}
		return validExt(item.URL), nil
	})

	var observed atomic.Int32
	h.sched.OnItem(func(models.ItemResult) { observed.Add(1) })

	report, err := h.sched.Run(ctx, items(3))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	cs := report.Session
	if cs.Errors != 1 || cs.NewVersions != 2 || cs.Status != models.RunStatusFailed {
		t.Fatalf("unexpected session %+v", cs)
	}
	if observed.Load() != 3 {
		t.Fatalf("expected observer called 3 times, got %d", observed.Load())
	}

	errs, _ := h.store.ListItemErrors(ctx, cs.ID)
	if len(errs) != 1 {
		t.Fatalf("expected 1 item error, got %d", len(errs))
	}
	if errs[0].SequenceID != 2 || errs[0].Kind != models.KindTransientFetch || errs[0].Attempts != 3 {
		t.Fatalf("unexpected item error %+v", errs[0])
	}
}

func TestRun_StartupAuthFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, baseConfig(), func(int, models.WorkItem, time.Duration) (*models.Extraction, error) {
		t.Fatal("nothing should be fetched")
		return nil, nil
	})
	h.auth.defaultError = models.AuthFailure("solve captcha", errors.New("captcha attempts exhausted"))

	report, err := h.sched.Run(ctx, items(4))
	if !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	if report.Session.Status != models.RunStatusFailed || report.Session.Resolved() != 0 {
		t.Fatalf("unexpected session %+v", report.Session)
	}
	stored, _ := h.store.GetCrawlSession(ctx, report.Session.ID)
	if stored.Status != models.RunStatusFailed {
		t.Fatalf("expected stored session FAILED, got %s", stored.Status)
	}
}

func TestRun_ReauthFailingTwiceAborts(t *testing.T) {
	cfg := baseConfig()
	cfg.BatchSize = 1
	h := newHarness(t, cfg, func(int, models.WorkItem, time.Duration) (*models.Extraction, error) {
		return nil, models.SessionExpired("fetch", errors.New("logged out"))
	})
	loginErr := models.AuthFailure("login", errors.New("rejected"))
	h.auth.results = []error{nil}
	h.auth.defaultError = loginErr

	report, err := h.sched.Run(context.Background(), items(3))
	if !errors.Is(err, models.ErrAuthFailure) {
		t.Fatalf("expected auth failure, got %v", err)
	}
	cs := report.Session
	if cs.Status != models.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", cs.Status)
	}
	// Item 3 is never started once the run aborts.
	if len(report.Results) != 2 || cs.Errors != 2 {
		t.Fatalf("expected 2 failed items, got %d results, %d errors", len(report.Results), cs.Errors)
	}
	if h.fetcher.callCount(docURL(3)) != 0 {
		t.Fatal("no batch should start after the abort")
	}
	for _, r := range report.Results {
		if !errors.Is(r.Err, models.ErrAuthFailure) {
			t.Fatalf("expected auth failure for item %d, got %v", r.Item.SequenceID, r.Err)
		}
	}
}

func TestRun_DuplicateDocIDsNeverOverlap(t *testing.T) {
	cfg := baseConfig()
	cfg.Concurrency = 4
	h := newHarness(t, cfg, func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		return validExt(fmt.Sprintf("v%d", call)), nil
	})
	h.fetcher.delay = 5 * time.Millisecond

	work := []models.WorkItem{
		{SequenceID: 1, URL: docURL(1)},
		{SequenceID: 2, URL: docURL(1)},
		{SequenceID: 3, URL: docURL(1)},
		{SequenceID: 4, URL: docURL(2)},
	}
	report, err := h.sched.Run(context.Background(), work)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.fetcher.overlap {
		t.Fatal("the same document was fetched concurrently")
	}
	if len(report.Results) != 4 {
		t.Fatalf("expected 4 results, got %d", len(report.Results))
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := baseConfig()
	cfg.BatchSize = 1
	h := newHarness(t, cfg, func(call int, item models.WorkItem, _ time.Duration) (*models.Extraction, error) {
		cancel()
		return validExt(item.URL), nil
	})

	report, err := h.sched.Run(ctx, items(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if report.Session.Status != models.RunStatusFailed {
		t.Fatalf("expected FAILED, got %s", report.Session.Status)
	}
}

func TestPartition(t *testing.T) {
	batches := partition(items(7), 3)
	if len(batches) != 3 || len(batches[0]) != 3 || len(batches[2]) != 1 {
		t.Fatalf("unexpected batches %v", batches)
	}
	if batches[1][0].SequenceID != 4 {
		t.Fatalf("batches out of order")
	}
	if got := partition(nil, 3); len(got) != 0 {
		t.Fatalf("expected no batches, got %d", len(got))
	}
}

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	done := make(chan struct{})
	go func() {
		u := k.Lock("a")
		u()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-done

	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.locks) != 0 {
		t.Fatalf("expected no entries left, got %d", len(k.locks))
	}
}
