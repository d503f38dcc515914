package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/clarity/internal/docstore"
	"github.com/rahul/clarity/internal/engine"
	"github.com/rahul/clarity/internal/executor"
	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/policy"
	"github.com/rahul/clarity/internal/report"
	"github.com/rahul/clarity/internal/worker"
)

type workFn func(ctx context.Context, req worker.Request) (worker.Result, error)

func succeed(ctx context.Context, req worker.Request) (worker.Result, error) {
	return worker.Result{
		Payload:    plan.Payload{Narrative: req.Phase + " looks fine for " + req.Target},
		Confidence: "high",
	}, nil
}

// script fails with errs in order, then succeeds.
func script(errs ...error) workFn {
	var mu sync.Mutex
	calls := 0
	return func(ctx context.Context, req worker.Request) (worker.Result, error) {
		mu.Lock()
		i := calls
		calls++
		mu.Unlock()
		if i < len(errs) {
			return worker.Result{}, errs[i]
		}
		return succeed(ctx, req)
	}
}

func always(err error) workFn {
	return func(ctx context.Context, req worker.Request) (worker.Result, error) {
		return worker.Result{}, err
	}
}

type harness struct {
	store docstore.Store
	eng   *engine.Engine
	orch  *Orchestrator
	logs  *bytes.Buffer
}

func newHarness(t *testing.T, store docstore.Store, overrides map[string]workFn, opts ...Option) *harness {
	t.Helper()
	if store == nil {
		store = docstore.NewMemoryStore()
	}
	reg := worker.NewRegistry()
	for _, name := range []string{
		plan.WorkerTechnical, plan.WorkerFundamentals, plan.WorkerNews, plan.WorkerSentiment,
		plan.WorkerHoldings, plan.WorkerScreening, plan.WorkerFilings, plan.WorkerResearch,
	} {
		fn := workFn(succeed)
		if o, ok := overrides[name]; ok {
			fn = o
		}
		reg.Register(worker.Func{WorkerName: name, Fn: fn})
	}

	logs := &bytes.Buffer{}
	logger := observability.NewLoggerTo(logs)
	eng := engine.New(store, engine.WithLogger(logger))
	exec := executor.New(reg, executor.WithTimeout(2*time.Second))
	opts = append([]Option{
		WithLogger(logger),
		WithSleep(func(ctx context.Context, d time.Duration) error { return nil }),
	}, opts...)
	orch := New(eng, exec, policy.NewDefaultPolicyEngine(), report.Markdown{}, opts...)
	return &harness{store: store, eng: eng, orch: orch, logs: logs}
}

func (h *harness) stored(t *testing.T, taskID string) *plan.TaskPlan {
	t.Helper()
	p, err := h.eng.Load(context.Background(), taskID)
	if err != nil {
		t.Fatalf("load plan: %v", err)
	}
	return p
}

// checkInvariants verifies properties every session must keep.
func checkInvariants(t *testing.T, h *harness, res *plan.SessionResult) {
	t.Helper()
	p := h.stored(t, res.TaskID)
	findings, err := h.eng.Findings(context.Background(), res.TaskID)
	if err != nil {
		t.Fatal(err)
	}
	latest := report.LatestSuccessful(findings)
	inProgress := 0
	for _, ph := range p.Phases {
		if ph.Attempts > ph.MaxAttempts {
			t.Errorf("%s: %d attempts exceed ceiling %d", ph.ID, ph.Attempts, ph.MaxAttempts)
		}
		if ph.Status == plan.PhaseInProgress {
			inProgress++
		}
		if _, ok := latest[ph.ID]; ph.Status == plan.PhaseComplete && !ok {
			t.Errorf("%s is complete without a finding", ph.ID)
		}
	}
	if inProgress > 1 {
		t.Errorf("%d phases in progress", inProgress)
	}
}

func TestRunSession_TransientThenSuccess(t *testing.T) {
	unavailable := worker.Errorf(worker.CodeUnavailable, "upstream 503")
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerFundamentals: script(unavailable, unavailable),
	})

	res := h.orch.RunSession(context.Background(), plan.TaskStockScreening, "low debt small caps", Options{})
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if len(res.PhaseSummary) != 3 {
		t.Fatalf("phases: %+v", res.PhaseSummary)
	}
	if got := res.PhaseSummary[1]; got.Attempts != 3 || got.Status != plan.PhaseComplete {
		t.Errorf("phase 2 summary: %+v", got)
	}
	checkInvariants(t, h, res)

	progress, _ := h.eng.Progress(context.Background(), res.TaskID)
	retries := 0
	for _, e := range progress {
		if e.Event == plan.EventRetried {
			retries++
		}
	}
	if retries != 2 {
		t.Errorf("expected 2 retry entries, got %d", retries)
	}
}

func TestRunSession_PermanentCriticalReplans(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerFundamentals: func(ctx context.Context, req worker.Request) (worker.Result, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return worker.Result{}, worker.Errorf(worker.CodeNotFound, "no statements for %s", req.Target)
		},
	})

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "NVDA", Options{})
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if calls != 1 {
		t.Errorf("permanent failure must not be retried, fundamentals ran %d times", calls)
	}

	p := h.stored(t, res.TaskID)
	var ids []string
	for _, ph := range p.Phases {
		ids = append(ids, ph.ID)
	}
	want := "01-technical,02-fundamentals,05-filings_lookup,06-fundamentals_research,03-news,04-sentiment"
	if strings.Join(ids, ",") != want {
		t.Errorf("phase order: %s", strings.Join(ids, ","))
	}
	_, orig := p.Phase("02-fundamentals")
	if orig.Status != plan.PhaseSkipped || orig.Attempts != 1 || len(orig.ReplacedBy) != 2 {
		t.Errorf("replaced phase: %+v", orig)
	}
	if p.Replans != 1 || res.Replans != 1 {
		t.Errorf("replans: plan %d result %d", p.Replans, res.Replans)
	}
	checkInvariants(t, h, res)
}

func TestRunSession_NonCriticalExhaustionIsPartial(t *testing.T) {
	var sentimentContext []plan.Finding
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerNews: always(worker.Errorf(worker.CodeTimeout, "feed too slow")),
		plan.WorkerSentiment: func(ctx context.Context, req worker.Request) (worker.Result, error) {
			sentimentContext = req.Context
			return succeed(ctx, req)
		},
	})

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "AAPL", Options{})
	if res.Status != plan.SessionPartial {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	p := h.stored(t, res.TaskID)
	_, news := p.Phase("03-news")
	if news.Status != plan.PhaseSkipped || news.Attempts != 3 {
		t.Errorf("news: %+v", news)
	}
	if news.LastError == nil || news.LastError.Kind != plan.FailureTransient {
		t.Errorf("news last error: %+v", news.LastError)
	}
	_, sentiment := p.Phase("04-sentiment")
	if sentiment.Status != plan.PhaseComplete {
		t.Errorf("plan should proceed past the skipped phase: %+v", sentiment)
	}
	if len(sentimentContext) != 0 {
		t.Errorf("skipped dependency should contribute no context: %+v", sentimentContext)
	}
	if !strings.Contains(res.Report, "news was skipped") {
		t.Errorf("report should list the gap:\n%s", res.Report)
	}
	checkInvariants(t, h, res)
}

func TestRunSession_ConsecutiveReplansAbort(t *testing.T) {
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerTechnical: always(worker.Errorf(worker.CodeNotFound, "no price history")),
		plan.WorkerResearch:  always(worker.Errorf(worker.CodeNotFound, "nothing published")),
	})

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "ZZZZ", Options{})
	if res.Status != plan.SessionFailed {
		t.Fatalf("status: %s", res.Status)
	}
	if res.Err != nil {
		t.Errorf("a policy abort is not an error: %v", res.Err)
	}
	if !strings.Contains(res.Error, "replan ceiling") {
		t.Errorf("abort reason: %q", res.Error)
	}
	p := h.stored(t, res.TaskID)
	if !p.Aborted || p.Replans != policy.DefaultMaxReplans {
		t.Errorf("plan: aborted=%v replans=%d", p.Aborted, p.Replans)
	}
	if _, ph := p.Phase("02-fundamentals"); ph.Status != plan.PhasePending {
		t.Errorf("phases after the abort must not run: %+v", ph)
	}
	if res.Report == "" || !strings.Contains(res.Report, "Aborted") {
		t.Errorf("partial report expected:\n%s", res.Report)
	}
	checkInvariants(t, h, res)
}

// flakyStore fails the n-th plan write.
type flakyStore struct {
	*docstore.MemoryStore
	mu     sync.Mutex
	writes int
	failAt int
}

func (s *flakyStore) Write(ctx context.Context, sessionID string, kind docstore.Kind, doc *docstore.Document) error {
	s.mu.Lock()
	s.writes++
	n := s.writes
	s.mu.Unlock()
	if n == s.failAt {
		return &docstore.StoreError{Op: "write", SessionID: sessionID, Kind: kind, Err: errors.New("disk full")}
	}
	return s.MemoryStore.Write(ctx, sessionID, kind, doc)
}

func TestRunSession_StoreFailureEndsSession(t *testing.T) {
	// writes: create, dispatch technical, complete technical
	store := &flakyStore{MemoryStore: docstore.NewMemoryStore(), failAt: 3}
	h := newHarness(t, store, nil)

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "MSFT", Options{})
	if res.Status != plan.SessionFailed {
		t.Fatalf("status: %s", res.Status)
	}
	var se *docstore.StoreError
	if !errors.As(res.Err, &se) {
		t.Fatalf("expected StoreError, got %v", res.Err)
	}
	if store.writes != 3 {
		t.Errorf("no writes expected after the failure, got %d", store.writes)
	}
	p := h.stored(t, res.TaskID)
	for _, ph := range p.Phases {
		if ph.Status == plan.PhaseComplete {
			t.Errorf("%s marked complete after a failed write", ph.ID)
		}
	}
	checkInvariants(t, h, res)
}

func TestRunSession_SingleInProgress(t *testing.T) {
	var h *harness
	var mu sync.Mutex
	var violations []string
	watch := func(ctx context.Context, req worker.Request) (worker.Result, error) {
		p, err := h.eng.Load(ctx, req.TaskID)
		if err != nil {
			return worker.Result{}, err
		}
		count := 0
		for _, ph := range p.Phases {
			if ph.Status == plan.PhaseInProgress {
				count++
			}
		}
		if running := p.InProgress(); count != 1 || running.ID != req.PhaseID {
			mu.Lock()
			violations = append(violations, req.PhaseID)
			mu.Unlock()
		}
		return succeed(ctx, req)
	}
	h = newHarness(t, nil, map[string]workFn{
		plan.WorkerHoldings:     watch,
		plan.WorkerFundamentals: watch,
		plan.WorkerNews:         watch,
	})

	res := h.orch.RunSession(context.Background(), plan.TaskHoldingsTracking, "Berkshire Hathaway", Options{})
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if len(violations) > 0 {
		t.Errorf("phases dispatched without being the single in-progress phase: %v", violations)
	}
}

func TestRunSession_RateLimitWaits(t *testing.T) {
	var delays []time.Duration
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerNews: script(worker.RateLimited("quota", 5*time.Second)),
	}, WithSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}))

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "AMD", Options{TradeDate: "2026-03-02", LookBackDays: 10})
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if len(delays) != 1 || delays[0] != 5*time.Second {
		t.Errorf("delays: %v", delays)
	}
	p := h.stored(t, res.TaskID)
	if p.TradeDate != "2026-03-02" || p.LookBackDays != 10 {
		t.Errorf("session options lost: %s %d", p.TradeDate, p.LookBackDays)
	}
}

func TestResume_AfterCrash(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	p, err := h.eng.CreatePlan(ctx, plan.TaskStockScreening, "value stocks", engine.PlanOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.ApplyTransition(ctx, p, "01-screening", plan.PhaseInProgress, nil); err != nil {
		t.Fatal(err)
	}

	res := h.orch.Resume(ctx, p.TaskID)
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}
	if res.PhaseSummary[0].Attempts != 2 {
		t.Errorf("interrupted attempt should count: %+v", res.PhaseSummary[0])
	}
	progress, _ := h.eng.Progress(ctx, p.TaskID)
	resumed := false
	for _, e := range progress {
		if e.Event == plan.EventResumed && e.PhaseID == "01-screening" {
			resumed = true
		}
	}
	if !resumed {
		t.Error("missing resumed progress entry")
	}
	checkInvariants(t, h, res)

	if res := h.orch.Resume(ctx, "missing"); res.Status != plan.SessionFailed || !docstore.IsNotFound(res.Err) {
		t.Errorf("resume of unknown session: %+v", res)
	}
}

func TestRunSession_FlushCadence(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, nil, nil, WithMirror(docstore.NewMirror(root)), WithFlushEvery(2))

	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "TSLA", Options{})
	if res.Status != plan.SessionSuccess {
		t.Fatalf("status: %s (%s)", res.Status, res.Error)
	}

	flushes := strings.Count(h.logs.String(), `"type":"flush"`)
	// four dispatches flush twice, plus the final flush
	if flushes != 3 {
		t.Errorf("expected 3 flushes, got %d", flushes)
	}

	data, err := os.ReadFile(res.Files["findings"])
	if err != nil {
		t.Fatal(err)
	}
	meta, _, err := docstore.ParseFrontMatter(data)
	if err != nil {
		t.Fatal(err)
	}
	if meta.TaskID != res.TaskID || meta.Entries != 4 {
		t.Errorf("findings frontmatter: %+v", meta)
	}
	if _, err := os.Stat(res.Files["task_plan"]); err != nil {
		t.Errorf("task_plan.md: %v", err)
	}
}

func TestRunSession_CancellationLeavesPhaseFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, nil, map[string]workFn{
		plan.WorkerTechnical: func(wctx context.Context, req worker.Request) (worker.Result, error) {
			cancel()
			<-wctx.Done()
			return worker.Result{}, wctx.Err()
		},
	})

	res := h.orch.RunSession(ctx, plan.TaskStockAnalysis, "INTC", Options{})
	if res.Status != plan.SessionFailed || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("result: %s %v", res.Status, res.Err)
	}
	p := h.stored(t, res.TaskID)
	_, tech := p.Phase("01-technical")
	if tech.Status != plan.PhaseFailed || tech.LastError == nil || tech.LastError.Kind != plan.FailureTransient {
		t.Errorf("cancelled phase: %+v", tech)
	}
	if tech.LastError != nil && tech.LastError.Code != executor.CodeCanceled {
		t.Errorf("code: %s", tech.LastError.Code)
	}
	checkInvariants(t, h, res)
}

func TestRunSession_InvalidInput(t *testing.T) {
	h := newHarness(t, nil, nil)
	res := h.orch.RunSession(context.Background(), plan.TaskStockAnalysis, "  ", Options{})
	if res.Status != plan.SessionFailed || res.Err == nil {
		t.Errorf("empty target: %+v", res)
	}
	res = h.orch.RunSession(context.Background(), plan.TaskType("astrology"), "NVDA", Options{})
	if res.Status != plan.SessionFailed || res.Err == nil {
		t.Errorf("unknown task type: %+v", res)
	}
}

type recorder struct {
	mu     sync.Mutex
	titles []string
	bodies []string
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Notify(ctx context.Context, title, body string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	r.bodies = append(r.bodies, body)
	return nil
}

func TestRunFromQuery_Notifies(t *testing.T) {
	rec := &recorder{}
	h := newHarness(t, nil, nil, WithNotifier(rec))

	res := h.orch.RunFromQuery(context.Background(), "Track Cathie Wood", Options{})
	if res.Status != plan.SessionSuccess || res.TaskType != plan.TaskHoldingsTracking || res.Target != "Cathie Wood" {
		t.Fatalf("result: %s %s %q (%s)", res.Status, res.TaskType, res.Target, res.Error)
	}
	if len(rec.titles) != 1 || rec.titles[0] != "[SUCCESS] Holdings tracking: Cathie Wood" {
		t.Errorf("notification titles: %q", rec.titles)
	}
	if len(rec.bodies) == 1 && rec.bodies[0] != res.Report {
		t.Error("notification should carry the report")
	}

	res = h.orch.RunFromQuery(context.Background(), "how is everything", Options{})
	if res.Status != plan.SessionFailed || res.Err == nil {
		t.Errorf("uninterpretable query: %+v", res)
	}
}

func TestSessions_Unfinished(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	done := h.orch.RunSession(ctx, plan.TaskDashboardScan, "US", Options{})
	pending, err := h.eng.CreatePlan(ctx, plan.TaskStockAnalysis, "ORCL", engine.PlanOptions{})
	if err != nil {
		t.Fatal(err)
	}

	all, err := h.orch.Sessions(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("sessions: %d %v", len(all), err)
	}
	unfinished, err := h.orch.Unfinished(ctx)
	if err != nil || len(unfinished) != 1 || unfinished[0].TaskID != pending.TaskID {
		t.Errorf("unfinished: %+v %v (done %s)", unfinished, err, done.TaskID)
	}
}
