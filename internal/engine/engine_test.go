package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rahul/clarity/internal/docstore"
	"github.com/rahul/clarity/internal/plan"
)

func newTestEngine(t *testing.T) (*Engine, docstore.Store) {
	t.Helper()
	store := docstore.NewMemoryStore()
	clock := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	e := New(store,
		WithClock(func() time.Time { return clock }),
		WithIDGenerator(func() string { return "task-1" }),
	)
	return e, store
}

func mustCreate(t *testing.T, e *Engine) *plan.TaskPlan {
	t.Helper()
	p, err := e.CreatePlan(context.Background(), plan.TaskStockAnalysis, "AAPL", PlanOptions{})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	return p
}

func TestCreatePlan_PersistsTemplate(t *testing.T) {
	e, store := newTestEngine(t)
	p := mustCreate(t, e)

	if len(p.Phases) != 4 {
		t.Fatalf("phases: got %d, want 4", len(p.Phases))
	}
	if p.Phases[0].ID != "01-technical" || !p.Phases[0].Critical {
		t.Errorf("first phase: %+v", p.Phases[0])
	}
	if p.NextSeq != 5 {
		t.Errorf("NextSeq: got %d, want 5", p.NextSeq)
	}
	if p.OverallStatus() != plan.PlanPending {
		t.Errorf("status: got %s", p.OverallStatus())
	}

	loaded, err := e.Load(context.Background(), "task-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Phases) != 4 {
		t.Errorf("persisted plan has %d phases", len(loaded.Phases))
	}
	doc, _ := store.Read(context.Background(), "task-1", docstore.KindProgress)
	if len(doc.Progress) != 1 || doc.Progress[0].Event != plan.EventCreated {
		t.Errorf("progress: %+v", doc.Progress)
	}
}

func TestCreatePlan_Rejects(t *testing.T) {
	e, _ := newTestEngine(t)
	if _, err := e.CreatePlan(context.Background(), plan.TaskStockAnalysis, "  ", PlanOptions{}); err == nil {
		t.Error("expected error for empty target")
	}
	if _, err := e.CreatePlan(context.Background(), plan.TaskType("bogus"), "AAPL", PlanOptions{}); err == nil {
		t.Error("expected error for unknown task type")
	}
}

func TestApplyTransition_Lifecycle(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)

	next := e.NextRunnablePhase(p)
	if next == nil || next.ID != "01-technical" {
		t.Fatalf("next runnable: %+v", next)
	}

	p2, err := e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if p.Phases[0].Status != plan.PhasePending {
		t.Error("input plan was mutated")
	}
	if p2.Phases[0].Attempts != 1 || p2.Phases[0].StartedAt == nil {
		t.Errorf("dispatch did not count attempt: %+v", p2.Phases[0])
	}
	if e.NextRunnablePhase(p2) != nil {
		t.Error("no phase should be runnable while one is in progress")
	}

	p3, err := e.ApplyTransition(ctx, p2, "01-technical", plan.PhaseComplete, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if next := e.NextRunnablePhase(p3); next == nil || next.ID != "02-fundamentals" {
		t.Errorf("next after complete: %+v", next)
	}

	// Replaying a terminal status fails.
	_, err = e.ApplyTransition(ctx, p3, "01-technical", plan.PhaseComplete, nil)
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if !IsInvalidTransition(err) {
		t.Error("IsInvalidTransition should match")
	}
}

func TestApplyTransition_SingleInProgress(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)

	p, err := e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.ApplyTransition(ctx, p, "02-fundamentals", plan.PhaseInProgress, nil); !IsInvalidTransition(err) {
		t.Errorf("second dispatch: got %v, want invalid transition", err)
	}
}

func TestApplyTransition_AttemptCeiling(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)
	failure := &plan.PhaseError{Kind: plan.FailureTransient, Message: "timeout"}

	var err error
	for i := 0; i < DefaultMaxAttempts; i++ {
		if p, err = e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil); err != nil {
			t.Fatalf("dispatch %d: %v", i+1, err)
		}
		if p, err = e.ApplyTransition(ctx, p, "01-technical", plan.PhaseFailed, failure); err != nil {
			t.Fatalf("fail %d: %v", i+1, err)
		}
		if p, err = e.ApplyTransition(ctx, p, "01-technical", plan.PhasePending, nil); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
	}
	if _, err := e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil); !IsInvalidTransition(err) {
		t.Errorf("dispatch past ceiling: got %v", err)
	}
	if p.Phases[0].Attempts != DefaultMaxAttempts {
		t.Errorf("attempts: got %d", p.Phases[0].Attempts)
	}
}

func TestApplyTransition_FailedRecordsError(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)
	p, _ = e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil)
	p, err := e.ApplyTransition(ctx, p, "01-technical", plan.PhaseFailed, &plan.PhaseError{Kind: plan.FailureRateLimited, Code: "rate_limited", Message: "slow down"})
	if err != nil {
		t.Fatal(err)
	}
	if p.OverallStatus() != plan.PlanBlocked {
		t.Errorf("status: got %s, want blocked", p.OverallStatus())
	}
	le := p.Phases[0].LastError
	if le == nil || le.Kind != plan.FailureRateLimited || le.At.IsZero() {
		t.Errorf("last error: %+v", le)
	}
	if e.NextRunnablePhase(p) != nil {
		t.Error("blocked plan should have no runnable phase")
	}
}

func TestInsertReplanPhases(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)
	p, _ = e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil)
	p, _ = e.ApplyTransition(ctx, p, "01-technical", plan.PhaseComplete, nil)
	p, _ = e.ApplyTransition(ctx, p, "02-fundamentals", plan.PhaseInProgress, nil)
	p, _ = e.ApplyTransition(ctx, p, "02-fundamentals", plan.PhaseFailed, &plan.PhaseError{Kind: plan.FailurePermanent})

	_, failed := p.Phase("02-fundamentals")
	tpl := plan.ReplanTemplate(*failed, plan.FailurePermanent)
	p, err := e.InsertReplanPhases(ctx, p, tpl, "02-fundamentals")
	if err != nil {
		t.Fatalf("InsertReplanPhases: %v", err)
	}

	if p.Replans != 1 {
		t.Errorf("replans: got %d", p.Replans)
	}
	ids := []string{"01-technical", "02-fundamentals", "05-filings_lookup", "06-fundamentals_research", "03-news", "04-sentiment"}
	if len(p.Phases) != len(ids) {
		t.Fatalf("phases: got %d, want %d", len(p.Phases), len(ids))
	}
	for i, id := range ids {
		if p.Phases[i].ID != id {
			t.Errorf("phase %d: got %s, want %s", i, p.Phases[i].ID, id)
		}
	}
	if p.Phases[1].Status != plan.PhaseSkipped || len(p.Phases[1].ReplacedBy) != 2 {
		t.Errorf("failed phase: %+v", p.Phases[1])
	}
	if !p.Phases[2].Critical || p.Phases[2].ReplanOf != "02-fundamentals" {
		t.Errorf("replacement phase: %+v", p.Phases[2])
	}
	if next := e.NextRunnablePhase(p); next == nil || next.ID != "05-filings_lookup" {
		t.Errorf("next runnable: %+v", next)
	}

	// Only a failed phase can be replanned.
	if _, err := e.InsertReplanPhases(ctx, p, tpl, "01-technical"); !IsInvalidTransition(err) {
		t.Errorf("replan of complete phase: got %v", err)
	}
}

func TestAbort_BlocksTransitions(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	p := mustCreate(t, e)
	p, err := e.Abort(ctx, p, "replan ceiling reached")
	if err != nil {
		t.Fatal(err)
	}
	if p.OverallStatus() != plan.PlanAborted || e.NextRunnablePhase(p) != nil {
		t.Errorf("aborted plan: %s", p.OverallStatus())
	}
	if _, err := e.ApplyTransition(ctx, p, "01-technical", plan.PhaseInProgress, nil); !IsInvalidTransition(err) {
		t.Errorf("transition after abort: got %v", err)
	}
	progress, _ := e.Progress(ctx, p.TaskID)
	if last := progress[len(progress)-1]; last.Event != plan.EventAborted {
		t.Errorf("last progress event: %s", last.Event)
	}
}

type failingStore struct {
	docstore.Store
}

func (failingStore) Write(ctx context.Context, sessionID string, kind docstore.Kind, doc *docstore.Document) error {
	return &docstore.StoreError{Op: "write", SessionID: sessionID, Kind: kind, Err: errors.New("disk full")}
}

func TestApplyTransition_StoreError(t *testing.T) {
	e, store := newTestEngine(t)
	p := mustCreate(t, e)

	e.store = failingStore{Store: store}
	_, err := e.ApplyTransition(context.Background(), p, "01-technical", plan.PhaseInProgress, nil)
	var se *docstore.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}
