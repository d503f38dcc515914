// Package engine owns the task plan state machine. It is the only writer of
// phase status and persists every transition before returning it.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rahul/clarity/internal/docstore"
	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
)

// DefaultMaxAttempts caps dispatches per phase.
const DefaultMaxAttempts = 3

// Engine applies phase transitions and keeps the Document Store in step.
type Engine struct {
	store       docstore.Store
	now         func() time.Time
	newID       func() string
	maxAttempts int
	logger      *observability.Logger
}

// Option customizes an Engine during construction.
type Option func(*Engine)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.now = clock
	}
}

// WithIDGenerator overrides task id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		e.newID = fn
	}
}

// WithMaxAttempts sets the default per-phase attempt ceiling.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithLogger attaches a structured event logger.
func WithLogger(l *observability.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(store docstore.Store, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		now:         time.Now,
		newID:       uuid.NewString,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PlanOptions carries per-session parameters of a new plan.
type PlanOptions struct {
	TradeDate    string
	LookBackDays int
	// MaxAttempts overrides the engine default for this plan's phases.
	MaxAttempts int
}

// CreatePlan builds the phase sequence of a task type and persists it.
func (e *Engine) CreatePlan(ctx context.Context, taskType plan.TaskType, target string, opts PlanOptions) (*plan.TaskPlan, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, fmt.Errorf("create plan: empty target")
	}
	tpl, err := plan.Template(taskType)
	if err != nil {
		return nil, fmt.Errorf("create plan: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}

	now := e.now().UTC()
	p := &plan.TaskPlan{
		TaskID:       e.newID(),
		TaskType:     taskType,
		Target:       target,
		TradeDate:    opts.TradeDate,
		LookBackDays: opts.LookBackDays,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for i, t := range tpl {
		p.Phases = append(p.Phases, plan.NewPhase(i+1, t, maxAttempts))
	}
	p.NextSeq = len(tpl) + 1

	detail := fmt.Sprintf("%s plan for %s with %d phases", taskType, target, len(p.Phases))
	if err := e.persist(ctx, p, plan.ProgressEntry{Timestamp: now, Event: plan.EventCreated, Detail: detail}); err != nil {
		return nil, err
	}
	e.logger.LogPhase(observability.EventTypePlan, p.TaskID, "", map[string]any{
		"task_type": taskType,
		"target":    target,
		"phases":    len(p.Phases),
	})
	return p, nil
}

// Load re-reads a plan from the Document Store.
func (e *Engine) Load(ctx context.Context, taskID string) (*plan.TaskPlan, error) {
	doc, err := e.store.Read(ctx, taskID, docstore.KindPlan)
	if err != nil {
		return nil, err
	}
	return doc.Plan, nil
}

// NextRunnablePhase returns the first pending phase whose predecessors are all
// complete or skipped. Nil means the plan is done, aborted, or blocked on a
// phase that is in progress or failed.
func (e *Engine) NextRunnablePhase(p *plan.TaskPlan) *plan.Phase {
	if p == nil || p.Aborted {
		return nil
	}
	for i := range p.Phases {
		ph := &p.Phases[i]
		if ph.Status.Resolved() {
			continue
		}
		if ph.Status == plan.PhasePending {
			return ph
		}
		return nil
	}
	return nil
}

// ApplyTransition moves one phase to a new status, persists the plan and
// appends a progress entry. The input plan is never modified.
func (e *Engine) ApplyTransition(ctx context.Context, p *plan.TaskPlan, phaseID string, to plan.PhaseStatus, failure *plan.PhaseError) (*plan.TaskPlan, error) {
	next := p.Clone()
	idx, ph := next.Phase(phaseID)
	if ph == nil {
		return nil, &InvalidTransitionError{PhaseID: phaseID, To: to, Reason: "unknown phase"}
	}
	from := ph.Status
	if err := plan.ValidateTransition(from, to); err != nil {
		return nil, &InvalidTransitionError{PhaseID: phaseID, From: from, To: to, Reason: err.Error()}
	}
	if next.Aborted {
		return nil, &InvalidTransitionError{PhaseID: phaseID, From: from, To: to, Reason: "plan aborted"}
	}

	now := e.now().UTC()
	entry := plan.ProgressEntry{Timestamp: now, PhaseID: phaseID}
	switch to {
	case plan.PhaseInProgress:
		if err := e.checkDispatch(next, idx); err != nil {
			return nil, err
		}
		ph.Attempts++
		ph.StartedAt = &now
		ph.FinishedAt = nil
		entry.Event = plan.EventDispatched
		entry.Detail = fmt.Sprintf("%s attempt %d/%d", ph.Worker, ph.Attempts, ph.MaxAttempts)
	case plan.PhaseComplete:
		ph.FinishedAt = &now
		entry.Event = plan.EventSucceeded
		entry.Detail = fmt.Sprintf("%s after %d attempt(s)", ph.Worker, ph.Attempts)
	case plan.PhaseFailed:
		if failure == nil {
			failure = &plan.PhaseError{Kind: plan.FailureTransient, Message: "unspecified failure"}
		}
		f := *failure
		if f.At.IsZero() {
			f.At = now
		}
		ph.LastError = &f
		ph.FinishedAt = &now
		entry.Event = plan.EventFailed
		entry.Detail = f.Error()
	case plan.PhasePending:
		entry.Event = plan.EventRetried
		entry.Detail = fmt.Sprintf("retry %d/%d", ph.Attempts+1, ph.MaxAttempts)
	case plan.PhaseSkipped:
		ph.FinishedAt = &now
		entry.Event = plan.EventSkipped
		if ph.LastError != nil {
			entry.Detail = ph.LastError.Error()
		}
	}
	ph.Status = to
	next.UpdatedAt = now

	if err := e.persist(ctx, next, entry); err != nil {
		return nil, err
	}
	return next, nil
}

// checkDispatch enforces the single in_progress invariant, phase ordering and
// the attempt ceiling before a phase starts.
func (e *Engine) checkDispatch(p *plan.TaskPlan, idx int) error {
	ph := &p.Phases[idx]
	for i := range p.Phases {
		other := p.Phases[i]
		if i < idx && !other.Status.Resolved() {
			return &InvalidTransitionError{PhaseID: ph.ID, From: ph.Status, To: plan.PhaseInProgress,
				Reason: fmt.Sprintf("predecessor %s is %s", other.ID, other.Status)}
		}
		if other.Status == plan.PhaseInProgress {
			return &InvalidTransitionError{PhaseID: ph.ID, From: ph.Status, To: plan.PhaseInProgress,
				Reason: fmt.Sprintf("phase %s already in progress", other.ID)}
		}
	}
	if ph.MaxAttempts > 0 && ph.Attempts >= ph.MaxAttempts {
		return &InvalidTransitionError{PhaseID: ph.ID, From: ph.Status, To: plan.PhaseInProgress,
			Reason: fmt.Sprintf("attempt ceiling %d reached", ph.MaxAttempts)}
	}
	return nil
}

// InsertReplanPhases inserts replacement phases after a failed phase, marks the
// failed phase skipped and counts the replan.
func (e *Engine) InsertReplanPhases(ctx context.Context, p *plan.TaskPlan, newPhases []plan.PhaseTemplate, insertAfter string) (*plan.TaskPlan, error) {
	next := p.Clone()
	idx, failed := next.Phase(insertAfter)
	if failed == nil {
		return nil, &InvalidTransitionError{PhaseID: insertAfter, To: plan.PhaseSkipped, Reason: "unknown phase"}
	}
	if err := plan.ValidateTransition(failed.Status, plan.PhaseSkipped); err != nil {
		return nil, &InvalidTransitionError{PhaseID: insertAfter, From: failed.Status, To: plan.PhaseSkipped, Reason: err.Error()}
	}
	if len(newPhases) == 0 {
		return nil, &InvalidTransitionError{PhaseID: insertAfter, From: failed.Status, To: plan.PhaseSkipped, Reason: "replan without phases"}
	}

	now := e.now().UTC()
	maxAttempts := failed.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}
	inserted := make([]plan.Phase, 0, len(newPhases))
	ids := make([]string, 0, len(newPhases))
	for _, t := range newPhases {
		ph := plan.NewPhase(next.NextSeq, t, maxAttempts)
		ph.ReplanOf = failed.ID
		next.NextSeq++
		inserted = append(inserted, ph)
		ids = append(ids, ph.ID)
	}

	failed.Status = plan.PhaseSkipped
	failed.ReplacedBy = ids
	failed.FinishedAt = &now

	phases := make([]plan.Phase, 0, len(next.Phases)+len(inserted))
	phases = append(phases, next.Phases[:idx+1]...)
	phases = append(phases, inserted...)
	phases = append(phases, next.Phases[idx+1:]...)
	next.Phases = phases
	next.Replans++
	next.UpdatedAt = now

	entry := plan.ProgressEntry{
		Timestamp: now,
		PhaseID:   insertAfter,
		Event:     plan.EventReplanned,
		Detail:    fmt.Sprintf("replan %d: inserted %s", next.Replans, strings.Join(ids, ", ")),
	}
	if err := e.persist(ctx, next, entry); err != nil {
		return nil, err
	}
	e.logger.LogPhase(observability.EventTypeReplan, next.TaskID, insertAfter, map[string]any{
		"inserted": ids,
		"replans":  next.Replans,
	})
	return next, nil
}

// Abort marks the plan aborted. No phase may transition afterwards.
func (e *Engine) Abort(ctx context.Context, p *plan.TaskPlan, reason string) (*plan.TaskPlan, error) {
	next := p.Clone()
	if next.Aborted {
		return next, nil
	}
	now := e.now().UTC()
	next.Aborted = true
	next.AbortReason = reason
	next.UpdatedAt = now
	if err := e.persist(ctx, next, plan.ProgressEntry{Timestamp: now, Event: plan.EventAborted, Detail: reason}); err != nil {
		return nil, err
	}
	e.logger.LogPhase(observability.EventTypeAbort, next.TaskID, "", map[string]any{"reason": reason})
	return next, nil
}

// LogProgress appends a free-standing progress entry such as a resume marker.
func (e *Engine) LogProgress(ctx context.Context, taskID string, event plan.Event, phaseID, detail string) error {
	return e.store.Append(ctx, taskID, docstore.KindProgress, docstore.ProgressEntry(plan.ProgressEntry{
		Timestamp: e.now().UTC(),
		PhaseID:   phaseID,
		Event:     event,
		Detail:    detail,
	}))
}

// RecordFinding appends a finding to the session's findings document.
func (e *Engine) RecordFinding(ctx context.Context, taskID string, f plan.Finding) error {
	return e.store.Append(ctx, taskID, docstore.KindFindings, docstore.FindingEntry(f))
}

// Findings reads every finding recorded for a session.
func (e *Engine) Findings(ctx context.Context, taskID string) ([]plan.Finding, error) {
	doc, err := e.store.Read(ctx, taskID, docstore.KindFindings)
	if err != nil {
		return nil, err
	}
	return doc.Findings, nil
}

// Progress reads the progress log of a session.
func (e *Engine) Progress(ctx context.Context, taskID string) ([]plan.ProgressEntry, error) {
	doc, err := e.store.Read(ctx, taskID, docstore.KindProgress)
	if err != nil {
		return nil, err
	}
	return doc.Progress, nil
}

// Sessions lists the task ids of every persisted plan.
func (e *Engine) Sessions(ctx context.Context) ([]string, error) {
	return e.store.Sessions(ctx)
}

func (e *Engine) persist(ctx context.Context, p *plan.TaskPlan, entry plan.ProgressEntry) error {
	if err := e.store.Write(ctx, p.TaskID, docstore.KindPlan, &docstore.Document{Kind: docstore.KindPlan, Plan: p}); err != nil {
		e.logger.LogError(observability.EventTypeStoreError, p.TaskID, err)
		return err
	}
	if err := e.store.Append(ctx, p.TaskID, docstore.KindProgress, docstore.ProgressEntry(entry)); err != nil {
		e.logger.LogError(observability.EventTypeStoreError, p.TaskID, err)
		return err
	}
	return nil
}
