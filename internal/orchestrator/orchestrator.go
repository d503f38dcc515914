// Package orchestrator drives a task plan from creation to its final report.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/rahul/clarity/internal/docstore"
	"github.com/rahul/clarity/internal/engine"
	"github.com/rahul/clarity/internal/executor"
	"github.com/rahul/clarity/internal/intent"
	"github.com/rahul/clarity/internal/notify"
	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/policy"
	"github.com/rahul/clarity/internal/report"
)

// DefaultFlushEvery is how many dispatched phases may pass between findings flushes.
const DefaultFlushEvery = 2

// CodeInterrupted marks a phase found in progress when a session is resumed.
const CodeInterrupted = "interrupted"

// Options carries per-session parameters.
type Options struct {
	TradeDate    string
	LookBackDays int
}

type Orchestrator struct {
	engine      *engine.Engine
	executor    *executor.Executor
	policy      policy.Engine
	synthesizer report.Synthesizer

	mirror      *docstore.Mirror
	notifier    notify.Notifier
	interpreter intent.Interpreter
	logger      *observability.Logger
	tracker     *observability.Tracker
	flushEvery  int
	lookBack    int
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

// WithMirror renders the markdown planning files under the mirror root.
func WithMirror(m *docstore.Mirror) Option {
	return func(o *Orchestrator) { o.mirror = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithInterpreter(i intent.Interpreter) Option {
	return func(o *Orchestrator) { o.interpreter = i }
}

func WithLogger(l *observability.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithTracker(t *observability.Tracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

func WithFlushEvery(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.flushEvery = n
		}
	}
}

// WithLookBackDays sets the analysis window used when a session names none.
func WithLookBackDays(days int) Option {
	return func(o *Orchestrator) { o.lookBack = days }
}

func WithClock(clock func() time.Time) Option {
	return func(o *Orchestrator) { o.now = clock }
}

// WithSleep replaces the wait before a delayed retry.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func New(eng *engine.Engine, exec *executor.Executor, pol policy.Engine, synth report.Synthesizer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:      eng,
		executor:    exec,
		policy:      pol,
		synthesizer: synth,
		flushEvery:  DefaultFlushEvery,
		now:         time.Now,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.synthesizer == nil {
		o.synthesizer = report.Markdown{}
	}
	if o.interpreter == nil {
		o.interpreter = intent.Keywords{}
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RunSession creates a plan for the task and drives it to completion. It
// always returns a result; failures are reported in Status and Err.
func (o *Orchestrator) RunSession(ctx context.Context, taskType plan.TaskType, target string, opts Options) *plan.SessionResult {
	started := o.now()
	if opts.LookBackDays <= 0 {
		opts.LookBackDays = o.lookBack
	}
	if opts.TradeDate == "" {
		opts.TradeDate = started.Format("2006-01-02")
	}
	p, err := o.engine.CreatePlan(ctx, taskType, target, engine.PlanOptions{
		TradeDate:    opts.TradeDate,
		LookBackDays: opts.LookBackDays,
	})
	if err != nil {
		return o.failedResult(&plan.TaskPlan{TaskType: taskType, Target: target}, started, err)
	}
	log.Printf("Session %s started: %s %s", p.TaskID, taskType, p.Target)
	return o.drive(ctx, p, started)
}

// RunFromQuery interprets a free-form request and runs the resulting session.
func (o *Orchestrator) RunFromQuery(ctx context.Context, query string, opts Options) *plan.SessionResult {
	in, err := o.interpreter.Interpret(ctx, query)
	if err != nil {
		return o.failedResult(&plan.TaskPlan{Target: query}, o.now(), fmt.Errorf("interpret query: %w", err))
	}
	log.Printf("Query %q interpreted as %s %s", query, in.TaskType, in.Target)
	return o.RunSession(ctx, in.TaskType, in.Target, opts)
}

// Resume continues a persisted session. A phase left in progress by a previous
// process is failed as transient first so the policy decides its fate.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) *plan.SessionResult {
	started := o.now()
	if o.tracker.Running(taskID) {
		return o.failedResult(&plan.TaskPlan{TaskID: taskID}, started, fmt.Errorf("session %s is already running", taskID))
	}
	p, err := o.engine.Load(ctx, taskID)
	if err != nil {
		return o.failedResult(&plan.TaskPlan{TaskID: taskID}, started, err)
	}

	if ph := p.InProgress(); ph != nil {
		if err := o.engine.LogProgress(ctx, taskID, plan.EventResumed, ph.ID, fmt.Sprintf("attempt %d interrupted", ph.Attempts)); err != nil {
			return o.failedResult(p, started, err)
		}
		failed, err := o.engine.ApplyTransition(ctx, p, ph.ID, plan.PhaseFailed, &plan.PhaseError{
			Kind:    plan.FailureTransient,
			Code:    CodeInterrupted,
			Message: "session stopped while the phase was in progress",
		})
		if err != nil {
			return o.failedResult(p, started, err)
		}
		p = failed
	} else if err := o.engine.LogProgress(ctx, taskID, plan.EventResumed, "", fmt.Sprintf("plan %s", p.OverallStatus())); err != nil {
		return o.failedResult(p, started, err)
	}

	log.Printf("Session %s resumed (%s)", taskID, p.OverallStatus())
	return o.drive(ctx, p, started)
}

// Sessions loads every persisted plan.
func (o *Orchestrator) Sessions(ctx context.Context) ([]*plan.TaskPlan, error) {
	ids, err := o.engine.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	plans := make([]*plan.TaskPlan, 0, len(ids))
	for _, id := range ids {
		p, err := o.engine.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// Unfinished lists the sessions that are neither resolved nor aborted.
func (o *Orchestrator) Unfinished(ctx context.Context) ([]*plan.TaskPlan, error) {
	plans, err := o.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	var out []*plan.TaskPlan
	for _, p := range plans {
		if !p.Aborted && !p.Resolved() {
			out = append(out, p)
		}
	}
	return out, nil
}

// drive is the session loop. Every iteration re-reads the plan, settles a
// blocked phase through the policy, or dispatches the next runnable phase.
func (o *Orchestrator) drive(ctx context.Context, p *plan.TaskPlan, started time.Time) *plan.SessionResult {
	o.tracker.Start(p.TaskID, string(p.TaskType), p.Target)
	defer o.tracker.Finish(p.TaskID)

	dispatched := 0
	for {
		if err := ctx.Err(); err != nil {
			return o.interrupted(ctx, p, started, err)
		}

		current, err := o.engine.Load(ctx, p.TaskID)
		if err != nil {
			return o.failedResult(p, started, err)
		}
		p = current
		if p.Aborted || p.Resolved() {
			break
		}

		if blocked := p.Blocked(); blocked != nil {
			settled, err := o.settle(ctx, p, blocked)
			if err != nil {
				if ctx.Err() != nil {
					return o.interrupted(ctx, p, started, ctx.Err())
				}
				return o.failedResult(p, started, err)
			}
			p = settled
			continue
		}

		next := o.engine.NextRunnablePhase(p)
		if next == nil {
			return o.failedResult(p, started, fmt.Errorf("plan %s has no runnable phase (%s)", p.TaskID, p.OverallStatus()))
		}
		phaseID := next.ID

		running, err := o.engine.ApplyTransition(ctx, p, phaseID, plan.PhaseInProgress, nil)
		if err != nil {
			return o.failedResult(p, started, err)
		}
		p = running
		o.tracker.SetPhase(p.TaskID, phaseID)

		findings, err := o.engine.Findings(ctx, p.TaskID)
		if err != nil {
			return o.failedResult(p, started, err)
		}
		_, ph := p.Phase(phaseID)
		out := o.executor.Run(ctx, p, *ph, findings)
		dispatched++

		if out.Succeeded() {
			// The finding lands before the phase is marked complete.
			if err := o.engine.RecordFinding(ctx, p.TaskID, out.Finding); err != nil {
				return o.failedResult(p, started, err)
			}
			done, err := o.engine.ApplyTransition(ctx, p, phaseID, plan.PhaseComplete, nil)
			if err != nil {
				return o.failedResult(p, started, err)
			}
			p = done
		} else {
			writeCtx := ctx
			if ctx.Err() != nil {
				writeCtx = context.WithoutCancel(ctx)
			}
			if err := o.engine.RecordFinding(writeCtx, p.TaskID, out.Finding); err != nil {
				return o.failedResult(p, started, err)
			}
			failed, err := o.engine.ApplyTransition(writeCtx, p, phaseID, plan.PhaseFailed, out.Failure)
			if err != nil {
				return o.failedResult(p, started, err)
			}
			p = failed
			if err := ctx.Err(); err != nil {
				return o.interrupted(ctx, p, started, err)
			}
		}

		if dispatched%o.flushEvery == 0 {
			o.flush(ctx, p, "cadence")
		}
	}

	return o.complete(ctx, p, started)
}

// settle applies the policy decision for a failed phase.
func (o *Orchestrator) settle(ctx context.Context, p *plan.TaskPlan, ph *plan.Phase) (*plan.TaskPlan, error) {
	failure := plan.PhaseError{Kind: plan.FailureTransient, Message: "unspecified failure"}
	if ph.LastError != nil {
		failure = *ph.LastError
	}
	d := o.policy.Decide(ctx, policy.Request{Plan: p, Phase: ph, Failure: failure})
	o.logger.LogDecision(p.TaskID, ph.ID, string(d.Action), d.Reason)

	switch d.Action {
	case policy.ActionRetry:
		if d.Delay > 0 {
			log.Printf("[%s] retrying %s in %v", p.TaskID, ph.ID, d.Delay)
			if err := o.sleep(ctx, d.Delay); err != nil {
				return nil, err
			}
		}
		return o.engine.ApplyTransition(ctx, p, ph.ID, plan.PhasePending, nil)
	case policy.ActionSkip:
		return o.engine.ApplyTransition(ctx, p, ph.ID, plan.PhaseSkipped, nil)
	case policy.ActionReplan:
		return o.engine.InsertReplanPhases(ctx, p, plan.ReplanTemplate(*ph, failure.Kind), ph.ID)
	case policy.ActionAbort:
		log.Printf("[%s] aborting: %s", p.TaskID, d.Reason)
		return o.engine.Abort(ctx, p, d.Reason)
	default:
		return nil, fmt.Errorf("unknown policy action %q for phase %s", d.Action, ph.ID)
	}
}

// complete synthesizes the report of a resolved or aborted plan.
func (o *Orchestrator) complete(ctx context.Context, p *plan.TaskPlan, started time.Time) *plan.SessionResult {
	findings, err := o.engine.Findings(ctx, p.TaskID)
	if err != nil {
		return o.failedResult(p, started, err)
	}
	o.flush(ctx, p, "session end")

	text, err := o.synthesizer.Synthesize(ctx, p, findings)
	if err != nil {
		log.Printf("[%s] synthesis failed: %v", p.TaskID, err)
		text, _ = report.Markdown{}.Synthesize(ctx, p, findings)
	}

	res := o.result(p, started)
	res.Status = plan.Verdict(p)
	res.Report = text
	if p.Aborted {
		res.Error = p.AbortReason
	}
	o.logSession(res)
	o.notify(ctx, res)
	return res
}

// interrupted ends a cancelled session. Its last writes use a context that
// survives the cancellation.
func (o *Orchestrator) interrupted(ctx context.Context, p *plan.TaskPlan, started time.Time, cause error) *plan.SessionResult {
	writeCtx := context.WithoutCancel(ctx)
	if current, err := o.engine.Load(writeCtx, p.TaskID); err == nil {
		p = current
	}
	res := o.failedResult(p, started, cause)
	if findings, err := o.engine.Findings(writeCtx, p.TaskID); err == nil {
		o.flush(writeCtx, p, "cancelled")
		res.Report, _ = report.Markdown{}.Synthesize(writeCtx, p, findings)
	}
	return res
}

// failedResult reports a session that could not continue. No further
// documents are written.
func (o *Orchestrator) failedResult(p *plan.TaskPlan, started time.Time, err error) *plan.SessionResult {
	res := o.result(p, started)
	res.Status = plan.SessionFailed
	res.Err = err
	res.Error = err.Error()

	var se *docstore.StoreError
	var te *engine.InvalidTransitionError
	switch {
	case errors.As(err, &se):
		o.logger.LogError(observability.EventTypeStoreError, p.TaskID, err)
	case errors.As(err, &te):
		log.Printf("[%s] invalid transition: %v", p.TaskID, err)
	}
	o.logSession(res)
	return res
}

func (o *Orchestrator) result(p *plan.TaskPlan, started time.Time) *plan.SessionResult {
	res := &plan.SessionResult{
		TaskID:     p.TaskID,
		TaskType:   p.TaskType,
		Target:     p.Target,
		Replans:    p.Replans,
		StartedAt:  started,
		FinishedAt: o.now(),
	}
	if len(p.Phases) > 0 {
		res.PhaseSummary = plan.Summarize(p)
	}
	if o.mirror != nil && p.TaskID != "" {
		res.Files = o.mirror.Files(p.TaskID)
	}
	return res
}

// flush rewrites the markdown planning files. Mirror failures are logged only.
func (o *Orchestrator) flush(ctx context.Context, p *plan.TaskPlan, reason string) {
	if o.mirror == nil {
		return
	}
	findings, err := o.engine.Findings(ctx, p.TaskID)
	if err != nil {
		log.Printf("[%s] mirror flush skipped: %v", p.TaskID, err)
		return
	}
	progress, err := o.engine.Progress(ctx, p.TaskID)
	if err != nil {
		log.Printf("[%s] mirror flush skipped: %v", p.TaskID, err)
		return
	}
	if err := o.mirror.SyncPlan(p, progress); err != nil {
		log.Printf("[%s] failed to mirror plan: %v", p.TaskID, err)
	}
	if err := o.mirror.FlushFindings(p, findings); err != nil {
		log.Printf("[%s] failed to mirror findings: %v", p.TaskID, err)
	}
	o.logger.LogPhase(observability.EventTypeFlush, p.TaskID, "", map[string]any{
		"reason":   reason,
		"findings": len(findings),
	})
}

func (o *Orchestrator) notify(ctx context.Context, res *plan.SessionResult) {
	if o.notifier == nil {
		return
	}
	title := fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(res.Status)), report.Title(res.TaskType), res.Target)
	if err := o.notifier.Notify(ctx, title, res.Report); err != nil {
		log.Printf("[%s] notification via %s failed: %v", res.TaskID, o.notifier.Name(), err)
	}
}

func (o *Orchestrator) logSession(res *plan.SessionResult) {
	data := map[string]any{
		"status":   res.Status,
		"phases":   len(res.PhaseSummary),
		"replans":  res.Replans,
		"duration": res.FinishedAt.Sub(res.StartedAt).String(),
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	o.logger.LogPhase(observability.EventTypeSession, res.TaskID, "", data)
}
