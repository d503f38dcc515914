// Package executor runs one phase attempt against its worker under a timeout
// and turns the result into a finding or a classified failure.
package executor

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/worker"
)

// DefaultTimeout bounds a single phase attempt.
const DefaultTimeout = 120 * time.Second

// Outcome is the result of one attempt. Finding is always set; Failure is nil
// when the attempt succeeded.
type Outcome struct {
	Finding plan.Finding
	Failure *plan.PhaseError
}

func (o Outcome) Succeeded() bool {
	return o.Failure == nil
}

type Executor struct {
	registry       *worker.Registry
	timeout        time.Duration
	unknownCeiling int
	now            func() time.Time
	newID          func() string
	logger         *observability.Logger
}

type Option func(*Executor)

func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithUnknownCeiling(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.unknownCeiling = n
		}
	}
}

func WithClock(clock func() time.Time) Option {
	return func(e *Executor) {
		e.now = clock
	}
}

func WithLogger(l *observability.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

func New(registry *worker.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:       registry,
		timeout:        DefaultTimeout,
		unknownCeiling: DefaultUnknownCeiling,
		now:            time.Now,
		newID:          func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type runResult struct {
	res worker.Result
	err error
}

// Run dispatches the phase to its worker. The phase must already be in
// progress; its Attempts field is the attempt number recorded on the finding.
func (e *Executor) Run(ctx context.Context, p *plan.TaskPlan, ph plan.Phase, findings []plan.Finding) Outcome {
	start := e.now()
	w := e.registry.Get(ph.Worker)
	if w == nil {
		err := worker.Errorf(worker.CodeUnsupported, "no worker registered for capability %q", ph.Worker)
		return e.failed(p, ph, ClassifyWith(err, e.unknownCeiling))
	}

	req := worker.Request{
		TaskID:       p.TaskID,
		TaskType:     p.TaskType,
		Target:       p.Target,
		TradeDate:    p.TradeDate,
		LookBackDays: p.LookBackDays,
		PhaseID:      ph.ID,
		Phase:        ph.Name,
		Attempt:      ph.Attempts,
		Context:      SelectContext(p, ph, findings),
	}

	stepCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: &panicError{value: r, stack: debug.Stack()}}
			}
		}()
		res, err := w.Execute(stepCtx, req)
		done <- runResult{res: res, err: err}
	}()

	var out runResult
	select {
	case out = <-done:
	case <-stepCtx.Done():
		// Workers that ignore cancellation are abandoned; the buffered channel lets them exit.
		out = runResult{err: stepCtx.Err()}
	}

	e.logger.LogPhase(observability.EventTypeDispatch, p.TaskID, ph.ID, map[string]any{
		"worker":   ph.Worker,
		"attempt":  ph.Attempts,
		"duration": e.now().Sub(start).String(),
		"ok":       out.err == nil,
	})

	if out.err != nil {
		var pe plan.PhaseError
		if perr, ok := out.err.(*panicError); ok {
			log.Printf("[%s] worker %s panicked: %v\n%s", ph.ID, ph.Worker, perr.value, perr.stack)
			pe = plan.PhaseError{Kind: plan.FailureTransient, Code: CodePanic, Message: perr.Error(), Ceiling: e.unknownCeiling}
		} else {
			pe = ClassifyWith(out.err, e.unknownCeiling)
		}
		return e.failed(p, ph, pe)
	}

	return Outcome{Finding: plan.Finding{
		ID:         e.newID(),
		PhaseID:    ph.ID,
		Phase:      ph.Name,
		Worker:     ph.Worker,
		Attempt:    ph.Attempts,
		Timestamp:  e.now().UTC(),
		Outcome:    plan.OutcomeSucceeded,
		Payload:    out.res.Payload,
		Confidence: out.res.Confidence,
	}}
}

func (e *Executor) failed(p *plan.TaskPlan, ph plan.Phase, pe plan.PhaseError) Outcome {
	now := e.now().UTC()
	pe.At = now
	e.logger.LogPhase(observability.EventTypeFailed, p.TaskID, ph.ID, map[string]any{
		"kind":    pe.Kind,
		"code":    pe.Code,
		"message": pe.Message,
	})
	return Outcome{
		Finding: plan.Finding{
			ID:        e.newID(),
			PhaseID:   ph.ID,
			Phase:     ph.Name,
			Worker:    ph.Worker,
			Attempt:   ph.Attempts,
			Timestamp: now,
			Outcome:   plan.OutcomeFailed,
			Error:     &pe,
		},
		Failure: &pe,
	}
}

// SelectContext returns the latest successful finding of each dependency.
// Replacement phases count as the dependency they replaced.
func SelectContext(p *plan.TaskPlan, ph plan.Phase, findings []plan.Finding) []plan.Finding {
	if len(ph.DependsOn) == 0 {
		return nil
	}
	var out []plan.Finding
	for _, dep := range ph.DependsOn {
		ids := dependencyPhases(p, dep)
		for _, id := range ids {
			if f, ok := latestSuccess(findings, id); ok {
				out = append(out, f)
			}
		}
	}
	return out
}

// dependencyPhases lists the phase named dep and every replacement descending from it.
func dependencyPhases(p *plan.TaskPlan, dep string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, ph := range p.Phases {
		if ph.Name == dep {
			ids = append(ids, ph.ID)
			seen[ph.ID] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, ph := range p.Phases {
			if ph.ReplanOf != "" && seen[ph.ReplanOf] && !seen[ph.ID] {
				ids = append(ids, ph.ID)
				seen[ph.ID] = true
				changed = true
			}
		}
	}
	return ids
}

func latestSuccess(findings []plan.Finding, phaseID string) (plan.Finding, bool) {
	for i := len(findings) - 1; i >= 0; i-- {
		if findings[i].PhaseID == phaseID && findings[i].Outcome == plan.OutcomeSucceeded {
			return findings[i], true
		}
	}
	return plan.Finding{}, false
}

type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("worker panicked: %v", p.value)
}
