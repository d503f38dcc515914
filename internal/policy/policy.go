package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/rahul/clarity/internal/plan"
)

// Action defines the result of a policy evaluation.
type Action string

const (
	ActionRetry  Action = "retry"
	ActionSkip   Action = "skip"
	ActionReplan Action = "replan"
	ActionAbort  Action = "abort"
)

const (
	DefaultMaxReplans = 2
	DefaultMaxBackoff = 2 * time.Minute
)

// Request contains the context of a failed phase to be evaluated.
type Request struct {
	Plan    *plan.TaskPlan
	Phase   *plan.Phase
	Failure plan.PhaseError
}

// Decision contains the outcome of a policy evaluation.
type Decision struct {
	Action Action
	Reason string
	// Delay is how long to wait before a retried phase is dispatched again.
	Delay time.Duration
}

// Engine decides what happens to a failed phase.
type Engine interface {
	Decide(ctx context.Context, req Request) Decision
}

// DefaultPolicyEngine applies the retry, skip and replan rules in priority order.
type DefaultPolicyEngine struct {
	MaxReplans int
	MaxBackoff time.Duration
	// PermanentCodes lists reason codes treated as permanent regardless of kind.
	PermanentCodes map[string]bool
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		MaxReplans:     DefaultMaxReplans,
		MaxBackoff:     DefaultMaxBackoff,
		PermanentCodes: make(map[string]bool),
	}
}

// TreatAsPermanent makes failures with the given reason code skip retries.
func (e *DefaultPolicyEngine) TreatAsPermanent(code string) {
	e.PermanentCodes[code] = true
}

func (e *DefaultPolicyEngine) Decide(ctx context.Context, req Request) Decision {
	ph := req.Phase
	ceiling := Ceiling(ph, req.Failure)
	permanent := req.Failure.Kind == plan.FailurePermanent || e.PermanentCodes[req.Failure.Code]

	var d Decision
	switch {
	case ph.Attempts >= ceiling && ph.Critical:
		d = Decision{Action: ActionReplan, Reason: fmt.Sprintf("critical phase exhausted %d/%d attempts", ph.Attempts, ceiling)}
	case ph.Attempts >= ceiling:
		d = Decision{Action: ActionSkip, Reason: fmt.Sprintf("exhausted %d/%d attempts", ph.Attempts, ceiling)}
	case permanent && !ph.Critical:
		d = Decision{Action: ActionSkip, Reason: fmt.Sprintf("permanent failure: %s", req.Failure.Message)}
	case permanent:
		d = Decision{Action: ActionReplan, Reason: fmt.Sprintf("permanent failure on critical phase: %s", req.Failure.Message)}
	default:
		d = Decision{Action: ActionRetry, Reason: fmt.Sprintf("%s failure, attempt %d/%d", req.Failure.Kind, ph.Attempts, ceiling)}
		if req.Failure.Kind == plan.FailureRateLimited {
			d.Delay = e.backoff(req.Failure.RetryAfter)
		}
	}

	if d.Action == ActionReplan && req.Plan != nil && req.Plan.Replans >= e.maxReplans() {
		return Decision{
			Action: ActionAbort,
			Reason: fmt.Sprintf("replan ceiling %d reached: %s", e.maxReplans(), d.Reason),
		}
	}
	return d
}

// Ceiling is the effective attempt limit for a phase given its last failure.
func Ceiling(ph *plan.Phase, failure plan.PhaseError) int {
	ceiling := ph.MaxAttempts
	if failure.Ceiling > 0 && (ceiling <= 0 || failure.Ceiling < ceiling) {
		ceiling = failure.Ceiling
	}
	return ceiling
}

func (e *DefaultPolicyEngine) maxReplans() int {
	if e.MaxReplans < 0 {
		return 0
	}
	return e.MaxReplans
}

func (e *DefaultPolicyEngine) backoff(retryAfter time.Duration) time.Duration {
	if retryAfter <= 0 {
		retryAfter = time.Second
	}
	if e.MaxBackoff > 0 && retryAfter > e.MaxBackoff {
		return e.MaxBackoff
	}
	return retryAfter
}
