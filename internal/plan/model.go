package plan

import (
	"fmt"
	"strings"
	"time"
)

// TaskType selects the phase template a plan is built from.
type TaskType string

const (
	TaskStockScreening   TaskType = "stock_screening"
	TaskHoldingsTracking TaskType = "holdings_tracking"
	TaskStockAnalysis    TaskType = "stock_analysis"
	TaskDashboardScan    TaskType = "dashboard_scan"
)

var taskAliases = map[string]TaskType{
	"screen":    TaskStockScreening,
	"track":     TaskHoldingsTracking,
	"analyze":   TaskStockAnalysis,
	"dashboard": TaskDashboardScan,
}

// ParseTaskType accepts canonical task type names and the short CLI aliases.
func ParseTaskType(s string) (TaskType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if t, ok := taskAliases[s]; ok {
		return t, nil
	}
	t := TaskType(s)
	if _, ok := templates[t]; !ok {
		return "", fmt.Errorf("unknown task type: %q", s)
	}
	return t, nil
}

// PhaseStatus is the lifecycle state of a single phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
	PhaseFailed     PhaseStatus = "failed"
	PhaseSkipped    PhaseStatus = "skipped"
)

// Resolved reports whether later phases may run past this one.
func (s PhaseStatus) Resolved() bool {
	return s == PhaseComplete || s == PhaseSkipped
}

// PlanStatus is derived from phase statuses and never stored.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanBlocked    PlanStatus = "blocked"
	PlanComplete   PlanStatus = "complete"
	PlanAborted    PlanStatus = "aborted"
)

// FailureKind classifies why a phase attempt failed.
type FailureKind string

const (
	FailureTransient       FailureKind = "transient"
	FailurePermanent       FailureKind = "permanent"
	FailureRateLimited     FailureKind = "rate_limited"
	FailureDataUnavailable FailureKind = "data_unavailable"
)

// PhaseError is the last classified failure of a phase.
type PhaseError struct {
	Kind       FailureKind   `json:"kind" yaml:"kind"`
	Code       string        `json:"code,omitempty" yaml:"code,omitempty"`
	Message    string        `json:"message" yaml:"message"`
	RetryAfter time.Duration `json:"retry_after,omitempty" yaml:"retry_after,omitempty"`
	// Ceiling lowers the attempt limit for this failure; 0 means the phase limit applies.
	Ceiling int       `json:"ceiling,omitempty" yaml:"ceiling,omitempty"`
	At      time.Time `json:"at" yaml:"at"`
}

func (e *PhaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Phase is one schedulable unit of a plan bound to a worker capability.
type Phase struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Worker      string      `json:"worker"`
	Status      PhaseStatus `json:"status"`
	Critical    bool        `json:"critical"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	LastError   *PhaseError `json:"last_error,omitempty"`
	ReplacedBy  []string    `json:"replaced_by,omitempty"`
	ReplanOf    string      `json:"replan_of,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	FinishedAt  *time.Time  `json:"finished_at,omitempty"`
}

// TaskPlan is the root record of one session.
type TaskPlan struct {
	TaskID       string    `json:"task_id"`
	TaskType     TaskType  `json:"task_type"`
	Target       string    `json:"target"`
	TradeDate    string    `json:"trade_date,omitempty"`
	LookBackDays int       `json:"look_back_days,omitempty"`
	Phases       []Phase   `json:"phases"`
	Replans      int       `json:"replans"`
	NextSeq      int       `json:"next_seq"`
	Aborted      bool      `json:"aborted,omitempty"`
	AbortReason  string    `json:"abort_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Phase returns the index and pointer of the phase with the given id.
func (p *TaskPlan) Phase(id string) (int, *Phase) {
	for i := range p.Phases {
		if p.Phases[i].ID == id {
			return i, &p.Phases[i]
		}
	}
	return -1, nil
}

// PhaseByName returns the most recently added phase with the given semantic name.
func (p *TaskPlan) PhaseByName(name string) *Phase {
	for i := len(p.Phases) - 1; i >= 0; i-- {
		if p.Phases[i].Name == name {
			return &p.Phases[i]
		}
	}
	return nil
}

// InProgress returns the phase currently dispatched, if any.
func (p *TaskPlan) InProgress() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseInProgress {
			return &p.Phases[i]
		}
	}
	return nil
}

// Blocked returns the first failed phase awaiting a policy decision.
func (p *TaskPlan) Blocked() *Phase {
	for i := range p.Phases {
		if p.Phases[i].Status == PhaseFailed {
			return &p.Phases[i]
		}
	}
	return nil
}

// OverallStatus derives the plan status from its phases.
func (p *TaskPlan) OverallStatus() PlanStatus {
	if p.Aborted {
		return PlanAborted
	}
	started := false
	for _, ph := range p.Phases {
		switch ph.Status {
		case PhaseFailed:
			return PlanBlocked
		case PhaseInProgress:
			started = true
		case PhasePending:
			if ph.Attempts > 0 {
				started = true
			}
		default:
			started = true
		}
	}
	if p.Resolved() {
		return PlanComplete
	}
	if started {
		return PlanInProgress
	}
	return PlanPending
}

// Resolved reports whether every phase is complete or skipped.
func (p *TaskPlan) Resolved() bool {
	for _, ph := range p.Phases {
		if !ph.Status.Resolved() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so the engine can mutate without touching the caller's plan.
func (p *TaskPlan) Clone() *TaskPlan {
	if p == nil {
		return nil
	}
	out := *p
	out.Phases = make([]Phase, len(p.Phases))
	for i, ph := range p.Phases {
		out.Phases[i] = ph.clone()
	}
	return &out
}

func (ph Phase) clone() Phase {
	out := ph
	out.DependsOn = cloneStrings(ph.DependsOn)
	out.ReplacedBy = cloneStrings(ph.ReplacedBy)
	if ph.LastError != nil {
		e := *ph.LastError
		out.LastError = &e
	}
	if ph.StartedAt != nil {
		t := *ph.StartedAt
		out.StartedAt = &t
	}
	if ph.FinishedAt != nil {
		t := *ph.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, len(values))
	copy(out, values)
	return out
}

// Outcome tags a finding as a successful or failed attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Payload is the structured data plus narrative a worker returns.
type Payload struct {
	Data      map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
	Narrative string         `json:"narrative,omitempty" yaml:"narrative,omitempty"`
}

// Finding is an immutable record of one phase attempt.
type Finding struct {
	ID         string      `json:"id" yaml:"id"`
	PhaseID    string      `json:"phase_id" yaml:"phase_id"`
	Phase      string      `json:"phase" yaml:"phase"`
	Worker     string      `json:"worker" yaml:"worker"`
	Attempt    int         `json:"attempt" yaml:"attempt"`
	Timestamp  time.Time   `json:"timestamp" yaml:"timestamp"`
	Outcome    Outcome     `json:"outcome" yaml:"outcome"`
	Payload    Payload     `json:"payload" yaml:"payload"`
	Confidence string      `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	Error      *PhaseError `json:"error,omitempty" yaml:"error,omitempty"`
}

// Event names a progress log entry.
type Event string

const (
	EventCreated    Event = "created"
	EventDispatched Event = "dispatched"
	EventSucceeded  Event = "succeeded"
	EventFailed     Event = "failed"
	EventRetried    Event = "retried"
	EventSkipped    Event = "skipped"
	EventReplanned  Event = "replanned"
	EventAborted    Event = "aborted"
	EventResumed    Event = "resumed"
)

// ProgressEntry is an immutable progress log record.
type ProgressEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	PhaseID   string    `json:"phase_id,omitempty" yaml:"phase_id,omitempty"`
	Event     Event     `json:"event" yaml:"event"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// SessionStatus is the final verdict of a session.
type SessionStatus string

const (
	SessionSuccess SessionStatus = "success"
	SessionPartial SessionStatus = "partial"
	SessionFailed  SessionStatus = "failed"
)

// PhaseSummary reports the final state of one phase.
type PhaseSummary struct {
	PhaseID   string      `json:"phase_id"`
	Worker    string      `json:"worker"`
	Status    PhaseStatus `json:"status"`
	Attempts  int         `json:"attempts"`
	LastError *PhaseError `json:"last_error,omitempty"`
}

// SessionResult is the synthesized output of a session.
type SessionResult struct {
	TaskID       string            `json:"task_id"`
	TaskType     TaskType          `json:"task_type"`
	Target       string            `json:"target"`
	Status       SessionStatus     `json:"status"`
	Report       string            `json:"report"`
	PhaseSummary []PhaseSummary    `json:"phase_summary"`
	Replans      int               `json:"replans"`
	Err          error             `json:"-"`
	Error        string            `json:"error,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	FinishedAt   time.Time         `json:"finished_at"`
	Files        map[string]string `json:"files,omitempty"`
}

// Summarize builds the per-phase summary of a plan.
func Summarize(p *TaskPlan) []PhaseSummary {
	out := make([]PhaseSummary, 0, len(p.Phases))
	for _, ph := range p.Phases {
		out = append(out, PhaseSummary{
			PhaseID:   ph.ID,
			Worker:    ph.Worker,
			Status:    ph.Status,
			Attempts:  ph.Attempts,
			LastError: ph.LastError,
		})
	}
	return out
}

// Verdict derives the session status from a resolved or aborted plan.
// A skipped phase that was replaced by replan phases does not make the result partial.
func Verdict(p *TaskPlan) SessionStatus {
	if p.Aborted || !p.Resolved() {
		return SessionFailed
	}
	complete, gaps := 0, 0
	for _, ph := range p.Phases {
		switch {
		case ph.Status == PhaseComplete:
			complete++
		case ph.Status == PhaseSkipped && len(ph.ReplacedBy) == 0:
			gaps++
		}
	}
	switch {
	case complete == 0:
		return SessionFailed
	case gaps > 0:
		return SessionPartial
	default:
		return SessionSuccess
	}
}
