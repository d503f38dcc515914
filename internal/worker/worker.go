// Package worker defines the capability interface phases are dispatched to,
// the reason codes workers fail with, and the concrete research workers.
package worker

import (
	"context"
	"sort"

	"github.com/rahul/clarity/internal/plan"
)

// Request is everything a worker sees for one phase attempt.
type Request struct {
	TaskID       string
	TaskType     plan.TaskType
	Target       string
	TradeDate    string
	LookBackDays int
	PhaseID      string
	Phase        string
	Attempt      int
	// Context holds the latest successful findings of the phase's dependencies.
	Context []plan.Finding
}

// Result is a successful phase attempt.
type Result struct {
	Payload    plan.Payload
	Confidence string
}

// Worker executes one capability. Returned errors should be *Error so the
// executor can classify them without inspecting message text.
type Worker interface {
	Name() string
	Description() string
	Execute(ctx context.Context, req Request) (Result, error)
}

// Registry manages the set of available workers.
type Registry struct {
	Workers map[string]Worker
}

func NewRegistry() *Registry {
	return &Registry{
		Workers: make(map[string]Worker),
	}
}

func (r *Registry) Register(w Worker) {
	r.Workers[w.Name()] = w
}

// RegisterAs binds a worker under an additional capability name.
func (r *Registry) RegisterAs(name string, w Worker) {
	r.Workers[name] = w
}

func (r *Registry) Get(name string) Worker {
	return r.Workers[name]
}

// Names lists registered capabilities in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.Workers))
	for name := range r.Workers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a function into a Worker.
type Func struct {
	WorkerName string
	Summary    string
	Fn         func(ctx context.Context, req Request) (Result, error)
}

func (f Func) Name() string        { return f.WorkerName }
func (f Func) Description() string { return f.Summary }

func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f.Fn(ctx, req)
}
