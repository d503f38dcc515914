package orchestrator

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
)

// Scheduler resumes sessions a previous process left unfinished and launches
// recurring dashboard scans. Each session runs in its own goroutine.
type Scheduler struct {
	Orchestrator *Orchestrator
	Interval     time.Duration
	// ResumeUnfinished picks up sessions that are neither resolved nor aborted.
	ResumeUnfinished bool
	// DashboardEvery launches a dashboard scan at this period; zero disables it.
	DashboardEvery  time.Duration
	DashboardTarget string
	Tracker         *observability.Tracker
	Logger          *observability.Logger
	// OnResult receives every finished session.
	OnResult func(*plan.SessionResult)

	mu            sync.Mutex
	wg            sync.WaitGroup
	resumed       map[string]bool
	lastDashboard time.Time
	startedAt     time.Time
	now           func() time.Time
}

func NewScheduler(o *Orchestrator) *Scheduler {
	if o.tracker == nil {
		o.tracker = observability.NewTracker()
	}
	return &Scheduler{
		Orchestrator:     o,
		Interval:         30 * time.Second,
		ResumeUnfinished: true,
		DashboardTarget:  "US",
		Tracker:          o.tracker,
		Logger:           o.logger,
		resumed:          make(map[string]bool),
		startedAt:        time.Now(),
		now:              time.Now,
	}
}

// Start polls until ctx is done, then waits for running sessions to return.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Session scheduler started...")
	s.Poll(ctx)

	for {
		select {
		case <-ctx.Done():
			s.Wait()
			log.Println("Session scheduler stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll runs one scheduling round without waiting for the sessions it launches.
func (s *Scheduler) Poll(ctx context.Context) {
	s.Tracker.Heartbeat()
	s.Logger.LogHeartbeat(len(s.Tracker.Active()))

	if s.ResumeUnfinished {
		s.resumeUnfinished(ctx)
	}
	if s.dashboardDue() {
		s.launch(func() *plan.SessionResult {
			return s.Orchestrator.RunSession(ctx, plan.TaskDashboardScan, s.DashboardTarget, Options{})
		})
	}
}

// Wait blocks until every launched session has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) resumeUnfinished(ctx context.Context) {
	plans, err := s.Orchestrator.Unfinished(ctx)
	if err != nil {
		log.Printf("Error polling sessions: %v", err)
		return
	}
	for _, p := range plans {
		// Sessions touched since this process started belong to it.
		if !p.UpdatedAt.Before(s.startedAt) {
			continue
		}
		taskID := p.TaskID
		s.mu.Lock()
		// Each session is resumed once per process; one that fails again
		// waits for an explicit resume.
		if s.resumed[taskID] || s.Tracker.Running(taskID) {
			s.mu.Unlock()
			continue
		}
		s.resumed[taskID] = true
		s.mu.Unlock()

		log.Printf("Resuming unfinished session %s (%s %s)", taskID, p.TaskType, p.Target)
		s.launch(func() *plan.SessionResult {
			return s.Orchestrator.Resume(ctx, taskID)
		})
	}
}

func (s *Scheduler) dashboardDue() bool {
	if s.DashboardEvery <= 0 || s.DashboardTarget == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if !s.lastDashboard.IsZero() && now.Sub(s.lastDashboard) < s.DashboardEvery {
		return false
	}
	s.lastDashboard = now
	return true
}

func (s *Scheduler) launch(run func() *plan.SessionResult) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := run()
		log.Printf("Session %s finished: %s", res.TaskID, res.Status)
		if s.OnResult != nil {
			s.OnResult(res)
		}
	}()
}
