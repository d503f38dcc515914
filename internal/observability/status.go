package observability

import (
	"sort"
	"sync"
	"time"
)

// ActiveSession is one session loop currently running in this process.
type ActiveSession struct {
	TaskID    string
	TaskType  string
	Target    string
	Phase     string
	StartedAt time.Time
}

func (s ActiveSession) Label() string {
	if s.Phase != "" {
		return s.Target + " " + s.Phase
	}
	return s.Target
}

// Tracker records which sessions are running. It is safe for concurrent use
// and a nil *Tracker ignores updates.
type Tracker struct {
	mu            sync.RWMutex
	sessions      map[string]ActiveSession
	lastHeartbeat time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions:      make(map[string]ActiveSession),
		lastHeartbeat: time.Now(),
	}
}

func (t *Tracker) Start(taskID, taskType, target string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[taskID] = ActiveSession{TaskID: taskID, TaskType: taskType, Target: target, StartedAt: time.Now()}
}

// SetPhase records the phase a session is currently dispatching.
func (t *Tracker) SetPhase(taskID, phaseID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sessions[taskID]; ok {
		s.Phase = phaseID
		t.sessions[taskID] = s
	}
}

func (t *Tracker) Finish(taskID string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, taskID)
}

// Running reports whether a session loop is active for taskID.
func (t *Tracker) Running(taskID string) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.sessions[taskID]
	return ok
}

// Active returns the running sessions, oldest first.
func (t *Tracker) Active() []ActiveSession {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	out := make([]ActiveSession, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (t *Tracker) Heartbeat() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHeartbeat = time.Now()
}

func (t *Tracker) LastHeartbeat() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastHeartbeat
}
