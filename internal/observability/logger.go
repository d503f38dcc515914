package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType defines the category of the log event.
type EventType string

const (
	EventTypePlan       EventType = "plan"
	EventTypeDispatch   EventType = "dispatch"
	EventTypeSucceeded  EventType = "succeeded"
	EventTypeFailed     EventType = "failed"
	EventTypeDecision   EventType = "decision"
	EventTypeReplan     EventType = "replan"
	EventTypeAbort      EventType = "abort"
	EventTypeFlush      EventType = "flush"
	EventTypeStoreError EventType = "store_error"
	EventTypeSession    EventType = "session"
	EventTypeHeartbeat  EventType = "heartbeat"
	EventTypeLLM        EventType = "llm"
)

// Event represents a structured log entry.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	PhaseID   string    `json:"phase_id,omitempty"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger handles structured logging. A nil *Logger discards everything.
type Logger struct {
	Out io.Writer
	// transcript receives llm events in addition to Out.
	transcript *transcript
	mu         sync.Mutex
}

func NewLogger() *Logger {
	return &Logger{
		Out:        os.Stdout,
		transcript: &transcript{path: filepath.Join("logs", "llm.jsonl"), maxSize: 10 << 20},
	}
}

// NewLoggerTo writes events to w and keeps no LLM transcript file.
func NewLoggerTo(w io.Writer) *Logger {
	return &Logger{Out: w}
}

// Log emits a structured JSON event.
func (l *Logger) Log(evt Event) {
	if l == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	data, err := json.Marshal(evt)
	if err != nil {
		data, _ = json.Marshal(map[string]string{
			"type":  string(evt.Type),
			"error": "failed to marshal event: " + err.Error(),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Out != nil {
		fmt.Fprintln(l.Out, string(data))
	}
	if evt.Type == EventTypeLLM && l.transcript != nil {
		if err := l.transcript.append(data); err != nil {
			log.Printf("llm transcript: %v", err)
		}
	}
}

// transcript is a JSONL file that keeps a single rotated predecessor.
type transcript struct {
	path    string
	maxSize int64
}

func (t *transcript) append(line []byte) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	if info, err := os.Stat(t.path); err == nil && info.Size() > t.maxSize {
		prev := t.path + ".old"
		_ = os.Remove(prev)
		if err := os.Rename(t.path, prev); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	_, werr := f.Write(append(line, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	return werr
}

// Helpers for the session loop.

func (l *Logger) LogPhase(typ EventType, taskID, phaseID string, data map[string]any) {
	l.Log(Event{
		Type:    typ,
		TaskID:  taskID,
		PhaseID: phaseID,
		Data:    data,
	})
}

func (l *Logger) LogDecision(taskID, phaseID, action, reason string) {
	l.Log(Event{
		Type:    EventTypeDecision,
		TaskID:  taskID,
		PhaseID: phaseID,
		Data: map[string]string{
			"action": action,
			"reason": reason,
		},
	})
}

func (l *Logger) LogError(typ EventType, taskID string, err error) {
	l.Log(Event{
		Type:   typ,
		TaskID: taskID,
		Data:   map[string]string{"error": err.Error()},
	})
}

func (l *Logger) LogHeartbeat(active int) {
	l.Log(Event{
		Type: EventTypeHeartbeat,
		Data: map[string]any{"status": "alive", "active_sessions": active},
	})
}

func (l *Logger) LogLLM(taskID, phaseID string, prompt any, response string) {
	l.Log(Event{
		Type:    EventTypeLLM,
		TaskID:  taskID,
		PhaseID: phaseID,
		Data: map[string]any{
			"prompt":   prompt,
			"response": response,
		},
	})
}
