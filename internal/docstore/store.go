// Package docstore persists the three documents of a session: plan, findings and progress.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rahul/clarity/internal/plan"
)

// Kind names one of the per-session documents.
type Kind string

const (
	KindPlan     Kind = "plan"
	KindFindings Kind = "findings"
	KindProgress Kind = "progress"
)

func (k Kind) valid() bool {
	return k == KindPlan || k == KindFindings || k == KindProgress
}

// Document is the typed content of one session document.
// Only the field matching Kind is meaningful.
type Document struct {
	Kind     Kind
	Plan     *plan.TaskPlan
	Findings []plan.Finding
	Progress []plan.ProgressEntry
}

// Entry is a single record appended to the findings or progress document.
type Entry struct {
	Finding  *plan.Finding
	Progress *plan.ProgressEntry
}

// FindingEntry wraps a finding for Append.
func FindingEntry(f plan.Finding) Entry { return Entry{Finding: &f} }

// ProgressEntry wraps a progress record for Append.
func ProgressEntry(e plan.ProgressEntry) Entry { return Entry{Progress: &e} }

func (e Entry) kind() Kind {
	switch {
	case e.Finding != nil:
		return KindFindings
	case e.Progress != nil:
		return KindProgress
	default:
		return ""
	}
}

// Store is the durable key-document storage shared by all sessions.
// Implementations must allow concurrent access to distinct sessions and
// apply writes of one session in call order.
type Store interface {
	Read(ctx context.Context, sessionID string, kind Kind) (*Document, error)
	Write(ctx context.Context, sessionID string, kind Kind, doc *Document) error
	Append(ctx context.Context, sessionID string, kind Kind, entry Entry) error
	// Sessions lists every session that has a plan document.
	Sessions(ctx context.Context) ([]string, error)
	Close() error
}

var (
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrInvalidDocument indicates a document or entry does not match its kind.
	ErrInvalidDocument = errors.New("invalid document")
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// StoreError reports a failed durable operation.
type StoreError struct {
	Op        string
	SessionID string
	Kind      Kind
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("docstore: %s %s for session %s: %v", e.Op, e.Kind, e.SessionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op, sessionID string, kind Kind, err error) error {
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, SessionID: sessionID, Kind: kind, Err: err}
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// checkSessionID rejects IDs that cannot name a single directory entry.
func checkSessionID(sessionID string) error {
	switch {
	case sessionID == "":
		return fmt.Errorf("%w: empty session id", ErrInvalidDocument)
	case sessionID == "." || strings.Contains(sessionID, ".."),
		strings.ContainsAny(sessionID, `/\`+"\x00"):
		return fmt.Errorf("%w: malformed session id %q", ErrInvalidDocument, sessionID)
	}
	return nil
}

func validateWrite(sessionID string, kind Kind, doc *Document) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	if !kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, kind)
	}
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidDocument)
	}
	if kind == KindPlan && doc.Plan == nil {
		return fmt.Errorf("%w: plan document without plan", ErrInvalidDocument)
	}
	return nil
}

func validateAppend(sessionID string, kind Kind, entry Entry) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	if kind == KindPlan {
		return fmt.Errorf("%w: plan document is replace-only", ErrInvalidDocument)
	}
	if entry.kind() != kind {
		return fmt.Errorf("%w: entry does not belong to %s", ErrInvalidDocument, kind)
	}
	return nil
}

// sessionLocks hands out one mutex per session so writes of a session are ordered
// while distinct sessions never wait on each other.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *sessionLocks) lock(sessionID string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	m, ok := s.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[sessionID] = m
	}
	s.mu.Unlock()
	m.Lock()
	return m.Unlock
}
