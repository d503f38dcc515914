package docstore

import (
	"context"
	"sort"
	"sync"

	"github.com/rahul/clarity/internal/plan"
)

type memorySession struct {
	plan     *plan.TaskPlan
	findings []plan.Finding
	progress []plan.ProgressEntry
}

// MemoryStore keeps documents in process memory. Used by tests and dry runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	closed   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (m *MemoryStore) Read(ctx context.Context, sessionID string, kind Kind) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, storeErr("read", sessionID, kind, ErrClosed)
	}
	s := m.sessions[sessionID]
	doc := &Document{Kind: kind}
	switch kind {
	case KindPlan:
		if s == nil || s.plan == nil {
			return nil, storeErr("read", sessionID, kind, ErrNotFound)
		}
		doc.Plan = s.plan.Clone()
	case KindFindings:
		if s != nil {
			doc.Findings = append([]plan.Finding(nil), s.findings...)
		}
	case KindProgress:
		if s != nil {
			doc.Progress = append([]plan.ProgressEntry(nil), s.progress...)
		}
	default:
		return nil, storeErr("read", sessionID, kind, ErrInvalidDocument)
	}
	return doc, nil
}

func (m *MemoryStore) Write(ctx context.Context, sessionID string, kind Kind, doc *Document) error {
	if err := validateWrite(sessionID, kind, doc); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr("write", sessionID, kind, ErrClosed)
	}
	s := m.session(sessionID)
	switch kind {
	case KindPlan:
		s.plan = doc.Plan.Clone()
	case KindFindings:
		s.findings = append([]plan.Finding(nil), doc.Findings...)
	case KindProgress:
		s.progress = append([]plan.ProgressEntry(nil), doc.Progress...)
	}
	return nil
}

func (m *MemoryStore) Append(ctx context.Context, sessionID string, kind Kind, entry Entry) error {
	if err := validateAppend(sessionID, kind, entry); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return storeErr("append", sessionID, kind, ErrClosed)
	}
	s := m.session(sessionID)
	if entry.Finding != nil {
		s.findings = append(s.findings, *entry.Finding)
	} else {
		s.progress = append(s.progress, *entry.Progress)
	}
	return nil
}

func (m *MemoryStore) Sessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, s := range m.sessions {
		if s.plan != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) session(id string) *memorySession {
	s, ok := m.sessions[id]
	if !ok {
		s = &memorySession{}
		m.sessions[id] = s
	}
	return s
}
