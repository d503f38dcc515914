package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
	"github.com/rahul/clarity/internal/plan"
)

// SQLiteStore keeps all sessions in one SQLite database.
type SQLiteStore struct {
	DB    *sql.DB
	locks sessionLocks
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection keeps busy errors out of the session loop.
	db.SetMaxOpenConns(1)

	// Create tables if not exist
	queries := []string{
		`CREATE TABLE IF NOT EXISTS plans (
			session_id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS findings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			phase_id TEXT,
			body TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS progress (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			event TEXT,
			body TEXT NOT NULL,
			timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_findings_session ON findings(session_id, id);`,
		`CREATE INDEX IF NOT EXISTS idx_progress_session ON progress(session_id, id);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Read(ctx context.Context, sessionID string, kind Kind) (*Document, error) {
	doc := &Document{Kind: kind}
	switch kind {
	case KindPlan:
		var body string
		err := s.DB.QueryRowContext(ctx, `SELECT body FROM plans WHERE session_id = ?`, sessionID).Scan(&body)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storeErr("read", sessionID, kind, ErrNotFound)
		}
		if err != nil {
			return nil, storeErr("read", sessionID, kind, err)
		}
		var p plan.TaskPlan
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, storeErr("read", sessionID, kind, fmt.Errorf("parse plan: %w", err))
		}
		doc.Plan = &p
	case KindFindings, KindProgress:
		rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT body FROM %s WHERE session_id = ? ORDER BY id`, kind), sessionID)
		if err != nil {
			return nil, storeErr("read", sessionID, kind, err)
		}
		defer rows.Close()
		for rows.Next() {
			var body string
			if err := rows.Scan(&body); err != nil {
				return nil, storeErr("read", sessionID, kind, err)
			}
			if err := decodeInto(doc, []byte(body)); err != nil {
				return nil, storeErr("read", sessionID, kind, err)
			}
		}
		if err := rows.Err(); err != nil {
			return nil, storeErr("read", sessionID, kind, err)
		}
	default:
		return nil, storeErr("read", sessionID, kind, ErrInvalidDocument)
	}
	return doc, nil
}

func (s *SQLiteStore) Write(ctx context.Context, sessionID string, kind Kind, doc *Document) error {
	if err := validateWrite(sessionID, kind, doc); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()

	if kind == KindPlan {
		body, err := json.Marshal(doc.Plan)
		if err != nil {
			return storeErr("write", sessionID, kind, err)
		}
		query := `INSERT INTO plans (session_id, body, updated_at) VALUES (?, ?, datetime('now'))
			ON CONFLICT(session_id) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`
		if _, err := s.DB.ExecContext(ctx, query, sessionID, string(body)); err != nil {
			return storeErr("write", sessionID, kind, err)
		}
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE session_id = ?`, kind), sessionID); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	if kind == KindFindings {
		for _, fd := range doc.Findings {
			if err := insertEntry(ctx, tx, sessionID, FindingEntry(fd)); err != nil {
				return storeErr("write", sessionID, kind, err)
			}
		}
	} else {
		for _, e := range doc.Progress {
			if err := insertEntry(ctx, tx, sessionID, ProgressEntry(e)); err != nil {
				return storeErr("write", sessionID, kind, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, sessionID string, kind Kind, entry Entry) error {
	if err := validateAppend(sessionID, kind, entry); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	unlock := s.locks.lock(sessionID)
	defer unlock()
	if err := insertEntry(ctx, s.DB, sessionID, entry); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	return nil
}

func (s *SQLiteStore) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT session_id FROM plans ORDER BY session_id`)
	if err != nil {
		return nil, storeErr("list", "*", KindPlan, err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("list", "*", KindPlan, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, sessionID string, entry Entry) error {
	if entry.Finding != nil {
		body, err := json.Marshal(entry.Finding)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, `INSERT INTO findings (session_id, phase_id, body) VALUES (?, ?, ?)`,
			sessionID, entry.Finding.PhaseID, string(body))
		return err
	}
	body, err := json.Marshal(entry.Progress)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `INSERT INTO progress (session_id, event, body) VALUES (?, ?, ?)`,
		sessionID, string(entry.Progress.Event), string(body))
	return err
}

func decodeInto(doc *Document, body []byte) error {
	if doc.Kind == KindFindings {
		var fd plan.Finding
		if err := json.Unmarshal(body, &fd); err != nil {
			return err
		}
		doc.Findings = append(doc.Findings, fd)
		return nil
	}
	var e plan.ProgressEntry
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	doc.Progress = append(doc.Progress, e)
	return nil
}
