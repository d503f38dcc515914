package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/rahul/clarity/internal/plan"
)

var fileNames = map[Kind]string{
	KindPlan:     "plan.json",
	KindFindings: "findings.jsonl",
	KindProgress: "progress.jsonl",
}

// FileStore keeps each session in its own directory under Root:
// plan.json is replaced atomically, findings and progress are JSON lines
// appended and synced on every write.
type FileStore struct {
	Root  string
	locks sessionLocks
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{Root: root}, nil
}

func (f *FileStore) path(sessionID string, kind Kind) string {
	return filepath.Join(f.Root, sessionID, fileNames[kind])
}

func (f *FileStore) Read(ctx context.Context, sessionID string, kind Kind) (*Document, error) {
	if !kind.valid() {
		return nil, storeErr("read", sessionID, kind, ErrInvalidDocument)
	}
	if err := checkSessionID(sessionID); err != nil {
		return nil, storeErr("read", sessionID, kind, err)
	}
	unlock := f.locks.lock(sessionID)
	defer unlock()

	path := f.path(sessionID, kind)
	doc := &Document{Kind: kind}
	if kind == KindPlan {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storeErr("read", sessionID, kind, ErrNotFound)
		}
		if err != nil {
			return nil, storeErr("read", sessionID, kind, err)
		}
		var p plan.TaskPlan
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, storeErr("read", sessionID, kind, fmt.Errorf("parse plan: %w", err))
		}
		doc.Plan = &p
		return doc, nil
	}

	err := readLines(path, func(line []byte) error {
		if kind == KindFindings {
			var fd plan.Finding
			if err := json.Unmarshal(line, &fd); err != nil {
				return err
			}
			doc.Findings = append(doc.Findings, fd)
			return nil
		}
		var e plan.ProgressEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		doc.Progress = append(doc.Progress, e)
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, storeErr("read", sessionID, kind, err)
	}
	return doc, nil
}

func (f *FileStore) Write(ctx context.Context, sessionID string, kind Kind, doc *Document) error {
	if err := validateWrite(sessionID, kind, doc); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	unlock := f.locks.lock(sessionID)
	defer unlock()

	var buf bytes.Buffer
	switch kind {
	case KindPlan:
		data, err := json.MarshalIndent(doc.Plan, "", "  ")
		if err != nil {
			return storeErr("write", sessionID, kind, fmt.Errorf("marshal plan: %w", err))
		}
		buf.Write(data)
		buf.WriteByte('\n')
	case KindFindings:
		for _, fd := range doc.Findings {
			if err := encodeLine(&buf, fd); err != nil {
				return storeErr("write", sessionID, kind, err)
			}
		}
	case KindProgress:
		for _, e := range doc.Progress {
			if err := encodeLine(&buf, e); err != nil {
				return storeErr("write", sessionID, kind, err)
			}
		}
	}
	if err := writeAtomic(f.path(sessionID, kind), buf.Bytes()); err != nil {
		return storeErr("write", sessionID, kind, err)
	}
	return nil
}

func (f *FileStore) Append(ctx context.Context, sessionID string, kind Kind, entry Entry) error {
	if err := validateAppend(sessionID, kind, entry); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	unlock := f.locks.lock(sessionID)
	defer unlock()

	var buf bytes.Buffer
	var v any = entry.Progress
	if entry.Finding != nil {
		v = entry.Finding
	}
	if err := encodeLine(&buf, v); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	path := f.path(sessionID, kind)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storeErr("append", sessionID, kind, fmt.Errorf("create dir: %w", err))
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return storeErr("append", sessionID, kind, fmt.Errorf("open: %w", err))
	}
	end, err := dropTornTail(file)
	if err != nil {
		file.Close()
		return storeErr("append", sessionID, kind, fmt.Errorf("repair: %w", err))
	}
	if _, err := file.WriteAt(buf.Bytes(), end); err != nil {
		file.Close()
		return storeErr("append", sessionID, kind, fmt.Errorf("append: %w", err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return storeErr("append", sessionID, kind, fmt.Errorf("sync: %w", err))
	}
	if err := file.Close(); err != nil {
		return storeErr("append", sessionID, kind, err)
	}
	return nil
}

func (f *FileStore) Sessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Root)
	if err != nil {
		return nil, storeErr("list", "*", KindPlan, err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(f.path(e.Name(), KindPlan)); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *FileStore) Close() error { return nil }

func encodeLine(buf *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
	return nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// dropTornTail truncates a final line left without its newline by an
// interrupted append and returns the offset the next record starts at.
// A final line that is complete JSON is kept and terminated instead.
func dropTornTail(file *os.File) (int64, error) {
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}
	last := make([]byte, 1)
	if _, err := file.ReadAt(last, size-1); err != nil {
		return 0, err
	}
	if last[0] == '\n' {
		return size, nil
	}
	data := make([]byte, size)
	if _, err := file.ReadAt(data, 0); err != nil {
		return 0, err
	}
	end := int64(bytes.LastIndexByte(data, '\n') + 1)
	if json.Valid(bytes.TrimSpace(data[end:])) {
		// Only the newline was lost; readLines already returns this record.
		if _, err := file.WriteAt([]byte{'\n'}, size); err != nil {
			return 0, err
		}
		return size + 1, nil
	}
	if err := file.Truncate(end); err != nil {
		return 0, err
	}
	return end, nil
}

// readLines calls fn for every complete line. A trailing line without a
// newline that fails to parse is an interrupted append and is skipped.
func readLines(path string, fn func([]byte) error) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lines := bytes.Split(data, []byte{'\n'})
	for i, raw := range lines {
		line := bytes.TrimSpace(raw)
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			if i == len(lines)-1 {
				return nil
			}
			return fmt.Errorf("parse line %d: %w", i+1, err)
		}
	}
	return nil
}
