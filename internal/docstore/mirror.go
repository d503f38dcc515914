package docstore

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rahul/clarity/internal/plan"
	"gopkg.in/yaml.v3"
)

// Planning file names written by Mirror.
const (
	PlanFile     = "task_plan.md"
	FindingsFile = "findings.md"
	ProgressFile = "progress.md"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("docstore: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed.
	ErrMalformedFrontMatter = errors.New("docstore: malformed frontmatter")
)

// FrontMatter is the metadata block at the top of every planning file.
type FrontMatter struct {
	TaskID    string `yaml:"task_id"`
	TaskType  string `yaml:"task_type"`
	Target    string `yaml:"target"`
	Document  string `yaml:"document"`
	Status    string `yaml:"status,omitempty"`
	Entries   int    `yaml:"entries,omitempty"`
	UpdatedAt string `yaml:"updated_at"`
}

// Mirror renders the human-readable planning files of a session. The typed
// Store stays authoritative; the mirror is presentation only.
type Mirror struct {
	Root string
	now  func() time.Time
}

func NewMirror(root string) *Mirror {
	return &Mirror{Root: root, now: time.Now}
}

// Files returns the paths of the planning files of a session.
func (m *Mirror) Files(taskID string) map[string]string {
	dir := filepath.Join(m.Root, taskID)
	return map[string]string{
		"task_plan": filepath.Join(dir, PlanFile),
		"findings":  filepath.Join(dir, FindingsFile),
		"progress":  filepath.Join(dir, ProgressFile),
	}
}

// SyncPlan rewrites task_plan.md and progress.md.
func (m *Mirror) SyncPlan(p *plan.TaskPlan, progress []plan.ProgressEntry) error {
	if err := m.write(p, PlanFile, string(p.OverallStatus()), 0, renderPlan(p)); err != nil {
		return err
	}
	return m.write(p, ProgressFile, "", len(progress), renderProgress(progress))
}

// FlushFindings rewrites findings.md from the complete findings list.
func (m *Mirror) FlushFindings(p *plan.TaskPlan, findings []plan.Finding) error {
	return m.write(p, FindingsFile, "", len(findings), renderFindings(findings))
}

func (m *Mirror) write(p *plan.TaskPlan, name, status string, entries int, body []byte) error {
	meta := FrontMatter{
		TaskID:    p.TaskID,
		TaskType:  string(p.TaskType),
		Target:    p.Target,
		Document:  strings.TrimSuffix(name, ".md"),
		Status:    status,
		Entries:   entries,
		UpdatedAt: m.now().UTC().Format(time.RFC3339),
	}
	content, err := WriteFrontMatter(meta, body)
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.Root, p.TaskID, name), content)
}

// WriteFrontMatter renders metadata + body with YAML fences.
func WriteFrontMatter(meta FrontMatter, body []byte) ([]byte, error) {
	if meta.TaskID == "" {
		return nil, fmt.Errorf("docstore: frontmatter missing task id")
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("docstore: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.Write(body)
	return buf.Bytes(), nil
}

// ParseFrontMatter extracts the metadata block and body of a planning file.
func ParseFrontMatter(content []byte) (FrontMatter, []byte, error) {
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return FrontMatter{}, nil, ErrMissingFrontMatter
	}
	parts := bytes.SplitN(normalized[4:], []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return FrontMatter{}, nil, ErrMalformedFrontMatter
	}
	var meta FrontMatter
	if err := yaml.Unmarshal(parts[0], &meta); err != nil {
		return FrontMatter{}, nil, fmt.Errorf("docstore: parse frontmatter: %w", err)
	}
	return meta, bytes.TrimLeft(parts[1], "\n"), nil
}

func renderPlan(p *plan.TaskPlan) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task Plan: %s\n\n", p.Target)
	fmt.Fprintf(&b, "## Goal\n%s\n\n", goal(p))
	b.WriteString("## Current Phase\n")
	switch cur := currentPhase(p); {
	case cur != nil:
		fmt.Fprintf(&b, "%s\n\n", cur.ID)
	default:
		fmt.Fprintf(&b, "none (%s)\n\n", p.OverallStatus())
	}
	fmt.Fprintf(&b, "## Task Type\n%s\n\n", p.TaskType)
	if p.TradeDate != "" {
		fmt.Fprintf(&b, "## Window\n%s (lookback: %d days)\n\n", p.TradeDate, p.LookBackDays)
	}

	b.WriteString("## Phases\n")
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "### %s\n- **Worker:** %s\n- **Status:** %s\n", ph.ID, ph.Worker, ph.Status)
		if ph.Critical {
			b.WriteString("- **Critical:** yes\n")
		}
		if len(ph.ReplacedBy) > 0 {
			fmt.Fprintf(&b, "- **Replaced by:** %s\n", strings.Join(ph.ReplacedBy, ", "))
		}
		b.WriteString("\n")
	}

	b.WriteString("## SubAgent Assignments\n| Agent | Task | Status | Retry Count |\n|-------|------|--------|-------------|\n")
	for _, ph := range p.Phases {
		fmt.Fprintf(&b, "| %s | %s | %s | %d |\n", ph.Worker, ph.Name, ph.Status, ph.Attempts)
	}

	b.WriteString("\n## Errors Encountered\n| Error | Attempt | Resolution |\n|-------|---------|------------|\n")
	for _, ph := range p.Phases {
		if ph.LastError == nil {
			continue
		}
		fmt.Fprintf(&b, "| %s | %d | %s |\n", cell(ph.LastError.Error(), 60), ph.Attempts, resolution(ph))
	}
	if p.Aborted {
		fmt.Fprintf(&b, "\n## Aborted\n%s\n", p.AbortReason)
	}
	return []byte(b.String())
}

func renderFindings(findings []plan.Finding) []byte {
	var b strings.Builder
	b.WriteString("# Findings & Decisions\n")
	sorted := append([]plan.Finding(nil), findings...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })
	for _, f := range sorted {
		fmt.Fprintf(&b, "\n### %s (%s, attempt %d)\n*Updated: %s*\n\n", f.PhaseID, f.Worker, f.Attempt, f.Timestamp.Format("2006-01-02 15:04:05"))
		if f.Outcome == plan.OutcomeFailed && f.Error != nil {
			fmt.Fprintf(&b, "- failed: %s\n", f.Error.Error())
			continue
		}
		if f.Confidence != "" {
			fmt.Fprintf(&b, "- confidence: %s\n\n", f.Confidence)
		}
		if f.Payload.Narrative != "" {
			b.WriteString(strings.TrimSpace(f.Payload.Narrative))
			b.WriteString("\n")
		}
		if len(f.Payload.Data) > 0 {
			data, err := yaml.Marshal(f.Payload.Data)
			if err == nil {
				b.WriteString("\n```yaml\n")
				b.Write(data)
				b.WriteString("```\n")
			}
		}
	}
	return []byte(b.String())
}

func renderProgress(entries []plan.ProgressEntry) []byte {
	var b strings.Builder
	b.WriteString("# Progress Log\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "\n**[%s] %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Event)
		if e.PhaseID != "" {
			fmt.Fprintf(&b, " (%s)", e.PhaseID)
		}
		b.WriteString(":**")
		if e.Detail != "" {
			fmt.Fprintf(&b, " %s", e.Detail)
		}
		b.WriteString("\n")
	}
	return []byte(b.String())
}

func goal(p *plan.TaskPlan) string {
	switch p.TaskType {
	case plan.TaskStockScreening:
		return "Screen stocks matching: " + p.Target
	case plan.TaskHoldingsTracking:
		return "Track the latest holdings of " + p.Target
	case plan.TaskStockAnalysis:
		return "Deep analysis of " + p.Target
	case plan.TaskDashboardScan:
		return "Daily dashboard scan: " + p.Target
	default:
		return p.Target
	}
}

func currentPhase(p *plan.TaskPlan) *plan.Phase {
	if cur := p.InProgress(); cur != nil {
		return cur
	}
	if cur := p.Blocked(); cur != nil {
		return cur
	}
	for i := range p.Phases {
		if p.Phases[i].Status == plan.PhasePending {
			return &p.Phases[i]
		}
	}
	return nil
}

func resolution(ph plan.Phase) string {
	switch {
	case len(ph.ReplacedBy) > 0:
		return "replanned"
	case ph.Status == plan.PhaseSkipped:
		return "skipped"
	case ph.Status == plan.PhaseComplete:
		return "recovered"
	default:
		return "retrying"
	}
}

func cell(s string, max int) string {
	s = strings.ReplaceAll(s, "|", "/")
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
