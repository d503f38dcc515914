// Package report turns the findings of a session into the final report.
package report

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/prompts"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// Synthesizer builds a report from a resolved or aborted plan and its findings.
type Synthesizer interface {
	Synthesize(ctx context.Context, p *plan.TaskPlan, findings []plan.Finding) (string, error)
}

// Stats counts phase outcomes for the execution summary.
type Stats struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Pending   int
}

func Count(p *plan.TaskPlan) Stats {
	var s Stats
	for _, ph := range p.Phases {
		s.Total++
		switch ph.Status {
		case plan.PhaseComplete:
			s.Succeeded++
		case plan.PhaseFailed:
			s.Failed++
		case plan.PhaseSkipped:
			s.Skipped++
		default:
			s.Pending++
		}
	}
	return s
}

// Markdown renders findings deterministically without a model.
type Markdown struct{}

func (Markdown) Synthesize(ctx context.Context, p *plan.TaskPlan, findings []plan.Finding) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s: %s\n\n", Title(p.TaskType), p.Target)
	if p.TradeDate != "" {
		fmt.Fprintf(&b, "> Trade date: %s", p.TradeDate)
		if p.LookBackDays > 0 {
			fmt.Fprintf(&b, " (look-back %d days)", p.LookBackDays)
		}
		b.WriteString("\n\n")
	}

	st := Count(p)
	b.WriteString("## Execution Summary\n\n")
	fmt.Fprintf(&b, "- Phases: %d (succeeded %d, skipped %d, failed %d, pending %d)\n", st.Total, st.Succeeded, st.Skipped, st.Failed, st.Pending)
	fmt.Fprintf(&b, "- Replans: %d\n", p.Replans)
	if p.Aborted {
		fmt.Fprintf(&b, "- Aborted: %s\n", p.AbortReason)
	}
	b.WriteString("\n")

	latest := LatestSuccessful(findings)
	b.WriteString("## Findings\n")
	for _, ph := range p.Phases {
		f, ok := latest[ph.ID]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "\n### %s\n", ph.Name)
		if f.Confidence != "" {
			fmt.Fprintf(&b, "_Confidence: %s_\n\n", f.Confidence)
		}
		b.WriteString(strings.TrimSpace(f.Payload.Narrative))
		b.WriteString("\n")
	}
	if len(latest) == 0 {
		b.WriteString("\nNo phase produced a finding.\n")
	}

	if gaps := Gaps(p); len(gaps) > 0 {
		b.WriteString("\n## Gaps\n\n")
		for _, g := range gaps {
			fmt.Fprintf(&b, "- %s\n", g)
		}
	}
	return b.String(), nil
}

// Title renders a task type as a heading, e.g. "Stock analysis".
func Title(t plan.TaskType) string {
	title := strings.ReplaceAll(string(t), "_", " ")
	if title == "" {
		return "Report"
	}
	return strings.ToUpper(title[:1]) + title[1:]
}

// LatestSuccessful maps phase ids to their latest successful finding.
func LatestSuccessful(findings []plan.Finding) map[string]plan.Finding {
	out := make(map[string]plan.Finding)
	for _, f := range findings {
		if f.Outcome == plan.OutcomeSucceeded {
			out[f.PhaseID] = f
		}
	}
	return out
}

// Gaps describes every phase that did not contribute a finding.
func Gaps(p *plan.TaskPlan) []string {
	var gaps []string
	for _, ph := range p.Phases {
		switch {
		case ph.Status == plan.PhaseSkipped && len(ph.ReplacedBy) > 0:
			gaps = append(gaps, fmt.Sprintf("%s was replaced by %s%s", ph.Name, strings.Join(ph.ReplacedBy, ", "), errorSuffix(ph.LastError)))
		case ph.Status == plan.PhaseSkipped:
			gaps = append(gaps, fmt.Sprintf("%s was skipped%s", ph.Name, errorSuffix(ph.LastError)))
		case ph.Status != plan.PhaseComplete:
			gaps = append(gaps, fmt.Sprintf("%s did not finish (%s)%s", ph.Name, ph.Status, errorSuffix(ph.LastError)))
		}
	}
	return gaps
}

func errorSuffix(e *plan.PhaseError) string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf(": %s", e.Error())
}

// LLM asks a model to write the report and falls back to Markdown when the
// model is unavailable.
type LLM struct {
	Model    llms.Model
	Prompts  *prompts.Manager
	Logger   *observability.Logger
	Fallback Synthesizer
}

func (s *LLM) Synthesize(ctx context.Context, p *plan.TaskPlan, findings []plan.Finding) (string, error) {
	fallback := s.Fallback
	if fallback == nil {
		fallback = Markdown{}
	}
	digest, err := fallback.Synthesize(ctx, p, findings)
	if err != nil {
		return "", err
	}
	if s.Model == nil || len(LatestSuccessful(findings)) == 0 {
		return digest, nil
	}

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(s.Prompts.SynthesisPrompt())},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(digest)},
		},
	}
	resp, err := s.Model.GenerateContent(ctx, messages, llms.WithTemperature(0.3))
	if err != nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		log.Printf("report synthesis fell back to markdown for %s: %v", p.TaskID, err)
		return digest, nil
	}
	content := resp.Choices[0].Content
	s.Logger.LogLLM(p.TaskID, "", messages, content)

	// Keep the deterministic execution summary and gaps next to the model's prose.
	return strings.TrimSpace(content) + "\n\n---\n\n" + appendix(digest), nil
}

func appendix(digest string) string {
	var keep []string
	for _, section := range strings.Split(digest, "\n## ") {
		if strings.HasPrefix(section, "Execution Summary") || strings.HasPrefix(section, "Gaps") {
			keep = append(keep, "## "+section)
		}
	}
	return strings.TrimSpace(strings.Join(keep, "\n"))
}
