package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/prompts"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/schema"
)

// Analyst is an LLM-backed worker: it gathers evidence from its sources and
// asks the model to analyze it together with the findings of earlier phases.
type Analyst struct {
	Capability string
	Summary    string
	Model      llms.Model
	Prompts    *prompts.Manager
	Sources    []Source
	// Query renders the source query for a request.
	Query  func(req Request) string
	Logger *observability.Logger
}

func (a *Analyst) Name() string        { return a.Capability }
func (a *Analyst) Description() string { return a.Summary }

func (a *Analyst) Execute(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.Target) == "" {
		return Result{}, Errorf(CodeInvalidInput, "%s: empty target", a.Capability)
	}
	if a.Model == nil {
		return Result{}, Errorf(CodeUnsupported, "%s: no language model configured", a.Capability)
	}

	ev, err := a.gather(ctx, req)
	if err != nil {
		return Result{}, err
	}

	systemPrompt, err := a.Prompts.WorkerPrompt(a.Capability)
	if err != nil {
		log.Printf("Warning: Failed to load %s prompt: %v", a.Capability, err)
	}

	var messages []llms.MessageContent
	if systemPrompt != "" {
		messages = append(messages, llms.MessageContent{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(systemPrompt)},
		})
	}
	messages = append(messages, llms.MessageContent{
		Role:  schema.ChatMessageTypeHuman,
		Parts: []llms.ContentPart{llms.TextPart(buildBrief(req, ev))},
	})

	resp, err := a.Model.GenerateContent(ctx, messages, llms.WithTemperature(0.2))
	if err != nil {
		return Result{}, modelError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return Result{}, Errorf(CodeNoData, "%s: model returned no content", a.Capability)
	}
	content := resp.Choices[0].Content
	a.Logger.LogLLM(req.TaskID, req.PhaseID, messages, content)

	narrative, confidence := splitConfidence(content)
	return Result{
		Payload: plan.Payload{
			Narrative: narrative,
			Data: map[string]any{
				"sources":  len(ev),
				"evidence": evidenceNames(ev),
			},
		},
		Confidence: confidence,
	}, nil
}

type evidence struct {
	source string
	text   string
}

// gather fetches from every source. A rate-limited source fails the attempt;
// other source errors only matter when nothing was gathered at all.
func (a *Analyst) gather(ctx context.Context, req Request) ([]evidence, error) {
	if len(a.Sources) == 0 {
		return nil, nil
	}
	query := req.Target
	if a.Query != nil {
		query = a.Query(req)
	}

	var out []evidence
	var lastErr error
	for _, s := range a.Sources {
		text, err := s.Fetch(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if we, ok := AsError(err); ok && we.Code == CodeRateLimited {
				return nil, we
			}
			log.Printf("[%s] source %s failed: %v", a.Capability, s.Name(), err)
			lastErr = err
			continue
		}
		out = append(out, evidence{source: s.Name(), text: text})
	}
	if len(out) == 0 {
		if we, ok := AsError(lastErr); ok && we.Code != CodeNoData {
			return nil, we
		}
		return nil, Wrap(CodeNoData, fmt.Sprintf("%s: no evidence for %s", a.Capability, req.Target), lastErr)
	}
	return out, nil
}

func buildBrief(req Request, ev []evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\nTarget: %s\nPhase: %s (attempt %d)\n", req.TaskType, req.Target, req.Phase, req.Attempt)
	if req.TradeDate != "" {
		fmt.Fprintf(&b, "Trade date: %s\n", req.TradeDate)
	}
	if req.LookBackDays > 0 {
		fmt.Fprintf(&b, "Look-back window: %d days\n", req.LookBackDays)
	}
	if len(req.Context) > 0 {
		b.WriteString("\n## Findings from earlier phases\n")
		for _, f := range req.Context {
			fmt.Fprintf(&b, "\n### %s\n%s\n", f.Phase, f.Payload.Narrative)
		}
	}
	if len(ev) > 0 {
		b.WriteString("\n## Evidence\n")
		for _, e := range ev {
			fmt.Fprintf(&b, "\n### Source: %s\n%s\n", e.source, e.text)
		}
	}
	return b.String()
}

var confidenceLine = regexp.MustCompile(`(?im)^\s*\**confidence\**\s*:\s*\**\s*(high|medium|low)\b.*$`)

// splitConfidence removes the trailing confidence line from a model answer.
func splitConfidence(content string) (string, string) {
	loc := confidenceLine.FindStringSubmatchIndex(content)
	if loc == nil {
		return strings.TrimSpace(content), ""
	}
	level := strings.ToLower(content[loc[2]:loc[3]])
	narrative := content[:loc[0]] + content[loc[1]:]
	return strings.TrimSpace(narrative), level
}

func evidenceNames(ev []evidence) []string {
	names := make([]string, 0, len(ev))
	for _, e := range ev {
		names = append(names, e.source)
	}
	return names
}

// modelError keeps cancellation intact and marks every other model failure as
// an unavailable upstream.
func modelError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(CodeTimeout, "model call timed out", err)
	}
	if we, ok := AsError(err); ok {
		return we
	}
	return Wrap(CodeUnavailable, "model call failed", err)
}
