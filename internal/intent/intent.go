// Package intent turns a free-form request into a task type and target.
package intent

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

// ErrNoTarget is returned when a query names no ticker, investor or criteria.
var ErrNoTarget = errors.New("query does not name a target")

// Intent is what a session should run.
type Intent struct {
	TaskType plan.TaskType
	Target   string
}

type Interpreter interface {
	Interpret(ctx context.Context, query string) (Intent, error)
}

// Keywords interprets queries with fixed keyword rules.
type Keywords struct {
	// DefaultMarket is the dashboard target when the query names none.
	DefaultMarket string
}

var (
	tickerPattern    = regexp.MustCompile(`\$?\b([A-Z]{1,5}(?:\.[A-Z]{1,2})?)\b`)
	shareCodePattern = regexp.MustCompile(`\b\d{6}\b`)
	marketPattern    = regexp.MustCompile(`\b(US|HK|CN|EU|JP)\b`)
	investorPattern  = regexp.MustCompile(`(?i)(?:holdings of|portfolio of|13f (?:of|for)|track|tracking|follow)\s+(.+)$`)
	screenPattern    = regexp.MustCompile(`(?i)(?:screen(?:\s+for)?|find(?:\s+me)?|stocks\s+with|companies\s+with)\s+(.+)$`)
)

// Words that look like tickers in upper-case queries.
var notTickers = map[string]bool{
	"I": true, "A": true, "AN": true, "THE": true, "AND": true, "OR": true, "OF": true,
	"IS": true, "IT": true, "TO": true, "IN": true, "ON": true, "FOR": true, "ME": true,
	"US": true, "HK": true, "CN": true, "EU": true, "JP": true, "AI": true, "CEO": true,
	"ETF": true, "IPO": true, "PE": true, "EPS": true, "ROE": true, "DO": true, "MY": true,
}

func (k Keywords) Interpret(ctx context.Context, query string) (Intent, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Intent{}, ErrNoTarget
	}
	lower := strings.ToLower(q)

	switch {
	case containsAny(lower, "dashboard", "daily scan", "market scan", "scan the market"):
		market := k.DefaultMarket
		if m := marketPattern.FindString(q); m != "" {
			market = m
		}
		if market == "" {
			market = "US"
		}
		return Intent{TaskType: plan.TaskDashboardScan, Target: market}, nil

	case containsAny(lower, "holdings", "13f", "portfolio of", "track", "tracking"):
		if m := investorPattern.FindStringSubmatch(q); m != nil {
			if target := cleanTarget(m[1]); target != "" {
				return Intent{TaskType: plan.TaskHoldingsTracking, Target: target}, nil
			}
		}
		return Intent{}, fmt.Errorf("holdings query: %w", ErrNoTarget)

	case containsAny(lower, "screen", "find stocks", "find me", "stocks with", "companies with"):
		if m := screenPattern.FindStringSubmatch(q); m != nil {
			if target := cleanTarget(m[1]); target != "" {
				return Intent{TaskType: plan.TaskStockScreening, Target: target}, nil
			}
		}
		return Intent{}, fmt.Errorf("screening query: %w", ErrNoTarget)
	}

	if ticker := FindTicker(q); ticker != "" {
		return Intent{TaskType: plan.TaskStockAnalysis, Target: ticker}, nil
	}
	return Intent{}, ErrNoTarget
}

// FindTicker returns the first ticker symbol or six-digit share code in s.
func FindTicker(s string) string {
	if code := shareCodePattern.FindString(s); code != "" {
		return code
	}
	for _, m := range tickerPattern.FindAllStringSubmatch(s, -1) {
		if !notTickers[m[1]] {
			return m[1]
		}
	}
	return ""
}

func containsAny(s string, words ...string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}

func cleanTarget(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, "?.!")
	return strings.TrimSpace(s)
}

// LLM asks a model to classify the query and falls back to keyword rules
// when the model is unavailable or its reply cannot be parsed.
type LLM struct {
	Model    llms.Model
	Prompts  *prompts.Manager
	Logger   *observability.Logger
	Fallback Interpreter
}

func (i *LLM) Interpret(ctx context.Context, query string) (Intent, error) {
	fallback := i.Fallback
	if fallback == nil {
		fallback = Keywords{}
	}
	if i.Model == nil || strings.TrimSpace(query) == "" {
		return fallback.Interpret(ctx, query)
	}

	messages := []llms.MessageContent{
		{
			Role:  schema.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(i.Prompts.IntentPrompt())},
		},
		{
			Role:  schema.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(query)},
		},
	}
	resp, err := i.Model.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil || len(resp.Choices) == 0 {
		log.Printf("intent model unavailable, using keyword rules: %v", err)
		return fallback.Interpret(ctx, query)
	}
	content := resp.Choices[0].Content
	i.Logger.LogLLM("", "", messages, content)

	in, err := ParseReply(content)
	if err != nil {
		log.Printf("intent reply not understood (%v), using keyword rules", err)
		return fallback.Interpret(ctx, query)
	}
	return in, nil
}

// ParseReply reads the "TASK:" and "TARGET:" lines of a model reply.
func ParseReply(content string) (Intent, error) {
	var task, target string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.Trim(line, "*` "))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "TASK":
			task = strings.Trim(value, "*` ")
		case "TARGET":
			target = cleanTarget(strings.Trim(value, "*` "))
		}
	}
	t, err := plan.ParseTaskType(task)
	if err != nil {
		return Intent{}, err
	}
	if target == "" {
		return Intent{}, ErrNoTarget
	}
	return Intent{TaskType: t, Target: target}, nil
}
