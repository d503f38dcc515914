package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/rahul/clarity/internal/plan"
	"github.com/tmc/langchaingo/llms"
)

func TestKeywords_Interpret(t *testing.T) {
	tests := []struct {
		query  string
		task   plan.TaskType
		target string
	}{
		{"Analyze NVDA for me", plan.TaskStockAnalysis, "NVDA"},
		{"what do you think of $TSLA?", plan.TaskStockAnalysis, "TSLA"},
		{"is 600519 a buy", plan.TaskStockAnalysis, "600519"},
		{"Track Warren Buffett", plan.TaskHoldingsTracking, "Warren Buffett"},
		{"show the 13F holdings of Berkshire Hathaway", plan.TaskHoldingsTracking, "Berkshire Hathaway"},
		{"screen for dividend payers under 15x earnings", plan.TaskStockScreening, "dividend payers under 15x earnings"},
		{"find me stocks with rising margins.", plan.TaskStockScreening, "stocks with rising margins"},
		{"run the daily dashboard", plan.TaskDashboardScan, "US"},
		{"market scan HK", plan.TaskDashboardScan, "HK"},
	}
	for _, tc := range tests {
		t.Run(tc.query, func(t *testing.T) {
			in, err := Keywords{}.Interpret(context.Background(), tc.query)
			if err != nil {
				t.Fatalf("Interpret: %v", err)
			}
			if in.TaskType != tc.task || in.Target != tc.target {
				t.Errorf("got %s %q, want %s %q", in.TaskType, in.Target, tc.task, tc.target)
			}
		})
	}
}

func TestKeywords_NoTarget(t *testing.T) {
	for _, q := range []string{"", "how is the market doing", "track"} {
		if _, err := (Keywords{}).Interpret(context.Background(), q); !errors.Is(err, ErrNoTarget) {
			t.Errorf("%q: expected ErrNoTarget, got %v", q, err)
		}
	}
}

func TestParseReply(t *testing.T) {
	in, err := ParseReply("Sure.\n**TASK:** holdings_tracking\nTARGET: `Cathie Wood`\n")
	if err != nil {
		t.Fatal(err)
	}
	if in.TaskType != plan.TaskHoldingsTracking || in.Target != "Cathie Wood" {
		t.Errorf("got %+v", in)
	}

	if _, err := ParseReply("TASK: astrology\nTARGET: NVDA"); err == nil {
		t.Error("unknown task type should fail")
	}
	if _, err := ParseReply("TASK: stock_analysis"); !errors.Is(err, ErrNoTarget) {
		t.Errorf("missing target: %v", err)
	}
}

type stubModel struct {
	reply string
	err   error
}

func (m stubModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: m.reply}}}, nil
}

func (m stubModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return m.reply, m.err
}

func TestLLM_Interpret(t *testing.T) {
	ctx := context.Background()

	i := &LLM{Model: stubModel{reply: "TASK: stock_screening\nTARGET: low debt small caps"}}
	in, err := i.Interpret(ctx, "small caps with little debt please")
	if err != nil || in.TaskType != plan.TaskStockScreening || in.Target != "low debt small caps" {
		t.Errorf("model reply: %+v %v", in, err)
	}

	i = &LLM{Model: stubModel{err: errors.New("429")}}
	in, err = i.Interpret(ctx, "Analyze AAPL")
	if err != nil || in.TaskType != plan.TaskStockAnalysis || in.Target != "AAPL" {
		t.Errorf("fallback on model error: %+v %v", in, err)
	}

	i = &LLM{Model: stubModel{reply: "I cannot help with that."}}
	in, err = i.Interpret(ctx, "Analyze AAPL")
	if err != nil || in.Target != "AAPL" {
		t.Errorf("fallback on bad reply: %+v %v", in, err)
	}
}
