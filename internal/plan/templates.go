package plan

import "fmt"

// Worker capability names.
const (
	WorkerTechnical    = "technical"
	WorkerFundamentals = "fundamentals"
	WorkerNews         = "news"
	WorkerSentiment    = "sentiment"
	WorkerHoldings     = "holdings"
	WorkerScreening    = "screening"
	WorkerFilings      = "filings"
	WorkerResearch     = "research"
)

// PhaseTemplate describes a phase before it is numbered into a plan.
type PhaseTemplate struct {
	Name      string
	Worker    string
	Critical  bool
	DependsOn []string
}

var templates = map[TaskType][]PhaseTemplate{
	TaskStockAnalysis: {
		{Name: "technical", Worker: WorkerTechnical, Critical: true},
		{Name: "fundamentals", Worker: WorkerFundamentals, Critical: true},
		{Name: "news", Worker: WorkerNews},
		{Name: "sentiment", Worker: WorkerSentiment, DependsOn: []string{"news"}},
	},
	TaskHoldingsTracking: {
		{Name: "holdings", Worker: WorkerHoldings, Critical: true},
		{Name: "fundamentals", Worker: WorkerFundamentals, DependsOn: []string{"holdings"}},
		{Name: "news", Worker: WorkerNews, DependsOn: []string{"holdings"}},
	},
	TaskStockScreening: {
		{Name: "screening", Worker: WorkerScreening, Critical: true},
		{Name: "fundamentals", Worker: WorkerFundamentals, DependsOn: []string{"screening"}},
		{Name: "technical", Worker: WorkerTechnical, DependsOn: []string{"screening"}},
	},
	TaskDashboardScan: {
		{Name: "market_scan", Worker: WorkerScreening, Critical: true},
		{Name: "technical", Worker: WorkerTechnical, DependsOn: []string{"market_scan"}},
		{Name: "news", Worker: WorkerNews},
	},
}

// Template returns the ordered phase template of a task type.
func Template(t TaskType) ([]PhaseTemplate, error) {
	tpl, ok := templates[t]
	if !ok {
		return nil, fmt.Errorf("no phase template for task type %q", t)
	}
	out := make([]PhaseTemplate, len(tpl))
	copy(out, tpl)
	return out, nil
}

// TaskTypes lists every task type with a template.
func TaskTypes() []TaskType {
	return []TaskType{TaskStockScreening, TaskHoldingsTracking, TaskStockAnalysis, TaskDashboardScan}
}

type replanKey struct {
	worker string
	kind   FailureKind
}

// Replacement phases are inserted after a critical phase that cannot succeed.
// Lookup order: (worker, kind), (worker, any kind), then the research fallback.
var replanTemplates = map[replanKey][]PhaseTemplate{
	{WorkerFundamentals, FailureDataUnavailable}: {
		{Name: "filings_lookup", Worker: WorkerFilings},
	},
	{WorkerFundamentals, ""}: {
		{Name: "filings_lookup", Worker: WorkerFilings},
		{Name: "fundamentals_research", Worker: WorkerResearch},
	},
	{WorkerTechnical, ""}: {
		{Name: "price_research", Worker: WorkerResearch},
	},
	{WorkerHoldings, ""}: {
		{Name: "filings_13f", Worker: WorkerFilings},
	},
	{WorkerScreening, ""}: {
		{Name: "screen_research", Worker: WorkerResearch},
	},
}

var researchFallback = []PhaseTemplate{{Name: "research_fallback", Worker: WorkerResearch}}

// ReplanTemplate returns the replacement phases for a failed phase.
// Replacements inherit the failed phase's criticality and dependencies.
func ReplanTemplate(failed Phase, kind FailureKind) []PhaseTemplate {
	tpl, ok := replanTemplates[replanKey{failed.Worker, kind}]
	if !ok {
		tpl, ok = replanTemplates[replanKey{failed.Worker, ""}]
	}
	if !ok || alreadyTried(failed, tpl) {
		tpl = researchFallback
	}
	out := make([]PhaseTemplate, len(tpl))
	for i, t := range tpl {
		t.Critical = failed.Critical
		t.DependsOn = cloneStrings(failed.DependsOn)
		out[i] = t
	}
	return out
}

// alreadyTried avoids replacing a replacement with an identical phase.
func alreadyTried(failed Phase, tpl []PhaseTemplate) bool {
	for _, t := range tpl {
		if t.Worker == failed.Worker {
			return true
		}
	}
	return false
}

// NewPhase numbers a template into a concrete phase.
func NewPhase(seq int, t PhaseTemplate, maxAttempts int) Phase {
	return Phase{
		ID:          fmt.Sprintf("%02d-%s", seq, t.Name),
		Name:        t.Name,
		Worker:      t.Worker,
		Status:      PhasePending,
		Critical:    t.Critical,
		MaxAttempts: maxAttempts,
		DependsOn:   cloneStrings(t.DependsOn),
	}
}
