package worker

import (
	"fmt"
	"log"

	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/plan"
	"github.com/rahul/clarity/internal/prompts"
	"github.com/tmc/langchaingo/llms"
)

// Capabilities lists every worker capability phase templates refer to.
var Capabilities = []string{
	plan.WorkerTechnical,
	plan.WorkerFundamentals,
	plan.WorkerNews,
	plan.WorkerSentiment,
	plan.WorkerHoldings,
	plan.WorkerScreening,
	plan.WorkerFilings,
	plan.WorkerResearch,
}

const edgarSearchURL = "https://efts.sec.gov/LATEST/search-index?q=%s&forms=10-K,10-Q,13F-HR"

// Options configures the default worker set.
type Options struct {
	Model   llms.Model
	Prompts *prompts.Manager
	Logger  *observability.Logger
	// SearchResults caps DuckDuckGo results per query.
	SearchResults int
	// Browser enables headless Chrome rendering for filing pages.
	Browser bool
}

type capabilitySpec struct {
	summary string
	query   string
	news    bool
	filings bool
	// contextOnly workers analyze earlier findings without fetching anything.
	contextOnly bool
}

var capabilitySpecs = map[string]capabilitySpec{
	plan.WorkerTechnical:    {summary: "Price trend, momentum and support/resistance analysis.", query: "%s stock price trend moving average support resistance"},
	plan.WorkerFundamentals: {summary: "Earnings, margins, balance sheet and valuation.", query: "%s earnings revenue margins valuation"},
	plan.WorkerNews:         {summary: "Recent news flow and catalysts.", query: "%s stock news", news: true},
	plan.WorkerSentiment:    {summary: "Market sentiment derived from the news findings.", contextOnly: true},
	plan.WorkerHoldings:     {summary: "Institutional investor portfolio holdings and changes.", query: "%s 13F portfolio holdings changes"},
	plan.WorkerScreening:    {summary: "Candidate screening against the given criteria.", query: "stocks %s screener"},
	plan.WorkerFilings:      {summary: "Regulatory filings lookup.", query: "%s SEC filing 10-K 10-Q", filings: true},
	plan.WorkerResearch:     {summary: "General web research fallback.", query: "%s analysis", news: true},
}

// NewDefaultRegistry builds one Analyst per capability. The returned func
// releases shared resources such as the headless browser.
func NewDefaultRegistry(opts Options) (*Registry, func()) {
	if opts.SearchResults <= 0 {
		opts.SearchResults = 8
	}

	var search Source
	if s, err := NewSearchSource(opts.SearchResults); err != nil {
		log.Printf("Warning: Failed to initialize search source: %v", err)
	} else {
		search = s
	}
	article := NewArticleSource()

	var rendered *RenderedSource
	if opts.Browser {
		rendered = NewRenderedSource()
	}

	registry := NewRegistry()
	for _, name := range Capabilities {
		spec := capabilitySpecs[name]
		a := &Analyst{
			Capability: name,
			Summary:    spec.summary,
			Model:      opts.Model,
			Prompts:    opts.Prompts,
			Logger:     opts.Logger,
		}
		if !spec.contextOnly {
			a.Query = queryTemplate(spec.query)
			a.Sources = sourcesFor(spec, search, article, rendered)
		}
		registry.Register(a)
	}

	return registry, func() {
		if rendered != nil {
			rendered.Close()
		}
	}
}

func sourcesFor(spec capabilitySpec, search, article Source, rendered *RenderedSource) []Source {
	if search == nil {
		return nil
	}
	sources := []Source{search}
	if spec.news {
		sources = []Source{&NewsSource{Search: search, Article: article}}
	}
	if spec.filings && rendered != nil {
		sources = append(sources, &URLSource{Template: edgarSearchURL, Fetcher: rendered})
	}
	return sources
}

func queryTemplate(tmpl string) func(Request) string {
	return func(req Request) string {
		q := fmt.Sprintf(tmpl, req.Target)
		if req.TradeDate != "" {
			q += " " + req.TradeDate
		}
		return q
	}
}
