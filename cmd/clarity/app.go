package main

import (
	"fmt"
	"log"

	"github.com/rahul/clarity/internal/docstore"
	"github.com/rahul/clarity/internal/engine"
	"github.com/rahul/clarity/internal/executor"
	"github.com/rahul/clarity/internal/intent"
	"github.com/rahul/clarity/internal/notify"
	"github.com/rahul/clarity/internal/observability"
	"github.com/rahul/clarity/internal/orchestrator"
	"github.com/rahul/clarity/internal/policy"
	"github.com/rahul/clarity/internal/prompts"
	"github.com/rahul/clarity/internal/report"
	"github.com/rahul/clarity/internal/worker"
	"github.com/rahul/clarity/pkg/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// app holds everything a command needs; close releases it.
type app struct {
	cfg          *config.Config
	store        docstore.Store
	orchestrator *orchestrator.Orchestrator
	tracker      *observability.Tracker
	logger       *observability.Logger
	cleanup      []func()
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, tracker: observability.NewTracker(), logger: observability.NewLogger()}

	store, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.cleanup = append(a.cleanup, func() {
		if err := store.Close(); err != nil {
			log.Printf("Error closing store: %v", err)
		}
	})

	llm, err := newModel(cfg)
	if err != nil {
		a.close()
		return nil, err
	}
	if llm == nil {
		log.Printf("Warning: no enabled provider; analyst phases will fail as unsupported and reports fall back to markdown")
	}

	pm := prompts.NewManager(cfg.App.Prompts, worker.Capabilities...)
	registry, release := worker.NewDefaultRegistry(worker.Options{
		Model:         llm,
		Prompts:       pm,
		Logger:        a.logger,
		SearchResults: cfg.Workers.SearchResults,
		Browser:       cfg.Workers.Browser,
	})
	a.cleanup = append(a.cleanup, release)

	eng := engine.New(store,
		engine.WithMaxAttempts(cfg.Engine.MaxAttempts),
		engine.WithLogger(a.logger),
	)
	exec := executor.New(registry,
		executor.WithTimeout(cfg.Engine.PhaseTimeout.Duration),
		executor.WithUnknownCeiling(cfg.Engine.UnknownCeiling),
		executor.WithLogger(a.logger),
	)

	pol := policy.NewDefaultPolicyEngine()
	pol.MaxReplans = cfg.Engine.MaxReplans
	if cfg.Engine.MaxBackoff.Duration > 0 {
		pol.MaxBackoff = cfg.Engine.MaxBackoff.Duration
	}
	for _, code := range cfg.Engine.PermanentCodes {
		pol.TreatAsPermanent(code)
	}

	synth := &report.LLM{Model: llm, Prompts: pm, Logger: a.logger}
	interpreter := &intent.LLM{
		Model:    llm,
		Prompts:  pm,
		Logger:   a.logger,
		Fallback: intent.Keywords{DefaultMarket: cfg.Scheduler.DashboardTarget},
	}

	opts := []orchestrator.Option{
		orchestrator.WithMirror(docstore.NewMirror(cfg.App.Workspace)),
		orchestrator.WithInterpreter(interpreter),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithTracker(a.tracker),
		orchestrator.WithFlushEvery(cfg.Engine.FlushEvery),
		orchestrator.WithLookBackDays(cfg.App.LookBackDays),
	}
	if n := newNotifier(cfg); n != nil {
		log.Printf("Notifications enabled: %s", n.Name())
		opts = append(opts, orchestrator.WithNotifier(n))
	}
	a.orchestrator = orchestrator.New(eng, exec, pol, synth, opts...)
	return a, nil
}

func openStore(cfg config.StoreConfig) (docstore.Store, error) {
	switch cfg.Type {
	case "memory":
		return docstore.NewMemoryStore(), nil
	case "file":
		return docstore.NewFileStore(cfg.Path)
	case "sqlite":
		return docstore.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// newModel builds the default enabled provider. A nil model without error
// means no provider is configured.
func newModel(cfg *config.Config) (llms.Model, error) {
	pName, pCfg := cfg.GetDefaultProvider()
	if pName == "" {
		return nil, nil
	}

	switch pName {
	case "openai", "openrouter":
		opts := []openai.Option{
			openai.WithToken(pCfg.APIKey),
			openai.WithModel(pCfg.Model),
		}
		if pCfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(pCfg.BaseURL))
		}
		llm, err := openai.New(opts...)
		if err != nil {
			return nil, err
		}
		return llm, nil
	default:
		return nil, fmt.Errorf("provider %s not yet implemented", pName)
	}
}

func newNotifier(cfg *config.Config) notify.Notifier {
	var channels notify.Multi
	if g, ok := cfg.GetGateway("telegram"); ok {
		tg, err := notify.NewTelegram(g.Token, g.ChatID)
		if err != nil {
			log.Printf("Warning: Failed to initialize telegram: %v", err)
		} else {
			channels = append(channels, tg)
		}
	}
	if g, ok := cfg.GetGateway("discord"); ok {
		d, err := notify.NewDiscord(g.WebhookURL)
		if err != nil {
			log.Printf("Warning: Failed to initialize discord: %v", err)
		} else {
			channels = append(channels, d)
		}
	}
	if len(channels) == 0 {
		return nil
	}
	return channels
}
