// Package questmind wires the agent loop, action executor, thread store and
// backend into one service and exposes it over HTTP.
package questmind

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ghiac/questmind/actions"
	"github.com/ghiac/questmind/backend"
	"github.com/ghiac/questmind/config"
	"github.com/ghiac/questmind/engine"
	"github.com/ghiac/questmind/llmutils"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/metrics"
	"github.com/ghiac/questmind/multimodal"
	"github.com/ghiac/questmind/snapshot"
	"github.com/ghiac/questmind/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// proposalSweepInterval is how often expired proposals are pruned
const proposalSweepInterval = time.Minute

// QuestMind is the main entry point for the library
type QuestMind struct {
	cfg *config.Config

	engine   *engine.Engine
	registry *actions.Registry
	executor *actions.Executor
	sweeper  *actions.Sweeper
	threads  store.ThreadStore
	backend  backend.Backend

	metricsRegistry *prometheus.Registry
	imageOpts       multimodal.Options
}

// Options allows replacing collaborators built from configuration
type Options struct {
	// Backend replaces the configured action backend
	Backend backend.Backend
	// Threads replaces the configured thread store; QuestMind closes it on Close
	Threads store.ThreadStore
	// LLM replaces the OpenAI-compatible client built from config.LLM
	LLM engine.LLMClient
	// Callback receives usage events for every model and tool call
	Callback engine.Callback
}

// New creates a QuestMind instance from configuration
func New(cfg *config.Config, opts *Options) (*QuestMind, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if opts == nil {
		opts = &Options{}
	}
	log.Log.SetLevel(cfg.Log.Level)

	b := opts.Backend
	if b == nil {
		var err error
		if b, err = newBackend(cfg.Backend); err != nil {
			return nil, err
		}
	}

	threads := opts.Threads
	if threads == nil {
		var err error
		if threads, err = openThreadStore(cfg.Store); err != nil {
			return nil, err
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	registry := actions.DefaultRegistry()
	executor := actions.NewExecutor(b, actions.ExecutorOptions{
		ProposalTTL:     cfg.Engine.ProposalTTL,
		DefaultCurrency: cfg.Engine.DefaultCurrency,
		Metrics:         m,
	})

	llm := opts.LLM
	if llm == nil {
		llm = newLLMClient(cfg.LLM)
	}

	eng, err := engine.New(engine.Config{
		Model:         cfg.LLM.Model,
		ReflectModel:  cfg.LLM.ReflectModel,
		VisionModel:   cfg.LLM.VisionModel,
		Temperature:   cfg.LLM.Temperature,
		JSONMode:      cfg.LLM.JSONMode,
		LLMTimeout:    cfg.LLM.Timeout,
		MaxToolCalls:  cfg.Engine.MaxToolCalls,
		HistoryWindow: cfg.Engine.HistoryWindow,
		MaxLearnings:  cfg.Engine.MaxLearnings,
		ConfirmPolicy: engine.ConfirmPolicy(cfg.Engine.ConfirmPolicy),
	}, engine.Deps{
		LLM:       llm,
		Threads:   threads,
		Registry:  registry,
		Executor:  executor,
		Snapshots: snapshot.NewBuilder(b, cfg.Engine.SnapshotTimeout),
		Metrics:   m,
		Callback:  opts.Callback,
	})
	if err != nil {
		threads.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	sweeper := actions.NewSweeper(executor, proposalSweepInterval)
	sweeper.Start(context.Background())

	log.Log.Infof("[QuestMind] ✅ Ready | Backend: %s | Store: %s | Model: %s", cfg.Backend.Driver, cfg.Store.Driver, cfg.LLM.Model)

	return &QuestMind{
		cfg:             cfg,
		engine:          eng,
		registry:        registry,
		executor:        executor,
		sweeper:         sweeper,
		threads:         threads,
		backend:         b,
		metricsRegistry: reg,
		imageOpts: multimodal.Options{
			MaxImages:     cfg.Images.MaxImages,
			MaxImageBytes: cfg.Images.MaxBytes,
		},
	}, nil
}

func newBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Driver {
	case "memory":
		log.Log.Warnf("[QuestMind] ⚠️  Using in-memory action backend; data is lost on restart")
		return backend.NewMemoryBackend(), nil
	case "http", "":
		b, err := backend.NewHTTPBackend(backend.HTTPBackendConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.Token,
			Timeout: cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend driver %q", cfg.Driver)
	}
}

func openThreadStore(cfg config.StoreConfig) (store.ThreadStore, error) {
	switch cfg.Driver {
	case "memory", "":
		return store.NewMemoryStore(cfg.MaxMessages), nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath, cfg.MaxMessages)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	case "mongodb":
		s, err := store.NewMongoDBStore(store.MongoDBStoreConfig{
			URI:         cfg.MongoURI,
			Database:    cfg.MongoDatabase,
			Collection:  cfg.MongoCollection,
			MaxMessages: cfg.MaxMessages,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open mongodb store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// newLLMClient builds the OpenAI-compatible client and its backup chain.
// It returns nil when neither a primary endpoint nor a backup is configured.
func newLLMClient(cfg config.LLMConfig) engine.LLMClient {
	var primary engine.LLMClient
	if cfg.APIKey != "" || cfg.BaseURL != "" {
		primary = llmutils.NewOpenAIClient(cfg.APIKey, cfg.BaseURL, nil)
	} else {
		log.Log.Warnf("[QuestMind] ⚠️  No LLM API key or base URL configured")
	}

	backups := make([]engine.BackupLLM, 0, len(cfg.Backups))
	for _, b := range cfg.Backups {
		backups = append(backups, engine.BackupLLM{
			Client: llmutils.NewOpenAIClient(b.APIKey, b.BaseURL, nil),
			Model:  b.Model,
			Name:   b.Name,
		})
	}
	if primary == nil && len(backups) == 0 {
		return nil
	}
	return engine.NewFailoverClient(primary, backups, cfg.BackupCooldown)
}

// Engine returns the agent loop
func (qm *QuestMind) Engine() *engine.Engine {
	return qm.engine
}

// Executor returns the action executor
func (qm *QuestMind) Executor() *actions.Executor {
	return qm.executor
}

// Registry returns the action registry
func (qm *QuestMind) Registry() *actions.Registry {
	return qm.registry
}

// Threads returns the thread store
func (qm *QuestMind) Threads() store.ThreadStore {
	return qm.threads
}

// MetricsRegistry returns the Prometheus registry served on /metrics
func (qm *QuestMind) MetricsRegistry() *prometheus.Registry {
	return qm.metricsRegistry
}

// Close stops background work and closes the thread store
func (qm *QuestMind) Close() error {
	qm.sweeper.Stop()
	if err := qm.threads.Close(); err != nil {
		return fmt.Errorf("failed to close thread store: %w", err)
	}
	log.Log.Infof("[QuestMind] 🛑 Closed")
	return nil
}

// Version returns the current version of the library
func Version() string {
	return "0.1.0"
}
