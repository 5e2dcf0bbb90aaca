// knowledgehub is the AI question-answering service over a curated
// knowledge base: streaming chat with a four-tier answer cache, hybrid
// retrieval, abuse prevention, and a global LLM spend ledger.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"knowledgehub/internal/admission"
	"knowledgehub/internal/cache"
	"knowledgehub/internal/config"
	"knowledgehub/internal/kv"
	"knowledgehub/internal/llm"
	"knowledgehub/internal/logging"
	"knowledgehub/internal/pipeline"
	"knowledgehub/internal/retrieval"
	"knowledgehub/internal/router"
	"knowledgehub/internal/server"
	"knowledgehub/internal/settings"
	"knowledgehub/internal/spend"
	"knowledgehub/internal/store"
)

var version = "1.0.0"

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "knowledgehub",
	Short: "AI question answering over a curated knowledge base",
	Long: `knowledgehub serves streaming answers about a curated knowledge base.

Queries pass through a four-tier answer cache, a history-aware query
router, and hybrid dense+sparse retrieval before any model call. Abuse
prevention (rate limits, bans, challenges, cost throttling) and a global
spend ledger guard the LLM budget.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load configuration: %w", err)
		}
		cfg = loaded
		if err := logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			Dir:        cfg.Logging.Dir,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		}); err != nil {
			return fmt.Errorf("initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var faqRefreshCmd = &cobra.Command{
	Use:   "faq-refresh",
	Short: "Pre-generate answers for unanswered FAQ entries and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFAQRefresh(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("knowledgehub %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config (env overrides apply)")
	rootCmd.AddCommand(serveCmd, faqRefreshCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// services holds everything serve and faq-refresh construct, closed in
// reverse order.
type services struct {
	engine    kv.Engine
	documents *store.Store
	faq       *cache.FAQIndex

	gate     *admission.Gate
	settings *settings.Store
	ledger   *spend.Ledger
	cleaner  *cache.Cleaner
	pipeline *pipeline.Pipeline
	refresh  func(ctx context.Context) (int, error)
}

func (s *services) close() {
	if s.faq != nil {
		s.faq.Close()
	}
	if s.documents != nil {
		if err := s.documents.Close(); err != nil {
			logging.Store("store close failed: %v", err)
		}
	}
	if s.engine != nil {
		if err := s.engine.Close(); err != nil {
			logging.KV("kv engine close failed: %v", err)
		}
	}
}

func buildServices(ctx context.Context) (*services, error) {
	s := &services{}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	// KV engine: Redis in production, in-process for single-replica dev.
	if cfg.Cache.UseRedis && cfg.Admission.RedisURL != "" {
		engine, err := kv.NewRedisEngine(ctx, cfg.Admission.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		s.engine = engine
		logging.Boot("kv engine: redis")
	} else {
		s.engine = kv.NewMemoryEngine()
		logging.Boot("kv engine: in-process (single replica only)")
	}

	documents, err := store.NewStore(cfg.Retrieval.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	s.documents = documents

	provider, err := llm.NewGenAIProvider(ctx, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm provider: %w", err)
	}

	var embedder llm.Embedder = provider
	if cfg.LLM.EmbeddingProvider == "infinity" {
		infinity, err := llm.NewInfinityEmbedder(cfg.LLM.InfinityEndpoint, cfg.LLM.EmbeddingModel, cfg.LLM.EmbedTimeout)
		if err != nil {
			return nil, fmt.Errorf("infinity embedder: %w", err)
		}
		embedder = infinity
	}
	logging.Boot("embeddings: %s", embedder.Name())

	sparse := retrieval.NewSparseRetriever(cfg.Retrieval.K)
	if err := sparse.Refresh(ctx, documents); err != nil {
		return nil, fmt.Errorf("build sparse index: %w", err)
	}
	hybrid := retrieval.NewHybridRetriever(documents, sparse, cfg.Retrieval)
	parents := retrieval.NewParentResolver(documents)

	s.settings = settings.NewStore(s.engine, cfg.Admission, cfg.Spend)
	s.ledger = spend.NewLedger(s.engine, cfg.Spend)

	var verifier admission.BotVerifier
	if cfg.Admission.EnableTurnstile && cfg.Admission.TurnstileSecret != "" {
		verifier = admission.NewTurnstileVerifier(cfg.Admission.TurnstileSecret, cfg.Admission.TurnstileTimeout)
	}
	s.gate = admission.NewGate(s.engine, s.settings, cfg.Admission, cfg.Spend, verifier, cfg.LLM.GenerationModel)

	exact := cache.NewExactCache(s.engine, cfg.Cache.ExactTTL, pipeline.GenericErrorMessage)

	if cfg.Cache.UseFAQIndex {
		faq, err := cache.NewFAQIndex(cfg.Cache.FAQPath, cfg.Cache.FAQThreshold)
		if err != nil {
			return nil, fmt.Errorf("faq index: %w", err)
		}
		s.faq = faq
	}

	var expander *cache.Expander
	if cfg.Cache.EnableExpansion {
		expander = cache.NewExpander(provider, cfg.Cache.ExpansionLRUSize)
	}

	hierarchy := cache.NewHierarchy(s.faq, exact, documents,
		cfg.Cache.SemanticThreshold, cfg.Cache.SemanticTTL, pipeline.GenericErrorMessage)
	s.cleaner = cache.NewCleaner(exact, documents, expander)

	s.pipeline = pipeline.New(
		router.New(provider),
		hierarchy,
		expander,
		embedder,
		hybrid,
		parents,
		s.ledger,
		provider,
		cfg.LLM.GenerationModel,
		float32(cfg.LLM.Temperature),
		cfg.Retrieval,
	)

	if s.faq != nil {
		p := s.pipeline
		s.refresh = func(ctx context.Context) (int, error) {
			return s.faq.PreGenerate(ctx, func(ctx context.Context, question string) (string, error) {
				return answerQuestion(ctx, p, question)
			})
		}
	}

	ok = true
	return s, nil
}

// answerQuestion runs the pipeline for one FAQ question and collects the
// streamed answer.
func answerQuestion(ctx context.Context, p *pipeline.Pipeline, question string) (string, error) {
	var text []byte
	var failed error
	err := p.Run(ctx, question, nil, func(e pipeline.Event) error {
		switch e.Status {
		case pipeline.StatusStreaming:
			text = append(text, e.Chunk...)
		case pipeline.StatusError:
			failed = fmt.Errorf("%s", e.Error)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if failed != nil {
		return "", failed
	}
	answer := string(text)
	if answer == "" || answer == pipeline.NoMatchMessage {
		return "", fmt.Errorf("no answer generated")
	}
	return answer, nil
}

func runServe(ctx context.Context) error {
	logging.Boot("knowledgehub %s starting (%s)", version, cfg.Environment)

	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.close()

	srv := server.New(cfg.Server, server.Deps{
		Gate:           svc.gate,
		Pipeline:       svc.pipeline,
		Settings:       svc.settings,
		Ledger:         svc.ledger,
		Cache:          svc.cleaner,
		Engine:         svc.engine,
		FAQRefresh:     svc.refresh,
		MaxQueryLength: cfg.Retrieval.MaxQueryLength,
	})

	// Background jobs: FAQ hot reload and semantic cache expiry.
	jobsCtx, cancelJobs := context.WithCancel(ctx)
	defer cancelJobs()
	if svc.faq != nil {
		go func() {
			if err := svc.faq.Watch(cfg.Cache.FAQRefreshEvery); err != nil {
				logging.Cache("faq watcher stopped: %v", err)
			}
		}()
	}
	go purgeSemanticLoop(jobsCtx, svc.documents)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Boot("shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// purgeSemanticLoop expires semantic cache rows hourly.
func purgeSemanticLoop(ctx context.Context, documents *store.Store) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := documents.PurgeExpiredSemantic(ctx)
			if err != nil {
				logging.Store("semantic purge failed: %v", err)
				continue
			}
			if removed > 0 {
				logging.StoreDebug("purged %d expired semantic entries", removed)
			}
		}
	}
}

func runFAQRefresh(ctx context.Context) error {
	if !cfg.Cache.UseFAQIndex {
		return fmt.Errorf("faq index is disabled in configuration")
	}
	svc, err := buildServices(ctx)
	if err != nil {
		return err
	}
	defer svc.close()

	if svc.refresh == nil {
		return fmt.Errorf("faq index not configured")
	}
	filled, err := svc.refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("filled %d faq answers\n", filled)
	return nil
}
