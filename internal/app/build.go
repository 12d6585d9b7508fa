package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/ent0n29/medtranslate/internal/audit"
	"github.com/ent0n29/medtranslate/internal/config"
	"github.com/ent0n29/medtranslate/internal/httpapi"
	"github.com/ent0n29/medtranslate/internal/observability"
	"github.com/ent0n29/medtranslate/internal/session"
	"github.com/ent0n29/medtranslate/internal/translation"
	"github.com/ent0n29/medtranslate/internal/voice"
)

type TranslatorInfo struct {
	Provider string
	Detail   string
}

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Translator   translation.Translator
	Audit        audit.Store
	Metrics      *observability.Metrics
	Logger       *log.Logger
	Translation  TranslatorInfo

	// Cleanup should be called on shutdown to release external resources.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = NewLogger(nil, cfg.LogLevel)
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	setup, err := resolveTranslator(cfg)
	if err != nil {
		return nil, err
	}

	auditStore, err := audit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("audit store init failed: %w", err)
	}

	sessions := session.NewManager(cfg.SessionRetention)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.ObserveSession("expired")
		metrics.SetActiveSessions(sessions.ActiveCount())
		recordCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := auditStore.Record(recordCtx, audit.Event{SessionID: s.ID, Kind: audit.KindSessionExpired}); err != nil {
			logger.Warn("audit record failed", "session_id", s.ID, "err", err)
		}
	})

	orchestrator := voice.NewOrchestrator(
		sessions,
		setup.translator,
		auditStore,
		metrics,
		logger,
		voice.Config{
			InactivityWindow: cfg.SessionInactivityTimeout,
			Debounce:         cfg.TranslationDebounce,
		},
	)

	api := httpapi.New(cfg, sessions, orchestrator, auditStore, metrics, logger)

	cleanup := func() error {
		var errs []string
		if err := auditStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Translator:   setup.translator,
		Audit:        auditStore,
		Metrics:      metrics,
		Logger:       logger,
		Translation: TranslatorInfo{
			Provider: setup.resolvedProvider,
			Detail:   setup.detail,
		},
		Cleanup: cleanup,
	}, nil
}
