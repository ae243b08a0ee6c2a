// Package server provides the public entry point for assembling a shopdesk
// server: configuration, tables, stores, LLM router, guardrails, classifier,
// tracer, orchestrator and the HTTP API.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	defer srv.Close(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/api"
	"github.com/agentoven/shopdesk/internal/api/handlers"
	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/guardrails"
	"github.com/agentoven/shopdesk/internal/intent"
	"github.com/agentoven/shopdesk/internal/orchestrator"
	"github.com/agentoven/shopdesk/internal/retention"
	"github.com/agentoven/shopdesk/internal/router"
	"github.com/agentoven/shopdesk/internal/store"
	"github.com/agentoven/shopdesk/internal/telemetry"
	"github.com/agentoven/shopdesk/internal/tracer"
	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

// Server holds the initialized shopdesk components.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Orchestrator runs turns; exposed for the CLI.
	Orchestrator *orchestrator.Orchestrator
	Tracer       *tracer.Tracer
	Router       *router.Router
	Tables       *config.TableStore

	Config *config.Config
	Port   int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error

	closers []io.Closer
}

// New loads configuration from the environment and assembles a Server.
func New(ctx context.Context) (*Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(ctx, cfg)
}

// NewWithConfig assembles a Server from an explicit configuration. ctx
// bounds the tables watcher.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	srv := &Server{Config: cfg, Port: cfg.Port, ShutdownFunc: shutdown}

	// Tables
	tables, err := config.NewTableStore(cfg.TablesPath)
	if err != nil {
		return nil, fmt.Errorf("load tables: %w", err)
	}
	srv.Tables = tables

	// Stores
	seed, err := loadSeed(cfg.Store.SeedPath)
	if err != nil {
		return nil, err
	}
	mem := store.NewMemoryStore(seed, cfg.Store.SnapshotPath)
	srv.closers = append(srv.closers, mem)
	var repo contracts.DomainRepository = mem

	if cfg.Store.SQLitePath != "" {
		sq, err := openSQLite(ctx, cfg.Store.SQLitePath, seed)
		if err != nil {
			srv.Close(ctx)
			return nil, err
		}
		srv.closers = append(srv.closers, sq)
		repo = sq
		log.Info().Str("path", cfg.Store.SQLitePath).Msg("✅ SQLite domain repository initialized")
	}

	// LLM router, re-synced on every tables reload
	rt := router.New(tables)
	if err := rt.Sync(ctx, tables.Current()); err != nil {
		log.Warn().Err(err).Msg("Some LLM providers could not be created")
	}
	tables.OnReload = func(t *config.Tables) {
		if err := rt.Sync(context.Background(), t); err != nil {
			log.Warn().Err(err).Msg("Some LLM providers could not be re-created")
		}
	}
	if cfg.WatchTables {
		if err := tables.Watch(ctx); err != nil {
			log.Warn().Err(err).Msg("Tables watcher not started")
		}
	}
	srv.Router = rt

	guard := guardrails.New(tables, repo)

	// Tracer, masking PII with the same rules as the guardrails
	tr := tracer.New(tracer.Options{
		Enabled:      cfg.Trace.Enabled,
		BufferSize:   cfg.Trace.BufferSize,
		MaxStringLen: cfg.Trace.MaxStringLen,
		MaxListLen:   cfg.Trace.MaxListLen,
		Sinks:        srv.traceSinks(ctx, cfg.Trace),
		Masker:       guard.MaskPII,
	})
	srv.Tracer = tr
	if cfg.Trace.Dir != "" && cfg.Trace.RetentionDays > 0 {
		j := retention.NewJanitor(cfg.Trace.Dir, cfg.Trace.RetentionDays, cfg.Trace.RetentionInterval)
		if cfg.Trace.ArchiveDir != "" {
			j.WithArchiver(retention.NewLocalArchiver(cfg.Trace.ArchiveDir, cfg.Trace.ArchiveCompress))
		}
		go j.Start(ctx)
	}

	// Orchestrator
	classifier := intent.NewClassifier(tables, rt.Pin(cfg.Intent.Provider), intent.Options{
		UseLLM:        cfg.Intent.UseLLM,
		Timeout:       cfg.Intent.Timeout,
		Retries:       cfg.Intent.Retries,
		MinConfidence: models.Confidence(cfg.Intent.MinConfidence),
	})
	oc := cfg.Orchestrator
	orch := orchestrator.New(orchestrator.Deps{
		Classifier:  classifier,
		Repo:        repo,
		Retrieval:   mem,
		Recommender: mem,
		Guard:       guard,
		Generator:   rt,
		Tracer:      tr,
	}, orchestrator.Options{
		StrictMode:           oc.StrictMode,
		AggregateItems:       oc.AggregateItems,
		AggregateLimit:       oc.AggregateLimit,
		AggregateConcurrency: oc.AggregateConcurrency,
		OrderListLimit:       oc.OrderListLimit,
		PolicyTopK:           oc.PolicyTopK,
		RecommendTopK:        oc.RecommendTopK,
	})
	srv.Orchestrator = orch

	h := handlers.New(orch, tr, rt, repo, tables)
	srv.Handler = api.NewRouter(cfg, h)

	log.Info().
		Bool("llm", rt.Configured()).
		Bool("strict", oc.StrictMode).
		Bool("tracing", cfg.Trace.Enabled).
		Msg("✅ Turn pipeline initialized")
	return srv, nil
}

func loadSeed(path string) (*store.Seed, error) {
	if path == "" {
		return store.DefaultSeed()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return store.ParseSeed(data)
}

func openSQLite(ctx context.Context, path string, seed *store.Seed) (*store.SQLiteStore, error) {
	sq, err := store.OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := sq.Migrate(ctx); err != nil {
		sq.Close()
		return nil, err
	}
	if err := sq.Seed(ctx, seed); err != nil {
		sq.Close()
		return nil, err
	}
	return sq, nil
}

// traceSinks builds the configured sinks. A sink that cannot be created is
// logged and skipped.
func (s *Server) traceSinks(ctx context.Context, cfg config.TraceConfig) []tracer.Sink {
	var sinks []tracer.Sink
	if cfg.Dir != "" {
		sinks = append(sinks, tracer.NewFileSink(cfg.Dir))
	}
	if cfg.RedisURL != "" {
		rs, err := tracer.NewRedisSink(ctx, cfg.RedisURL, cfg.RedisKey, int(cfg.RedisMaxLen))
		if err != nil {
			log.Warn().Err(err).Msg("Redis trace sink disabled")
		} else {
			sinks = append(sinks, rs)
			s.closers = append(s.closers, rs)
			log.Info().Str("key", cfg.RedisKey).Msg("✅ Redis trace sink connected")
		}
	}
	return sinks
}

// Close releases stores and sinks and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.ShutdownFunc != nil {
		if err := s.ShutdownFunc(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
