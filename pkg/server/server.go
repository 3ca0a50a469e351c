// Package server provides the public entry point for initializing the
// DaemonChat server.
//
// Usage:
//
//	cfg, _ := config.Load("")
//	srv, err := server.New(ctx, cfg)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/Zhao-yangyang/DaemonChat/internal/agents"
	"github.com/Zhao-yangyang/DaemonChat/internal/api"
	"github.com/Zhao-yangyang/DaemonChat/internal/api/handlers"
	"github.com/Zhao-yangyang/DaemonChat/internal/chat"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/compaction"
	"github.com/Zhao-yangyang/DaemonChat/internal/config"
	"github.com/Zhao-yangyang/DaemonChat/internal/llm"
	"github.com/Zhao-yangyang/DaemonChat/internal/memory"
	"github.com/Zhao-yangyang/DaemonChat/internal/sessions"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/internal/telemetry"
	"github.com/Zhao-yangyang/DaemonChat/internal/tokens"
	"github.com/Zhao-yangyang/DaemonChat/internal/transcript"
	"github.com/Zhao-yangyang/DaemonChat/internal/usage"
	"github.com/Zhao-yangyang/DaemonChat/pkg/contracts"
)

// Server holds the initialized DaemonChat server.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store (PostgreSQL or in-memory).
	Store store.Store

	// Engine runs chat turns.
	Engine *chat.Engine

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes telemetry, the store and the OpenAI-compatible generator,
// then wires every component together.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("OPENAI_API_KEY is not set, generation calls will be rejected upstream")
	}
	gen := llm.New(cfg.LLM.APIKey, cfg.LLM.Model,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithEmbedModel(cfg.LLM.EmbedModel),
	)

	srv, err := Assemble(cfg, dataStore, gen, clock.System{})
	if err != nil {
		dataStore.Close()
		_ = shutdown(ctx)
		return nil, err
	}
	srv.ShutdownFunc = shutdown
	return srv, nil
}

// Assemble builds the services and router on top of an opened store and
// generator. Tests use it with the in-memory store and a scripted generator.
func Assemble(cfg *config.Config, dataStore store.Store, gen contracts.Generator, clk clock.Clock) (*Server, error) {
	count, err := tokens.New(cfg.Chat.Tokenizer)
	if err != nil {
		return nil, fmt.Errorf("init tokenizer: %w", err)
	}

	ts := transcript.New(dataStore, clk)
	mem := memory.New(dataStore, dataStore, gen, clk)
	resolver := sessions.NewResolver(dataStore, clk)
	us := usage.New(dataStore, clk)
	engine := chat.New(chat.Deps{
		Sessions:   resolver,
		Memory:     mem,
		Transcript: ts,
		Usage:      us,
		Compactor:  compaction.New(gen, ts),
		Generator:  gen,
		Count:      count,
	}, chat.Defaults{
		System: cfg.Chat.SystemPrompt,
		Budget: cfg.Chat.Budget,
		Model:  cfg.LLM.Model,
	})
	log.Info().
		Int("model_window", cfg.Chat.Budget.ModelWindow).
		Int("max_context", cfg.Chat.Budget.MaxContextTokens()).
		Str("tokenizer", cfg.Chat.Tokenizer).
		Msg("✅ Chat engine initialized")

	h := &handlers.Handlers{
		Agents:     agents.New(dataStore, dataStore, clk),
		Memory:     mem,
		Sessions:   resolver,
		Transcript: ts,
		Usage:      us,
		Engine:     engine,
	}

	return &Server{
		Handler:      api.NewRouter(cfg, h),
		Store:        dataStore,
		Engine:       engine,
		Port:         cfg.Port,
		ShutdownFunc: func(context.Context) error { return nil },
	}, nil
}

// openStore connects to PostgreSQL when a URL is configured and falls back
// to the in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL == "" {
		var opts []store.MemoryOption
		if cfg.DataDir != "" {
			opts = append(opts, store.WithSnapshotDir(cfg.DataDir))
		}
		s := store.NewMemoryStore(opts...)
		log.Info().Str("data_dir", cfg.DataDir).Msg("✅ In-memory store initialized")
		return s, nil
	}

	pg, err := store.NewPostgres(ctx, store.PostgresConfig{
		URL:            cfg.Database.URL,
		MaxConns:       int32(cfg.Database.MaxConnections),
		Dimensions:     cfg.Database.EmbeddingDimensions,
		ConnectTimeout: cfg.Database.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	log.Info().Msg("✅ PostgreSQL store initialized")
	return pg, nil
}
