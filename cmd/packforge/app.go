package main

import (
	"fmt"

	"go.uber.org/zap"

	"packforge/internal/analyze"
	"packforge/internal/artifact"
	"packforge/internal/config"
	"packforge/internal/identity"
	"packforge/internal/logging"
	"packforge/internal/pipeline"
	"packforge/internal/protocol"
	"packforge/internal/store"
)

// app bundles the wired core shared by the serve and stdio commands.
type app struct {
	cfg      *config.Config
	store    *store.Store
	pipeline *pipeline.Pipeline
	table    *protocol.Table
	resolver identity.Resolver
}

func buildApp(cfg *config.Config) (*app, error) {
	st, err := store.Open(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	artifacts, err := artifact.NewLocal(cfg.Storage.ArtifactDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	analyzer, err := buildAnalyzer(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	p := pipeline.New(st, artifacts, analyzer, cfg.Pipeline)
	router := protocol.NewRouter(p, cfg.Version)
	table := protocol.NewTable(router, cfg.GetSessionTTL(), cfg.Sessions.OutboundBuffer)

	logger.Info("core wired",
		zap.String("db", cfg.Storage.DatabasePath),
		zap.String("analyzer", analyzer.Name()),
		zap.Int("cost_per_chunk", cfg.Pipeline.CostPerChunk))

	return &app{
		cfg:      cfg,
		store:    st,
		pipeline: p,
		table:    table,
		resolver: identity.NewStoreResolver(st.Keys()),
	}, nil
}

func buildAnalyzer(cfg *config.Config) (analyze.Analyzer, error) {
	switch cfg.Analysis.Provider {
	case "genai":
		return analyze.NewGenAI(cfg.Analysis.APIKey, cfg.Analysis.Model)
	case "heuristic":
		return analyze.NewHeuristic(), nil
	default:
		return nil, fmt.Errorf("unknown analysis provider %q", cfg.Analysis.Provider)
	}
}

func (a *app) close() {
	a.table.Close()
	if err := a.pipeline.Close(); err != nil {
		logger.Warn("pipeline shutdown", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		logger.Warn("store shutdown", zap.Error(err))
	}
	logging.CloseAll()
}
