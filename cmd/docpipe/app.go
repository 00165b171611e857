package main

import (
	"encoding/json"
	"fmt"
	"io"

	"docpipe/internal/blueprint"
	"docpipe/internal/config"
	"docpipe/internal/evidence"
	"docpipe/internal/extract"
	"docpipe/internal/integrity"
	"docpipe/internal/ledger"
	"docpipe/internal/pipeline"
	"docpipe/internal/store"

	"go.uber.org/zap"
)

// app wires every component against one open store.
type app struct {
	workspace string
	cfg       *config.Config
	policy    pipeline.Policy

	store     *store.Store
	ledger    *ledger.Ledger
	evaluator *evidence.Evaluator
	extractor *extract.Extractor
	source    integrity.FileSource
	guard     *integrity.Guard
	projector *blueprint.Projector
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return config.FindWorkspaceRoot()
}

// openApp loads config and opens the store. Callers must Close it.
func openApp() (*app, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	path := configPath
	if path == "" {
		path = config.DefaultPath(ws)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Store.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	policy := cfg.Policy()
	s, err := store.Open(config.ResolvePath(ws, cfg.Store.Path),
		store.WithDriver(cfg.Store.Driver),
		store.WithPolicy(policy),
	)
	if err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Debug("Store opened",
			zap.String("path", s.Path()),
			zap.String("driver", cfg.Store.Driver))
	}

	src := integrity.FileSource{
		Root: config.ResolvePath(ws, cfg.Blueprint.Dir),
		Name: cfg.Blueprint.FileName,
	}
	l := ledger.New(s, policy)
	g := integrity.NewGuard(s, src)

	return &app{
		workspace: ws,
		cfg:       cfg,
		policy:    policy,
		store:     s,
		ledger:    l,
		evaluator: evidence.NewEvaluator(s, policy),
		extractor: extract.New(s, policy),
		source:    src,
		guard:     g,
		projector: blueprint.NewProjector(l, g, src, ""),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// extractOptions returns the configured mining defaults. Unset keys already
// carry the defaults from config.DefaultConfig, so zeros are taken as given.
func (a *app) extractOptions() extract.Options {
	opts := extract.DefaultOptions()
	e := a.cfg.Extraction
	if stages := a.cfg.ExtractionStages(); len(stages) > 0 {
		opts.AllowedStages = stages
	}
	opts.MinSources = e.MinSources
	opts.MinSessions = e.MinSessions
	opts.MinStages = e.MinStages
	opts.Limit = e.Limit
	return opts
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withApp opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
