package main

import (
	"context"
	"path/filepath"

	"ndk-tracker-go/internal/backend"
	"ndk-tracker-go/internal/config"
	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/pipeline"
	"ndk-tracker-go/internal/processor"
	"ndk-tracker-go/internal/settings"
	"ndk-tracker-go/internal/store"
)

// app is everything built from one resolved config.
type app struct {
	cfg      *config.Config
	store    store.Store
	selector *pipeline.Selector
	catalog  *backend.ModelCatalog
	proc     *processor.Processor
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	st, err := store.Open(cfg.StoreDriver, cfg.DataDir)
	if err != nil {
		return nil, err
	}
	log.WithField("driver", cfg.StoreDriver).WithField("data_dir", cfg.DataDir).Info("store opened")

	catalog := &backend.ModelCatalog{Dir: cfg.LLM.ModelsDir, ExplicitPath: cfg.LLM.EngineModelPath}
	if path, err := catalog.Resolve(cfg.LLM.Model); err != nil {
		log.WithError(err).Debug("no local model file")
	} else {
		log.WithField("model_file", path).Info("local model file found")
	}

	daemon := backend.NewDaemonClient(backend.DaemonConfig{
		BaseURL:        cfg.LLM.DaemonURL,
		DefaultModel:   cfg.LLM.Model,
		MaxConcurrency: cfg.LLM.DaemonMaxConcurrency,
		ProbeTimeout:   cfg.LLM.ProbeTimeout,
	}, log)
	engine := backend.NewLocalEngine(
		backend.NewLlamaServer(cfg.LLM.EngineURL, cfg.LLM.ProbeTimeout, nil),
		backend.GenerateOptions{
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
			Stop:        backend.DefaultGenerateOptions().Stop,
		},
		catalog,
		log,
	)

	sel := pipeline.NewSelector(pipeline.Options{
		Daemon:   daemon,
		Engine:   engine,
		Fallback: backend.NewKeywordFallback(cfg.FallbackKeywords),
		Timeout:  cfg.LLM.Timeout,
		Logger:   log,
	})
	active := sel.Initialize(ctx, cfg.LLM.Backend, cfg.LLM.Model)
	log.WithField("backend", active.Kind).WithField("model", active.ModelName).Info("extraction backend ready")

	fs, err := settings.NewFileStore(filepath.Join(cfg.DataDir, "settings"), settings.DefaultSettings(cfg.LLM.Backend, cfg.LLM.Model))
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		store:    st,
		selector: sel,
		catalog:  catalog,
		proc: processor.New(processor.Options{
			Selector:               sel,
			Store:                  st,
			Settings:               fs,
			MaxClarificationRounds: cfg.MaxClarificationRounds,
			Logger:                 log,
		}),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
