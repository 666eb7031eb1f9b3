package backend

import (
	"context"
	"fmt"
	"time"

	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/types"
)

// GenerateOptions are the sampling knobs passed to an in-process engine.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// DefaultGenerateOptions mirrors the settings the extraction prompt was tuned with.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		MaxTokens:   512,
		Temperature: 0.7,
		Stop:        []string{"</s>", "\n\n"},
	}
}

// Engine is a local inference engine. Implementations are not assumed to be
// reentrant; LocalEngine never calls Generate concurrently.
type Engine interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
	Ping(ctx context.Context) error
}

// LocalEngine adapts an Engine to Generator and serialises every generation
// through a single in-flight slot.
type LocalEngine struct {
	engine  Engine
	opts    GenerateOptions
	catalog *ModelCatalog
	slot    chan struct{}
	log     *logger.Logger
}

func NewLocalEngine(engine Engine, opts GenerateOptions, catalog *ModelCatalog, log *logger.Logger) *LocalEngine {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultGenerateOptions().MaxTokens
	}
	return &LocalEngine{
		engine:  engine,
		opts:    opts,
		catalog: catalog,
		slot:    make(chan struct{}, 1),
		log:     logger.OrDiscard(log).Component("local-engine"),
	}
}

func (e *LocalEngine) Kind() types.BackendKind { return types.BackendLocalEngine }

// Generate waits for the engine slot, honouring ctx while queued. The model
// argument is informational: the engine serves whatever model it loaded.
func (e *LocalEngine) Generate(ctx context.Context, model, prompt string) (string, error) {
	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for engine slot: %w", ctx.Err())
	}
	defer func() { <-e.slot }()

	start := time.Now()
	out, err := e.engine.Generate(ctx, prompt, e.opts)
	if err != nil {
		return "", fmt.Errorf("local engine generate: %w", err)
	}
	e.log.WithField("model", model).
		WithField("duration_ms", time.Since(start).Milliseconds()).
		Debug("local generate finished")
	return out, nil
}

func (e *LocalEngine) Ping(ctx context.Context) error {
	return e.engine.Ping(ctx)
}

// ListModels lists the model files available to the engine.
func (e *LocalEngine) ListModels(ctx context.Context) ([]string, error) {
	if e.catalog == nil {
		return []string{}, nil
	}
	return e.catalog.List()
}
