// Package pipeline selects the model backend for extraction and degrades to the
// keyword fallback whenever a model call fails, times out, or returns junk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ndk-tracker-go/internal/backend"
	"ndk-tracker-go/internal/extractor"
	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/types"
)

var (
	ErrBackendUnavailable   = errors.New("backend unavailable")
	ErrInvalidBackendSwitch = errors.New("invalid backend switch")
)

// FallbackReason says why Process answered from the keyword fallback.
type FallbackReason string

const (
	ReasonNone        FallbackReason = ""
	ReasonUnavailable FallbackReason = "unavailable"
	ReasonTimeout     FallbackReason = "timeout"
	ReasonMalformed   FallbackReason = "malformed"
)

type Options struct {
	Daemon   backend.Generator // nil when not configured
	Engine   backend.Generator // nil when not configured
	Fallback *backend.KeywordFallback
	// Timeout bounds every model call. Defaults to 30s.
	Timeout time.Duration
	Logger  *logger.Logger
}

// Outcome is the result of one Process call plus how it was produced.
type Outcome struct {
	Result   types.ExtractionResult
	Backend  types.BackendKind // backend that produced Result
	FellBack bool
	Reason   FallbackReason
	Err      error // the model failure behind a fallback, if any
}

// Status is a read-only view of backend selection.
type Status struct {
	CurrentBackend    types.BackendKind   `json:"current_backend"`
	CurrentModel      string              `json:"current_model"`
	DaemonAvailable   bool                `json:"daemon_available"`
	EngineAvailable   bool                `json:"engine_available"`
	AvailableBackends []types.BackendKind `json:"available_backends"`
}

type state struct {
	config    types.BackendConfig
	available map[types.BackendKind]bool
}

// Selector owns the active BackendConfig. Readers load an immutable snapshot;
// writers build a new one under mu and swap it in.
type Selector struct {
	daemon   backend.Generator
	engine   backend.Generator
	fallback *backend.KeywordFallback
	timeout  time.Duration
	log      *logger.Logger

	mu    sync.Mutex
	state atomic.Pointer[state]
}

func NewSelector(opts Options) *Selector {
	if opts.Fallback == nil {
		opts.Fallback = backend.NewKeywordFallback(nil)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	s := &Selector{
		daemon:   opts.Daemon,
		engine:   opts.Engine,
		fallback: opts.Fallback,
		timeout:  opts.Timeout,
		log:      logger.OrDiscard(opts.Logger).Component("selector"),
	}
	s.state.Store(&state{
		config:    types.BackendConfig{Kind: types.BackendFallback, Available: true},
		available: map[types.BackendKind]bool{types.BackendFallback: true},
	})
	return s
}

// Initialize probes every configured backend and activates preferred if it is
// up, otherwise the first available kind in priority order. It cannot fail:
// the worst case is the fallback.
func (s *Selector) Initialize(ctx context.Context, preferred types.BackendKind, model string) types.BackendConfig {
	avail := s.probe(ctx)

	kind := types.BackendFallback
	if avail[preferred] {
		kind = preferred
	} else {
		for _, k := range types.BackendPriority {
			if avail[k] {
				kind = k
				break
			}
		}
	}

	cfg := types.BackendConfig{Kind: kind, ModelName: model, Available: true}
	s.mu.Lock()
	s.state.Store(&state{config: cfg, available: avail})
	s.mu.Unlock()

	entry := s.log.WithField("backend", kind).WithField("model", model)
	if kind != preferred {
		entry.WithField("preferred", preferred).Warn("preferred backend unavailable, using fallback order")
	} else {
		entry.Info("backend selected")
	}
	return cfg
}

// Refresh re-probes availability. If the active model backend went away the
// selector moves down the priority order.
func (s *Selector) Refresh(ctx context.Context) Status {
	avail := s.probe(ctx)

	s.mu.Lock()
	cur := s.state.Load()
	cfg := cur.config
	if !avail[cfg.Kind] {
		prev := cfg.Kind
		for _, k := range types.BackendPriority {
			if avail[k] {
				cfg.Kind = k
				break
			}
		}
		s.log.WithField("from", prev).WithField("to", cfg.Kind).Warn("active backend lost, demoting")
	}
	s.state.Store(&state{config: cfg, available: avail})
	s.mu.Unlock()

	return s.Status()
}

func (s *Selector) probe(ctx context.Context) map[types.BackendKind]bool {
	var daemonUp, engineUp bool
	var g errgroup.Group
	if s.daemon != nil {
		g.Go(func() error {
			if err := s.daemon.Ping(ctx); err != nil {
				s.log.WithError(err).Debug("daemon probe failed")
				return nil
			}
			daemonUp = true
			return nil
		})
	}
	if s.engine != nil {
		g.Go(func() error {
			if err := s.engine.Ping(ctx); err != nil {
				s.log.WithError(err).Debug("engine probe failed")
				return nil
			}
			engineUp = true
			return nil
		})
	}
	_ = g.Wait()

	return map[types.BackendKind]bool{
		types.BackendDaemonClient: daemonUp,
		types.BackendLocalEngine:  engineUp,
		types.BackendFallback:     true,
	}
}

// Process extracts structured data from text. It always returns a well-formed
// result: any model error, timeout, or parse failure is answered by the keyword
// fallback instead.
func (s *Selector) Process(ctx context.Context, text string) Outcome {
	cfg := s.state.Load().config
	gen := s.generator(cfg.Kind)
	if gen == nil {
		extractionCalls.WithLabelValues(string(types.BackendFallback), "ok").Inc()
		return Outcome{Result: s.fallback.Extract(text), Backend: types.BackendFallback}
	}

	start := time.Now()
	raw, err := s.generate(ctx, gen, cfg.ModelName, extractor.BuildPrompt(text))
	extractionDuration.WithLabelValues(string(cfg.Kind)).Observe(time.Since(start).Seconds())
	if err != nil {
		reason := ReasonUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = ReasonTimeout
		}
		extractionCalls.WithLabelValues(string(cfg.Kind), "error").Inc()
		return s.fallBack(text, cfg.Kind, reason, fmt.Errorf("%w: %w", ErrBackendUnavailable, err))
	}

	res, err := extractor.ParseResponse(raw)
	if err != nil {
		extractionCalls.WithLabelValues(string(cfg.Kind), "malformed").Inc()
		return s.fallBack(text, cfg.Kind, ReasonMalformed, err)
	}
	res.Clamp()
	extractionCalls.WithLabelValues(string(cfg.Kind), "ok").Inc()
	return Outcome{Result: res, Backend: cfg.Kind}
}

// generate runs one model call bounded by the selector timeout. The call runs
// on its own goroutine so a backend that ignores ctx still cannot hold the caller.
func (s *Selector) generate(ctx context.Context, gen backend.Generator, model, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("backend panic: %v", r)}
			}
		}()
		text, err := gen.Generate(ctx, model, prompt)
		ch <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}

func (s *Selector) fallBack(text string, from types.BackendKind, reason FallbackReason, err error) Outcome {
	s.log.WithError(err).
		WithField("backend", from).
		WithField("reason", reason).
		Warn("model extraction failed, using keyword fallback")
	extractionFallbacks.WithLabelValues(string(reason)).Inc()
	return Outcome{
		Result:   s.fallback.Extract(text),
		Backend:  types.BackendFallback,
		FellBack: true,
		Reason:   reason,
		Err:      err,
	}
}

func (s *Selector) generator(kind types.BackendKind) backend.Generator {
	switch kind {
	case types.BackendDaemonClient:
		return s.daemon
	case types.BackendLocalEngine:
		return s.engine
	default:
		return nil
	}
}

// Switch activates kind after a fresh liveness check. An empty model keeps the
// current model name. On failure the active config is left untouched and the
// error wraps ErrInvalidBackendSwitch.
func (s *Selector) Switch(ctx context.Context, kind types.BackendKind, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.state.Load()
	if kind != types.BackendFallback {
		gen := s.generator(kind)
		if gen == nil {
			return fmt.Errorf("%w: %s is not configured", ErrInvalidBackendSwitch, kind)
		}
		if err := gen.Ping(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidBackendSwitch, kind, err)
		}
	}

	if model == "" {
		model = cur.config.ModelName
	}
	avail := make(map[types.BackendKind]bool, len(cur.available))
	for k, v := range cur.available {
		avail[k] = v
	}
	avail[kind] = true
	s.state.Store(&state{
		config:    types.BackendConfig{Kind: kind, ModelName: model, Available: true},
		available: avail,
	})
	s.log.WithField("backend", kind).WithField("model", model).Info("switched backend")
	return nil
}

// SwitchBackend is Switch reduced to a success flag.
func (s *Selector) SwitchBackend(ctx context.Context, kind types.BackendKind, model string) bool {
	if err := s.Switch(ctx, kind, model); err != nil {
		s.log.WithError(err).Warn("backend switch rejected")
		return false
	}
	return true
}

// Config returns the active backend record.
func (s *Selector) Config() types.BackendConfig {
	return s.state.Load().config
}

func (s *Selector) Status() Status {
	st := s.state.Load()
	out := Status{
		CurrentBackend:    st.config.Kind,
		CurrentModel:      st.config.ModelName,
		DaemonAvailable:   st.available[types.BackendDaemonClient],
		EngineAvailable:   st.available[types.BackendLocalEngine],
		AvailableBackends: []types.BackendKind{},
	}
	for _, k := range types.BackendPriority {
		if st.available[k] {
			out.AvailableBackends = append(out.AvailableBackends, k)
		}
	}
	return out
}

// ListModels lists the models of the active backend. The fallback has none.
func (s *Selector) ListModels(ctx context.Context) (types.BackendKind, []string, error) {
	kind := s.state.Load().config.Kind
	gen := s.generator(kind)
	if gen == nil {
		return kind, []string{}, nil
	}
	models, err := gen.ListModels(ctx)
	if err != nil {
		return kind, []string{}, err
	}
	return kind, models, nil
}
