package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndk-tracker-go/internal/types"
)

type fakeGen struct {
	kind    types.BackendKind
	mu      sync.Mutex
	up      bool
	reply   string
	err     error
	delay   time.Duration
	ignore  bool // ignore ctx while sleeping
	panics  bool
	models  []string
	prompts []string
	lastMod string
}

func (f *fakeGen) Kind() types.BackendKind { return f.kind }

func (f *fakeGen) Generate(ctx context.Context, model, prompt string) (string, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.lastMod = model
	delay, ignore, panics, reply, err := f.delay, f.ignore, f.panics, f.reply, f.err
	f.mu.Unlock()

	if panics {
		panic("engine exploded")
	}
	if delay > 0 {
		if ignore {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	return reply, err
}

func (f *fakeGen) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.up {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeGen) ListModels(ctx context.Context) ([]string, error) { return f.models, nil }

func (f *fakeGen) setUp(up bool) {
	f.mu.Lock()
	f.up = up
	f.mu.Unlock()
}

const goodReply = `Sure! {"extracted_data": {"food": ["ate a sandwich"], "weather": ["sunny"]},
 "missing_info": [], "clarification_question": null, "confidence": 0.9} hope that helps {}`

func newTestSelector(daemon, engine *fakeGen, timeout time.Duration) *Selector {
	opts := Options{Timeout: timeout}
	if daemon != nil {
		opts.Daemon = daemon
	}
	if engine != nil {
		opts.Engine = engine
	}
	return NewSelector(opts)
}

func TestInitializePrefersRequestedBackend(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient, up: true}
	engine := &fakeGen{kind: types.BackendLocalEngine, up: true}
	s := newTestSelector(daemon, engine, time.Second)

	cfg := s.Initialize(context.Background(), types.BackendLocalEngine, "mistral")
	assert.Equal(t, types.BackendLocalEngine, cfg.Kind)
	assert.Equal(t, "mistral", cfg.ModelName)

	st := s.Status()
	assert.Equal(t, types.BackendLocalEngine, st.CurrentBackend)
	assert.Equal(t, []types.BackendKind{types.BackendDaemonClient, types.BackendLocalEngine, types.BackendFallback}, st.AvailableBackends)
}

func TestInitializeFallsBackInPriorityOrder(t *testing.T) {
	tests := []struct {
		name     string
		daemonUp bool
		engineUp bool
		want     types.BackendKind
	}{
		{"preferred up", true, true, types.BackendLocalEngine},
		{"daemon when preferred down", true, false, types.BackendDaemonClient},
		{"fallback when all down", false, false, types.BackendFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			daemon := &fakeGen{kind: types.BackendDaemonClient, up: tt.daemonUp}
			engine := &fakeGen{kind: types.BackendLocalEngine, up: tt.engineUp}
			s := newTestSelector(daemon, engine, time.Second)
			cfg := s.Initialize(context.Background(), types.BackendLocalEngine, "llama2")
			assert.Equal(t, tt.want, cfg.Kind)
			assert.True(t, cfg.Available)
		})
	}
}

func TestInitializeWithNothingConfigured(t *testing.T) {
	s := NewSelector(Options{})
	cfg := s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")
	assert.Equal(t, types.BackendFallback, cfg.Kind)
	assert.Equal(t, []types.BackendKind{types.BackendFallback}, s.Status().AvailableBackends)
}

func TestProcessModelSuccess(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient, up: true, reply: goodReply}
	s := newTestSelector(daemon, nil, time.Second)
	s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")

	out := s.Process(context.Background(), "ate a sandwich")
	require.False(t, out.FellBack)
	assert.Equal(t, types.BackendDaemonClient, out.Backend)
	assert.Equal(t, []string{"ate a sandwich"}, out.Result.ExtractedData[types.CategoryFood])
	assert.NotContains(t, out.Result.ExtractedData, types.Category("weather"))
	assert.InDelta(t, 0.9, out.Result.Confidence, 1e-9)
	assert.Equal(t, "llama2", daemon.lastMod)
	require.Len(t, daemon.prompts, 1)
	assert.Contains(t, daemon.prompts[0], `"ate a sandwich"`)
}

func TestProcessFallsBackOnFailure(t *testing.T) {
	tests := []struct {
		name   string
		gen    *fakeGen
		reason FallbackReason
	}{
		{"backend error", &fakeGen{err: errors.New("HTTP 500")}, ReasonUnavailable},
		{"malformed output", &fakeGen{reply: `{"extracted_data": {"food": [`}, ReasonMalformed},
		{"confidence out of range", &fakeGen{reply: `{"extracted_data": {}, "confidence": 7}`}, ReasonMalformed},
		{"timeout", &fakeGen{delay: time.Second, reply: goodReply}, ReasonTimeout},
		{"timeout ignoring ctx", &fakeGen{delay: time.Second, ignore: true, reply: goodReply}, ReasonTimeout},
		{"panic", &fakeGen{panics: true}, ReasonUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.gen.kind = types.BackendDaemonClient
			tt.gen.up = true
			s := newTestSelector(tt.gen, nil, 50*time.Millisecond)
			s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")

			in := "My son ate a sandwich and seemed happy at lunch"
			start := time.Now()
			out := s.Process(context.Background(), in)
			assert.Less(t, time.Since(start), 500*time.Millisecond)

			assert.True(t, out.FellBack)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, types.BackendFallback, out.Backend)
			assert.Error(t, out.Err)
			assert.Equal(t, []string{in}, out.Result.ExtractedData[types.CategoryFood])
			assert.Equal(t, []string{in}, out.Result.ExtractedData[types.CategoryBehavior])
			assert.Equal(t, 0.6, out.Result.Confidence)
			// the active backend is not demoted by a single failed call
			assert.Equal(t, types.BackendDaemonClient, s.Status().CurrentBackend)
		})
	}
}

func TestProcessAlwaysWellFormed(t *testing.T) {
	replies := []string{"", "}{", "null", `{"extracted_data": {"food": "x"}, "confidence": 0.5}`, goodReply}
	inputs := []string{"", "今日は元気", "ate lunch", "\x00\xff"}
	for _, reply := range replies {
		gen := &fakeGen{kind: types.BackendDaemonClient, up: true, reply: reply}
		s := newTestSelector(gen, nil, time.Second)
		s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")
		for _, in := range inputs {
			out := s.Process(context.Background(), in)
			assert.GreaterOrEqual(t, out.Result.Confidence, 0.0)
			assert.LessOrEqual(t, out.Result.Confidence, 1.0)
			for c := range out.Result.ExtractedData {
				_, ok := types.ParseCategory(string(c))
				assert.True(t, ok, "unexpected category %q", c)
			}
		}
	}
}

func TestProcessFallbackSkipsPrompt(t *testing.T) {
	engine := &fakeGen{kind: types.BackendLocalEngine}
	s := newTestSelector(nil, engine, time.Second)
	s.Initialize(context.Background(), types.BackendLocalEngine, "llama2")

	out := s.Process(context.Background(), "took medicine")
	assert.False(t, out.FellBack)
	assert.Equal(t, types.BackendFallback, out.Backend)
	assert.Len(t, out.Result.ExtractedData[types.CategoryMedication], 1)
	assert.Empty(t, engine.prompts)
}

func TestSwitchBackend(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient}
	engine := &fakeGen{kind: types.BackendLocalEngine, up: true}
	s := newTestSelector(daemon, engine, time.Second)
	s.Initialize(context.Background(), types.BackendLocalEngine, "llama2")

	assert.False(t, s.SwitchBackend(context.Background(), types.BackendDaemonClient, "mistral"))
	st := s.Status()
	assert.Equal(t, types.BackendLocalEngine, st.CurrentBackend)
	assert.Equal(t, "llama2", st.CurrentModel)

	err := s.Switch(context.Background(), types.BackendDaemonClient, "")
	assert.ErrorIs(t, err, ErrInvalidBackendSwitch)

	daemon.setUp(true)
	require.True(t, s.SwitchBackend(context.Background(), types.BackendDaemonClient, ""))
	st = s.Status()
	assert.Equal(t, types.BackendDaemonClient, st.CurrentBackend)
	assert.Equal(t, "llama2", st.CurrentModel)
	assert.True(t, st.DaemonAvailable)

	require.True(t, s.SwitchBackend(context.Background(), types.BackendFallback, "none"))
	assert.Equal(t, types.BackendFallback, s.Config().Kind)
}

func TestSwitchUnconfiguredBackend(t *testing.T) {
	s := NewSelector(Options{})
	err := s.Switch(context.Background(), types.BackendLocalEngine, "")
	assert.ErrorIs(t, err, ErrInvalidBackendSwitch)
	assert.Equal(t, types.BackendFallback, s.Status().CurrentBackend)
}

func TestRefreshDemotesLostBackend(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient, up: true}
	engine := &fakeGen{kind: types.BackendLocalEngine, up: true}
	s := newTestSelector(daemon, engine, time.Second)
	s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")

	daemon.setUp(false)
	st := s.Refresh(context.Background())
	assert.Equal(t, types.BackendLocalEngine, st.CurrentBackend)
	assert.False(t, st.DaemonAvailable)
}

func TestListModels(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient, up: true, models: []string{"llama2:latest"}}
	s := newTestSelector(daemon, nil, time.Second)

	kind, models, err := s.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BackendFallback, kind)
	assert.Empty(t, models)

	s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")
	kind, models, err = s.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.BackendDaemonClient, kind)
	assert.Equal(t, []string{"llama2:latest"}, models)
}

func TestConcurrentProcessAndSwitch(t *testing.T) {
	daemon := &fakeGen{kind: types.BackendDaemonClient, up: true, reply: goodReply}
	engine := &fakeGen{kind: types.BackendLocalEngine, up: true, reply: goodReply}
	s := newTestSelector(daemon, engine, time.Second)
	s.Initialize(context.Background(), types.BackendDaemonClient, "llama2")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			out := s.Process(context.Background(), "ate a sandwich")
			assert.False(t, out.FellBack)
		}()
		go func(i int) {
			defer wg.Done()
			kinds := []types.BackendKind{types.BackendDaemonClient, types.BackendLocalEngine}
			s.SwitchBackend(context.Background(), kinds[i%2], "")
		}(i)
	}
	wg.Wait()
	cfg := s.Config()
	assert.Contains(t, []types.BackendKind{types.BackendDaemonClient, types.BackendLocalEngine}, cfg.Kind)
}
