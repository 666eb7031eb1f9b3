package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ndk-tracker-go/internal/backend"
	"ndk-tracker-go/internal/pipeline"
	"ndk-tracker-go/internal/session"
	"ndk-tracker-go/internal/settings"
	"ndk-tracker-go/internal/store"
	"ndk-tracker-go/internal/types"
)

var fixedNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

type failingStore struct{ store.Store }

func (failingStore) Append(context.Context, types.SessionSnapshot) (string, error) {
	return "", errors.New("disk full")
}

// daemon answers like an Ollama-compatible server with a fixed extraction.
func daemon(t *testing.T) *backend.DaemonClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"llama2"},{"name":"mistral"}]}`))
		case "/api/generate":
			json.NewEncoder(w).Encode(map[string]any{
				"response": `{"extracted_data":{"food":["pancakes"]},"missing_info":[],"clarification_question":null,"confidence":0.9}`,
				"done":     true,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return backend.NewDaemonClient(backend.DaemonConfig{BaseURL: srv.URL, ProbeTimeout: time.Second}, nil)
}

func newProcessor(t *testing.T, withDaemon bool, st store.Store) *Processor {
	t.Helper()
	dir := t.TempDir()
	if st == nil {
		var err error
		st, err = store.NewJSONFileStore(filepath.Join(dir, "sessions"), time.UTC)
		require.NoError(t, err)
	}
	opts := pipeline.Options{Timeout: 2 * time.Second}
	if withDaemon {
		opts.Daemon = daemon(t)
	}
	sel := pipeline.NewSelector(opts)
	sel.Initialize(context.Background(), types.BackendDaemonClient, "llama2")

	fs, err := settings.NewFileStore(dir, settings.DefaultSettings(types.BackendDaemonClient, "llama2"))
	require.NoError(t, err)

	return New(Options{
		Selector: sel,
		Store:    st,
		Settings: fs,
		Now:      func() time.Time { return fixedNow },
	})
}

func TestLogAndFinalize(t *testing.T) {
	p := newProcessor(t, false, nil)
	ctx := context.Background()

	resp, err := p.Log(ctx, LogRequest{Message: "he ate a sandwich", VoiceInput: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.SessionID)
	assert.Equal(t, types.BackendFallback, resp.Backend)
	assert.Equal(t, 1, p.Health().ActiveSessions)

	res, err := p.Finalize(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.True(t, res.Saved)
	assert.Equal(t, resp.SessionID, res.SessionID)
	assert.NotEmpty(t, res.Location)
	assert.Equal(t, 0, p.Health().ActiveSessions)

	_, err = p.Finalize(ctx, resp.SessionID)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)

	day, err := p.Summary(ctx, SummaryQuery{})
	require.NoError(t, err)
	rec := day.(types.DailyRecord)
	assert.Equal(t, "2025-03-10", rec.Date)
	require.Len(t, rec.Sessions, 1)
	assert.Equal(t, []string{"he ate a sandwich"}, rec.Sessions[0].StructuredData[types.CategoryFood])
}

func TestValidation(t *testing.T) {
	p := newProcessor(t, false, nil)
	ctx := context.Background()

	_, err := p.Log(ctx, LogRequest{Message: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.Clarify(ctx, ClarifyRequest{Response: "yes"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.Clarify(ctx, ClarifyRequest{SessionID: "nope", Response: "yes"})
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
	_, err = p.Finalize(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.Summary(ctx, SummaryQuery{Date: "yesterday"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.Timeline(ctx, "2025-03-10", "2025-03-01")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = p.SwitchBackend(ctx, "gpt", "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFinalizeSaveFailureKeepsSession(t *testing.T) {
	p := newProcessor(t, false, failingStore{})
	ctx := context.Background()

	resp, err := p.Log(ctx, LogRequest{Message: "took medicine"})
	require.NoError(t, err)

	res, err := p.Finalize(ctx, resp.SessionID)
	require.Error(t, err)
	assert.False(t, res.Saved)
	assert.Equal(t, 1, p.Health().ActiveSessions)

	_, err = p.Log(ctx, LogRequest{Message: "and water", SessionID: resp.SessionID})
	assert.NoError(t, err)
}

func TestModelBackend(t *testing.T) {
	p := newProcessor(t, true, nil)
	ctx := context.Background()

	st := p.BackendStatus(ctx)
	assert.Equal(t, types.BackendDaemonClient, st.CurrentBackend)
	assert.True(t, st.DaemonAvailable)

	resp, err := p.Log(ctx, LogRequest{Message: "breakfast"})
	require.NoError(t, err)
	assert.Equal(t, types.BackendDaemonClient, resp.Backend)
	assert.Equal(t, []string{"pancakes"}, resp.ProcessedData.ExtractedData[types.CategoryFood])

	models := p.ListModels(ctx)
	assert.Equal(t, types.BackendDaemonClient, models.Backend)
	assert.Equal(t, []string{"llama2", "mistral"}, models.Models)
	assert.Empty(t, models.Error)
}

func TestSwitchBackend(t *testing.T) {
	p := newProcessor(t, false, nil)
	ctx := context.Background()

	res, err := p.SwitchBackend(ctx, "ollama", "mistral")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, types.BackendFallback, res.NewStatus.CurrentBackend)

	res, err = p.SwitchBackend(ctx, "fallback", "mistral")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "mistral", res.NewStatus.CurrentModel)
}

func TestSummaryRange(t *testing.T) {
	p := newProcessor(t, false, nil)
	ctx := context.Background()
	resp, err := p.Log(ctx, LogRequest{Message: "went to school"})
	require.NoError(t, err)
	_, err = p.Finalize(ctx, resp.SessionID)
	require.NoError(t, err)

	out, err := p.Summary(ctx, SummaryQuery{StartDate: "2025-03-01", EndDate: "2025-03-31"})
	require.NoError(t, err)
	days := out.([]types.DailyRecord)
	require.Len(t, days, 1)

	// only one bound falls back to today
	out, err = p.Summary(ctx, SummaryQuery{StartDate: "2025-03-01"})
	require.NoError(t, err)
	assert.Equal(t, "2025-03-10", out.(types.DailyRecord).Date)
}

func TestTimelineDigestExport(t *testing.T) {
	p := newProcessor(t, false, nil)
	ctx := context.Background()
	resp, err := p.Log(ctx, LogRequest{Message: "ate lunch and drank water"})
	require.NoError(t, err)
	_, err = p.Finalize(ctx, resp.SessionID)
	require.NoError(t, err)

	tl, err := p.Timeline(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, tl.Groups, 7)
	require.Len(t, tl.Items, 2)
	assert.Equal(t, resp.SessionID, tl.Items[0].SessionID)

	tl, err = p.Timeline(ctx, "2025-01-01", "2025-01-31")
	require.NoError(t, err)
	assert.Empty(t, tl.Items)

	dg, err := p.Digest(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, dg.Summary.Sessions)
	assert.Equal(t, 1, dg.Summary.CategoryCounts[types.CategoryWater])
	assert.Contains(t, dg.Card.Insight, "medication")

	var buf bytes.Buffer
	require.NoError(t, p.Export(ctx, &buf, "", ""))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Entries")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestUpdateSettingsSwitchesBackend(t *testing.T) {
	p := newProcessor(t, true, nil)
	ctx := context.Background()

	s, err := p.Settings()
	require.NoError(t, err)
	assert.Equal(t, "llama2", s.LLMModel)

	s.LLMModel = "mistral"
	res, err := p.UpdateSettings(ctx, s)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Switched)
	assert.Equal(t, "mistral", p.BackendStatus(ctx).CurrentModel)

	// unchanged backend and model do not switch
	res, err = p.UpdateSettings(ctx, s)
	require.NoError(t, err)
	assert.False(t, res.Switched)

	s.Theme = "neon"
	_, err = p.UpdateSettings(ctx, s)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSchedule(t *testing.T) {
	p := newProcessor(t, false, nil)
	sch, err := p.Schedule()
	require.NoError(t, err)
	assert.Len(t, sch.Reminders, 4)

	res, err := p.UpdateSchedule(settings.Schedule{Reminders: []settings.Reminder{{Time: "09:30", Type: "medication", Enabled: true}}})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "UTC", res.Schedule.Timezone)

	_, err = p.UpdateSchedule(settings.Schedule{Timezone: "Nowhere/Land"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHealth(t *testing.T) {
	p := newProcessor(t, false, nil)
	h := p.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, fixedNow, h.Timestamp)
	assert.Equal(t, types.BackendFallback, h.LLMStatus.CurrentBackend)
}
