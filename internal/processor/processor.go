// Package processor is the inbound surface of the tracker. Every HTTP route
// and CLI command goes through a Processor.
package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ndk-tracker-go/internal/actionable"
	"ndk-tracker-go/internal/aggregator"
	"ndk-tracker-go/internal/export"
	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/pipeline"
	"ndk-tracker-go/internal/session"
	"ndk-tracker-go/internal/settings"
	"ndk-tracker-go/internal/store"
	"ndk-tracker-go/internal/types"
)

// ErrInvalidInput marks a request the caller can fix.
var ErrInvalidInput = errors.New("invalid input")

// timelineWindow is how far back Timeline, Digest and Export look when no
// start date is given.
const timelineWindow = 7 * 24 * time.Hour

type Options struct {
	Selector               *pipeline.Selector
	Store                  store.Store
	Settings               *settings.FileStore
	MaxClarificationRounds int
	Logger                 *logger.Logger
	Now                    func() time.Time
}

type Processor struct {
	sessions *session.Registry
	selector *pipeline.Selector
	store    store.Store
	settings *settings.FileStore
	now      func() time.Time
	log      *logger.Logger
}

func New(opts Options) *Processor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MaxClarificationRounds <= 0 {
		opts.MaxClarificationRounds = session.DefaultMaxClarificationRounds
	}
	log := logger.OrDiscard(opts.Logger)
	return &Processor{
		sessions: session.NewRegistry(session.RegistryOptions{
			Extractor:              opts.Selector,
			Saver:                  opts.Store,
			MaxClarificationRounds: opts.MaxClarificationRounds,
			Logger:                 log,
			Now:                    opts.Now,
		}),
		selector: opts.Selector,
		store:    opts.Store,
		settings: opts.Settings,
		now:      opts.Now,
		log:      log.Component("processor"),
	}
}

// --------------------------------------------
// Sessions
// --------------------------------------------

type LogRequest struct {
	Message    string `json:"message"`
	VoiceInput bool   `json:"voice_input"`
	SessionID  string `json:"session_id,omitempty"`
}

type ClarifyRequest struct {
	Response  string `json:"response"`
	SessionID string `json:"session_id"`
}

type SaveResult struct {
	Saved     bool   `json:"saved"`
	SessionID string `json:"session_id"`
	Location  string `json:"location,omitempty"`
}

func (p *Processor) Log(ctx context.Context, req LogRequest) (session.Response, error) {
	if strings.TrimSpace(req.Message) == "" {
		return session.Response{}, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	return p.sessions.Log(ctx, req.SessionID, req.Message, req.VoiceInput)
}

func (p *Processor) Clarify(ctx context.Context, req ClarifyRequest) (session.Response, error) {
	if req.SessionID == "" {
		return session.Response{}, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Response) == "" {
		return session.Response{}, fmt.Errorf("%w: response is required", ErrInvalidInput)
	}
	return p.sessions.Clarify(ctx, req.SessionID, req.Response)
}

// Finalize saves and closes a session. On a persistence failure the result
// has Saved false and the session stays open for a retry.
func (p *Processor) Finalize(ctx context.Context, id string) (SaveResult, error) {
	if id == "" {
		return SaveResult{}, fmt.Errorf("%w: session_id is required", ErrInvalidInput)
	}
	saved, err := p.sessions.Finalize(ctx, id)
	if err != nil {
		return SaveResult{Saved: false, SessionID: id}, err
	}
	return SaveResult{Saved: true, SessionID: saved.SessionID, Location: saved.Location}, nil
}

// --------------------------------------------
// Backends
// --------------------------------------------

type SwitchResult struct {
	Success   bool            `json:"success"`
	NewStatus pipeline.Status `json:"new_status"`
	Error     string          `json:"error,omitempty"`
}

type ModelsResult struct {
	Backend types.BackendKind `json:"backend"`
	Models  []string          `json:"models"`
	Error   string            `json:"error,omitempty"`
}

// BackendStatus re-probes the configured backends before reporting.
func (p *Processor) BackendStatus(ctx context.Context) pipeline.Status {
	return p.selector.Refresh(ctx)
}

// SwitchBackend accepts any backend name ParseBackendKind knows. A rejected
// switch is reported in the result, not as an error.
func (p *Processor) SwitchBackend(ctx context.Context, name, model string) (SwitchResult, error) {
	kind, err := types.ParseBackendKind(name)
	if err != nil {
		return SwitchResult{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	res := SwitchResult{Success: true}
	if err := p.selector.Switch(ctx, kind, model); err != nil {
		p.log.WithError(err).WithField("backend", kind).Warn("backend switch rejected")
		res.Success = false
		res.Error = err.Error()
	}
	res.NewStatus = p.selector.Status()
	return res, nil
}

func (p *Processor) ListModels(ctx context.Context) ModelsResult {
	kind, models, err := p.selector.ListModels(ctx)
	res := ModelsResult{Backend: kind, Models: models}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}

// --------------------------------------------
// Saved data
// --------------------------------------------

type SummaryQuery struct {
	Date      string
	StartDate string
	EndDate   string
}

// Summary returns one types.DailyRecord for a date (today when none is
// given) or a []types.DailyRecord when both range bounds are set.
func (p *Processor) Summary(ctx context.Context, q SummaryQuery) (any, error) {
	switch {
	case q.Date != "":
		return p.read(ctx, q.Date)
	case q.StartDate != "" && q.EndDate != "":
		return p.readRange(ctx, q.StartDate, q.EndDate)
	default:
		return p.read(ctx, p.today())
	}
}

func (p *Processor) Timeline(ctx context.Context, start, end string) (aggregator.Timeline, error) {
	days, err := p.window(ctx, start, end)
	if err != nil {
		return aggregator.Timeline{}, err
	}
	return aggregator.BuildTimeline(days), nil
}

type Digest struct {
	Summary aggregator.Summary `json:"summary"`
	Card    actionable.Card    `json:"card"`
}

func (p *Processor) Digest(ctx context.Context, start, end string) (Digest, error) {
	days, err := p.window(ctx, start, end)
	if err != nil {
		return Digest{}, err
	}
	sum := aggregator.Summarize(days)
	return Digest{Summary: sum, Card: actionable.Generate(sum)}, nil
}

// Export writes the window as an xlsx workbook.
func (p *Processor) Export(ctx context.Context, w io.Writer, start, end string) error {
	days, err := p.window(ctx, start, end)
	if err != nil {
		return err
	}
	return export.WriteWorkbook(w, days)
}

func (p *Processor) read(ctx context.Context, date string) (types.DailyRecord, error) {
	rec, err := p.store.Read(ctx, date)
	return rec, storeErr(err)
}

func (p *Processor) readRange(ctx context.Context, start, end string) ([]types.DailyRecord, error) {
	days, err := p.store.ReadRange(ctx, start, end)
	return days, storeErr(err)
}

// window reads start..end, defaulting to the last week through today.
func (p *Processor) window(ctx context.Context, start, end string) ([]types.DailyRecord, error) {
	now := p.now()
	if end == "" {
		end = now.Format(types.DateLayout)
	}
	if start == "" {
		start = now.Add(-timelineWindow).Format(types.DateLayout)
	}
	return p.readRange(ctx, start, end)
}

func (p *Processor) today() string {
	return p.now().Format(types.DateLayout)
}

func storeErr(err error) error {
	if errors.Is(err, store.ErrInvalidDate) || errors.Is(err, store.ErrInvalidRange) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

// --------------------------------------------
// Settings
// --------------------------------------------

type SettingsResult struct {
	Success  bool              `json:"success"`
	Settings settings.Settings `json:"settings"`
	Switched bool              `json:"backend_switched,omitempty"`
}

type ScheduleResult struct {
	Success  bool              `json:"success"`
	Schedule settings.Schedule `json:"schedule"`
}

func (p *Processor) Settings() (settings.Settings, error) {
	return p.settings.Settings()
}

// UpdateSettings saves s and switches the backend when its backend or model
// differs from the active one. A failed switch still saves the settings.
func (p *Processor) UpdateSettings(ctx context.Context, s settings.Settings) (SettingsResult, error) {
	if err := p.settings.SaveSettings(s); err != nil {
		return SettingsResult{}, settingsErr(err)
	}
	res := SettingsResult{Success: true, Settings: s}

	cur := p.selector.Config()
	kind := cur.Kind
	if s.LLMBackend != "" {
		kind, _ = types.ParseBackendKind(s.LLMBackend)
	}
	if kind != cur.Kind || (s.LLMModel != "" && s.LLMModel != cur.ModelName) {
		res.Switched = p.selector.SwitchBackend(ctx, kind, s.LLMModel)
	}
	return res, nil
}

func (p *Processor) Schedule() (settings.Schedule, error) {
	return p.settings.Schedule()
}

func (p *Processor) UpdateSchedule(s settings.Schedule) (ScheduleResult, error) {
	if err := p.settings.SaveSchedule(s); err != nil {
		return ScheduleResult{}, settingsErr(err)
	}
	saved, err := p.settings.Schedule()
	if err != nil {
		return ScheduleResult{}, err
	}
	return ScheduleResult{Success: true, Schedule: saved}, nil
}

func settingsErr(err error) error {
	if errors.Is(err, settings.ErrInvalid) {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return err
}

// --------------------------------------------
// Health
// --------------------------------------------

type Health struct {
	Status         string          `json:"status"`
	Timestamp      time.Time       `json:"timestamp"`
	LLMStatus      pipeline.Status `json:"llm_status"`
	ActiveSessions int             `json:"active_sessions"`
}

func (p *Processor) Health() Health {
	return Health{
		Status:         "healthy",
		Timestamp:      p.now().UTC(),
		LLMStatus:      p.selector.Status(),
		ActiveSessions: p.sessions.Active(),
	}
}
