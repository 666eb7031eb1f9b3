// Package settings persists user preferences and the reminder schedule as
// JSON files in the data directory.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"ndk-tracker-go/internal/types"
)

var ErrInvalid = errors.New("invalid settings")

type Accessibility struct {
	HighContrast bool `json:"high_contrast"`
	LargeText    bool `json:"large_text"`
	ScreenReader bool `json:"screen_reader"`
}

type Settings struct {
	InputMode     string        `json:"input_mode"`
	LLMModel      string        `json:"llm_model"`
	LLMBackend    string        `json:"llm_backend"`
	Theme         string        `json:"theme"`
	Accessibility Accessibility `json:"accessibility"`
}

type Reminder struct {
	Time    string `json:"time"`
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

type Schedule struct {
	Reminders []Reminder `json:"reminders"`
	Timezone  string     `json:"timezone"`
}

func DefaultSettings(backend types.BackendKind, model string) Settings {
	return Settings{
		InputMode:  "voice",
		LLMModel:   model,
		LLMBackend: string(backend),
		Theme:      "light",
	}
}

func DefaultSchedule() Schedule {
	return Schedule{
		Reminders: []Reminder{
			{Time: "08:00", Type: "breakfast", Enabled: true},
			{Time: "12:00", Type: "lunch", Enabled: true},
			{Time: "18:00", Type: "dinner", Enabled: true},
			{Time: "20:00", Type: "bedtime_routine", Enabled: true},
		},
		Timezone: "UTC",
	}
}

var clock = regexp.MustCompile(`^([01]\d|2[0-3]):[0-5]\d$`)

func (s Settings) Validate() error {
	switch s.InputMode {
	case "voice", "text":
	default:
		return fmt.Errorf("%w: input_mode %q", ErrInvalid, s.InputMode)
	}
	switch s.Theme {
	case "light", "dark":
	default:
		return fmt.Errorf("%w: theme %q", ErrInvalid, s.Theme)
	}
	if s.LLMBackend != "" {
		if _, err := types.ParseBackendKind(s.LLMBackend); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return nil
}

func (s Schedule) Validate() error {
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("%w: timezone %q", ErrInvalid, s.Timezone)
	}
	for i, r := range s.Reminders {
		if !clock.MatchString(r.Time) {
			return fmt.Errorf("%w: reminder %d time %q", ErrInvalid, i, r.Time)
		}
		if r.Type == "" {
			return fmt.Errorf("%w: reminder %d has no type", ErrInvalid, i)
		}
	}
	return nil
}

// FileStore keeps settings.json and schedule.json under one directory.
// Missing files read as the defaults.
type FileStore struct {
	dir      string
	defaults Settings
	mu       sync.Mutex
}

func NewFileStore(dir string, defaults Settings) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating settings dir: %w", err)
	}
	return &FileStore{dir: dir, defaults: defaults}, nil
}

func (f *FileStore) Settings() (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.defaults
	if err := f.read("settings.json", &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (f *FileStore) SaveSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write("settings.json", s)
}

func (f *FileStore) Schedule() (Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := DefaultSchedule()
	if err := f.read("schedule.json", &s); err != nil {
		return Schedule{}, err
	}
	return s, nil
}

func (f *FileStore) SaveSchedule(s Schedule) error {
	if s.Reminders == nil {
		s.Reminders = []Reminder{}
	}
	if s.Timezone == "" {
		s.Timezone = "UTC"
	}
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write("schedule.json", s)
}

func (f *FileStore) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(f.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", name, err)
	}
	return nil
}

func (f *FileStore) write(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	p := filepath.Join(f.dir, name)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("replacing %s: %w", p, err)
	}
	return nil
}
