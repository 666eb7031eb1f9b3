package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ndk-tracker-go/internal/types"
)

// JSONFileStore writes one YYYY-MM-DD.json file per day holding
// {"date": ..., "sessions": [...]}.
type JSONFileStore struct {
	dir string
	loc *time.Location
	mu  sync.Mutex
}

func NewJSONFileStore(dir string, loc *time.Location) (*JSONFileStore, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &JSONFileStore{dir: dir, loc: loc}, nil
}

func (s *JSONFileStore) path(day string) string {
	return filepath.Join(s.dir, day+".json")
}

func (s *JSONFileStore) Append(ctx context.Context, snap types.SessionSnapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	day := dayOf(snap, s.loc)

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.load(day)
	if err != nil {
		return "", err
	}
	rec.Sessions = append(rec.Sessions, snap)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", day, err)
	}
	p := s.path(day)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return "", fmt.Errorf("replacing %s: %w", p, err)
	}
	return p, nil
}

func (s *JSONFileStore) Read(ctx context.Context, date string) (types.DailyRecord, error) {
	if _, err := parseDay(date); err != nil {
		return types.DailyRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(date)
}

func (s *JSONFileStore) ReadRange(ctx context.Context, start, end string) ([]types.DailyRecord, error) {
	from, to, err := parseRange(start, end)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.DailyRecord{}
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.load(d.Format(types.DateLayout))
		if err != nil {
			return nil, err
		}
		if len(rec.Sessions) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// load reads one day's file. Callers hold mu.
func (s *JSONFileStore) load(day string) (types.DailyRecord, error) {
	rec := types.DailyRecord{Date: day, Sessions: []types.SessionSnapshot{}}
	data, err := os.ReadFile(s.path(day))
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("reading %s: %w", day, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decoding %s: %w", day, err)
	}
	if rec.Sessions == nil {
		rec.Sessions = []types.SessionSnapshot{}
	}
	return rec, nil
}

func (s *JSONFileStore) Close() error { return nil }
