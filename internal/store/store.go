// Package store persists finalized sessions, grouped by calendar day.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"ndk-tracker-go/internal/types"
)

var (
	ErrInvalidDate  = errors.New("invalid date")
	ErrInvalidRange = errors.New("invalid date range")
)

const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// Store is the persistence collaborator for completed sessions.
type Store interface {
	// Append saves one finalized session and returns where it was written.
	Append(ctx context.Context, snap types.SessionSnapshot) (string, error)
	// Read returns the sessions saved on date (YYYY-MM-DD). A day with nothing
	// saved yields a record with an empty session list.
	Read(ctx context.Context, date string) (types.DailyRecord, error)
	// ReadRange returns every non-empty day from start to end inclusive.
	ReadRange(ctx context.Context, start, end string) ([]types.DailyRecord, error)
	Close() error
}

// Open builds the store for driver under dataDir.
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return OpenSQLite(filepath.Join(dataDir, "ndk.sqlite"), time.Local)
	case DriverJSON:
		return NewJSONFileStore(filepath.Join(dataDir, "sessions"), time.Local)
	default:
		return nil, fmt.Errorf("unknown store driver %q (supported: sqlite, json)", driver)
	}
}

// dayOf is the calendar day a snapshot is filed under: its end time, or its
// start time if it never ended, in loc.
func dayOf(snap types.SessionSnapshot, loc *time.Location) string {
	t := snap.StartTime
	if snap.EndTime != nil {
		t = *snap.EndTime
	}
	if t.IsZero() {
		t = time.Now()
	}
	return t.In(loc).Format(types.DateLayout)
}

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(types.DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (want YYYY-MM-DD)", ErrInvalidDate, s)
	}
	return t, nil
}

func parseRange(start, end string) (time.Time, time.Time, error) {
	from, err := parseDay(start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseDay(end)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s is before %s", ErrInvalidRange, end, start)
	}
	return from, to, nil
}
