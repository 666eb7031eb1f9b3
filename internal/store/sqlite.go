package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"ndk-tracker-go/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	day        TEXT NOT NULL,
	payload    TEXT NOT NULL,
	saved_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_day ON sessions(day, seq);
`

// SQLiteStore keeps each finalized session as a JSON payload row keyed by day.
type SQLiteStore struct {
	db   *sql.DB
	path string
	loc  *time.Location
}

func OpenSQLite(path string, loc *time.Location) (*SQLiteStore, error) {
	if loc == nil {
		loc = time.Local
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer at a time; sessions are small and saves are rare.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path, loc: loc}, nil
}

func (s *SQLiteStore) Append(ctx context.Context, snap types.SessionSnapshot) (string, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encoding session: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, day, payload, saved_at) VALUES (?, ?, ?, ?)`,
		snap.SessionID, dayOf(snap, s.loc), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("inserting session: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("reading row id: %w", err)
	}
	return fmt.Sprintf("%s#%d", s.path, seq), nil
}

func (s *SQLiteStore) Read(ctx context.Context, date string) (types.DailyRecord, error) {
	if _, err := parseDay(date); err != nil {
		return types.DailyRecord{}, err
	}
	days, err := s.query(ctx, date, date)
	if err != nil {
		return types.DailyRecord{}, err
	}
	if len(days) == 0 {
		return types.DailyRecord{Date: date, Sessions: []types.SessionSnapshot{}}, nil
	}
	return days[0], nil
}

func (s *SQLiteStore) ReadRange(ctx context.Context, start, end string) ([]types.DailyRecord, error) {
	if _, _, err := parseRange(start, end); err != nil {
		return nil, err
	}
	return s.query(ctx, start, end)
}

func (s *SQLiteStore) query(ctx context.Context, start, end string) ([]types.DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT day, payload
		FROM sessions
		WHERE day BETWEEN ? AND ?
		ORDER BY day ASC, seq ASC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	out := []types.DailyRecord{}
	for rows.Next() {
		var day, payload string
		if err := rows.Scan(&day, &payload); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var snap types.SessionSnapshot
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return nil, fmt.Errorf("decoding session on %s: %w", day, err)
		}
		if n := len(out); n == 0 || out[n-1].Date != day {
			out = append(out, types.DailyRecord{Date: day})
		}
		last := &out[len(out)-1]
		last.Sessions = append(last.Sessions, snap)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
