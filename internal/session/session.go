// Package session holds the per-conversation state machine and the registry of
// active sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ndk-tracker-go/internal/pipeline"
	"ndk-tracker-go/internal/types"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidState    = errors.New("invalid session state")
)

// DefaultMaxClarificationRounds caps consecutive clarification questions.
const DefaultMaxClarificationRounds = 3

// Extractor turns one piece of caregiver text into structured data.
type Extractor interface {
	Process(ctx context.Context, text string) pipeline.Outcome
}

// Saver persists a finalized session and reports where it went.
type Saver interface {
	Append(ctx context.Context, snap types.SessionSnapshot) (string, error)
}

// Response is returned from every Log and Clarify call.
type Response struct {
	SessionID                 string                 `json:"session_id"`
	ProcessedData             types.ExtractionResult `json:"processed_data"`
	SessionComplete           bool                   `json:"session_complete"`
	ClarificationNeeded       bool                   `json:"clarification_needed"`
	Question                  string                 `json:"question,omitempty"`
	ReadyToSave               bool                   `json:"ready_to_save,omitempty"`
	ClarificationLimitReached bool                   `json:"clarification_limit_reached,omitempty"`
	Backend                   types.BackendKind      `json:"backend"`
	FellBack                  bool                   `json:"fell_back,omitempty"`
}

// Session is one caregiver interaction. All methods are safe for concurrent
// use; calls on the same session run one at a time.
type Session struct {
	mu        sync.Mutex
	id        string
	startTime time.Time
	endTime   *time.Time
	turns     []types.Turn
	rawText   string
	data      map[types.Category][]string
	status    types.SessionStatus

	rounds    int // consecutive clarification questions asked
	maxRounds int
	now       func() time.Time
}

func newSession(id string, maxRounds int, now func() time.Time) *Session {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxClarificationRounds
	}
	if now == nil {
		now = time.Now
	}
	return &Session{id: id, status: types.StatusNew, maxRounds: maxRounds, now: now}
}

func (s *Session) ID() string { return s.id }

// Log records a user turn, runs extraction on text, and merges the result.
func (s *Session) Log(ctx context.Context, ext Extractor, text string, voice bool) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == types.StatusCompleted {
		return Response{}, fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	}
	if s.status == types.StatusNew {
		s.startTime = s.now().UTC()
		s.turns = []types.Turn{}
		s.data = make(map[types.Category][]string)
		s.status = types.StatusInProgress
	}

	s.turns = append(s.turns, types.Turn{
		From:       types.SpeakerUser,
		Message:    text,
		Timestamp:  s.now().UTC(),
		VoiceInput: voice,
	})
	if s.rawText == "" {
		s.rawText = text
	} else {
		s.rawText += " " + text
	}

	out := ext.Process(ctx, text)
	for _, c := range out.Result.NonEmpty() {
		s.data[c] = append(s.data[c], out.Result.ExtractedData[c]...)
	}

	resp := Response{
		SessionID:     s.id,
		ProcessedData: out.Result,
		Backend:       out.Backend,
		FellBack:      out.FellBack,
	}

	q := strings.TrimSpace(out.Result.Question())
	switch {
	case q != "" && s.rounds < s.maxRounds:
		s.rounds++
		s.turns = append(s.turns, types.Turn{From: types.SpeakerApp, Message: q, Timestamp: s.now().UTC()})
		s.status = types.StatusAwaitingClarification
		resp.ClarificationNeeded = true
		resp.Question = q
	case q != "":
		// Bound reached: stop asking and let the caller save what we have.
		s.status = types.StatusInProgress
		resp.ReadyToSave = true
		resp.ClarificationLimitReached = true
	default:
		s.rounds = 0
		s.status = types.StatusInProgress
		resp.ReadyToSave = true
	}
	return resp, nil
}

// Clarify answers an outstanding question. It takes the same path as a typed Log.
func (s *Session) Clarify(ctx context.Context, ext Extractor, answer string) (Response, error) {
	return s.Log(ctx, ext, answer, false)
}

// Finalize completes the session and hands its snapshot to saver exactly once.
// If saving fails the session returns to its previous state and stays usable.
func (s *Session) Finalize(ctx context.Context, saver Saver) (types.SessionSnapshot, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.status {
	case types.StatusCompleted:
		return types.SessionSnapshot{}, "", fmt.Errorf("%w: %s", ErrSessionNotFound, s.id)
	case types.StatusNew:
		return types.SessionSnapshot{}, "", fmt.Errorf("%w: session %s has no turns", ErrInvalidState, s.id)
	}

	prev := s.status
	end := s.now().UTC()
	s.endTime = &end
	s.status = types.StatusCompleted
	snap := s.snapshotLocked()

	loc, err := saver.Append(ctx, snap)
	if err != nil {
		s.endTime = nil
		s.status = prev
		return types.SessionSnapshot{}, "", fmt.Errorf("saving session %s: %w", s.id, err)
	}
	return snap, loc, nil
}

// Snapshot returns a deep copy of the session's current state.
func (s *Session) Snapshot() types.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) Status() types.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) snapshotLocked() types.SessionSnapshot {
	snap := types.SessionSnapshot{
		SessionID:        s.id,
		StartTime:        s.startTime,
		Conversation:     append([]types.Turn(nil), s.turns...),
		RawTextAggregate: s.rawText,
		StructuredData:   make(map[types.Category][]string, len(s.data)),
		Status:           s.status,
	}
	if s.endTime != nil {
		end := *s.endTime
		snap.EndTime = &end
	}
	for c, items := range s.data {
		snap.StructuredData[c] = append([]string(nil), items...)
	}
	return snap
}
