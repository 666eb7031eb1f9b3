package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ndk-tracker-go/internal/logger"
	"ndk-tracker-go/internal/types"
)

var (
	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ndk",
		Name:      "sessions_active",
		Help:      "Sessions currently held in memory",
	})

	// sessionsFinalized counts finalize attempts by result (saved, failed).
	sessionsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ndk",
		Name:      "sessions_finalized_total",
		Help:      "Session finalize attempts by result",
	}, []string{"result"})
)

type RegistryOptions struct {
	Extractor              Extractor
	Saver                  Saver
	MaxClarificationRounds int
	Logger                 *logger.Logger
	Now                    func() time.Time // defaults to time.Now
}

// Saved describes a finalized session.
type Saved struct {
	SessionID string
	Location  string
	Snapshot  types.SessionSnapshot
}

// Registry owns every active session. The registry lock only guards the map;
// work on a session happens under that session's own lock, so sessions never
// block one another.
type Registry struct {
	ext       Extractor
	saver     Saver
	maxRounds int
	now       func() time.Time
	log       *logger.Logger

	mu        sync.Mutex
	sessions  map[string]*Session
	finalized map[string]struct{}
}

func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		ext:       opts.Extractor,
		saver:     opts.Saver,
		maxRounds: opts.MaxClarificationRounds,
		now:       opts.Now,
		log:       logger.OrDiscard(opts.Logger).Component("sessions"),
		sessions:  make(map[string]*Session),
		finalized: make(map[string]struct{}),
	}
}

// Log adds text to session id, creating the session when id is empty or not
// yet known. A finalized id is never reused.
func (r *Registry) Log(ctx context.Context, id, text string, voice bool) (Response, error) {
	s, err := r.getOrCreate(id)
	if err != nil {
		return Response{}, err
	}
	resp, err := s.Log(ctx, r.ext, text, voice)
	if err != nil {
		return Response{}, err
	}
	r.log.WithField("session_id", s.ID()).
		WithField("backend", resp.Backend).
		WithField("clarification_needed", resp.ClarificationNeeded).
		Debug("input logged")
	return resp, nil
}

// Clarify answers a question on an existing session.
func (r *Registry) Clarify(ctx context.Context, id, answer string) (Response, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Response{}, err
	}
	return s.Clarify(ctx, r.ext, answer)
}

// Finalize saves the session and drops it from the registry. Later calls with
// the same id fail with ErrSessionNotFound.
func (r *Registry) Finalize(ctx context.Context, id string) (Saved, error) {
	s, err := r.lookup(id)
	if err != nil {
		return Saved{}, err
	}
	snap, loc, err := s.Finalize(ctx, r.saver)
	if err != nil {
		if !errors.Is(err, ErrSessionNotFound) && !errors.Is(err, ErrInvalidState) {
			sessionsFinalized.WithLabelValues("failed").Inc()
			r.log.WithError(err).WithField("session_id", id).Error("session save failed")
		}
		return Saved{}, err
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.finalized[id] = struct{}{}
	r.mu.Unlock()
	sessionsActive.Dec()
	sessionsFinalized.WithLabelValues("saved").Inc()

	r.log.WithField("session_id", id).WithField("location", loc).Info("session saved")
	return Saved{SessionID: id, Location: loc, Snapshot: snap}, nil
}

// Get returns a snapshot of an active session.
func (r *Registry) Get(id string) (types.SessionSnapshot, error) {
	s, err := r.lookup(id)
	if err != nil {
		return types.SessionSnapshot{}, err
	}
	return s.Snapshot(), nil
}

// Active reports how many sessions are in memory.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) lookup(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

func (r *Registry) getOrCreate(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == "" {
		for {
			id = uuid.NewString()
			if _, taken := r.sessions[id]; !taken {
				break
			}
		}
	}
	if _, done := r.finalized[id]; done {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	s := newSession(id, r.maxRounds, r.now)
	r.sessions[id] = s
	sessionsActive.Inc()
	return s, nil
}
