package types

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the fixed tracking domains.
type Category string

const (
	CategoryFood       Category = "food"
	CategoryMedication Category = "medication"
	CategoryBehavior   Category = "behavior"
	CategoryExercise   Category = "exercise"
	CategoryWater      Category = "water"
	CategoryPotty      Category = "potty"
	CategorySchool     Category = "school"
)

var allCategories = []Category{
	CategoryFood,
	CategoryMedication,
	CategoryBehavior,
	CategoryExercise,
	CategoryWater,
	CategoryPotty,
	CategorySchool,
}

// AllCategories returns the categories in display order.
func AllCategories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// ParseCategory maps a raw key to a Category. Matching ignores case and surrounding space.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range allCategories {
		if c == known {
			return c, true
		}
	}
	return "", false
}

type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerApp  Speaker = "app"
)

// Turn is one message in a session. Turns are never edited after append.
type Turn struct {
	From       Speaker   `json:"from"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	VoiceInput bool      `json:"voice_input,omitempty"`
}

// ExtractionResult is what every backend produces for one piece of input text.
type ExtractionResult struct {
	ExtractedData         map[Category][]string `json:"extracted_data"`
	MissingInfo           []string              `json:"missing_info"`
	ClarificationQuestion *string               `json:"clarification_question"`
	Confidence            float64               `json:"confidence"`
}

// NewExtractionResult returns a result with every category present and empty.
func NewExtractionResult(confidence float64) ExtractionResult {
	data := make(map[Category][]string, len(allCategories))
	for _, c := range allCategories {
		data[c] = []string{}
	}
	return ExtractionResult{
		ExtractedData: data,
		MissingInfo:   []string{},
		Confidence:    confidence,
	}
}

// Clamp forces confidence into [0,1] and drops keys outside the category set.
func (r *ExtractionResult) Clamp() {
	switch {
	case r.Confidence != r.Confidence: // NaN
		r.Confidence = 0
	case r.Confidence < 0:
		r.Confidence = 0
	case r.Confidence > 1:
		r.Confidence = 1
	}
	for c := range r.ExtractedData {
		if _, ok := ParseCategory(string(c)); !ok {
			delete(r.ExtractedData, c)
		}
	}
	if r.MissingInfo == nil {
		r.MissingInfo = []string{}
	}
}

// Question returns the clarification question, or "" when there is none.
func (r ExtractionResult) Question() string {
	if r.ClarificationQuestion == nil {
		return ""
	}
	return *r.ClarificationQuestion
}

// NonEmpty returns the categories that carry at least one item, in display order.
func (r ExtractionResult) NonEmpty() []Category {
	var out []Category
	for _, c := range allCategories {
		if len(r.ExtractedData[c]) > 0 {
			out = append(out, c)
		}
	}
	return out
}

// --------------------------------------------
// Backends
// --------------------------------------------

type BackendKind string

const (
	BackendDaemonClient BackendKind = "daemon_client"
	BackendLocalEngine  BackendKind = "local_engine"
	BackendFallback     BackendKind = "fallback"
)

// BackendPriority is the order used when the preferred backend is unavailable.
var BackendPriority = []BackendKind{BackendDaemonClient, BackendLocalEngine, BackendFallback}

// ParseBackendKind accepts the canonical names plus the older "ollama" and "llamacpp" aliases.
func ParseBackendKind(s string) (BackendKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "daemon_client", "daemon", "ollama":
		return BackendDaemonClient, nil
	case "local_engine", "local", "llamacpp", "llama.cpp":
		return BackendLocalEngine, nil
	case "fallback", "keyword", "none":
		return BackendFallback, nil
	default:
		return "", fmt.Errorf("unknown backend %q (supported: daemon_client, local_engine, fallback)", s)
	}
}

// BackendConfig is the active backend record. It is replaced as a whole, never edited.
type BackendConfig struct {
	Kind      BackendKind `json:"kind"`
	ModelName string      `json:"model_name"`
	Available bool        `json:"available"`
}

// --------------------------------------------
// Sessions
// --------------------------------------------

type SessionStatus string

const (
	StatusNew                   SessionStatus = "new"
	StatusInProgress            SessionStatus = "in_progress"
	StatusAwaitingClarification SessionStatus = "awaiting_clarification"
	StatusCompleted             SessionStatus = "completed"
)

// SessionSnapshot is the immutable copy of a session handed to persistence.
type SessionSnapshot struct {
	SessionID        string                `json:"session_id"`
	StartTime        time.Time             `json:"start_time"`
	EndTime          *time.Time            `json:"end_time,omitempty"`
	Conversation     []Turn                `json:"conversation"`
	RawTextAggregate string                `json:"raw_text_aggregate"`
	StructuredData   map[Category][]string `json:"structured_data"`
	Status           SessionStatus         `json:"status"`
}

// DailyRecord groups the sessions saved on one calendar day (YYYY-MM-DD).
type DailyRecord struct {
	Date     string            `json:"date"`
	Sessions []SessionSnapshot `json:"sessions"`
}

// DateLayout is the calendar-day format used for persistence keys.
const DateLayout = "2006-01-02"
