// Package aggregator turns saved days into timeline items and category summaries.
package aggregator

import (
	"fmt"
	"strings"
	"time"

	"ndk-tracker-go/internal/types"
)

type TimelineItem struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Start     string         `json:"start"`
	Group     types.Category `json:"group"`
	Category  types.Category `json:"category"`
	SessionID string         `json:"session_id"`
}

type TimelineGroup struct {
	ID      types.Category `json:"id"`
	Content string         `json:"content"`
}

type Timeline struct {
	Items  []TimelineItem  `json:"items"`
	Groups []TimelineGroup `json:"groups"`
}

// Groups returns the fixed timeline lanes, one per category.
func Groups() []TimelineGroup {
	cats := types.AllCategories()
	out := make([]TimelineGroup, 0, len(cats))
	for _, c := range cats {
		out = append(out, TimelineGroup{ID: c, Content: strings.ToUpper(string(c[:1])) + string(c[1:])})
	}
	return out
}

// BuildTimeline emits one item per structured entry, in day, session and
// category order.
func BuildTimeline(days []types.DailyRecord) Timeline {
	items := []TimelineItem{}
	for _, d := range days {
		for _, s := range d.Sessions {
			start := d.Date
			if !s.StartTime.IsZero() {
				start = s.StartTime.Format(time.RFC3339)
			}
			for _, c := range types.AllCategories() {
				for _, entry := range s.StructuredData[c] {
					items = append(items, TimelineItem{
						ID:        fmt.Sprintf("%s_%s_%d", s.SessionID, c, len(items)),
						Content:   entry,
						Start:     start,
						Group:     c,
						Category:  c,
						SessionID: s.SessionID,
					})
				}
			}
		}
	}
	return Timeline{Items: items, Groups: Groups()}
}

type Summary struct {
	Start          string                 `json:"start,omitempty"`
	End            string                 `json:"end,omitempty"`
	Days           int                    `json:"days"`
	Sessions       int                    `json:"sessions"`
	Entries        int                    `json:"entries"`
	CategoryCounts map[types.Category]int `json:"category_counts"`
	EntriesPerDay  map[string]int         `json:"entries_per_day"`
	// VoiceRate is the share of user turns that were spoken rather than typed.
	VoiceRate float64 `json:"voice_rate"`
}

// Summarize counts entries per category across days.
func Summarize(days []types.DailyRecord) Summary {
	sum := Summary{
		CategoryCounts: make(map[types.Category]int),
		EntriesPerDay:  make(map[string]int),
	}
	for _, c := range types.AllCategories() {
		sum.CategoryCounts[c] = 0
	}

	var userTurns, voiceTurns int
	for _, d := range days {
		if len(d.Sessions) == 0 {
			continue
		}
		sum.Days++
		if sum.Start == "" || d.Date < sum.Start {
			sum.Start = d.Date
		}
		if d.Date > sum.End {
			sum.End = d.Date
		}
		for _, s := range d.Sessions {
			sum.Sessions++
			for c, entries := range s.StructuredData {
				if _, ok := types.ParseCategory(string(c)); !ok {
					continue
				}
				sum.CategoryCounts[c] += len(entries)
				sum.Entries += len(entries)
				sum.EntriesPerDay[d.Date] += len(entries)
			}
			for _, t := range s.Conversation {
				if t.From != types.SpeakerUser {
					continue
				}
				userTurns++
				if t.VoiceInput {
					voiceTurns++
				}
			}
		}
	}
	if userTurns > 0 {
		sum.VoiceRate = float64(voiceTurns) / float64(userTurns)
	}
	return sum
}

// Missing returns the categories with no entries, in display order.
func (s Summary) Missing() []types.Category {
	var out []types.Category
	for _, c := range types.AllCategories() {
		if s.CategoryCounts[c] == 0 {
			out = append(out, c)
		}
	}
	return out
}
