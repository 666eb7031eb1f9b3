package actionable

import (
	"fmt"
	"strings"

	"ndk-tracker-go/internal/aggregator"
	"ndk-tracker-go/internal/types"
)

// Card is a one-line digest for the caregiver.
type Card struct {
	Insight string `json:"insight"`
	Action  string `json:"action"`
	Impact  string `json:"impact"`
}

// dominantShare is the share of entries above which one category is called out.
const dominantShare = 0.6

func Generate(sum aggregator.Summary) Card {
	if sum.Sessions == 0 {
		return Card{
			Insight: "No observations logged for this period",
			Action:  "Log a quick note after the next meal or activity",
			Impact:  "Starts the daily record",
		}
	}

	if missing := sum.Missing(); len(missing) > 0 {
		names := make([]string, len(missing))
		for i, c := range missing {
			names[i] = string(c)
		}
		return Card{
			Insight: fmt.Sprintf("No %s entries across %d day(s)", strings.Join(names, ", "), sum.Days),
			Action:  fmt.Sprintf("Turn on a reminder for %s", names[0]),
			Impact:  "Fills gaps before the next appointment",
		}
	}

	var top types.Category
	highest := 0
	for _, c := range types.AllCategories() {
		if n := sum.CategoryCounts[c]; n > highest {
			highest = n
			top = c
		}
	}
	if share := float64(highest) / float64(sum.Entries); share >= dominantShare {
		return Card{
			Insight: fmt.Sprintf("Most entries are %s (%.0f%%)", top, share*100),
			Action:  "Check whether other areas are being noted as often",
			Impact:  "More balanced picture of the day",
		}
	}
	return Card{
		Insight: "Every category has entries",
		Action:  "Keep the current routine",
		Impact:  "Low immediate intervention",
	}
}
