package extractor

import (
	"strings"

	"ndk-tracker-go/internal/types"
)

var categoryHints = map[types.Category]string{
	types.CategoryFood:       "what was eaten",
	types.CategoryMedication: "any meds taken",
	types.CategoryBehavior:   "mood, activities, incidents",
	types.CategoryExercise:   "physical activities",
	types.CategoryWater:      "fluid intake",
	types.CategoryPotty:      "bathroom activities",
	types.CategorySchool:     "feedback, events, notes",
}

const promptHeader = `You are helping extract structured data from user input about daily activities for a neurodiverse child.

Categories to extract:
`

const promptFooter = `
Please extract relevant information and identify any missing details that need clarification.
Only use the categories listed above. Put the caregiver's own words in each list.
If nothing is missing, set "clarification_question" to null.

Respond with a single JSON object and nothing else:
{
    "extracted_data": {
%s
    },
    "missing_info": [],
    "clarification_question": null,
    "confidence": 0.8
}
`

// BuildPrompt renders the extraction prompt for one piece of caregiver input.
// The output depends only on text, so identical input always yields an identical prompt.
func BuildPrompt(text string) string {
	var b strings.Builder
	b.WriteString(promptHeader)
	cats := types.AllCategories()
	for _, c := range cats {
		b.WriteString("- ")
		b.WriteString(string(c))
		b.WriteString(": ")
		b.WriteString(categoryHints[c])
		b.WriteString("\n")
	}

	b.WriteString("\nUser input: \"")
	b.WriteString(text)
	b.WriteString("\"\n")

	keys := make([]string, len(cats))
	for i, c := range cats {
		sep := ","
		if i == len(cats)-1 {
			sep = ""
		}
		keys[i] = `        "` + string(c) + `": []` + sep
	}
	b.WriteString(strings.Replace(promptFooter, "%s", strings.Join(keys, "\n"), 1))
	return b.String()
}
