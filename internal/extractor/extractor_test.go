package extractor

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ndk-tracker-go/internal/types"
)

func TestBuildPromptDeterministic(t *testing.T) {
	a := BuildPrompt("ate a sandwich")
	b := BuildPrompt("ate a sandwich")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, BuildPrompt("took medicine"))
}

func TestBuildPromptListsCategoriesAndKeys(t *testing.T) {
	p := BuildPrompt("Lily drank two cups of water")
	for _, c := range types.AllCategories() {
		assert.Contains(t, p, "- "+string(c)+": ")
		assert.Contains(t, p, `"`+string(c)+`": []`)
	}
	for _, key := range []string{"extracted_data", "missing_info", "clarification_question", "confidence"} {
		assert.Contains(t, p, `"`+key+`"`)
	}
	assert.Contains(t, p, `User input: "Lily drank two cups of water"`)
	assert.NotContains(t, p, "%s")
}

const validBody = `{
  "extracted_data": {"food": ["ate a sandwich"], "medication": [], "snacks": ["chips"]},
  "missing_info": ["time of lunch"],
  "clarification_question": "What time was lunch?",
  "confidence": 0.85
}`

func TestParseResponseValid(t *testing.T) {
	res, err := ParseResponse(validBody)
	require.NoError(t, err)
	assert.Equal(t, []string{"ate a sandwich"}, res.ExtractedData[types.CategoryFood])
	assert.Empty(t, res.ExtractedData[types.CategoryMedication])
	assert.NotContains(t, res.ExtractedData, types.Category("snacks"))
	assert.Equal(t, []string{"time of lunch"}, res.MissingInfo)
	assert.Equal(t, "What time was lunch?", res.Question())
	assert.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestParseResponseTrailingProse(t *testing.T) {
	raw := "Sure! Here is the data:\n```json\n" + validBody + "\n```\nsome extra notes {with braces}"
	res, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"ate a sandwich"}, res.ExtractedData[types.CategoryFood])
}

func TestParseResponseBracesInsideStrings(t *testing.T) {
	raw := `{"extracted_data": {"behavior": ["drew a face :-} and laughed {a lot}"]}, "missing_info": [], "clarification_question": null, "confidence": 0.7} trailing }`
	res, err := ParseResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, []string{"drew a face :-} and laughed {a lot}"}, res.ExtractedData[types.CategoryBehavior])
	assert.Nil(t, res.ClarificationQuestion)
}

func TestParseResponseSkipsLeadingNonJSONBraces(t *testing.T) {
	raw := `I considered {food, water} first. ` + validBody
	_, err := ParseResponse(raw)
	require.NoError(t, err)
}

func TestParseResponseMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"no json", "I could not find anything useful."},
		{"truncated", `{"extracted_data": {"food": ["toast"]}, "confidence": 0.9`},
		{"mismatched", `{"extracted_data": {"food": ["toast"]]}, "confidence": 0.9}`},
		{"missing extracted_data", `{"missing_info": [], "confidence": 0.5}`},
		{"missing confidence", `{"extracted_data": {}}`},
		{"confidence too high", `{"extracted_data": {}, "confidence": 1.5}`},
		{"confidence negative", `{"extracted_data": {}, "confidence": -0.1}`},
		{"confidence string", `{"extracted_data": {}, "confidence": "high"}`},
		{"list of objects", `{"extracted_data": {"food": [{"item": "toast"}]}, "confidence": 0.5}`},
		{"extracted_data array", `{"extracted_data": ["toast"], "confidence": 0.5}`},
		{"question number", `{"extracted_data": {}, "clarification_question": 3, "confidence": 0.5}`},
		{"missing_info string", `{"extracted_data": {}, "missing_info": "time", "confidence": 0.5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedOutput), "got %v", err)
		})
	}
}

func TestParseResponseBlankQuestionIsNull(t *testing.T) {
	res, err := ParseResponse(`{"extracted_data": {"water": null}, "clarification_question": "  ", "confidence": 1}`)
	require.NoError(t, err)
	assert.Nil(t, res.ClarificationQuestion)
	assert.Empty(t, res.ExtractedData[types.CategoryWater])
	assert.Empty(t, res.MissingInfo)
}

func TestParseResponseCategoryKeysCaseInsensitive(t *testing.T) {
	res, err := ParseResponse(`{"extracted_data": {"Potty": ["used the toilet"]}, "confidence": 0.4}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"used the toilet"}, res.ExtractedData[types.CategoryPotty])
}

func TestExtractJSONNeverPanicsOnOddInput(t *testing.T) {
	inputs := []string{"{", "}", "{{{{", `{"a":"\`, strings.Repeat("{", 500), "日本語 {\"x\": 1}"}
	for _, in := range inputs {
		assert.NotPanics(t, func() { _, _ = ParseResponse(in) })
	}
}
