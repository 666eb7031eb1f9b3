package backend

import (
	"strings"
	"unicode"

	"ndk-tracker-go/internal/types"
)

// FallbackConfidence is reported for every keyword extraction.
const FallbackConfidence = 0.6

// DefaultKeywords are the per-category trigger words for the keyword fallback.
func DefaultKeywords() map[types.Category][]string {
	return map[types.Category][]string{
		types.CategoryFood:       {"ate", "eat", "eating", "food", "lunch", "dinner", "breakfast", "snack", "drink", "meal"},
		types.CategoryMedication: {"medication", "medicine", "meds", "pill", "pills", "dose", "took"},
		types.CategoryBehavior:   {"happy", "sad", "angry", "calm", "meltdown", "behavior", "upset", "tantrum", "mood"},
		types.CategoryExercise:   {"exercise", "walk", "walked", "run", "ran", "swim", "swam", "bike", "gym", "played outside"},
		types.CategoryWater:      {"water", "drank", "juice", "milk", "cup", "cups", "fluids"},
		types.CategoryPotty:      {"potty", "toilet", "bathroom", "pee", "peed", "poop", "pooped", "diaper", "accident"},
		types.CategorySchool:     {"school", "teacher", "class", "classroom", "homework", "recess"},
	}
}

// KeywordFallback is the deterministic, model-free extractor. It cannot fail.
type KeywordFallback struct {
	phrases map[types.Category][][]string
}

// NewKeywordFallback builds the extractor. overrides replace the default list for
// the categories they name; unknown categories are ignored.
func NewKeywordFallback(overrides map[types.Category][]string) *KeywordFallback {
	lists := DefaultKeywords()
	for c, words := range overrides {
		if _, ok := types.ParseCategory(string(c)); ok && len(words) > 0 {
			lists[c] = words
		}
	}
	k := &KeywordFallback{phrases: make(map[types.Category][][]string, len(lists))}
	for c, words := range lists {
		for _, w := range words {
			if toks := tokenize(w); len(toks) > 0 {
				k.phrases[c] = append(k.phrases[c], toks)
			}
		}
	}
	return k
}

// Extract appends the whole input to every category whose keyword list matches
// a word or phrase in it. Matching is case-insensitive and on whole words.
func (k *KeywordFallback) Extract(text string) types.ExtractionResult {
	res := types.NewExtractionResult(FallbackConfidence)
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return res
	}
	for _, c := range types.AllCategories() {
		for _, phrase := range k.phrases[c] {
			if containsRun(tokens, phrase) {
				res.ExtractedData[c] = append(res.ExtractedData[c], text)
				break
			}
		}
	}
	return res
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

func containsRun(tokens, phrase []string) bool {
	if len(phrase) > len(tokens) {
		return false
	}
outer:
	for i := 0; i+len(phrase) <= len(tokens); i++ {
		for j, p := range phrase {
			if tokens[i+j] != p {
				continue outer
			}
		}
		return true
	}
	return false
}
