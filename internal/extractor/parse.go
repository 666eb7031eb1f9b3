package extractor

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ndk-tracker-go/internal/types"
)

// ErrMalformedOutput is returned when model output holds no usable extraction object.
var ErrMalformedOutput = errors.New("malformed model output")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedOutput, fmt.Sprintf(format, args...))
}

// ParseResponse pulls the first balanced JSON object out of raw model output and
// validates it against the extraction schema. It never panics; any problem is
// reported as ErrMalformedOutput.
func ParseResponse(raw string) (types.ExtractionResult, error) {
	candidate, ok := extractJSON(raw)
	if !ok {
		return types.ExtractionResult{}, malformed("no balanced JSON object found")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &top); err != nil {
		return types.ExtractionResult{}, malformed("decode object: %v", err)
	}

	res := types.NewExtractionResult(0)

	data, ok := top["extracted_data"]
	if !ok || isNull(data) {
		return types.ExtractionResult{}, malformed("missing extracted_data")
	}
	var byKey map[string]json.RawMessage
	if err := json.Unmarshal(data, &byKey); err != nil {
		return types.ExtractionResult{}, malformed("extracted_data is not an object: %v", err)
	}
	for key, val := range byKey {
		cat, known := types.ParseCategory(key)
		if !known {
			continue
		}
		items, err := stringList(val)
		if err != nil {
			return types.ExtractionResult{}, malformed("extracted_data.%s: %v", key, err)
		}
		res.ExtractedData[cat] = append(res.ExtractedData[cat], items...)
	}

	if val, ok := top["missing_info"]; ok {
		items, err := stringList(val)
		if err != nil {
			return types.ExtractionResult{}, malformed("missing_info: %v", err)
		}
		res.MissingInfo = items
	}

	if val, ok := top["clarification_question"]; ok && !isNull(val) {
		var q string
		if err := json.Unmarshal(val, &q); err != nil {
			return types.ExtractionResult{}, malformed("clarification_question is not a string: %v", err)
		}
		if q = strings.TrimSpace(q); q != "" {
			res.ClarificationQuestion = &q
		}
	}

	conf, ok := top["confidence"]
	if !ok || isNull(conf) {
		return types.ExtractionResult{}, malformed("missing confidence")
	}
	if err := json.Unmarshal(conf, &res.Confidence); err != nil {
		return types.ExtractionResult{}, malformed("confidence is not a number: %v", err)
	}
	if res.Confidence < 0 || res.Confidence > 1 {
		return types.ExtractionResult{}, malformed("confidence %v outside [0,1]", res.Confidence)
	}

	res.Clamp()
	return res, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// stringList decodes a JSON array of strings. null decodes to an empty list and
// blank entries are dropped.
func stringList(raw json.RawMessage) ([]string, error) {
	if isNull(raw) {
		return []string{}, nil
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected a list of strings")
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

// extractJSON finds the first balanced JSON object in s. Each '{' is tried as a
// start in order; the object must close at depth zero on its own closing brace,
// so prose or stray braces after it are ignored. Braces inside string literals
// do not count toward depth.
func extractJSON(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end, ok := balancedEnd(s, start); ok {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// balancedEnd returns the index of the brace that closes the object opened at start.
func balancedEnd(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}
