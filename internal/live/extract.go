package live

import (
	"encoding/json"
	"strings"
)

// ExtractText returns the "text" field of a recognizer result, or "" if the
// input is not a JSON object carrying a string there.
func ExtractText(raw string) string {
	return extractField(raw, "text")
}

// ExtractPartial returns the "partial" field of a recognizer partial result,
// falling back to "text".
func ExtractPartial(raw string) string {
	if s := extractField(raw, "partial"); s != "" {
		return s
	}
	return extractField(raw, "text")
}

func extractField(raw, field string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return ""
	}
	v, ok := obj[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}
