package intent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentoven/shopdesk/pkg/models"
)

// Verdict is the normalized LLM classification reply.
type Verdict struct {
	Intent     models.Intent
	SubIntent  string
	Confidence models.Confidence
	Entities   map[string]string
	Reason     string
}

type rawVerdict struct {
	Intent     any            `json:"intent"`
	SubIntent  any            `json:"sub_intent"`
	Confidence any            `json:"confidence"`
	Entities   map[string]any `json:"entities"`
	Reason     any            `json:"reason"`
}

// ParseLLMResponse extracts a verdict from an untrusted model reply. It
// tolerates code fences, surrounding prose and literal "null" values.
// ok is false when no usable JSON object with an intent is present; callers
// must fall back instead of retrying.
func ParseLLMResponse(raw string) (Verdict, bool) {
	body := strings.TrimSpace(raw)
	if body == "" || strings.EqualFold(body, "null") {
		return Verdict{}, false
	}
	body = stripFences(body)

	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return Verdict{}, false
	}

	var rv rawVerdict
	if err := json.Unmarshal([]byte(body[start:end+1]), &rv); err != nil {
		return Verdict{}, false
	}

	v := Verdict{
		Intent:     models.Intent(strings.ToLower(str(rv.Intent))),
		SubIntent:  strings.ToLower(str(rv.SubIntent)),
		Confidence: confidence(rv.Confidence),
		Reason:     str(rv.Reason),
		Entities:   make(map[string]string),
	}
	if v.Intent == "" {
		return Verdict{}, false
	}
	for k, val := range rv.Entities {
		if s := str(val); s != "" {
			v.Entities[k] = s
		}
	}
	return v, true
}

func stripFences(s string) string {
	i := strings.Index(s, "```")
	if i < 0 {
		return s
	}
	rest := s[i+3:]
	// drop the language tag line
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if j := strings.Index(rest, "```"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// str normalizes a JSON scalar to a trimmed string, mapping null-ish values to "".
func str(v any) string {
	var s string
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		s = x
	case float64:
		s = fmt.Sprintf("%g", x)
	case bool:
		s = fmt.Sprintf("%t", x)
	default:
		return ""
	}
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "null", "none", "nil", "n/a":
		return ""
	}
	return s
}

// confidence accepts the ordinal labels or a 0..1 score.
func confidence(v any) models.Confidence {
	if f, ok := v.(float64); ok {
		switch {
		case f >= 0.8:
			return models.ConfidenceHigh
		case f >= 0.5:
			return models.ConfidenceMedium
		default:
			return models.ConfidenceLow
		}
	}
	c := models.Confidence(strings.ToLower(str(v)))
	if c.Rank() == 0 {
		return ""
	}
	return c
}
