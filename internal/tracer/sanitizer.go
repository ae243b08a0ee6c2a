package tracer

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const (
	redacted    = "[REDACTED]"
	maxDepth    = 12
	defaultStr  = 2000
	defaultList = 50
)

// secretPatterns are replaced inside any recorded string.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._\-]{16,}`),
	regexp.MustCompile(`(?i)\b(password|passwd|secret|api[_-]?key|token)\s*[:=]\s*\S+`),
	regexp.MustCompile(`\b\d{6}-[1-4]\d{6}\b`),
	regexp.MustCompile(`\b\d{4}[- ]\d{4}[- ]\d{4}[- ]\d{4}\b`),
}

// secretKeys are map keys (or key suffixes) whose values are dropped entirely.
var secretKeys = []string{"password", "api_key", "apikey", "secret", "token", "authorization", "credential"}

// Sanitizer makes arbitrary values safe to record: long strings and lists
// are truncated and secret-looking content is redacted, recursively.
type Sanitizer struct {
	MaxStringLen int
	MaxListLen   int
	// Mask, when non-nil, runs first on every string.
	Mask func(string) string
}

// NewSanitizer creates a sanitizer; non-positive limits use the defaults.
func NewSanitizer(maxString, maxList int) *Sanitizer {
	if maxString <= 0 {
		maxString = defaultStr
	}
	if maxList <= 0 {
		maxList = defaultList
	}
	return &Sanitizer{MaxStringLen: maxString, MaxListLen: maxList}
}

// Sanitize returns a JSON-shaped copy of v. Structs are converted through
// their JSON encoding so field tags decide what is recorded.
func (s *Sanitizer) Sanitize(v any) any {
	if v == nil {
		return nil
	}
	switch x := v.(type) {
	case string:
		return s.str(x)
	case bool, int, int64, float64:
		return x
	case error:
		return s.str(x.Error())
	}

	data, err := json.Marshal(v)
	if err != nil {
		return s.str(fmt.Sprintf("%+v", v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return s.str(string(data))
	}
	return s.walk(generic, 0)
}

// SanitizeMap is Sanitize for metadata maps.
func (s *Sanitizer) SanitizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out, _ := s.walk(toGeneric(m), 0).(map[string]any)
	return out
}

func toGeneric(m map[string]any) any {
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return map[string]any{}
	}
	return generic
}

func (s *Sanitizer) walk(v any, depth int) any {
	if depth > maxDepth {
		return "[TRUNCATED: max depth]"
	}
	switch x := v.(type) {
	case string:
		return s.str(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			if isSecretKey(k) {
				out[k] = redacted
				continue
			}
			out[k] = s.walk(val, depth+1)
		}
		return out
	case []any:
		n := len(x)
		if n > s.MaxListLen {
			n = s.MaxListLen
		}
		out := make([]any, 0, n+1)
		for _, item := range x[:n] {
			out = append(out, s.walk(item, depth+1))
		}
		if len(x) > n {
			out = append(out, fmt.Sprintf("... (%d more items)", len(x)-n))
		}
		return out
	default:
		return x
	}
}

func (s *Sanitizer) str(v string) string {
	if s.Mask != nil {
		v = s.Mask(v)
	}
	for _, re := range secretPatterns {
		v = re.ReplaceAllString(v, redacted)
	}
	r := []rune(v)
	if len(r) > s.MaxStringLen {
		return string(r[:s.MaxStringLen]) + fmt.Sprintf("... (truncated %d chars)", len(r)-s.MaxStringLen)
	}
	return v
}

func isSecretKey(k string) bool {
	lk := strings.ToLower(k)
	for _, sk := range secretKeys {
		if lk == sk || strings.HasSuffix(lk, "_"+sk) || strings.HasSuffix(lk, "-"+sk) {
			return true
		}
	}
	return false
}
