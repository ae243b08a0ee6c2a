package guardrails

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/pkg/models"
)

var (
	currencyRe = regexp.MustCompile(`(\d{1,3}(?:,\d{3})+|\d+)\s*원`)
	numberRe   = regexp.MustCompile(`\d+(?:\.\d+)?`)
	sentenceRe = regexp.MustCompile(`[.!?。]+(?:\s+|$)|\n+`)
)

// ProcessOutput runs the outbound pipeline. source, when non-nil, is the
// structured data the response was generated from and enables the factual
// consistency check.
func (e *Engine) ProcessOutput(text string, source any) *models.OutputGuardResult {
	t := e.tables.Current()
	g := t.Guardrails()

	res := &models.OutputGuardResult{
		OK:            true,
		SanitizedText: text,
		Warnings:      []string{},
	}

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < g.OutputMinLength || n > g.OutputMaxLength {
		res.OK = false
		res.SanitizedText = g.ApologyMessage
		res.Warnings = append(res.Warnings, fmt.Sprintf("response length %d out of range", n))
		res.Modifications = append(res.Modifications, models.Modification{Kind: "replaced", Pattern: "length", Count: 1})
		metrics.GuardWarnings.WithLabelValues("output", "length").Inc()
		return res
	}

	// sanitization
	sanitized, pii, mods := redact(t, text)
	res.PIIDetected = pii
	res.Modifications = append(res.Modifications, mods...)
	if len(res.Modifications) > 0 {
		metrics.GuardWarnings.WithLabelValues("output", "redacted").Inc()
	}
	res.SanitizedText = sanitized

	lower := strings.ToLower(sanitized)
	for _, term := range g.Inappropriate {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			res.Inappropriate = append(res.Inappropriate, term)
		}
	}
	if len(res.Inappropriate) > 0 {
		res.Warnings = append(res.Warnings, "inappropriate content: "+strings.Join(res.Inappropriate, ", "))
		metrics.GuardWarnings.WithLabelValues("output", "inappropriate").Inc()
	}

	if source != nil {
		res.FactualWarnings = checkAmounts(sanitized, source, g.MaterialityThreshold)
		if len(res.FactualWarnings) > 0 {
			res.Warnings = append(res.Warnings, res.FactualWarnings...)
			metrics.GuardWarnings.WithLabelValues("output", "factual").Inc()
		}
	}

	if ratio, ok := politeRatio(sanitized, g.PoliteSuffixes); ok {
		res.PoliteRatio = &ratio
		if ratio < g.MinPoliteRatio {
			res.Warnings = append(res.Warnings, fmt.Sprintf("polite ratio %.2f below %.2f", ratio, g.MinPoliteRatio))
			metrics.GuardWarnings.WithLabelValues("output", "tone").Inc()
		}
	}

	return res
}

// Redact applies the PII masks and the sensitive-content rules of the
// output pipeline without the length, tone or factual checks. Streamed text
// goes through it before reaching the client.
func (e *Engine) Redact(text string) string {
	out, _, _ := redact(e.tables.Current(), text)
	return out
}

func redact(t *config.Tables, text string) (string, []models.PIIMatch, []models.Modification) {
	sanitized, pii := maskPII(t, text)
	var mods []models.Modification
	for _, m := range pii {
		mods = append(mods, models.Modification{Kind: "pii", Pattern: m.Type, Count: m.Count})
	}
	for _, r := range t.Sensitive {
		cnt := len(r.Re.FindAllStringIndex(sanitized, -1))
		if cnt == 0 {
			continue
		}
		sanitized = r.Re.ReplaceAllLiteralString(sanitized, r.Mask)
		mods = append(mods, models.Modification{Kind: "sensitive", Pattern: r.Name, Count: cnt})
	}
	return sanitized, pii, mods
}

// politeRatio splits text into sentences on terminal punctuation and returns
// the share ending with one of the suffixes. ok is false for text with no sentences.
func politeRatio(text string, suffixes []string) (float64, bool) {
	total, polite := 0, 0
	for _, s := range sentenceRe.Split(text, -1) {
		s = strings.TrimRightFunc(strings.TrimSpace(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if s == "" {
			continue
		}
		total++
		for _, suf := range suffixes {
			if strings.HasSuffix(s, suf) {
				polite++
				break
			}
		}
	}
	if total == 0 {
		return 0, false
	}
	return float64(polite) / float64(total), true
}

// checkAmounts flags currency amounts in the response that appear nowhere
// in the source data and exceed the materiality threshold.
func checkAmounts(text string, source any, threshold float64) []string {
	raw, err := json.Marshal(source)
	if err != nil {
		return nil
	}
	known := make(map[float64]bool)
	for _, m := range currencyRe.FindAllStringSubmatch(string(raw), -1) {
		if v, ok := parseAmount(m[1]); ok {
			known[v] = true
		}
	}
	for _, m := range numberRe.FindAllString(string(raw), -1) {
		if v, err := strconv.ParseFloat(m, 64); err == nil {
			known[v] = true
		}
	}

	var warnings []string
	for _, m := range currencyRe.FindAllStringSubmatch(text, -1) {
		v, ok := parseAmount(m[1])
		if !ok || v <= threshold || known[v] {
			continue
		}
		warnings = append(warnings, "amount not found in source data: "+m[0])
	}
	return warnings
}

func parseAmount(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	return v, err == nil
}
