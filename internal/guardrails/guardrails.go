// Package guardrails provides the pattern-based guardrail engine.
// It validates and sanitizes text entering and leaving the system and
// cross-checks structured tool results before they reach the customer.
//
// Pipelines:
//   - input: length, pii, injection, blocklist, strict-mode decision
//   - output: length, pii + sensitive redaction, inappropriate content,
//     factual consistency, tone
//   - structural: price/stock cross-check, policy compliance
//
// All pattern tables come from config.TableSource and are re-read on every
// call, so a tables reload takes effect on the next message.
package guardrails

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/pkg/models"
)

// ProductLookup is the slice of the domain repository the price/stock check needs.
type ProductLookup interface {
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
}

// Engine evaluates the guardrail pipelines. It holds no per-call state.
type Engine struct {
	tables   config.TableSource
	products ProductLookup
}

// New creates an Engine. products may be nil, which disables the price/stock check.
func New(tables config.TableSource, products ProductLookup) *Engine {
	return &Engine{tables: tables, products: products}
}

// ── Input ───────────────────────────────────────────────────

// ProcessInput runs the inbound pipeline, short-circuiting on a block.
func (e *Engine) ProcessInput(text string, strictMode bool) *models.InputGuardResult {
	t := e.tables.Current()
	g := t.Guardrails()

	res := &models.InputGuardResult{
		OK:          true,
		Warnings:    []string{},
		PIIDetected: []models.PIIMatch{},
	}

	n := utf8.RuneCountInString(strings.TrimSpace(text))
	if n < g.InputMinLength || n > g.InputMaxLength {
		res.OK = false
		res.Blocked = true
		res.BlockReason = g.LengthMessage
		res.Warnings = append(res.Warnings, "length out of range")
		metrics.GuardBlocks.WithLabelValues("length").Inc()
		return res
	}

	res.SanitizedText, res.PIIDetected = maskPII(t, text)
	for _, m := range res.PIIDetected {
		res.Warnings = append(res.Warnings, "pii detected: "+m.Description)
		metrics.GuardWarnings.WithLabelValues("input", "pii").Inc()
	}

	for _, r := range t.Injection {
		if r.Re.MatchString(text) {
			res.InjectionDetected = r.Name
			break
		}
	}

	lower := strings.ToLower(text)
	for _, term := range g.Blocklist {
		if term != "" && strings.Contains(lower, strings.ToLower(term)) {
			res.BlocklistHits = append(res.BlocklistHits, term)
		}
	}

	if res.InjectionDetected != "" {
		log.Warn().Str("signature", res.InjectionDetected).Bool("strict", strictMode).Msg("Prompt injection detected")
	}

	if strictMode && (res.InjectionDetected != "" || len(res.BlocklistHits) > 0) {
		res.OK = false
		res.Blocked = true
		res.BlockReason = g.BlockMessage
		reason := "blocklist"
		if res.InjectionDetected != "" {
			reason = "injection"
		}
		metrics.GuardBlocks.WithLabelValues(reason).Inc()
		return res
	}

	if res.InjectionDetected != "" {
		res.Warnings = append(res.Warnings, "possible prompt injection: "+res.InjectionDetected)
		metrics.GuardWarnings.WithLabelValues("input", "injection").Inc()
	}
	for _, hit := range res.BlocklistHits {
		res.Warnings = append(res.Warnings, "blocklist term: "+hit)
		metrics.GuardWarnings.WithLabelValues("input", "blocklist").Inc()
	}
	return res
}

// MaskPII replaces every PII match with its mask. Used for streamed chunks.
func (e *Engine) MaskPII(text string) string {
	masked, _ := maskPII(e.tables.Current(), text)
	return masked
}

func maskPII(t *config.Tables, text string) (string, []models.PIIMatch) {
	found := []models.PIIMatch{}
	for _, r := range t.PII {
		matches := r.Re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		found = append(found, models.PIIMatch{Type: r.Name, Description: r.Description, Count: len(matches)})
		text = r.Re.ReplaceAllLiteralString(text, r.Mask)
	}
	return text, found
}
