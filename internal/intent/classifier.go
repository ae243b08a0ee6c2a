// Package intent classifies customer messages into an intent, a sub-intent
// and extracted entities.
//
// Two paths exist. The keyword path walks a priority-ordered table and always
// succeeds. The optional LLM path asks a provider for a JSON verdict, and any
// failure on it falls back to the keyword path.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/pkg/models"
)

// Chatter is the provider capability the LLM path needs.
type Chatter interface {
	Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error)
}

// Options configure the LLM path.
type Options struct {
	UseLLM        bool
	Timeout       time.Duration
	Retries       int // 0 or 1
	MinConfidence models.Confidence
}

// Classifier is safe for concurrent use.
type Classifier struct {
	tables config.TableSource
	llm    Chatter
	opts   Options
}

// NewClassifier creates a classifier. llm may be nil, which disables the LLM path.
func NewClassifier(tables config.TableSource, llm Chatter, opts Options) *Classifier {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Retries > 1 {
		opts.Retries = 1
	}
	if opts.MinConfidence == "" {
		opts.MinConfidence = models.ConfidenceMedium
	}
	return &Classifier{tables: tables, llm: llm, opts: opts}
}

// Classify tries the LLM path first when enabled and falls back to the
// keyword path on any failure, parse error or low confidence.
func (c *Classifier) Classify(ctx context.Context, message string) models.IntentResult {
	ctx, span := otel.Tracer("shopdesk/intent").Start(ctx, "intent.Classify",
		trace.WithAttributes(attribute.Int("message.length", len(message))),
	)
	defer span.End()

	var result models.IntentResult
	if res, err := c.classifyLLM(ctx, message); err == nil {
		result = res
	} else {
		if !errors.Is(err, errLLMDisabled) {
			log.Debug().Err(err).Msg("LLM intent classification discarded, using keywords")
			span.SetAttributes(attribute.String("fallback.reason", err.Error()))
		}
		result = c.ClassifyKeyword(message)
	}

	span.SetAttributes(
		attribute.String("intent", string(result.Intent)),
		attribute.String("sub_intent", result.SubIntent),
		attribute.String("source", string(result.Source)),
		attribute.String("confidence", string(result.Confidence)),
	)
	metrics.IntentClassifications.WithLabelValues(string(result.Source), string(result.Intent)).Inc()
	return result
}

var errLLMDisabled = errors.New("llm classification disabled")

// classifyLLM makes one provider call with a bounded timeout, retried at
// most once on a call error. A reply that does not parse is discarded, not retried.
func (c *Classifier) classifyLLM(ctx context.Context, message string) (models.IntentResult, error) {
	if !c.opts.UseLLM || c.llm == nil {
		return models.IntentResult{}, errLLMDisabled
	}
	t := c.tables.Current()
	system := strings.TrimSpace(t.Doc.Prompts.System + "\n\n" + t.Doc.Prompts.Intent)
	msgs := []models.ChatMessage{{Role: "user", Content: message}}

	var raw string
	var lastErr error
	for attempt := 0; attempt <= c.opts.Retries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
		raw, lastErr = c.llm.Chat(callCtx, msgs, system)
		cancel()
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		log.Debug().Err(lastErr).Int("attempt", attempt+1).Msg("Intent LLM call failed")
	}
	if lastErr != nil {
		return models.IntentResult{}, fmt.Errorf("llm call: %w", lastErr)
	}

	verdict, ok := ParseLLMResponse(raw)
	if !ok {
		return models.IntentResult{}, errors.New("unparseable llm response")
	}
	return c.fromVerdict(t, verdict, message)
}

func (c *Classifier) fromVerdict(t *config.Tables, v Verdict, message string) (models.IntentResult, error) {
	var rule *config.IntentRule
	for i := range t.Doc.Intents.Rules {
		if t.Doc.Intents.Rules[i].Intent == v.Intent {
			rule = &t.Doc.Intents.Rules[i]
			break
		}
	}
	if rule == nil || v.Intent == models.IntentUnknown {
		return models.IntentResult{}, fmt.Errorf("unknown intent %q", v.Intent)
	}
	if v.Confidence.Rank() < c.opts.MinConfidence.Rank() {
		return models.IntentResult{}, fmt.Errorf("confidence %q below %q", v.Confidence, c.opts.MinConfidence)
	}

	payload := extractEntities(t, v.Intent, message)
	for _, key := range []string{models.PayloadOrderID, models.PayloadProductID, models.PayloadIssueType, models.PayloadCategory} {
		if val := v.Entities[key]; val != "" {
			if key == models.PayloadOrderID {
				val = strings.ToUpper(val)
			}
			payload[key] = val
		}
	}

	sub := v.SubIntent
	if len(rule.SubIntents) > 0 {
		valid := false
		for _, s := range rule.SubIntents {
			if s.Name == sub {
				valid = true
				break
			}
		}
		if !valid {
			sub = defaultSub(*rule, payload)
		}
	} else {
		sub = ""
	}

	return models.IntentResult{
		Intent:     v.Intent,
		SubIntent:  sub,
		Payload:    payload,
		Confidence: v.Confidence,
		Source:     models.SourceLLM,
		Reason:     v.Reason,
	}, nil
}
