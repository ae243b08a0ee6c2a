// Package router implements the shopdesk LLM router.
//
// The router selects a provider for a turn from the intent routing table,
// builds the ordered fallback chain behind it, and walks the chain until one
// provider answers. Providers without credentials or over their rate limit
// are skipped and recorded; every failure is collected into one ChainError.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrUnavailable marks a provider that is not registered or has no credentials.
	ErrUnavailable = errors.New("provider unavailable")
	// ErrRateLimited marks a provider whose rate limiter denied the call.
	ErrRateLimited = errors.New("provider rate limited")
)

// GenerateRequest is one response-generation request.
type GenerateRequest struct {
	Context any // tool result, serialized into the prompt
	Message string
	Intent  models.Intent
}

// Attempt records one provider that was skipped or failed.
type Attempt struct {
	Provider  string `json:"provider"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// ChainError is returned when every provider in the chain was skipped or failed.
type ChainError struct {
	Chain    []string
	Attempts []Attempt
}

func (e *ChainError) Error() string {
	if len(e.Chain) == 0 {
		return "all providers failed: empty provider chain"
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s): %s", a.Provider, a.ErrorType, a.Message))
	}
	return fmt.Sprintf("all providers failed [%s]: %s", strings.Join(e.Chain, ", "), strings.Join(parts, "; "))
}

// entry is one registered provider with its limiter and call timeout.
type entry struct {
	cfg      models.ProviderConfig
	provider contracts.Provider
	limiter  *rate.Limiter // nil = unlimited
	timeout  time.Duration
}

// Router routes generation requests across registered providers.
type Router struct {
	tables config.TableSource

	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates a router with no providers. Use Register or Sync to add them.
func New(tables config.TableSource) *Router {
	return &Router{
		tables:  tables,
		entries: make(map[string]*entry),
	}
}

// Register adds or replaces a provider. rpm <= 0 disables rate limiting.
func (r *Router) Register(p contracts.Provider, timeout time.Duration, rpm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.ID()] = newEntry(models.ProviderConfig{ID: p.ID()}, p, timeout, rpm)
}

func newEntry(cfg models.ProviderConfig, p contracts.Provider, timeout time.Duration, rpm int) *entry {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &entry{cfg: cfg, provider: p, timeout: timeout}
	if rpm > 0 {
		e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), rpm)
	}
	return e
}

// Sync rebuilds the provider set from the tables document. Providers whose
// configuration did not change keep their client and limiter state.
func (r *Router) Sync(ctx context.Context, t *config.Tables) error {
	next := make(map[string]*entry, len(t.Doc.Providers))
	var errs []error

	r.mu.RLock()
	for _, cfg := range t.Doc.Providers {
		if old, ok := r.entries[cfg.ID]; ok && old.cfg == cfg {
			next[cfg.ID] = old
			continue
		}
		p, err := NewProvider(ctx, cfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("provider %s: %w", cfg.ID, err))
			continue
		}
		next[cfg.ID] = newEntry(cfg, p, cfg.Timeout, cfg.RateLimit)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	r.entries = next
	r.mu.Unlock()

	available := 0
	for _, e := range next {
		if e.provider.Available() {
			available++
		}
	}
	log.Info().Int("providers", len(next)).Int("available", available).Msg("LLM providers synced")
	return errors.Join(errs...)
}

// Provider returns a registered provider by id.
func (r *Router) Provider(id string) (contracts.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.provider, true
}

// Configured reports whether at least one registered provider is available.
func (r *Router) Configured() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.provider.Available() {
			return true
		}
	}
	return false
}

// ProviderStatus is the public view of a registered provider.
type ProviderStatus struct {
	ID        string              `json:"id"`
	Kind      models.ProviderKind `json:"kind,omitempty"`
	Model     string              `json:"model,omitempty"`
	Available bool                `json:"available"`
	RateLimit int                 `json:"rate_limit,omitempty"`
}

// Status lists the registered providers sorted by id.
func (r *Router) Status() []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ProviderStatus, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, ProviderStatus{
			ID:        id,
			Kind:      e.cfg.Kind,
			Model:     e.cfg.Model,
			Available: e.provider.Available(),
			RateLimit: e.cfg.RateLimit,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Chain returns the ordered provider ids tried for an intent: the selected
// provider first, then the fallback chain in configured order without it.
func (r *Router) Chain(intent models.Intent) []string {
	rt := r.tables.Current().Doc.Routing
	selected := rt.ByIntent[string(intent)]
	if selected == "" {
		selected = rt.Default
	}

	chain := make([]string, 0, len(rt.FallbackChain)+1)
	seen := make(map[string]bool, len(rt.FallbackChain)+1)
	if selected != "" {
		chain = append(chain, selected)
		seen[selected] = true
	}
	for _, id := range rt.FallbackChain {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		chain = append(chain, id)
	}
	return chain
}

// ── Generation ──────────────────────────────────────────────

// Generate walks the chain and returns the first successful completion.
// Nothing after the successful provider is attempted.
func (r *Router) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	chain := r.Chain(req.Intent)
	ctx, span := otel.Tracer("shopdesk/router").Start(ctx, "router.Generate",
		trace.WithAttributes(
			attribute.String("intent", string(req.Intent)),
			attribute.StringSlice("chain", chain),
		),
	)
	defer span.End()

	system, msgs := r.buildPrompt(req)
	chainErr := &ChainError{Chain: chain}

	for _, id := range chain {
		e, err := r.acquire(id)
		if err != nil {
			chainErr.record(id, err)
			continue
		}

		start := time.Now()
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		text, err := e.provider.Chat(callCtx, msgs, system)
		cancel()
		metrics.ProviderLatency.WithLabelValues(id).Observe(time.Since(start).Seconds())

		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("empty completion")
		}
		if err != nil {
			log.Warn().Str("provider", id).Err(err).Msg("Provider call failed, trying next")
			chainErr.record(id, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		metrics.ProviderAttempts.WithLabelValues(id, "ok").Inc()
		span.SetAttributes(attribute.String("provider", id), attribute.Int("attempts", len(chainErr.Attempts)+1))
		return text, nil
	}

	span.RecordError(chainErr)
	span.SetStatus(codes.Error, "all providers failed")
	return "", chainErr
}

// Stream is an open streaming completion from one provider.
type Stream struct {
	contracts.ChunkStream
	Provider string
	cancel   context.CancelFunc
}

// Close abandons the stream. It is safe to call more than once.
func (s *Stream) Close() error {
	err := s.ChunkStream.Close()
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// GenerateStream walks the chain and returns the first stream that opens.
func (r *Router) GenerateStream(ctx context.Context, req GenerateRequest) (*Stream, error) {
	chain := r.Chain(req.Intent)
	ctx, span := otel.Tracer("shopdesk/router").Start(ctx, "router.GenerateStream",
		trace.WithAttributes(attribute.StringSlice("chain", chain)),
	)
	defer span.End()

	system, msgs := r.buildPrompt(req)
	chainErr := &ChainError{Chain: chain}

	for _, id := range chain {
		e, err := r.acquire(id)
		if err != nil {
			chainErr.record(id, err)
			continue
		}

		streamCtx, cancel := context.WithTimeout(ctx, e.timeout)
		cs, err := e.provider.ChatStream(streamCtx, msgs, system)
		if err != nil {
			cancel()
			log.Warn().Str("provider", id).Err(err).Msg("Provider stream failed, trying next")
			chainErr.record(id, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}

		metrics.ProviderAttempts.WithLabelValues(id, "ok").Inc()
		span.SetAttributes(attribute.String("provider", id))
		return &Stream{ChunkStream: cs, Provider: id, cancel: cancel}, nil
	}

	span.RecordError(chainErr)
	span.SetStatus(codes.Error, "all providers failed")
	return nil, chainErr
}

// acquire returns the entry for a provider that is registered, available and
// within its rate limit.
func (r *Router) acquire(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not registered", ErrUnavailable, id)
	}
	if !e.provider.Available() {
		return nil, fmt.Errorf("%w: %s has no credentials or endpoint", ErrUnavailable, id)
	}
	if e.limiter != nil && !e.limiter.Allow() {
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, id)
	}
	return e, nil
}

func (r *Router) buildPrompt(req GenerateRequest) (string, []models.ChatMessage) {
	p := r.tables.Current().Doc.Prompts
	system := strings.TrimSpace(p.System + "\n\n" + p.Response)

	var b strings.Builder
	b.WriteString("고객 질문: ")
	b.WriteString(req.Message)
	if req.Context != nil {
		b.WriteString("\n\n도구 실행 결과:\n")
		if data, err := json.MarshalIndent(req.Context, "", "  "); err == nil {
			b.Write(data)
		} else {
			fmt.Fprintf(&b, "%+v", req.Context)
		}
	}
	return system, []models.ChatMessage{{Role: "user", Content: b.String()}}
}

// ── Pinned provider ─────────────────────────────────────────

// Pinned sends conversations to one provider without falling back.
// The intent classifier uses it so its single retry stays its own.
type Pinned struct {
	r  *Router
	id string
}

// Pin returns a Pinned for a provider id; "" means the routing default.
func (r *Router) Pin(id string) *Pinned {
	return &Pinned{r: r, id: id}
}

// Chat implements the classifier's chat capability.
func (p *Pinned) Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error) {
	id := p.id
	if id == "" {
		id = p.r.tables.Current().Doc.Routing.Default
	}
	e, err := p.r.acquire(id)
	if err != nil {
		metrics.ProviderAttempts.WithLabelValues(id, outcome(err)).Inc()
		return "", err
	}
	start := time.Now()
	text, err := e.provider.Chat(ctx, messages, systemPrompt)
	metrics.ProviderLatency.WithLabelValues(id).Observe(time.Since(start).Seconds())
	metrics.ProviderAttempts.WithLabelValues(id, outcome(err)).Inc()
	return text, err
}

// ── Error classification ────────────────────────────────────

const maxAttemptMessage = 300

func (e *ChainError) record(provider string, err error) {
	msg := err.Error()
	if r := []rune(msg); len(r) > maxAttemptMessage {
		msg = string(r[:maxAttemptMessage]) + "..."
	}
	e.Attempts = append(e.Attempts, Attempt{Provider: provider, ErrorType: errorType(err), Message: msg})
	metrics.ProviderAttempts.WithLabelValues(provider, outcome(err)).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func errorType(err error) string {
	var se *StatusError
	switch {
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &se):
		return fmt.Sprintf("http_%d", se.StatusCode)
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return fmt.Sprintf("%T", err)
		}
		err = next
	}
}

// StatusError is a non-2xx reply from a provider HTTP API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}
