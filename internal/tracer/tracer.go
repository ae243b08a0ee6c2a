// Package tracer records the ordered steps of one turn for audit and
// debugging.
//
// The session being recorded travels in the context.Context of the turn, so
// concurrent turns never share one. Completed sessions go to a bounded
// in-memory ring buffer and are persisted best-effort to every configured
// sink. Every recorded value is passed through a Sanitizer first.
package tracer

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/pkg/models"
)

const sinkTimeout = 5 * time.Second

// Options configure a Tracer.
type Options struct {
	Enabled      bool
	BufferSize   int
	MaxStringLen int
	MaxListLen   int
	Sinks        []Sink

	// Masker, when set, replaces PII in every recorded string before the
	// secret patterns run.
	Masker func(string) string
}

// Tracer owns the completed-session buffer and the sinks. A nil *Tracer is
// valid and records nothing.
type Tracer struct {
	enabled bool
	san     *Sanitizer
	buf     *sessionBuffer
	sinks   []Sink
}

// New creates a tracer.
func New(opts Options) *Tracer {
	san := NewSanitizer(opts.MaxStringLen, opts.MaxListLen)
	san.Mask = opts.Masker
	return &Tracer{
		enabled: opts.Enabled,
		san:     san,
		buf:     newSessionBuffer(opts.BufferSize),
		sinks:   opts.Sinks,
	}
}

// Enabled reports whether sessions are recorded.
func (t *Tracer) Enabled() bool { return t != nil && t.enabled }

// active is one session in progress.
type active struct {
	mu      sync.Mutex
	session *models.TraceSession
	nextID  int
	ended   bool
	span    trace.Span
}

func (a *active) reserve() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	return a.nextID
}

type sessionKey struct{}
type stepKey struct{}

func activeFrom(ctx context.Context) *active {
	a, _ := ctx.Value(sessionKey{}).(*active)
	return a
}

// SessionID returns the id of the session carried by ctx, or "".
func SessionID(ctx context.Context) string {
	if a := activeFrom(ctx); a != nil {
		return a.session.SessionID
	}
	return ""
}

func otelTracer() trace.Tracer { return otel.Tracer("shopdesk/tracer") }

func ms(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }

// ── Session lifecycle ───────────────────────────────────────

// StartSession begins a session and returns a context carrying it.
// When tracing is disabled it returns ctx unchanged and an empty id.
func (t *Tracer) StartSession(ctx context.Context, userID, message string) (context.Context, string) {
	if !t.Enabled() {
		return ctx, ""
	}
	id := uuid.NewString()
	ctx, span := otelTracer().Start(ctx, "turn",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("user.id", userID),
		),
	)

	a := &active{
		session: &models.TraceSession{
			SessionID:   id,
			UserID:      userID,
			UserMessage: t.san.str(message),
			Timestamp:   time.Now().UTC(),
			Steps:       []models.TraceStep{},
		},
		span: span,
	}
	return context.WithValue(ctx, sessionKey{}, a), id
}

// AddStep appends a completed step to the session in ctx and returns its id.
// Without a session it does nothing and returns 0.
func (t *Tracer) AddStep(ctx context.Context, step models.TraceStep) int {
	a := activeFrom(ctx)
	if a == nil || t == nil {
		return 0
	}
	step.StepID = a.reserve()
	if step.StartedAt.IsZero() {
		step.StartedAt = time.Now().UTC().Add(-time.Duration(step.DurationMs * float64(time.Millisecond)))
	}
	if !t.record(a, step) {
		return 0
	}

	_, span := otelTracer().Start(ctx, step.Name,
		trace.WithTimestamp(step.StartedAt),
		trace.WithAttributes(attribute.String("step.type", string(step.StepType))),
	)
	if !step.Success {
		span.SetStatus(codes.Error, step.Error)
	}
	span.End(trace.WithTimestamp(step.StartedAt.Add(time.Duration(step.DurationMs * float64(time.Millisecond)))))
	return step.StepID
}

// record sanitizes and appends a step. It reports false when the session has
// already ended.
func (t *Tracer) record(a *active, step models.TraceStep) bool {
	step.Input = t.san.Sanitize(step.Input)
	step.Output = t.san.Sanitize(step.Output)
	step.Metadata = t.san.SanitizeMap(step.Metadata)
	if step.Error != "" {
		step.Error = t.san.str(step.Error)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ended {
		return false
	}
	a.session.Steps = append(a.session.Steps, step)
	return true
}

// EndSession finalizes the session in ctx: steps are ordered by id, summary
// counters computed, the session buffered and written to every sink. Sink
// failures are logged and never returned. Without a session it returns nil.
func (t *Tracer) EndSession(ctx context.Context, final any) *models.TraceSession {
	a := activeFrom(ctx)
	if a == nil || t == nil {
		return nil
	}
	sanitized := t.san.Sanitize(final)

	a.mu.Lock()
	if a.ended {
		a.mu.Unlock()
		return nil
	}
	a.ended = true
	s := a.session
	sort.SliceStable(s.Steps, func(i, j int) bool { return s.Steps[i].StepID < s.Steps[j].StepID })
	s.FinalResponse = sanitized
	s.EndedAt = time.Now().UTC()
	s.Summary = summarize(s.Steps)
	a.mu.Unlock()

	a.span.SetAttributes(
		attribute.Int("steps", s.Summary.TotalSteps),
		attribute.Int("errors", s.Summary.ErrorCount),
	)
	a.span.End()

	if evicted := t.buf.push(s); evicted != nil {
		log.Debug().Str("session_id", evicted.SessionID).Msg("Trace buffer full, evicted oldest session")
	}
	t.persist(ctx, s)
	return s
}

func summarize(steps []models.TraceStep) models.TraceSummary {
	sum := models.TraceSummary{StepCounts: make(map[models.StepType]int), TotalSteps: len(steps)}
	for _, st := range steps {
		sum.TotalDurationMs += st.DurationMs
		sum.StepCounts[st.StepType]++
		if !st.Success {
			sum.ErrorCount++
		}
		if st.StepType == models.StepLLM {
			sum.LLMCalls++
		}
	}
	return sum
}

func (t *Tracer) persist(ctx context.Context, s *models.TraceSession) {
	if len(t.sinks) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sinkTimeout)
	defer cancel()
	for _, sink := range t.sinks {
		if err := sink.Write(ctx, s); err != nil {
			metrics.TraceSinkErrors.WithLabelValues(sink.Name()).Inc()
			log.Warn().Err(err).Str("sink", sink.Name()).Str("session_id", s.SessionID).Msg("Failed to persist trace session")
		}
	}
}

// Recent returns up to n completed sessions, newest first.
func (t *Tracer) Recent(n int) []*models.TraceSession {
	if t == nil {
		return nil
	}
	return t.buf.recent(n)
}

// Get returns a buffered session by id.
func (t *Tracer) Get(id string) (*models.TraceSession, bool) {
	if t == nil {
		return nil, false
	}
	return t.buf.get(id)
}

// Len returns the number of buffered sessions.
func (t *Tracer) Len() int {
	if t == nil {
		return 0
	}
	return t.buf.size()
}

// ── Scoped steps ────────────────────────────────────────────

// pendingStep collects annotations made inside a Do callback.
type pendingStep struct {
	mu        sync.Mutex
	meta      map[string]any
	output    any
	hasOutput bool
}

// Annotate sets a metadata key on the step running in ctx.
func Annotate(ctx context.Context, key string, value any) {
	ps, _ := ctx.Value(stepKey{}).(*pendingStep)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.meta == nil {
		ps.meta = make(map[string]any)
	}
	ps.meta[key] = value
}

// SetOutput replaces the recorded output of the step running in ctx.
func SetOutput(ctx context.Context, v any) {
	ps, _ := ctx.Value(stepKey{}).(*pendingStep)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.output, ps.hasOutput = v, true
}

// Do runs fn as one step of the session in ctx. Duration and success or
// error are recorded on every exit path; a panic is recorded and re-panicked.
// Without a session fn simply runs.
func Do[T any](ctx context.Context, t *Tracer, stepType models.StepType, name string, input any, fn func(context.Context) (T, error)) (result T, err error) {
	a := activeFrom(ctx)
	if a == nil || t == nil {
		return fn(ctx)
	}

	id := a.reserve()
	start := time.Now()
	ps := &pendingStep{}
	stepCtx, span := otelTracer().Start(context.WithValue(ctx, stepKey{}, ps), name,
		trace.WithAttributes(attribute.String("step.type", string(stepType))),
	)

	defer func() {
		rec := recover()
		step := models.TraceStep{
			StepID:     id,
			StepType:   stepType,
			Name:       name,
			Input:      input,
			StartedAt:  start.UTC(),
			DurationMs: ms(time.Since(start)),
			Success:    err == nil && rec == nil,
		}

		ps.mu.Lock()
		step.Metadata = ps.meta
		switch {
		case rec != nil:
			step.Error = fmt.Sprintf("panic: %v", rec)
		case err != nil:
			step.Error = err.Error()
		case ps.hasOutput:
			step.Output = ps.output
		default:
			step.Output = result
		}
		ps.mu.Unlock()

		t.record(a, step)
		if !step.Success {
			span.SetStatus(codes.Error, step.Error)
		}
		span.End()

		if rec != nil {
			panic(rec)
		}
	}()

	return fn(stepCtx)
}
