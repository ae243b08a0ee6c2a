// Package orchestrator runs one customer-support turn as a linear state
// machine over a prepared AgentState:
//
//	Start → InputGuard → Dispatch → ToolCall → [ItemAggregation] →
//	ResponseGeneration → OutputGuard → Done
//
// InputGuard only runs when the payload carries free text (a policy query or
// a claim description). A blocked input ends the turn with no tool or LLM
// call. ResponseGeneration prefers the LLM router and always falls back to
// the deterministic template formatter, so a dispatched turn never ends
// without a textual answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/guardrails"
	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/internal/router"
	"github.com/agentoven/shopdesk/internal/tracer"
	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

// Generator is the slice of the LLM router used for response generation.
type Generator interface {
	// Configured reports whether any provider could serve a request.
	Configured() bool
	Generate(ctx context.Context, req router.GenerateRequest) (string, error)
	GenerateStream(ctx context.Context, req router.GenerateRequest) (*router.Stream, error)
}

// Classifier maps a customer message to an intent with its payload.
type Classifier interface {
	Classify(ctx context.Context, message string) models.IntentResult
}

// Deps are the collaborators of an Orchestrator. Generator and Tracer may be
// nil; Classifier is only needed by Turn and StreamTurn.
type Deps struct {
	Classifier  Classifier
	Repo        contracts.DomainRepository
	Retrieval   contracts.RetrievalService
	Recommender contracts.RecommendationService
	Guard       *guardrails.Engine
	Generator   Generator
	Tracer      *tracer.Tracer
}

// Options tune the turn pipeline.
type Options struct {
	StrictMode           bool
	AggregateItems       bool
	AggregateLimit       int
	AggregateConcurrency int
	OrderListLimit       int
	PolicyTopK           int
	RecommendTopK        int
}

func (o *Options) defaults() {
	if o.AggregateLimit <= 0 {
		o.AggregateLimit = 5
	}
	if o.AggregateConcurrency <= 0 {
		o.AggregateConcurrency = 1
	}
	if o.OrderListLimit <= 0 {
		o.OrderListLimit = 10
	}
	if o.PolicyTopK <= 0 {
		o.PolicyTopK = 3
	}
	if o.RecommendTopK <= 0 {
		o.RecommendTopK = 5
	}
}

// ToolError is returned by Orchestrate when the primary domain call failed.
// The state still carries a polite, guarded final response.
type ToolError struct {
	Intent    models.Intent
	SubIntent string
	Err       error
}

func (e *ToolError) Error() string {
	if e.SubIntent != "" {
		return fmt.Sprintf("%s/%s tool call: %v", e.Intent, e.SubIntent, e.Err)
	}
	return fmt.Sprintf("%s tool call: %v", e.Intent, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Orchestrator implements contracts.Orchestrator.
type Orchestrator struct {
	deps Deps
	opts Options
	fmt  *Formatter
}

var _ contracts.Orchestrator = (*Orchestrator)(nil)

// New creates an Orchestrator. Repo and Guard are required.
func New(deps Deps, opts Options) *Orchestrator {
	opts.defaults()
	return &Orchestrator{deps: deps, opts: opts, fmt: NewFormatter()}
}

// Orchestrate runs one turn and always sets state.FinalResponse.
//
// Flow:
//  1. InputGuard on the free-text payload field, if any; a block is terminal
//  2. Dispatch on the intent; unknown intents are terminal
//  3. ToolCall through the intent handler
//  4. ItemAggregation for order lists when enabled
//  5. ResponseGeneration via the router, else the formatter
//  6. OutputGuard and structural guards
//
// The returned error is non-nil only for a failed primary tool call, as a
// *ToolError.
func (o *Orchestrator) Orchestrate(ctx context.Context, state *models.AgentState) (*models.AgentState, error) {
	if state == nil {
		return nil, errors.New("orchestrate: nil state")
	}
	if state.Payload == nil {
		state.Payload = make(map[string]any)
	}
	start := time.Now()
	defer func() {
		metrics.TurnDuration.WithLabelValues(string(state.Intent)).Observe(time.Since(start).Seconds())
	}()

	p, err := o.prepare(ctx, state)
	if p == nil {
		return state, err
	}

	// ── ResponseGeneration ──
	text, generator := o.respond(ctx, state, p.data)

	// ── OutputGuard ──
	state.FinalResponse = o.outputGuard(ctx, text, p.data, p.in)
	o.finish(state, generator)
	return state, nil
}

// prepared is the state of a turn that reached ResponseGeneration.
type prepared struct {
	data models.ToolResult
	in   *models.InputGuardResult
}

// prepare runs InputGuard through ItemAggregation. When the turn ends early
// it sets state.FinalResponse and returns a nil *prepared.
func (o *Orchestrator) prepare(ctx context.Context, state *models.AgentState) (*prepared, error) {
	// ── InputGuard ──
	inGuard, blocked := o.inputGuard(ctx, state)
	if blocked {
		state.FinalResponse = &models.Response{
			Error:   inGuard.BlockReason,
			Blocked: true,
			Guard:   &models.GuardReport{Input: inGuard},
		}
		o.finish(state, "blocked")
		return nil, nil
	}

	// ── Dispatch ──
	if !state.Intent.Dispatchable() {
		log.Info().Str("intent", string(state.Intent)).Msg("No handler for intent")
		out := o.deps.Guard.ProcessOutput(o.fmt.Unknown(), nil)
		state.FinalResponse = &models.Response{
			Response: out.SanitizedText,
			Error:    "unknown intent",
			Guard:    &models.GuardReport{Input: inGuard, Output: out},
		}
		o.finish(state, "unknown")
		return nil, nil
	}

	// ── ToolCall ──
	data, err := tracer.Do(ctx, o.deps.Tracer, models.StepTool, toolName(state), state.Payload,
		func(ctx context.Context) (models.ToolResult, error) {
			res, err := o.dispatch(ctx, state)
			if err != nil {
				return nil, err
			}
			tracer.Annotate(ctx, "kind", res.Kind())
			tracer.Annotate(ctx, "size", res.Size())
			return res, nil
		})
	if err != nil {
		log.Warn().Err(err).Str("intent", string(state.Intent)).Str("sub_intent", state.SubIntent).Msg("Tool call failed")
		metrics.ToolErrors.WithLabelValues(string(state.Intent)).Inc()

		out := o.deps.Guard.ProcessOutput(o.fmt.ToolFailure(err), nil)
		state.FinalResponse = &models.Response{
			Response: out.SanitizedText,
			Error:    "tool call failed",
			Guard:    &models.GuardReport{Input: inGuard, Output: out},
		}
		o.finish(state, "error")
		return nil, &ToolError{Intent: state.Intent, SubIntent: state.SubIntent, Err: err}
	}

	// ── ItemAggregation ──
	if list, ok := data.(*models.OrderListResult); ok && o.opts.AggregateItems {
		o.aggregateItems(ctx, list)
	}
	return &prepared{data: data, in: inGuard}, nil
}

// inputGuard screens the free-text field of the payload and replaces it
// with its sanitized form. It reports whether the turn must stop.
func (o *Orchestrator) inputGuard(ctx context.Context, state *models.AgentState) (*models.InputGuardResult, bool) {
	key := freeTextKey(state.Intent)
	text := state.PayloadString(key)
	if key == "" || text == "" {
		return nil, false
	}

	res, _ := tracer.Do(ctx, o.deps.Tracer, models.StepGuard, "input_guard", text,
		func(ctx context.Context) (*models.InputGuardResult, error) {
			r := o.deps.Guard.ProcessInput(text, o.opts.StrictMode)
			tracer.Annotate(ctx, "strict_mode", o.opts.StrictMode)
			tracer.Annotate(ctx, "blocked", r.Blocked)
			return r, nil
		})
	if res.Blocked {
		log.Info().Str("intent", string(state.Intent)).Str("reason", res.BlockReason).Msg("Input blocked")
		return res, true
	}

	state.Payload[key] = res.SanitizedText
	if msg := state.PayloadString(models.PayloadMessage); msg != "" {
		state.Payload[models.PayloadMessage] = o.deps.Guard.MaskPII(msg)
	}
	return res, false
}

func freeTextKey(intent models.Intent) string {
	switch intent {
	case models.IntentPolicy:
		return models.PayloadQuery
	case models.IntentClaim:
		return models.PayloadDescription
	}
	return ""
}

func toolName(state *models.AgentState) string {
	if state.SubIntent == "" {
		return string(state.Intent)
	}
	return string(state.Intent) + "." + state.SubIntent
}

// respond produces the answer text and names the generator that made it.
func (o *Orchestrator) respond(ctx context.Context, state *models.AgentState, data models.ToolResult) (string, string) {
	if _, clarify := data.(*models.ClarifyResult); !clarify && o.llmConfigured() {
		req := o.generateRequest(state, data)
		text, err := tracer.Do(ctx, o.deps.Tracer, models.StepLLM, "response_generation", req.Message,
			func(ctx context.Context) (string, error) {
				return o.deps.Generator.Generate(ctx, req)
			})
		if err == nil {
			return text, "llm"
		}
		log.Warn().Err(err).Str("intent", string(state.Intent)).Msg("LLM generation failed, using template")
	}

	text, _ := tracer.Do(ctx, o.deps.Tracer, models.StepOrchestrator, "template_response", data.Kind(),
		func(ctx context.Context) (string, error) {
			return o.fmt.Format(state.Intent, data), nil
		})
	return text, "template"
}

func (o *Orchestrator) llmConfigured() bool {
	return o.deps.Generator != nil && o.deps.Generator.Configured()
}

func (o *Orchestrator) generateRequest(state *models.AgentState, data models.ToolResult) router.GenerateRequest {
	msg := state.PayloadString(models.PayloadMessage)
	if msg == "" {
		msg = state.PayloadString(freeTextKey(state.Intent))
	}
	return router.GenerateRequest{
		Context: data,
		Message: o.deps.Guard.MaskPII(msg),
		Intent:  state.Intent,
	}
}

func (o *Orchestrator) outputGuard(ctx context.Context, text string, data models.ToolResult, in *models.InputGuardResult) *models.Response {
	report, _ := tracer.Do(ctx, o.deps.Tracer, models.StepGuard, "output_guard", text,
		func(ctx context.Context) (*models.GuardReport, error) {
			out := o.deps.Guard.ProcessOutput(text, data)
			r := o.deps.Guard.ApplyGuards(ctx, guardrails.GuardInput{
				Response: out.SanitizedText,
				Data:     data,
				Input:    in,
				Output:   out,
			})
			tracer.Annotate(ctx, "warnings", len(out.Warnings))
			return r, nil
		})
	return &models.Response{
		Response: report.Output.SanitizedText,
		Data:     data,
		Guard:    report,
	}
}

func (o *Orchestrator) finish(state *models.AgentState, generator string) {
	metrics.ResponseSource.WithLabelValues(string(state.Intent), generator).Inc()
}
