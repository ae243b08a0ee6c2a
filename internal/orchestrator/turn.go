package orchestrator

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/metrics"
	"github.com/agentoven/shopdesk/internal/tracer"
	"github.com/agentoven/shopdesk/pkg/models"
)

var errNoClassifier = errors.New("intent classifier not configured")

// TurnResult is one completed turn.
type TurnResult struct {
	SessionID string               `json:"session_id,omitempty"`
	Intent    models.IntentResult  `json:"intent"`
	State     *models.AgentState   `json:"state"`
	Trace     *models.TraceSession `json:"-"`
}

// Turn classifies a message, orchestrates it and closes the trace session.
// A *ToolError is returned together with a result whose state still carries
// the final response.
func (o *Orchestrator) Turn(ctx context.Context, userID, message string) (*TurnResult, error) {
	if o.deps.Classifier == nil {
		return nil, errNoClassifier
	}
	ctx, sid := o.deps.Tracer.StartSession(ctx, userID, message)

	ir := o.classify(ctx, message)
	state := newState(userID, ir)

	state, err := o.Orchestrate(ctx, state)
	res := &TurnResult{SessionID: sid, Intent: ir, State: state}
	res.Trace = o.deps.Tracer.EndSession(ctx, state.FinalResponse)
	return res, err
}

func (o *Orchestrator) classify(ctx context.Context, message string) models.IntentResult {
	ir, _ := tracer.Do(ctx, o.deps.Tracer, models.StepIntent, "classify_intent", message,
		func(ctx context.Context) (models.IntentResult, error) {
			r := o.deps.Classifier.Classify(ctx, message)
			tracer.Annotate(ctx, "source", string(r.Source))
			tracer.Annotate(ctx, "confidence", string(r.Confidence))
			return r, nil
		})
	return ir
}

func newState(userID string, ir models.IntentResult) *models.AgentState {
	payload := make(map[string]any, len(ir.Payload))
	for k, v := range ir.Payload {
		payload[k] = v
	}
	return &models.AgentState{
		UserID:    userID,
		Intent:    ir.Intent,
		SubIntent: ir.SubIntent,
		Payload:   payload,
	}
}

// ── Streaming ───────────────────────────────────────────────

// EmitFunc receives each answer chunk. Returning an error abandons the turn.
type EmitFunc func(chunk string) error

// StreamTurn is Turn with the answer delivered in chunks. When an LLM stream
// opens, text is held back to sentence boundaries and redacted before emit;
// otherwise the template answer is emitted as one chunk. The output guard runs over the full text once the
// stream ends and its report lands in the returned state.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID, message string, emit EmitFunc) (*TurnResult, error) {
	if o.deps.Classifier == nil {
		return nil, errNoClassifier
	}
	ctx, sid := o.deps.Tracer.StartSession(ctx, userID, message)
	start := time.Now()

	ir := o.classify(ctx, message)
	state := newState(userID, ir)
	res := &TurnResult{SessionID: sid, Intent: ir, State: state}
	defer func() {
		res.Trace = o.deps.Tracer.EndSession(ctx, state.FinalResponse)
		metrics.TurnDuration.WithLabelValues(string(state.Intent)).Observe(time.Since(start).Seconds())
	}()

	p, err := o.prepare(ctx, state)
	if p == nil {
		fr := state.FinalResponse
		text := fr.Response
		if text == "" {
			text = fr.Error
		}
		if emitErr := emit(text); emitErr != nil {
			return res, emitErr
		}
		return res, err
	}

	text, generator, err := o.streamResponse(ctx, state, p.data, emit)
	if err != nil {
		return res, err
	}
	state.FinalResponse = o.outputGuard(ctx, text, p.data, p.in)
	o.finish(state, generator)
	return res, nil
}

// streamResponse emits the answer and returns the full emitted text. The
// error is non-nil only when emit failed.
func (o *Orchestrator) streamResponse(ctx context.Context, state *models.AgentState, data models.ToolResult, emit EmitFunc) (string, string, error) {
	if _, clarify := data.(*models.ClarifyResult); !clarify && o.llmConfigured() {
		var emitErr error
		text, err := tracer.Do(ctx, o.deps.Tracer, models.StepLLM, "response_stream", state.PayloadString(models.PayloadMessage),
			func(ctx context.Context) (string, error) {
				stream, err := o.deps.Generator.GenerateStream(ctx, o.generateRequest(state, data))
				if err != nil {
					return "", err
				}
				defer stream.Close()
				tracer.Annotate(ctx, "provider", stream.Provider)

				sr := newStreamRedactor(o.deps.Guard.Redact)
				chunks := 0
				for {
					chunk, err := stream.Recv()
					if errors.Is(err, io.EOF) {
						break
					}
					if err != nil {
						if chunks == 0 {
							return "", err
						}
						// keep what the customer already saw
						log.Warn().Err(err).Str("provider", stream.Provider).Msg("Stream ended early")
						tracer.Annotate(ctx, "truncated", true)
						break
					}
					chunks++
					if out := sr.push(chunk); out != "" {
						if emitErr = emit(out); emitErr != nil {
							return sr.text(), emitErr
						}
					}
				}
				tracer.Annotate(ctx, "chunks", chunks)
				if chunks == 0 {
					return "", errors.New("empty stream")
				}
				if out := sr.flush(); out != "" {
					if emitErr = emit(out); emitErr != nil {
						return sr.text(), emitErr
					}
				}
				return sr.text(), nil
			})
		switch {
		case emitErr != nil:
			return text, "llm", emitErr
		case err == nil:
			return text, "llm", nil
		}
		log.Warn().Err(err).Str("intent", string(state.Intent)).Msg("LLM stream failed, using template")
	}

	text := o.fmt.Format(state.Intent, data)
	if err := emit(text); err != nil {
		return text, "template", err
	}
	return text, "template", nil
}
