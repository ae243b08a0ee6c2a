// Package models holds the data types shared by every shopdesk component:
// the per-turn agent state, classifier and guardrail results, provider
// configuration, trace records and the domain records returned by the
// order/ticket/product repositories.
package models

import (
	"time"
)

// ── Intents ──────────────────────────────────────────────────

// Intent is the coarse task category of a customer message.
type Intent string

const (
	IntentPolicy    Intent = "policy"
	IntentOrder     Intent = "order"
	IntentClaim     Intent = "claim"
	IntentRecommend Intent = "recommend"
	IntentGeneral   Intent = "general"
	IntentUnknown   Intent = "unknown"
)

// Dispatchable reports whether the orchestrator has a domain handler for the intent.
func (i Intent) Dispatchable() bool {
	switch i {
	case IntentPolicy, IntentOrder, IntentClaim, IntentRecommend:
		return true
	}
	return false
}

// Sub-intents per intent.
const (
	SubOrderList   = "list"
	SubOrderStatus = "status"
	SubOrderCancel = "cancel"
	SubOrderDetail = "detail"

	SubClaimRefund   = "refund"
	SubClaimExchange = "exchange"
	SubClaimDefect   = "defect"

	SubRecommendSimilar  = "similar"
	SubRecommendPersonal = "personal"
	SubRecommendTrending = "trending"
	SubRecommendTogether = "together"
	SubRecommendCategory = "category"
)

// Confidence is an ordinal classifier confidence.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Rank orders confidences so thresholds can be compared; unknown values rank below low.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceLow:
		return 1
	case ConfidenceMedium:
		return 2
	case ConfidenceHigh:
		return 3
	}
	return 0
}

// IntentSource records which classifier path produced a result.
type IntentSource string

const (
	SourceKeyword IntentSource = "keyword"
	SourceLLM     IntentSource = "llm"
)

// IntentResult is produced once per message by the intent classifier.
type IntentResult struct {
	Intent     Intent         `json:"intent"`
	SubIntent  string         `json:"sub_intent,omitempty"`
	Payload    map[string]any `json:"payload"`
	Confidence Confidence     `json:"confidence"`
	Source     IntentSource   `json:"source"`
	Reason     string         `json:"reason"`
}

// ── Agent State ──────────────────────────────────────────────

// Payload keys understood by the orchestrator.
const (
	PayloadOrderID     = "order_id"
	PayloadQuery       = "query"
	PayloadDescription = "description"
	PayloadIssueType   = "issue_type"
	PayloadProductID   = "product_id"
	PayloadCategory    = "category"
	PayloadStatus      = "status"
	PayloadLimit       = "limit"
	PayloadReason      = "reason"
	PayloadMessage     = "message"
	PayloadTopK        = "top_k"
)

// AgentState is the single mutable record of one turn. Only the
// orchestrator writes to it.
type AgentState struct {
	UserID        string         `json:"user_id"`
	Intent        Intent         `json:"intent"`
	SubIntent     string         `json:"sub_intent,omitempty"`
	Payload       map[string]any `json:"payload"`
	FinalResponse *Response      `json:"final_response,omitempty"`
}

// PayloadString returns a string payload value, or "" when absent or not a string.
func (s *AgentState) PayloadString(key string) string {
	if s == nil || s.Payload == nil {
		return ""
	}
	v, _ := s.Payload[key].(string)
	return v
}

// PayloadInt returns an integer payload value (JSON numbers decode as float64).
func (s *AgentState) PayloadInt(key string, fallback int) int {
	if s == nil || s.Payload == nil {
		return fallback
	}
	switch n := s.Payload[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return fallback
}

// Response is the final_response of a turn. At least one of Response or
// Error is set, and Guard is always present once orchestration returns.
type Response struct {
	Response string       `json:"response,omitempty"`
	Error    string       `json:"error,omitempty"`
	Blocked  bool         `json:"blocked,omitempty"`
	Data     ToolResult   `json:"data,omitempty"`
	Guard    *GuardReport `json:"guard"`
}

// ── Guardrails ───────────────────────────────────────────────

// PIIMatch records one PII rule that fired on a text.
type PIIMatch struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Count       int    `json:"count"`
}

// InputGuardResult is the outcome of the inbound guard pipeline.
type InputGuardResult struct {
	OK                bool       `json:"ok"`
	SanitizedText     string     `json:"sanitized_text"`
	Warnings          []string   `json:"warnings"`
	Blocked           bool       `json:"blocked"`
	BlockReason       string     `json:"block_reason,omitempty"`
	PIIDetected       []PIIMatch `json:"pii_detected"`
	InjectionDetected string     `json:"injection_detected,omitempty"`
	BlocklistHits     []string   `json:"blocklist_hits,omitempty"`
}

// Modification records one rewrite applied to outbound text.
type Modification struct {
	Kind    string `json:"kind"`
	Pattern string `json:"pattern"`
	Count   int    `json:"count"`
}

// OutputGuardResult is the outcome of the outbound guard pipeline.
type OutputGuardResult struct {
	OK              bool           `json:"ok"`
	SanitizedText   string         `json:"sanitized_text"`
	Warnings        []string       `json:"warnings"`
	Blocked         bool           `json:"blocked"`
	BlockReason     string         `json:"block_reason,omitempty"`
	Modifications   []Modification `json:"modifications,omitempty"`
	PIIDetected     []PIIMatch     `json:"pii_detected,omitempty"`
	Inappropriate   []string       `json:"inappropriate,omitempty"`
	FactualWarnings []string       `json:"factual_warnings,omitempty"`
	PoliteRatio     *float64       `json:"polite_ratio,omitempty"`
}

// PriceStockMismatch lists every discrepant field for one product id.
type PriceStockMismatch struct {
	ProductID string         `json:"product_id"`
	Fields    []FieldDiff    `json:"fields"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// FieldDiff is one numeric field that disagrees with the product record.
type FieldDiff struct {
	Field    string  `json:"field"`
	Reported float64 `json:"reported"`
	Actual   float64 `json:"actual"`
}

// PriceStockReport is the structural price/stock cross-check result.
type PriceStockReport struct {
	OK         bool                 `json:"ok"`
	Checked    int                  `json:"checked"`
	Mismatches []PriceStockMismatch `json:"mismatches"`
}

// PolicyViolation is one response phrase that breaks a compliance rule.
type PolicyViolation struct {
	Rule    string `json:"rule"`
	Match   string `json:"match"`
	Message string `json:"message"`
}

// PolicyReport is the policy-compliance check result.
type PolicyReport struct {
	OK         bool              `json:"ok"`
	Categories []string          `json:"categories,omitempty"`
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// GuardReport merges every guard outcome of a turn under the `guard` key.
type GuardReport struct {
	Input           *InputGuardResult  `json:"input,omitempty"`
	Output          *OutputGuardResult `json:"output,omitempty"`
	PriceStock      *PriceStockReport  `json:"price_stock,omitempty"`
	PriceStockError string             `json:"price_stock_error,omitempty"`
	Policy          *PolicyReport      `json:"policy,omitempty"`
	PolicyError     string             `json:"policy_error,omitempty"`
}

// ── Providers ────────────────────────────────────────────────

// ProviderKind identifies a provider implementation.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderOllama    ProviderKind = "ollama"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderBedrock   ProviderKind = "bedrock"
)

// ProviderConfig is the immutable per-request configuration of one LLM backend.
type ProviderConfig struct {
	ID          string        `json:"id" yaml:"id" validate:"required"`
	Kind        ProviderKind  `json:"kind" yaml:"kind" validate:"required,oneof=openai ollama anthropic bedrock"`
	APIKey      string        `json:"-" yaml:"api_key"`
	Model       string        `json:"model" yaml:"model"`
	Temperature float32       `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	BaseURL     string        `json:"base_url,omitempty" yaml:"base_url"`
	Region      string        `json:"region,omitempty" yaml:"region"`
	RateLimit   int           `json:"rate_limit,omitempty" yaml:"rate_limit" validate:"gte=0"` // requests per minute, 0 = unlimited
}

// ChatMessage is one message of a provider conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ── Trace ────────────────────────────────────────────────────

// StepType categorizes a trace step.
type StepType string

const (
	StepIntent       StepType = "intent"
	StepLLM          StepType = "llm"
	StepOrchestrator StepType = "orchestrator"
	StepTool         StepType = "tool"
	StepGuard        StepType = "guard"
	StepSPARQL       StepType = "sparql"
)

// TraceStep is one append-only record inside a session.
type TraceStep struct {
	StepID     int            `json:"step_id"`
	StepType   StepType       `json:"step_type"`
	Name       string         `json:"name"`
	Input      any            `json:"input,omitempty"`
	Output     any            `json:"output,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	DurationMs float64        `json:"duration_ms"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}

// TraceSummary holds the counters computed when a session ends.
type TraceSummary struct {
	TotalDurationMs float64          `json:"total_duration_ms"`
	StepCounts      map[StepType]int `json:"step_counts"`
	TotalSteps      int              `json:"total_steps"`
	ErrorCount      int              `json:"error_count"`
	LLMCalls        int              `json:"llm_calls"`
}

// TraceSession is the ordered record of one turn.
type TraceSession struct {
	SessionID     string       `json:"session_id"`
	UserID        string       `json:"user_id"`
	UserMessage   string       `json:"user_message"`
	Timestamp     time.Time    `json:"timestamp"`
	EndedAt       time.Time    `json:"ended_at,omitempty"`
	Steps         []TraceStep  `json:"steps"`
	FinalResponse any          `json:"final_response,omitempty"`
	Summary       TraceSummary `json:"summary"`
}

// ── Domain Records ───────────────────────────────────────────

// Order statuses. Cancellation is allowed only while pending or confirmed.
const (
	OrderPending   = "pending"
	OrderConfirmed = "confirmed"
	OrderShipping  = "shipping"
	OrderDelivered = "delivered"
	OrderCancelled = "cancelled"
	OrderRefunded  = "refunded"
)

// Order is an order header.
type Order struct {
	OrderID         string    `json:"order_id" db:"order_id"`
	UserID          string    `json:"user_id" db:"user_id"`
	Status          string    `json:"status" db:"status"`
	OrderDate       time.Time `json:"order_date" db:"order_date"`
	TotalAmount     float64   `json:"total_amount" db:"total_amount"`
	ShippingAddress string    `json:"shipping_address,omitempty" db:"shipping_address"`
}

// OrderItem is one purchased line. Stock is the snapshot the tool reported, if any.
type OrderItem struct {
	ProductID string  `json:"product_id" db:"product_id"`
	Title     string  `json:"title" db:"title"`
	Quantity  int     `json:"quantity" db:"quantity"`
	Price     float64 `json:"price" db:"price"`
	Stock     *int    `json:"stock,omitempty" db:"stock"`
}

// OrderDetail is an order with its purchased items.
type OrderDetail struct {
	Order Order       `json:"order"`
	Items []OrderItem `json:"items"`
}

// OrderStatus is the status lookup of one order.
type OrderStatus struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// CancelOutcome is returned by RequestCancel. OK=false carries Error.
type CancelOutcome struct {
	OK      bool   `json:"ok"`
	OrderID string `json:"order_id"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Product is the authoritative product record.
type Product struct {
	ProductID string  `json:"product_id" db:"product_id"`
	Title     string  `json:"title" db:"title"`
	Brand     string  `json:"brand,omitempty" db:"brand"`
	Category  string  `json:"category,omitempty" db:"category"`
	Price     float64 `json:"price" db:"price"`
	Stock     int     `json:"stock" db:"stock"`
	Rating    float64 `json:"rating,omitempty" db:"rating"`
}

// Ticket statuses.
const (
	TicketOpen       = "open"
	TicketInProgress = "in_progress"
	TicketResolved   = "resolved"
	TicketClosed     = "closed"
)

// Ticket is a customer-service claim record.
type Ticket struct {
	TicketID    string    `json:"ticket_id" db:"ticket_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	OrderID     string    `json:"order_id,omitempty" db:"order_id"`
	Type        string    `json:"type" db:"type"`
	IssueType   string    `json:"issue_type,omitempty" db:"issue_type"`
	Description string    `json:"description" db:"description"`
	Status      string    `json:"status" db:"status"`
	Priority    string    `json:"priority,omitempty" db:"priority"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// TicketInput captures the fields of a new ticket.
type TicketInput struct {
	UserID      string
	OrderID     string
	Type        string
	IssueType   string
	Description string
	Priority    string
}

// PolicyHit is one retrieved policy passage. Score is in [0,1].
type PolicyHit struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RecommendedProduct is a product with its recommendation score.
type RecommendedProduct struct {
	Product
	Score  float64 `json:"score"`
	Reason string  `json:"reason,omitempty"`
}

// Recommendation is what every RecommendationService query returns.
type Recommendation struct {
	Products       []RecommendedProduct `json:"products"`
	TotalCount     int                  `json:"total_count"`
	MethodUsed     string               `json:"method_used"`
	IsFallback     bool                 `json:"is_fallback"`
	FallbackReason string               `json:"fallback_reason,omitempty"`
}
