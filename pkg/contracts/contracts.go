// Package contracts defines the service interfaces shopdesk consumes and
// produces.
//
// The orchestrator, guardrails and router only see these interfaces, so a
// deployment can swap the bundled in-memory or SQLite store for a real
// commerce backend, or add a provider, without touching the turn pipeline.
package contracts

import (
	"context"

	"github.com/agentoven/shopdesk/pkg/models"
)

// ErrNotFound is returned by a DomainRepository when the requested entity
// does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ── Domain Repository ───────────────────────────────────────

// DomainRepository is the order / ticket / product backend.
// Bundled implementations: internal/store.MemoryStore, internal/store.SQLiteStore.
type DomainRepository interface {
	// GetUserOrders lists a user's orders newest first. An empty status matches all.
	GetUserOrders(ctx context.Context, userID, status string, limit int) ([]models.Order, error)

	// GetOrderDetail returns the order and its items. Fails with ErrNotFound.
	GetOrderDetail(ctx context.Context, orderID string) (*models.OrderDetail, error)

	GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error)

	// RequestCancel cancels an order while it is pending or confirmed.
	// A refused cancellation is reported in the outcome, not as an error.
	RequestCancel(ctx context.Context, orderID, reason string) (*models.CancelOutcome, error)

	CreateTicket(ctx context.Context, in models.TicketInput) (*models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error)
	ListUserTickets(ctx context.Context, userID, status string, limit int) ([]models.Ticket, error)
	UpdateTicketStatus(ctx context.Context, ticketID, status string) (*models.Ticket, error)

	// GetProduct returns the authoritative product record used by the price/stock guard.
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
}

// ── Retrieval ───────────────────────────────────────────────

// RetrievalService searches policy documents.
type RetrievalService interface {
	// SearchPolicy returns at most topK hits ordered by descending score in [0,1].
	SearchPolicy(ctx context.Context, query string, topK int) ([]models.PolicyHit, error)
}

// ── Recommendation ──────────────────────────────────────────

// RecommendationService answers product recommendation queries.
type RecommendationService interface {
	GetSimilarProducts(ctx context.Context, productID string, topK int) (*models.Recommendation, error)
	GetPersonalized(ctx context.Context, userID string, topK int) (*models.Recommendation, error)
	GetTrending(ctx context.Context, topK int) (*models.Recommendation, error)
	GetBoughtTogether(ctx context.Context, productID string, topK int) (*models.Recommendation, error)
	GetCategoryRecommendations(ctx context.Context, category string, topK int) (*models.Recommendation, error)
}

// ── LLM Provider ────────────────────────────────────────────

// Provider is one LLM backend. Implementations live in internal/router.
type Provider interface {
	// ID returns the configured provider id (e.g. "openai", "local").
	ID() string

	// Available reports whether credentials or an endpoint are configured.
	Available() bool

	// Chat sends one conversation and returns the completion text.
	Chat(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (string, error)

	// ChatStream opens a streaming completion.
	ChatStream(ctx context.Context, messages []models.ChatMessage, systemPrompt string) (ChunkStream, error)
}

// ChunkStream is a lazy, finite, non-restartable sequence of text chunks.
// Recv returns io.EOF after the last chunk. Close may be called at any time
// and does not require draining.
type ChunkStream interface {
	Recv() (string, error)
	Close() error
}

// ── Produced ────────────────────────────────────────────────

// Orchestrator runs one turn over a prepared AgentState.
// Implementation: internal/orchestrator.Orchestrator
type Orchestrator interface {
	Orchestrate(ctx context.Context, state *models.AgentState) (*models.AgentState, error)
}
