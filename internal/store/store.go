// Package store provides the bundled DomainRepository, RetrievalService and
// RecommendationService implementations for shopdesk.
// MemoryStore serves demos and tests; SQLiteStore persists orders and
// tickets in a single pure-Go SQLite file.
package store

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

//go:embed seed.json
var seedFS embed.FS

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound = contracts.ErrNotFound

// PolicyDoc is one policy passage indexed by the retrieval service.
type PolicyDoc struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Text     string `json:"text"`
}

// Seed is the JSON document both stores can be populated from.
type Seed struct {
	Products []models.Product              `json:"products"`
	Orders   []models.Order                `json:"orders"`
	Items    map[string][]models.OrderItem `json:"items"` // key: order_id
	Tickets  []models.Ticket               `json:"tickets"`
	Policies []PolicyDoc                   `json:"policies"`
}

// DefaultSeed returns the embedded demo catalog.
func DefaultSeed() (*Seed, error) {
	data, err := seedFS.ReadFile("seed.json")
	if err != nil {
		return nil, fmt.Errorf("read embedded seed: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes a seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var s Seed
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	if s.Items == nil {
		s.Items = make(map[string][]models.OrderItem)
	}
	return &s, nil
}

// cancellable reports whether an order in the given status may still be cancelled.
func cancellable(status string) bool {
	return status == models.OrderPending || status == models.OrderConfirmed
}

func newTicketID() string {
	return "TKT-" + strings.ToUpper(uuid.NewString()[:8])
}

func normLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	return limit
}
