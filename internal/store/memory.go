// Package store — in-memory implementation.
// Used for local dev, demos and tests. Supports file-based snapshot
// persistence so tickets and cancellations survive restarts.
package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/pkg/models"
)

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Products map[string]*models.Product     `json:"products"`
	Orders   map[string]*models.Order       `json:"orders"`
	Items    map[string][]models.OrderItem `json:"items"` // key: order_id
	Tickets  map[string]*models.Ticket      `json:"tickets"`
	Policies []PolicyDoc                    `json:"policies"`
}

// MemoryStore implements DomainRepository, RetrievalService and
// RecommendationService with in-memory maps.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]*models.Product     // key: product_id
	orders   map[string]*models.Order       // key: order_id
	items    map[string][]models.OrderItem // key: order_id
	tickets  map[string]*models.Ticket      // key: ticket_id
	policies []PolicyDoc

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop

	now func() time.Time
}

// NewMemoryStore creates an in-memory store populated from seed.
// If snapshotPath is non-empty and the file exists, its contents replace the
// seed, and every mutation is flushed back to it in the background.
func NewMemoryStore(seed *Seed, snapshotPath string) *MemoryStore {
	m := &MemoryStore{
		products: make(map[string]*models.Product),
		orders:   make(map[string]*models.Order),
		items:    make(map[string][]models.OrderItem),
		tickets:  make(map[string]*models.Ticket),
		saveCh:   make(chan struct{}, 1),
		doneCh:   make(chan struct{}),
		now:      time.Now,
	}
	if seed != nil {
		m.load(seed)
	}

	if snapshotPath != "" {
		if err := os.MkdirAll(filepath.Dir(snapshotPath), 0755); err != nil {
			log.Warn().Err(err).Str("path", snapshotPath).Msg("Cannot create data dir, persistence disabled")
		} else {
			m.snapshotPath = snapshotPath
			m.loadSnapshot()
			go m.saveLoop()
		}
	}

	log.Info().
		Int("products", len(m.products)).
		Int("orders", len(m.orders)).
		Int("policies", len(m.policies)).
		Str("snapshot", m.snapshotPath).
		Msg("Memory store configured")

	return m
}

func (m *MemoryStore) load(seed *Seed) {
	for i := range seed.Products {
		p := seed.Products[i]
		m.products[p.ProductID] = &p
	}
	for i := range seed.Orders {
		o := seed.Orders[i]
		m.orders[o.OrderID] = &o
	}
	for id, items := range seed.Items {
		m.items[id] = append([]models.OrderItem(nil), items...)
	}
	for i := range seed.Tickets {
		t := seed.Tickets[i]
		m.tickets[t.TicketID] = &t
	}
	m.policies = append(m.policies, seed.Policies...)
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond)
			m.saveSnapshot()
		}
	}
}

func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Products: m.products,
		Orders:   m.orders,
		Items:    m.items,
		Tickets:  m.tickets,
		Policies: m.policies,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting from seed")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting from seed")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Products != nil {
		m.products = snap.Products
	}
	if snap.Orders != nil {
		m.orders = snap.Orders
	}
	if snap.Items != nil {
		m.items = snap.Items
	}
	if snap.Tickets != nil {
		m.tickets = snap.Tickets
	}
	if snap.Policies != nil {
		m.policies = snap.Policies
	}

	log.Info().
		Int("orders", len(m.orders)).
		Int("tickets", len(m.tickets)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops the save loop and forces a final snapshot write.
// Safe to call multiple times.
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		log.Info().Msg("Flushing final snapshot before shutdown...")
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

// ── Orders ──────────────────────────────────────────────────

func (m *MemoryStore) GetUserOrders(_ context.Context, userID, status string, limit int) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Order
	for _, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		if status != "" && o.Status != status {
			continue
		}
		result = append(result, *o)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].OrderDate.Equal(result[j].OrderDate) {
			return result[i].OrderID > result[j].OrderID
		}
		return result[i].OrderDate.After(result[j].OrderDate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) GetOrderDetail(_ context.Context, orderID string) (*models.OrderDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, &ErrNotFound{Entity: "order", Key: orderID}
	}
	return &models.OrderDetail{
		Order: *o,
		Items: append([]models.OrderItem(nil), m.items[orderID]...),
	}, nil
}

func (m *MemoryStore) GetOrderStatus(_ context.Context, orderID string) (*models.OrderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, &ErrNotFound{Entity: "order", Key: orderID}
	}
	return &models.OrderStatus{OrderID: o.OrderID, Status: o.Status, UpdatedAt: o.OrderDate}, nil
}

func (m *MemoryStore) RequestCancel(_ context.Context, orderID, reason string) (*models.CancelOutcome, error) {
	m.mu.Lock()
	o, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "order", Key: orderID}
	}
	if !cancellable(o.Status) {
		status := o.Status
		m.mu.Unlock()
		return &models.CancelOutcome{
			OK:      false,
			OrderID: orderID,
			Status:  status,
			Error:   "order in status " + status + " cannot be cancelled",
		}, nil
	}
	o.Status = models.OrderCancelled
	m.mu.Unlock()

	log.Info().Str("order_id", orderID).Str("reason", reason).Msg("Order cancelled")
	m.requestSave()
	return &models.CancelOutcome{OK: true, OrderID: orderID, Status: models.OrderCancelled}, nil
}

// ── Tickets ─────────────────────────────────────────────────

func (m *MemoryStore) CreateTicket(_ context.Context, in models.TicketInput) (*models.Ticket, error) {
	now := m.now().UTC()
	t := &models.Ticket{
		TicketID:    newTicketID(),
		UserID:      in.UserID,
		OrderID:     in.OrderID,
		Type:        in.Type,
		IssueType:   in.IssueType,
		Description: in.Description,
		Status:      models.TicketOpen,
		Priority:    in.Priority,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Priority == "" {
		t.Priority = "normal"
	}

	m.mu.Lock()
	m.tickets[t.TicketID] = t
	m.mu.Unlock()

	m.requestSave()
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTicket(_ context.Context, ticketID string) (*models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tickets[ticketID]
	if !ok {
		return nil, &ErrNotFound{Entity: "ticket", Key: ticketID}
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListUserTickets(_ context.Context, userID, status string, limit int) ([]models.Ticket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []models.Ticket
	for _, t := range m.tickets {
		if t.UserID != userID || (status != "" && t.Status != status) {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) UpdateTicketStatus(_ context.Context, ticketID, status string) (*models.Ticket, error) {
	m.mu.Lock()
	t, ok := m.tickets[ticketID]
	if !ok {
		m.mu.Unlock()
		return nil, &ErrNotFound{Entity: "ticket", Key: ticketID}
	}
	t.Status = status
	t.UpdatedAt = m.now().UTC()
	cp := *t
	m.mu.Unlock()

	m.requestSave()
	return &cp, nil
}

// ── Products ────────────────────────────────────────────────

func (m *MemoryStore) GetProduct(_ context.Context, productID string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.products[productID]
	if !ok {
		return nil, &ErrNotFound{Entity: "product", Key: productID}
	}
	cp := *p
	return &cp, nil
}

// PutProduct upserts a product record.
func (m *MemoryStore) PutProduct(p models.Product) {
	m.mu.Lock()
	m.products[p.ProductID] = &p
	m.mu.Unlock()
	m.requestSave()
}
