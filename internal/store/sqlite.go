package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/agentoven/shopdesk/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS products (
  product_id TEXT PRIMARY KEY,
  title      TEXT NOT NULL,
  brand      TEXT NOT NULL DEFAULT '',
  category   TEXT NOT NULL DEFAULT '',
  price      REAL NOT NULL,
  stock      INTEGER NOT NULL DEFAULT 0,
  rating     REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS orders (
  order_id         TEXT PRIMARY KEY,
  user_id          TEXT NOT NULL,
  status           TEXT NOT NULL,
  order_date       INTEGER NOT NULL,
  total_amount     REAL NOT NULL,
  shipping_address TEXT NOT NULL DEFAULT '',
  updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, order_date DESC);
CREATE TABLE IF NOT EXISTS order_items (
  order_id   TEXT NOT NULL REFERENCES orders(order_id),
  line_no    INTEGER NOT NULL,
  product_id TEXT NOT NULL,
  title      TEXT NOT NULL,
  quantity   INTEGER NOT NULL,
  price      REAL NOT NULL,
  stock      INTEGER,
  PRIMARY KEY (order_id, line_no)
);
CREATE TABLE IF NOT EXISTS tickets (
  ticket_id   TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL,
  order_id    TEXT NOT NULL DEFAULT '',
  type        TEXT NOT NULL,
  issue_type  TEXT NOT NULL DEFAULT '',
  description TEXT NOT NULL,
  status      TEXT NOT NULL,
  priority    TEXT NOT NULL DEFAULT 'normal',
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tickets_user ON tickets(user_id, created_at DESC);
`

// SQLiteStore persists orders, products and tickets in SQLite.
type SQLiteStore struct {
	sqlDB *sql.DB
	now   func() time.Time
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLite opens a SQLite store and applies the schema. Use ":memory:" for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	s := &SQLiteStore{sqlDB: sqlDB, now: time.Now}
	if err := s.Migrate(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	log.Info().Str("path", path).Msg("SQLite store opened")
	return s, nil
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

// Close closes the SQLite handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Seed inserts the seed records, skipping rows that already exist.
func (s *SQLiteStore) Seed(ctx context.Context, seed *Seed) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range seed.Products {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO products (product_id, title, brand, category, price, stock, rating)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			p.ProductID, p.Title, p.Brand, p.Category, p.Price, p.Stock, p.Rating); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ProductID, err)
		}
	}
	for _, o := range seed.Orders {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO orders (order_id, user_id, status, order_date, total_amount, shipping_address, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.OrderID, o.UserID, o.Status, toMillis(o.OrderDate), o.TotalAmount, o.ShippingAddress, toMillis(o.OrderDate)); err != nil {
			return fmt.Errorf("seed order %s: %w", o.OrderID, err)
		}
	}
	for orderID, items := range seed.Items {
		for i, it := range items {
			var stock sql.NullInt64
			if it.Stock != nil {
				stock = sql.NullInt64{Int64: int64(*it.Stock), Valid: true}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO order_items (order_id, line_no, product_id, title, quantity, price, stock)
				 VALUES (?, ?, ?, ?, ?, ?, ?)`,
				orderID, i, it.ProductID, it.Title, it.Quantity, it.Price, stock); err != nil {
				return fmt.Errorf("seed items of %s: %w", orderID, err)
			}
		}
	}
	for _, t := range seed.Tickets {
		if err := insertTicket(ctx, tx, &t); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// ── Orders ──────────────────────────────────────────────────

const orderColumns = `order_id, user_id, status, order_date, total_amount, shipping_address`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var date int64
	if err := row.Scan(&o.OrderID, &o.UserID, &o.Status, &date, &o.TotalAmount, &o.ShippingAddress); err != nil {
		return nil, err
	}
	o.OrderDate = fromMillis(date)
	return &o, nil
}

func (s *SQLiteStore) getOrder(ctx context.Context, orderID string) (*models.Order, error) {
	o, err := scanOrder(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE order_id = ?`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "order", Key: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return o, nil
}

func (s *SQLiteStore) GetUserOrders(ctx context.Context, userID, status string, limit int) ([]models.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY order_date DESC, order_id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var result []models.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		result = append(result, *o)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetOrderDetail(ctx context.Context, orderID string) (*models.OrderDetail, error) {
	o, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT product_id, title, quantity, price, stock FROM order_items
		 WHERE order_id = ? ORDER BY line_no`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list items of %s: %w", orderID, err)
	}
	defer rows.Close()

	detail := &models.OrderDetail{Order: *o, Items: []models.OrderItem{}}
	for rows.Next() {
		var it models.OrderItem
		var stock sql.NullInt64
		if err := rows.Scan(&it.ProductID, &it.Title, &it.Quantity, &it.Price, &stock); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if stock.Valid {
			n := int(stock.Int64)
			it.Stock = &n
		}
		detail.Items = append(detail.Items, it)
	}
	return detail, rows.Err()
}

func (s *SQLiteStore) GetOrderStatus(ctx context.Context, orderID string) (*models.OrderStatus, error) {
	var st models.OrderStatus
	var updated int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT order_id, status, updated_at FROM orders WHERE order_id = ?`, orderID).
		Scan(&st.OrderID, &st.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "order", Key: orderID}
	}
	if err != nil {
		return nil, fmt.Errorf("get order status %s: %w", orderID, err)
	}
	st.UpdatedAt = fromMillis(updated)
	return &st, nil
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, orderID, reason string) (*models.CancelOutcome, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE orders SET status = ?, updated_at = ? WHERE order_id = ? AND status IN (?, ?)`,
		models.OrderCancelled, toMillis(s.now()), orderID, models.OrderPending, models.OrderConfirmed)
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	if n == 1 {
		log.Info().Str("order_id", orderID).Str("reason", reason).Msg("Order cancelled")
		return &models.CancelOutcome{OK: true, OrderID: orderID, Status: models.OrderCancelled}, nil
	}

	st, err := s.GetOrderStatus(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &models.CancelOutcome{
		OK:      false,
		OrderID: orderID,
		Status:  st.Status,
		Error:   "order in status " + st.Status + " cannot be cancelled",
	}, nil
}

// ── Tickets ─────────────────────────────────────────────────

const ticketColumns = `ticket_id, user_id, order_id, type, issue_type, description, status, priority, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTicket(ctx context.Context, db execer, t *models.Ticket) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO tickets (`+ticketColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TicketID, t.UserID, t.OrderID, t.Type, t.IssueType, t.Description, t.Status, t.Priority,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert ticket %s: %w", t.TicketID, err)
	}
	return nil
}

func scanTicket(row rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var created, updated int64
	if err := row.Scan(&t.TicketID, &t.UserID, &t.OrderID, &t.Type, &t.IssueType, &t.Description,
		&t.Status, &t.Priority, &created, &updated); err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return &t, nil
}

func (s *SQLiteStore) CreateTicket(ctx context.Context, in models.TicketInput) (*models.Ticket, error) {
	now := s.now().UTC()
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
	if err := insertTicket(ctx, s.sqlDB, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	t, err := scanTicket(s.sqlDB.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = ?`, ticketID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "ticket", Key: ticketID}
	}
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", ticketID, err)
	}
	return t, nil
}

func (s *SQLiteStore) ListUserTickets(ctx context.Context, userID, status string, limit int) ([]models.Ticket, error) {
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tickets: %w", err)
	}
	defer rows.Close()

	var result []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ticket: %w", err)
		}
		result = append(result, *t)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) UpdateTicketStatus(ctx context.Context, ticketID, status string) (*models.Ticket, error) {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE ticket_id = ?`,
		status, toMillis(s.now()), ticketID)
	if err != nil {
		return nil, fmt.Errorf("update ticket %s: %w", ticketID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, &ErrNotFound{Entity: "ticket", Key: ticketID}
	}
	return s.GetTicket(ctx, ticketID)
}

// ── Products ────────────────────────────────────────────────

func (s *SQLiteStore) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	var p models.Product
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT product_id, title, brand, category, price, stock, rating FROM products WHERE product_id = ?`,
		productID).Scan(&p.ProductID, &p.Title, &p.Brand, &p.Category, &p.Price, &p.Stock, &p.Rating)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "product", Key: productID}
	}
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}
	return &p, nil
}
