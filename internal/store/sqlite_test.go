package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/shopdesk/internal/store"
	"github.com/agentoven/shopdesk/pkg/models"
)

func openTestSQLite(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	seed, err := store.DefaultSeed()
	require.NoError(t, err)
	require.NoError(t, s.Seed(context.Background(), seed))
	// seeding twice is a no-op
	require.NoError(t, s.Seed(context.Background(), seed))
	return s
}

func TestSQLite_Orders(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	orders, err := s.GetUserOrders(ctx, "user_001", "", 0)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, "ORD-20240320-003", orders[0].OrderID)
	assert.Equal(t, 2024, orders[0].OrderDate.Year())

	d, err := s.GetOrderDetail(ctx, "ORD-20240301-001")
	require.NoError(t, err)
	require.Len(t, d.Items, 2)
	assert.Equal(t, "P001", d.Items[0].ProductID)
	assert.Nil(t, d.Items[0].Stock)

	_, err = s.GetOrderDetail(ctx, "ORD-404")
	var nf *store.ErrNotFound
	assert.True(t, errors.As(err, &nf))
}

func TestSQLite_Cancel(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	out, err := s.RequestCancel(ctx, "ORD-20240310-004", "주소 변경")
	require.NoError(t, err)
	assert.True(t, out.OK)

	again, err := s.RequestCancel(ctx, "ORD-20240310-004", "")
	require.NoError(t, err)
	assert.False(t, again.OK)
	assert.Equal(t, models.OrderCancelled, again.Status)

	_, err = s.RequestCancel(ctx, "ORD-404", "")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestSQLite_Tickets(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	tk, err := s.CreateTicket(ctx, models.TicketInput{UserID: "user_002", Type: models.SubClaimDefect, IssueType: "damaged", Description: "상자가 파손됐어요"})
	require.NoError(t, err)

	got, err := s.GetTicket(ctx, tk.TicketID)
	require.NoError(t, err)
	assert.Equal(t, "damaged", got.IssueType)
	assert.Equal(t, tk.CreatedAt.UnixMilli(), got.CreatedAt.UnixMilli())

	_, err = s.UpdateTicketStatus(ctx, tk.TicketID, models.TicketInProgress)
	require.NoError(t, err)

	list, err := s.ListUserTickets(ctx, "user_002", "", 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TicketInProgress, list[0].Status)
}

func TestSQLite_GetProduct(t *testing.T) {
	s := openTestSQLite(t)

	p, err := s.GetProduct(context.Background(), "P002")
	require.NoError(t, err)
	assert.Equal(t, 189000.0, p.Price)
	assert.Equal(t, 35, p.Stock)

	_, err = s.GetProduct(context.Background(), "P999")
	var nf *store.ErrNotFound
	assert.ErrorAs(t, err, &nf)
}
