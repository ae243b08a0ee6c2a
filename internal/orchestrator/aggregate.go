package orchestrator

import (
	"context"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agentoven/shopdesk/internal/tracer"
	"github.com/agentoven/shopdesk/pkg/models"
)

const recentItemsTop = 10

// aggregateItems attaches the most purchased item titles across the first
// AggregateLimit orders of the list. Detail fetches that fail are logged and
// skipped; nothing here fails the turn.
func (o *Orchestrator) aggregateItems(ctx context.Context, list *models.OrderListResult) {
	n := min(o.opts.AggregateLimit, len(list.Orders))
	if n == 0 {
		return
	}

	items, _ := tracer.Do(ctx, o.deps.Tracer, models.StepOrchestrator, "item_aggregation", n,
		func(ctx context.Context) ([]models.RecentItem, error) {
			details := o.fetchDetails(ctx, list.Orders[:n])
			failed := 0
			for _, d := range details {
				if d == nil {
					failed++
				}
			}
			tracer.Annotate(ctx, "orders", n)
			tracer.Annotate(ctx, "failed", failed)
			return topItems(details, recentItemsTop), nil
		})
	if len(items) > 0 {
		list.RecentItems = items
	}
}

// fetchDetails loads the detail of every order, keeping input order. A
// failed fetch leaves a nil entry.
func (o *Orchestrator) fetchDetails(ctx context.Context, orders []models.Order) []*models.OrderDetail {
	out := make([]*models.OrderDetail, len(orders))
	fetch := func(i int) {
		d, err := o.deps.Repo.GetOrderDetail(ctx, orders[i].OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orders[i].OrderID).Msg("Item aggregation skipped order")
			return
		}
		out[i] = d
	}

	if o.opts.AggregateConcurrency <= 1 {
		for i := range orders {
			fetch(i)
		}
		return out
	}

	var g errgroup.Group
	g.SetLimit(o.opts.AggregateConcurrency)
	for i := range orders {
		i := i
		g.Go(func() error {
			fetch(i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// topItems sums quantities per title and returns the k largest. Ties keep
// first-seen order.
func topItems(details []*models.OrderDetail, k int) []models.RecentItem {
	var items []models.RecentItem
	index := make(map[string]int)
	for _, d := range details {
		if d == nil {
			continue
		}
		for _, it := range d.Items {
			if it.Title == "" {
				continue
			}
			if i, ok := index[it.Title]; ok {
				items[i].Quantity += it.Quantity
				continue
			}
			index[it.Title] = len(items)
			items = append(items, models.RecentItem{Title: it.Title, Quantity: it.Quantity})
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].Quantity > items[j].Quantity })
	if len(items) > k {
		items = items[:k]
	}
	return items
}
