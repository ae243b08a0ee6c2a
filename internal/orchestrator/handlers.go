package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/agentoven/shopdesk/pkg/models"
)

var (
	errNoRetrieval   = errors.New("retrieval service not configured")
	errNoRecommender = errors.New("recommendation service not configured")
)

// dispatch routes a dispatchable intent to its domain handler.
func (o *Orchestrator) dispatch(ctx context.Context, state *models.AgentState) (models.ToolResult, error) {
	switch state.Intent {
	case models.IntentOrder:
		return o.handleOrder(ctx, state)
	case models.IntentClaim:
		return o.handleClaim(ctx, state)
	case models.IntentPolicy:
		return o.handlePolicy(ctx, state)
	case models.IntentRecommend:
		return o.handleRecommend(ctx, state)
	}
	return nil, fmt.Errorf("no handler for intent %q", state.Intent)
}

// ── Order ───────────────────────────────────────────────────

func (o *Orchestrator) handleOrder(ctx context.Context, state *models.AgentState) (models.ToolResult, error) {
	orderID := state.PayloadString(models.PayloadOrderID)

	sub := state.SubIntent
	if sub == "" {
		sub = models.SubOrderList
		if orderID != "" {
			sub = models.SubOrderDetail
		}
	}

	if sub == models.SubOrderList {
		limit := state.PayloadInt(models.PayloadLimit, o.opts.OrderListLimit)
		status := state.PayloadString(models.PayloadStatus)
		orders, err := o.deps.Repo.GetUserOrders(ctx, state.UserID, status, limit)
		if err != nil {
			return nil, err
		}
		return &models.OrderListResult{UserID: state.UserID, Status: status, Orders: orders}, nil
	}

	// status, cancel and detail all need an order number
	if orderID == "" {
		return &models.ClarifyResult{SubIntent: sub, Missing: models.PayloadOrderID}, nil
	}

	switch sub {
	case models.SubOrderStatus:
		st, err := o.deps.Repo.GetOrderStatus(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &models.OrderStatusResult{OrderStatus: *st}, nil

	case models.SubOrderCancel:
		reason := state.PayloadString(models.PayloadReason)
		out, err := o.deps.Repo.RequestCancel(ctx, orderID, reason)
		if err != nil {
			return nil, err
		}
		return &models.CancelResult{CancelOutcome: *out, Reason: reason}, nil

	default:
		detail, err := o.deps.Repo.GetOrderDetail(ctx, orderID)
		if err != nil {
			return nil, err
		}
		return &models.OrderDetailResult{Order: detail.Order, Items: detail.Items}, nil
	}
}

// ── Claim ───────────────────────────────────────────────────

func (o *Orchestrator) handleClaim(ctx context.Context, state *models.AgentState) (models.ToolResult, error) {
	sub := state.SubIntent
	if sub == "" {
		sub = models.SubClaimRefund
	}
	priority := "normal"
	if sub == models.SubClaimDefect {
		priority = "high"
	}

	ticket, err := o.deps.Repo.CreateTicket(ctx, models.TicketInput{
		UserID:      state.UserID,
		OrderID:     state.PayloadString(models.PayloadOrderID),
		Type:        sub,
		IssueType:   state.PayloadString(models.PayloadIssueType),
		Description: state.PayloadString(models.PayloadDescription),
		Priority:    priority,
	})
	if err != nil {
		return nil, fmt.Errorf("create ticket: %w", err)
	}
	return &models.ClaimResult{SubIntent: sub, Ticket: *ticket}, nil
}

// ── Policy ──────────────────────────────────────────────────

func (o *Orchestrator) handlePolicy(ctx context.Context, state *models.AgentState) (models.ToolResult, error) {
	if o.deps.Retrieval == nil {
		return nil, errNoRetrieval
	}
	query := state.PayloadString(models.PayloadQuery)
	if query == "" {
		query = state.PayloadString(models.PayloadMessage)
	}
	topK := state.PayloadInt(models.PayloadTopK, o.opts.PolicyTopK)

	hits, err := o.deps.Retrieval.SearchPolicy(ctx, query, topK)
	if err != nil {
		return nil, fmt.Errorf("search policy: %w", err)
	}
	if hits == nil {
		hits = []models.PolicyHit{}
	}
	return &models.PolicyResult{Query: query, Hits: hits}, nil
}

// ── Recommend ───────────────────────────────────────────────

func (o *Orchestrator) handleRecommend(ctx context.Context, state *models.AgentState) (models.ToolResult, error) {
	rec := o.deps.Recommender
	if rec == nil {
		return nil, errNoRecommender
	}
	topK := state.PayloadInt(models.PayloadTopK, o.opts.RecommendTopK)
	productID := state.PayloadString(models.PayloadProductID)
	category := state.PayloadString(models.PayloadCategory)

	sub := state.SubIntent
	var (
		res *models.Recommendation
		err error
	)
	switch {
	case sub == models.SubRecommendSimilar && productID != "":
		res, err = rec.GetSimilarProducts(ctx, productID, topK)
	case sub == models.SubRecommendTogether && productID != "":
		res, err = rec.GetBoughtTogether(ctx, productID, topK)
	case sub == models.SubRecommendTrending:
		res, err = rec.GetTrending(ctx, topK)
	case category != "":
		sub = models.SubRecommendCategory
		res, err = rec.GetCategoryRecommendations(ctx, category, topK)
	case state.UserID != "":
		sub = models.SubRecommendPersonal
		res, err = rec.GetPersonalized(ctx, state.UserID, topK)
	default:
		sub = models.SubRecommendTrending
		res, err = rec.GetTrending(ctx, topK)
	}
	if err != nil {
		return nil, fmt.Errorf("recommend %s: %w", sub, err)
	}
	return &models.RecommendResult{SubIntent: sub, Recommendation: *res}, nil
}
