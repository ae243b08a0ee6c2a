package models

// ToolResult is the tagged union of domain tool outputs. Each variant has
// its own formatter and its own size metric for the trace.
type ToolResult interface {
	// Kind names the variant, e.g. "order_list".
	Kind() string
	// Size is the intent-specific size metric recorded on the tool step.
	Size() int
}

// RecentItem is one aggregated purchased item.
type RecentItem struct {
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
}

// OrderListResult lists a user's orders, optionally with aggregated items.
type OrderListResult struct {
	UserID      string       `json:"user_id"`
	Status      string       `json:"status,omitempty"`
	Orders      []Order      `json:"orders"`
	RecentItems []RecentItem `json:"recent_items,omitempty"`
}

func (r *OrderListResult) Kind() string { return "order_list" }
func (r *OrderListResult) Size() int    { return len(r.Orders) }

// OrderDetailResult is one order with its items.
type OrderDetailResult struct {
	Order Order       `json:"order"`
	Items []OrderItem `json:"items"`
}

func (r *OrderDetailResult) Kind() string { return "order_detail" }
func (r *OrderDetailResult) Size() int    { return len(r.Items) }

// OrderStatusResult is a status lookup.
type OrderStatusResult struct {
	OrderStatus
}

func (r *OrderStatusResult) Kind() string { return "order_status" }
func (r *OrderStatusResult) Size() int    { return 1 }

// CancelResult is the outcome of a cancel request.
type CancelResult struct {
	CancelOutcome
	Reason string `json:"reason,omitempty"`
}

func (r *CancelResult) Kind() string { return "cancel" }
func (r *CancelResult) Size() int {
	if r.OK {
		return 1
	}
	return 0
}

// ClarifyResult asks the customer for a missing required field
// (for example an order number) instead of calling the repository.
type ClarifyResult struct {
	SubIntent string `json:"sub_intent"`
	Missing   string `json:"missing"`
}

func (r *ClarifyResult) Kind() string { return "clarify" }
func (r *ClarifyResult) Size() int    { return 0 }

// ClaimResult wraps the ticket opened for a refund, exchange or defect claim.
type ClaimResult struct {
	SubIntent string `json:"sub_intent"`
	Ticket    Ticket `json:"ticket"`
}

func (r *ClaimResult) Kind() string { return "claim" }
func (r *ClaimResult) Size() int    { return 1 }

// PolicyResult holds the policy passages retrieved for a question.
type PolicyResult struct {
	Query string      `json:"query"`
	Hits  []PolicyHit `json:"hits"`
}

func (r *PolicyResult) Kind() string { return "policy" }
func (r *PolicyResult) Size() int    { return len(r.Hits) }

// RecommendResult is a recommendation query result.
type RecommendResult struct {
	SubIntent string `json:"sub_intent"`
	Recommendation
}

func (r *RecommendResult) Kind() string { return "recommend" }
func (r *RecommendResult) Size() int    { return len(r.Products) }
