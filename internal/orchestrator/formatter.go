package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/agentoven/shopdesk/pkg/contracts"
	"github.com/agentoven/shopdesk/pkg/models"
)

const policySnippetLen = 300

var statusLabels = map[string]string{
	models.OrderPending:   "주문 접수",
	models.OrderConfirmed: "주문 확인",
	models.OrderShipping:  "배송 중",
	models.OrderDelivered: "배송 완료",
	models.OrderCancelled: "주문 취소",
	models.OrderRefunded:  "환불 완료",
}

var claimLabels = map[string]string{
	models.SubClaimRefund:   "환불",
	models.SubClaimExchange: "교환",
	models.SubClaimDefect:   "불량 신고",
}

var clarifyLabels = map[string]string{
	models.SubOrderStatus: "배송 상태 조회를",
	models.SubOrderCancel: "주문 취소를",
	models.SubOrderDetail: "주문 상세 조회를",
}

// Formatter renders tool results as polite Korean text. It is total: every
// result shape produces a non-empty answer and nothing panics.
type Formatter struct {
	p *message.Printer
}

// NewFormatter creates a formatter printing numbers in Korean locale.
func NewFormatter() *Formatter {
	return &Formatter{p: message.NewPrinter(language.Korean)}
}

// Format renders data for the given intent.
func (f *Formatter) Format(intent models.Intent, data models.ToolResult) string {
	switch r := data.(type) {
	case *models.OrderListResult:
		return f.orderList(r)
	case *models.OrderDetailResult:
		return f.orderDetail(r)
	case *models.OrderStatusResult:
		return fmt.Sprintf("주문 %s의 현재 상태는 '%s'입니다.", r.OrderID, status(r.Status))
	case *models.CancelResult:
		return f.cancel(r)
	case *models.ClarifyResult:
		return clarify(r)
	case *models.ClaimResult:
		return claim(r)
	case *models.PolicyResult:
		return policy(r)
	case *models.RecommendResult:
		return f.recommend(r)
	case nil:
		if intent == models.IntentUnknown || !intent.Dispatchable() {
			return f.Unknown()
		}
		return "요청하신 내용을 확인했지만 안내해 드릴 정보가 없습니다. 다른 방법으로 다시 문의해 주세요."
	}
	return raw(data)
}

// Unknown is the answer for a message no handler understands.
func (f *Formatter) Unknown() string {
	return "죄송합니다. 문의하신 내용을 정확히 이해하지 못했습니다. 주문 조회, 환불 및 교환, 정책 안내, 상품 추천에 대해 도와드릴 수 있습니다."
}

// ToolFailure is the answer when the domain call failed. Error detail is
// never shown to the customer.
func (f *Formatter) ToolFailure(err error) string {
	var nf *contracts.ErrNotFound
	if errors.As(err, &nf) {
		if nf.Entity == "order" {
			return "요청하신 주문을 찾을 수 없습니다. 주문번호를 다시 확인해 주세요."
		}
		return "요청하신 정보를 찾을 수 없습니다. 입력하신 내용을 다시 확인해 주세요."
	}
	return "죄송합니다. 요청을 처리하는 중 문제가 발생했습니다. 잠시 후 다시 시도해 주세요."
}

func (f *Formatter) won(v float64) string {
	return f.p.Sprintf("%d원", int64(math.Round(v)))
}

func date(t time.Time) string {
	if t.IsZero() {
		return "날짜 미상"
	}
	return fmt.Sprintf("%d년 %d월 %d일", t.Year(), int(t.Month()), t.Day())
}

func status(s string) string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	if s == "" {
		return "확인 중"
	}
	return s
}

// ── Orders ──────────────────────────────────────────────────

func (f *Formatter) orderList(r *models.OrderListResult) string {
	if len(r.Orders) == 0 {
		if r.Status != "" {
			return fmt.Sprintf("'%s' 상태의 주문 내역이 없습니다.", status(r.Status))
		}
		return "조회된 주문 내역이 없습니다."
	}

	var b strings.Builder
	b.WriteString(f.p.Sprintf("최근 주문 %d건을 안내해 드립니다.\n", len(r.Orders)))
	for _, o := range r.Orders {
		fmt.Fprintf(&b, "\n- %s: %s, %s, %s", o.OrderID, date(o.OrderDate), status(o.Status), f.won(o.TotalAmount))
	}
	if len(r.RecentItems) > 0 {
		names := make([]string, 0, len(r.RecentItems))
		for _, it := range r.RecentItems {
			names = append(names, f.p.Sprintf("%s %d개", it.Title, it.Quantity))
		}
		b.WriteString("\n\n자주 구매하신 상품은 " + strings.Join(names, ", ") + "입니다.")
	}
	return b.String()
}

func (f *Formatter) orderDetail(r *models.OrderDetailResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "주문 %s의 상세 내역입니다.\n", r.Order.OrderID)
	fmt.Fprintf(&b, "\n- 주문일: %s", date(r.Order.OrderDate))
	fmt.Fprintf(&b, "\n- 상태: %s", status(r.Order.Status))
	fmt.Fprintf(&b, "\n- 결제 금액: %s", f.won(r.Order.TotalAmount))
	if len(r.Items) > 0 {
		b.WriteString("\n\n주문 상품")
		for _, it := range r.Items {
			fmt.Fprintf(&b, "\n- %s %s (단가 %s)", it.Title, f.p.Sprintf("%d개", it.Quantity), f.won(it.Price))
		}
	}
	return b.String()
}

func (f *Formatter) cancel(r *models.CancelResult) string {
	if r.OK {
		return fmt.Sprintf("주문 %s의 취소가 완료되었습니다. 결제 취소는 영업일 기준 3~5일 내에 처리됩니다.", r.OrderID)
	}
	if r.Status != "" {
		return fmt.Sprintf("주문 %s은(는) 현재 '%s' 상태라 취소할 수 없습니다. 반품이 필요하시면 환불 요청을 남겨 주세요.", r.OrderID, status(r.Status))
	}
	return fmt.Sprintf("주문 %s의 취소 요청을 처리하지 못했습니다. 고객센터로 문의해 주세요.", r.OrderID)
}

func clarify(r *models.ClarifyResult) string {
	what, ok := clarifyLabels[r.SubIntent]
	if !ok {
		what = "요청 처리를"
	}
	return fmt.Sprintf("주문번호를 알려주시면 %s 도와드리겠습니다. 주문번호는 'ORD-'로 시작합니다.", what)
}

// ── Claims ──────────────────────────────────────────────────

func claim(r *models.ClaimResult) string {
	label, ok := claimLabels[r.SubIntent]
	if !ok {
		label = "문의"
	}
	var b strings.Builder
	if r.Ticket.OrderID != "" {
		fmt.Fprintf(&b, "주문 %s에 대한 %s 요청이 접수되었습니다.", r.Ticket.OrderID, label)
	} else {
		fmt.Fprintf(&b, "%s 요청이 접수되었습니다.", label)
	}
	fmt.Fprintf(&b, " 접수 번호는 %s입니다.", r.Ticket.TicketID)
	if r.Ticket.OrderID == "" {
		b.WriteString(" 빠른 처리를 위해 주문번호를 함께 알려주세요.")
	}
	b.WriteString(" 담당자가 확인 후 안내해 드리겠습니다.")
	return b.String()
}

// ── Policy ──────────────────────────────────────────────────

func policy(r *models.PolicyResult) string {
	if len(r.Hits) == 0 {
		return "문의하신 내용과 관련된 정책을 찾지 못했습니다. 고객센터로 문의해 주시면 자세히 안내해 드리겠습니다."
	}
	var b strings.Builder
	b.WriteString("문의하신 내용과 관련된 정책을 안내해 드립니다.\n")
	for _, h := range r.Hits {
		text := []rune(strings.TrimSpace(h.Text))
		if len(text) > policySnippetLen {
			text = append(text[:policySnippetLen], '…')
		}
		b.WriteString("\n- " + string(text))
	}
	return b.String()
}

// ── Recommendations ─────────────────────────────────────────

func (f *Formatter) recommend(r *models.RecommendResult) string {
	if len(r.Products) == 0 {
		return "현재 추천해 드릴 상품이 없습니다. 잠시 후 다시 확인해 주세요."
	}
	var b strings.Builder
	if r.IsFallback {
		b.WriteString("요청하신 조건의 추천이 어려워 인기 상품을 대신 안내해 드립니다.\n")
	} else {
		b.WriteString("고객님께 추천해 드리는 상품입니다.\n")
	}
	for i, p := range r.Products {
		fmt.Fprintf(&b, "\n%d. %s", i+1, p.Title)
		if p.Brand != "" {
			fmt.Fprintf(&b, " (%s)", p.Brand)
		}
		b.WriteString(" " + f.won(p.Price))
		if p.Stock <= 0 {
			b.WriteString(", 품절")
		}
	}
	return b.String()
}

// raw serializes an unrecognized result shape.
func raw(data models.ToolResult) string {
	out, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "요청하신 정보를 정리하지 못했습니다. 잠시 후 다시 시도해 주세요."
	}
	return "요청하신 정보입니다.\n" + string(out)
}
