package intent_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/internal/intent"
	"github.com/agentoven/shopdesk/pkg/models"
)

type scriptedLLM struct {
	replies []string
	errs    []error
	calls   int
	block   bool
}

func (s *scriptedLLM) Chat(ctx context.Context, _ []models.ChatMessage, _ string) (string, error) {
	i := s.calls
	s.calls++
	if s.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	var reply string
	var err error
	if i < len(s.replies) {
		reply = s.replies[i]
	}
	if i < len(s.errs) {
		err = s.errs[i]
	}
	return reply, err
}

func tables() config.TableSource {
	return config.Static{T: config.MustDefaultTables()}
}

func keywordOnly() *intent.Classifier {
	return intent.NewClassifier(tables(), nil, intent.Options{})
}

// ── Keyword path ────────────────────────────────────────────

func TestClassifyKeyword(t *testing.T) {
	c := keywordOnly()

	cases := []struct {
		message    string
		intent     models.Intent
		sub        string
		confidence models.Confidence
	}{
		{"환불받고 싶어요", models.IntentClaim, models.SubClaimRefund, models.ConfidenceHigh},
		{"주문 취소해주세요", models.IntentOrder, models.SubOrderCancel, models.ConfidenceHigh},
		{"최근 주문 내역 보여줘", models.IntentOrder, models.SubOrderList, models.ConfidenceHigh},
		{"ORD-20240315-002 배송 조회 부탁해요", models.IntentOrder, models.SubOrderStatus, models.ConfidenceHigh},
		{"주문 ORD-20240301-001 확인", models.IntentOrder, models.SubOrderDetail, models.ConfidenceMedium},
		{"환불 정책이 어떻게 되나요?", models.IntentPolicy, "", models.ConfidenceMedium},
		{"상품이 파손돼서 왔어요", models.IntentClaim, models.SubClaimDefect, models.ConfidenceHigh},
		{"교환하고 싶어요", models.IntentClaim, models.SubClaimExchange, models.ConfidenceHigh},
		{"요즘 인기 있는 상품 추천해줘", models.IntentRecommend, models.SubRecommendTrending, models.ConfidenceHigh},
		{"P001이랑 비슷한 상품 있어요?", models.IntentRecommend, models.SubRecommendSimilar, models.ConfidenceHigh},
		{"안녕하세요", models.IntentGeneral, "", models.ConfidenceMedium},
		{"오늘 날씨 어때", models.IntentUnknown, "", models.ConfidenceLow},
	}

	for _, tc := range cases {
		t.Run(tc.message, func(t *testing.T) {
			res := c.ClassifyKeyword(tc.message)
			assert.Equal(t, tc.intent, res.Intent)
			assert.Equal(t, tc.sub, res.SubIntent)
			assert.Equal(t, tc.confidence, res.Confidence)
			assert.Equal(t, models.SourceKeyword, res.Source)
			assert.NotEmpty(t, res.Reason)
		})
	}
}

func TestClassifyKeyword_CancelWithoutOrderID(t *testing.T) {
	res := keywordOnly().ClassifyKeyword("주문 취소해주세요")

	assert.Equal(t, models.IntentOrder, res.Intent)
	assert.Equal(t, models.SubOrderCancel, res.SubIntent)
	id, present := res.Payload[models.PayloadOrderID]
	assert.True(t, present)
	assert.Equal(t, "", id)
}

func TestClassifyKeyword_Entities(t *testing.T) {
	c := keywordOnly()

	claim := c.ClassifyKeyword("ord-20240301-001 상품이 불량이에요")
	assert.Equal(t, models.IntentClaim, claim.Intent)
	assert.Equal(t, "ORD-20240301-001", claim.Payload[models.PayloadOrderID])
	assert.Equal(t, "defect", claim.Payload[models.PayloadIssueType])
	assert.Equal(t, "ord-20240301-001 상품이 불량이에요", claim.Payload[models.PayloadDescription])

	other := c.ClassifyKeyword("환불해 주세요")
	assert.Equal(t, "other", other.Payload[models.PayloadIssueType])

	policy := c.ClassifyKeyword("배송비 기준 알려주세요")
	assert.Equal(t, "배송비 기준 알려주세요", policy.Payload[models.PayloadQuery])
}

func TestClassifyKeyword_BareOrderID(t *testing.T) {
	res := keywordOnly().ClassifyKeyword("ORD-20240320-003")

	assert.Equal(t, models.IntentOrder, res.Intent)
	assert.Equal(t, models.SubOrderDetail, res.SubIntent)
	assert.Equal(t, "ORD-20240320-003", res.Payload[models.PayloadOrderID])
}

func TestClassifyKeyword_Deterministic(t *testing.T) {
	c := keywordOnly()
	messages := []string{"환불받고 싶어요", "주문 취소해주세요", "오늘 날씨 어때", "P003 같이 사면 좋은 거"}

	for _, m := range messages {
		first := c.ClassifyKeyword(m)
		for i := 0; i < 20; i++ {
			assert.Equal(t, first, c.ClassifyKeyword(m))
		}
	}
}

// ── LLM path ────────────────────────────────────────────────

func llmClassifier(llm intent.Chatter) *intent.Classifier {
	return intent.NewClassifier(tables(), llm, intent.Options{
		UseLLM:        true,
		Timeout:       200 * time.Millisecond,
		Retries:       1,
		MinConfidence: models.ConfidenceMedium,
	})
}

func TestClassify_UsesLLMVerdict(t *testing.T) {
	llm := &scriptedLLM{replies: []string{
		"분류 결과입니다:\n```json\n{\"intent\": \"order\", \"sub_intent\": \"status\", \"confidence\": \"high\", \"entities\": {\"order_id\": \"ord-20240315-002\", \"product_id\": null}, \"reason\": \"배송 위치 문의\"}\n```",
	}}

	res := llmClassifier(llm).Classify(context.Background(), "제 물건 어디쯤 왔나요 ORD-20240315-002")
	assert.Equal(t, models.SourceLLM, res.Source)
	assert.Equal(t, models.IntentOrder, res.Intent)
	assert.Equal(t, models.SubOrderStatus, res.SubIntent)
	assert.Equal(t, "ORD-20240315-002", res.Payload[models.PayloadOrderID])
	_, hasProduct := res.Payload[models.PayloadProductID]
	assert.False(t, hasProduct)
	assert.Equal(t, 1, llm.calls)
}

func TestClassify_FallsBackToKeywords(t *testing.T) {
	cases := map[string]*scriptedLLM{
		"null reply":      {replies: []string{"null"}},
		"prose only":      {replies: []string{"I think this is about refunds."}},
		"unknown intent":  {replies: []string{`{"intent": "unknown", "confidence": "high"}`}},
		"invented intent": {replies: []string{`{"intent": "weather", "confidence": "high"}`}},
		"low confidence":  {replies: []string{`{"intent": "claim", "sub_intent": "refund", "confidence": "low"}`}},
		"errors twice":    {errs: []error{errors.New("503"), errors.New("503")}},
	}

	for name, llm := range cases {
		t.Run(name, func(t *testing.T) {
			res := llmClassifier(llm).Classify(context.Background(), "환불받고 싶어요")
			assert.Equal(t, models.SourceKeyword, res.Source)
			assert.Equal(t, models.IntentClaim, res.Intent)
			assert.Equal(t, models.SubClaimRefund, res.SubIntent)
		})
	}
}

func TestClassify_ParseFailureIsNotRetried(t *testing.T) {
	llm := &scriptedLLM{replies: []string{"not json", `{"intent": "claim", "confidence": "high"}`}}

	res := llmClassifier(llm).Classify(context.Background(), "환불받고 싶어요")
	assert.Equal(t, models.SourceKeyword, res.Source)
	assert.Equal(t, 1, llm.calls)
}

func TestClassify_RetriesOnceOnCallError(t *testing.T) {
	llm := &scriptedLLM{
		errs:    []error{errors.New("connection reset")},
		replies: []string{"", `{"intent": "recommend", "sub_intent": "personal", "confidence": 0.9, "reason": "취향 추천"}`},
	}

	res := llmClassifier(llm).Classify(context.Background(), "나한테 맞는 거 추천해줘")
	assert.Equal(t, models.SourceLLM, res.Source)
	assert.Equal(t, models.SubRecommendPersonal, res.SubIntent)
	assert.Equal(t, models.ConfidenceHigh, res.Confidence)
	assert.Equal(t, 2, llm.calls)
}

func TestClassify_TimeoutFallsBack(t *testing.T) {
	llm := &scriptedLLM{block: true}

	start := time.Now()
	res := llmClassifier(llm).Classify(context.Background(), "주문 취소해주세요")
	assert.Equal(t, models.SourceKeyword, res.Source)
	assert.Equal(t, models.SubOrderCancel, res.SubIntent)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 2, llm.calls)
}

func TestClassify_DisabledNeverCallsLLM(t *testing.T) {
	llm := &scriptedLLM{replies: []string{`{"intent": "policy", "confidence": "high"}`}}
	c := intent.NewClassifier(tables(), llm, intent.Options{UseLLM: false})

	res := c.Classify(context.Background(), "환불받고 싶어요")
	assert.Equal(t, models.SourceKeyword, res.Source)
	assert.Zero(t, llm.calls)
}

// ── Parser ──────────────────────────────────────────────────

func TestParseLLMResponse(t *testing.T) {
	v, ok := intent.ParseLLMResponse(`{"intent": "Claim", "sub_intent": "null", "confidence": "Medium", "entities": {"issue_type": "damaged", "order_id": "None"}}`)
	require.True(t, ok)
	assert.Equal(t, models.IntentClaim, v.Intent)
	assert.Equal(t, "", v.SubIntent)
	assert.Equal(t, models.ConfidenceMedium, v.Confidence)
	assert.Equal(t, map[string]string{"issue_type": "damaged"}, v.Entities)

	for _, bad := range []string{"", "null", "NULL", "{}", `{"intent": null}`, "{broken", "```\n```"} {
		_, ok := intent.ParseLLMResponse(bad)
		assert.False(t, ok, bad)
	}
}
