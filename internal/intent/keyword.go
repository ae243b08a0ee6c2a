package intent

import (
	"fmt"
	"strings"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/pkg/models"
)

// ClassifyKeyword walks the priority-ordered keyword table. The first intent
// whose keywords (or sub-intent keywords) occur in the message wins. It never
// fails and is deterministic for a given tables snapshot.
func (c *Classifier) ClassifyKeyword(message string) models.IntentResult {
	t := c.tables.Current()
	lower := strings.ToLower(message)

	for _, rule := range t.Doc.Intents.Rules {
		intentHits := matchAny(lower, rule.Keywords)
		sub, subHit := matchSub(lower, rule.SubIntents)
		if len(intentHits) == 0 && subHit == "" {
			continue
		}

		payload := extractEntities(t, rule.Intent, message)
		confidence := models.ConfidenceMedium
		reason := ""
		switch {
		case subHit != "":
			confidence = models.ConfidenceHigh
			reason = fmt.Sprintf("keyword %q matched %s/%s", subHit, rule.Intent, sub)
		case len(rule.SubIntents) == 0 && len(intentHits) > 1:
			confidence = models.ConfidenceHigh
			reason = fmt.Sprintf("keywords %q matched %s", intentHits, rule.Intent)
		default:
			sub = defaultSub(rule, payload)
			reason = fmt.Sprintf("keyword %q matched %s", intentHits[0], rule.Intent)
		}

		return models.IntentResult{
			Intent:     rule.Intent,
			SubIntent:  sub,
			Payload:    payload,
			Confidence: confidence,
			Source:     models.SourceKeyword,
			Reason:     reason,
		}
	}

	// a bare order number is still an order question
	if id := t.OrderID.FindString(message); id != "" {
		for _, rule := range t.Doc.Intents.Rules {
			if rule.Intent != models.IntentOrder {
				continue
			}
			payload := extractEntities(t, models.IntentOrder, message)
			return models.IntentResult{
				Intent:     models.IntentOrder,
				SubIntent:  defaultSub(rule, payload),
				Payload:    payload,
				Confidence: models.ConfidenceMedium,
				Source:     models.SourceKeyword,
				Reason:     "order id " + id + " without intent keywords",
			}
		}
	}

	return models.IntentResult{
		Intent:     models.IntentUnknown,
		Payload:    map[string]any{models.PayloadMessage: message},
		Confidence: models.ConfidenceLow,
		Source:     models.SourceKeyword,
		Reason:     "no keyword matched",
	}
}

func matchAny(lower string, keywords []string) []string {
	var hits []string
	for _, kw := range keywords {
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			hits = append(hits, kw)
		}
	}
	return hits
}

// matchSub returns the first sub-intent with a matching keyword, in table order.
func matchSub(lower string, subs []config.SubIntentRule) (string, string) {
	for _, s := range subs {
		if hits := matchAny(lower, s.Keywords); len(hits) > 0 {
			return s.Name, hits[0]
		}
	}
	return "", ""
}

func defaultSub(rule config.IntentRule, payload map[string]any) string {
	if id, _ := payload[models.PayloadOrderID].(string); id != "" && rule.DefaultSubWithOrderID != "" {
		return rule.DefaultSubWithOrderID
	}
	if id, _ := payload[models.PayloadProductID].(string); id != "" && rule.DefaultSubWithProductID != "" {
		return rule.DefaultSubWithProductID
	}
	return rule.DefaultSub
}

// extractEntities builds the payload for an intent: ids via regex, issue
// type via the keyword map, and the free text under the key the handler reads.
func extractEntities(t *config.Tables, intent models.Intent, message string) map[string]any {
	payload := map[string]any{models.PayloadMessage: message}

	orderID := strings.ToUpper(t.OrderID.FindString(message))
	if orderID != "" || intent == models.IntentOrder || intent == models.IntentClaim {
		payload[models.PayloadOrderID] = orderID
	}
	if pid := t.ProductID.FindString(message); pid != "" {
		payload[models.PayloadProductID] = pid
	}

	switch intent {
	case models.IntentPolicy:
		payload[models.PayloadQuery] = message
	case models.IntentClaim:
		payload[models.PayloadDescription] = message
		payload[models.PayloadIssueType] = issueType(t, message)
	case models.IntentOrder:
		payload[models.PayloadReason] = message
	}
	return payload
}

func issueType(t *config.Tables, message string) string {
	for _, it := range t.Doc.Intents.IssueTypes {
		if strings.Contains(message, it.Keyword) {
			return it.Type
		}
	}
	if t.Doc.Intents.DefaultIssueType != "" {
		return t.Doc.Intents.DefaultIssueType
	}
	return "other"
}
