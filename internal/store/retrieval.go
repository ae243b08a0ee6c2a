package store

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/agentoven/shopdesk/pkg/models"
)

// trailing Korean particles dropped when matching query terms
var particles = []string{"으로", "에서", "은", "는", "이", "가", "을", "를", "에", "의", "도", "로", "요"}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func stem(term string) string {
	for _, p := range particles {
		if strings.HasSuffix(term, p) && len([]rune(term))-len([]rune(p)) >= 2 {
			return strings.TrimSuffix(term, p)
		}
	}
	return term
}

// SearchPolicy scores each policy passage by the share of query terms it
// contains, weighting title matches, and returns the topK best hits with a
// non-zero score.
func (m *MemoryStore) SearchPolicy(_ context.Context, query string, topK int) ([]models.PolicyHit, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return []models.PolicyHit{}, nil
	}
	topK = normLimit(topK, 3)

	m.mu.RLock()
	docs := m.policies
	m.mu.RUnlock()

	hits := make([]models.PolicyHit, 0, len(docs))
	for _, d := range docs {
		body := strings.ToLower(d.Title + " " + d.Text)
		title := strings.ToLower(d.Title)
		matched, inTitle := 0, 0
		for _, t := range terms {
			if strings.Contains(body, t) || strings.Contains(body, stem(t)) {
				matched++
			}
			if strings.Contains(title, stem(t)) {
				inTitle++
			}
		}
		if matched == 0 {
			continue
		}
		n := float64(len(terms))
		hits = append(hits, models.PolicyHit{
			ID:    d.ID,
			Score: 0.7*float64(matched)/n + 0.3*float64(inTitle)/n,
			Text:  d.Text,
			Metadata: map[string]any{
				"title":    d.Title,
				"category": d.Category,
			},
		})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
