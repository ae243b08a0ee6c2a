package store

import (
	"context"
	"sort"

	"github.com/agentoven/shopdesk/pkg/models"
)

// Recommendation methods reported in Recommendation.MethodUsed.
const (
	MethodSimilar        = "category_similarity"
	MethodPersonalized   = "purchase_history"
	MethodTrending       = "popularity"
	MethodBoughtTogether = "co_purchase"
	MethodCategory       = "category_rating"
)

// popularity sums purchased quantities per product. Caller holds m.mu.
func (m *MemoryStore) popularity() map[string]int {
	pop := make(map[string]int)
	for _, items := range m.items {
		for _, it := range items {
			pop[it.ProductID] += it.Quantity
		}
	}
	return pop
}

// rank orders candidates by score, then rating, then id. Caller holds m.mu.
func (m *MemoryStore) rank(scores map[string]float64, exclude map[string]bool, topK int, reason string) []models.RecommendedProduct {
	out := make([]models.RecommendedProduct, 0, len(scores))
	for id, s := range scores {
		if exclude[id] {
			continue
		}
		p, ok := m.products[id]
		if !ok {
			continue
		}
		out = append(out, models.RecommendedProduct{Product: *p, Score: s, Reason: reason})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ProductID < out[j].ProductID
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out
}

func result(products []models.RecommendedProduct, method string) *models.Recommendation {
	return &models.Recommendation{Products: products, TotalCount: len(products), MethodUsed: method}
}

func (m *MemoryStore) trendingLocked(topK int, exclude map[string]bool) []models.RecommendedProduct {
	scores := make(map[string]float64)
	for id, q := range m.popularity() {
		scores[id] = float64(q)
	}
	return m.rank(scores, exclude, topK, "많이 구매된 상품")
}

func (m *MemoryStore) GetTrending(_ context.Context, topK int) (*models.Recommendation, error) {
	topK = normLimit(topK, 5)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return result(m.trendingLocked(topK, nil), MethodTrending), nil
}

func (m *MemoryStore) GetSimilarProducts(_ context.Context, productID string, topK int) (*models.Recommendation, error) {
	topK = normLimit(topK, 5)
	m.mu.RLock()
	defer m.mu.RUnlock()

	base, ok := m.products[productID]
	if !ok {
		rec := result(m.trendingLocked(topK, nil), MethodTrending)
		rec.IsFallback = true
		rec.FallbackReason = "product not found: " + productID
		return rec, nil
	}
	scores := make(map[string]float64)
	for id, p := range m.products {
		if p.Category != base.Category {
			continue
		}
		s := p.Rating
		if p.Brand == base.Brand {
			s += 1
		}
		scores[id] = s
	}
	return result(m.rank(scores, map[string]bool{productID: true}, topK, "같은 카테고리 상품"), MethodSimilar), nil
}

func (m *MemoryStore) GetPersonalized(_ context.Context, userID string, topK int) (*models.Recommendation, error) {
	topK = normLimit(topK, 5)
	m.mu.RLock()
	defer m.mu.RUnlock()

	bought := make(map[string]bool)
	categories := make(map[string]int)
	for id, o := range m.orders {
		if o.UserID != userID {
			continue
		}
		for _, it := range m.items[id] {
			bought[it.ProductID] = true
			if p, ok := m.products[it.ProductID]; ok {
				categories[p.Category] += it.Quantity
			}
		}
	}
	if len(categories) == 0 {
		rec := result(m.trendingLocked(topK, nil), MethodTrending)
		rec.IsFallback = true
		rec.FallbackReason = "no purchase history"
		return rec, nil
	}

	scores := make(map[string]float64)
	for id, p := range m.products {
		if w, ok := categories[p.Category]; ok {
			scores[id] = float64(w) + p.Rating/10
		}
	}
	products := m.rank(scores, bought, topK, "구매 이력 기반")
	if len(products) == 0 {
		rec := result(m.trendingLocked(topK, bought), MethodTrending)
		rec.IsFallback = true
		rec.FallbackReason = "no unseen products in preferred categories"
		return rec, nil
	}
	return result(products, MethodPersonalized), nil
}

func (m *MemoryStore) GetBoughtTogether(_ context.Context, productID string, topK int) (*models.Recommendation, error) {
	topK = normLimit(topK, 5)
	m.mu.RLock()
	defer m.mu.RUnlock()

	scores := make(map[string]float64)
	for _, items := range m.items {
		found := false
		for _, it := range items {
			if it.ProductID == productID {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		for _, it := range items {
			scores[it.ProductID]++
		}
	}
	exclude := map[string]bool{productID: true}
	products := m.rank(scores, exclude, topK, "함께 구매된 상품")
	if len(products) == 0 {
		rec := result(m.trendingLocked(topK, exclude), MethodTrending)
		rec.IsFallback = true
		rec.FallbackReason = "no co-purchase data"
		return rec, nil
	}
	return result(products, MethodBoughtTogether), nil
}

func (m *MemoryStore) GetCategoryRecommendations(_ context.Context, category string, topK int) (*models.Recommendation, error) {
	topK = normLimit(topK, 5)
	m.mu.RLock()
	defer m.mu.RUnlock()

	scores := make(map[string]float64)
	for id, p := range m.products {
		if p.Category == category {
			scores[id] = p.Rating
		}
	}
	products := m.rank(scores, nil, topK, category+" 인기 상품")
	if len(products) == 0 {
		rec := result(m.trendingLocked(topK, nil), MethodTrending)
		rec.IsFallback = true
		rec.FallbackReason = "unknown category: " + category
		return rec, nil
	}
	return result(products, MethodCategory), nil
}
