package guardrails

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/rs/zerolog/log"

	"github.com/agentoven/shopdesk/internal/config"
	"github.com/agentoven/shopdesk/pkg/models"
)

// GuardInput is everything ApplyGuards merges into one report.
type GuardInput struct {
	Response string
	Data     models.ToolResult
	Input    *models.InputGuardResult
	Output   *models.OutputGuardResult
}

// ApplyGuards runs the structural checks and merges every guard outcome
// into one report. Violations are surfaced, never enforced, and repository
// errors end up in the report instead of being returned.
func (e *Engine) ApplyGuards(ctx context.Context, in GuardInput) *models.GuardReport {
	report := &models.GuardReport{Input: in.Input, Output: in.Output}

	if detail, ok := in.Data.(*models.OrderDetailResult); ok && e.products != nil {
		report.PriceStock, report.PriceStockError = e.checkPriceStock(ctx, detail)
	}

	report.Policy, report.PolicyError = e.checkPolicy(in.Response, in.Data)
	return report
}

// ── Price / stock ───────────────────────────────────────────

const priceEpsilon = 0.005

func (e *Engine) checkPriceStock(ctx context.Context, detail *models.OrderDetailResult) (*models.PriceStockReport, string) {
	rep := &models.PriceStockReport{OK: true, Mismatches: []models.PriceStockMismatch{}}
	var errs []string
	seen := make(map[string]bool)

	for _, item := range detail.Items {
		if item.ProductID == "" || seen[item.ProductID] {
			continue
		}
		seen[item.ProductID] = true

		product, err := e.products.GetProduct(ctx, item.ProductID)
		if err != nil {
			log.Warn().Err(err).Str("product_id", item.ProductID).Msg("Price/stock check lookup failed")
			errs = append(errs, err.Error())
			continue
		}
		rep.Checked++

		var diffs []models.FieldDiff
		if math.Abs(item.Price-product.Price) > priceEpsilon {
			diffs = append(diffs, models.FieldDiff{Field: "price", Reported: item.Price, Actual: product.Price})
		}
		if item.Stock != nil && *item.Stock != product.Stock {
			diffs = append(diffs, models.FieldDiff{Field: "stock", Reported: float64(*item.Stock), Actual: float64(product.Stock)})
		}
		if len(diffs) > 0 {
			rep.Mismatches = append(rep.Mismatches, models.PriceStockMismatch{ProductID: item.ProductID, Fields: diffs})
		}
	}

	rep.OK = len(rep.Mismatches) == 0
	return rep, strings.Join(errs, "; ")
}

// ── Policy compliance ───────────────────────────────────────

func (e *Engine) checkPolicy(response string, data models.ToolResult) (*models.PolicyReport, string) {
	t := e.tables.Current()
	rep := &models.PolicyReport{OK: true}

	if pr, ok := data.(*models.PolicyResult); ok {
		rep.Categories = tagCategories(t.Guardrails().PolicyCategories, pr.Hits)
	}

	var errs []string
	for _, rule := range t.PolicyRules {
		for _, m := range rule.Re.FindAllStringSubmatch(response, -1) {
			valid, err := evalPredicate(rule, m)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", rule.Name, err))
				continue
			}
			if !valid {
				rep.Violations = append(rep.Violations, models.PolicyViolation{Rule: rule.Name, Match: m[0], Message: rule.Message})
			}
		}
	}
	rep.OK = len(rep.Violations) == 0
	return rep, strings.Join(errs, "; ")
}

func tagCategories(categories []config.PolicyCategory, hits []models.PolicyHit) []string {
	var tags []string
	for _, c := range categories {
	hit:
		for _, h := range hits {
			for _, kw := range c.Keywords {
				if strings.Contains(h.Text, kw) {
					tags = append(tags, c.Name)
					break hit
				}
			}
		}
	}
	return tags
}

// evalPredicate runs the rule predicate with the named capture groups bound
// as variables. Numeric captures are bound as ints.
func evalPredicate(rule config.CompiledPolicyRule, match []string) (bool, error) {
	if rule.Program == nil {
		return false, nil
	}
	env := make(map[string]any)
	for i, name := range rule.Re.SubexpNames() {
		if name == "" || i >= len(match) {
			continue
		}
		if n, err := strconv.Atoi(match[i]); err == nil {
			env[name] = n
		} else {
			env[name] = match[i]
		}
	}
	out, err := expr.Run(rule.Program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}
