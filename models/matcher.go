package models

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
)

// AutoMatchFloor is the minimum confidence for a candidate to appear in a
// preview at all. The tenant's threshold (default 0.85) gates application.
var AutoMatchFloor = decimal.NewFromFloat(0.40)

const (
	weightAmount = 0.45
	weightDate   = 0.25
	weightText   = 0.30
)

// MatchCandidate is one scored schedule for a line item, with per-factor
// reasons so operators can see why a confidence was produced.
type MatchCandidate struct {
	DepositLineItemId int             `json:"deposit_line_item_id"`
	RevenueScheduleId int             `json:"revenue_schedule_id"`
	Confidence        decimal.Decimal `json:"confidence"`
	Reasons           []string        `json:"reasons"`
}

// LineMatchPreview groups a line item's candidates for the preview endpoint.
type LineMatchPreview struct {
	DepositLineItemId int              `json:"deposit_line_item_id"`
	LineNumber        int              `json:"line_number"`
	Candidates        []MatchCandidate `json:"candidates"`
}

// AutoMatchResult is the count classification returned by the apply endpoint.
// Operators act on the individual counts, not a single pass/fail.
type AutoMatchResult struct {
	Processed       int `json:"processed"`
	AutoMatched     int `json:"auto_matched"`
	AlreadyMatched  int `json:"already_matched"`
	BelowThreshold  int `json:"below_threshold"`
	NoCandidates    int `json:"no_candidates"`
	QueuedForReview int `json:"queued_for_review"`
	Errors          int `json:"errors"`
}

// resolveLineScope builds the schedule scope key for a line item from its raw
// identifiers: a resolvable product narrows to opportunity-product or product
// scope, otherwise the deposit's vendor/distributor pair plus the normalized
// product code forms the key.
func resolveLineScope(ctx context.Context, deposit *Deposit, line *DepositLineItem) ScheduleScope {
	identifier := line.ProductCode
	if identifier == "" {
		identifier = line.ProductName
	}
	product, err := findProductByIdentifier(ctx, deposit.TenantId, identifier)
	if err == nil && product != nil {
		db := config.GetDB()
		var opportunityProducts []OpportunityProduct
		err := db.WithContext(ctx).
			Joins("JOIN opportunities ON opportunities.id = opportunity_products.opportunity_id").
			Where("opportunities.account_id = ? AND opportunity_products.product_id = ?", deposit.AccountId, product.ID).
			Limit(2).Find(&opportunityProducts).Error
		if err == nil && len(opportunityProducts) == 1 {
			return ScheduleScope{
				Kind:                 ScopeKindOpportunityProduct,
				AccountId:            deposit.AccountId,
				OpportunityProductId: opportunityProducts[0].ID,
			}
		}
		return ScheduleScope{
			Kind:      ScopeKindProduct,
			AccountId: deposit.AccountId,
			ProductId: product.ID,
		}
	}
	return ScheduleScope{
		Kind:                 ScopeKindVendorKey,
		AccountId:            deposit.AccountId,
		VendorAccountId:      deposit.VendorAccountId,
		DistributorAccountId: deposit.DistributorAccountId,
		ProductCode:          utils.NormalizeKey(identifier),
	}
}

// FindExactMatch looks for the earliest unreconciled, unapplied schedule in
// the line's scope dated on/after the payment date whose expected net usage is
// within tolerance of the line's unallocated usage.
func FindExactMatch(ctx context.Context, deposit *Deposit, line *DepositLineItem) (*RevenueSchedule, error) {
	scope := resolveLineScope(ctx, deposit, line)
	db := config.GetDB()

	var schedules []*RevenueSchedule
	dbCtx := db.WithContext(ctx).Model(&RevenueSchedule{}).
		Where("schedule_date >= ?", line.PaymentDate).
		Where("reconciled = false").
		Where("id NOT IN (?)", db.WithContext(ctx).
			Model(&DepositLineMatch{}).
			Select("revenue_schedule_id").
			Where("status = ?", MatchStateApplied))
	dbCtx = scope.Condition(dbCtx)
	if err := dbCtx.Order("schedule_date").Find(&schedules).Error; err != nil {
		return nil, err
	}

	for _, schedule := range schedules {
		if !scope.matchesCode(schedule) {
			continue
		}
		if schedule.ExpectedNetUsage().Sub(line.UsageUnallocated).Abs().LessThanOrEqual(Epsilon) {
			return schedule, nil
		}
	}
	return nil, nil
}

// amountProximity is 1 at an exact amount match and decays linearly with the
// relative difference.
func amountProximity(expected, actual decimal.Decimal) decimal.Decimal {
	scale := decimal.Max(expected.Abs(), actual.Abs(), decimal.NewFromInt(1))
	diff := expected.Sub(actual).Abs().Div(scale)
	if diff.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(diff)
}

// dateProximity is 1 at same-day and decays to 0 at ninety days apart.
func dateProximity(schedule *RevenueSchedule, line *DepositLineItem) decimal.Decimal {
	days := schedule.ScheduleDate.Sub(line.PaymentDate).Hours() / 24
	if days < 0 {
		days = -days
	}
	if days >= 90 {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(decimal.NewFromFloat(days / 90))
}

// textSimilarity compares the line's product identifiers against the
// schedule's product code with normalized Levenshtein distance, keeping the
// best of the two.
func textSimilarity(schedule *RevenueSchedule, line *DepositLineItem) decimal.Decimal {
	best := 0.0
	target := utils.NormalizeKey(schedule.ProductCode)
	for _, raw := range []string{line.ProductCode, line.ProductName} {
		source := utils.NormalizeKey(raw)
		if source == "" || target == "" {
			continue
		}
		if source == target {
			best = 1.0
			break
		}
		longest := len(source)
		if len(target) > longest {
			longest = len(target)
		}
		distance := levenshtein.ComputeDistance(source, target)
		score := 1.0 - float64(distance)/float64(longest)
		if score > best {
			best = score
		}
	}
	if best < 0 {
		best = 0
	}
	return decimal.NewFromFloat(best)
}

// scoreCandidate combines the weighted factors into a confidence in [0,1].
func scoreCandidate(schedule *RevenueSchedule, line *DepositLineItem) (decimal.Decimal, []string) {
	amount := amountProximity(schedule.ExpectedNetUsage(), line.UsageUnallocated)
	date := dateProximity(schedule, line)
	text := textSimilarity(schedule, line)

	confidence := amount.Mul(decimal.NewFromFloat(weightAmount)).
		Add(date.Mul(decimal.NewFromFloat(weightDate))).
		Add(text.Mul(decimal.NewFromFloat(weightText))).
		Round(4)

	reasons := []string{
		fmt.Sprintf("amount proximity %s (expected %s vs line %s)", amount.Round(2), schedule.ExpectedNetUsage(), line.UsageUnallocated),
		fmt.Sprintf("date proximity %s (schedule %s vs payment %s)", date.Round(2),
			schedule.ScheduleDate.Format("2006-01-02"), line.PaymentDate.Format("2006-01-02")),
		fmt.Sprintf("text similarity %s (%q vs %q)", text.Round(2), line.ProductName, schedule.ProductCode),
	}
	return confidence, reasons
}

// ScoreCandidates scores every open schedule on the deposit's account against
// the line and returns candidates at/above the floor, best first. Read-only.
func ScoreCandidates(ctx context.Context, deposit *Deposit, line *DepositLineItem) ([]MatchCandidate, error) {
	db := config.GetDB()
	var schedules []*RevenueSchedule
	if err := db.WithContext(ctx).Model(&RevenueSchedule{}).
		Where("account_id = ?", deposit.AccountId).
		Where("reconciled = false").
		Where("id NOT IN (?)", db.WithContext(ctx).
			Model(&DepositLineMatch{}).
			Select("revenue_schedule_id").
			Where("status = ?", MatchStateApplied)).
		Find(&schedules).Error; err != nil {
		return nil, err
	}

	var candidates []MatchCandidate
	for _, schedule := range schedules {
		confidence, reasons := scoreCandidate(schedule, line)
		if confidence.LessThan(AutoMatchFloor) {
			continue
		}
		candidates = append(candidates, MatchCandidate{
			DepositLineItemId: line.ID,
			RevenueScheduleId: schedule.ID,
			Confidence:        confidence,
			Reasons:           reasons,
		})
	}
	// best candidate first
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].Confidence.GreaterThan(candidates[i].Confidence) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}
	return candidates, nil
}

// PreviewAutoMatch returns scored candidates for every open line of a deposit
// without mutating any state. Safe to re-run.
func PreviewAutoMatch(ctx context.Context, depositId int) ([]LineMatchPreview, error) {
	deposit, err := GetDepositById(ctx, depositId, true)
	if err != nil {
		return nil, err
	}
	if deposit.Status == DepositStatusReconciled {
		return nil, fmt.Errorf("%w: deposit %s is already reconciled", utils.ErrorStateConflict, deposit.DepositNumber)
	}

	previews := make([]LineMatchPreview, 0, len(deposit.LineItems))
	for i := range deposit.LineItems {
		line := deposit.LineItems[i]
		if line.MatchStatus == LineMatchStatusMatched || line.MatchStatus == LineMatchStatusReconciled {
			continue
		}
		candidates, err := ScoreCandidates(ctx, deposit, &line)
		if err != nil {
			return nil, err
		}
		previews = append(previews, LineMatchPreview{
			DepositLineItemId: line.ID,
			LineNumber:        line.LineNumber,
			Candidates:        candidates,
		})
	}
	return previews, nil
}

// ApplyAutoMatch applies the best candidate at/above the tenant's confidence
// threshold for every open line and reports the count classification.
func ApplyAutoMatch(ctx context.Context, depositId int) (*AutoMatchResult, error) {
	logger := config.GetLogger()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	tenant, err := GetTenantById(ctx, tenantId)
	if err != nil {
		return nil, err
	}
	threshold := tenant.AutoMatchThreshold
	if threshold.IsZero() {
		threshold = decimal.NewFromFloat(0.85)
	}

	deposit, err := GetDepositById(ctx, depositId, true)
	if err != nil {
		return nil, err
	}
	if deposit.Status == DepositStatusReconciled {
		return nil, fmt.Errorf("%w: deposit %s is already reconciled", utils.ErrorStateConflict, deposit.DepositNumber)
	}

	result := AutoMatchResult{}
	for i := range deposit.LineItems {
		line := deposit.LineItems[i]
		result.Processed++

		if line.MatchStatus == LineMatchStatusMatched || line.MatchStatus == LineMatchStatusReconciled {
			result.AlreadyMatched++
			continue
		}

		// exact scope match wins over fuzzy scoring
		exact, err := FindExactMatch(ctx, deposit, &line)
		if err != nil {
			config.LogError(logger, "models", "ApplyAutoMatch", "exact match lookup", line.ID, err)
			result.Errors++
			continue
		}
		if exact != nil {
			if err := applyMatchInTransaction(ctx, deposit.ID, line.ID, exact.ID, MatchSourceExact, decimal.NewFromInt(1), nil, nil); err != nil {
				if errors.Is(err, errFlexQueued) {
					result.QueuedForReview++
					continue
				}
				config.LogError(logger, "models", "ApplyAutoMatch", "apply exact match", line.ID, err)
				result.Errors++
				continue
			}
			result.AutoMatched++
			continue
		}

		candidates, err := ScoreCandidates(ctx, deposit, &line)
		if err != nil {
			config.LogError(logger, "models", "ApplyAutoMatch", "score candidates", line.ID, err)
			result.Errors++
			continue
		}
		if len(candidates) == 0 {
			result.NoCandidates++
			continue
		}
		best := candidates[0]
		if best.Confidence.LessThan(threshold) {
			result.BelowThreshold++
			continue
		}
		if err := applyMatchInTransaction(ctx, deposit.ID, line.ID, best.RevenueScheduleId, MatchSourceFuzzy, best.Confidence, nil, nil); err != nil {
			if errors.Is(err, errFlexQueued) {
				result.QueuedForReview++
				continue
			}
			config.LogError(logger, "models", "ApplyAutoMatch", "apply fuzzy match", line.ID, err)
			result.Errors++
			continue
		}
		result.AutoMatched++
	}
	return &result, nil
}

// ApplyManualMatch commits an operator-chosen match with explicit amounts.
func ApplyManualMatch(ctx context.Context, depositId int, lineId int, scheduleId int, usage *decimal.Decimal, commission *decimal.Decimal) error {
	deposit, err := GetDepositById(ctx, depositId, false)
	if err != nil {
		return err
	}
	if deposit.Status == DepositStatusReconciled {
		return fmt.Errorf("%w: deposit %s is already reconciled", utils.ErrorStateConflict, deposit.DepositNumber)
	}
	line, err := GetDepositLineItemById(ctx, lineId)
	if err != nil {
		return err
	}
	if line.DepositId != deposit.ID {
		return utils.ErrorRecordNotFound
	}
	return applyMatchInTransaction(ctx, deposit.ID, line.ID, scheduleId, MatchSourceManual, decimal.NewFromInt(1), usage, commission)
}

func encodeReasons(reasons []string) string {
	return strings.Join(reasons, "; ")
}
