package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// errFlexQueued reports that a schedule needing manual review was queued
// instead of allocated.
var errFlexQueued = errors.New("schedule queued for flex review")

// propagationEntry is one forward adjustment written during apply, kept on
// the match row so unmatch can subtract it back out.
type propagationEntry struct {
	RevenueScheduleId int             `json:"revenue_schedule_id"`
	UsageShare        decimal.Decimal `json:"usage_share"`
	CommissionShare   decimal.Decimal `json:"commission_share"`
}

// applyMatchInTransaction allocates a line item to a schedule in one
// transaction: creates the Applied match, moves balances, propagates the
// remaining delta forward, and audits every touched row. Schedules typed for
// flex review are queued instead and errFlexQueued is returned.
func applyMatchInTransaction(ctx context.Context, depositId int, lineId int, scheduleId int, source MatchSource, confidence decimal.Decimal, usageOverride *decimal.Decimal, commissionOverride *decimal.Decimal) error {
	return applyMatch(ctx, depositId, lineId, scheduleId, source, confidence, usageOverride, commissionOverride, false)
}

func applyMatch(ctx context.Context, depositId int, lineId int, scheduleId int, source MatchSource, confidence decimal.Decimal, usageOverride *decimal.Decimal, commissionOverride *decimal.Decimal, allowFlex bool) error {
	logger := config.GetLogger()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	err := applyMatchTx(ctx, tx, depositId, lineId, scheduleId, source, confidence, usageOverride, commissionOverride, allowFlex)
	if err != nil && !errors.Is(err, errFlexQueued) {
		return err
	}
	if commitErr := tx.Commit().Error; commitErr != nil {
		config.LogError(logger, "models", "applyMatch", "commit",
			map[string]interface{}{"lineId": lineId, "scheduleId": scheduleId}, commitErr)
		return commitErr
	}
	return err
}

// applyMatchTx does the allocation work inside the caller's transaction: it
// never commits or rolls back. A flex-review queue insert still returns
// errFlexQueued; the caller decides whether that commits.
func applyMatchTx(ctx context.Context, tx *gorm.DB, depositId int, lineId int, scheduleId int, source MatchSource, confidence decimal.Decimal, usageOverride *decimal.Decimal, commissionOverride *decimal.Decimal, allowFlex bool) error {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return errors.New("tenant id is required")
	}

	var line DepositLineItem
	if err := tx.Where("deposit_id = ?", depositId).First(&line, lineId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	if line.MatchStatus == LineMatchStatusReconciled {
		return fmt.Errorf("%w: line %d is already reconciled", utils.ErrorStateConflict, line.LineNumber)
	}
	var schedule RevenueSchedule
	if err := tx.First(&schedule, scheduleId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	if schedule.Reconciled {
		return fmt.Errorf("%w: revenue schedule %d is already reconciled", utils.ErrorStateConflict, schedule.ID)
	}

	// one applied match per schedule in normal flow
	var appliedCount int64
	if err := tx.Model(&DepositLineMatch{}).
		Where("revenue_schedule_id = ? AND status = ?", schedule.ID, MatchStateApplied).
		Count(&appliedCount).Error; err != nil {
		return err
	}
	if appliedCount > 0 {
		return fmt.Errorf("%w: revenue schedule %d already holds an applied match", utils.ErrorStateConflict, schedule.ID)
	}

	if schedule.ScheduleType.NeedsFlexReview() && !allowFlex {
		if err := queueFlexReview(tx, &line, &schedule); err != nil {
			return err
		}
		return errFlexQueued
	}

	allocUsage := line.UsageUnallocated
	if usageOverride != nil {
		allocUsage = *usageOverride
	}
	allocCommission := line.CommissionUnallocated
	if commissionOverride != nil {
		allocCommission = *commissionOverride
	}
	if allocUsage.GreaterThan(line.UsageUnallocated) || allocCommission.GreaterThan(line.CommissionUnallocated) {
		return fmt.Errorf("allocation exceeds the line's unallocated balance")
	}

	beforeLine := line

	_, reasons := scoreCandidate(&schedule, &line)
	match := DepositLineMatch{
		TenantId:            tenantId,
		DepositLineItemId:   line.ID,
		RevenueScheduleId:   schedule.ID,
		Confidence:          confidence,
		Source:              source,
		Status:              MatchStateApplied,
		AllocatedUsage:      allocUsage,
		AllocatedCommission: allocCommission,
		Reasons:             encodeReasons(reasons),
	}

	usageDelta := schedule.ExpectedNetUsage().Sub(allocUsage)
	commissionDelta := schedule.ExpectedCommission.Sub(allocCommission)

	entries, err := propagateDelta(tx, &schedule, &line, usageDelta, commissionDelta)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		encoded, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		match.PropagationLog = string(encoded)
	}

	if err := tx.Create(&match).Error; err != nil {
		return err
	}

	line.UsageUnallocated = line.UsageUnallocated.Sub(allocUsage)
	line.CommissionUnallocated = line.CommissionUnallocated.Sub(allocCommission)
	if line.UsageUnallocated.Abs().LessThanOrEqual(Epsilon) {
		line.MatchStatus = LineMatchStatusMatched
	} else {
		line.MatchStatus = LineMatchStatusSuggested
	}
	if err := updateLineItemBalances(tx, &line); err != nil {
		return err
	}

	schedule.ActualUsage = schedule.ActualUsage.Add(allocUsage)
	schedule.ActualCommission = schedule.ActualCommission.Add(allocCommission)
	if err := updateScheduleBalances(tx, &schedule); err != nil {
		return err
	}

	if err := refreshDepositAggregates(tx, depositId); err != nil {
		return err
	}

	return SaveAudit(tx, AuditEventMatchApplied, match.ID, "DepositLineMatch", beforeLine, line,
		fmt.Sprintf("line %d allocated %s usage / %s commission to schedule %d (%s, confidence %s)",
			line.LineNumber, allocUsage, allocCommission, schedule.ID, source, confidence))
}

// propagateDelta spreads the unmet (or overshot) portion of a schedule's
// expectation across all future schedules in the same scope: even split,
// remainder on the last. Deltas and shares at or below Epsilon write nothing.
func propagateDelta(tx *gorm.DB, schedule *RevenueSchedule, line *DepositLineItem, usageDelta decimal.Decimal, commissionDelta decimal.Decimal) ([]propagationEntry, error) {
	if usageDelta.Abs().LessThanOrEqual(Epsilon) && commissionDelta.Abs().LessThanOrEqual(Epsilon) {
		return nil, nil
	}

	scope, err := ResolveScheduleScope(schedule)
	if err != nil {
		return nil, err
	}
	future, err := findFutureSchedulesInScope(tx, scope, schedule.ScheduleDate)
	if err != nil {
		return nil, err
	}
	if len(future) == 0 {
		return nil, nil
	}

	count := decimal.NewFromInt(int64(len(future)))
	usageShare := usageDelta.DivRound(count, 4)
	commissionShare := commissionDelta.DivRound(count, 4)

	var entries []propagationEntry
	for i, target := range future {
		shareU := usageShare
		shareC := commissionShare
		if i == len(future)-1 {
			// remainder lands on the last schedule so the shares sum exactly
			shareU = usageDelta.Sub(usageShare.Mul(count.Sub(decimal.NewFromInt(1))))
			shareC = commissionDelta.Sub(commissionShare.Mul(count.Sub(decimal.NewFromInt(1))))
		}
		if shareU.Abs().LessThanOrEqual(Epsilon) && shareC.Abs().LessThanOrEqual(Epsilon) {
			continue
		}

		before := *target
		target.UsageAdjustment = target.UsageAdjustment.Add(shareU)
		target.ExpectedCommission = target.ExpectedCommission.Add(shareC)
		if err := updateScheduleBalances(tx, target); err != nil {
			return nil, err
		}
		if err := SaveAudit(tx, AuditEventAllocationPropagated, target.ID, "RevenueSchedule", before, *target,
			fmt.Sprintf("adjustment %s usage / %s commission propagated from deposit %d line %d via schedule %d",
				shareU, shareC, line.DepositId, line.LineNumber, schedule.ID)); err != nil {
			return nil, err
		}
		entries = append(entries, propagationEntry{
			RevenueScheduleId: target.ID,
			UsageShare:        shareU,
			CommissionShare:   shareC,
		})
	}
	return entries, nil
}

// UnmatchLineItem reverses every applied match on a line: restores the line's
// unallocated balances, the schedules' actuals, and the propagated
// adjustments, as the exact inverse of apply.
func UnmatchLineItem(ctx context.Context, depositId int, lineId int) error {
	logger := config.GetLogger()

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	var deposit Deposit
	if err := tx.First(&deposit, depositId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}
	if deposit.Status == DepositStatusReconciled {
		return fmt.Errorf("%w: deposit %s is reconciled and cannot be unmatched", utils.ErrorStateConflict, deposit.DepositNumber)
	}
	var line DepositLineItem
	if err := tx.Where("deposit_id = ?", depositId).First(&line, lineId).Error; err != nil {
		return utils.ErrorRecordNotFound
	}

	var matches []DepositLineMatch
	if err := tx.Where("deposit_line_item_id = ? AND status = ?", line.ID, MatchStateApplied).
		Find(&matches).Error; err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("%w: line %d has no applied match to reverse", utils.ErrorStateConflict, line.LineNumber)
	}

	beforeLine := line
	for _, match := range matches {
		var schedule RevenueSchedule
		if err := tx.First(&schedule, match.RevenueScheduleId).Error; err != nil {
			return utils.ErrorRecordNotFound
		}

		schedule.ActualUsage = schedule.ActualUsage.Sub(match.AllocatedUsage)
		schedule.ActualCommission = schedule.ActualCommission.Sub(match.AllocatedCommission)
		if err := updateScheduleBalances(tx, &schedule); err != nil {
			return err
		}

		if match.PropagationLog != "" {
			var entries []propagationEntry
			if err := json.Unmarshal([]byte(match.PropagationLog), &entries); err != nil {
				return fmt.Errorf("match %d has malformed propagation log: %w", match.ID, err)
			}
			for _, entry := range entries {
				var target RevenueSchedule
				if err := tx.First(&target, entry.RevenueScheduleId).Error; err != nil {
					return utils.ErrorRecordNotFound
				}
				before := target
				target.UsageAdjustment = target.UsageAdjustment.Sub(entry.UsageShare)
				target.ExpectedCommission = target.ExpectedCommission.Sub(entry.CommissionShare)
				if err := updateScheduleBalances(tx, &target); err != nil {
					return err
				}
				if err := SaveAudit(tx, AuditEventAllocationPropagated, target.ID, "RevenueSchedule", before, target,
					fmt.Sprintf("adjustment %s usage / %s commission reversed for deposit %d line %d",
						entry.UsageShare.Neg(), entry.CommissionShare.Neg(), deposit.ID, line.LineNumber)); err != nil {
					return err
				}
			}
		}

		line.UsageUnallocated = line.UsageUnallocated.Add(match.AllocatedUsage)
		line.CommissionUnallocated = line.CommissionUnallocated.Add(match.AllocatedCommission)

		if err := tx.Model(&DepositLineMatch{}).
			Where("id = ?", match.ID).
			Update("status", MatchStateRejected).Error; err != nil {
			return err
		}
	}

	line.MatchStatus = LineMatchStatusUnmatched
	if err := updateLineItemBalances(tx, &line); err != nil {
		return err
	}
	if err := refreshDepositAggregates(tx, depositId); err != nil {
		return err
	}

	if err := SaveAudit(tx, AuditEventMatchUnmatched, line.ID, "DepositLineItem", beforeLine, line,
		fmt.Sprintf("line %d unmatched: %d applied match(es) reversed", line.LineNumber, len(matches))); err != nil {
		return err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "models", "UnmatchLineItem", "commit",
			map[string]interface{}{"depositId": depositId, "lineId": lineId}, err)
		return err
	}
	return nil
}

// GetLineMatches lists an item's matches, newest first.
func GetLineMatches(ctx context.Context, lineId int) ([]*DepositLineMatch, error) {
	db := config.GetDB()
	var matches []*DepositLineMatch
	if err := db.WithContext(ctx).
		Where("deposit_line_item_id = ?", lineId).
		Order("id DESC").Find(&matches).Error; err != nil {
		return nil, err
	}
	return matches, nil
}
