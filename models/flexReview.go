package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// FlexReviewItem queues a chargeback/reversal schedule for manual approval
// before it may be allocated.
type FlexReviewItem struct {
	ID                int              `gorm:"primary_key" json:"id"`
	TenantId          string           `gorm:"index;not null" json:"tenant_id"`
	RevenueScheduleId int              `gorm:"index;not null" json:"revenue_schedule_id"`
	DepositLineItemId int              `gorm:"index;not null" json:"deposit_line_item_id"`
	Classification    ScheduleType     `gorm:"type:enum('Recurring','OneTime','FlexChargeback','ChargebackReversal')" json:"classification"`
	Status            FlexReviewStatus `gorm:"type:enum('Open','Approved','Resolved','Rejected');default:Open;index" json:"status"`
	AssignedUserId    int              `gorm:"default:0" json:"assigned_user_id"`
	Notes             string           `gorm:"type:text" json:"notes"`
	CreatedAt         time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

// queueFlexReview inserts an Open review item for a schedule that cannot be
// auto-applied. Runs in the caller's transaction; an already-open item for
// the same schedule+line pair is not duplicated.
func queueFlexReview(tx *gorm.DB, line *DepositLineItem, schedule *RevenueSchedule) error {
	var existing int64
	if err := tx.Model(&FlexReviewItem{}).
		Where("revenue_schedule_id = ? AND deposit_line_item_id = ? AND status = ?",
			schedule.ID, line.ID, FlexReviewStatusOpen).
		Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return nil
	}
	item := FlexReviewItem{
		TenantId:          line.TenantId,
		RevenueScheduleId: schedule.ID,
		DepositLineItemId: line.ID,
		Classification:    schedule.ScheduleType,
		Status:            FlexReviewStatusOpen,
	}
	return tx.Create(&item).Error
}

func GetFlexReviewItems(ctx context.Context, status *FlexReviewStatus) ([]*FlexReviewItem, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var items []*FlexReviewItem
	if err := dbCtx.Order("id").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func getOpenFlexReviewItem(ctx context.Context, id int) (*FlexReviewItem, error) {
	db := config.GetDB()
	var item FlexReviewItem
	if err := db.WithContext(ctx).First(&item, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if item.Status != FlexReviewStatusOpen {
		return nil, fmt.Errorf("%w: flex review item %d is already %s", utils.ErrorStateConflict, item.ID, item.Status)
	}
	return &item, nil
}

// AssignFlexReview attaches a reviewer to an open item.
func AssignFlexReview(ctx context.Context, id int, userId int) (*FlexReviewItem, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	item, err := getOpenFlexReviewItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := utils.ValidateResourceId[User](ctx, tenantId, userId); err != nil {
		return nil, errors.New("user not found")
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Model(&FlexReviewItem{}).
		Where("id = ?", item.ID).
		Update("assigned_user_id", userId).Error; err != nil {
		return nil, err
	}
	item.AssignedUserId = userId
	return item, nil
}

// ApproveAndApplyFlexReview approves an open item and runs the normal
// allocation path for its schedule and line. Allocation and the Open to
// Approved flip commit together, so a failure leaves the item retryable.
func ApproveAndApplyFlexReview(ctx context.Context, id int) (*FlexReviewItem, error) {
	item, err := getOpenFlexReviewItem(ctx, id)
	if err != nil {
		return nil, err
	}
	line, err := GetDepositLineItemById(ctx, item.DepositLineItemId)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if err := applyMatchTx(ctx, tx, line.DepositId, line.ID, item.RevenueScheduleId,
		MatchSourceManual, decimal.NewFromInt(1), nil, nil, true); err != nil {
		return nil, err
	}

	before := *item
	item.Status = FlexReviewStatusApproved
	if err := tx.Model(&FlexReviewItem{}).
		Where("id = ? AND status = ?", item.ID, FlexReviewStatusOpen).
		Update("status", FlexReviewStatusApproved).Error; err != nil {
		return nil, err
	}
	if err := SaveAudit(tx, AuditEventFlexApproved, item.ID, "FlexReviewItem", before, *item,
		fmt.Sprintf("flex review item %d approved and applied to schedule %d", item.ID, item.RevenueScheduleId)); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return item, nil
}

// ResolveFlexReview closes an open item without allocating: Resolved for
// handled-elsewhere, Rejected for declined chargebacks.
func ResolveFlexReview(ctx context.Context, id int, rejected bool, notes string) (*FlexReviewItem, error) {
	item, err := getOpenFlexReviewItem(ctx, id)
	if err != nil {
		return nil, err
	}

	status := FlexReviewStatusResolved
	eventType := AuditEventFlexResolved
	if rejected {
		status = FlexReviewStatusRejected
		eventType = AuditEventFlexRejected
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	before := *item
	item.Status = status
	item.Notes = notes
	if err := tx.Model(&FlexReviewItem{}).
		Where("id = ? AND status = ?", item.ID, FlexReviewStatusOpen).
		Updates(map[string]interface{}{"status": status, "notes": notes}).Error; err != nil {
		return nil, err
	}
	if err := SaveAudit(tx, eventType, item.ID, "FlexReviewItem", before, *item,
		fmt.Sprintf("flex review item %d closed as %s", item.ID, status)); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return item, nil
}
