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

// Epsilon is the reconciliation tolerance. Usage and commission balances are
// considered equal when they differ by no more than this.
var Epsilon = decimal.NewFromFloat(0.005)

// RevenueSchedule is an expected (or flex/chargeback) revenue event tied to an
// account/opportunity/product. ExpectedUsage is never overwritten by
// allocations; corrections accumulate in UsageAdjustment.
type RevenueSchedule struct {
	ID                   int             `gorm:"primary_key" json:"id"`
	TenantId             string          `gorm:"index;not null" json:"tenant_id"`
	AccountId            int             `gorm:"index;not null" json:"account_id" binding:"required"`
	OpportunityId        int             `gorm:"index;default:0" json:"opportunity_id"`
	OpportunityProductId int             `gorm:"index;default:0" json:"opportunity_product_id"`
	ProductId            int             `gorm:"index;default:0" json:"product_id"`
	VendorAccountId      int             `gorm:"index;default:0" json:"vendor_account_id"`
	DistributorAccountId int             `gorm:"index;default:0" json:"distributor_account_id"`
	ProductCode          string          `gorm:"size:100" json:"product_code"`
	ScheduleDate         time.Time       `gorm:"not null;index" json:"schedule_date" binding:"required"`
	ScheduleType         ScheduleType    `gorm:"type:enum('Recurring','OneTime','FlexChargeback','ChargebackReversal');default:Recurring" json:"schedule_type"`
	ExpectedUsage        decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_usage"`
	UsageAdjustment      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"usage_adjustment"`
	ExpectedCommission   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"expected_commission"`
	ActualUsage          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"actual_usage"`
	ActualCommission     decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"actual_commission"`
	Reconciled           bool            `gorm:"default:false;index" json:"reconciled"`

	// Version guards balance mutations against lost updates; every balance
	// write is conditional on the version it read.
	Version int `gorm:"default:0" json:"version"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewRevenueSchedule struct {
	AccountId            int             `json:"account_id" binding:"required"`
	OpportunityId        int             `json:"opportunity_id"`
	OpportunityProductId int             `json:"opportunity_product_id"`
	ProductId            int             `json:"product_id"`
	VendorAccountId      int             `json:"vendor_account_id"`
	DistributorAccountId int             `json:"distributor_account_id"`
	ProductCode          string          `json:"product_code"`
	ScheduleDate         time.Time       `json:"schedule_date" binding:"required"`
	ScheduleType         ScheduleType    `json:"schedule_type"`
	ExpectedUsage        decimal.Decimal `json:"expected_usage"`
	ExpectedCommission   decimal.Decimal `json:"expected_commission"`
}

// ExpectedNetUsage is the schedule's current usage target: the original
// expectation plus all accumulated adjustments.
func (s *RevenueSchedule) ExpectedNetUsage() decimal.Decimal {
	return s.ExpectedUsage.Add(s.UsageAdjustment)
}

// ScopeKind discriminates the three ways a schedule is identified for
// matching and propagation.
type ScopeKind string

const (
	ScopeKindOpportunityProduct ScopeKind = "OpportunityProduct"
	ScopeKindProduct            ScopeKind = "Product"
	ScopeKindVendorKey          ScopeKind = "VendorKey"
)

// ScheduleScope is the tagged scope key for revenue schedules. All
// "future schedules in scope" operations must resolve scope through
// ResolveScheduleScope and query through Condition so that unrelated
// products never cross-contaminate. Scope never crosses AccountId.
type ScheduleScope struct {
	Kind                 ScopeKind `json:"kind"`
	AccountId            int       `json:"account_id"`
	OpportunityProductId int       `json:"opportunity_product_id,omitempty"`
	ProductId            int       `json:"product_id,omitempty"`
	VendorAccountId      int       `json:"vendor_account_id,omitempty"`
	DistributorAccountId int       `json:"distributor_account_id,omitempty"`
	ProductCode          string    `json:"product_code,omitempty"`
}

// ResolveScheduleScope classifies a schedule by priority:
// opportunityProductId > productId > normalized (vendor, distributor, code) key.
func ResolveScheduleScope(s *RevenueSchedule) (ScheduleScope, error) {
	if s.AccountId <= 0 {
		return ScheduleScope{}, errors.New("revenue schedule has no account")
	}
	if s.OpportunityProductId > 0 {
		return ScheduleScope{
			Kind:                 ScopeKindOpportunityProduct,
			AccountId:            s.AccountId,
			OpportunityProductId: s.OpportunityProductId,
		}, nil
	}
	if s.ProductId > 0 {
		return ScheduleScope{
			Kind:      ScopeKindProduct,
			AccountId: s.AccountId,
			ProductId: s.ProductId,
		}, nil
	}
	if s.VendorAccountId > 0 || s.DistributorAccountId > 0 || s.ProductCode != "" {
		return ScheduleScope{
			Kind:                 ScopeKindVendorKey,
			AccountId:            s.AccountId,
			VendorAccountId:      s.VendorAccountId,
			DistributorAccountId: s.DistributorAccountId,
			ProductCode:          utils.NormalizeKey(s.ProductCode),
		}, nil
	}
	return ScheduleScope{}, fmt.Errorf("revenue schedule %d has no resolvable scope", s.ID)
}

// Condition applies the scope to a schedule query. The account filter is part
// of every branch.
func (scope ScheduleScope) Condition(dbCtx *gorm.DB) *gorm.DB {
	dbCtx = dbCtx.Where("account_id = ?", scope.AccountId)
	switch scope.Kind {
	case ScopeKindOpportunityProduct:
		return dbCtx.Where("opportunity_product_id = ?", scope.OpportunityProductId)
	case ScopeKindProduct:
		// schedules pinned to a specific opportunity product are narrower than
		// product scope and must not be swept up by it
		return dbCtx.Where("opportunity_product_id = 0 AND product_id = ?", scope.ProductId)
	case ScopeKindVendorKey:
		return dbCtx.Where(
			"opportunity_product_id = 0 AND product_id = 0 AND vendor_account_id = ? AND distributor_account_id = ?",
			scope.VendorAccountId, scope.DistributorAccountId,
		)
	default:
		// unreachable for scopes produced by ResolveScheduleScope
		return dbCtx.Where("1 = 0")
	}
}

func (scope ScheduleScope) String() string {
	switch scope.Kind {
	case ScopeKindOpportunityProduct:
		return fmt.Sprintf("opportunityProduct:%d", scope.OpportunityProductId)
	case ScopeKindProduct:
		return fmt.Sprintf("product:%d", scope.ProductId)
	case ScopeKindVendorKey:
		return fmt.Sprintf("vendorKey:%d/%d/%s", scope.VendorAccountId, scope.DistributorAccountId, scope.ProductCode)
	default:
		return "unresolved"
	}
}

// matchesCode is the in-memory companion to Condition for VendorKey scopes:
// product codes are matched on their normalized form, which the SQL side
// cannot do.
func (scope ScheduleScope) matchesCode(s *RevenueSchedule) bool {
	if scope.Kind != ScopeKindVendorKey {
		return true
	}
	return utils.NormalizeKey(s.ProductCode) == scope.ProductCode
}

func CreateRevenueSchedule(ctx context.Context, input *NewRevenueSchedule) (*RevenueSchedule, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.AccountId); err != nil {
		return nil, errors.New("account not found")
	}
	if input.OpportunityProductId > 0 {
		if err := utils.ValidateResourceId[OpportunityProduct](ctx, tenantId, input.OpportunityProductId); err != nil {
			return nil, errors.New("opportunity product not found")
		}
	}
	if input.ProductId > 0 {
		if err := utils.ValidateResourceId[Product](ctx, tenantId, input.ProductId); err != nil {
			return nil, errors.New("product not found")
		}
	}

	scheduleType := input.ScheduleType
	if scheduleType == "" {
		scheduleType = ScheduleTypeRecurring
	}

	schedule := RevenueSchedule{
		TenantId:             tenantId,
		AccountId:            input.AccountId,
		OpportunityId:        input.OpportunityId,
		OpportunityProductId: input.OpportunityProductId,
		ProductId:            input.ProductId,
		VendorAccountId:      input.VendorAccountId,
		DistributorAccountId: input.DistributorAccountId,
		ProductCode:          input.ProductCode,
		ScheduleDate:         input.ScheduleDate,
		ScheduleType:         scheduleType,
		ExpectedUsage:        input.ExpectedUsage,
		ExpectedCommission:   input.ExpectedCommission,
	}
	if _, err := ResolveScheduleScope(&schedule); err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&schedule).Error; err != nil {
		return nil, err
	}
	return &schedule, nil
}

func GetRevenueScheduleById(ctx context.Context, id int) (*RevenueSchedule, error) {
	db := config.GetDB()
	var schedule RevenueSchedule
	if err := db.WithContext(ctx).First(&schedule, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &schedule, nil
}

func GetRevenueSchedules(ctx context.Context, accountId *int, reconciled *bool) ([]*RevenueSchedule, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if accountId != nil && *accountId > 0 {
		dbCtx = dbCtx.Where("account_id = ?", *accountId)
	}
	if reconciled != nil {
		dbCtx = dbCtx.Where("reconciled = ?", *reconciled)
	}
	var schedules []*RevenueSchedule
	if err := dbCtx.Order("schedule_date").Find(&schedules).Error; err != nil {
		return nil, err
	}
	return schedules, nil
}

// findFutureSchedulesInScope returns all non-reconciled schedules in the same
// scope strictly after the given date that are not already targeted by an
// applied match, ordered by schedule date. Runs in the caller's transaction.
func findFutureSchedulesInScope(tx *gorm.DB, scope ScheduleScope, after time.Time) ([]*RevenueSchedule, error) {
	var schedules []*RevenueSchedule
	dbCtx := tx.Model(&RevenueSchedule{}).
		Where("schedule_date > ?", after).
		Where("reconciled = false").
		Where("id NOT IN (?)", tx.Session(&gorm.Session{NewDB: true}).
			Model(&DepositLineMatch{}).
			Select("revenue_schedule_id").
			Where("status = ?", MatchStateApplied))
	dbCtx = scope.Condition(dbCtx)

	if err := dbCtx.Order("schedule_date").Find(&schedules).Error; err != nil {
		return nil, err
	}

	if scope.Kind == ScopeKindVendorKey {
		filtered := schedules[:0]
		for _, s := range schedules {
			if scope.matchesCode(s) {
				filtered = append(filtered, s)
			}
		}
		schedules = filtered
	}
	return schedules, nil
}

// updateScheduleBalances persists balance columns with an optimistic version
// check. A stale version means another request touched the schedule; the
// caller's transaction must roll back.
func updateScheduleBalances(tx *gorm.DB, schedule *RevenueSchedule) error {
	res := tx.Model(&RevenueSchedule{}).
		Where("id = ? AND version = ?", schedule.ID, schedule.Version).
		Updates(map[string]interface{}{
			"usage_adjustment":    schedule.UsageAdjustment,
			"expected_commission": schedule.ExpectedCommission,
			"actual_usage":        schedule.ActualUsage,
			"actual_commission":   schedule.ActualCommission,
			"reconciled":          schedule.Reconciled,
			"version":             schedule.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: revenue schedule %d was modified concurrently", utils.ErrorStateConflict, schedule.ID)
	}
	schedule.Version++
	return nil
}
