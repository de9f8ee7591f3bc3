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

// Deposit is one imported batch of vendor money. Aggregates obey
// allocated + unallocated == total (usage and commission) within Epsilon at
// all times outside an in-flight transaction.
type Deposit struct {
	ID                    int               `gorm:"primary_key" json:"id"`
	TenantId              string            `gorm:"index;not null" json:"tenant_id"`
	DepositNumber         string            `gorm:"size:50;index" json:"deposit_number"`
	AccountId             int               `gorm:"index;not null" json:"account_id"`
	DistributorAccountId  int               `gorm:"index;not null" json:"distributor_account_id"`
	VendorAccountId       int               `gorm:"index;not null" json:"vendor_account_id"`
	PaymentDate           time.Time         `gorm:"not null" json:"payment_date"`
	CommissionPeriod      string            `gorm:"size:7" json:"commission_period"`
	TotalUsage            decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_usage"`
	TotalCommissions      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"total_commissions"`
	UsageAllocated        decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"usage_allocated"`
	UsageUnallocated      decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"usage_unallocated"`
	CommissionAllocated   decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"commission_allocated"`
	CommissionUnallocated decimal.Decimal   `gorm:"type:decimal(20,4);default:0" json:"commission_unallocated"`
	ItemCount             int               `gorm:"default:0" json:"item_count"`
	MatchedCount          int               `gorm:"default:0" json:"matched_count"`
	Status                DepositStatus     `gorm:"type:enum('Open','Reconciled');default:Open" json:"status"`
	SourceFileURL         string            `gorm:"size:1024" json:"source_file_url"`
	LineItems             []DepositLineItem `gorm:"foreignKey:DepositId" json:"line_items,omitempty"`
	CreatedAt             time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// DepositLineItem is one imported row. Unallocated balances start equal to
// the gross amounts and are reduced as matches are applied.
type DepositLineItem struct {
	ID                    int             `gorm:"primary_key" json:"id"`
	TenantId              string          `gorm:"index;not null" json:"tenant_id"`
	DepositId             int             `gorm:"index;not null" json:"deposit_id"`
	LineNumber            int             `gorm:"not null" json:"line_number"`
	AccountName           string          `gorm:"size:255" json:"account_name"`
	ProductName           string          `gorm:"size:255" json:"product_name"`
	ProductCode           string          `gorm:"size:100" json:"product_code"`
	OrderNumber           string          `gorm:"size:100" json:"order_number"`
	CustomerIdentifier    string          `gorm:"size:100" json:"customer_identifier"`
	PaymentDate           time.Time       `json:"payment_date"`
	UsageAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"usage_amount"`
	CommissionAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_amount"`
	CommissionRate        decimal.Decimal `gorm:"type:decimal(10,6);default:0" json:"commission_rate"`
	UsageUnallocated      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"usage_unallocated"`
	CommissionUnallocated decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"commission_unallocated"`
	MatchStatus           LineMatchStatus `gorm:"type:enum('Unmatched','Suggested','Matched','Reconciled');default:Unmatched;index" json:"match_status"`
	CustomValues          string          `gorm:"type:text" json:"custom_values"`

	Version int `gorm:"default:0" json:"version"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DepositLineMatch joins a line item to a revenue schedule. A schedule holds
// at most one Applied match from a non-reconciled line.
type DepositLineMatch struct {
	ID                  int             `gorm:"primary_key" json:"id"`
	TenantId            string          `gorm:"index;not null" json:"tenant_id"`
	DepositLineItemId   int             `gorm:"index;not null" json:"deposit_line_item_id"`
	RevenueScheduleId   int             `gorm:"index;not null" json:"revenue_schedule_id"`
	Confidence          decimal.Decimal `gorm:"type:decimal(5,4);default:0" json:"confidence"`
	Source              MatchSource     `gorm:"type:enum('Exact','Fuzzy','AI','Manual')" json:"source"`
	Status              MatchState      `gorm:"type:enum('Suggested','Applied','Rejected');default:Suggested;index" json:"status"`
	AllocatedUsage      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated_usage"`
	AllocatedCommission decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated_commission"`
	Reasons             string          `gorm:"type:text" json:"reasons"`
	// PropagationLog records the forward adjustments this match produced so
	// that unmatch can reverse them exactly.
	PropagationLog string    `gorm:"type:text" json:"propagation_log"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// BalanceDelta verifies the at-rest aggregate invariant and returns the usage
// and commission residuals.
func (d *Deposit) BalanceDelta() (decimal.Decimal, decimal.Decimal) {
	usage := d.UsageAllocated.Add(d.UsageUnallocated).Sub(d.TotalUsage)
	commission := d.CommissionAllocated.Add(d.CommissionUnallocated).Sub(d.TotalCommissions)
	return usage, commission
}

func GetDepositById(ctx context.Context, id int, withLines bool) (*Deposit, error) {
	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	if withLines {
		dbCtx = dbCtx.Preload("LineItems", func(tx *gorm.DB) *gorm.DB {
			return tx.Order("line_number")
		})
	}
	var deposit Deposit
	if err := dbCtx.First(&deposit, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &deposit, nil
}

func GetDeposits(ctx context.Context, accountId *int, status *DepositStatus) ([]*Deposit, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if accountId != nil && *accountId > 0 {
		dbCtx = dbCtx.Where("account_id = ?", *accountId)
	}
	if status != nil && *status != "" {
		dbCtx = dbCtx.Where("status = ?", *status)
	}
	var deposits []*Deposit
	if err := dbCtx.Order("payment_date DESC, id DESC").Find(&deposits).Error; err != nil {
		return nil, err
	}
	return deposits, nil
}

func GetDepositLineItemById(ctx context.Context, id int) (*DepositLineItem, error) {
	db := config.GetDB()
	var line DepositLineItem
	if err := db.WithContext(ctx).First(&line, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &line, nil
}

// refreshDepositAggregates recomputes the allocated/unallocated/match-count
// columns from the deposit's line items inside the caller's transaction.
func refreshDepositAggregates(tx *gorm.DB, depositId int) error {
	var lines []DepositLineItem
	if err := tx.Where("deposit_id = ?", depositId).Find(&lines).Error; err != nil {
		return err
	}

	usageUnallocated := decimal.Zero
	commissionUnallocated := decimal.Zero
	matchedCount := 0
	for _, line := range lines {
		usageUnallocated = usageUnallocated.Add(line.UsageUnallocated)
		commissionUnallocated = commissionUnallocated.Add(line.CommissionUnallocated)
		if line.MatchStatus == LineMatchStatusMatched || line.MatchStatus == LineMatchStatusReconciled {
			matchedCount++
		}
	}

	var deposit Deposit
	if err := tx.First(&deposit, depositId).Error; err != nil {
		return err
	}
	return tx.Model(&Deposit{}).Where("id = ?", depositId).
		Updates(map[string]interface{}{
			"usage_unallocated":      usageUnallocated,
			"usage_allocated":        deposit.TotalUsage.Sub(usageUnallocated),
			"commission_unallocated": commissionUnallocated,
			"commission_allocated":   deposit.TotalCommissions.Sub(commissionUnallocated),
			"matched_count":          matchedCount,
		}).Error
}

// updateLineItemBalances persists a line item's balance columns with an
// optimistic version check, mirroring updateScheduleBalances.
func updateLineItemBalances(tx *gorm.DB, line *DepositLineItem) error {
	res := tx.Model(&DepositLineItem{}).
		Where("id = ? AND version = ?", line.ID, line.Version).
		Updates(map[string]interface{}{
			"usage_unallocated":      line.UsageUnallocated,
			"commission_unallocated": line.CommissionUnallocated,
			"match_status":           line.MatchStatus,
			"version":                line.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: deposit line %d was modified concurrently", utils.ErrorStateConflict, line.ID)
	}
	line.Version++
	return nil
}

// FinalizeDeposit locks a fully matched deposit as Reconciled. Blocking lines
// (Unmatched/Suggested) fail the call with their line numbers enumerated. The
// transition is atomic and irreversible.
func FinalizeDeposit(ctx context.Context, depositId int) (*Deposit, error) {
	logger := config.GetLogger()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	// best-effort serialization of finalize per tenant; the conditional
	// status update below is the real guard
	lock, err := utils.TenantLock(ctx, tenantId, fmt.Sprintf("FinalizeDeposit:%d", depositId))
	if err == nil && lock != nil {
		defer lock.Release(ctx)
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

	var deposit Deposit
	if err := tx.First(&deposit, depositId).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if deposit.Status == DepositStatusReconciled {
		return nil, fmt.Errorf("%w: deposit %s is already reconciled", utils.ErrorStateConflict, deposit.DepositNumber)
	}
	before := deposit

	var blocking []DepositLineItem
	if err := tx.Where("deposit_id = ? AND match_status IN ?", depositId,
		[]LineMatchStatus{LineMatchStatusUnmatched, LineMatchStatusSuggested}).
		Order("line_number").Find(&blocking).Error; err != nil {
		return nil, err
	}
	if len(blocking) > 0 {
		lineNumbers := make([]int, 0, len(blocking))
		for _, line := range blocking {
			lineNumbers = append(lineNumbers, line.LineNumber)
		}
		return nil, fmt.Errorf("%w: cannot finalize deposit %s: lines %v are still unmatched or suggested",
			utils.ErrorStateConflict, deposit.DepositNumber, lineNumbers)
	}

	res := tx.Model(&Deposit{}).
		Where("id = ? AND status = ?", depositId, DepositStatusOpen).
		Update("status", DepositStatusReconciled)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: deposit %s was finalized concurrently", utils.ErrorStateConflict, deposit.DepositNumber)
	}

	if err := tx.Model(&DepositLineItem{}).
		Where("deposit_id = ?", depositId).
		Updates(map[string]interface{}{"match_status": LineMatchStatusReconciled}).Error; err != nil {
		return nil, err
	}

	// applied schedules of this deposit become reconciled
	var matches []DepositLineMatch
	if err := tx.Joins("JOIN deposit_line_items ON deposit_line_items.id = deposit_line_matches.deposit_line_item_id").
		Where("deposit_line_items.deposit_id = ? AND deposit_line_matches.status = ?", depositId, MatchStateApplied).
		Find(&matches).Error; err != nil {
		return nil, err
	}
	for _, match := range matches {
		if err := tx.Model(&RevenueSchedule{}).
			Where("id = ?", match.RevenueScheduleId).
			Updates(map[string]interface{}{
				"reconciled": true,
				"version":    gorm.Expr("version + 1"),
			}).Error; err != nil {
			return nil, err
		}
	}

	deposit.Status = DepositStatusReconciled
	if err := SaveAudit(tx, AuditEventDepositFinalized, deposit.ID, "Deposit", before, deposit,
		fmt.Sprintf("deposit %s finalized with %d line items", deposit.DepositNumber, deposit.ItemCount)); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "models", "FinalizeDeposit", "commit", map[string]interface{}{"depositId": depositId}, err)
		return nil, err
	}
	return &deposit, nil
}
