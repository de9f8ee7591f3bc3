package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
)

// Account is a CRM account. The same table backs customers, distributors and
// vendors; the role flags decide where it can appear on a deposit.
type Account struct {
	ID            int       `gorm:"primary_key" json:"id"`
	TenantId      string    `gorm:"index;not null" json:"tenant_id"`
	Name          string    `gorm:"size:255;not null" json:"name" binding:"required"`
	IsCustomer    bool      `gorm:"default:true" json:"is_customer"`
	IsDistributor bool      `gorm:"default:false" json:"is_distributor"`
	IsVendor      bool      `gorm:"default:false" json:"is_vendor"`
	OwnerType     OwnerType `gorm:"type:enum('Unassigned','House','User');default:Unassigned" json:"owner_type"`
	OwnerUserId   int       `gorm:"default:0" json:"owner_user_id"`
	IsActive      *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewAccount struct {
	Name          string `json:"name" binding:"required"`
	IsCustomer    *bool  `json:"is_customer"`
	IsDistributor bool   `json:"is_distributor"`
	IsVendor      bool   `json:"is_vendor"`
	Owner         *Owner `json:"owner"`
}

func (a *Account) Owner() Owner {
	switch a.OwnerType {
	case OwnerTypeHouse:
		return OwnerHouse()
	case OwnerTypeUser:
		return OwnerUser(a.OwnerUserId)
	default:
		return OwnerUnassigned()
	}
}

func (a *Account) setOwner(o Owner) {
	a.OwnerType = o.Type
	a.OwnerUserId = o.UserId
}

func CreateAccount(ctx context.Context, input *NewAccount) (*Account, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	owner := OwnerUnassigned()
	if input.Owner != nil {
		owner = *input.Owner
	}
	if err := owner.Validate(); err != nil {
		return nil, err
	}
	if owner.Type == OwnerTypeUser {
		if err := utils.ValidateResourceId[User](ctx, tenantId, owner.UserId); err != nil {
			return nil, errors.New("owner user not found")
		}
	}

	account := Account{
		TenantId:      tenantId,
		Name:          input.Name,
		IsCustomer:    utils.DereferencePtr(input.IsCustomer, true),
		IsDistributor: input.IsDistributor,
		IsVendor:      input.IsVendor,
		IsActive:      utils.NewTrue(),
	}
	account.setOwner(owner)

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func GetAccountById(ctx context.Context, id int) (*Account, error) {
	db := config.GetDB()
	var account Account
	if err := db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &account, nil
}

func GetAccounts(ctx context.Context, name *string, vendorOnly bool, distributorOnly bool) ([]*Account, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if name != nil && *name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	if vendorOnly {
		dbCtx = dbCtx.Where("is_vendor = true")
	}
	if distributorOnly {
		dbCtx = dbCtx.Where("is_distributor = true")
	}
	var accounts []*Account
	if err := dbCtx.Order("name").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

type BulkReassignInput struct {
	AccountIds []int `json:"account_ids" binding:"required"`
	NewOwner   Owner `json:"new_owner" binding:"required"`
}

type BulkReassignResult struct {
	Reassigned int `json:"reassigned"`
	Skipped    int `json:"skipped"`
}

// BulkReassignAccounts moves ownership of a set of accounts to a new Owner in
// one transaction, with an audit entry per changed account. Accounts already
// owned by the target owner are skipped (no audit noise).
func BulkReassignAccounts(ctx context.Context, input *BulkReassignInput) (*BulkReassignResult, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	if len(input.AccountIds) == 0 {
		return nil, errors.New("account ids are required")
	}
	if err := input.NewOwner.Validate(); err != nil {
		return nil, err
	}
	if input.NewOwner.Type == OwnerTypeUser {
		if err := utils.ValidateResourceId[User](ctx, tenantId, input.NewOwner.UserId); err != nil {
			return nil, errors.New("owner user not found")
		}
	}
	if err := utils.ValidateResourcesId[Account](ctx, tenantId, input.AccountIds); err != nil {
		return nil, errors.New("one or more accounts not found")
	}

	db := config.GetDB()
	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback().Error
			panic(r)
		}
	}()
	defer func() { _ = tx.Rollback().Error }()

	var result BulkReassignResult
	for _, id := range utils.UniqueSlice(input.AccountIds) {
		var account Account
		if err := tx.First(&account, id).Error; err != nil {
			return nil, utils.ErrorRecordNotFound
		}
		before := account.Owner()
		if before == input.NewOwner {
			result.Skipped++
			continue
		}
		account.setOwner(input.NewOwner)
		if err := tx.Save(&account).Error; err != nil {
			return nil, err
		}
		desc := fmt.Sprintf("Account %q reassigned from %s to %s.", account.Name, before.Type, input.NewOwner.Type)
		if err := SaveAudit(tx, AuditEventOwnerReassigned, account.ID, "accounts", before, input.NewOwner, desc); err != nil {
			return nil, err
		}
		result.Reassigned++
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &result, nil
}
