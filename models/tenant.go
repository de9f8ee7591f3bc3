package models

import (
	"context"
	"errors"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Tenant struct {
	ID       uuid.UUID `gorm:"type:char(36);primary_key" json:"id"`
	Name     string    `gorm:"size:100;not null" json:"name" binding:"required"`
	Email    string    `gorm:"size:100" json:"email"`
	Timezone string    `gorm:"size:50;default:UTC" json:"timezone"`

	// AutoMatchThreshold is the minimum confidence at which the auto-matcher
	// is allowed to apply a fuzzy candidate without operator review.
	AutoMatchThreshold decimal.Decimal `gorm:"type:decimal(5,4);default:0.85" json:"auto_match_threshold"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTenant struct {
	Name               string           `json:"name" binding:"required"`
	Email              string           `json:"email"`
	Timezone           string           `json:"timezone"`
	AutoMatchThreshold *decimal.Decimal `json:"auto_match_threshold"`
}

func (t *Tenant) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

func CreateTenant(ctx context.Context, input *NewTenant) (*Tenant, error) {
	db := config.GetDB()

	threshold := decimal.NewFromFloat(0.85)
	if input.AutoMatchThreshold != nil {
		threshold = *input.AutoMatchThreshold
	}
	if threshold.LessThan(decimal.Zero) || threshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, errors.New("auto match threshold must be between 0 and 1")
	}

	tenant := Tenant{
		Name:               input.Name,
		Email:              input.Email,
		Timezone:           input.Timezone,
		AutoMatchThreshold: threshold,
	}
	if tenant.Timezone == "" {
		tenant.Timezone = "UTC"
	}

	tx := db.Begin()
	defer func() { _ = tx.Rollback().Error }()

	if err := tx.WithContext(ctx).Create(&tenant).Error; err != nil {
		return nil, err
	}

	// Every tenant starts with the built-in roles.
	if err := seedDefaultRoles(tx, ctx, tenant.ID.String()); err != nil {
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &tenant, nil
}

/*
caches:
	Tenant:$tenantId
*/

func GetTenantById(ctx context.Context, tenantId string) (*Tenant, error) {
	var tenant Tenant
	exists, err := config.GetRedisObject("Tenant:"+tenantId, &tenant)
	if err != nil {
		return nil, err
	}
	if exists {
		return &tenant, nil
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Where("id = ?", tenantId).First(&tenant).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject("Tenant:"+tenantId, &tenant, 0); err != nil {
		return nil, err
	}
	return &tenant, nil
}

type UpdateTenantSettings struct {
	Timezone           *string          `json:"timezone"`
	AutoMatchThreshold *decimal.Decimal `json:"auto_match_threshold"`
}

func UpdateTenant(ctx context.Context, tenantId string, input *UpdateTenantSettings) (*Tenant, error) {
	db := config.GetDB()

	var tenant Tenant
	if err := db.WithContext(ctx).Where("id = ?", tenantId).First(&tenant).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}

	if input.Timezone != nil {
		tenant.Timezone = *input.Timezone
	}
	if input.AutoMatchThreshold != nil {
		threshold := *input.AutoMatchThreshold
		if threshold.LessThan(decimal.Zero) || threshold.GreaterThan(decimal.NewFromInt(1)) {
			return nil, errors.New("auto match threshold must be between 0 and 1")
		}
		tenant.AutoMatchThreshold = threshold
	}

	if err := db.WithContext(ctx).Save(&tenant).Error; err != nil {
		return nil, err
	}
	if err := config.RemoveRedisKey("Tenant:" + tenantId); err != nil {
		return nil, err
	}
	return &tenant, nil
}
