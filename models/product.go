package models

import (
	"context"
	"errors"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
)

// Product is a sellable vendor product. ProductCode is the vendor-side
// identifier used as the last-resort matching key for revenue schedules.
type Product struct {
	ID              int       `gorm:"primary_key" json:"id"`
	TenantId        string    `gorm:"index;not null" json:"tenant_id"`
	Name            string    `gorm:"size:255;not null" json:"name" binding:"required"`
	ProductCode     string    `gorm:"size:100;index" json:"product_code"`
	VendorAccountId int       `gorm:"index" json:"vendor_account_id"`
	IsActive        *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewProduct struct {
	Name            string `json:"name" binding:"required"`
	ProductCode     string `json:"product_code"`
	VendorAccountId int    `json:"vendor_account_id"`
}

func CreateProduct(ctx context.Context, input *NewProduct) (*Product, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if input.VendorAccountId > 0 {
		if err := utils.ValidateResourceId[Account](ctx, tenantId, input.VendorAccountId); err != nil {
			return nil, errors.New("vendor account not found")
		}
	}

	product := Product{
		TenantId:        tenantId,
		Name:            input.Name,
		ProductCode:     input.ProductCode,
		VendorAccountId: input.VendorAccountId,
		IsActive:        utils.NewTrue(),
	}
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&product).Error; err != nil {
		return nil, err
	}
	return &product, nil
}

func GetProducts(ctx context.Context, name *string) ([]*Product, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if name != nil && *name != "" {
		dbCtx = dbCtx.Where("name LIKE ?", "%"+*name+"%")
	}
	var products []*Product
	if err := dbCtx.Order("name").Find(&products).Error; err != nil {
		return nil, err
	}
	return products, nil
}

// findProductByIdentifier resolves a raw vendor identifier (product name or
// product code) against the tenant's catalog. Used by the matcher when a line
// item carries no structured ids.
func findProductByIdentifier(ctx context.Context, tenantId string, identifier string) (*Product, error) {
	if identifier == "" {
		return nil, utils.ErrorRecordNotFound
	}
	db := config.GetDB()
	var product Product
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND (product_code = ? OR name = ?)", tenantId, identifier, identifier).
		First(&product).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &product, nil
}
