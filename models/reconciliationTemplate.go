package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"gorm.io/gorm"
)

// Required mapping fields. An import cannot run unless every one of these
// resolves to a column in the uploaded file.
const (
	MappingFieldUsage       = "usage"
	MappingFieldCommission  = "commission"
	MappingFieldPaymentDate = "paymentDate"
	MappingFieldLineNumber  = "lineNumber"

	// optional canonical fields
	MappingFieldAccountName        = "accountName"
	MappingFieldProductName        = "productName"
	MappingFieldProductCode        = "productCode"
	MappingFieldOrderNumber        = "orderNumber"
	MappingFieldCustomerIdentifier = "customerIdentifier"
	MappingFieldCommissionRate     = "commissionRate"
)

var requiredMappingFields = []string{
	MappingFieldUsage,
	MappingFieldCommission,
	MappingFieldPaymentDate,
	MappingFieldLineNumber,
}

// CustomFieldDef is a tenant-defined extra column captured during import.
type CustomFieldDef struct {
	Name   string `json:"name" binding:"required"`
	Column string `json:"column" binding:"required"`
}

// DepositMappingConfig is the resolved column→field assignment used by the
// importer. Keys of FieldColumns are canonical field names, values are column
// headers in the source file.
type DepositMappingConfig struct {
	TemplateId   int               `json:"template_id,omitempty"`
	FieldColumns map[string]string `json:"field_columns"`
	CustomFields []CustomFieldDef  `json:"custom_fields,omitempty"`
}

// MissingRequiredFields returns the required fields that have no column
// assignment, in declaration order.
func (m *DepositMappingConfig) MissingRequiredFields() []string {
	var missing []string
	for _, field := range requiredMappingFields {
		if m == nil || m.FieldColumns[field] == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// ValidateMapping rejects a mapping that cannot drive an import, naming every
// missing required field.
func ValidateMapping(m *DepositMappingConfig) error {
	if missing := m.MissingRequiredFields(); len(missing) > 0 {
		return fmt.Errorf("mapping is missing required fields: %v", missing)
	}
	return nil
}

// ReconciliationTemplate is a tenant's saved column mapping for one
// distributor+vendor pair. ColumnMappings and CustomFields are stored as JSON.
type ReconciliationTemplate struct {
	ID                   int       `gorm:"primary_key" json:"id"`
	TenantId             string    `gorm:"index:idx_template_pair,unique;not null" json:"tenant_id"`
	DistributorAccountId int       `gorm:"index:idx_template_pair,unique;not null" json:"distributor_account_id" binding:"required"`
	VendorAccountId      int       `gorm:"index:idx_template_pair,unique;not null" json:"vendor_account_id" binding:"required"`
	Name                 string    `gorm:"size:255" json:"name"`
	ColumnMappings       string    `gorm:"type:text" json:"column_mappings"`
	CustomFields         string    `gorm:"type:text" json:"custom_fields"`
	SeededFrom           string    `gorm:"size:255" json:"seeded_from"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt            time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ReferenceTemplate is a seeded catalog entry keyed by normalized
// distributor+vendor names. Not tenant scoped.
type ReferenceTemplate struct {
	ID             int       `gorm:"primary_key" json:"id"`
	DistributorKey string    `gorm:"size:255;index:idx_reference_pair,unique;not null" json:"distributor_key"`
	VendorKey      string    `gorm:"size:255;index:idx_reference_pair,unique;not null" json:"vendor_key"`
	Name           string    `gorm:"size:255" json:"name"`
	ColumnMappings string    `gorm:"type:text" json:"column_mappings"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewReconciliationTemplate struct {
	DistributorAccountId int               `json:"distributor_account_id" binding:"required"`
	VendorAccountId      int               `json:"vendor_account_id" binding:"required"`
	Name                 string            `json:"name"`
	FieldColumns         map[string]string `json:"field_columns" binding:"required"`
	CustomFields         []CustomFieldDef  `json:"custom_fields"`
}

type UpdateReconciliationTemplateInput struct {
	Name         *string           `json:"name"`
	FieldColumns map[string]string `json:"field_columns"`
	CustomFields []CustomFieldDef  `json:"custom_fields"`
}

// Mapping decodes the stored JSON columns into a DepositMappingConfig.
func (t *ReconciliationTemplate) Mapping() (*DepositMappingConfig, error) {
	cfg := DepositMappingConfig{
		TemplateId:   t.ID,
		FieldColumns: map[string]string{},
	}
	if t.ColumnMappings != "" {
		if err := json.Unmarshal([]byte(t.ColumnMappings), &cfg.FieldColumns); err != nil {
			return nil, fmt.Errorf("template %d has malformed column mappings: %w", t.ID, err)
		}
	}
	if t.CustomFields != "" {
		if err := json.Unmarshal([]byte(t.CustomFields), &cfg.CustomFields); err != nil {
			return nil, fmt.Errorf("template %d has malformed custom fields: %w", t.ID, err)
		}
	}
	return &cfg, nil
}

func (t *ReconciliationTemplate) setMapping(fieldColumns map[string]string, customFields []CustomFieldDef) error {
	mappings, err := json.Marshal(fieldColumns)
	if err != nil {
		return err
	}
	t.ColumnMappings = string(mappings)
	if customFields == nil {
		customFields = []CustomFieldDef{}
	}
	custom, err := json.Marshal(customFields)
	if err != nil {
		return err
	}
	t.CustomFields = string(custom)
	return nil
}

// ResolveDepositMapping resolves the mapping for a distributor+vendor pair:
// the tenant's saved template wins; otherwise a seeded reference template is
// materialized into a tenant template; otherwise an empty mapping is returned
// and the user must map every column by hand.
func ResolveDepositMapping(ctx context.Context, distributorAccountId int, vendorAccountId int) (*DepositMappingConfig, error) {
	logger := config.GetLogger()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}

	db := config.GetDB()
	var template ReconciliationTemplate
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND distributor_account_id = ? AND vendor_account_id = ?",
			tenantId, distributorAccountId, vendorAccountId).
		First(&template).Error
	if err == nil {
		return template.Mapping()
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		config.LogError(logger, "models", "ResolveDepositMapping", "query saved template", nil, err)
		return nil, err
	}

	seeded, err := seedTemplateFromReference(ctx, tenantId, distributorAccountId, vendorAccountId)
	if err != nil {
		return nil, err
	}
	if seeded != nil {
		return seeded.Mapping()
	}

	// nothing saved, nothing seeded: full manual mapping required
	return &DepositMappingConfig{FieldColumns: map[string]string{}}, nil
}

// seedTemplateFromReference looks up the reference catalog by the normalized
// distributor and vendor account names and materializes a tenant template from
// it. Returns (nil, nil) when no catalog entry exists.
func seedTemplateFromReference(ctx context.Context, tenantId string, distributorAccountId int, vendorAccountId int) (*ReconciliationTemplate, error) {
	logger := config.GetLogger()
	db := config.GetDB()

	distributor, err := GetAccountById(ctx, distributorAccountId)
	if err != nil {
		return nil, errors.New("distributor account not found")
	}
	vendor, err := GetAccountById(ctx, vendorAccountId)
	if err != nil {
		return nil, errors.New("vendor account not found")
	}

	var reference ReferenceTemplate
	err = db.WithContext(ctx).
		Where("distributor_key = ? AND vendor_key = ?",
			utils.NormalizeKey(distributor.Name), utils.NormalizeKey(vendor.Name)).
		First(&reference).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		config.LogError(logger, "models", "seedTemplateFromReference", "query reference catalog", nil, err)
		return nil, err
	}

	template := ReconciliationTemplate{
		TenantId:             tenantId,
		DistributorAccountId: distributorAccountId,
		VendorAccountId:      vendorAccountId,
		Name:                 reference.Name,
		ColumnMappings:       reference.ColumnMappings,
		CustomFields:         "[]",
		SeededFrom:           reference.Name,
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if err := tx.Create(&template).Error; err != nil {
		return nil, err
	}
	if err := SaveAudit(tx, AuditEventTemplateSeeded, template.ID, "ReconciliationTemplate", nil, template,
		fmt.Sprintf("template seeded from reference catalog entry %q", reference.Name)); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &template, nil
}

// CreateReconciliationTemplate saves a tenant template. A second template for
// the same distributor+vendor pair is a state conflict.
func CreateReconciliationTemplate(ctx context.Context, input *NewReconciliationTemplate) (*ReconciliationTemplate, error) {
	logger := config.GetLogger()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.DistributorAccountId); err != nil {
		return nil, errors.New("distributor account not found")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.VendorAccountId); err != nil {
		return nil, errors.New("vendor account not found")
	}

	db := config.GetDB()
	var existing int64
	if err := db.WithContext(ctx).Model(&ReconciliationTemplate{}).
		Where("tenant_id = ? AND distributor_account_id = ? AND vendor_account_id = ?",
			tenantId, input.DistributorAccountId, input.VendorAccountId).
		Count(&existing).Error; err != nil {
		return nil, err
	}
	if existing > 0 {
		return nil, fmt.Errorf("%w: a template already exists for this distributor and vendor pair", utils.ErrorStateConflict)
	}

	template := ReconciliationTemplate{
		TenantId:             tenantId,
		DistributorAccountId: input.DistributorAccountId,
		VendorAccountId:      input.VendorAccountId,
		Name:                 input.Name,
	}
	if err := template.setMapping(input.FieldColumns, input.CustomFields); err != nil {
		return nil, err
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if err := tx.Create(&template).Error; err != nil {
		config.LogError(logger, "models", "CreateReconciliationTemplate", "create template", input, err)
		return nil, err
	}
	if err := SaveAudit(tx, AuditEventTemplateUpdated, template.ID, "ReconciliationTemplate", nil, template, "template created"); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &template, nil
}

// UpdateReconciliationTemplate merges user edits into a saved template.
// Field assignments provided in the input replace existing ones per field;
// fields the input does not mention are preserved.
func UpdateReconciliationTemplate(ctx context.Context, id int, input *UpdateReconciliationTemplateInput) (*ReconciliationTemplate, error) {
	db := config.GetDB()
	var template ReconciliationTemplate
	if err := db.WithContext(ctx).First(&template, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	before := template

	current, err := template.Mapping()
	if err != nil {
		return nil, err
	}
	if input.FieldColumns != nil {
		for field, column := range input.FieldColumns {
			if column == "" {
				delete(current.FieldColumns, field)
				continue
			}
			current.FieldColumns[field] = column
		}
	}
	customFields := current.CustomFields
	if input.CustomFields != nil {
		customFields = input.CustomFields
	}
	if err := template.setMapping(current.FieldColumns, customFields); err != nil {
		return nil, err
	}
	if input.Name != nil {
		template.Name = *input.Name
	}

	tx := db.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()
	defer tx.Rollback()

	if err := tx.Save(&template).Error; err != nil {
		return nil, err
	}
	if err := SaveAudit(tx, AuditEventTemplateUpdated, template.ID, "ReconciliationTemplate", before, template, "template updated"); err != nil {
		return nil, err
	}
	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &template, nil
}

func GetReconciliationTemplates(ctx context.Context) ([]*ReconciliationTemplate, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	var templates []*ReconciliationTemplate
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).
		Order("distributor_account_id, vendor_account_id").
		Find(&templates).Error; err != nil {
		return nil, err
	}
	return templates, nil
}

func GetReconciliationTemplateById(ctx context.Context, id int) (*ReconciliationTemplate, error) {
	db := config.GetDB()
	var template ReconciliationTemplate
	if err := db.WithContext(ctx).First(&template, id).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &template, nil
}

// UpsertReferenceTemplate loads or refreshes one reference catalog entry.
// Used by the template seeding command.
func UpsertReferenceTemplate(ctx context.Context, distributorName, vendorName, name string, fieldColumns map[string]string) (*ReferenceTemplate, error) {
	db := config.GetDB()
	mappings, err := json.Marshal(fieldColumns)
	if err != nil {
		return nil, err
	}
	entry := ReferenceTemplate{
		DistributorKey: utils.NormalizeKey(distributorName),
		VendorKey:      utils.NormalizeKey(vendorName),
		Name:           name,
		ColumnMappings: string(mappings),
	}

	var existing ReferenceTemplate
	err = db.WithContext(ctx).
		Where("distributor_key = ? AND vendor_key = ?", entry.DistributorKey, entry.VendorKey).
		First(&existing).Error
	if err == nil {
		existing.Name = entry.Name
		existing.ColumnMappings = entry.ColumnMappings
		if err := db.WithContext(ctx).Save(&existing).Error; err != nil {
			return nil, err
		}
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err := db.WithContext(ctx).Create(&entry).Error; err != nil {
		return nil, err
	}
	return &entry, nil
}
