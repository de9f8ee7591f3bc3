package models

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ImportJob records the outcome of one deposit file import for traceability.
type ImportJob struct {
	ID            int             `gorm:"primary_key" json:"id"`
	TenantId      string          `gorm:"index;not null" json:"tenant_id"`
	DepositId     int             `gorm:"index;default:0" json:"deposit_id"`
	FileName      string          `gorm:"size:512" json:"file_name"`
	RowsTotal     int             `gorm:"default:0" json:"rows_total"`
	RowsProcessed int             `gorm:"default:0" json:"rows_processed"`
	RowsSucceeded int             `gorm:"default:0" json:"rows_succeeded"`
	RowsSkipped   int             `gorm:"default:0" json:"rows_skipped"`
	RowsErrored   int             `gorm:"default:0" json:"rows_errored"`
	Status        ImportJobStatus `gorm:"type:enum('Completed','Failed');default:Completed" json:"status"`
	ErrorText     string          `gorm:"type:text" json:"error_text"`
	RowErrors     string          `gorm:"type:text" json:"row_errors"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

type ImportDepositInput struct {
	AccountId            int                   `json:"account_id" binding:"required"`
	DistributorAccountId int                   `json:"distributor_account_id" binding:"required"`
	VendorAccountId      int                   `json:"vendor_account_id" binding:"required"`
	CommissionPeriod     string                `json:"commission_period"`
	FileName             string                `json:"file_name"`
	Mapping              *DepositMappingConfig `json:"mapping"`
}

// depositRow is one parsed, normalized file row before persistence.
type depositRow struct {
	lineNumber   int
	accountName  string
	productName  string
	productCode  string
	orderNumber  string
	customerId   string
	paymentDate  time.Time
	usage        decimal.Decimal
	commission   decimal.Decimal
	rate         decimal.Decimal
	customValues map[string]string
}

// parseImportFile splits an uploaded CSV or XLSX into a header row and data
// rows. The first sheet of a workbook is used.
func parseImportFile(fileName string, content []byte) ([]string, [][]string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		reader := csv.NewReader(bytes.NewReader(content))
		reader.FieldsPerRecord = -1
		reader.TrimLeadingSpace = true
		records, err := reader.ReadAll()
		if err != nil {
			return nil, nil, fmt.Errorf("could not parse CSV file: %w", err)
		}
		if len(records) < 1 {
			return nil, nil, errors.New("file is empty")
		}
		return records[0], records[1:], nil
	case ".xlsx":
		workbook, err := excelize.OpenReader(bytes.NewReader(content))
		if err != nil {
			return nil, nil, fmt.Errorf("could not open workbook: %w", err)
		}
		defer workbook.Close()
		sheets := workbook.GetSheetList()
		if len(sheets) == 0 {
			return nil, nil, errors.New("workbook has no sheets")
		}
		rows, err := workbook.GetRows(sheets[0])
		if err != nil {
			return nil, nil, fmt.Errorf("could not read sheet %q: %w", sheets[0], err)
		}
		if len(rows) < 1 {
			return nil, nil, errors.New("file is empty")
		}
		return rows[0], rows[1:], nil
	default:
		return nil, nil, fmt.Errorf("unsupported file type %q, expected .csv or .xlsx", filepath.Ext(fileName))
	}
}

// buildColumnIndex maps every assigned field to its column position in the
// header row. A mapped column that is absent from the file fails the whole
// import, naming every absent column.
func buildColumnIndex(headers []string, mapping *DepositMappingConfig) (map[string]int, error) {
	position := make(map[string]int, len(headers))
	for i, header := range headers {
		position[strings.ToLower(strings.TrimSpace(header))] = i
	}

	index := make(map[string]int, len(mapping.FieldColumns))
	var absent []string
	for field, column := range mapping.FieldColumns {
		pos, ok := position[strings.ToLower(strings.TrimSpace(column))]
		if !ok {
			absent = append(absent, column)
			continue
		}
		index[field] = pos
	}
	for _, custom := range mapping.CustomFields {
		pos, ok := position[strings.ToLower(strings.TrimSpace(custom.Column))]
		if !ok {
			absent = append(absent, custom.Column)
			continue
		}
		index["custom:"+custom.Name] = pos
	}
	if len(absent) > 0 {
		return nil, fmt.Errorf("mapped columns not found in file: %v", absent)
	}
	return index, nil
}

func cellAt(row []string, index map[string]int, field string) string {
	pos, ok := index[field]
	if !ok || pos >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[pos])
}

// parseDepositRow normalizes one file row. A nil row with a nil error means
// the row carries no usable usage and is skipped.
func parseDepositRow(row []string, index map[string]int, mapping *DepositMappingConfig, ordinal int) (*depositRow, error) {
	usage, err := utils.ParseAmount(cellAt(row, index, MappingFieldUsage))
	if err != nil {
		return nil, fmt.Errorf("bad usage amount: %v", err)
	}
	commission, err := utils.ParseAmount(cellAt(row, index, MappingFieldCommission))
	if err != nil {
		return nil, fmt.Errorf("bad commission amount: %v", err)
	}

	// rows without usable usage have nothing to allocate; commission-only
	// rows fall out of the deposit totals with them
	if usage == nil || usage.IsZero() {
		return nil, nil
	}

	paymentDate, err := utils.ParseFlexibleDate(cellAt(row, index, MappingFieldPaymentDate))
	if err != nil {
		return nil, fmt.Errorf("bad payment date: %v", err)
	}

	lineNumber := ordinal
	if raw := cellAt(row, index, MappingFieldLineNumber); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("bad line number %q", raw)
		}
		lineNumber = parsed
	}

	parsed := depositRow{
		lineNumber:  lineNumber,
		accountName: cellAt(row, index, MappingFieldAccountName),
		productName: cellAt(row, index, MappingFieldProductName),
		productCode: cellAt(row, index, MappingFieldProductCode),
		orderNumber: cellAt(row, index, MappingFieldOrderNumber),
		customerId:  cellAt(row, index, MappingFieldCustomerIdentifier),
		paymentDate: paymentDate,
		usage:       *usage,
	}
	if commission != nil {
		parsed.commission = *commission
	}
	if raw := cellAt(row, index, MappingFieldCommissionRate); raw != "" {
		rate, err := utils.ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("bad commission rate: %v", err)
		}
		if rate != nil {
			parsed.rate = *rate
		}
	}
	for _, custom := range mapping.CustomFields {
		value := cellAt(row, index, "custom:"+custom.Name)
		if value == "" {
			continue
		}
		if parsed.customValues == nil {
			parsed.customValues = map[string]string{}
		}
		parsed.customValues[custom.Name] = value
	}
	return &parsed, nil
}

// ImportDeposit parses an uploaded deposit file and creates the Deposit with
// its line items in one transaction. A failed import persists no Deposit row;
// only a Failed ImportJob remains for traceability.
func ImportDeposit(ctx context.Context, input *ImportDepositInput, fileContent []byte) (*Deposit, *ImportJob, error) {
	logger := config.GetLogger()
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, nil, errors.New("tenant id is required")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.AccountId); err != nil {
		return nil, nil, errors.New("account not found")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.DistributorAccountId); err != nil {
		return nil, nil, errors.New("distributor account not found")
	}
	if err := utils.ValidateResourceId[Account](ctx, tenantId, input.VendorAccountId); err != nil {
		return nil, nil, errors.New("vendor account not found")
	}

	mapping := input.Mapping
	if mapping == nil {
		resolved, err := ResolveDepositMapping(ctx, input.DistributorAccountId, input.VendorAccountId)
		if err != nil {
			return nil, nil, err
		}
		mapping = resolved
	}
	if err := ValidateMapping(mapping); err != nil {
		return nil, nil, err
	}

	headers, rows, err := parseImportFile(input.FileName, fileContent)
	if err != nil {
		return nil, nil, err
	}
	index, err := buildColumnIndex(headers, mapping)
	if err != nil {
		return nil, nil, err
	}

	job := ImportJob{
		TenantId:  tenantId,
		FileName:  input.FileName,
		RowsTotal: len(rows),
	}
	var parsedRows []*depositRow
	var rowErrors []string
	for i, row := range rows {
		job.RowsProcessed++
		parsed, err := parseDepositRow(row, index, mapping, i+1)
		if err != nil {
			job.RowsErrored++
			rowErrors = append(rowErrors, fmt.Sprintf("row %d: %v", i+2, err))
			continue
		}
		if parsed == nil {
			job.RowsSkipped++
			continue
		}
		job.RowsSucceeded++
		parsedRows = append(parsedRows, parsed)
	}
	job.RowErrors = strings.Join(rowErrors, "\n")

	if len(parsedRows) == 0 {
		job.Status = ImportJobStatusFailed
		job.ErrorText = "no usable rows after filtering"
		recordImportJob(ctx, &job)
		return nil, &job, errors.New("import rejected: no usable rows after filtering")
	}

	deposit := Deposit{
		TenantId:             tenantId,
		DepositNumber:        fmt.Sprintf("DEP-%s", time.Now().UTC().Format("20060102-150405")),
		AccountId:            input.AccountId,
		DistributorAccountId: input.DistributorAccountId,
		VendorAccountId:      input.VendorAccountId,
		CommissionPeriod:     input.CommissionPeriod,
		PaymentDate:          parsedRows[0].paymentDate,
		ItemCount:            len(parsedRows),
		Status:               DepositStatusOpen,
	}

	totalUsage := decimal.Zero
	totalCommission := decimal.Zero
	lines := make([]DepositLineItem, 0, len(parsedRows))
	for _, row := range parsedRows {
		totalUsage = totalUsage.Add(row.usage)
		totalCommission = totalCommission.Add(row.commission)
		line := DepositLineItem{
			TenantId:              tenantId,
			LineNumber:            row.lineNumber,
			AccountName:           row.accountName,
			ProductName:           row.productName,
			ProductCode:           row.productCode,
			OrderNumber:           row.orderNumber,
			CustomerIdentifier:    row.customerId,
			PaymentDate:           row.paymentDate,
			UsageAmount:           row.usage,
			CommissionAmount:      row.commission,
			CommissionRate:        row.rate,
			UsageUnallocated:      row.usage,
			CommissionUnallocated: row.commission,
			MatchStatus:           LineMatchStatusUnmatched,
		}
		if len(row.customValues) > 0 {
			encoded, err := json.Marshal(row.customValues)
			if err == nil {
				line.CustomValues = string(encoded)
			}
		}
		lines = append(lines, line)
	}
	deposit.TotalUsage = totalUsage
	deposit.TotalCommissions = totalCommission
	deposit.UsageUnallocated = totalUsage
	deposit.CommissionUnallocated = totalCommission

	// source file archival is best-effort; a storage outage must not block
	// the import
	objectName := utils.GenerateUniqueFilename(input.FileName)
	if url, err := utils.ArchiveImportFile(ctx, objectName, bytes.NewReader(fileContent)); err != nil {
		config.LogError(logger, "models", "ImportDeposit", "archive source file", input.FileName, err)
	} else {
		deposit.SourceFileURL = url
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

	if err := tx.Create(&deposit).Error; err != nil {
		config.LogError(logger, "models", "ImportDeposit", "create deposit", input, err)
		return nil, nil, err
	}
	for i := range lines {
		lines[i].DepositId = deposit.ID
	}
	if err := tx.Create(&lines).Error; err != nil {
		config.LogError(logger, "models", "ImportDeposit", "create line items", input, err)
		return nil, nil, err
	}
	deposit.LineItems = lines

	job.DepositId = deposit.ID
	job.Status = ImportJobStatusCompleted
	if err := tx.Create(&job).Error; err != nil {
		return nil, nil, err
	}

	if err := SaveAudit(tx, AuditEventDepositImported, deposit.ID, "Deposit", nil, deposit,
		fmt.Sprintf("deposit %s imported from %s: %d of %d rows", deposit.DepositNumber, input.FileName, job.RowsSucceeded, job.RowsTotal)); err != nil {
		return nil, nil, err
	}

	if err := tx.Commit().Error; err != nil {
		config.LogError(logger, "models", "ImportDeposit", "commit", input, err)
		return nil, nil, err
	}
	return &deposit, &job, nil
}

// recordImportJob persists a failed job summary outside the import
// transaction so the failure stays visible after rollback.
func recordImportJob(ctx context.Context, job *ImportJob) {
	db := config.GetDB()
	if err := db.WithContext(ctx).Create(job).Error; err != nil {
		config.LogError(config.GetLogger(), "models", "recordImportJob", "create import job", job.FileName, err)
	}
}

func GetImportJobs(ctx context.Context, depositId *int) ([]*ImportJob, error) {
	tenantId, ok := utils.GetTenantIdFromContext(ctx)
	if !ok || tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	db := config.GetDB()
	dbCtx := db.WithContext(ctx).Where("tenant_id = ?", tenantId)
	if depositId != nil && *depositId > 0 {
		dbCtx = dbCtx.Where("deposit_id = ?", *depositId)
	}
	var jobs []*ImportJob
	if err := dbCtx.Order("id DESC").Limit(100).Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}
