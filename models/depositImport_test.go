package models

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func standardMapping() *DepositMappingConfig {
	return &DepositMappingConfig{
		FieldColumns: map[string]string{
			MappingFieldLineNumber:  "Line",
			MappingFieldPaymentDate: "Payment Date",
			MappingFieldUsage:       "Net Billed",
			MappingFieldCommission:  "Comp Paid",
			MappingFieldAccountName: "Customer",
			MappingFieldProductName: "Product",
		},
	}
}

func TestMissingRequiredFields(t *testing.T) {
	empty := &DepositMappingConfig{FieldColumns: map[string]string{}}
	assert.Equal(t, []string{"usage", "commission", "paymentDate", "lineNumber"}, empty.MissingRequiredFields())

	partial := &DepositMappingConfig{FieldColumns: map[string]string{
		MappingFieldUsage:      "Net Billed",
		MappingFieldLineNumber: "Line",
	}}
	assert.Equal(t, []string{"commission", "paymentDate"}, partial.MissingRequiredFields())

	assert.Empty(t, standardMapping().MissingRequiredFields())
}

func TestValidateMapping(t *testing.T) {
	err := ValidateMapping(&DepositMappingConfig{FieldColumns: map[string]string{}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage")
	assert.Contains(t, err.Error(), "commission")
	assert.Contains(t, err.Error(), "paymentDate")
	assert.Contains(t, err.Error(), "lineNumber")

	assert.NoError(t, ValidateMapping(standardMapping()))
}

func TestParseImportFileCSV(t *testing.T) {
	csvData := strings.Join([]string{
		"Line,Payment Date,Net Billed,Comp Paid,Customer,Product",
		"1,2025-06-01,100,10,Acme,RC-100",
		"2,2025-06-01,0,5,Acme,RC-100",
	}, "\n")

	headers, rows, err := parseImportFile("deposit.csv", []byte(csvData))
	require.NoError(t, err)
	assert.Equal(t, []string{"Line", "Payment Date", "Net Billed", "Comp Paid", "Customer", "Product"}, headers)
	assert.Len(t, rows, 2)
}

func TestParseImportFileRejectsUnknownType(t *testing.T) {
	_, _, err := parseImportFile("deposit.pdf", []byte("x"))
	assert.Error(t, err)
}

func TestBuildColumnIndexReportsAbsentColumns(t *testing.T) {
	headers := []string{"Line", "Payment Date", "Net Billed"}
	_, err := buildColumnIndex(headers, standardMapping())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Comp Paid")

	index, err := buildColumnIndex([]string{"line", "payment date", "NET BILLED", "Comp Paid", "Customer", "Product"}, standardMapping())
	require.NoError(t, err)
	// header matching is case-insensitive
	assert.Equal(t, 0, index[MappingFieldLineNumber])
	assert.Equal(t, 2, index[MappingFieldUsage])
}

func TestParseDepositRowSkipsRowsWithoutUsage(t *testing.T) {
	mapping := standardMapping()
	headers := []string{"Line", "Payment Date", "Net Billed", "Comp Paid", "Customer", "Product"}
	index, err := buildColumnIndex(headers, mapping)
	require.NoError(t, err)

	// the three-row shape: usage 100/0/50, commission 10/5/0
	rows := [][]string{
		{"1", "2025-06-01", "100", "10", "Acme", "RC-100"},
		{"2", "2025-06-01", "0", "5", "Acme", "RC-100"},
		{"3", "2025-06-01", "50", "0", "Acme", "RC-100"},
	}

	var kept []*depositRow
	for i, row := range rows {
		parsed, err := parseDepositRow(row, index, mapping, i+1)
		require.NoError(t, err)
		if parsed != nil {
			kept = append(kept, parsed)
		}
	}

	require.Len(t, kept, 2, "the zero-usage row is dropped")
	totalUsage := kept[0].usage.Add(kept[1].usage)
	totalCommission := kept[0].commission.Add(kept[1].commission)
	assert.True(t, totalUsage.Equal(decimal.NewFromInt(150)), "got %s", totalUsage)
	assert.True(t, totalCommission.Equal(decimal.NewFromInt(10)), "got %s", totalCommission)
}

func TestParseDepositRowNormalization(t *testing.T) {
	mapping := standardMapping()
	index, err := buildColumnIndex([]string{"Line", "Payment Date", "Net Billed", "Comp Paid", "Customer", "Product"}, mapping)
	require.NoError(t, err)

	// currency symbols, parenthesis negatives, excel serial dates
	parsed, err := parseDepositRow([]string{"7", "45292", "$1,200.50", "($15.25)", "Acme", "RC-100"}, index, mapping, 1)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, 7, parsed.lineNumber)
	assert.True(t, parsed.usage.Equal(decimal.NewFromFloat(1200.50)))
	assert.True(t, parsed.commission.Equal(decimal.NewFromFloat(-15.25)))
	assert.Equal(t, 2024, parsed.paymentDate.Year())
}

func TestParseDepositRowErrors(t *testing.T) {
	mapping := standardMapping()
	index, err := buildColumnIndex([]string{"Line", "Payment Date", "Net Billed", "Comp Paid", "Customer", "Product"}, mapping)
	require.NoError(t, err)

	_, err = parseDepositRow([]string{"1", "not-a-date", "100", "10", "Acme", "RC-100"}, index, mapping, 1)
	assert.Error(t, err)

	_, err = parseDepositRow([]string{"1", "2025-06-01", "abc", "10", "Acme", "RC-100"}, index, mapping, 1)
	assert.Error(t, err)

	_, err = parseDepositRow([]string{"x", "2025-06-01", "100", "10", "Acme", "RC-100"}, index, mapping, 1)
	assert.Error(t, err)
}

func TestCustomFieldsCaptured(t *testing.T) {
	mapping := standardMapping()
	mapping.CustomFields = []CustomFieldDef{{Name: "Region", Column: "Region"}}
	index, err := buildColumnIndex([]string{"Line", "Payment Date", "Net Billed", "Comp Paid", "Customer", "Product", "Region"}, mapping)
	require.NoError(t, err)

	parsed, err := parseDepositRow([]string{"1", "2025-06-01", "100", "10", "Acme", "RC-100", "EMEA"}, index, mapping, 1)
	require.NoError(t, err)
	require.NotNil(t, parsed)
	assert.Equal(t, "EMEA", parsed.customValues["Region"])
}
