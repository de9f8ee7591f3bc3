package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/channelworks/crm_backend/config"
	"github.com/channelworks/crm_backend/models"
	"github.com/channelworks/crm_backend/utils"
	"github.com/shopspring/decimal"
)

// setupReconciliationEnv boots MySQL and Redis in docker, wires the config
// env, connects, migrates and returns a context carrying a seeded operator
// identity. Each test gets fresh containers.
func setupReconciliationEnv(t *testing.T) context.Context {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "channelworks_test")
	t.Setenv("STORAGE_PROVIDER", "local")
	t.Setenv("LOCAL_STORAGE_DIR", t.TempDir())

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx := context.Background()
	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test Operator")
	ctx = utils.SetUsernameInContext(ctx, "operator@test.local")
	return ctx
}

// seedReconciliationTenant creates a tenant plus the customer/distributor/
// vendor account triple every deposit needs.
func seedReconciliationTenant(t *testing.T, ctx context.Context) (context.Context, *models.Account, *models.Account, *models.Account) {
	t.Helper()
	tenant, err := models.CreateTenant(ctx, &models.NewTenant{Name: "Test Tenant", Timezone: "UTC"})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	ctx = utils.SetTenantIdInContext(ctx, tenant.ID.String())

	customer, err := models.CreateAccount(ctx, &models.NewAccount{Name: "Globex"})
	if err != nil {
		t.Fatalf("CreateAccount(customer): %v", err)
	}
	distributor, err := models.CreateAccount(ctx, &models.NewAccount{Name: "DistCo", IsDistributor: true})
	if err != nil {
		t.Fatalf("CreateAccount(distributor): %v", err)
	}
	vendor, err := models.CreateAccount(ctx, &models.NewAccount{Name: "VendCo", IsVendor: true})
	if err != nil {
		t.Fatalf("CreateAccount(vendor): %v", err)
	}
	return ctx, customer, distributor, vendor
}

func depositMapping() *models.DepositMappingConfig {
	return &models.DepositMappingConfig{
		FieldColumns: map[string]string{
			models.MappingFieldLineNumber:  "Line",
			models.MappingFieldPaymentDate: "Payment Date",
			models.MappingFieldUsage:       "Net Billed",
			models.MappingFieldCommission:  "Comp Paid",
			models.MappingFieldAccountName: "Customer",
			models.MappingFieldProductCode: "Product",
		},
	}
}

func importCSV(t *testing.T, ctx context.Context, customer, distributor, vendor *models.Account, rows ...string) (*models.Deposit, *models.ImportJob) {
	t.Helper()
	content := "Line,Payment Date,Net Billed,Comp Paid,Customer,Product\n" + strings.Join(rows, "\n")
	deposit, job, err := models.ImportDeposit(ctx, &models.ImportDepositInput{
		AccountId:            customer.ID,
		DistributorAccountId: distributor.ID,
		VendorAccountId:      vendor.ID,
		CommissionPeriod:     "2025-06",
		FileName:             "deposit.csv",
		Mapping:              depositMapping(),
	}, []byte(content))
	if err != nil {
		t.Fatalf("ImportDeposit: %v", err)
	}
	return deposit, job
}

func mustEqualDecimal(t *testing.T, label string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Fatalf("%s: expected %s; got %s", label, want, got)
	}
}

func fetchSchedule(t *testing.T, ctx context.Context, id int) *models.RevenueSchedule {
	t.Helper()
	schedule, err := models.GetRevenueScheduleById(ctx, id)
	if err != nil {
		t.Fatalf("GetRevenueScheduleById(%d): %v", id, err)
	}
	return schedule
}

func TestDepositImportAutoMatchFinalizeLifecycle(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:            "Recurring Cloud",
		ProductCode:     "RC-100",
		VendorAccountId: vendor.ID,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	// One schedule per usable line, amounts lined up for exact matching.
	s1, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
		AccountId:          customer.ID,
		ProductId:          product.ID,
		ScheduleDate:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		ExpectedUsage:      decimal.NewFromInt(100),
		ExpectedCommission: decimal.NewFromInt(10),
	})
	if err != nil {
		t.Fatalf("CreateRevenueSchedule(s1): %v", err)
	}
	s2, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
		AccountId:     customer.ID,
		ProductId:     product.ID,
		ScheduleDate:  time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
		ExpectedUsage: decimal.NewFromInt(50),
	})
	if err != nil {
		t.Fatalf("CreateRevenueSchedule(s2): %v", err)
	}

	// Three file rows, one of which has no usage and must be dropped.
	deposit, job := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-06-01,100,10,Globex,RC-100",
		"2,2025-06-01,0,5,Globex,RC-100",
		"3,2025-06-01,50,0,Globex,RC-100",
	)
	if job.RowsTotal != 3 || job.RowsSucceeded != 2 || job.RowsSkipped != 1 {
		t.Fatalf("import job counts: expected 3/2/1; got %d/%d/%d", job.RowsTotal, job.RowsSucceeded, job.RowsSkipped)
	}
	if job.Status != models.ImportJobStatusCompleted {
		t.Fatalf("import job status: expected Completed; got %s", job.Status)
	}
	if len(deposit.LineItems) != 2 || deposit.ItemCount != 2 {
		t.Fatalf("expected 2 line items; got %d (item_count=%d)", len(deposit.LineItems), deposit.ItemCount)
	}
	mustEqualDecimal(t, "total usage", deposit.TotalUsage, "150")
	mustEqualDecimal(t, "total commissions", deposit.TotalCommissions, "10")
	mustEqualDecimal(t, "usage unallocated", deposit.UsageUnallocated, "150")

	// Finalizing with unmatched lines must fail and change nothing.
	if _, err := models.FinalizeDeposit(ctx, deposit.ID); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected state conflict finalizing an unmatched deposit; got %v", err)
	}

	// Preview twice; it must return candidates for both open lines and
	// mutate nothing either time.
	for pass := 1; pass <= 2; pass++ {
		previews, err := models.PreviewAutoMatch(ctx, deposit.ID)
		if err != nil {
			t.Fatalf("PreviewAutoMatch(pass %d): %v", pass, err)
		}
		if len(previews) != 2 {
			t.Fatalf("preview pass %d: expected 2 open lines; got %d", pass, len(previews))
		}
		for _, preview := range previews {
			if len(preview.Candidates) == 0 {
				t.Fatalf("preview pass %d: line %d has no candidates", pass, preview.LineNumber)
			}
		}
	}
	unchanged, err := models.GetDepositById(ctx, deposit.ID, true)
	if err != nil {
		t.Fatalf("GetDepositById after preview: %v", err)
	}
	mustEqualDecimal(t, "usage unallocated after preview", unchanged.UsageUnallocated, "150")
	for _, line := range unchanged.LineItems {
		if line.MatchStatus != models.LineMatchStatusUnmatched {
			t.Fatalf("preview mutated line %d to %s", line.LineNumber, line.MatchStatus)
		}
	}

	result, err := models.ApplyAutoMatch(ctx, deposit.ID)
	if err != nil {
		t.Fatalf("ApplyAutoMatch: %v", err)
	}
	if result.Processed != 2 || result.AutoMatched != 2 || result.Errors != 0 {
		t.Fatalf("auto match result: expected processed=2 autoMatched=2; got %+v", result)
	}

	matched, err := models.GetDepositById(ctx, deposit.ID, true)
	if err != nil {
		t.Fatalf("GetDepositById after auto match: %v", err)
	}
	mustEqualDecimal(t, "usage allocated", matched.UsageAllocated, "150")
	mustEqualDecimal(t, "usage unallocated", matched.UsageUnallocated, "0")
	if matched.MatchedCount != 2 {
		t.Fatalf("expected matched_count=2; got %d", matched.MatchedCount)
	}
	usageDelta, commissionDelta := matched.BalanceDelta()
	if usageDelta.Abs().GreaterThan(models.Epsilon) || commissionDelta.Abs().GreaterThan(models.Epsilon) {
		t.Fatalf("deposit balance invariant broken: usage residual %s, commission residual %s", usageDelta, commissionDelta)
	}

	mustEqualDecimal(t, "s1 actual usage", fetchSchedule(t, ctx, s1.ID).ActualUsage, "100")
	mustEqualDecimal(t, "s2 actual usage", fetchSchedule(t, ctx, s2.ID).ActualUsage, "50")

	finalized, err := models.FinalizeDeposit(ctx, deposit.ID)
	if err != nil {
		t.Fatalf("FinalizeDeposit: %v", err)
	}
	if finalized.Status != models.DepositStatusReconciled {
		t.Fatalf("expected deposit Reconciled; got %s", finalized.Status)
	}
	for _, id := range []int{s1.ID, s2.ID} {
		if !fetchSchedule(t, ctx, id).Reconciled {
			t.Fatalf("expected schedule %d reconciled after finalize", id)
		}
	}

	// Finalize is irreversible; a second call and any unmatch must fail.
	if _, err := models.FinalizeDeposit(ctx, deposit.ID); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected state conflict finalizing twice; got %v", err)
	}
	if err := models.UnmatchLineItem(ctx, deposit.ID, matched.LineItems[0].ID); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected state conflict unmatching a reconciled deposit; got %v", err)
	}
}

func TestManualMatchUnmatchRestoresBalancesAndPropagation(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:            "SaaS Seats",
		ProductCode:     "SAAS-1",
		VendorAccountId: vendor.ID,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	newSchedule := func(day int) *models.RevenueSchedule {
		s, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
			AccountId:          customer.ID,
			ProductId:          product.ID,
			ScheduleDate:       time.Date(2025, time.Month(day), 10, 0, 0, 0, 0, time.UTC),
			ExpectedUsage:      decimal.NewFromInt(100),
			ExpectedCommission: decimal.NewFromInt(8),
		})
		if err != nil {
			t.Fatalf("CreateRevenueSchedule: %v", err)
		}
		return s
	}
	s1 := newSchedule(3)
	s2 := newSchedule(4)
	s3 := newSchedule(5)

	deposit, _ := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-03-05,120,9,Globex,SAAS-1",
	)
	line := deposit.LineItems[0]

	if err := models.ApplyManualMatch(ctx, deposit.ID, line.ID, s1.ID, nil, nil); err != nil {
		t.Fatalf("ApplyManualMatch: %v", err)
	}

	// The line over-delivered by 20 usage / 1 commission against s1, so the
	// shortfall propagates evenly onto the two future in-scope schedules.
	after := fetchSchedule(t, ctx, s1.ID)
	mustEqualDecimal(t, "s1 actual usage", after.ActualUsage, "120")
	mustEqualDecimal(t, "s1 actual commission", after.ActualCommission, "9")
	mustEqualDecimal(t, "s1 expected usage untouched", after.ExpectedUsage, "100")

	for _, target := range []*models.RevenueSchedule{s2, s3} {
		got := fetchSchedule(t, ctx, target.ID)
		mustEqualDecimal(t, fmt.Sprintf("schedule %d usage adjustment", target.ID), got.UsageAdjustment, "-10")
		mustEqualDecimal(t, fmt.Sprintf("schedule %d expected commission", target.ID), got.ExpectedCommission, "7.5")
		mustEqualDecimal(t, fmt.Sprintf("schedule %d net usage", target.ID), got.ExpectedNetUsage(), "90")
	}

	lineAfter, err := models.GetDepositLineItemById(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetDepositLineItemById: %v", err)
	}
	if lineAfter.MatchStatus != models.LineMatchStatusMatched {
		t.Fatalf("expected line Matched; got %s", lineAfter.MatchStatus)
	}
	mustEqualDecimal(t, "line usage unallocated", lineAfter.UsageUnallocated, "0")

	matches, err := models.GetLineMatches(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetLineMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Status != models.MatchStateApplied {
		t.Fatalf("expected one applied match; got %+v", matches)
	}
	if matches[0].PropagationLog == "" {
		t.Fatalf("expected a propagation log on the match")
	}

	// Unmatch must be the exact inverse of apply.
	if err := models.UnmatchLineItem(ctx, deposit.ID, line.ID); err != nil {
		t.Fatalf("UnmatchLineItem: %v", err)
	}

	restored := fetchSchedule(t, ctx, s1.ID)
	mustEqualDecimal(t, "s1 actual usage restored", restored.ActualUsage, "0")
	mustEqualDecimal(t, "s1 actual commission restored", restored.ActualCommission, "0")
	for _, target := range []*models.RevenueSchedule{s2, s3} {
		got := fetchSchedule(t, ctx, target.ID)
		mustEqualDecimal(t, fmt.Sprintf("schedule %d adjustment reversed", target.ID), got.UsageAdjustment, "0")
		mustEqualDecimal(t, fmt.Sprintf("schedule %d commission reversed", target.ID), got.ExpectedCommission, "8")
	}

	lineRestored, err := models.GetDepositLineItemById(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetDepositLineItemById after unmatch: %v", err)
	}
	if lineRestored.MatchStatus != models.LineMatchStatusUnmatched {
		t.Fatalf("expected line Unmatched; got %s", lineRestored.MatchStatus)
	}
	mustEqualDecimal(t, "line usage restored", lineRestored.UsageUnallocated, "120")
	mustEqualDecimal(t, "line commission restored", lineRestored.CommissionUnallocated, "9")

	depositRestored, err := models.GetDepositById(ctx, deposit.ID, false)
	if err != nil {
		t.Fatalf("GetDepositById after unmatch: %v", err)
	}
	mustEqualDecimal(t, "deposit usage unallocated restored", depositRestored.UsageUnallocated, "120")
	mustEqualDecimal(t, "deposit usage allocated restored", depositRestored.UsageAllocated, "0")

	rejected, err := models.GetLineMatches(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetLineMatches after unmatch: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Status != models.MatchStateRejected {
		t.Fatalf("expected the match rejected; got %+v", rejected)
	}

	// A partial manual allocation leaves the line Suggested and blocks
	// finalize with its line number.
	partial := decimal.NewFromInt(50)
	if err := models.ApplyManualMatch(ctx, deposit.ID, line.ID, s1.ID, &partial, nil); err != nil {
		t.Fatalf("ApplyManualMatch(partial): %v", err)
	}
	suggested, err := models.GetDepositLineItemById(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetDepositLineItemById after partial: %v", err)
	}
	if suggested.MatchStatus != models.LineMatchStatusSuggested {
		t.Fatalf("expected line Suggested after partial allocation; got %s", suggested.MatchStatus)
	}
	mustEqualDecimal(t, "partial unallocated", suggested.UsageUnallocated, "70")
	_, err = models.FinalizeDeposit(ctx, deposit.ID)
	if !errors.Is(err, utils.ErrorStateConflict) || !strings.Contains(err.Error(), "[1]") {
		t.Fatalf("expected conflict naming line 1; got %v", err)
	}
}

func TestPropagationNeverCrossesAccounts(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	other, err := models.CreateAccount(ctx, &models.NewAccount{Name: "Initech"})
	if err != nil {
		t.Fatalf("CreateAccount(other): %v", err)
	}
	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:            "Shared Product",
		ProductCode:     "SP-1",
		VendorAccountId: vendor.ID,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}

	newSchedule := func(accountId, month int) *models.RevenueSchedule {
		s, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
			AccountId:          accountId,
			ProductId:          product.ID,
			ScheduleDate:       time.Date(2025, time.Month(month), 10, 0, 0, 0, 0, time.UTC),
			ExpectedUsage:      decimal.NewFromInt(100),
			ExpectedCommission: decimal.NewFromInt(8),
		})
		if err != nil {
			t.Fatalf("CreateRevenueSchedule: %v", err)
		}
		return s
	}
	a1 := newSchedule(customer.ID, 3)
	a2 := newSchedule(customer.ID, 4)
	b1 := newSchedule(other.ID, 4)

	deposit, _ := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-03-05,130,8,Globex,SP-1",
	)
	line := deposit.LineItems[0]

	if err := models.ApplyManualMatch(ctx, deposit.ID, line.ID, a1.ID, nil, nil); err != nil {
		t.Fatalf("ApplyManualMatch: %v", err)
	}

	// The -30 delta lands entirely on the same account's future schedule.
	mustEqualDecimal(t, "a2 usage adjustment", fetchSchedule(t, ctx, a2.ID).UsageAdjustment, "-30")

	// The other account's schedule shares the product and the date window but
	// must stay untouched.
	untouched := fetchSchedule(t, ctx, b1.ID)
	mustEqualDecimal(t, "b1 usage adjustment", untouched.UsageAdjustment, "0")
	mustEqualDecimal(t, "b1 expected commission", untouched.ExpectedCommission, "8")
	if untouched.Version != 0 {
		t.Fatalf("expected cross-account schedule never written; version=%d", untouched.Version)
	}

	// Candidate scoring is account-bound too.
	previews, err := models.PreviewAutoMatch(ctx, deposit.ID)
	if err != nil {
		t.Fatalf("PreviewAutoMatch: %v", err)
	}
	for _, preview := range previews {
		for _, candidate := range preview.Candidates {
			if candidate.RevenueScheduleId == b1.ID {
				t.Fatalf("candidate list crossed accounts: schedule %d", b1.ID)
			}
		}
	}
}

func TestFuzzyAutoMatchHonorsTenantThreshold(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	// No catalog product for these codes, so lines and schedules meet on the
	// vendor/distributor/code key.
	newVendorSchedule := func(code string, date time.Time, usage int64) *models.RevenueSchedule {
		s, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
			AccountId:            customer.ID,
			VendorAccountId:      vendor.ID,
			DistributorAccountId: distributor.ID,
			ProductCode:          code,
			ScheduleDate:         date,
			ExpectedUsage:        decimal.NewFromInt(usage),
			ExpectedCommission:   decimal.NewFromInt(5),
		})
		if err != nil {
			t.Fatalf("CreateRevenueSchedule: %v", err)
		}
		return s
	}
	s1 := newVendorSchedule("RC-200", time.Date(2025, 6, 6, 0, 0, 0, 0, time.UTC), 98)
	s2 := newVendorSchedule("RC-200", time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC), 98)

	// Line 1 is a near match for s1 (amount off by 2, five days out, exact
	// code). Line 2 resembles nothing. Line 3 is close enough to surface as a
	// candidate but not to clear the 0.85 default threshold.
	deposit, _ := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-06-01,100,5,Globex,RC-200",
		"2,2025-06-01,200,5,Globex,ZZZ-999",
		"3,2025-06-01,120,5,Globex,RC-20",
	)

	result, err := models.ApplyAutoMatch(ctx, deposit.ID)
	if err != nil {
		t.Fatalf("ApplyAutoMatch: %v", err)
	}
	if result.Processed != 3 || result.AutoMatched != 1 || result.NoCandidates != 1 || result.BelowThreshold != 1 {
		t.Fatalf("auto match result: expected processed=3 autoMatched=1 noCandidates=1 belowThreshold=1; got %+v", result)
	}

	applied := fetchSchedule(t, ctx, s1.ID)
	mustEqualDecimal(t, "s1 actual usage", applied.ActualUsage, "100")

	// The -2 overshoot propagated onto the next schedule with the same key.
	mustEqualDecimal(t, "s2 usage adjustment", fetchSchedule(t, ctx, s2.ID).UsageAdjustment, "-2")

	matched, err := models.GetDepositById(ctx, deposit.ID, true)
	if err != nil {
		t.Fatalf("GetDepositById: %v", err)
	}
	for _, line := range matched.LineItems {
		switch line.LineNumber {
		case 1:
			if line.MatchStatus != models.LineMatchStatusMatched {
				t.Fatalf("line 1: expected Matched; got %s", line.MatchStatus)
			}
			fuzzyMatches, err := models.GetLineMatches(ctx, line.ID)
			if err != nil {
				t.Fatalf("GetLineMatches: %v", err)
			}
			if len(fuzzyMatches) != 1 || fuzzyMatches[0].Source != models.MatchSourceFuzzy {
				t.Fatalf("line 1: expected one fuzzy match; got %+v", fuzzyMatches)
			}
			if fuzzyMatches[0].Confidence.LessThan(decimal.RequireFromString("0.85")) {
				t.Fatalf("line 1: applied confidence below threshold: %s", fuzzyMatches[0].Confidence)
			}
		default:
			if line.MatchStatus != models.LineMatchStatusUnmatched {
				t.Fatalf("line %d: expected Unmatched; got %s", line.LineNumber, line.MatchStatus)
			}
		}
	}
}

func TestChargebackQueuesForReviewBeforeAllocation(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:            "Clawback Plan",
		ProductCode:     "CB-1",
		VendorAccountId: vendor.ID,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	chargeback, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
		AccountId:          customer.ID,
		ProductId:          product.ID,
		ScheduleDate:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		ScheduleType:       models.ScheduleTypeFlexChargeback,
		ExpectedUsage:      decimal.NewFromInt(-120),
		ExpectedCommission: decimal.NewFromInt(-10),
	})
	if err != nil {
		t.Fatalf("CreateRevenueSchedule: %v", err)
	}

	deposit, _ := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-06-01,(120),(10),Globex,CB-1",
	)
	line := deposit.LineItems[0]
	mustEqualDecimal(t, "negative usage parsed", line.UsageAmount, "-120")

	// The chargeback amount and date line up exactly, so auto-match finds the
	// schedule on the exact path. It still must queue a review item, not
	// allocate, and the run reports it as queued rather than an error.
	result, err := models.ApplyAutoMatch(ctx, deposit.ID)
	if err != nil {
		t.Fatalf("ApplyAutoMatch: %v", err)
	}
	if result.Processed != 1 || result.QueuedForReview != 1 {
		t.Fatalf("expected the chargeback line queued for review; got %+v", result)
	}
	if result.AutoMatched != 0 || result.Errors != 0 {
		t.Fatalf("expected no match and no error for a queued chargeback; got %+v", result)
	}

	lineAfter, err := models.GetDepositLineItemById(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetDepositLineItemById: %v", err)
	}
	if lineAfter.MatchStatus != models.LineMatchStatusUnmatched {
		t.Fatalf("expected line untouched while queued; got %s", lineAfter.MatchStatus)
	}
	mustEqualDecimal(t, "schedule untouched while queued", fetchSchedule(t, ctx, chargeback.ID).ActualUsage, "0")

	open := models.FlexReviewStatusOpen
	items, err := models.GetFlexReviewItems(ctx, &open)
	if err != nil {
		t.Fatalf("GetFlexReviewItems: %v", err)
	}
	if len(items) != 1 || items[0].Classification != models.ScheduleTypeFlexChargeback {
		t.Fatalf("expected one open FlexChargeback review item; got %+v", items)
	}

	// A direct manual attempt defers the same way, and must not duplicate the
	// open item.
	if err := models.ApplyManualMatch(ctx, deposit.ID, line.ID, chargeback.ID, nil, nil); err == nil {
		t.Fatalf("expected the manual chargeback match to be deferred, not applied")
	}
	items, err = models.GetFlexReviewItems(ctx, &open)
	if err != nil {
		t.Fatalf("GetFlexReviewItems after requeue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected the open item deduplicated; got %d items", len(items))
	}

	approved, err := models.ApproveAndApplyFlexReview(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("ApproveAndApplyFlexReview: %v", err)
	}
	if approved.Status != models.FlexReviewStatusApproved {
		t.Fatalf("expected item Approved; got %s", approved.Status)
	}

	applied := fetchSchedule(t, ctx, chargeback.ID)
	mustEqualDecimal(t, "chargeback actual usage", applied.ActualUsage, "-120")
	mustEqualDecimal(t, "chargeback actual commission", applied.ActualCommission, "-10")

	lineApplied, err := models.GetDepositLineItemById(ctx, line.ID)
	if err != nil {
		t.Fatalf("GetDepositLineItemById after approve: %v", err)
	}
	if lineApplied.MatchStatus != models.LineMatchStatusMatched {
		t.Fatalf("expected line Matched after approval; got %s", lineApplied.MatchStatus)
	}

	// An approved item cannot be approved or resolved again.
	if _, err := models.ApproveAndApplyFlexReview(ctx, items[0].ID); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected conflict approving twice; got %v", err)
	}
	if _, err := models.ResolveFlexReview(ctx, items[0].ID, true, "dup"); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected conflict resolving an approved item; got %v", err)
	}
}

func TestFlexApprovalFailureLeavesItemOpen(t *testing.T) {
	ctx := setupReconciliationEnv(t)
	ctx, customer, distributor, vendor := seedReconciliationTenant(t, ctx)

	product, err := models.CreateProduct(ctx, &models.NewProduct{
		Name:            "Clawback Plan",
		ProductCode:     "CB-2",
		VendorAccountId: vendor.ID,
	})
	if err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	chargeback, err := models.CreateRevenueSchedule(ctx, &models.NewRevenueSchedule{
		AccountId:          customer.ID,
		ProductId:          product.ID,
		ScheduleDate:       time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC),
		ScheduleType:       models.ScheduleTypeFlexChargeback,
		ExpectedUsage:      decimal.NewFromInt(-120),
		ExpectedCommission: decimal.NewFromInt(-10),
	})
	if err != nil {
		t.Fatalf("CreateRevenueSchedule: %v", err)
	}

	// Two lines pointing at the same chargeback schedule queue two distinct
	// review items.
	deposit, _ := importCSV(t, ctx, customer, distributor, vendor,
		"1,2025-06-01,(120),(10),Globex,CB-2",
		"2,2025-06-01,(120),(10),Globex,CB-2",
	)
	for i := range deposit.LineItems {
		line := deposit.LineItems[i]
		if err := models.ApplyManualMatch(ctx, deposit.ID, line.ID, chargeback.ID, nil, nil); err == nil {
			t.Fatalf("expected line %d deferred to review", line.LineNumber)
		}
	}
	open := models.FlexReviewStatusOpen
	items, err := models.GetFlexReviewItems(ctx, &open)
	if err != nil {
		t.Fatalf("GetFlexReviewItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected two open review items; got %d", len(items))
	}

	if _, err := models.ApproveAndApplyFlexReview(ctx, items[0].ID); err != nil {
		t.Fatalf("ApproveAndApplyFlexReview first item: %v", err)
	}

	// The second approval fails on the one-applied-match-per-schedule guard.
	// The item must stay Open with its line untouched, not flip to Approved
	// with nothing allocated.
	if _, err := models.ApproveAndApplyFlexReview(ctx, items[1].ID); !errors.Is(err, utils.ErrorStateConflict) {
		t.Fatalf("expected conflict approving against an allocated schedule; got %v", err)
	}
	remaining, err := models.GetFlexReviewItems(ctx, &open)
	if err != nil {
		t.Fatalf("GetFlexReviewItems after failed approval: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != items[1].ID {
		t.Fatalf("expected the failed item still open; got %+v", remaining)
	}
	line2, err := models.GetDepositLineItemById(ctx, items[1].DepositLineItemId)
	if err != nil {
		t.Fatalf("GetDepositLineItemById: %v", err)
	}
	if line2.MatchStatus != models.LineMatchStatusUnmatched {
		t.Fatalf("expected the failed item's line untouched; got %s", line2.MatchStatus)
	}
	mustEqualDecimal(t, "line usage still unallocated", line2.UsageUnallocated, "-120")

	// Still open means still closable.
	resolved, err := models.ResolveFlexReview(ctx, items[1].ID, false, "covered by the first line")
	if err != nil {
		t.Fatalf("ResolveFlexReview: %v", err)
	}
	if resolved.Status != models.FlexReviewStatusResolved {
		t.Fatalf("expected item Resolved; got %s", resolved.Status)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("crm-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("crm-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=channelworks_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
