package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountProximity(t *testing.T) {
	one := decimal.NewFromInt(1)

	assert.True(t, amountProximity(decimal.NewFromInt(100), decimal.NewFromInt(100)).Equal(one))
	assert.True(t, amountProximity(decimal.Zero, decimal.Zero).Equal(one))

	// 10% relative difference scores 0.9
	got := amountProximity(decimal.NewFromInt(100), decimal.NewFromInt(90))
	assert.True(t, got.Equal(decimal.NewFromFloat(0.9)), "got %s", got)

	// wildly different amounts bottom out at zero
	got = amountProximity(decimal.NewFromInt(100), decimal.NewFromInt(-500))
	assert.True(t, got.Equal(decimal.Zero), "got %s", got)
}

func TestDateProximity(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	line := &DepositLineItem{PaymentDate: base}

	same := dateProximity(&RevenueSchedule{ScheduleDate: base}, line)
	assert.True(t, same.Equal(decimal.NewFromInt(1)))

	half := dateProximity(&RevenueSchedule{ScheduleDate: base.AddDate(0, 0, 45)}, line)
	assert.True(t, half.Equal(decimal.NewFromFloat(0.5)), "got %s", half)

	far := dateProximity(&RevenueSchedule{ScheduleDate: base.AddDate(0, 0, 120)}, line)
	assert.True(t, far.Equal(decimal.Zero))

	// symmetric for schedules before the payment date
	before := dateProximity(&RevenueSchedule{ScheduleDate: base.AddDate(0, 0, -45)}, line)
	assert.True(t, before.Equal(decimal.NewFromFloat(0.5)))
}

func TestTextSimilarity(t *testing.T) {
	schedule := &RevenueSchedule{ProductCode: "RC-100"}

	exact := textSimilarity(schedule, &DepositLineItem{ProductCode: "rc 100"})
	assert.True(t, exact.Equal(decimal.NewFromInt(1)))

	viaName := textSimilarity(schedule, &DepositLineItem{ProductName: "RC-100"})
	assert.True(t, viaName.Equal(decimal.NewFromInt(1)))

	near := textSimilarity(schedule, &DepositLineItem{ProductCode: "RC-101"})
	assert.True(t, near.GreaterThan(decimal.NewFromFloat(0.7)), "got %s", near)

	none := textSimilarity(schedule, &DepositLineItem{})
	assert.True(t, none.Equal(decimal.Zero))
}

func TestScoreCandidateWeights(t *testing.T) {
	require.InDelta(t, 1.0, weightAmount+weightDate+weightText, 1e-9)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	line := &DepositLineItem{
		PaymentDate:      base,
		UsageUnallocated: decimal.NewFromInt(500),
		ProductCode:      "RC-100",
	}
	schedule := &RevenueSchedule{
		ScheduleDate:  base,
		ExpectedUsage: decimal.NewFromInt(500),
		ProductCode:   "RC-100",
	}

	confidence, reasons := scoreCandidate(schedule, line)
	assert.True(t, confidence.Equal(decimal.NewFromInt(1)), "perfect candidate scores 1, got %s", confidence)
	assert.Len(t, reasons, 3)

	// a strong-but-imperfect candidate lands between the preview floor and 1
	schedule = &RevenueSchedule{
		ScheduleDate:  base.AddDate(0, 0, 10),
		ExpectedUsage: decimal.NewFromInt(510),
		ProductCode:   "RC-100",
	}
	confidence, _ = scoreCandidate(schedule, line)
	assert.True(t, confidence.GreaterThan(decimal.NewFromFloat(0.85)), "got %s", confidence)
	assert.True(t, confidence.LessThan(decimal.NewFromInt(1)), "got %s", confidence)

	// garbage candidate falls below the preview floor
	schedule = &RevenueSchedule{
		ScheduleDate:  base.AddDate(0, 0, 200),
		ExpectedUsage: decimal.NewFromInt(100000),
		ProductCode:   "ZZZ-999",
	}
	confidence, _ = scoreCandidate(schedule, line)
	assert.True(t, confidence.LessThan(AutoMatchFloor), "got %s", confidence)
}
