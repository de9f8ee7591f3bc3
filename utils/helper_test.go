package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"100", "100"},
		{"1,234.56", "1234.56"},
		{"$1,234.56", "1234.56"},
		{"€99.90", "99.9"},
		{" 42 ", "42"},
		{"(123.45)", "-123.45"},
		{"($1,000.00)", "-1000"},
		{"-15.5", "-15.5"},
		{"0", "0"},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.raw)
		require.NoError(t, err, "ParseAmount(%q)", tc.raw)
		require.NotNil(t, got, "ParseAmount(%q)", tc.raw)
		assert.True(t, got.Equal(decimal.RequireFromString(tc.want)),
			"ParseAmount(%q) = %s, want %s", tc.raw, got, tc.want)
	}
}

func TestParseAmountPlaceholders(t *testing.T) {
	for _, raw := range []string{"", " ", "-", "N/A", "n/a", "null", "NULL", "$"} {
		got, err := ParseAmount(raw)
		require.NoError(t, err, "ParseAmount(%q)", raw)
		assert.Nil(t, got, "ParseAmount(%q) should be nil", raw)
	}
}

func TestParseAmountInvalid(t *testing.T) {
	for _, raw := range []string{"abc", "12.3.4", "(12"} {
		_, err := ParseAmount(raw)
		assert.Error(t, err, "ParseAmount(%q)", raw)
	}
}

func TestParseFlexibleDate(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
	}{
		{"2025-03-15", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"2025-03-15T10:30:00", time.Date(2025, 3, 15, 10, 30, 0, 0, time.UTC)},
		{"03/15/2025", time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)},
		{"3/5/2025", time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)},
		// Excel serials: 61 is 1900-03-01 (post leap-year-bug adjustment).
		{"61", time.Date(1900, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"59", time.Date(1900, 2, 28, 0, 0, 0, 0, time.UTC)},
		{"45292", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseFlexibleDate(tc.raw)
		require.NoError(t, err, "ParseFlexibleDate(%q)", tc.raw)
		assert.True(t, got.Equal(tc.want), "ParseFlexibleDate(%q) = %s, want %s", tc.raw, got, tc.want)
	}
}

func TestParseFlexibleDateRejects(t *testing.T) {
	for _, raw := range []string{"", "not-a-date", "0.5", "999999"} {
		_, err := ParseFlexibleDate(raw)
		assert.Error(t, err, "ParseFlexibleDate(%q)", raw)
	}
}

func TestNormalizeKey(t *testing.T) {
	assert.Equal(t, "attinc", NormalizeKey("AT&T Inc."))
	assert.Equal(t, "tdsynnex|ringcentral", NormalizeKey("TD Synnex", "RingCentral"))
	assert.Equal(t, NormalizeKey("AT&T Inc."), NormalizeKey("att inc"))
	assert.Equal(t, "|", NormalizeKey("", ""))
}
