package utils

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/channelworks/crm_backend/config"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"github.com/ttacon/libphonenumber"
)

func GenerateUniqueFilename(originalName string) string {

	timestamp := time.Now().UnixNano()

	random := rand.Intn(1000)

	uniqueFilename := fmt.Sprintf("%d_%d%s", timestamp, random, filepath.Ext(originalName))

	return uniqueFilename
}

func ValidatePhoneNumber(phoneNumber, countryCode string) error {
	p, err := libphonenumber.Parse(phoneNumber, countryCode)
	if err != nil {
		return err // Phone number is invalid
	}

	if !libphonenumber.IsValidNumber(p) {
		return fmt.Errorf("phone number is not valid")
	}

	return nil // Phone number is valid for the specified country code
}

func ProcessValidationErrors(err error) map[string]string {

	validationErrors := err.(validator.ValidationErrors)

	errorResponse := make(map[string]string)
	for _, fieldError := range validationErrors {
		errorResponse[fieldError.Field()] = fieldError.Tag()
	}
	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

func UniqueSlice[T comparable](slice []T) []T {
	seen := make(map[T]struct{}, len(slice))
	result := make([]T, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// safely dereference pointer of type T, nil pointer return zero value or optional default
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	var defaultValue T
	if len(defaults) > 0 {
		defaultValue = defaults[0]
	}
	if ptr == nil {
		return defaultValue
	}
	return *ptr
}

func NilIfEmpty[T comparable](v T) *T {
	var zero T
	if v == zero {
		return nil
	}
	return &v
}

func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "UTC"
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t, err
	}
	localTime := t.In(location)
	dateOnly := time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location)
	return dateOnly, nil
}

// ParseDecimal converts a string to a decimal.Decimal value.
func ParseDecimal(value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, errors.New("empty decimal string")
	}

	dec, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

var currencyRunes = regexp.MustCompile(`[$€£¥,\s]`)

// ParseAmount normalizes vendor-supplied money/usage cells:
// currency symbols and thousands separators are stripped, and the
// accounting convention "(123.45)" parses as -123.45.
// Empty cells and "-"/"N/A" placeholders return (nil, nil).
func ParseAmount(raw string) (*decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if s == "" || s == "-" || strings.EqualFold(s, "n/a") || strings.EqualFold(s, "null") {
		return nil, nil
	}

	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	s = currencyRunes.ReplaceAllString(s, "")
	if s == "" {
		return nil, nil
	}

	dec, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if negative {
		dec = dec.Neg()
	}
	return &dec, nil
}

// excelEpoch is day 0 of the 1900 date system. Excel wrongly treats 1900 as a
// leap year, so serials at or above 60 are off by one; the -2 offset below
// matches what Excel itself renders for modern dates.
var excelEpoch = time.Date(1899, time.December, 31, 0, 0, 0, 0, time.UTC)

// ParseFlexibleDate accepts the date shapes vendor deposit files actually
// contain: ISO dates, US-style dates, ISO datetimes, and raw Excel serials.
func ParseFlexibleDate(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("empty date string")
	}

	layouts := []string{
		"2006-01-02",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"01/02/2006",
		"1/2/2006",
		"01-02-2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}

	// Excel serial date (days since the 1900 epoch).
	if serial, err := strconv.ParseFloat(s, 64); err == nil {
		if serial < 1 || serial > 200000 {
			return time.Time{}, fmt.Errorf("excel serial date %q out of range", raw)
		}
		days := int(serial)
		if serial >= 60 {
			days--
		}
		frac := serial - float64(int(serial))
		t := excelEpoch.AddDate(0, 0, days).Add(time.Duration(frac * float64(24*time.Hour)))
		return t, nil
	}

	return time.Time{}, fmt.Errorf("unrecognized date %q", raw)
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// NormalizeKey lowercases and strips punctuation/whitespace so that vendor and
// distributor names compare stably across files ("AT&T Inc." == "att inc").
func NormalizeKey(parts ...string) string {
	normalized := make([]string, 0, len(parts))
	for _, p := range parts {
		p = nonAlnum.ReplaceAllString(strings.ToLower(strings.TrimSpace(p)), "")
		normalized = append(normalized, p)
	}
	return strings.Join(normalized, "|")
}

// TenantLock obtains a short Redis lock scoped to a tenant and operation.
// The caller releases it. A nil lock with a non-nil error means the lock
// service was unavailable or contended; callers treating the lock as
// best-effort may proceed without it.
func TenantLock(ctx context.Context, tenantId string, lockType string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		config.LogError(logger, "utils", "TenantLock", "Redis lock not initialized", tenantId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("%s:%s", lockType, tenantId)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		return nil, errors.New("could not obtain lock for tenant")
	} else if err != nil {
		config.LogError(logger, "utils", "TenantLock", "Error obtaining lock for tenant", tenantId, err)
		return nil, err
	}
	return lock, nil
}
