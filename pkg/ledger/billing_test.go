package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billsync/pkg/ledger"
	"github.com/dmitrymomot/billsync/pkg/subscription"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 10, 30, 0, 0, time.UTC)
}

func TestComputeNextBillingDate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		freq int
		unit subscription.FrequencyUnit
		from time.Time
		want time.Time
	}{
		{name: "month end into leap february", freq: 1, unit: subscription.Months, from: date(2024, 1, 31), want: date(2024, 2, 29)},
		{name: "month end into common february", freq: 1, unit: subscription.Months, from: date(2023, 1, 31), want: date(2023, 2, 28)},
		{name: "31st into 30 day month", freq: 1, unit: subscription.Months, from: date(2024, 3, 31), want: date(2024, 4, 30)},
		{name: "mid month", freq: 1, unit: subscription.Months, from: date(2024, 5, 15), want: date(2024, 6, 15)},
		{name: "december rolls year", freq: 1, unit: subscription.Months, from: date(2024, 12, 31), want: date(2025, 1, 31)},
		{name: "quarterly from november 30", freq: 3, unit: subscription.Months, from: date(2023, 11, 30), want: date(2024, 2, 29)},
		{name: "thirteen months", freq: 13, unit: subscription.Months, from: date(2024, 1, 31), want: date(2025, 2, 28)},
		{name: "leap day plus one year", freq: 1, unit: subscription.Years, from: date(2024, 2, 29), want: date(2025, 2, 28)},
		{name: "leap day plus four years", freq: 4, unit: subscription.Years, from: date(2024, 2, 29), want: date(2028, 2, 29)},
		{name: "one week across month", freq: 1, unit: subscription.Weeks, from: date(2024, 2, 26), want: date(2024, 3, 4)},
		{name: "two weeks across year", freq: 2, unit: subscription.Weeks, from: date(2024, 12, 25), want: date(2025, 1, 8)},
		{name: "days across leap day", freq: 1, unit: subscription.Days, from: date(2024, 2, 28), want: date(2024, 2, 29)},
		{name: "thirty days", freq: 30, unit: subscription.Days, from: date(2024, 1, 31), want: date(2024, 3, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ledger.ComputeNextBillingDate(tt.freq, tt.unit, tt.from)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeNextBillingDate_PreservesLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-3", -3*3600)
	from := time.Date(2024, 1, 31, 23, 0, 0, 0, loc)
	got, err := ledger.ComputeNextBillingDate(1, subscription.Months, from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 23, 0, 0, 0, loc), got)
}

func TestComputeNextBillingDate_Invalid(t *testing.T) {
	t.Parallel()

	_, err := ledger.ComputeNextBillingDate(0, subscription.Months, date(2024, 1, 1))
	assert.ErrorIs(t, err, ledger.ErrInvalidPeriod)

	_, err = ledger.ComputeNextBillingDate(1, subscription.FrequencyUnit("fortnights"), date(2024, 1, 1))
	assert.ErrorIs(t, err, ledger.ErrInvalidPeriod)
}
