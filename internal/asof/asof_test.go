package asof_test

import (
	"testing"
	"time"

	"github.com/market-sync/internal/asof"
	"github.com/market-sync/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func annual(period, disclosed string, eps float64) *models.Financial {
	return &models.Financial{
		Symbol: "000001.SZ", ReportDate: day(period), ReportType: models.ReportAnnual,
		DisclosureDate: day(disclosed), EPS: models.Float(eps),
	}
}

func TestJoinUsesDisclosureDate(t *testing.T) {
	t.Parallel()

	refs := []*models.Financial{
		annual("2023-12-31", "2024-03-15", 2.0),
		annual("2022-12-31", "2023-03-20", 1.5),
	}
	series := []*models.Valuation{
		{Symbol: "000001.SZ", Date: day("2024-03-16")},
		{Symbol: "000001.SZ", Date: day("2024-01-31")},
		{Symbol: "000001.SZ", Date: day("2024-03-15")},
		{Symbol: "000001.SZ", Date: day("2023-01-31")},
	}

	out := asof.Join(series, refs)
	require.Len(t, out, 4)

	assert.Equal(t, day("2023-01-31"), out[0].Date)
	assert.Nil(t, out[0].Financial)

	// the 2023 period ended but was not yet published
	assert.Equal(t, day("2024-01-31"), out[1].Date)
	require.NotNil(t, out[1].Financial)
	assert.Equal(t, day("2022-12-31"), out[1].Financial.ReportDate)

	assert.Equal(t, day("2023-12-31"), out[2].Financial.ReportDate)
	assert.Equal(t, day("2023-12-31"), out[3].Financial.ReportDate)
}

func TestLatest(t *testing.T) {
	t.Parallel()

	refs := []*models.Financial{
		annual("2022-12-31", "2023-03-20", 1.5),
		annual("2023-12-31", "2024-03-15", 2.0),
		{Symbol: "000001.SZ", ReportDate: day("2023-09-30"), ReportType: models.ReportQ3},
	}

	got, ok := asof.Latest(refs, day("2024-03-14"))
	require.True(t, ok)
	assert.Equal(t, day("2022-12-31"), got.ReportDate)

	got, ok = asof.Latest(refs, day("2024-03-15"))
	require.True(t, ok)
	assert.Equal(t, day("2023-12-31"), got.ReportDate)

	_, ok = asof.Latest(refs, day("2023-01-01"))
	assert.False(t, ok)
}
