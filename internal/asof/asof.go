// Package asof joins time series with reference data as it was publicly
// known on each date. A reference is visible from its disclosure date on,
// never from its period end.
package asof

import (
	"sort"
	"time"

	"github.com/market-sync/pkg/models"
)

// visible reports whether ref was public on date
func visible(ref models.Dated, date time.Time) bool {
	d := ref.DisclosedOn()
	return !d.IsZero() && !d.After(date)
}

// newer orders references by disclosure date, then effective date
func newer(a, b models.Dated) bool {
	if !a.DisclosedOn().Equal(b.DisclosedOn()) {
		return a.DisclosedOn().After(b.DisclosedOn())
	}
	return a.EffectiveDate().After(b.EffectiveDate())
}

// Latest returns the most recently disclosed reference visible on date
func Latest[T models.Dated](refs []T, date time.Time) (T, bool) {
	var best T
	found := false
	for _, ref := range refs {
		if !visible(ref, date) {
			continue
		}
		if !found || newer(ref, best) {
			best = ref
			found = true
		}
	}
	return best, found
}

// Join attaches to every valuation row the financial record most recently
// disclosed on or before the row's date. Rows with no visible record keep
// a nil Financial. The output is sorted by date.
func Join(series []*models.Valuation, refs []*models.Financial) []*models.EnrichedValuation {
	sorted := make([]*models.Financial, 0, len(refs))
	for _, f := range refs {
		if !f.DisclosureDate.IsZero() {
			sorted = append(sorted, f)
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return newer(sorted[j], sorted[i]) })

	rows := make([]*models.Valuation, len(series))
	copy(rows, series)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })

	out := make([]*models.EnrichedValuation, 0, len(rows))
	next := 0
	var current *models.Financial
	for _, row := range rows {
		// refs are ascending by disclosure; advance while the next one is visible
		for next < len(sorted) && visible(sorted[next], row.Date) {
			current = sorted[next]
			next++
		}
		out = append(out, &models.EnrichedValuation{Valuation: *row, Financial: current})
	}
	return out
}
