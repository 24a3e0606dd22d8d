package sources

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
)

// CSV file names read by LoadCSV; missing files are skipped
const (
	BarsFile       = "bars.csv"
	FinancialsFile = "financials.csv"
	ValuationsFile = "valuations.csv"
	SecuritiesFile = "securities.csv"
	CalendarFile   = "calendar.csv"
)

// LoadCSV reads provider exports from dir into a memory source. Numbers
// and dates go through the quality normalizers; symbols are normalized to
// CODE.MARKET.
func LoadCSV(dir, market string) (*Memory, error) {
	m := NewMemory("csv", market)

	var bars []barRow
	if err := decodeFile(filepath.Join(dir, BarsFile), &bars); err != nil {
		return nil, err
	}
	for i, r := range bars {
		b, err := r.bar("csv")
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", BarsFile, i+2, err)
		}
		m.AddBars(b)
	}

	var financials []financialRow
	if err := decodeFile(filepath.Join(dir, FinancialsFile), &financials); err != nil {
		return nil, err
	}
	for i, r := range financials {
		f, err := r.financial("csv")
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", FinancialsFile, i+2, err)
		}
		m.AddFinancials(f)
	}

	var valuations []valuationRow
	if err := decodeFile(filepath.Join(dir, ValuationsFile), &valuations); err != nil {
		return nil, err
	}
	for i, r := range valuations {
		v, err := r.valuation("csv")
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", ValuationsFile, i+2, err)
		}
		m.AddValuations(v)
	}

	var securities []securityRow
	if err := decodeFile(filepath.Join(dir, SecuritiesFile), &securities); err != nil {
		return nil, err
	}
	for i, r := range securities {
		s, err := r.security(market)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", SecuritiesFile, i+2, err)
		}
		m.AddSecurities(s)
	}

	var calendar []calendarRow
	if err := decodeFile(filepath.Join(dir, CalendarFile), &calendar); err != nil {
		return nil, err
	}
	for i, r := range calendar {
		d, err := r.tradingDay(market)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", CalendarFile, i+2, err)
		}
		m.AddCalendar(d)
	}

	return m, nil
}

func decodeFile(path string, out any) error {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return decodeCSV(f, out, path)
}

func decodeCSV(r io.Reader, out any, name string) error {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create CSV decoder for %s: %w", name, err)
	}
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return nil
}
