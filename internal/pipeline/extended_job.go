package pipeline

import (
	"context"
	"time"

	"github.com/market-sync/internal/asof"
	"github.com/market-sync/internal/indicator"
	"github.com/market-sync/internal/sources"
	"github.com/market-sync/internal/syncstate"
	"github.com/market-sync/pkg/models"
)

// Kinds reported in Payload.Missing by the extended job
const (
	KindFinancial = "financial"
	KindValuation = "valuation"
)

// ExtendedJob fetches the annual statements and the valuation snapshot a
// symbol still lacks for the target date, and computes its technical
// indicators from stored daily closes
type ExtendedJob struct {
	src    sources.DataSource
	state  *syncstate.Store
	calc   *indicator.Calculator
	target time.Time
}

// NewExtendedJob creates the extended job. A nil calc skips indicators.
func NewExtendedJob(src sources.DataSource, state *syncstate.Store, calc *indicator.Calculator, target time.Time) *ExtendedJob {
	return &ExtendedJob{src: src, state: state, calc: calc, target: models.DateOf(target)}
}

func (j *ExtendedJob) Name() string { return "extended" }

func (j *ExtendedJob) CanBulk() bool {
	_, ok := j.src.(sources.BulkSource)
	return ok
}

// FetchOne implements Job
func (j *ExtendedJob) FetchOne(ctx context.Context, symbol string) (*Payload, error) {
	comp, err := j.state.Completeness(ctx, symbol, j.target)
	if err != nil {
		return nil, err
	}

	var fins []*models.Financial
	if !comp.Financial {
		for _, period := range syncstate.AnnualPeriods(j.target) {
			got, err := j.src.FetchFundamentals(ctx, symbol, period)
			if err != nil {
				return nil, err
			}
			fins = append(fins, got...)
		}
	}

	var val *models.Valuation
	if !comp.Valuation {
		if val, err = j.src.FetchValuation(ctx, symbol, j.target); err != nil {
			return nil, err
		}
	}

	return j.assemble(ctx, symbol, comp, fins, val)
}

// FetchMany implements BulkJob
func (j *ExtendedJob) FetchMany(ctx context.Context, symbols []string) (map[string]*Payload, error) {
	bulk := j.src.(sources.BulkSource)

	comps := make(map[string]syncstate.Completeness, len(symbols))
	var needFin, needVal []string
	for _, sym := range symbols {
		comp, err := j.state.Completeness(ctx, sym, j.target)
		if err != nil {
			return nil, err
		}
		comps[sym] = comp
		if !comp.Financial {
			needFin = append(needFin, sym)
		}
		if !comp.Valuation {
			needVal = append(needVal, sym)
		}
	}

	fins := make(map[string][]*models.Financial, len(needFin))
	if len(needFin) > 0 {
		for _, period := range syncstate.AnnualPeriods(j.target) {
			got, err := bulk.FetchFundamentalsBulk(ctx, needFin, period)
			if err != nil {
				return nil, err
			}
			for sym, list := range got {
				fins[sym] = append(fins[sym], list...)
			}
		}
	}

	vals := map[string]*models.Valuation{}
	if len(needVal) > 0 {
		got, err := bulk.FetchValuationsBulk(ctx, needVal, j.target)
		if err != nil {
			return nil, err
		}
		vals = got
	}

	out := make(map[string]*Payload, len(symbols))
	for _, sym := range symbols {
		p, err := j.assemble(ctx, sym, comps[sym], fins[sym], vals[sym])
		if err != nil {
			return nil, err
		}
		out[sym] = p
	}
	return out, nil
}

func (j *ExtendedJob) assemble(ctx context.Context, symbol string, comp syncstate.Completeness, fins []*models.Financial, val *models.Valuation) (*Payload, error) {
	p := &Payload{}

	if comp.Financial {
		p.Present++
	} else if len(fins) == 0 {
		p.Missing = append(p.Missing, KindFinancial)
	} else {
		for _, f := range fins {
			f.Symbol = symbol
			if f.Source == "" {
				f.Source = j.src.Name()
			}
			p.Records = append(p.Records, f)
		}
	}

	switch {
	case comp.Valuation:
		p.Present++
	case val == nil:
		p.Missing = append(p.Missing, KindValuation)
	default:
		val.Symbol = symbol
		if val.Source == "" {
			val.Source = j.src.Name()
		}
		if err := j.derive(ctx, val, fins); err != nil {
			return nil, err
		}
		p.Records = append(p.Records, val)
	}

	ind, err := j.indicators(ctx, symbol, comp)
	if err != nil {
		return nil, err
	}
	if ind != nil {
		p.Records = append(p.Records, ind)
	}

	return p, nil
}

// indicators computes the target-date indicators unless they are stored.
// A short history yields nothing and is not reported as missing.
func (j *ExtendedJob) indicators(ctx context.Context, symbol string, comp syncstate.Completeness) (*models.Indicator, error) {
	if j.calc == nil || comp.Indicators {
		return nil, nil
	}
	bars, err := j.state.DB().Bars(ctx, symbol, models.FrequencyDaily,
		j.target.AddDate(0, 0, -indicator.LookbackDays), j.target)
	if err != nil {
		return nil, err
	}
	ind, ok := j.calc.Calculate(symbol, j.target, bars)
	if !ok {
		return nil, nil
	}
	return ind, nil
}

// derive fills PE and PB from the financial record public on the valuation
// date and the close on or before it
func (j *ExtendedJob) derive(ctx context.Context, v *models.Valuation, fetched []*models.Financial) error {
	if v.PE != nil && v.PB != nil {
		return nil
	}

	db := j.state.DB()
	refs, err := db.FinancialsDisclosedBy(ctx, v.Symbol, v.Date)
	if err != nil {
		return err
	}
	refs = append(refs, fetched...)
	fin, ok := asof.Latest(refs, v.Date)
	if !ok {
		return nil
	}

	closePrice, ok, err := db.CloseOnOrBefore(ctx, v.Symbol, v.Date)
	if err != nil || !ok || closePrice <= 0 {
		return err
	}

	if v.PE == nil && fin.EPS != nil && *fin.EPS > 0 {
		v.PE = models.Float(closePrice / *fin.EPS)
	}
	if v.PB == nil && fin.BPS != nil && *fin.BPS > 0 {
		v.PB = models.Float(closePrice / *fin.BPS)
	}
	return nil
}
