package models

import "time"

// Security status values
const (
	SecurityActive    = "active"
	SecuritySuspended = "suspended"
	SecurityDelisted  = "delisted"
)

// Security is one entry of the symbol directory
type Security struct {
	Symbol     string     `json:"symbol" db:"symbol"`
	Name       string     `json:"name" db:"name"`
	Market     string     `json:"market" db:"market"`
	Exchange   string     `json:"exchange" db:"exchange"`
	Industry   string     `json:"industry" db:"industry"`
	ListDate   time.Time  `json:"list_date" db:"list_date"`
	DelistDate *time.Time `json:"delist_date,omitempty" db:"delist_date"`
	Status     string     `json:"status" db:"status"`
}

// SecurityColumns is the column order of the securities table
var SecurityColumns = []string{"symbol", "name", "market", "exchange", "industry", "list_date", "delist_date", "status"}

func (s *Security) TableName() string { return TableSecurities }

func (s *Security) Values() []any {
	var delisted any
	if s.DelistDate != nil {
		delisted = FormatDate(*s.DelistDate)
	}
	status := s.Status
	if status == "" {
		status = SecurityActive
	}
	return []any{s.Symbol, s.Name, s.Market, s.Exchange, s.Industry, nullableDate(s.ListDate), delisted, status}
}

// TradingDay is one trading calendar entry
type TradingDay struct {
	Date      time.Time `json:"date" db:"date"`
	Market    string    `json:"market" db:"market"`
	IsTrading bool      `json:"is_trading" db:"is_trading"`
}

// CalendarColumns is the column order of the trading_calendar table
var CalendarColumns = []string{"date", "market", "is_trading"}

func (d *TradingDay) TableName() string { return TableCalendar }

func (d *TradingDay) Values() []any {
	trading := 0
	if d.IsTrading {
		trading = 1
	}
	return []any{FormatDate(d.Date), d.Market, trading}
}

// GapInterval is a run of consecutive expected trading dates with no stored bar
type GapInterval struct {
	Symbol      string    `json:"symbol"`
	Frequency   string    `json:"frequency"`
	StartDate   time.Time `json:"start_date"`
	EndDate     time.Time `json:"end_date"`
	MissingDays int       `json:"missing_days"`
}
