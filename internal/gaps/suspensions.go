package gaps

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/market-sync/pkg/models"
	"gopkg.in/yaml.v3"
)

// suspensionsFile is the YAML layout of SYNC_SUSPENSIONS_FILE:
//
//	suspensions:
//	  - symbol: 000001.SZ
//	    start: 2023-06-01
//	    end: 2023-06-30
//	    reason: restructuring
type suspensionsFile struct {
	Suspensions []struct {
		Symbol string `yaml:"symbol"`
		Start  string `yaml:"start"`
		End    string `yaml:"end"`
		Reason string `yaml:"reason,omitempty"`
	} `yaml:"suspensions"`
}

// Window is a closed date range during which a symbol did not trade
type Window struct {
	Start  time.Time
	End    time.Time
	Reason string
}

// Contains reports whether d falls inside the window
func (w Window) Contains(d time.Time) bool {
	return !d.Before(w.Start) && !d.After(w.End)
}

// Suspensions holds trading suspension windows by symbol. The zero value
// and a nil pointer hold none.
type Suspensions struct {
	bySymbol map[string][]Window
}

// NewSuspensions creates an empty set
func NewSuspensions() *Suspensions {
	return &Suspensions{bySymbol: make(map[string][]Window)}
}

// LoadSuspensions reads suspension windows from a YAML file. An empty path
// yields an empty set.
func LoadSuspensions(path string) (*Suspensions, error) {
	s := NewSuspensions()
	if path == "" {
		return s, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suspensions file: %w", err)
	}
	var file suspensionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse suspensions file: %w", err)
	}

	for i, entry := range file.Suspensions {
		start, err := models.ParseDate(entry.Start)
		if err != nil {
			return nil, fmt.Errorf("suspension %d: %w", i, err)
		}
		end, err := models.ParseDate(entry.End)
		if err != nil {
			return nil, fmt.Errorf("suspension %d: %w", i, err)
		}
		if entry.Symbol == "" {
			return nil, fmt.Errorf("suspension %d: missing symbol", i)
		}
		if end.Before(start) {
			return nil, fmt.Errorf("suspension %d: end %s before start %s", i, entry.End, entry.Start)
		}
		s.Add(entry.Symbol, Window{Start: start, End: end, Reason: entry.Reason})
	}
	return s, nil
}

// Add registers a window for symbol
func (s *Suspensions) Add(symbol string, w Window) {
	if s.bySymbol == nil {
		s.bySymbol = make(map[string][]Window)
	}
	list := append(s.bySymbol[symbol], w)
	sort.Slice(list, func(i, j int) bool { return list[i].Start.Before(list[j].Start) })
	s.bySymbol[symbol] = list
}

// Suspended reports whether symbol was suspended on d
func (s *Suspensions) Suspended(symbol string, d time.Time) bool {
	if s == nil {
		return false
	}
	for _, w := range s.bySymbol[symbol] {
		if w.Contains(d) {
			return true
		}
	}
	return false
}

// Covers reports whether a single window spans all of [start, end]
func (s *Suspensions) Covers(symbol string, start, end time.Time) bool {
	if s == nil {
		return false
	}
	for _, w := range s.bySymbol[symbol] {
		if w.Contains(start) && w.Contains(end) {
			return true
		}
	}
	return false
}

// Len returns the number of windows
func (s *Suspensions) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, list := range s.bySymbol {
		n += len(list)
	}
	return n
}
