package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Watchlist narrows the instrument universe to a set of canonical symbols.
// An empty Include keeps every symbol; Exclude always wins.
type Watchlist struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	include map[string]struct{}
	exclude map[string]struct{}
}

// LoadWatchlist reads a watchlist file.
func LoadWatchlist(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watchlist file: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to parse watchlist file: %w", err)
	}
	wl.index()
	return &wl, nil
}

// NewWatchlist builds a watchlist in code.
func NewWatchlist(include, exclude []string) *Watchlist {
	wl := &Watchlist{Include: include, Exclude: exclude}
	wl.index()
	return wl
}

func (w *Watchlist) index() {
	w.include = toSet(w.Include)
	w.exclude = toSet(w.Exclude)
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, s := range items {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Allows reports whether the canonical symbol passes the watchlist. A nil
// watchlist allows everything.
func (w *Watchlist) Allows(symbol string) bool {
	if w == nil {
		return true
	}
	symbol = strings.ToUpper(symbol)
	if _, ok := w.exclude[symbol]; ok {
		return false
	}
	if len(w.include) == 0 {
		return true
	}
	_, ok := w.include[symbol]
	return ok
}
