package interval

import (
	"strings"

	"fundingflow/internal/symbols"
	"fundingflow/models"
)

// Classifier assigns an interval to an instrument when no timing data is
// available. Implementations must be deterministic and return one of 1, 2,
// 4 or 8.
type Classifier interface {
	Classify(inst models.Instrument) int
}

// Set is an immutable set of upper-case asset names.
type Set struct {
	items map[string]struct{}
}

// NewSet builds a set from the given names.
func NewSet(names ...string) Set {
	items := make(map[string]struct{}, len(names))
	for _, n := range names {
		items[strings.ToUpper(n)] = struct{}{}
	}
	return Set{items: items}
}

// Contains reports whether name is in the set.
func (s Set) Contains(name string) bool {
	_, ok := s.items[strings.ToUpper(name)]
	return ok
}

// Len returns the number of names in the set.
func (s Set) Len() int {
	return len(s.items)
}

// Patterns is an immutable list of upper-case substrings.
type Patterns struct {
	items []string
}

// NewPatterns copies the given substrings.
func NewPatterns(subs ...string) Patterns {
	items := make([]string, 0, len(subs))
	for _, p := range subs {
		if p = strings.ToUpper(p); p != "" {
			items = append(items, p)
		}
	}
	return Patterns{items: items}
}

// Match reports whether name contains any of the substrings.
func (p Patterns) Match(name string) bool {
	name = strings.ToUpper(name)
	for _, sub := range p.items {
		if strings.Contains(name, sub) {
			return true
		}
	}
	return false
}

func (p Patterns) Len() int {
	return len(p.items)
}

// StaticClassifier buckets instruments using fixed name lists.
type StaticClassifier struct {
	HighFrequency Set
	Major         Set
	MemePatterns  Patterns
	// LongName is the base-asset length above which the 2h bucket is used.
	LongName int
}

// DefaultHighFrequency lists assets that settle hourly on most venues.
var DefaultHighFrequency = NewSet(
	"TRUMP", "MELANIA", "PNUT", "ACT", "MOODENG", "GOAT", "NEIRO", "TURBO",
	"BOME", "WIF", "POPCAT", "MEW", "BRETT", "SPX", "FARTCOIN", "AI16Z",
)

// DefaultMajor lists established assets on the classic 8h schedule.
var DefaultMajor = NewSet(
	"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "LTC", "BCH", "LINK",
	"DOT", "AVAX", "TRX", "ETC", "XLM", "ATOM", "UNI", "FIL", "NEAR", "MATIC",
	"POL", "APT", "ARB", "OP", "SUI", "TON", "AAVE", "ICP",
)

// DefaultMemePatterns are substrings typical of volatile meme assets.
var DefaultMemePatterns = NewPatterns(
	"PEPE", "SHIB", "BONK", "FLOKI", "MEME", "INU", "WOJAK", "BABY", "ELON", "FROG", "MOON", "CAT",
)

// DefaultClassifier returns the built-in static classifier.
func DefaultClassifier() *StaticClassifier {
	return &StaticClassifier{
		HighFrequency: DefaultHighFrequency,
		Major:         DefaultMajor,
		MemePatterns:  DefaultMemePatterns,
		LongName:      6,
	}
}

// Classify implements Classifier.
func (c *StaticClassifier) Classify(inst models.Instrument) int {
	base := strings.ToUpper(inst.Symbol)
	if base == "" {
		base = strings.ToUpper(inst.SourceSymbol)
	}

	if c.HighFrequency.Contains(base) || c.MemePatterns.Match(base) {
		return 1
	}
	if c.Major.Contains(base) || symbols.HasMultiplier(inst.SourceSymbol) {
		return 8
	}
	if c.LongName > 0 && len(base) > c.LongName {
		return 2
	}
	return 4
}
