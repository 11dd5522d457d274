package domain

import (
	"fmt"
	"strings"
)

const maxTickerLength = 16

// Ticker is a case-normalised, whitelisted instrument symbol.
// Invariant: uppercase, non-empty, bounded length (spec.md §3).
type Ticker struct {
	value string
}

// NewTicker validates and normalises raw into a Ticker.
func NewTicker(raw string) (Ticker, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ticker{}, NewError(KindValidation, "NewTicker", fmt.Errorf("empty ticker"))
	}
	upper := strings.ToUpper(trimmed)
	if len(upper) > maxTickerLength {
		return Ticker{}, NewError(KindValidation, "NewTicker", fmt.Errorf("ticker %q exceeds max length %d", upper, maxTickerLength))
	}
	for _, r := range upper {
		if !isTickerRune(r) {
			return Ticker{}, NewError(KindValidation, "NewTicker", fmt.Errorf("ticker %q contains invalid character %q", upper, r))
		}
	}
	return Ticker{value: upper}, nil
}

// MustTicker is NewTicker but panics on error; only for tests/constants.
func MustTicker(raw string) Ticker {
	t, err := NewTicker(raw)
	if err != nil {
		panic(err)
	}
	return t
}

func isTickerRune(r rune) bool {
	switch {
	case r >= 'A' && r <= 'Z':
		return true
	case r >= '0' && r <= '9':
		return true
	case r == '.' || r == '-' || r == '_':
		return true
	default:
		return false
	}
}

func (t Ticker) String() string { return t.value }
func (t Ticker) IsZero() bool   { return t.value == "" }

func (t Ticker) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.value + `"`), nil
}

func (t *Ticker) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := NewTicker(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
