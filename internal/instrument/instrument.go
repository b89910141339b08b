// Package instrument handles validation of instrument listings and derives
// the opening reserves of their liquidity pools.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jackhts4/gmgn-clone/internal/model"
)

// idRegex matches instrument ids: token mint addresses (base58) or short
// lowercase slugs. Example: 7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU
var idRegex = regexp.MustCompile(`^([1-9A-HJ-NP-Za-km-z]{32,44}|[a-z0-9][a-z0-9_-]{1,31})$`)

// symbolRegex matches display symbols: 2-10 upper-case letters or digits.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)

var (
	ErrInvalidID     = errors.New("instrument: invalid id")
	ErrInvalidSymbol = errors.New("instrument: invalid symbol")
)

// Listing is a request to register an instrument with an opening pool.
type Listing struct {
	ID           string          `json:"id"`
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name"`
	QuoteReserve decimal.Decimal `json:"quote_reserve"`
	BaseReserve  decimal.Decimal `json:"base_reserve"`
	TotalSupply  decimal.Decimal `json:"total_supply"` // defaults to the base reserve
	// OpeningPrice, when set and BaseReserve is zero, derives the base
	// reserve as QuoteReserve / OpeningPrice.
	OpeningPrice decimal.Decimal `json:"opening_price"`
}

// Parse validates a listing and returns the registry entry and opening pool.
func Parse(l Listing, now time.Time) (*model.Instrument, *model.Pool, error) {
	if !idRegex.MatchString(l.ID) {
		return nil, nil, fmt.Errorf("%w: %q (expected base58 address or lowercase slug)", ErrInvalidID, l.ID)
	}

	symbol := strings.ToUpper(strings.TrimSpace(l.Symbol))
	if !symbolRegex.MatchString(symbol) {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidSymbol, l.Symbol)
	}

	base, err := OpeningBaseReserve(l.QuoteReserve, l.BaseReserve, l.OpeningPrice)
	if err != nil {
		return nil, nil, err
	}

	supply := l.TotalSupply
	switch {
	case supply.IsNegative():
		return nil, nil, fmt.Errorf("%w: total supply must not be negative", model.ErrInvalidAmount)
	case supply.IsZero():
		supply = base
	case supply.LessThan(base):
		return nil, nil, fmt.Errorf("%w: total supply %s below base reserve %s", model.ErrInvalidAmount, supply, base)
	}

	name := strings.TrimSpace(l.Name)
	if name == "" {
		name = symbol
	}

	inst := &model.Instrument{
		ID:          l.ID,
		Symbol:      symbol,
		Name:        name,
		TotalSupply: supply,
		CreatedAt:   now,
	}
	pool := &model.Pool{
		InstrumentID: l.ID,
		QuoteReserve: l.QuoteReserve,
		BaseReserve:  base,
		UpdatedAt:    now,
	}
	return inst, pool, nil
}

// OpeningBaseReserve returns the base reserve for a new pool. An explicit
// base reserve wins; otherwise it is derived from the opening price.
func OpeningBaseReserve(quoteReserve, baseReserve, openingPrice decimal.Decimal) (decimal.Decimal, error) {
	if !quoteReserve.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: quote reserve must be positive", model.ErrInvalidAmount)
	}
	if baseReserve.IsPositive() {
		return baseReserve, nil
	}
	if !baseReserve.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: base reserve must be positive", model.ErrInvalidAmount)
	}
	if !openingPrice.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: base reserve or opening price required", model.ErrInvalidAmount)
	}
	return quoteReserve.Div(openingPrice), nil
}
