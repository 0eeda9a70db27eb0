// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount   = errors.New("amount must not be negative")
	ErrInexactAmount    = errors.New("amount has more fractional digits than the token precision")
	ErrAmountOutOfRange = errors.New("amount exceeds the uint256 range at token precision")
)

// maxBaseUnits is 2^256-1, the largest ledger amount.
var maxBaseUnits = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// maxBaseUnitDigits is the decimal length of maxBaseUnits.
const maxBaseUnitDigits = 78

// MaxDecimals bounds Precision so that 10^Decimals fits the uint256 range
// used by ERC20 amounts.
const MaxDecimals = 77

// Precision is the token's scaling exponent. Ledger amounts are integers
// scaled by 10^Decimals; display amounts are decimals.
type Precision struct {
	Decimals int32
}

// Standard precisions
var (
	EtherPrecision = Precision{Decimals: 18}
	USDCPrecision  = Precision{Decimals: 6}
)

func NewPrecision(decimals int32) (Precision, error) {
	if decimals < 0 || decimals > MaxDecimals {
		return Precision{}, fmt.Errorf("precision %d out of range [0, %d]", decimals, MaxDecimals)
	}
	return Precision{Decimals: decimals}, nil
}

// Scale returns 10^Decimals.
func (p Precision) Scale() *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(p.Decimals)), nil)
}

// ToBaseUnits converts a display amount into the ledger's integer form.
// The conversion is exact or it fails: negative input is rejected rather
// than having its sign dropped, and digits beyond the precision are never
// truncated.
func (p Precision) ToBaseUnits(amount decimal.Decimal) (*big.Int, error) {
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}

	// Bound the scaled value by coefficient length and exponent before
	// anything is expanded; 1e30000000 must not allocate its digits.
	digits := int64(len(amount.Coefficient().Text(10)))
	exp := int64(amount.Exponent()) + int64(p.Decimals)
	switch {
	case digits+exp > maxBaseUnitDigits:
		return nil, ErrAmountOutOfRange
	case exp < 0 && -exp >= digits:
		return nil, ErrInexactAmount
	}

	shifted := amount.Shift(p.Decimals)
	if !shifted.IsInteger() {
		return nil, ErrInexactAmount
	}

	raw := shifted.BigInt()
	if raw.Cmp(maxBaseUnits) > 0 {
		return nil, ErrAmountOutOfRange
	}
	return raw, nil
}

// MaxBaseUnits returns 2^256-1.
func MaxBaseUnits() *big.Int {
	return new(big.Int).Set(maxBaseUnits)
}

// FromBaseUnits converts a ledger integer into its exact display value.
func (p Precision) FromBaseUnits(raw *big.Int) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -p.Decimals)
}

// RoundTrips reports whether amount survives ToBaseUnits -> FromBaseUnits unchanged.
func (p Precision) RoundTrips(amount decimal.Decimal) bool {
	raw, err := p.ToBaseUnits(amount)
	if err != nil {
		return false
	}
	return p.FromBaseUnits(raw).Equal(amount)
}

type RoundingMode int

const (
	RoundDown     RoundingMode = iota // Toward zero (display default)
	RoundHalfEven                     // Banker's rounding
	RoundUp
)

// Format renders raw with a fixed number of fractional digits.
func (p Precision) Format(raw *big.Int, places int32, mode RoundingMode) string {
	d := p.FromBaseUnits(raw)

	switch mode {
	case RoundHalfEven:
		d = d.RoundBank(places)
	case RoundUp:
		d = d.RoundUp(places)
	default:
		d = d.RoundDown(places)
	}

	return d.StringFixed(places)
}

// FormatUnits renders raw at full precision with trailing zeros trimmed.
func (p Precision) FormatUnits(raw *big.Int) string {
	return p.FromBaseUnits(raw).String()
}

// AmountString renders d for logs and events. Extreme exponents are kept
// in scientific form instead of being expanded.
func AmountString(d decimal.Decimal) string {
	if e := d.Exponent(); e > -displayExponentBound && e < displayExponentBound {
		return d.String()
	}
	return d.Coefficient().String() + "e" + strconv.Itoa(int(d.Exponent()))
}

const displayExponentBound = 128

// ParseAmount parses a user-entered display amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("parse amount: empty input")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}
