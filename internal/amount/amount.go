// Package amount compares on-chain raw token values with human decimal amounts.
package amount

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MatchPrecision is the number of fractional digits both sides are rounded to.
const MatchPrecision = 6

// Candidate decimal conventions tried by Matches.
var candidateDecimals = []int32{18, 6}

// ErrInvalidAmount is returned for amounts that are not positive decimals
// representable in the token's precision.
var ErrInvalidAmount = errors.New("invalid amount")

// Scale converts a raw integer value to a decimal with the given number of fractional digits.
func Scale(valueRaw *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(valueRaw, -decimals)
}

// Matches reports whether valueRaw equals amount under either the 18- or the
// 6-decimal interpretation. The amount is rounded to MatchPrecision digits and compared
// exactly, so a raw value carrying dust below 10^-6 never matches. Unparseable
// amounts never match.
func Matches(valueRaw *big.Int, amount string) bool {
	if valueRaw == nil {
		return false
	}
	want, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return false
	}
	want = want.Round(MatchPrecision)

	for _, d := range candidateDecimals {
		if Scale(valueRaw, d).Equal(want) {
			return true
		}
	}
	return false
}

// ToRaw converts a positive decimal amount into raw units of a token with
// the given decimals. Amounts with more fractional digits than the token
// supports are rejected rather than truncated.
func ToRaw(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAmount, "parse %q", amount)
	}
	if !d.IsPositive() {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q is not positive", amount)
	}

	raw := d.Shift(decimals)
	if !raw.Equal(raw.Truncate(0)) {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q has more than %d fractional digits", amount, decimals)
	}
	return raw.BigInt(), nil
}

// FromRaw formats a raw value as a decimal string with the token's decimals.
func FromRaw(valueRaw *big.Int, decimals int32) string {
	return Scale(valueRaw, decimals).String()
}
