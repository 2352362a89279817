package ledger

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// TokenDecimals — точность токена леджера.
const TokenDecimals int32 = 18

// ToBaseUnits converts a decimal token amount ("10", "0.5") to integer base units.
func ToBaseUnits(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("invalid amount %q: negative", amount)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("invalid amount %q: more than %d decimals", amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits renders base units as a trimmed decimal string.
func FormatUnits(v *big.Int, decimals int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).String()
}

// parseBaseUnits parses a non-negative integer string as sent by the backend.
func parseBaseUnits(s string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}
