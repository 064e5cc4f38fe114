package solana

import (
	"bytes"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// USDC constants
const (
	USDC_DECIMALS   = 6
	USDC_MULTIPLIER = 1_000_000 // 10^6

	bpsDenominator = 10_000
)

// USDCAmount represents a USDC amount in its smallest unit
type USDCAmount struct {
	Value *big.Int
}

// NewUSDCAmount creates a new USDC amount from a float
func NewUSDCAmount(amount float64) (*USDCAmount, error) {
	// Format with 6 decimal places to avoid floating point issues
	return ParseUSDCAmount(fmt.Sprintf("%.6f", amount))
}

// NewUSDCAmountFromSmallest wraps a micro-USDC integer.
func NewUSDCAmountFromSmallest(units int64) *USDCAmount {
	return &USDCAmount{Value: big.NewInt(units)}
}

// ParseUSDCAmount parses a decimal string such as "100", "95.5" or "0.000001".
// More than six fractional digits is an error rather than a silent truncation.
func ParseUSDCAmount(s string) (*USDCAmount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("invalid amount format")
	}
	neg := false
	if strings.HasPrefix(s, "-") {
		neg = true
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > USDC_DECIMALS {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", s, USDC_DECIMALS)
	}
	frac += strings.Repeat("0", USDC_DECIMALS-len(frac))
	value, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount format: %q", s)
	}
	if neg {
		value.Neg(value)
	}
	return &USDCAmount{Value: value}, nil
}

// ToSmallestUnit returns the amount in micro-USDC
func (a *USDCAmount) ToSmallestUnit() *big.Int {
	return a.Value
}

// ToUSDC returns the amount as a float64 (for display only)
func (a *USDCAmount) ToUSDC() float64 {
	result, _ := strconv.ParseFloat(a.String(), 64)
	return result
}

// String renders the amount with at least two and at most six decimals.
func (a *USDCAmount) String() string {
	if a == nil || a.Value == nil {
		return "0.00"
	}
	abs := new(big.Int).Abs(a.Value)
	str := abs.String()
	if len(str) <= USDC_DECIMALS {
		str = strings.Repeat("0", USDC_DECIMALS-len(str)+1) + str
	}
	whole := str[:len(str)-USDC_DECIMALS]
	decimal := strings.TrimRight(str[len(str)-USDC_DECIMALS:], "0")
	for len(decimal) < 2 {
		decimal += "0"
	}
	sign := ""
	if a.Value.Sign() < 0 {
		sign = "-"
	}
	return sign + whole + "." + decimal
}

// Int64 returns the micro-USDC value for storage.
func (a *USDCAmount) Int64() int64 {
	if a == nil || a.Value == nil {
		return 0
	}
	return a.Value.Int64()
}

// Zero returns a new USDCAmount with value 0
func Zero() *USDCAmount {
	return &USDCAmount{Value: new(big.Int)}
}

// Add adds two USDC amounts
func (a *USDCAmount) Add(b *USDCAmount) *USDCAmount {
	if a == nil || b == nil {
		return nil
	}
	result := new(big.Int)
	result.Add(a.Value, b.Value)
	return &USDCAmount{Value: result}
}

// Sub subtracts two USDC amounts
func (a *USDCAmount) Sub(b *USDCAmount) *USDCAmount {
	if a == nil || b == nil {
		return nil
	}
	result := new(big.Int)
	result.Sub(a.Value, b.Value)
	return &USDCAmount{Value: result}
}

// BasisPoints returns bps/10000 of the amount, rounded down to the smallest unit.
func (a *USDCAmount) BasisPoints(bps int64) *USDCAmount {
	if a == nil || a.Value == nil {
		return Zero()
	}
	result := new(big.Int).Mul(a.Value, big.NewInt(bps))
	result.Quo(result, big.NewInt(bpsDenominator))
	return &USDCAmount{Value: result}
}

// Cmp compares two USDC amounts
func (a *USDCAmount) Cmp(b *USDCAmount) int {
	if a == nil || b == nil {
		return 0
	}
	return a.Value.Cmp(b.Value)
}

// Copy returns an independent copy of the amount.
func (a *USDCAmount) Copy() *USDCAmount {
	if a == nil || a.Value == nil {
		return nil
	}
	return &USDCAmount{Value: new(big.Int).Set(a.Value)}
}

// IsZero returns true if the amount is zero
func (a *USDCAmount) IsZero() bool {
	if a == nil || a.Value == nil {
		return true
	}
	return a.Value.Sign() == 0
}

// IsNegative returns true if the amount is negative
func (a *USDCAmount) IsNegative() bool {
	if a == nil || a.Value == nil {
		return false
	}
	return a.Value.Sign() < 0
}

// IsPositive returns true if the amount is positive
func (a *USDCAmount) IsPositive() bool {
	if a == nil || a.Value == nil {
		return false
	}
	return a.Value.Sign() > 0
}

// MarshalJSON renders the amount as a JSON number in USDC.
func (a *USDCAmount) MarshalJSON() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalJSON accepts a JSON number or a quoted decimal string.
func (a *USDCAmount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	parsed, err := ParseUSDCAmount(strings.Trim(string(b), `"`))
	if err != nil {
		return err
	}
	a.Value = parsed.Value
	return nil
}
