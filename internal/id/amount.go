package id

import (
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	clierr "github.com/recallnet/base-aerodrome-agent/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// DecimalToBaseUnits converts "1.25" into base units for a token with the given
// decimals. Precision beyond the token decimals is rejected.
func DecimalToBaseUnits(decimal string, decimals int) (*big.Int, error) {
	decimal = strings.TrimSpace(decimal)
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeConfig, "decimals must be >= 0")
	}
	if !decimalPattern.MatchString(decimal) {
		return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("amount %q must be in decimal form like 1.23", decimal))
	}
	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = parts[1]
	}
	if len(fracPart) > decimals {
		return nil, clierr.New(clierr.CodeConfig, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", decimals-len(fracPart)), "0")
	if combined == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeConfig, "invalid decimal amount")
	}
	return out, nil
}

// USDToBaseUnits converts a USD figure into base units of a USD-pegged token,
// truncating to the token precision.
func USDToBaseUnits(amountUSD float64, decimals int) (*big.Int, error) {
	if math.IsNaN(amountUSD) || math.IsInf(amountUSD, 0) || amountUSD <= 0 {
		return nil, clierr.New(clierr.CodeConfig, "amount_usd must be a positive number")
	}
	raw := strconv.FormatFloat(amountUSD, 'f', -1, 64)
	if parts := strings.SplitN(raw, ".", 2); len(parts) == 2 && len(parts[1]) > decimals {
		raw = parts[0] + "." + parts[1][:decimals]
	}
	raw = strings.TrimSuffix(raw, ".")
	return DecimalToBaseUnits(raw, decimals)
}

// FormatDecimal renders base units as a trimmed decimal string.
func FormatDecimal(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	s := baseUnits.String()
	if decimals <= 0 {
		return s
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg {
		return "-" + out
	}
	return out
}
