// Package units converts between whole-token (ETH) decimal strings and wei.
//
// Threshold comparison happens in wei, so the ETH -> wei direction must be
// exact: "100.000000000000000001" and "100" are different thresholds. All
// arithmetic is integer decimal shifting; floating point never touches a
// value on its way to a comparison.
package units

import (
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the scale of the native token: 1 ETH = 10^18 wei.
const EtherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(EtherDecimals), nil)

// ParseEther converts a decimal ETH string ("100", "0.5", "99.999") into wei.
//
// Rules:
//   - optional single '.' separating integer and fractional digits
//   - at most 18 fractional digits (wei has no sub-unit)
//   - no sign, no exponent, no grouping separators
//
// Returns an error for anything else, including the empty string.
func ParseEther(s string) (*big.Int, error) {
	intPart, fracPart, err := splitDecimal(s)
	if err != nil {
		return nil, err
	}

	wei, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid ETH amount %q", s)
	}
	wei.Mul(wei, weiPerEther)

	if fracPart != "" {
		// Right-pad the fraction to 18 digits so "5" means 0.5 ETH exactly.
		padded := fracPart + strings.Repeat("0", EtherDecimals-len(fracPart))
		frac, ok := new(big.Int).SetString(padded, 10)
		if !ok {
			return nil, fmt.Errorf("invalid ETH amount %q", s)
		}
		wei.Add(wei, frac)
	}

	return wei, nil
}

// FormatEther renders a wei amount as a decimal ETH string with trailing
// zeros trimmed: 1500000000000000000 -> "1.5", 2 * 10^18 -> "2".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	quo, rem := new(big.Int).QuoRem(wei, weiPerEther, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}

	frac := fmt.Sprintf("%0*s", EtherDecimals, rem.String())
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}

func splitDecimal(s string) (intPart, fracPart string, err error) {
	if s == "" {
		return "", "", fmt.Errorf("empty ETH amount")
	}

	intPart = s
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return "", "", fmt.Errorf("invalid ETH amount %q", s)
		}
	}
	if intPart == "" && fracPart == "" {
		return "", "", fmt.Errorf("invalid ETH amount %q", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > EtherDecimals {
		return "", "", fmt.Errorf("ETH amount %q has more than %d fractional digits", s, EtherDecimals)
	}
	for _, part := range []string{intPart, fracPart} {
		for _, c := range part {
			if c < '0' || c > '9' {
				return "", "", fmt.Errorf("invalid ETH amount %q", s)
			}
		}
	}
	return intPart, fracPart, nil
}
