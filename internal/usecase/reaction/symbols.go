package reaction

import (
	"fmt"
	"strconv"
	"strings"

	"promptbot/internal/domain"
)

// keycapSuffix turns an ASCII digit into its keycap emoji: variation selector-16
// followed by the combining enclosing keycap.
const keycapSuffix = "️⃣"

var digitSymbols = [10]string{
	"0" + keycapSuffix,
	"1" + keycapSuffix,
	"2" + keycapSuffix,
	"3" + keycapSuffix,
	"4" + keycapSuffix,
	"5" + keycapSuffix,
	"6" + keycapSuffix,
	"7" + keycapSuffix,
	"8" + keycapSuffix,
	"9" + keycapSuffix,
}

// NumberToSymbol renders n as a sequence of keycap digit symbols, e.g. 12 -> 1️⃣2️⃣.
func NumberToSymbol(n uint64) string {
	digits := strconv.FormatUint(n, 10)
	var b strings.Builder
	b.Grow(len(digits) * len(digitSymbols[0]))
	for i := 0; i < len(digits); i++ {
		b.WriteString(digitSymbols[digits[i]-'0'])
	}
	return b.String()
}

// SymbolToDigits maps a keycap symbol sequence back to its decimal digit string.
func SymbolToDigits(symbol string) (string, error) {
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", domain.ErrInvalidInput)
	}
	var digits strings.Builder
	rest := symbol
	for rest != "" {
		d := rest[0]
		if d < '0' || d > '9' || !strings.HasPrefix(rest[1:], keycapSuffix) {
			return "", fmt.Errorf("%w: %q is not a keycap digit sequence", domain.ErrInvalidInput, symbol)
		}
		digits.WriteByte(d)
		rest = rest[1+len(keycapSuffix):]
	}
	return digits.String(), nil
}

// SymbolToNumber is the inverse of NumberToSymbol.
func SymbolToNumber(symbol string) (uint64, error) {
	digits, err := SymbolToDigits(symbol)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return n, nil
}

// Itemize assigns each item the symbol for its 1-based position.
func Itemize(items []string) domain.ReactionMap {
	rm := domain.NewReactionMap()
	for i, item := range items {
		rm.Set(NumberToSymbol(uint64(i+1)), item)
	}
	return rm
}
