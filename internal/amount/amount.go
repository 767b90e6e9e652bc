// Package amount parses the currency strings the dashboard renders into order
// rows. The listing mixes locales: the same column may show "RUB -10,000.00"
// (comma thousands, dot decimal) or "RUB 1 500,50" (space/dot thousands,
// comma decimal) depending on the deployment.
package amount

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Parse extracts a non-negative decimal from a currency-labelled string.
// Returns nil when the string carries no parseable number; the caller treats
// that as "unknown amount", never as an error.
func Parse(title string) *decimal.Decimal {
	var sb strings.Builder
	for _, r := range title {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == ' ' {
			sb.WriteRune(r)
		}
	}
	numeric := strings.TrimSpace(sb.String())
	if numeric == "" {
		return nil
	}

	lastComma := strings.LastIndexByte(numeric, ',')
	lastDot := strings.LastIndexByte(numeric, '.')
	if lastDot > lastComma {
		// US style: comma and space are thousands separators.
		numeric = strings.ReplaceAll(numeric, ",", "")
		numeric = strings.ReplaceAll(numeric, " ", "")
	} else {
		// EU/RU style: dot and space are thousands separators, comma is the
		// decimal mark.
		numeric = strings.ReplaceAll(numeric, ".", "")
		numeric = strings.ReplaceAll(numeric, " ", "")
		numeric = strings.ReplaceAll(numeric, ",", ".")
	}

	d, err := decimal.NewFromString(numeric)
	if err != nil {
		return nil
	}
	// The sign marks debit/credit on the dashboard and is meaningless to the
	// amount filter.
	d = d.Abs()
	return &d
}
