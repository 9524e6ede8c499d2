package pricing

import (
	"strings"

	"github.com/shopspring/decimal"
)

// minorUnits lists ISO 4217 currencies whose minor-unit exponent is not 2.
var minorUnits = map[string]int32{
	"JPY": 0,
	"KRW": 0,
	"VND": 0,
	"CLP": 0,
	"ISK": 0,
	"BHD": 3,
	"JOD": 3,
	"KWD": 3,
	"OMR": 3,
	"TND": 3,
}

// Exponent returns the number of decimal places used by currency.
func Exponent(currency string) int32 {
	if e, ok := minorUnits[currency]; ok {
		return e
	}
	return 2
}

// AuthorizationAmount rounds an exact total to the currency's minor unit,
// half away from zero. This is the only amount ever sent to the payment
// provider.
func AuthorizationAmount(total decimal.Decimal, currency string) decimal.Decimal {
	return total.Round(Exponent(currency))
}

// FormatAmount renders amount for display with thousands separators and
// the currency's minor-unit precision, e.g. "5,562.00 USD".
func FormatAmount(amount decimal.Decimal, currency string) string {
	fixed := amount.StringFixed(Exponent(currency))

	sign := ""
	if strings.HasPrefix(fixed, "-") {
		sign, fixed = "-", fixed[1:]
	}
	intPart, frac, hasFrac := strings.Cut(fixed, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	b.WriteByte(' ')
	b.WriteString(currency)
	return b.String()
}
