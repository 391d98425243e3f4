// Package rates handles Brazilian-localized number parsing, BRL/USDT
// conversion math and the message formatting for amounts and rates.
package rates

import (
	"errors"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNonPositiveRate = errors.New("rate must be positive")
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrNotANumber      = errors.New("not a parseable number")
)

// thousandSuffix multiplies the parsed value when the token carries a
// shorthand like "100k" or "100 mil".
var thousandSuffix = decimal.NewFromInt(1000)

var (
	// Number optionally glued to a k/mil shorthand, e.g. "1.234,56", "100k",
	// "1,5 mil".
	bareNumberPattern = regexp.MustCompile(`(?i)^\s*([0-9][0-9.,]*)\s*(k|mil)?\s*$`)

	brlBeforePattern  = regexp.MustCompile(`(?i)r\$\s*([0-9][0-9.,]*)\s*(k|mil)?`)
	brlAfterPattern   = regexp.MustCompile(`(?i)\b([0-9][0-9.,]*)\s*(k|mil)?\s*(?:reais|real|brl)\b`)
	usdtAfterPattern  = regexp.MustCompile(`(?i)\b([0-9][0-9.,]*)\s*(k|mil)?\s*(?:usdt|usd|d[óo]lares|d[óo]lar|tether)\b`)
	usdtBeforePattern = regexp.MustCompile(`(?i)\b(?:usdt|usd|tether)\s*([0-9][0-9.,]*)\s*(k|mil)?`)

	looseNumberPattern = regexp.MustCompile(`(?i)(?:^|\s)([0-9][0-9.,]*)\s*(k|mil)?`)
)

// ParseLocalizedNumber parses a number written the way Brazilian clients
// type them: dot as thousands separator, comma as decimal separator.
// When both separators appear the one further right wins as the decimal
// mark, so "1.234,56" and "1,234.56" both come out as 1234.56. A lone
// dot followed by exactly three digits is read as grouping ("1.234" is
// one thousand two hundred thirty four); any other lone dot is a decimal
// point.
func ParseLocalizedNumber(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrNotANumber
	}

	multiplier := decimal.NewFromInt(1)
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "mil"):
		s = strings.TrimSpace(s[:len(s)-3])
		multiplier = thousandSuffix
	case strings.HasSuffix(lower, "k"):
		s = strings.TrimSpace(s[:len(s)-1])
		multiplier = thousandSuffix
	}
	if s == "" {
		return decimal.Zero, ErrNotANumber
	}

	normalized, err := normalizeSeparators(s)
	if err != nil {
		return decimal.Zero, err
	}
	value, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, ErrNotANumber
	}
	return value.Mul(multiplier), nil
}

func normalizeSeparators(s string) (string, error) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			// "1.234,56": dots group, comma is the decimal mark.
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			// "1,234.56": commas group, dot is the decimal mark.
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") > 1 {
			return "", ErrNotANumber
		}
		s = strings.Replace(s, ",", ".", 1)
	case lastDot >= 0:
		if strings.Count(s, ".") > 1 {
			// "12.345.678" is pure grouping.
			if !groupedByDots(s) {
				return "", ErrNotANumber
			}
			s = strings.ReplaceAll(s, ".", "")
		} else if len(s)-lastDot-1 == 3 {
			// "1.234" reads as one thousand in the Brazilian convention.
			s = strings.ReplaceAll(s, ".", "")
		}
	}
	return s, nil
}

// groupedByDots reports whether every dot-separated segment after the first
// has exactly three digits, i.e. the dots are thousands separators.
func groupedByDots(s string) bool {
	parts := strings.Split(s, ".")
	for i, p := range parts {
		if p == "" {
			return false
		}
		if i > 0 && len(p) != 3 {
			return false
		}
	}
	return true
}

// BareNumber reports whether the whole text is a single number token,
// optionally with a thousands shorthand, and returns its value. This is
// what makes "500" on its own line quotable without any currency marker.
func BareNumber(text string) (decimal.Decimal, bool) {
	m := bareNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	token := m[1]
	if m[2] != "" {
		token += m[2]
	}
	value, err := ParseLocalizedNumber(token)
	if err != nil || !value.IsPositive() {
		return decimal.Zero, false
	}
	return value, true
}

// ExtractBRLAmount finds an amount marked as BRL ("R$ 5.000", "5000 reais")
// anywhere in the text.
func ExtractBRLAmount(text string) (decimal.Decimal, bool) {
	return extractAmount(text, brlBeforePattern, brlAfterPattern)
}

// ExtractUSDTAmount finds an amount marked as USDT/USD ("50k usdt",
// "usdt 50.000") anywhere in the text.
func ExtractUSDTAmount(text string) (decimal.Decimal, bool) {
	return extractAmount(text, usdtAfterPattern, usdtBeforePattern)
}

// ExtractNumber finds the first number inside free text regardless of any
// currency marker, e.g. the 5000 in "compro 5000". Callers should try the
// marked extractors first; this is the fallback that powers calculator
// style messages.
func ExtractNumber(text string) (decimal.Decimal, bool) {
	m := looseNumberPattern.FindStringSubmatch(text)
	if m == nil {
		return decimal.Zero, false
	}
	token := strings.TrimRight(m[1], ".,")
	if m[2] != "" {
		token += m[2]
	}
	value, err := ParseLocalizedNumber(token)
	if err != nil || !value.IsPositive() {
		return decimal.Zero, false
	}
	return value, true
}

func extractAmount(text string, patterns ...*regexp.Regexp) (decimal.Decimal, bool) {
	for _, pattern := range patterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		token := m[1]
		if len(m) > 2 && m[2] != "" {
			token += m[2]
		}
		value, err := ParseLocalizedNumber(token)
		if err != nil || !value.IsPositive() {
			continue
		}
		return value, true
	}
	return decimal.Zero, false
}

// BRLToUSDT converts a BRL amount at the given BRL-per-USDT rate, rounded
// to centavos-equivalent precision.
func BRLToUSDT(amountBRL, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	if amountBRL.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amountBRL.DivRound(rate, 2), nil
}

// USDTToBRL converts a USDT amount at the given BRL-per-USDT rate.
func USDTToBRL(amountUSDT, rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, ErrNonPositiveRate
	}
	if amountUSDT.IsNegative() {
		return decimal.Zero, ErrNegativeAmount
	}
	return amountUSDT.Mul(rate).Round(2), nil
}

// FormatBRL renders an amount as "R$ 1.234,56", always two decimals.
func FormatBRL(amount decimal.Decimal) string {
	return "R$ " + localizeFixed(amount, 2)
}

// FormatUSDT renders an amount as "1.234,56 USDT", trimming a ",00" tail
// so round figures stay clean.
func FormatUSDT(amount decimal.Decimal) string {
	s := localizeFixed(amount, 2)
	s = strings.TrimSuffix(s, ",00")
	return s + " USDT"
}

// FormatRate renders an exchange rate with four decimals, e.g. "5,8500".
func FormatRate(rate decimal.Decimal) string {
	return localizeFixed(rate, 4)
}

// localizeFixed renders with the given decimals, dot-grouped integer part
// and comma decimal mark.
func localizeFixed(value decimal.Decimal, places int32) string {
	fixed := value.StringFixed(places)

	negative := strings.HasPrefix(fixed, "-")
	if negative {
		fixed = fixed[1:]
	}
	intPart := fixed
	fracPart := ""
	if i := strings.Index(fixed, "."); i >= 0 {
		intPart, fracPart = fixed[:i], fixed[i+1:]
	}

	var b strings.Builder
	if negative {
		b.WriteByte('-')
	}
	for i, digit := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(digit)
	}
	if fracPart != "" {
		b.WriteByte(',')
		b.WriteString(fracPart)
	}
	return b.String()
}
