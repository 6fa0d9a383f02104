package extract

import (
	"regexp"
	"strconv"
	"strings"
)

// pricePattern allows a leading decimal point so "$.99" stays below one.
var pricePattern = regexp.MustCompile(`\.?[0-9][0-9,]*(?:\.[0-9]+)?`)

var unknownPriceMarkers = []string{"price unknown", "see price", "unknown"}

// ParsePrice takes the first numeric run of rawPrice with thousands
// separators removed. Unparseable input yields 0.
func ParsePrice(rawPrice string) float64 {
	lower := strings.ToLower(rawPrice)
	for _, m := range unknownPriceMarkers {
		if strings.Contains(lower, m) {
			return 0
		}
	}
	match := pricePattern.FindString(rawPrice)
	if match == "" {
		return 0
	}
	v, err := strconv.ParseFloat(strings.ReplaceAll(match, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// ParseCurrency maps currency symbols and codes to ISO codes, defaulting to USD.
func ParseCurrency(rawPrice string) string {
	upper := strings.ToUpper(rawPrice)
	switch {
	case strings.ContainsAny(rawPrice, "¥￥円") || strings.Contains(upper, "JPY"):
		return "JPY"
	case strings.Contains(rawPrice, "$") || strings.Contains(upper, "USD"):
		return "USD"
	case strings.Contains(rawPrice, "€") || strings.Contains(upper, "EUR"):
		return "EUR"
	default:
		return "USD"
	}
}
