package symbols

import "strings"

// seriesAliases maps bare listing symbols to their series-qualified canonical
// form. NSE equities trade in the EQ series, so the bare symbol and the
// series-suffixed one are the same instrument. Alias targets are never
// themselves alias keys, which keeps Normalize idempotent.
var seriesAliases = map[string]string{
	"RELIANCE": "RELIANCEEQ",
	"TCS":      "TCSEQ",
	"INFY":     "INFYEQ",
	"HDFCBANK": "HDFCBANKEQ",
	"SBIN":     "SBINEQ",
	"ITC":      "ITCEQ",
}

var separators = strings.NewReplacer("/", "", "-", "", "_", "", " ", "")

// Normalize maps a raw symbol string to its canonical identity. Known
// separator characters are stripped, the result upper-cased and series
// aliases applied. The function is pure and total: unrecognized input
// normalizes to itself, upper-cased and stripped. Venue prefixes such as
// "NSE:" are not handled here; callers split them off with SplitVenue
// before normalizing.
func Normalize(raw string) string {
	s := strings.ToUpper(separators.Replace(strings.TrimSpace(raw)))
	if canonical, ok := seriesAliases[s]; ok {
		return canonical
	}
	return s
}

// SplitVenue splits a venue-qualified symbol like "NSE:RELIANCE" into its
// venue and bare symbol parts. Symbols without a venue prefix return an
// empty venue. The colon is reserved as the venue separator and never
// appears inside a symbol.
func SplitVenue(raw string) (venue, symbol string) {
	s := strings.TrimSpace(raw)
	if idx := strings.Index(s, ":"); idx > 0 {
		return strings.ToUpper(strings.TrimSpace(s[:idx])), strings.TrimSpace(s[idx+1:])
	}
	return "", s
}
