package symbol

import (
	"fmt"
	"regexp"
	"strings"

	"ohlcv-merge/internal/bars"
)

const (
	VenueShanghai = "XSHG"
	VenueShenzhen = "XSHE"
)

// Style selects an external spelling for Render.
type Style string

const (
	StyleInternal Style = "internal"
	StyleSimple   Style = "simple"
	StyleTushare  Style = "tushare"
	StylePrefix   Style = "prefix"
	StyleCode     Style = "code"
)

// Styles lists every supported rendering style.
var Styles = []Style{StyleInternal, StyleTushare, StylePrefix, StyleCode}

var venueAliases = map[string]string{
	"SH":   VenueShanghai,
	"SS":   VenueShanghai,
	"SSE":  VenueShanghai,
	"SHSE": VenueShanghai,
	"XSHG": VenueShanghai,
	"SZ":   VenueShenzhen,
	"SZSE": VenueShenzhen,
	"XSHE": VenueShenzhen,
}

var shortVenue = map[string]string{
	VenueShanghai: "SH",
	VenueShenzhen: "SZ",
}

var codePrefixes = []struct {
	prefix string
	venue  string
}{
	{"60", VenueShanghai},
	{"68", VenueShanghai},
	{"50", VenueShanghai},
	{"51", VenueShanghai},
	{"52", VenueShanghai},
	{"56", VenueShanghai},
	{"58", VenueShanghai},
	{"59", VenueShanghai},
	{"00", VenueShenzhen},
	{"30", VenueShenzhen},
}

var (
	dotted    = regexp.MustCompile(`^([A-Z0-9]+)\.([A-Z0-9]+)$`)
	prefixed  = regexp.MustCompile(`^([A-Z]+)(\d{6})$`)
	suffixed  = regexp.MustCompile(`^(\d{6})([A-Z]+)$`)
	bareCode  = regexp.MustCompile(`^\d{6}$`)
	canonical = regexp.MustCompile(`^(\d{6})\.(XSHG|XSHE)$`)
)

// Normalize maps a free-form identifier to the canonical form. defaultVenue may be any
// recognised venue spelling and is only consulted when the code prefix is unknown.
func Normalize(input, defaultVenue string) (string, error) {
	s := clean(input)
	if s == "" {
		return "", &bars.SymbolError{Input: input, Reason: "empty identifier"}
	}

	if m := dotted.FindStringSubmatch(s); m != nil {
		left, right := m[1], m[2]
		if venue, ok := venueAliases[right]; ok && bareCode.MatchString(left) {
			return left + "." + venue, nil
		}
		if venue, ok := venueAliases[left]; ok && bareCode.MatchString(right) {
			return right + "." + venue, nil
		}
		return "", &bars.SymbolError{Input: input, Reason: "unrecognised venue suffix"}
	}
	if m := prefixed.FindStringSubmatch(s); m != nil {
		if venue, ok := venueAliases[m[1]]; ok {
			return m[2] + "." + venue, nil
		}
		return "", &bars.SymbolError{Input: input, Reason: "unrecognised venue prefix"}
	}
	if m := suffixed.FindStringSubmatch(s); m != nil {
		if venue, ok := venueAliases[m[2]]; ok {
			return m[1] + "." + venue, nil
		}
		return "", &bars.SymbolError{Input: input, Reason: "unrecognised venue suffix"}
	}
	if !bareCode.MatchString(s) {
		return "", &bars.SymbolError{Input: input, Reason: "not a six digit code"}
	}

	if venue := guessVenue(s); venue != "" {
		return s + "." + venue, nil
	}
	if venue, ok := venueAliases[clean(defaultVenue)]; ok {
		return s + "." + venue, nil
	}
	return "", &bars.SymbolError{Input: input, Reason: "cannot infer venue"}
}

// Render spells a canonical identifier in the requested style.
func Render(sym string, style Style) (string, error) {
	m := canonical.FindStringSubmatch(sym)
	if m == nil {
		return "", fmt.Errorf("render %q: not a canonical symbol", sym)
	}
	code, venue := m[1], m[2]

	switch style {
	case StyleInternal, StyleSimple, "":
		return sym, nil
	case StyleTushare:
		return code + "." + shortVenue[venue], nil
	case StylePrefix:
		return strings.ToLower(shortVenue[venue]) + code, nil
	case StyleCode:
		return code, nil
	default:
		return "", fmt.Errorf("render %q: unknown style %q", sym, style)
	}
}

// Code returns the numeric part of a canonical identifier.
func Code(sym string) string {
	code, _, _ := strings.Cut(sym, ".")
	return code
}

// Venue returns the venue part of a canonical identifier.
func Venue(sym string) string {
	_, venue, _ := strings.Cut(sym, ".")
	return venue
}

func guessVenue(code string) string {
	for _, p := range codePrefixes {
		if strings.HasPrefix(code, p.prefix) {
			return p.venue
		}
	}
	return ""
}

func clean(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(s)
}
