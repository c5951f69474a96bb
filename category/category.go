// Package category maps the free-text category labels emitted by the
// annotator into a small fixed taxonomy for breakdown grouping. The taxonomy
// is open: labels outside the known families pass through uppercased.
package category

import (
	"regexp"
	"strings"
)

// Normalized labels for the known families.
const (
	Audio      = "AUDIO"
	Video      = "VIDEO"
	Network    = "REDE"
	Scoreboard = "GC"
)

// Ordered rule list, first match wins. Patterns tolerate accented and plain
// spellings since upstream labels arrive in mixed locales.
var rules = []struct {
	re    *regexp.Regexp
	label string
}{
	{regexp.MustCompile(`(?i)a[úu]dio|\bsom\b|sound|narra|microfone|\bmic\b`), Audio},
	{regexp.MustCompile(`(?i)v[íi]deo|imagem|tela|visual|pixel`), Video},
	{regexp.MustCompile(`(?i)rede|network|conex|buffer|plataforma|internet`), Network},
}

// Scoreboard matches only on an explicit token set, not substrings: "gc" is
// too short to pattern-match safely.
var scoreboardTokens = map[string]struct{}{
	"gc":         {},
	"placar":     {},
	"scoreboard": {},
	"grafismo":   {},
}

// Normalize maps a raw category label to its normalized form. The second
// return is false for empty input, which callers must exclude from breakdowns.
func Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	if _, ok := scoreboardTokens[strings.ToLower(raw)]; ok {
		return Scoreboard, true
	}
	for _, r := range rules {
		if r.re.MatchString(raw) {
			return r.label, true
		}
	}
	return strings.ToUpper(raw), true
}
