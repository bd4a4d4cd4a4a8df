package translate

import (
	"fmt"
	"regexp"
	"strings"
)

// Placeholder maps a sentinel token back to the text it replaced.
type Placeholder struct {
	Token    string
	Original string
}

// Placeholders lists the substitutions made by Protect, in creation order.
type Placeholders []Placeholder

var protectPatterns = []struct {
	re     *regexp.Regexp
	prefix string
	fixed  bool
}{
	{regexp.MustCompile(`\\n`), "NL", true},
	{regexp.MustCompile(`\\t`), "TB", true},
	{regexp.MustCompile(`\[[^\]]+\]`), "VAR", false},
	{regexp.MustCompile(`\{[^}]+\}`), "TAG", false},
	{regexp.MustCompile(`%\([^)]+\)s`), "FMT", false},
}

// tokenRe matches a sentinel, tolerating whitespace a translator may have
// inserted inside the brackets.
var tokenRe = regexp.MustCompile(`⟦\s*([A-Z]+)\s*(\d*)\s*⟧`)

// Protect replaces escape sequences, [interpolations], {text tags} and
// %(name)s format fields with ⟦…⟧ sentinels that machine translators leave
// alone. Identical substrings share one token.
func Protect(s string) (string, Placeholders) {
	var ph Placeholders
	seen := make(map[string]string)
	counters := make(map[string]int)

	for _, p := range protectPatterns {
		s = p.re.ReplaceAllStringFunc(s, func(m string) string {
			if tok, ok := seen[m]; ok {
				return tok
			}
			tok := "⟦" + p.prefix + "⟧"
			if !p.fixed {
				tok = fmt.Sprintf("⟦%s%d⟧", p.prefix, counters[p.prefix])
				counters[p.prefix]++
			}
			seen[m] = tok
			ph = append(ph, Placeholder{Token: tok, Original: m})
			return tok
		})
	}
	return s, ph
}

// Restore reverses Protect. Tokens are restored newest first so that a
// placeholder whose original contains an older token unwinds fully. Stray
// ⟦NL⟧ and ⟦TB⟧ tokens are restored even without a mapping.
func Restore(s string, ph Placeholders) string {
	if !strings.Contains(s, "⟦") {
		return s
	}
	s = tokenRe.ReplaceAllString(s, "⟦$1$2⟧")
	for i := len(ph) - 1; i >= 0; i-- {
		s = strings.ReplaceAll(s, ph[i].Token, ph[i].Original)
	}
	s = strings.ReplaceAll(s, "⟦NL⟧", `\n`)
	s = strings.ReplaceAll(s, "⟦TB⟧", `\t`)
	return s
}
