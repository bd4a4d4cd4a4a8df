package extract

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode"
)

// Kind classifies a translatable line.
type Kind int

const (
	Dialogue Kind = iota
	Narration
	MenuChoice
)

func (k Kind) String() string {
	switch k {
	case Dialogue:
		return "dialogue"
	case Narration:
		return "narration"
	case MenuChoice:
		return "menu-choice"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Entry is one translatable string. ID counts emitted entries per file, in
// source order. Line is 1-based.
type Entry struct {
	ID   int
	Text string
	Line int
	Kind Kind
}

// Match describes a recognized line.
type Match struct {
	Kind Kind
	// Speaker is the dialogue speaker; empty for narration and menu choices.
	Speaker string
	// Literal is the quoted string exactly as written, quotes included.
	Literal string
	// Text is Literal without its outer quotes. Escapes are left intact.
	Text string
}

const quoted = `("(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*')`

var (
	dialogueRe  = regexp.MustCompile(`^\s*([\p{L}\p{N}_]+)\s+` + quoted)
	menuRe      = regexp.MustCompile(`^\s*` + quoted + `\s*:`)
	narrationRe = regexp.MustCompile(`^\s*` + quoted + `\s*$`)
)

// keywords lists statements whose lines never carry translatable text:
// control flow, python, definitions, display, audio, screen language and
// translation blocks.
var keywords = map[string]bool{
	"label": true, "jump": true, "call": true, "return": true, "pass": true,
	"menu": true, "if": true, "elif": true, "else": true, "for": true, "while": true,
	"python": true, "init": true,
	"define": true, "default": true, "image": true, "transform": true, "screen": true, "style": true,
	"show": true, "hide": true, "scene": true, "with": true,
	"play": true, "stop": true, "queue": true, "voice": true,
	"nvl": true, "window": true, "pause": true,
	"add": true, "use": true, "vbox": true, "hbox": true, "frame": true, "grid": true,
	"fixed": true, "side": true, "text": true, "imagebutton": true, "textbutton": true,
	"button": true, "bar": true, "vbar": true, "input": true, "key": true, "timer": true,
	"viewport": true, "vpgrid": true, "drag": true, "draggroup": true, "mousearea": true,
	"imagemap": true, "hotspot": true, "hotbar": true, "on": true, "action": true,
	"has": true, "at": true, "as": true, "behind": true, "onlayer": true, "zorder": true,
	"translate": true,
}

// IsKeywordLine reports whether a trimmed line starts with a statement
// keyword. Keywords match as whole words; "$" matches as a prefix.
func IsKeywordLine(trimmed string) bool {
	if strings.HasPrefix(trimmed, "$") {
		return true
	}
	return keywords[firstWord(trimmed)]
}

func firstWord(s string) string {
	end := strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == '(' || r == '"' || r == '\''
	})
	if end < 0 {
		return s
	}
	return s[:end]
}

// Unquote strips one pair of matching outer quotes.
func Unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

const asciiPunct = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"

// IsCodeLike reports whether text looks like interpolation, markup or
// punctuation rather than prose.
func IsCodeLike(text string) bool {
	if strings.HasPrefix(text, "[") || strings.HasPrefix(text, "{") ||
		strings.Contains(text, "%(") || strings.HasPrefix(text, "!!") {
		return true
	}
	for _, r := range text {
		if !unicode.IsSpace(r) && !strings.ContainsRune(asciiPunct, r) {
			return false
		}
	}
	return true
}

// MatchLine recognizes a single script line. Recognizers are tried in the
// order dialogue, menu choice, narration; the first whose pattern matches
// decides the outcome, even if its text is then rejected.
func MatchLine(line string) (Match, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || IsKeywordLine(trimmed) {
		return Match{}, false
	}

	if m := dialogueRe.FindStringSubmatch(line); m != nil {
		text := Unquote(m[2])
		if text == "" || IsCodeLike(text) {
			return Match{}, false
		}
		return Match{Kind: Dialogue, Speaker: m[1], Literal: m[2], Text: text}, true
	}
	if m := menuRe.FindStringSubmatch(line); m != nil {
		text := Unquote(m[1])
		if text == "" {
			return Match{}, false
		}
		return Match{Kind: MenuChoice, Literal: m[1], Text: text}, true
	}
	if m := narrationRe.FindStringSubmatch(line); m != nil {
		text := Unquote(m[1])
		if text == "" || IsCodeLike(text) {
			return Match{}, false
		}
		return Match{Kind: Narration, Literal: m[1], Text: text}, true
	}
	return Match{}, false
}

// Lines splits script source into lines, dropping a UTF-8 byte order mark
// and carriage returns.
func Lines(src string) []string {
	src = strings.TrimPrefix(src, "\ufeff")
	lines := strings.Split(src, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// ExtractString returns the translatable entries of a script, in source
// order.
func ExtractString(src string) []Entry {
	var entries []Entry
	for i, line := range Lines(src) {
		m, ok := MatchLine(line)
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			ID:   len(entries),
			Text: m.Text,
			Line: i + 1,
			Kind: m.Kind,
		})
	}
	return entries
}

// ExtractFile reads and extracts a script file.
func ExtractFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ExtractString(string(bytes.ToValidUTF8(data, []byte("�")))), nil
}
