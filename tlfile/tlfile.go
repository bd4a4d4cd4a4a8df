// Package tlfile generates translation overlay scripts: one file per source
// script under tl/<lang>/, each dialogue line wrapped in a
// `translate <lang> <identifier>:` block, plus a shared strings.rpy for menu
// choices.
//
// Identifiers follow the engine's own derivation so the game picks the
// overlay up without recompiling its scripts.
package tlfile

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/derenpy/derenpy/extract"
)

// DialogueEntry is a dialogue or narration line bound for a translate block.
type DialogueEntry struct {
	// Speaker is empty for narration.
	Speaker string
	// Original is the literal's body with escapes intact.
	Original string
	// Literal is the quoted string exactly as written.
	Literal string
	// Tail is whatever followed the literal on the line (e.g. "with vpunch").
	Tail           string
	Translated     string
	HasTranslation bool
	// File is the forward-slash path relative to the game directory.
	File  string
	Line  int
	Label string
	// Identifier is the engine translation id; unique after Uniquify.
	Identifier string
}

// StringEntry is a menu choice bound for the strings block.
type StringEntry struct {
	Original       string
	Translated     string
	HasTranslation bool
}

// File groups the dialogue of one source script.
type File struct {
	Rel     string
	Entries []DialogueEntry
}

// ---------------------------------------------------------------------------
// Collection
// ---------------------------------------------------------------------------

var labelRe = regexp.MustCompile(`^\s*label\s+(\.?[\p{L}\p{N}_][\p{L}\p{N}_.]*)\s*(?:\(.*\))?\s*:`)

// Collect reads a script and returns its dialogue entries and menu-choice
// strings. rel is recorded in each entry and in the emitted comments.
func Collect(path, rel string) ([]DialogueEntry, []StringEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	d, s := CollectString(string(bytes.ToValidUTF8(data, []byte("�"))), rel)
	return d, s, nil
}

// CollectString is Collect over in-memory source.
func CollectString(src, rel string) ([]DialogueEntry, []StringEntry) {
	rel = filepath.ToSlash(rel)
	var (
		dialogue []DialogueEntry
		strs     []StringEntry
		global   string
		label    string
	)
	for i, line := range extract.Lines(src) {
		if m := labelRe.FindStringSubmatch(line); m != nil {
			name := m[1]
			if strings.HasPrefix(name, ".") {
				name = global + name
			} else if j := strings.IndexByte(name, '.'); j >= 0 {
				global = name[:j]
			} else {
				global = name
			}
			label = name
			continue
		}

		m, ok := extract.MatchLine(line)
		if !ok {
			continue
		}
		if m.Kind == extract.MenuChoice {
			strs = append(strs, StringEntry{Original: m.Text})
			continue
		}

		tail := ""
		if j := strings.Index(line, m.Literal); j >= 0 {
			tail = strings.TrimSpace(line[j+len(m.Literal):])
		}
		e := DialogueEntry{
			Speaker:  m.Speaker,
			Original: m.Text,
			Literal:  m.Literal,
			Tail:     tail,
			File:     rel,
			Line:     i + 1,
			Label:    label,
		}
		e.Identifier = Identifier(label, e.Speaker, e.Original, e.Tail)
		dialogue = append(dialogue, e)
	}
	return dialogue, strs
}

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	escapeRe     = regexp.MustCompile(`\\(u[0-9a-fA-F]{1,4}|.)`)
	withRe       = regexp.MustCompile(`^with\s+(\S+)$`)
)

// Dequote turns a literal body into the string the engine sees: whitespace
// runs collapse to one space and escapes are resolved. Text-tag and
// interpolation escapes keep their doubled form.
func Dequote(body string) string {
	s := whitespaceRe.ReplaceAllString(body, " ")
	return escapeRe.ReplaceAllStringFunc(s, func(m string) string {
		c := m[1:]
		switch {
		case c == "{":
			return "{{"
		case c == "[":
			return "[["
		case c == "%":
			return "%%"
		case c == "n":
			return "\n"
		case c[0] == 'u' && len(c) > 1:
			n, err := strconv.ParseUint(c[1:], 16, 32)
			if err != nil {
				return c
			}
			return string(rune(n))
		}
		return c
	})
}

// encodeSay renders a dequoted string the way the engine serializes a say
// statement before hashing.
func encodeSay(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	// Every space that follows another space is escaped. Go regexps have
	// no lookbehind, so walk the string.
	if strings.Contains(s, "  ") {
		var b strings.Builder
		prev := rune(0)
		for _, r := range s {
			if r == ' ' && prev == ' ' {
				b.WriteString(`\ `)
			} else {
				b.WriteRune(r)
			}
			prev = r
		}
		s = b.String()
	}
	return `"` + s + `"`
}

// Identifier derives the translate-block id for a line: the label (dots
// replaced by underscores, "unknown" when empty) plus the first 8 hex
// digits of the MD5 of the statement's canonical code.
func Identifier(label, speaker, body, tail string) string {
	code := encodeSay(Dequote(body))
	if speaker != "" {
		code = speaker + " " + code
	}
	if m := withRe.FindStringSubmatch(tail); m != nil {
		code += " with " + m[1]
	}
	sum := md5.Sum([]byte(code + "\r\n"))

	if label == "" {
		label = "unknown"
	}
	return strings.ReplaceAll(label, ".", "_") + "_" + hex.EncodeToString(sum[:])[:8]
}

// Uniquify appends _1, _2, ... to identifiers that repeat across files.
// Files are visited in path order and entries in source order.
func Uniquify(files []File) {
	sortFiles(files)
	seen := make(map[string]bool)
	for fi := range files {
		for ei := range files[fi].Entries {
			e := &files[fi].Entries[ei]
			id := e.Identifier
			if seen[id] {
				for n := 1; ; n++ {
					cand := fmt.Sprintf("%s_%d", e.Identifier, n)
					if !seen[cand] {
						id = cand
						break
					}
				}
			}
			seen[id] = true
			e.Identifier = id
		}
	}
}

func sortFiles(files []File) {
	sort.SliceStable(files, func(i, j int) bool { return files[i].Rel < files[j].Rel })
}

// ---------------------------------------------------------------------------
// Escaping
// ---------------------------------------------------------------------------

// validEscapes are the characters that may follow a backslash in a script
// string literal.
const validEscapes = `nt"'\ {[%u`

// Escape prepares text for a double-quoted literal. Existing escapes are kept,
// real newlines and tabs become \n and \t, unescaped double quotes are
// escaped and lone backslashes are doubled.
func Escape(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			if i+1 < len(s) && strings.IndexByte(validEscapes, s[i+1]) >= 0 {
				b.WriteByte(c)
				b.WriteByte(s[i+1])
				i++
			} else {
				b.WriteString(`\\`)
			}
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

// StringsFile is the name of the shared menu-choice overlay.
const StringsFile = "strings.rpy"

// Generator writes overlay files for one language.
type Generator struct {
	// Lang is the engine language name, e.g. "chinese".
	Lang string
}

// NewGenerator returns a generator for lang.
func NewGenerator(lang string) *Generator {
	return &Generator{Lang: lang}
}

// Dir returns the overlay root for outDir.
func (g *Generator) Dir(outDir string) string {
	return filepath.Join(outDir, "tl", g.Lang)
}

// Render returns the overlay script for one file. Identifiers are used as
// they are; call Uniquify first when rendering a set.
func (g *Generator) Render(f File) string {
	var b strings.Builder
	for _, e := range f.Entries {
		prefix := ""
		if e.Speaker != "" {
			prefix = e.Speaker + " "
		}
		suffix := ""
		if e.Tail != "" {
			suffix = " " + e.Tail
		}
		text := e.Original
		if e.HasTranslation {
			text = e.Translated
		}

		fmt.Fprintf(&b, "# %s:%d\n", e.File, e.Line)
		fmt.Fprintf(&b, "translate %s %s:\n\n", g.Lang, e.Identifier)
		fmt.Fprintf(&b, "    # %s%s%s\n", prefix, e.Literal, suffix)
		fmt.Fprintf(&b, "    %s\"%s\"%s\n\n", prefix, Escape(text), suffix)
	}
	return b.String()
}

// RenderStrings returns the strings block. Entries are deduplicated by
// original text and sorted; the first translation seen for a text wins.
func (g *Generator) RenderStrings(strs []StringEntry) string {
	uniq := lo.UniqBy(strs, func(s StringEntry) string { return s.Original })
	sort.SliceStable(uniq, func(i, j int) bool { return uniq[i].Original < uniq[j].Original })

	var b strings.Builder
	fmt.Fprintf(&b, "translate %s strings:\n\n", g.Lang)
	for _, s := range uniq {
		text := s.Original
		if s.HasTranslation {
			text = s.Translated
		}
		fmt.Fprintf(&b, "    old \"%s\"\n", Escape(s.Original))
		fmt.Fprintf(&b, "    new \"%s\"\n\n", Escape(text))
	}
	return b.String()
}

// Write emits the overlay tree under outDir/tl/<lang>/ and returns the
// created paths in write order. Files without entries are skipped;
// strings.rpy is written only when strs is non-empty.
func (g *Generator) Write(outDir string, files []File, strs []StringEntry) ([]string, error) {
	files = lo.Filter(files, func(f File, _ int) bool { return len(f.Entries) > 0 })
	Uniquify(files)

	root := g.Dir(outDir)
	var written []string
	for _, f := range files {
		path := filepath.Join(root, filepath.FromSlash(f.Rel))
		if err := writeFile(path, g.Render(f)); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	if len(strs) > 0 {
		path := filepath.Join(root, StringsFile)
		if err := writeFile(path, g.RenderStrings(strs)); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
