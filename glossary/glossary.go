// Package glossary holds fixed term translations that are substituted into
// translated text and offered to LLM backends as prompt context.
//
// Text format, one term per line:
//
//	# comment
//	// comment
//	Sylvie = 西尔维
//	Professor Eileen<TAB>艾琳教授
//
// Files ending in .yaml or .yml are read as a YAML mapping instead.
package glossary

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrSyntax is returned for glossary files that cannot be parsed.
var ErrSyntax = errors.New("glossary syntax error")

// Term is one source/target pair.
type Term struct {
	Source string
	Target string
}

// Glossary is an ordered term table. The zero value is empty and usable.
type Glossary struct {
	terms []Term
	index map[string]int

	// Warnings collects skipped lines from the last Load.
	Warnings []string
}

// New returns an empty glossary.
func New() *Glossary {
	return &Glossary{}
}

// Load reads a glossary file.
func Load(path string) (*Glossary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return parseYAML(data)
	}
	return Parse(string(data)), nil
}

// Parse reads the text format. Malformed lines are skipped and reported in
// Warnings.
func Parse(content string) *Glossary {
	g := New()
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		src, dst, ok := parseLine(line)
		if !ok {
			g.Warnings = append(g.Warnings, fmt.Sprintf("line %d: invalid entry %q", lineNum, line))
			continue
		}
		g.Add(src, dst)
	}
	return g
}

// parseLine splits on the first '=' or, failing that, the first tab.
func parseLine(line string) (string, string, bool) {
	for _, sep := range []string{"=", "\t"} {
		src, dst, found := strings.Cut(line, sep)
		if !found {
			continue
		}
		src, dst = strings.TrimSpace(src), strings.TrimSpace(dst)
		if src != "" && dst != "" {
			return src, dst, true
		}
	}
	return "", "", false
}

func parseYAML(data []byte) (*Glossary, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	g := New()
	if len(doc.Content) == 0 {
		return g, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: line %d: expected a mapping of terms", ErrSyntax, root.Line)
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		k, v := root.Content[i], root.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("%w: line %d: term must map a string to a string", ErrSyntax, k.Line)
		}
		src, dst := strings.TrimSpace(k.Value), strings.TrimSpace(v.Value)
		if src == "" || dst == "" {
			g.Warnings = append(g.Warnings, fmt.Sprintf("line %d: empty term skipped", k.Line))
			continue
		}
		g.Add(src, dst)
	}
	return g, nil
}

// Add inserts a term, replacing the target of an existing source.
func (g *Glossary) Add(src, dst string) {
	if g.index == nil {
		g.index = make(map[string]int)
	}
	if i, ok := g.index[src]; ok {
		g.terms[i].Target = dst
		return
	}
	g.index[src] = len(g.terms)
	g.terms = append(g.terms, Term{Source: src, Target: dst})
}

// Len returns the number of terms.
func (g *Glossary) Len() int {
	if g == nil {
		return 0
	}
	return len(g.terms)
}

// Terms returns the terms in insertion order.
func (g *Glossary) Terms() []Term {
	if g == nil {
		return nil
	}
	return append([]Term(nil), g.terms...)
}

// Apply replaces every occurrence of each source term, longest source first
// so that "Professor Eileen" wins over "Eileen".
func (g *Glossary) Apply(text string) string {
	if g.Len() == 0 || text == "" {
		return text
	}
	terms := g.Terms()
	sort.SliceStable(terms, func(i, j int) bool {
		return len(terms[i].Source) > len(terms[j].Source)
	})
	for _, t := range terms {
		text = strings.ReplaceAll(text, t.Source, t.Target)
	}
	return text
}

// PromptContext renders the table for an LLM prompt, or "" when empty.
func (g *Glossary) PromptContext() string {
	if g.Len() == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Glossary (use these translations):")
	for _, t := range g.terms {
		fmt.Fprintf(&b, "\n- %s -> %s", t.Source, t.Target)
	}
	return b.String()
}
