package tlfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const lectureLine = "It's only when I hear the sounds of shuffling feet and supplies being put away that I realize that the lecture's over."

func TestIdentifierStable(t *testing.T) {
	tests := []struct {
		label, speaker, body, tail string
		want                       string
	}{
		{"start", "", lectureLine, "", "start_915cb944"},
		{"", "e", "Hello, world!", "", "unknown_bcba11fd"},
		{"start", "e", `Line one\nLine two`, "", "start_ce1678b1"},
		{"start", "e", "Line one\n   Line two", "", "start_" + Identifier("", "e", "Line one Line two", "")[len("unknown_"):]},
		{"chapter1.intro", "e", "Hello, world!", "", "chapter1_intro_bcba11fd"},
		{"start", "e", "Shake!", "with vpunch", "start_c80ec745"},
		{"start", "", `a\ \ b`, "", "start_80257990"},
	}
	for _, tc := range tests {
		if got := Identifier(tc.label, tc.speaker, tc.body, tc.tail); got != tc.want {
			t.Errorf("Identifier(%q, %q, %q, %q) = %q, want %q", tc.label, tc.speaker, tc.body, tc.tail, got, tc.want)
		}
	}
}

func TestDequote(t *testing.T) {
	tests := []struct{ in, want string }{
		{`plain`, "plain"},
		{`a\nb`, "a\nb"},
		{`say \"hi\"`, `say "hi"`},
		{`back\\slash`, `back\slash`},
		{`\{not a tag}`, "{{not a tag}"},
		{`\[name]`, "[[name]"},
		{`100\%`, "100%%"},
		{`\u00e9t\u00e9`, "été"},
		{"lots   of\tspace", "lots of space"},
	}
	for _, tc := range tests {
		if got := Dequote(tc.in); got != tc.want {
			t.Errorf("Dequote(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEncodeSay(t *testing.T) {
	if got := encodeSay("a  b\n\"c\"\\"); got != `"a \ b\n\"c\"\\"` {
		t.Errorf("encodeSay = %s", got)
	}
}

func TestEscape(t *testing.T) {
	tests := []struct{ in, want string }{
		{`keep \n escapes`, `keep \n escapes`},
		{"real\nnewline", `real\nnewline`},
		{`she said "no"`, `she said \"no\"`},
		{`already \"escaped\"`, `already \"escaped\"`},
		{`C:\path`, `C:\\path`},
		{`trailing\`, `trailing\\`},
		{"tab\there", `tab\there`},
		{"crlf\r\n", `crlf\n`},
		{`{b}bold{/b} [name]`, `{b}bold{/b} [name]`},
	}
	for _, tc := range tests {
		if got := Escape(tc.in); got != tc.want {
			t.Errorf("Escape(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

const script = `label start:
    scene bg lecturehall
    "It's only when I hear the sounds of shuffling feet and supplies being put away that I realize that the lecture's over."
    e "Hello, world!"
    e "Shake!" with vpunch

    menu:
        "Ask her":
            jump ask
        'Later':
            pass

label ask:
    e "Line one\nLine two"

label .inner:
    e "Hello, world!"
`

func TestCollectString(t *testing.T) {
	dialogue, strs := CollectString(script, "script.rpy")

	want := []struct {
		speaker, id, label, tail string
		line                     int
	}{
		{"", "start_915cb944", "start", "", 3},
		{"e", "start_bcba11fd", "start", "", 4},
		{"e", "start_c80ec745", "start", "with vpunch", 5},
		{"e", "ask_ce1678b1", "ask", "", 14},
		{"e", "ask_inner_bcba11fd", "ask.inner", "", 17},
	}
	if len(dialogue) != len(want) {
		t.Fatalf("got %d dialogue entries, want %d: %+v", len(dialogue), len(want), dialogue)
	}
	for i, w := range want {
		d := dialogue[i]
		if d.Speaker != w.speaker || d.Identifier != w.id || d.Label != w.label || d.Tail != w.tail || d.Line != w.line {
			t.Errorf("entry %d = %+v, want %+v", i, d, w)
		}
		if d.File != "script.rpy" {
			t.Errorf("entry %d File = %q", i, d.File)
		}
	}
	if dialogue[3].Original != `Line one\nLine two` || dialogue[3].Literal != `"Line one\nLine two"` {
		t.Errorf("escapes not preserved: %+v", dialogue[3])
	}

	if len(strs) != 2 || strs[0].Original != "Ask her" || strs[1].Original != "Later" {
		t.Errorf("strings = %+v", strs)
	}
}

func TestCollectNoLabel(t *testing.T) {
	dialogue, _ := CollectString("e \"Hello, world!\"\n", "a.rpy")
	if len(dialogue) != 1 || dialogue[0].Identifier != "unknown_bcba11fd" {
		t.Errorf("dialogue = %+v", dialogue)
	}
}

func TestUniquify(t *testing.T) {
	files := []File{
		{Rel: "b.rpy", Entries: []DialogueEntry{{Identifier: "start_aaaa0000"}}},
		{Rel: "a.rpy", Entries: []DialogueEntry{{Identifier: "start_aaaa0000"}, {Identifier: "start_aaaa0000"}}},
	}
	Uniquify(files)
	got := []string{
		files[0].Entries[0].Identifier,
		files[0].Entries[1].Identifier,
		files[1].Entries[0].Identifier,
	}
	want := []string{"start_aaaa0000", "start_aaaa0000_1", "start_aaaa0000_2"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ids = %v, want %v", got, want)
			break
		}
	}
	if files[0].Rel != "a.rpy" {
		t.Errorf("files not sorted: %v", files[0].Rel)
	}
}

func TestRender(t *testing.T) {
	g := NewGenerator("chinese")
	f := File{Rel: "script.rpy", Entries: []DialogueEntry{
		{Speaker: "e", Original: `Line one\nLine two`, Literal: `"Line one\nLine two"`,
			Translated: "第一行\\n第二行", HasTranslation: true, File: "script.rpy", Line: 14, Identifier: "ask_ce1678b1"},
		{Original: "Untouched", Literal: `"Untouched"`, File: "script.rpy", Line: 20, Identifier: "ask_00000000", Tail: "with dissolve"},
	}}
	want := `# script.rpy:14
translate chinese ask_ce1678b1:

    # e "Line one\nLine two"
    e "第一行\n第二行"

# script.rpy:20
translate chinese ask_00000000:

    # "Untouched" with dissolve
    "Untouched" with dissolve

`
	if got := g.Render(f); got != want {
		t.Errorf("Render() =\n%s\nwant\n%s", got, want)
	}
}

func TestRenderStrings(t *testing.T) {
	g := NewGenerator("french")
	got := g.RenderStrings([]StringEntry{
		{Original: "Zebra"},
		{Original: "Apple", Translated: "Pomme", HasTranslation: true},
		{Original: "Zebra", Translated: "ignored", HasTranslation: true},
		{Original: `Say "hi"`},
	})
	want := `translate french strings:

    old "Apple"
    new "Pomme"

    old "Say \"hi\""
    new "Say \"hi\""

    old "Zebra"
    new "Zebra"

`
	if got != want {
		t.Errorf("RenderStrings() =\n%s\nwant\n%s", got, want)
	}
}

func TestWriteDeterministic(t *testing.T) {
	build := func() []File {
		d1, _ := CollectString(script, "script.rpy")
		d2, _ := CollectString("label start:\n    e \"Hello, world!\"\n", "sub/extra.rpy")
		return []File{{Rel: "sub/extra.rpy", Entries: d2}, {Rel: "script.rpy", Entries: d1}, {Rel: "empty.rpy"}}
	}
	_, strs := CollectString(script, "script.rpy")

	out1, out2 := t.TempDir(), t.TempDir()
	g := NewGenerator("chinese")
	paths, err := g.Write(out1, build(), strs)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	wantPaths := []string{
		filepath.Join(out1, "tl", "chinese", "script.rpy"),
		filepath.Join(out1, "tl", "chinese", "sub", "extra.rpy"),
		filepath.Join(out1, "tl", "chinese", StringsFile),
	}
	if strings.Join(paths, "|") != strings.Join(wantPaths, "|") {
		t.Fatalf("paths = %v, want %v", paths, wantPaths)
	}
	if _, err := g.Write(out2, build(), strs); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	for _, rel := range []string{"script.rpy", "sub/extra.rpy", StringsFile} {
		a, err := os.ReadFile(filepath.Join(out1, "tl", "chinese", rel))
		if err != nil {
			t.Fatal(err)
		}
		b, _ := os.ReadFile(filepath.Join(out2, "tl", "chinese", rel))
		if string(a) != string(b) {
			t.Errorf("%s differs between runs", rel)
		}
	}

	extra, _ := os.ReadFile(filepath.Join(out1, "tl", "chinese", "sub", "extra.rpy"))
	if !strings.Contains(string(extra), "translate chinese start_bcba11fd_1:") {
		t.Errorf("collision not suffixed:\n%s", extra)
	}
	overlay, _ := os.ReadFile(paths[0])
	if !strings.Contains(string(overlay), "translate chinese start_915cb944:") ||
		!strings.Contains(string(overlay), `    e "Line one\nLine two"`) {
		t.Errorf("script overlay:\n%s", overlay)
	}
}
