package patch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/derenpy/derenpy/cache"
	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/rpa"
	"github.com/derenpy/derenpy/translate"
)

const sampleScript = `label start:
    e "Hello, world!"
    "Hello [player_name]."
    menu:
        "Hello choice":
            pass
`

// googleServer fakes the free Google endpoint by rewriting "Hello" as
// "Bonjour".
func googleServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		out := strings.ReplaceAll(r.URL.Query().Get("q"), "Hello", "Bonjour")
		json.NewEncoder(w).Encode([]any{[]any{[]any{out, "src", nil}}, nil, "en"})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTranslator(t *testing.T, url string) *translate.Translator {
	t.Helper()
	tr, err := translate.New(translate.Options{
		API:        translate.APIGoogle,
		Language:   "chinese",
		BaseURL:    url,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("translate.New: %v", err)
	}
	return tr
}

func writeGame(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, filepath.FromSlash(name))
		os.MkdirAll(filepath.Dir(path), 0o755)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

func TestRunTranslatesAndCaches(t *testing.T) {
	srv, calls := googleServer(t)
	game := writeGame(t, map[string]string{"game/script.rpy": sampleScript})
	out := t.TempDir()

	c, err := cache.OpenPath(filepath.Join(t.TempDir(), "translations.db"))
	if err != nil {
		t.Fatalf("cache.OpenPath: %v", err)
	}
	defer c.Close()

	opts := Options{
		Dirs:       []string{game},
		Output:     out,
		Lang:       "chinese",
		Translator: newTranslator(t, srv.URL),
		Cache:      c,
	}

	first, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Scripts != 1 || first.Dialogue != 2 || first.Strings != 1 {
		t.Errorf("first counts = %+v", first)
	}
	if first.Stats.APICalls != 3 || first.Stats.CacheHits != 0 || first.Translated != 3 {
		t.Errorf("first stats = %+v, translated %d", first.Stats, first.Translated)
	}

	script := filepath.Join(out, "tl", "chinese", "script.rpy")
	overlay := readFile(t, script)
	for _, want := range []string{
		"# script.rpy:2\ntranslate chinese start_bcba11fd:\n",
		`    # e "Hello, world!"`,
		`    e "Bonjour, world!"`,
		`    "Bonjour [player_name]."`,
	} {
		if !strings.Contains(overlay, want) {
			t.Errorf("overlay missing %q:\n%s", want, overlay)
		}
	}
	strs := readFile(t, filepath.Join(out, "tl", "chinese", "strings.rpy"))
	if !strings.Contains(strs, `new "Bonjour choice"`) {
		t.Errorf("strings.rpy:\n%s", strs)
	}

	before := calls.Load()
	second, err := Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Stats.APICalls != 0 || second.Stats.CacheHits != 3 {
		t.Errorf("second stats = %+v", second.Stats)
	}
	if calls.Load() != before {
		t.Error("second run hit the network")
	}
	if got := readFile(t, script); got != overlay {
		t.Errorf("overlay changed between runs:\n%s\nvs\n%s", got, overlay)
	}
	if !second.HadManifest || !second.Changes.Empty() || second.Changes.Unchanged != 1 {
		t.Errorf("second changes = %+v", second.Changes)
	}
}

func TestRunTemplateOnly(t *testing.T) {
	game := writeGame(t, map[string]string{
		"script.rpy":     sampleScript,
		"sub/extra.rpy":  "label extra:\n    \"Plain line.\"\n",
		"tl/old/old.rpy": "label old:\n    \"skip me\"\n",
	})
	out := t.TempDir()

	res, err := Run(context.Background(), Options{Dirs: []string{game}, Output: out, Lang: "japanese"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Scripts != 2 || res.Translated != 0 {
		t.Errorf("result = %+v", res)
	}
	if res.HadManifest || len(res.Changes.Added) != 2 {
		t.Errorf("changes = %+v", res.Changes)
	}
	overlay := readFile(t, filepath.Join(out, "tl", "japanese", "script.rpy"))
	if !strings.Contains(overlay, `    e "Hello, world!"`) {
		t.Errorf("template overlay:\n%s", overlay)
	}
	if _, err := os.Stat(filepath.Join(out, "tl", "japanese", "sub", "extra.rpy")); err != nil {
		t.Errorf("nested overlay missing: %v", err)
	}
	last := res.Files[len(res.Files)-1]
	if filepath.Base(last) != "derenpy.lock" {
		t.Errorf("manifest not last: %v", res.Files)
	}

	os.WriteFile(filepath.Join(game, "script.rpy"), []byte(sampleScript+"    \"New line.\"\n"), 0o644)
	os.Remove(filepath.Join(game, "sub", "extra.rpy"))
	res, err = Run(context.Background(), Options{Dirs: []string{game}, Output: out, Lang: "japanese"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if got := res.Changes.String(); got != "0 new, 1 changed, 1 removed" {
		t.Errorf("changes = %q", got)
	}
}

func TestRunGlossary(t *testing.T) {
	srv, _ := googleServer(t)
	game := writeGame(t, map[string]string{"script.rpy": "label start:\n    s \"Hello Sylvie\"\n"})
	out := t.TempDir()

	g := glossary.New()
	g.Add("Sylvie", "西尔维")
	_, err := Run(context.Background(), Options{
		Dirs:       []string{game},
		Output:     out,
		Lang:       "chinese",
		Translator: newTranslator(t, srv.URL),
		Glossary:   g,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	overlay := readFile(t, filepath.Join(out, "tl", "chinese", "script.rpy"))
	if !strings.Contains(overlay, `s "Bonjour 西尔维"`) {
		t.Errorf("glossary not applied:\n%s", overlay)
	}
}

func TestRunNoScripts(t *testing.T) {
	game := writeGame(t, map[string]string{"script.rpyc": "compiled"})
	_, err := Run(context.Background(), Options{Dirs: []string{game}, Output: t.TempDir(), Lang: "chinese"})
	if !errors.Is(err, ErrNoScripts) {
		t.Errorf("error = %v, want ErrNoScripts", err)
	}
}

func TestRunValidatesOptions(t *testing.T) {
	if _, err := Run(context.Background(), Options{Lang: "chinese"}); err == nil {
		t.Error("missing output accepted")
	}
	if _, err := Run(context.Background(), Options{Output: "x"}); err == nil {
		t.Error("missing language accepted")
	}
}

func TestScriptRootAndDefaultOutput(t *testing.T) {
	withGame := writeGame(t, map[string]string{"game/script.rpy": ""})
	flat := writeGame(t, map[string]string{"script.rpy": ""})

	if got := ScriptRoot(withGame); got != filepath.Join(withGame, "game") {
		t.Errorf("ScriptRoot(withGame) = %q", got)
	}
	if got := ScriptRoot(flat); got != flat {
		t.Errorf("ScriptRoot(flat) = %q", got)
	}
	if got := DefaultOutput(withGame); got != filepath.Join(withGame, "game") {
		t.Errorf("DefaultOutput(dir) = %q", got)
	}

	archive := filepath.Join(flat, "archive.rpa")
	os.WriteFile(archive, []byte("x"), 0o644)
	if !IsArchive(archive) || IsArchive(flat) {
		t.Error("IsArchive misclassifies")
	}
	if got := DefaultOutput(archive); got != "game" {
		t.Errorf("DefaultOutput(rpa) = %q", got)
	}
}

func TestUnpackToTemp(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "scripts.rpa")
	w, err := rpa.Create(archive, rpa.V3)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Add("script.rpy", bytes.NewReader([]byte(sampleScript))); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	parent := t.TempDir()
	got, err := UnpackToTemp(context.Background(), archive, parent, "derenpy", nil)
	if err != nil {
		t.Fatalf("UnpackToTemp: %v", err)
	}
	if filepath.Dir(got) != parent || !strings.HasPrefix(filepath.Base(got), "derenpy_") {
		t.Errorf("temp dir = %q", got)
	}
	if readFile(t, filepath.Join(got, "script.rpy")) != sampleScript {
		t.Error("member content differs")
	}

	if _, err := UnpackToTemp(context.Background(), filepath.Join(dir, "missing.rpa"), parent, "x", nil); err == nil {
		t.Error("missing archive accepted")
	}
}
