// Package patch turns a game's scripts into a translation overlay: it
// collects dialogue and menu choices, translates them through a backend with
// the persistent cache and glossary, and writes tl/<lang>/ files plus the
// derenpy.lock manifest. It also implements the translated-copies mode used
// by "derenpy translate".
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/derenpy/derenpy/extract"
	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/lockfile"
	"github.com/derenpy/derenpy/rpa"
	"github.com/derenpy/derenpy/tlfile"
	"github.com/derenpy/derenpy/translate"
)

// ErrNoScripts means the input holds no .rpy/.rpym sources.
var ErrNoScripts = errors.New("no script files found (decompile .rpyc files first)")

// Options configures an overlay run.
type Options struct {
	// Dirs are the script trees to scan. A tree containing a game/
	// directory is scanned from there.
	Dirs []string
	// Output is the directory that receives tl/<lang>/.
	Output string
	// Lang is the overlay language word, e.g. "chinese".
	Lang string
	// Translator is nil for a template-only run.
	Translator *translate.Translator
	// Cache is nil when caching is disabled.
	Cache    translate.Cache
	Glossary *glossary.Glossary

	OnLog      func(format string, args ...any)
	OnProgress func(done, total int)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

// Result summarizes an overlay run.
type Result struct {
	Scripts    int
	Dialogue   int
	Strings    int
	Translated int
	Stats      Stats
	// Files lists the written overlay files, manifest last.
	Files []string
	// Changes compares the scripts with the previous manifest.
	Changes     lockfile.Diff
	HadManifest bool
	// Errors collects scripts that could not be read.
	Errors *multierror.Error
}

type script struct {
	path, rel string
	checksum  string
	dialogue  []tlfile.DialogueEntry
	strs      []tlfile.StringEntry
}

// Run executes the overlay pipeline.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Output == "" {
		return nil, fmt.Errorf("patch: output directory not set")
	}
	if opts.Lang == "" {
		return nil, fmt.Errorf("patch: language not set")
	}

	res := &Result{}
	scripts, err := collect(opts, res)
	if err != nil {
		return res, err
	}
	res.Scripts = len(scripts)
	for _, s := range scripts {
		res.Dialogue += len(s.dialogue)
		res.Strings += len(s.strs)
	}
	opts.log("Found %d script file(s): %d dialogue lines, %d strings", res.Scripts, res.Dialogue, res.Strings)

	gen := tlfile.NewGenerator(opts.Lang)
	lf, err := lockfile.Load(gen.Dir(opts.Output))
	if err != nil {
		opts.log("ignoring unreadable manifest: %v", err)
		lf = lockfile.New(gen.Dir(opts.Output))
	}
	current := make(map[string]string, len(scripts))
	for _, s := range scripts {
		current[s.rel] = s.checksum
	}
	res.HadManifest = len(lf.Scripts) > 0
	res.Changes = lf.Compare(current)
	if res.HadManifest {
		opts.log("Changes since last run: %s", res.Changes)
	}

	if opts.Translator != nil && res.Dialogue+res.Strings > 0 {
		if err := translateScripts(ctx, opts, scripts, res); err != nil {
			return res, err
		}
	}

	files := make([]tlfile.File, 0, len(scripts))
	var strs []tlfile.StringEntry
	for _, s := range scripts {
		files = append(files, tlfile.File{Rel: s.rel, Entries: s.dialogue})
		strs = append(strs, s.strs...)
	}
	written, err := gen.Write(opts.Output, files, strs)
	res.Files = written
	if err != nil {
		return res, err
	}

	lf.Language = opts.Lang
	if opts.Translator != nil {
		lf.Provider = opts.Translator.Provider()
	}
	rels := make([]string, 0, len(scripts))
	for _, s := range scripts {
		lf.Record(s.rel, s.checksum, len(s.dialogue), len(s.strs))
		rels = append(rels, s.rel)
	}
	lf.Clean(rels)
	if err := lf.Save(); err != nil {
		return res, err
	}
	res.Files = append(res.Files, lf.Path())
	return res, nil
}

// collect scans every tree and reads its scripts.
func collect(opts Options, res *Result) ([]script, error) {
	var scripts []script
	found := 0
	for _, dir := range opts.Dirs {
		root := ScriptRoot(dir)
		paths, err := extract.FindFiles(root, true, extract.ScriptExtensions...)
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", dir, err)
		}
		found += len(paths)
		for _, p := range paths {
			rel, err := filepath.Rel(root, p)
			if err != nil {
				rel = filepath.Base(p)
			}
			rel = filepath.ToSlash(rel)

			data, err := os.ReadFile(p)
			if err != nil {
				res.Errors = multierror.Append(res.Errors, err)
				opts.log("skipping %s: %v", p, err)
				continue
			}
			dialogue, strs := tlfile.CollectString(string(data), rel)
			scripts = append(scripts, script{
				path:     p,
				rel:      rel,
				checksum: lockfile.Hash(data),
				dialogue: dialogue,
				strs:     strs,
			})
		}
	}
	if found == 0 {
		return nil, ErrNoScripts
	}
	if len(scripts) == 0 {
		return nil, res.Errors.ErrorOrNil()
	}
	return scripts, nil
}

func translateScripts(ctx context.Context, opts Options, scripts []script, res *Result) error {
	var texts []string
	for _, s := range scripts {
		for _, d := range s.dialogue {
			texts = append(texts, d.Original)
		}
		for _, st := range s.strs {
			texts = append(texts, st.Original)
		}
	}

	opts.log("Translating with %s", opts.Translator.Describe())
	translated, stats := translateTexts(ctx, opts.Translator, opts.Cache, opts.Glossary, texts, opts.OnProgress, opts.OnLog)
	res.Stats.add(stats)
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range scripts {
		for j := range scripts[i].dialogue {
			d := &scripts[i].dialogue[j]
			if t, ok := translated[d.Original]; ok {
				d.Translated, d.HasTranslation = t, true
				res.Translated++
			}
		}
		for j := range scripts[i].strs {
			st := &scripts[i].strs[j]
			if t, ok := translated[st.Original]; ok {
				st.Translated, st.HasTranslation = t, true
				res.Translated++
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Input handling
// ---------------------------------------------------------------------------

// ScriptRoot returns dir/game when it exists, else dir.
func ScriptRoot(dir string) string {
	game := filepath.Join(dir, "game")
	if info, err := os.Stat(game); err == nil && info.IsDir() {
		return game
	}
	return dir
}

// IsArchive reports whether path names an .rpa file.
func IsArchive(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && strings.EqualFold(filepath.Ext(path), ".rpa")
}

// DefaultOutput returns where the overlay goes when no -o is given:
// the input's game directory, or ./game for an archive.
func DefaultOutput(input string) string {
	if IsArchive(input) {
		return "game"
	}
	return ScriptRoot(input)
}

// UnpackToTemp extracts an archive into a fresh directory under parent
// (os.TempDir() when empty) named <prefix>_<uuid>. The caller removes it.
func UnpackToTemp(ctx context.Context, archive, parent, prefix string, progress rpa.ProgressFunc) (string, error) {
	a, err := rpa.Open(archive)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", archive, err)
	}
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, prefix+"_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := a.ExtractAll(ctx, dir, progress); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}
