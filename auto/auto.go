// Package auto chains unpack, decompile and patch into one run over a game
// directory or a single .rpa archive.
package auto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/derenpy/derenpy/decompile"
	"github.com/derenpy/derenpy/extract"
	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/patch"
	"github.com/derenpy/derenpy/rpa"
	"github.com/derenpy/derenpy/translate"
)

// Steps is the number of stages reported through OnStep.
const Steps = 3

// TempPrefix names the working directory created for archive members.
const TempPrefix = "derenpy_auto"

// Decompiler converts compiled scripts in a tree. *decompile.Decompiler
// satisfies it.
type Decompiler interface {
	DecompileTree(ctx context.Context, dir, outDir string, recursive, force bool, progress decompile.ProgressFunc) (decompile.TreeResult, error)
}

// Options configures a run.
type Options struct {
	// Input is a game directory or an .rpa file.
	Input string
	// Output receives the overlay or the translated copies. Empty uses
	// DefaultOutput(Input).
	Output string
	Lang   string
	// Translator is nil for a template-only run.
	Translator *translate.Translator
	Cache      translate.Cache
	Glossary   *glossary.Glossary
	// PatchMode writes a tl overlay; when false, translated copies of the
	// scripts are written instead. Template-only runs always use the overlay.
	PatchMode bool
	KeepTemp  bool
	// TempParent is where the working directory is created. Default:
	// os.TempDir().
	TempParent string
	// NewDecompiler is called only when the input holds compiled scripts
	// and no sources.
	NewDecompiler func() (Decompiler, error)

	OnStep       func(n, total int, title string)
	OnLog        func(format string, args ...any)
	OnExtract    rpa.ProgressFunc
	OnDecompile  decompile.ProgressFunc
	OnTranslated func(done, total int)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) step(n int, title string) {
	if o.OnStep != nil {
		o.OnStep(n, Steps, title)
	}
}

// Result summarizes a run.
type Result struct {
	Output string
	// WorkDirs are the trees that were scanned for scripts.
	WorkDirs []string
	// TempDir is the working directory; empty when nothing was unpacked.
	// It no longer exists unless KeepTemp was set.
	TempDir    string
	Archives   int
	Members    int
	Decompiled *decompile.TreeResult
	Patch      *patch.Result
	Copies     []*patch.CopyResult
}

// DefaultOutput returns the output used when none is given: the game
// directory for a directory input, <stem>_translation beside an archive.
func DefaultOutput(input string) string {
	if patch.IsArchive(input) {
		stem := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		return filepath.Join(filepath.Dir(input), stem+"_translation")
	}
	return patch.ScriptRoot(input)
}

// Run executes the workflow.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	info, err := os.Stat(opts.Input)
	if err != nil {
		return nil, err
	}
	isArchive := patch.IsArchive(opts.Input)
	if !info.IsDir() && !isArchive {
		return nil, fmt.Errorf("%s: input must be an .rpa file or a directory", opts.Input)
	}

	res = &Result{Output: opts.Output}
	if res.Output == "" {
		res.Output = DefaultOutput(opts.Input)
	}

	// Step 1: unpack.
	var archives []string
	if isArchive {
		archives = []string{opts.Input}
		opts.step(1, "Unpacking RPA archive")
	} else {
		res.WorkDirs = append(res.WorkDirs, opts.Input)
		archives, err = extract.FindFiles(patch.ScriptRoot(opts.Input), true, extract.ArchiveExtensions...)
		if err != nil {
			return res, err
		}
		if len(archives) > 0 {
			opts.step(1, fmt.Sprintf("Unpacking %d RPA archive(s) found in the directory", len(archives)))
		} else {
			opts.step(1, "Using directory as input")
		}
	}

	if len(archives) > 0 {
		res.TempDir, err = newTempDir(opts.TempParent)
		if err != nil {
			return res, err
		}
		defer func() {
			if opts.KeepTemp {
				opts.log("Keeping temporary files in %s", res.TempDir)
				return
			}
			if rmErr := os.RemoveAll(res.TempDir); rmErr != nil {
				opts.log("could not remove %s: %v", res.TempDir, rmErr)
			}
		}()
		for _, path := range archives {
			n, err := unpack(ctx, path, res.TempDir, opts)
			if err != nil {
				return res, err
			}
			res.Archives++
			res.Members += n
		}
		res.WorkDirs = append(res.WorkDirs, res.TempDir)
	}

	// Step 2: decompile when only compiled scripts are present.
	if err := decompileIfNeeded(ctx, &opts, res); err != nil {
		return res, err
	}

	// Step 3: translate.
	if opts.PatchMode || opts.Translator == nil {
		opts.step(3, "Generating translation overlay")
		res.Patch, err = patch.Run(ctx, patch.Options{
			Dirs:       res.WorkDirs,
			Output:     res.Output,
			Lang:       opts.Lang,
			Translator: opts.Translator,
			Cache:      opts.Cache,
			Glossary:   opts.Glossary,
			OnLog:      opts.OnLog,
			OnProgress: opts.OnTranslated,
		})
		return res, err
	}

	opts.step(3, "Writing translated copies")
	for _, dir := range res.WorkDirs {
		root := patch.ScriptRoot(dir)
		if !extract.HasFiles(root, extract.ScriptExtensions...) {
			continue
		}
		out := res.Output
		if sameDir(out, root) {
			// Mirroring onto the sources would overwrite them.
			out = ""
		}
		cr, err := patch.TranslateCopies(ctx, patch.CopyOptions{
			Input:      root,
			Output:     out,
			Recursive:  true,
			Translator: opts.Translator,
			Cache:      opts.Cache,
			Glossary:   opts.Glossary,
			OnLog:      opts.OnLog,
			OnProgress: opts.OnTranslated,
		})
		if err != nil {
			return res, err
		}
		res.Copies = append(res.Copies, cr)
	}
	if len(res.Copies) == 0 {
		return res, patch.ErrNoScripts
	}
	return res, nil
}

func sameDir(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

func newTempDir(parent string) (string, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	dir := filepath.Join(parent, TempPrefix+"_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func unpack(ctx context.Context, path, dir string, opts Options) (int, error) {
	a, err := rpa.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	opts.log("%s: %s, %d file(s)", filepath.Base(path), a.Version(), a.Len())
	if err := a.ExtractAll(ctx, dir, opts.OnExtract); err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	return a.Len(), nil
}

func decompileIfNeeded(ctx context.Context, opts *Options, res *Result) error {
	var compiled, sources int
	for _, dir := range res.WorkDirs {
		c, err := extract.FindFiles(dir, true, extract.CompiledExtensions...)
		if err != nil {
			return err
		}
		s, err := extract.FindFiles(dir, true, extract.ScriptExtensions...)
		if err != nil {
			return err
		}
		compiled += len(c)
		sources += len(s)
	}

	switch {
	case sources > 0:
		opts.step(2, fmt.Sprintf("Found %d script file(s), skipping decompilation", sources))
		return nil
	case compiled == 0:
		opts.step(2, "No scripts found")
		return nil
	}

	opts.step(2, fmt.Sprintf("Decompiling %d compiled script(s)", compiled))
	if opts.NewDecompiler == nil {
		return decompile.ErrDecompilerMissing
	}
	d, err := opts.NewDecompiler()
	if err != nil {
		return err
	}
	total := decompile.TreeResult{}
	for _, dir := range res.WorkDirs {
		tr, err := d.DecompileTree(ctx, dir, "", true, true, opts.OnDecompile)
		if err != nil {
			return err
		}
		total.Found += tr.Found
		total.Decompiled += tr.Decompiled
		total.Skipped += tr.Skipped
		if tr.Errors != nil {
			total.Errors = multierror.Append(total.Errors, tr.Errors.Errors...)
		}
	}
	res.Decompiled = &total
	if total.Decompiled == 0 && total.Errors != nil {
		return fmt.Errorf("%w: %v", decompile.ErrDecompilerFailed, total.Errors)
	}
	return nil
}
