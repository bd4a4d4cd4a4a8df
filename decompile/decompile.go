// Package decompile turns compiled scripts (.rpyc/.rpymc) back into source
// by running an external Python decompiler script as a child process. The
// script prints one JSON record, {"success", "output", "error"}, on stdout.
package decompile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/derenpy/derenpy/extract"
)

// ScriptName is the decompiler bridge looked up next to the binary.
const ScriptName = "decompile.py"

var (
	// ErrDecompilerMissing means no decompiler script could be found.
	ErrDecompilerMissing = errors.New("decompiler script not found")
	// ErrDecompilerFailed means the child ran but did not report success.
	ErrDecompilerFailed = errors.New("decompilation failed")
)

// Indirections for tests.
var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
	executable     = os.Executable
)

// Options configures discovery. Empty fields fall back to the search order.
type Options struct {
	// Python is the interpreter to run (config paths.python).
	Python string
	// Script is the decompiler script path (config paths.unrpyc).
	Script string
}

// Decompiler runs the bridge script.
type Decompiler struct {
	python string
	script string
}

// New locates the interpreter and the script.
func New(opts Options) (*Decompiler, error) {
	script, err := FindScript(opts.Script)
	if err != nil {
		return nil, err
	}
	return &Decompiler{python: FindPython(opts.Python), script: script}, nil
}

// Python returns the interpreter in use.
func (d *Decompiler) Python() string { return d.python }

// Script returns the decompiler script in use.
func (d *Decompiler) Script() string { return d.script }

// ScriptCandidates lists where the script is searched for, in order: the
// configured path, then scripts/ next to the executable and up to two
// levels above it, then ./scripts.
func ScriptCandidates(configured string) []string {
	var out []string
	if configured = strings.TrimSpace(configured); configured != "" {
		out = append(out, configured)
	}
	if exe, err := executable(); err == nil {
		dir := filepath.Dir(exe)
		out = append(out,
			filepath.Join(dir, "scripts", ScriptName),
			filepath.Join(dir, "..", "scripts", ScriptName),
			filepath.Join(dir, "..", "..", "scripts", ScriptName),
		)
	}
	return append(out, filepath.Join("scripts", ScriptName))
}

// FindScript returns the first existing candidate as an absolute path.
func FindScript(configured string) (string, error) {
	candidates := ScriptCandidates(configured)
	for _, c := range candidates {
		info, err := os.Stat(c)
		if err != nil || info.IsDir() {
			continue
		}
		if abs, err := filepath.Abs(c); err == nil {
			return abs, nil
		}
		return c, nil
	}
	return "", fmt.Errorf("%w (searched %s)", ErrDecompilerMissing, strings.Join(candidates, ", "))
}

// FindPython returns the configured interpreter, else the first of python3
// and python found on PATH, else "python3".
func FindPython(configured string) string {
	if configured = strings.TrimSpace(configured); configured != "" {
		return configured
	}
	for _, name := range []string{"python3", "python"} {
		if _, err := lookPath(name); err == nil {
			return name
		}
	}
	return "python3"
}

// OutputPath maps a compiled script to its source name: .rpyc to .rpy and
// .rpymc to .rpym.
func OutputPath(in string) string {
	ext := filepath.Ext(in)
	base := strings.TrimSuffix(in, ext)
	if strings.EqualFold(ext, ".rpymc") {
		return base + ".rpym"
	}
	return base + ".rpy"
}

type record struct {
	Success bool    `json:"success"`
	Output  string  `json:"output"`
	Error   *string `json:"error"`
}

// Decompile converts one file. out may be empty, in which case the
// decompiler chooses. Returns the path it reports having written.
func (d *Decompiler) Decompile(ctx context.Context, in, out string) (string, error) {
	args := []string{d.script, in}
	if out != "" {
		args = append(args, out)
	}
	cmd := commandContext(ctx, d.python, args...) //nolint:gosec
	var stderr strings.Builder
	cmd.Stderr = &stderr
	stdout, runErr := cmd.Output()
	if ctx.Err() != nil {
		return "", ctx.Err()
	}

	text := strings.TrimSpace(string(stdout))
	if text == "" {
		if runErr != nil {
			return "", fmt.Errorf("%w: %s: %v: %s", ErrDecompilerFailed, in, runErr, strings.TrimSpace(stderr.String()))
		}
		return "", fmt.Errorf("%w: %s: decompiler produced no output", ErrDecompilerFailed, in)
	}

	var rec record
	if err := json.Unmarshal([]byte(text), &rec); err != nil {
		return "", fmt.Errorf("%w: %s: parsing decompiler output: %v", ErrDecompilerFailed, in, err)
	}
	if !rec.Success {
		msg := "unknown error"
		if rec.Error != nil && *rec.Error != "" {
			msg = *rec.Error
		}
		return "", fmt.Errorf("%w: %s: %s", ErrDecompilerFailed, in, msg)
	}
	if rec.Output == "" {
		return out, nil
	}
	return rec.Output, nil
}

// ---------------------------------------------------------------------------
// Directory runs
// ---------------------------------------------------------------------------

// ProgressFunc reports a finished file.
type ProgressFunc func(done, total int, name string)

// TreeResult summarizes a directory run.
type TreeResult struct {
	Found      int
	Decompiled int
	Skipped    int
	// Errors collects per-file failures; nil when every file succeeded.
	Errors *multierror.Error
}

// DecompileTree converts every compiled script under dir. Outputs go next
// to their inputs, or mirror the tree under outDir when it is set. Existing
// outputs are skipped unless force. Per-file failures are collected in the
// result; the returned error is reserved for scan failures and
// cancellation.
func (d *Decompiler) DecompileTree(ctx context.Context, dir, outDir string, recursive, force bool, progress ProgressFunc) (TreeResult, error) {
	files, err := extract.FindFiles(dir, recursive, extract.CompiledExtensions...)
	if err != nil {
		return TreeResult{}, fmt.Errorf("scanning %s: %w", dir, err)
	}
	res := TreeResult{Found: len(files)}

	for i, in := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		out := OutputPath(in)
		if outDir != "" {
			rel, err := filepath.Rel(dir, in)
			if err != nil {
				rel = filepath.Base(in)
			}
			out = OutputPath(filepath.Join(outDir, rel))
		}

		if _, err := os.Stat(out); err == nil && !force {
			res.Skipped++
		} else if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
			res.Errors = multierror.Append(res.Errors, err)
		} else if _, err := d.Decompile(ctx, in, out); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Errors = multierror.Append(res.Errors, err)
		} else {
			res.Decompiled++
		}

		if progress != nil {
			progress(i+1, len(files), filepath.Base(in))
		}
	}
	return res, nil
}
