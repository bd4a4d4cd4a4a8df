package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/derenpy/derenpy/config"
	"github.com/derenpy/derenpy/decompile"
)

// ---------------------------------------------------------------------------
// decompile
// ---------------------------------------------------------------------------

func newDecompileCmd() *cobra.Command {
	var (
		output    string
		recursive bool
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "decompile <file.rpyc|dir>",
		Short: "Decompile .rpyc/.rpymc scripts",
		Long: `Decompile compiled scripts back to source through an external Python
decompiler (scripts/decompile.py, or paths.unrpyc from the config).

Outputs are written next to their inputs (script.rpyc -> script.rpy), or
mirrored under -o. Existing outputs are kept unless -f is given.

Examples:
  derenpy decompile game/script.rpyc
  derenpy decompile game/ -r
  derenpy decompile game/ -r -o decompiled/ -f`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := loadConfig()
			if err != nil {
				return err
			}
			d, err := newDecompiler(cfg)
			if err != nil {
				return err
			}
			logDebug("Decompiler: %s %s", d.Python(), d.Script())

			input := args[0]
			info, err := os.Stat(input)
			if err != nil {
				return fmt.Errorf("input path does not exist: %s", input)
			}
			if !info.IsDir() {
				out := decompile.OutputPath(input)
				if output != "" {
					out = filepath.Join(output, filepath.Base(out))
				}
				if fileExists(out) && !force {
					return fmt.Errorf("output already exists: %s (use -f to overwrite)", out)
				}
				if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
					return err
				}
				written, err := d.Decompile(cmd.Context(), input, out)
				if err != nil {
					return err
				}
				logSuccess("Decompiled %s -> %s", input, written)
				return nil
			}

			bar := newProgress("decompile")
			res, err := d.DecompileTree(cmd.Context(), input, output, recursive, force, bar.named)
			bar.finish()
			if err != nil {
				return err
			}
			return reportDecompile(res)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Process subdirectories")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing outputs")

	return cmd
}

func newDecompiler(cfg *config.Config) (*decompile.Decompiler, error) {
	d, err := decompile.New(decompile.Options{Python: cfg.Paths.Python, Script: cfg.Paths.Unrpyc})
	if err != nil {
		return nil, fmt.Errorf("%w (looked in: %v; set paths.unrpyc with 'derenpy config set')",
			err, decompile.ScriptCandidates(cfg.Paths.Unrpyc))
	}
	return d, nil
}

// reportDecompile logs a tree result. It fails only when every file failed.
func reportDecompile(res decompile.TreeResult) error {
	if res.Found == 0 {
		logWarning("No compiled scripts found")
		return nil
	}
	if res.Errors != nil {
		for _, err := range res.Errors.Errors {
			logError("%v", err)
		}
	}
	logInfo("Found %d, decompiled %d, skipped %d existing", res.Found, res.Decompiled, res.Skipped)
	if res.Errors != nil && len(res.Errors.Errors) == res.Found-res.Skipped {
		return fmt.Errorf("%w: every file failed", decompile.ErrDecompilerFailed)
	}
	logSuccess("Decompilation complete")
	return nil
}
