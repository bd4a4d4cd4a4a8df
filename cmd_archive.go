package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/derenpy/derenpy/extract"
	"github.com/derenpy/derenpy/rpa"
)

// ---------------------------------------------------------------------------
// unpack
// ---------------------------------------------------------------------------

func newUnpackCmd() *cobra.Command {
	var (
		output    string
		recursive bool
		force     bool
		list      bool
	)

	cmd := &cobra.Command{
		Use:   "unpack <file.rpa|dir>",
		Short: "Extract RPA archives",
		Long: `Extract the members of an RPA archive, or of every archive in a
directory.

Each archive is extracted into a directory named after it (archive.rpa ->
archive/), next to the archive or under -o. Existing output directories
are refused unless -f is given.

Examples:
  derenpy unpack game/archive.rpa
  derenpy unpack game/ -r -o extracted/
  derenpy unpack game/scripts.rpa --list`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			info, err := os.Stat(input)
			if err != nil {
				return fmt.Errorf("input path does not exist: %s", input)
			}
			if list {
				return runList(cmd, input, info.IsDir(), recursive)
			}
			if !info.IsDir() {
				out := output
				if out == "" {
					out = archiveOutputDir(input)
				}
				return unpackArchive(cmd.Context(), input, out, force)
			}
			return unpackDirectory(cmd.Context(), input, output, recursive, force)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Search subdirectories for archives")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing output directories")
	cmd.Flags().BoolVar(&list, "list", false, "List members and sizes without extracting")

	return cmd
}

// archiveOutputDir returns the directory beside path named after its stem.
func archiveOutputDir(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

func unpackArchive(ctx context.Context, path, out string, force bool) error {
	logInfo("Unpacking %s", path)
	a, err := rpa.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	logInfo("  Version: %s, Files: %d, Size: %s", a.Version(), a.Len(), humanize.Bytes(uint64(a.Size())))

	if dirExists(out) && !force {
		return fmt.Errorf("output directory already exists: %s (use -f to overwrite)", out)
	}
	if err := os.MkdirAll(out, 0o755); err != nil {
		return err
	}

	bar := newProgress(filepath.Base(path))
	err = a.ExtractAll(ctx, out, bar.named)
	bar.finish()
	if err != nil {
		return err
	}
	logSuccess("Extracted %d file(s) to %s", a.Len(), out)
	return nil
}

func unpackDirectory(ctx context.Context, dir, output string, recursive, force bool) error {
	archives, err := extract.FindFiles(dir, recursive, extract.ArchiveExtensions...)
	if err != nil {
		return err
	}
	if len(archives) == 0 {
		logWarning("No RPA files found in %s", dir)
		return nil
	}
	logInfo("Found %d RPA file(s)", len(archives))

	var errs *multierror.Error
	for _, path := range archives {
		out := archiveOutputDir(path)
		if output != "" {
			out = filepath.Join(output, filepath.Base(archiveOutputDir(path)))
		}
		if err := unpackArchive(ctx, path, out, force); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logError("Failed to unpack %s: %v", path, err)
			errs = multierror.Append(errs, err)
		}
	}
	if errs != nil && len(errs.Errors) == len(archives) {
		return fmt.Errorf("every archive failed: %w", errs)
	}
	return nil
}

func runList(cmd *cobra.Command, input string, isDir, recursive bool) error {
	paths := []string{input}
	if isDir {
		var err error
		paths, err = extract.FindFiles(input, recursive, extract.ArchiveExtensions...)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			logWarning("No RPA files found in %s", input)
			return nil
		}
	}

	out := cmd.OutOrStdout()
	for _, path := range paths {
		a, err := rpa.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		fmt.Fprintln(out, listArchive(path, a))
	}
	return nil
}

// listArchive renders the member table of an open archive.
func listArchive(path string, a *rpa.Archive) string {
	var total int64
	rows := make([][]string, 0, a.Len())
	for _, name := range a.Names() {
		size, _ := a.MemberSize(name)
		total += size
		rows = append(rows, []string{name, humanize.Bytes(uint64(size))})
	}
	rows = append(rows, []string{fmt.Sprintf("%d file(s)", a.Len()), humanize.Bytes(uint64(total))})
	return fmt.Sprintf("%s (%s, %s)\n%s", path, a.Version(), humanize.Bytes(uint64(a.Size())),
		renderTable([]string{"Member", "Size"}, rows, 1))
}

// ---------------------------------------------------------------------------
// repack
// ---------------------------------------------------------------------------

func newRepackCmd() *cobra.Command {
	var (
		output     string
		rpaVersion string
	)

	cmd := &cobra.Command{
		Use:   "repack <dir>",
		Short: "Pack a directory into an RPA archive",
		Long: `Pack every file under a directory into a new RPA archive. Member names
are relative to the directory.

Examples:
  derenpy repack extracted/ -o game/archive.rpa
  derenpy repack mod/ --version 2.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := filepath.Clean(args[0])
			if !dirExists(dir) {
				return fmt.Errorf("input must be a directory: %s", dir)
			}
			v, err := rpa.ParseVersion(rpaVersion)
			if err != nil {
				return err
			}
			out := output
			if out == "" {
				out = dir + ".rpa"
			}

			logInfo("Packing %s as %s", dir, v)
			bar := newProgress(filepath.Base(out))
			n, err := rpa.PackDir(cmd.Context(), dir, out, v, bar.named)
			bar.finish()
			if err != nil {
				return err
			}
			size := ""
			if info, err := os.Stat(out); err == nil {
				size = ", " + humanize.Bytes(uint64(info.Size()))
			}
			logSuccess("Created %s (%d file(s)%s)", out, n, size)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output archive (default: <dir>.rpa)")
	cmd.Flags().StringVar(&rpaVersion, "version", "3.0", "Archive version: 2.0 or 3.0")

	_ = cmd.RegisterFlagCompletionFunc("version", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"3.0\tRPA-3.0 (obfuscated index)", "2.0\tRPA-2.0"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}
