package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/derenpy/derenpy/cache"
)

// ---------------------------------------------------------------------------
// cache
// ---------------------------------------------------------------------------

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the translation cache",
		Long: `Translations are cached in a SQLite database keyed by source text,
target language and backend, so re-running a translation only sends new
text to the API.

Examples:
  derenpy cache stats
  derenpy cache clear`,
	}

	cmd.AddCommand(newCacheStatsCmd(), newCacheClearCmd(), newCachePathCmd())
	return cmd
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cached translation counts per backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cache.Open()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printCacheStats(cmd.OutOrStdout(), c.Path(), st)
		},
	}
}

func printCacheStats(w io.Writer, path string, st cache.Stats) error {
	fmt.Fprintf(w, "Cache: %s\n", path)
	if st.Total == 0 {
		fmt.Fprintln(w, "No cached translations")
		return nil
	}
	rows := make([][]string, 0, len(st.ByProvider)+1)
	for _, pc := range st.ByProvider {
		rows = append(rows, []string{pc.Provider, humanize.Comma(int64(pc.Count))})
	}
	rows = append(rows, []string{"total", strconv.Itoa(st.Total)})
	_, err := fmt.Fprintln(w, renderTable([]string{"Provider", "Count"}, rows, 1))
	return err
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached translation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := cache.Open()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Clear(cmd.Context()); err != nil {
				return err
			}
			logSuccess("Cleared %d cached translation(s)", st.Total)
			return nil
		},
	}
}

func newCachePathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the cache database location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := cache.DefaultPath()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", path, fileState(fileExists(path)))
			return nil
		},
	}
}
