// derenpy: Ren'Py game toolkit. Unpacks and repacks RPA archives, decompiles
// compiled scripts and translates games through LLM or machine-translation
// backends into tl/ overlays.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/derenpy/derenpy/config"
	"github.com/derenpy/derenpy/i18n"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

var (
	tagInfo    = color.New(color.FgBlue)
	tagSuccess = color.New(color.FgGreen)
	tagWarning = color.New(color.FgYellow, color.Bold)
	tagError   = color.New(color.FgRed)
	tagDebug   = color.New(color.FgHiBlack)
	tagStep    = color.New(color.FgCyan)
)

func logInfo(format string, args ...any) {
	fmt.Fprintf(os.Stderr, tagInfo.Sprint("[INFO]")+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(os.Stderr, tagSuccess.Sprint("[OK]")+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(os.Stderr, tagWarning.Sprint("[WARN]")+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, tagError.Sprint("[ERROR]")+" "+format+"\n", args...)
}

func logDebug(format string, args ...any) {
	if !verbose {
		return
	}
	fmt.Fprintf(os.Stderr, tagDebug.Sprint("[DEBUG]")+" "+format+"\n", args...)
}

func logStep(n, total int, title string) {
	fmt.Fprintf(os.Stderr, "\n%s %s\n", tagStep.Sprintf("[Step %d/%d]", n, total), title)
}

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	configPath string
	verbose    bool
	noColor    bool
)

// loadConfig reads the configuration named by --config, or the default
// file. general.verbose turns on debug output unless --verbose was given.
func loadConfig() (*config.Config, string, bool, error) {
	cfg, path, exists, err := config.Load(configPath)
	if err != nil {
		return nil, path, exists, err
	}
	if cfg.General.Verbose {
		verbose = true
	}
	return cfg, path, exists, nil
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "derenpy",
		Short: "Ren'Py toolkit: unpack, decompile and translate games",
		Long: `derenpy: Ren'Py game toolkit.

Unpacks and repacks RPA archives, decompiles .rpyc scripts through an
external decompiler, and translates games with LLM or machine-translation
backends. Translations are written as tl/<language> overlays the engine
loads without touching the original scripts.

Commands:
  unpack      Extract RPA archives
  repack      Pack a directory into an RPA archive
  decompile   Decompile .rpyc/.rpymc scripts
  translate   Translate scripts into *_translated copies
  patch       Generate a tl/<language> translation overlay
  auto        Unpack, decompile and patch in one run
  config      Manage the configuration file
  cache       Inspect or clear the translation cache

Translation backends:
  openai     OpenAI chat completions (API key)
  claude     Anthropic messages (API key)
  ollama     Local Ollama server
  google     Google Translate, free endpoint (no key)
  deepl      DeepL (API key)`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	// Global persistent flags, inherited by all subcommands
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug output")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file (default: user config dir)")

	root.AddCommand(
		newUnpackCmd(),
		newRepackCmd(),
		newDecompileCmd(),
		newTranslateCmd(),
		newPatchCmd(),
		newAutoCmd(),
		newConfigCmd(),
		newCacheCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := newRootCmd().ExecuteContext(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		logWarning("%s", i18n.T("Interrupted"))
		os.Exit(130)
	}
	logError("%v", err)
	os.Exit(1)
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "derenpy version %s\n", version)
			fmt.Fprintf(out, "  commit:    %s\n", commit)
			fmt.Fprintf(out, "  built:     %s\n", date)
		},
	}

	return cmd
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isTerminal(f *os.File) bool {
	if f == nil {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// progress drives a progress bar on stderr from absolute done/total counts.
// The bar is created on the first update; nothing is drawn when stderr is
// not a terminal. Safe for concurrent use.
type progress struct {
	desc string

	mu  sync.Mutex
	bar *progressbar.ProgressBar
	off bool
}

func newProgress(desc string) *progress {
	return &progress{desc: desc, off: !isTerminal(os.Stderr)}
}

func (p *progress) update(done, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.off || total <= 0 {
		return
	}
	if p.bar == nil {
		desc := p.desc
		theme := progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}
		if color.NoColor {
			theme.Saucer, theme.SaucerHead = "=", ">"
		} else {
			desc = "[cyan]" + desc + "[reset]"
		}
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionEnableColorCodes(!color.NoColor),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription(desc),
			progressbar.OptionSetTheme(theme))
	}
	_ = p.bar.Set(done)
}

// named adapts the bar to callbacks that also report the current item.
func (p *progress) named(done, total int, _ string) {
	p.update(done, total)
}

// log wraps fn so messages erase the bar before printing; the next update
// redraws it.
func (p *progress) log(fn func(string, ...any)) func(string, ...any) {
	return func(format string, args ...any) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.bar != nil {
			_ = p.bar.Clear()
		}
		fn(format, args...)
	}
}

func (p *progress) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bar != nil {
		_ = p.bar.Finish()
		fmt.Fprintln(os.Stderr)
		p.bar = nil
	}
}
