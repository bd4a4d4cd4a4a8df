package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/derenpy/derenpy/auto"
	"github.com/derenpy/derenpy/cache"
	"github.com/derenpy/derenpy/config"
	"github.com/derenpy/derenpy/extract"
	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/i18n"
	"github.com/derenpy/derenpy/patch"
	"github.com/derenpy/derenpy/translate"
)

// ---------------------------------------------------------------------------
// Shared translation flags
// ---------------------------------------------------------------------------

type translationFlags struct {
	lang         string
	api          string
	apiKey       string
	apiBase      string
	model        string
	glossary     string
	templateOnly bool
	noCache      bool

	// fixedAPI is the --api default that wins over the config provider
	// (auto uses google); empty defers to api.provider.
	fixedAPI string
}

func (f *translationFlags) register(cmd *cobra.Command, fixedAPI string) {
	f.fixedAPI = fixedAPI
	apiHelp := "Backend: " + strings.Join(translate.APINames(), ", ") + " (default: api.provider from config)"
	if fixedAPI != "" {
		apiHelp = "Backend: " + strings.Join(translate.APINames(), ", ")
	}

	fs := pflag.NewFlagSet("translation", pflag.ContinueOnError)
	fs.StringVarP(&f.lang, "lang", "l", "", "Target language, e.g. chinese, japanese, ko (default: translation.default_language)")
	fs.StringVar(&f.api, "api", fixedAPI, apiHelp)
	fs.StringVar(&f.apiKey, "api-key", "", "API key (or config / OPENAI_API_KEY, ANTHROPIC_API_KEY, DEEPL_API_KEY)")
	fs.StringVar(&f.apiBase, "api-base", "", "Custom API base URL")
	fs.StringVar(&f.model, "model", "", "Model name (LLM backends)")
	fs.StringVar(&f.glossary, "glossary", "", "Glossary file (term = translation per line, or YAML)")
	fs.BoolVar(&f.templateOnly, "template-only", false, "Skip translation")
	fs.BoolVar(&f.noCache, "no-cache", false, "Do not read or write the translation cache")
	cmd.Flags().AddFlagSet(fs)

	_ = cmd.RegisterFlagCompletionFunc("api", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{
			"openai\tOpenAI chat completions (API key)",
			"claude\tAnthropic Claude (API key)",
			"ollama\tLocal Ollama server",
			"google\tGoogle Translate, free (no key)",
			"deepl\tDeepL (API key)",
		}, cobra.ShellCompDirectiveNoFileComp
	})
}

// translationSetup holds what a translating command resolved from its
// flags and the config file.
type translationSetup struct {
	cfg        *config.Config
	lang       string
	provider   string
	translator *translate.Translator
	cache      *cache.Cache
	glossary   *glossary.Glossary
}

// cacheStore returns the cache as the interface the translators use, or an
// untyped nil when caching is off.
func (s *translationSetup) cacheStore() translate.Cache {
	if s.cache == nil {
		return nil
	}
	return s.cache
}

func (s *translationSetup) close() {
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			logDebug("closing cache: %v", err)
		}
	}
}

// resolveLang picks --lang, else the configured default language.
func (f *translationFlags) resolveLang(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("lang") && strings.TrimSpace(f.lang) != "" {
		return strings.TrimSpace(f.lang)
	}
	return cfg.Translation.DefaultLanguage
}

// resolveProvider picks --api when given, else the fixed default, else the
// configured provider.
func (f *translationFlags) resolveProvider(cmd *cobra.Command, cfg *config.Config) string {
	if cmd.Flags().Changed("api") || f.fixedAPI != "" {
		return strings.ToLower(strings.TrimSpace(f.api))
	}
	return cfg.API.Provider
}

// setup resolves the backend. With strict, a missing API key is an error;
// otherwise it is reported and the run falls back to template only.
func (f *translationFlags) setup(cmd *cobra.Command, strict bool) (*translationSetup, error) {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	s := &translationSetup{
		cfg:      cfg,
		lang:     f.resolveLang(cmd, cfg),
		provider: f.resolveProvider(cmd, cfg),
	}

	if f.glossary != "" {
		g, err := glossary.Load(f.glossary)
		if err != nil {
			logWarning("Failed to load glossary: %v", err)
		} else {
			for _, w := range g.Warnings {
				logWarning("glossary: %s", w)
			}
			logInfo("Loaded %d glossary term(s)", g.Len())
			s.glossary = g
		}
	}

	if f.templateOnly {
		return s, nil
	}

	api, err := translate.ParseAPI(s.provider)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(f.apiKey)
	if key == "" {
		key = cfg.APIKey(s.provider)
	}
	if key == "" && needsKey(api) {
		if strict {
			return nil, fmt.Errorf("%w for %s: set it via --api-key, 'derenpy config set', or the environment; or use --api google for free translation",
				translate.ErrMissingKey, api)
		}
		if api == translate.APIDeepL {
			logWarning("DeepL API key required. Get a free key at https://www.deepl.com/pro-api")
			logWarning("Use --api google for translation without a key. Generating template only.")
		} else {
			logWarning("No API key provided, generating template only")
			logWarning("Run 'derenpy config init' to set up API keys, or use --api google for free translation.")
		}
		return s, nil
	}

	base := f.apiBase
	if base == "" {
		base = cfg.APIBase(s.provider)
	}
	model := f.model
	if model == "" {
		model = cfg.Model(s.provider)
	}
	s.translator, err = translate.New(translate.Options{
		API:          api,
		Language:     s.lang,
		APIKey:       key,
		BaseURL:      base,
		Model:        model,
		SystemPrompt: cfg.Translation.CustomPrompt,
		Context:      s.glossary.PromptContext(),
		OnLog:        logDebug,
	})
	if err != nil {
		return nil, err
	}
	logInfo("Using %s", s.translator.Describe())

	if !f.noCache {
		c, err := cache.Open()
		if err != nil {
			logWarning("Translation cache unavailable: %v", err)
		} else {
			logDebug("Translation cache: %s", c.Path())
			s.cache = c
		}
	}
	return s, nil
}

func needsKey(api translate.API) bool {
	switch api {
	case translate.APIOpenAI, translate.APIClaude, translate.APIDeepL:
		return true
	}
	return false
}

func logStats(s patch.Stats) {
	if s.Unique == 0 {
		return
	}
	logInfo("Stats: %d cached, %d API calls", s.CacheHits, s.APICalls)
	if s.Failed > 0 {
		logWarning("%d text(s) could not be translated and keep the original", s.Failed)
	}
}

func logErrors(errs interface{ WrappedErrors() []error }) {
	for _, err := range errs.WrappedErrors() {
		logError("%v", err)
	}
}

func printUsageHint(w io.Writer) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, i18n.T("To use this translation:"))
	fmt.Fprintln(w, "  1. "+i18n.T("Copy the 'tl' folder to your game's 'game' directory"))
	fmt.Fprintln(w, "  2. "+i18n.T("The game will auto-detect the translation"))
	fmt.Fprintln(w, "  3. "+i18n.T("Add a language selector to the preferences screen if needed"))
}

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

func newTranslateCmd() *cobra.Command {
	var (
		flags     translationFlags
		output    string
		recursive bool
	)

	cmd := &cobra.Command{
		Use:   "translate <file.rpy|dir>",
		Short: "Translate scripts into *_translated copies",
		Long: `Translate the dialogue, narration and menu choices of scripts and write
rewritten copies. Only the quoted text on each line is replaced.

A file is written to <stem>_translated.<ext> beside it, or to -o (a file, or
a directory that receives the same name). A directory writes
<stem>_translated copies beside each script, or mirrors the tree under -o.

With --template-only nothing is translated; the extracted entries are listed.

Examples:
  derenpy translate game/script.rpy --api google --lang japanese
  derenpy translate game/ -r -o translated/ --api openai --model gpt-4o-mini
  derenpy translate game/script.rpy --template-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if _, err := os.Stat(input); err != nil {
				return fmt.Errorf("input path does not exist: %s", input)
			}
			if flags.templateOnly {
				return listEntries(cmd.OutOrStdout(), input, recursive)
			}

			s, err := flags.setup(cmd, true)
			if err != nil {
				return err
			}
			defer s.close()

			bar := newProgress("translate")
			res, err := patch.TranslateCopies(cmd.Context(), patch.CopyOptions{
				Input:      input,
				Output:     output,
				Recursive:  recursive,
				Translator: s.translator,
				Cache:      s.cacheStore(),
				Glossary:   s.glossary,
				OnLog:      bar.log(logInfo),
				OnProgress: bar.update,
			})
			bar.finish()
			if errors.Is(err, patch.ErrNoScripts) {
				logWarning("No script files found in %s", input)
				return nil
			}
			if err != nil {
				return err
			}
			if res.Errors != nil {
				logErrors(res.Errors)
			}
			if res.Entries == 0 {
				logWarning("No translatable text found")
			}
			logStats(res.Stats)
			for _, f := range res.Files {
				logInfo("  %s", f)
			}
			logSuccess("Translated %d of %d entries in %d file(s)", res.Translated, res.Entries, len(res.Files))
			return nil
		},
	}

	flags.register(cmd, "")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file or directory")
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Process subdirectories")

	return cmd
}

// listEntries prints the translatable entries of each script.
func listEntries(w io.Writer, input string, recursive bool) error {
	files, err := extract.FindFiles(input, recursive, extract.ScriptExtensions...)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logWarning("No script files found in %s", input)
		return nil
	}
	total := 0
	for _, path := range files {
		entries, err := extract.ExtractFile(path)
		if err != nil {
			logError("Reading %s: %v", path, err)
			continue
		}
		if len(entries) == 0 {
			continue
		}
		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{strconv.Itoa(e.Line), e.Kind.String(), e.Text})
		}
		fmt.Fprintln(w, path)
		fmt.Fprintln(w, renderTable([]string{"Line", "Kind", "Text"}, rows, 0))
		total += len(entries)
	}
	logInfo("%d translatable entries in %d file(s)", total, len(files))
	return nil
}

// ---------------------------------------------------------------------------
// patch
// ---------------------------------------------------------------------------

func newPatchCmd() *cobra.Command {
	var (
		flags  translationFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "patch <game-dir|file.rpa>",
		Short: "Generate a tl/<language> translation overlay",
		Long: `Generate a translation overlay: tl/<language>/ files with one translate
block per dialogue line plus strings.rpy for menu choices. The game loads
the overlay without changes to its scripts.

The overlay goes to <game-dir>/game (or the directory itself), ./game for an
archive input, or -o. A derenpy.lock manifest records the scripts it was
generated from; re-runs report what changed.

Examples:
  derenpy patch ~/Games/MyNovel --api google --lang chinese
  derenpy patch game/scripts.rpa -o patch/ --api deepl --lang japanese
  derenpy patch ~/Games/MyNovel --template-only`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			info, err := os.Stat(input)
			if err != nil {
				return fmt.Errorf("input path does not exist: %s", input)
			}
			isArchive := patch.IsArchive(input)
			if !info.IsDir() && !isArchive {
				return fmt.Errorf("input must be a game directory or an .rpa file: %s", input)
			}

			s, err := flags.setup(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			work := input
			if isArchive {
				logInfo("Unpacking %s", input)
				bar := newProgress("unpack")
				work, err = patch.UnpackToTemp(cmd.Context(), input, "", "derenpy", bar.named)
				bar.finish()
				if err != nil {
					return err
				}
				defer os.RemoveAll(work)
			}

			out := output
			if out == "" {
				out = patch.DefaultOutput(input)
			}

			bar := newProgress("translate")
			res, err := patch.Run(cmd.Context(), patch.Options{
				Dirs:       []string{work},
				Output:     out,
				Lang:       s.lang,
				Translator: s.translator,
				Cache:      s.cacheStore(),
				Glossary:   s.glossary,
				OnLog:      bar.log(logInfo),
				OnProgress: bar.update,
			})
			bar.finish()
			if err != nil {
				return err
			}
			reportPatch(cmd.OutOrStdout(), res)
			return nil
		},
	}

	flags.register(cmd, "")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory for the tl/ overlay")

	return cmd
}

func reportPatch(w io.Writer, res *patch.Result) {
	if res.Errors != nil {
		logErrors(res.Errors)
	}
	logStats(res.Stats)
	logSuccess("Created %d translation file(s)", len(res.Files))
	for _, f := range res.Files {
		logInfo("  %s", f)
	}
	printUsageHint(w)
}

// ---------------------------------------------------------------------------
// auto
// ---------------------------------------------------------------------------

func newAutoCmd() *cobra.Command {
	var (
		flags    translationFlags
		output   string
		keepTemp bool
	)

	cmd := &cobra.Command{
		Use:   "auto <game-dir|file.rpa>",
		Short: "Unpack, decompile and patch in one run",
		Long: `Run the whole workflow: unpack archives into a temporary directory,
decompile compiled scripts when no sources exist, then generate the
translation overlay (or translated copies when translation.patch_mode is
false).

The output defaults to the game directory, or <stem>_translation beside an
archive. Temporary files are removed unless --keep-temp is given.

Examples:
  derenpy auto ~/Games/MyNovel --lang chinese
  derenpy auto game/scripts.rpa --api deepl --lang german
  derenpy auto ~/Games/MyNovel --template-only --keep-temp`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := flags.setup(cmd, false)
			if err != nil {
				return err
			}
			defer s.close()

			logSuccess("Starting automatic translation workflow")
			extractBar := newProgress("unpack")
			decompileBar := newProgress("decompile")
			translateBar := newProgress("translate")

			res, err := auto.Run(cmd.Context(), auto.Options{
				Input:      args[0],
				Output:     output,
				Lang:       s.lang,
				Translator: s.translator,
				Cache:      s.cacheStore(),
				Glossary:   s.glossary,
				PatchMode:  s.cfg.Translation.PatchMode,
				KeepTemp:   keepTemp,
				NewDecompiler: func() (auto.Decompiler, error) {
					d, err := newDecompiler(s.cfg)
					if err != nil {
						return nil, err
					}
					return d, nil
				},
				OnStep: func(n, total int, title string) {
					extractBar.finish()
					decompileBar.finish()
					logStep(n, total, title)
				},
				OnLog:        translateBar.log(logInfo),
				OnExtract:    extractBar.named,
				OnDecompile:  decompileBar.named,
				OnTranslated: translateBar.update,
			})
			extractBar.finish()
			decompileBar.finish()
			translateBar.finish()
			if err != nil {
				return err
			}

			if res.Decompiled != nil {
				if err := reportDecompile(*res.Decompiled); err != nil {
					return err
				}
			}
			w := cmd.OutOrStdout()
			if res.Patch != nil {
				reportPatch(w, res.Patch)
			}
			for _, cr := range res.Copies {
				if cr.Errors != nil {
					logErrors(cr.Errors)
				}
				logStats(cr.Stats)
				logSuccess("Translated %d of %d entries in %d file(s)", cr.Translated, cr.Entries, len(cr.Files))
			}
			fmt.Fprintln(os.Stderr)
			logSuccess("Workflow completed! Output: %s", res.Output)
			return nil
		},
	}

	flags.register(cmd, "google")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output directory")
	cmd.Flags().BoolVar(&keepTemp, "keep-temp", false, "Keep the temporary directory with extracted files")

	return cmd
}
