package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/derenpy/derenpy/config"
	"github.com/derenpy/derenpy/i18n"
)

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		Long: `Show, create and edit the TOML configuration file. Keys are dotted
section.name paths, e.g. api.provider or translation.default_language.

Examples:
  derenpy config init
  derenpy config set api.openai_api_key sk-...
  derenpy config get translation.default_language
  derenpy config show`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
		newConfigSetCmd(),
		newConfigGetCmd(),
		newConfigPathCmd(),
		newConfigEditCmd(),
	)
	return cmd
}

func completeConfigKeys(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	return config.Keys(), cobra.ShellCompDirectiveNoFileComp
}

// maskedCopy returns cfg with every secret masked.
func maskedCopy(cfg *config.Config) *config.Config {
	c := *cfg
	for _, key := range lo.Filter(config.Keys(), func(k string, _ int) bool { return config.IsSecret(k) }) {
		v, _ := c.Get(key)
		_ = c.Set(key, config.MaskSecret(v))
	}
	return &c
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, exists, err := loadConfig()
			if err != nil {
				return err
			}
			return showConfig(cmd.OutOrStdout(), cfg, path, exists)
		},
	}
}

func showConfig(w io.Writer, cfg *config.Config, path string, exists bool) error {
	data, err := maskedCopy(cfg).Marshal()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "# %s (%s)\n", path, fileState(exists))
	_, err = w.Write(data)
	return err
}

func fileState(exists bool) string {
	if exists {
		return i18n.T("exists")
	}
	return i18n.T("not created")
}

func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a commented default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, exists, err := config.Load(configPath)
			if err != nil && (path == "" || !errors.Is(err, config.ErrConfig)) {
				return err
			}
			if exists && !force {
				return fmt.Errorf("configuration file already exists: %s (use -f to overwrite)", path)
			}
			if err := config.WriteSample(path); err != nil {
				return err
			}
			logSuccess("Created %s", path)
			logInfo("Set API keys with 'derenpy config set api.openai_api_key <key>' or 'derenpy config edit'")
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "set <key> <value>",
		Short:             "Set a configuration value",
		Args:              cobra.ExactArgs(2),
		ValidArgsFunction: completeConfigKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, _, err := loadConfig()
			if err != nil {
				return err
			}
			key := strings.ToLower(args[0])
			if err := cfg.Set(key, args[1]); err != nil {
				return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.Keys(), ", "))
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			shown := args[1]
			if config.IsSecret(key) {
				shown = config.MaskSecret(shown)
			}
			logSuccess("%s = %s", key, shown)
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:               "get <key>",
		Short:             "Print a configuration value (secrets masked)",
		Args:              cobra.ExactArgs(1),
		ValidArgsFunction: completeConfigKeys,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, _, err := loadConfig()
			if err != nil {
				return err
			}
			v, err := configValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

// configValue renders one key for display.
func configValue(cfg *config.Config, key string) (string, error) {
	v, err := cfg.Get(key)
	if err != nil {
		return "", err
	}
	if v == "" {
		return i18n.T("(not set)"), nil
	}
	if config.IsSecret(key) {
		return config.MaskSecret(v), nil
	}
	return v, nil
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the configuration file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath
			if path == "" {
				var err error
				if path, err = config.DefaultPath(); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", path, fileState(fileExists(path)))
			return nil
		},
	}
}

func newConfigEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Open the configuration file in $EDITOR",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, exists, err := config.Load(configPath)
			if err != nil && (path == "" || !errors.Is(err, config.ErrConfig)) {
				return err
			}
			if !exists {
				if err := config.WriteSample(path); err != nil {
					return err
				}
				logInfo("Created %s", path)
			}

			editor := pickEditor(os.Getenv)
			logDebug("Editor: %s", editor)
			fields := strings.Fields(editor)
			c := exec.CommandContext(cmd.Context(), fields[0], append(fields[1:], path)...)
			c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
			if err := c.Run(); err != nil {
				return fmt.Errorf("running %s: %w", editor, err)
			}
			return nil
		},
	}
}

// pickEditor returns $EDITOR, then $VISUAL, then the platform default.
func pickEditor(getenv func(string) string) string {
	for _, env := range []string{"EDITOR", "VISUAL"} {
		if v := strings.TrimSpace(getenv(env)); v != "" {
			return v
		}
	}
	if runtime.GOOS == "windows" {
		return "notepad"
	}
	return "nano"
}
