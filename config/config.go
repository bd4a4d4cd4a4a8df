// Package config loads and saves the derenpy TOML configuration file
// (<user config dir>/derenpy/config.toml) and resolves per-provider API
// settings with environment fallbacks.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

const (
	appName  = "derenpy"
	fileName = "config.toml"

	defaultProvider    = "openai"
	defaultLanguage    = "chinese"
	defaultOllamaBase  = "http://localhost:11434"
	defaultOllamaModel = "llama3"
)

// ErrConfig marks invalid keys, values and unreadable files.
var ErrConfig = errors.New("config error")

// General holds tool-wide settings.
type General struct {
	OutputDir string `toml:"output_dir"`
	Verbose   bool   `toml:"verbose"`
}

// API holds backend selection and credentials.
type API struct {
	Provider         string `toml:"provider"`
	OpenAIAPIKey     string `toml:"openai_api_key"`
	OpenAIAPIBase    string `toml:"openai_api_base"`
	OpenAIModel      string `toml:"openai_model"`
	AnthropicAPIKey  string `toml:"anthropic_api_key"`
	AnthropicAPIBase string `toml:"anthropic_api_base"`
	AnthropicModel   string `toml:"anthropic_model"`
	OllamaAPIBase    string `toml:"ollama_api_base"`
	OllamaModel      string `toml:"ollama_model"`
	DeepLAPIKey      string `toml:"deepl_api_key"`
}

// Translation holds translation defaults.
type Translation struct {
	DefaultLanguage string `toml:"default_language"`
	PatchMode       bool   `toml:"patch_mode"`
	CustomPrompt    string `toml:"custom_prompt"`
}

// Paths holds external tool locations.
type Paths struct {
	Python string `toml:"python"`
	Unrpyc string `toml:"unrpyc"`
}

// Config is the whole configuration file.
type Config struct {
	General     General     `toml:"general"`
	API         API         `toml:"api"`
	Translation Translation `toml:"translation"`
	Paths       Paths       `toml:"paths"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: API{
			Provider:      defaultProvider,
			OllamaAPIBase: defaultOllamaBase,
			OllamaModel:   defaultOllamaModel,
		},
		Translation: Translation{
			DefaultLanguage: defaultLanguage,
			PatchMode:       true,
		},
	}
}

// Sample returns the commented default file written by "config init".
func Sample() string {
	return sampleConfig
}

// ---------------------------------------------------------------------------
// Locations
// ---------------------------------------------------------------------------

// Dir returns the configuration directory.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("%w: locating config directory: %v", ErrConfig, err)
	}
	return filepath.Join(base, appName), nil
}

// DefaultPath returns the configuration file path.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fileName), nil
}

// ---------------------------------------------------------------------------
// Load / save
// ---------------------------------------------------------------------------

// Load reads the file at path, or the default location when path is empty.
// A missing file yields the defaults; exists reports whether it was found.
func Load(path string) (cfg *Config, resolved string, exists bool, err error) {
	if path == "" {
		if path, err = DefaultPath(); err != nil {
			return nil, "", false, err
		}
	}
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &c, path, false, nil
		}
		return nil, path, false, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, path, true, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}
	c.normalize()
	return &c, path, true, nil
}

func (c *Config) normalize() {
	c.API.Provider = strings.ToLower(strings.TrimSpace(c.API.Provider))
	if c.API.Provider == "" {
		c.API.Provider = defaultProvider
	}
	if strings.TrimSpace(c.Translation.DefaultLanguage) == "" {
		c.Translation.DefaultLanguage = defaultLanguage
	}
}

// Marshal renders the configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}

// Save writes the configuration to path, creating its directory.
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return fmt.Errorf("%w: encoding: %v", ErrConfig, err)
	}
	return writeFile(path, data)
}

// WriteSample writes the commented default file to path.
func WriteSample(path string) error {
	return writeFile(path, []byte(sampleConfig))
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrConfig, filepath.Dir(path), err)
	}
	// The file carries API keys.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrConfig, path, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Dotted keys
// ---------------------------------------------------------------------------

type field struct {
	str    *string
	flag   *bool
	secret bool
}

func (c *Config) fields() map[string]field {
	return map[string]field{
		"general.output_dir":           {str: &c.General.OutputDir},
		"general.verbose":              {flag: &c.General.Verbose},
		"api.provider":                 {str: &c.API.Provider},
		"api.openai_api_key":           {str: &c.API.OpenAIAPIKey, secret: true},
		"api.openai_api_base":          {str: &c.API.OpenAIAPIBase},
		"api.openai_model":             {str: &c.API.OpenAIModel},
		"api.anthropic_api_key":        {str: &c.API.AnthropicAPIKey, secret: true},
		"api.anthropic_api_base":       {str: &c.API.AnthropicAPIBase},
		"api.anthropic_model":          {str: &c.API.AnthropicModel},
		"api.ollama_api_base":          {str: &c.API.OllamaAPIBase},
		"api.ollama_model":             {str: &c.API.OllamaModel},
		"api.deepl_api_key":            {str: &c.API.DeepLAPIKey, secret: true},
		"translation.default_language": {str: &c.Translation.DefaultLanguage},
		"translation.patch_mode":       {flag: &c.Translation.PatchMode},
		"translation.custom_prompt":    {str: &c.Translation.CustomPrompt},
		"paths.python":                 {str: &c.Paths.Python},
		"paths.unrpyc":                 {str: &c.Paths.Unrpyc},
	}
}

// Keys lists every settable key, sorted.
func Keys() []string {
	var c Config
	keys := make([]string, 0, 17)
	for k := range c.fields() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsSecret reports whether key holds a credential.
func IsSecret(key string) bool {
	var c Config
	f, ok := c.fields()[strings.ToLower(key)]
	return ok && f.secret
}

func (c *Config) lookup(key string) (field, error) {
	f, ok := c.fields()[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return field{}, fmt.Errorf("%w: unknown key %q", ErrConfig, key)
	}
	return f, nil
}

// Get returns the value of a dotted key as text. Secrets are returned
// unmasked; see MaskSecret.
func (c *Config) Get(key string) (string, error) {
	f, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	if f.flag != nil {
		return strconv.FormatBool(*f.flag), nil
	}
	return *f.str, nil
}

// Set assigns a dotted key. Boolean keys accept strconv.ParseBool forms.
func (c *Config) Set(key, value string) error {
	f, err := c.lookup(key)
	if err != nil {
		return err
	}
	if f.flag != nil {
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("%w: %s expects true or false, got %q", ErrConfig, key, value)
		}
		*f.flag = b
		return nil
	}
	*f.str = value
	return nil
}

// MaskSecret shortens a credential to its first and last four characters;
// values of eight characters or fewer become asterisks.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// ---------------------------------------------------------------------------
// Provider settings
// ---------------------------------------------------------------------------

// APIKey returns the configured key for provider, falling back to its
// environment variable. Providers without keys return "".
func (c *Config) APIKey(provider string) string {
	var key, env string
	switch strings.ToLower(provider) {
	case "openai":
		key, env = c.API.OpenAIAPIKey, "OPENAI_API_KEY"
	case "claude", "anthropic":
		key, env = c.API.AnthropicAPIKey, "ANTHROPIC_API_KEY"
	case "deepl":
		key, env = c.API.DeepLAPIKey, "DEEPL_API_KEY"
	default:
		return ""
	}
	if strings.TrimSpace(key) != "" {
		return strings.TrimSpace(key)
	}
	return strings.TrimSpace(os.Getenv(env))
}

// APIBase returns the configured endpoint root for provider, or "".
func (c *Config) APIBase(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return c.API.OpenAIAPIBase
	case "claude", "anthropic":
		return c.API.AnthropicAPIBase
	case "ollama":
		return c.API.OllamaAPIBase
	}
	return ""
}

// Model returns the configured model for provider, or "".
func (c *Config) Model(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return c.API.OpenAIModel
	case "claude", "anthropic":
		return c.API.AnthropicModel
	case "ollama":
		return c.API.OllamaModel
	}
	return ""
}
