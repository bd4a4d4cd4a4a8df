// Package langmeta maps the language words users type (and the engine uses
// for tl/ directory names) to the codes translation services expect.
package langmeta

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Meta describes one target language.
type Meta struct {
	// Code is the canonical BCP 47 tag.
	Code string
	// Name is the English display name, used in LLM prompts.
	Name string
	// Google is the code for the translate_a endpoint.
	Google string
	// DeepL is the target_lang value for the DeepL API.
	DeepL string
}

// Registry contains languages with hand-checked service codes, keyed by
// canonical tag.
var Registry = map[string]Meta{
	"ar":    {Code: "ar", Name: "Arabic", Google: "ar", DeepL: "AR"},
	"de":    {Code: "de", Name: "German", Google: "de", DeepL: "DE"},
	"en":    {Code: "en", Name: "English", Google: "en", DeepL: "EN"},
	"es":    {Code: "es", Name: "Spanish", Google: "es", DeepL: "ES"},
	"fr":    {Code: "fr", Name: "French", Google: "fr", DeepL: "FR"},
	"id":    {Code: "id", Name: "Indonesian", Google: "id", DeepL: "ID"},
	"it":    {Code: "it", Name: "Italian", Google: "it", DeepL: "IT"},
	"ja":    {Code: "ja", Name: "Japanese", Google: "ja", DeepL: "JA"},
	"ko":    {Code: "ko", Name: "Korean", Google: "ko", DeepL: "KO"},
	"nl":    {Code: "nl", Name: "Dutch", Google: "nl", DeepL: "NL"},
	"pl":    {Code: "pl", Name: "Polish", Google: "pl", DeepL: "PL"},
	"pt":    {Code: "pt", Name: "Portuguese", Google: "pt", DeepL: "PT-PT"},
	"pt-BR": {Code: "pt-BR", Name: "Brazilian Portuguese", Google: "pt", DeepL: "PT-BR"},
	"ru":    {Code: "ru", Name: "Russian", Google: "ru", DeepL: "RU"},
	"th":    {Code: "th", Name: "Thai", Google: "th", DeepL: "TH"},
	"tr":    {Code: "tr", Name: "Turkish", Google: "tr", DeepL: "TR"},
	"uk":    {Code: "uk", Name: "Ukrainian", Google: "uk", DeepL: "UK"},
	"vi":    {Code: "vi", Name: "Vietnamese", Google: "vi", DeepL: "VI"},
	"zh-CN": {Code: "zh-CN", Name: "Simplified Chinese", Google: "zh-CN", DeepL: "ZH"},
	"zh-TW": {Code: "zh-TW", Name: "Traditional Chinese", Google: "zh-TW", DeepL: "ZH-HANT"},
}

// aliases maps engine language words and common shorthands to Registry keys.
// Keys are lower case with '-' separators.
var aliases = map[string]string{
	"arabic":              "ar",
	"german":              "de",
	"english":             "en",
	"spanish":             "es",
	"french":              "fr",
	"indonesian":          "id",
	"italian":             "it",
	"japanese":            "ja",
	"jp":                  "ja",
	"korean":              "ko",
	"kr":                  "ko",
	"dutch":               "nl",
	"polish":              "pl",
	"portuguese":          "pt",
	"brazilian":           "pt-BR",
	"russian":             "ru",
	"thai":                "th",
	"turkish":             "tr",
	"ukrainian":           "uk",
	"vietnamese":          "vi",
	"chinese":             "zh-CN",
	"schinese":            "zh-CN",
	"simplified-chinese":  "zh-CN",
	"chs":                 "zh-CN",
	"zh":                  "zh-CN",
	"zh-cn":               "zh-CN",
	"zh-hans":             "zh-CN",
	"tchinese":            "zh-TW",
	"traditional-chinese": "zh-TW",
	"cht":                 "zh-TW",
	"zh-tw":               "zh-TW",
	"zh-hant":             "zh-TW",
	"zh-hk":               "zh-TW",
}

func canonicalize(lang string) string {
	normalized := strings.ReplaceAll(strings.TrimSpace(lang), "_", "-")
	if normalized == "" {
		return ""
	}
	parts := strings.Split(normalized, "-")
	parts[0] = strings.ToLower(parts[0])
	if len(parts) >= 2 {
		parts[1] = strings.ToUpper(parts[1])
	}
	return strings.Join(parts, "-")
}

// Resolve returns best-effort metadata for a language word or code. Lookup
// order: alias, exact tag, base-language fallback, then any tag x/text can
// parse. Unparseable input is passed through unchanged (upper-cased for
// DeepL).
func Resolve(lang string) Meta {
	key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(lang), "_", "-"))
	if code, ok := aliases[key]; ok {
		return Registry[code]
	}
	normalized := canonicalize(lang)
	if m, ok := Registry[normalized]; ok {
		return m
	}
	if base, _, found := strings.Cut(normalized, "-"); found {
		if m, ok := Registry[base]; ok {
			return m
		}
	}
	if tag, err := language.Parse(normalized); err == nil && normalized != "" {
		base, _ := tag.Base()
		name := display.English.Tags().Name(tag)
		if name == "" {
			name = normalized
		}
		return Meta{
			Code:   tag.String(),
			Name:   name,
			Google: tag.String(),
			DeepL:  strings.ToUpper(base.String()),
		}
	}
	trimmed := strings.TrimSpace(lang)
	return Meta{Code: trimmed, Name: trimmed, Google: trimmed, DeepL: strings.ToUpper(trimmed)}
}

// GoogleCode returns the Google Translate code for lang.
func GoogleCode(lang string) string { return Resolve(lang).Google }

// DeepLCode returns the DeepL target_lang value for lang.
func DeepLCode(lang string) string { return Resolve(lang).DeepL }

// DisplayName returns the English name of lang.
func DisplayName(lang string) string { return Resolve(lang).Name }
