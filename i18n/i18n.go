// Package i18n translates derenpy's own command-line messages.
//
// Catalogues are gettext .po files embedded from
// locales/<lang>/LC_MESSAGES/derenpy.po. Strings without a translation
// pass through unchanged.
//
//	i18n.Init("")  // LANGUAGE, LC_ALL, LC_MESSAGES, LANG
//	fmt.Println(i18n.T("Interrupted"))
package i18n

import (
	"embed"
	"io/fs"
	"os"
	"strings"

	"github.com/leonelquinteros/gotext"
)

//go:embed all:locales
var locales embed.FS

const domain = "derenpy"

var (
	po        *gotext.Locale
	catalogue map[string]*gotext.Translation
	current   string
)

// Init selects the catalogue for lang, or for the environment when lang is
// empty. A bare language ("zh") resolves to the first embedded catalogue of
// that language ("zh_CN").
func Init(lang string) {
	if lang == "" {
		lang = detectLanguage()
	}
	lang = resolve(lang)
	current = lang

	po = gotext.NewLocaleFSWithPath(lang, locales, "locales")
	po.AddDomain(domain)
	po.SetDomain(domain)
	catalogue = po.GetTranslations()
}

// Language returns the catalogue chosen by Init, or "" before Init.
func Language() string {
	return current
}

// T translates msgid. Messages are looked up verbatim, never formatted.
func T(msgid string) string {
	if tr, ok := catalogue[msgid]; ok {
		return tr.Get()
	}
	return msgid
}

// N translates a message with plural forms.
func N(singular, plural string, n int) string {
	if po == nil {
		if n == 1 {
			return singular
		}
		return plural
	}
	return po.GetN(singular, plural, n)
}

// Available lists the embedded catalogues.
func Available() []string {
	entries, err := fs.ReadDir(locales, "locales")
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out
}

func resolve(lang string) string {
	if strings.Contains(lang, "_") {
		return lang
	}
	for _, name := range Available() {
		if strings.HasPrefix(name, lang+"_") {
			return name
		}
	}
	return lang
}

// detectLanguage follows gettext's lookup order: LANGUAGE, LC_ALL,
// LC_MESSAGES, LANG.
func detectLanguage() string {
	for _, env := range []string{"LANGUAGE", "LC_ALL", "LC_MESSAGES", "LANG"} {
		val := os.Getenv(env)
		if env == "LANGUAGE" {
			val, _, _ = strings.Cut(val, ":")
		}
		val, _, _ = strings.Cut(val, ".")
		val, _, _ = strings.Cut(val, "@")
		if val == "" || val == "C" || val == "POSIX" {
			continue
		}
		return val
	}
	return "en"
}
