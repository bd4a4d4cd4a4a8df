package i18n

import "testing"

func clearLocaleEnv(t *testing.T) {
	t.Helper()
	t.Setenv("LANGUAGE", "")
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_MESSAGES", "")
	t.Setenv("LANG", "")
}

func TestDetectLanguagePriorityAndNormalization(t *testing.T) {
	t.Run("LANGUAGE has highest priority", func(t *testing.T) {
		clearLocaleEnv(t)
		t.Setenv("LANGUAGE", "ja_JP.UTF-8:en_US")
		t.Setenv("LC_ALL", "de_DE.UTF-8")

		if got := detectLanguage(); got != "ja_JP" {
			t.Fatalf("detectLanguage() = %q, want %q", got, "ja_JP")
		}
	})

	t.Run("C and POSIX are skipped", func(t *testing.T) {
		clearLocaleEnv(t)
		t.Setenv("LANGUAGE", "C")
		t.Setenv("LC_ALL", "POSIX")
		t.Setenv("LC_MESSAGES", "fr_FR.UTF-8")

		if got := detectLanguage(); got != "fr_FR" {
			t.Fatalf("detectLanguage() = %q, want %q", got, "fr_FR")
		}
	})

	t.Run("falls back to en", func(t *testing.T) {
		clearLocaleEnv(t)
		if got := detectLanguage(); got != "en" {
			t.Fatalf("detectLanguage() = %q, want %q", got, "en")
		}
	})
}

func TestTAndNFallbackWhenUninitialized(t *testing.T) {
	old, oldCat := po, catalogue
	po, catalogue = nil, nil
	t.Cleanup(func() { po, catalogue = old, oldCat })

	if got := T("Hello"); got != "Hello" {
		t.Fatalf("T fallback = %q, want %q", got, "Hello")
	}

	if got := N("file", "files", 1); got != "file" {
		t.Fatalf("N singular fallback = %q, want %q", got, "file")
	}

	if got := N("file", "files", 2); got != "files" {
		t.Fatalf("N plural fallback = %q, want %q", got, "files")
	}
}

func TestInitChineseCatalogue(t *testing.T) {
	old, oldCat, oldLang := po, catalogue, current
	t.Cleanup(func() { po, catalogue, current = old, oldCat, oldLang })

	Init("zh")
	if got := Language(); got != "zh_CN" {
		t.Fatalf("Language() = %q, want zh_CN", got)
	}
	if got := T("Interrupted"); got != "已中断" {
		t.Fatalf("T(Interrupted) = %q", got)
	}
	if got := T("no such message"); got != "no such message" {
		t.Fatalf("untranslated message changed: %q", got)
	}
}

func TestInitUnknownLanguagePassesThrough(t *testing.T) {
	old, oldCat, oldLang := po, catalogue, current
	t.Cleanup(func() { po, catalogue, current = old, oldCat, oldLang })

	Init("xx_YY")
	if got := T("Interrupted"); got != "Interrupted" {
		t.Fatalf("T(Interrupted) = %q, want passthrough", got)
	}
}

func TestDetectLanguageStripsModifier(t *testing.T) {
	clearLocaleEnv(t)
	t.Setenv("LANG", "zh_CN.UTF-8@pinyin")
	if got := detectLanguage(); got != "zh_CN" {
		t.Fatalf("detectLanguage() = %q, want zh_CN", got)
	}
}

func TestTDoesNotFormat(t *testing.T) {
	old, oldCat, oldLang := po, catalogue, current
	t.Cleanup(func() { po, catalogue, current = old, oldCat, oldLang })

	Init("zh_CN")
	for _, msg := range []string{"100%s done", "50% %d left", "%v"} {
		if got := T(msg); got != msg {
			t.Fatalf("T(%q) = %q, want it unchanged", msg, got)
		}
	}
}
