package langmeta

import "testing"

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "pt_br", want: "pt-BR"},
		{in: " EN-us ", want: "en-US"},
		{in: "ru", want: "ru"},
		{in: "", want: ""},
	}

	for _, tc := range cases {
		got := canonicalize(tc.in)
		if got != tc.want {
			t.Fatalf("canonicalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestServiceCodes(t *testing.T) {
	cases := []struct {
		in     string
		google string
		deepl  string
	}{
		{"chinese", "zh-CN", "ZH"},
		{"zh_cn", "zh-CN", "ZH"},
		{"CHS", "zh-CN", "ZH"},
		{"zh-tw", "zh-TW", "ZH-HANT"},
		{"cht", "zh-TW", "ZH-HANT"},
		{"japanese", "ja", "JA"},
		{"jp", "ja", "JA"},
		{"korean", "ko", "KO"},
		{"english", "en", "EN"},
		{"french", "fr", "FR"},
		{"german", "de", "DE"},
		{"spanish", "es", "ES"},
		{"russian", "ru", "RU"},
		{"pt_br", "pt", "PT-BR"},
	}
	for _, tc := range cases {
		if got := GoogleCode(tc.in); got != tc.google {
			t.Errorf("GoogleCode(%q) = %q, want %q", tc.in, got, tc.google)
		}
		if got := DeepLCode(tc.in); got != tc.deepl {
			t.Errorf("DeepLCode(%q) = %q, want %q", tc.in, got, tc.deepl)
		}
	}
}

func TestResolve(t *testing.T) {
	t.Run("alias", func(t *testing.T) {
		got := Resolve("chinese")
		if got.Code != "zh-CN" || got.Name != "Simplified Chinese" {
			t.Fatalf("unexpected result: %#v", got)
		}
	})

	t.Run("base fallback", func(t *testing.T) {
		got := Resolve("fr-LU")
		if got.Code != "fr" || got.Name != "French" {
			t.Fatalf("unexpected fallback result: %#v", got)
		}
	})

	t.Run("parsed by x/text", func(t *testing.T) {
		got := Resolve("sv")
		if got.Name != "Swedish" || got.Google != "sv" || got.DeepL != "SV" {
			t.Fatalf("unexpected parsed result: %#v", got)
		}
	})

	t.Run("unknown passthrough", func(t *testing.T) {
		got := Resolve("klingon")
		if got.Name != "klingon" || got.Google != "klingon" || got.DeepL != "KLINGON" {
			t.Fatalf("unexpected unknown result: %#v", got)
		}
	})
}
