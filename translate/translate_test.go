package translate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/derenpy/derenpy/cache"
)

// ---------------------------------------------------------------------------
// API names
// ---------------------------------------------------------------------------

func TestParseAPI(t *testing.T) {
	cases := []struct {
		in      string
		want    API
		machine bool
	}{
		{"openai", APIOpenAI, false},
		{"Claude", APIClaude, false},
		{"anthropic", APIClaude, false},
		{"ollama", APIOllama, false},
		{"google", APIGoogle, true},
		{" deepl ", APIDeepL, true},
	}
	for _, tc := range cases {
		got, err := ParseAPI(tc.in)
		if err != nil {
			t.Fatalf("ParseAPI(%q) error: %v", tc.in, err)
		}
		if got != tc.want || got.IsMachine() != tc.machine {
			t.Errorf("ParseAPI(%q) = %v (machine=%v)", tc.in, got, got.IsMachine())
		}
	}
	if _, err := ParseAPI("bing"); !errors.Is(err, ErrUnknownAPI) {
		t.Errorf("ParseAPI(bing) error = %v, want ErrUnknownAPI", err)
	}
	if APIClaude.String() != "claude" {
		t.Errorf("APIClaude.String() = %q", APIClaude.String())
	}
}

// ---------------------------------------------------------------------------
// Formatting protection
// ---------------------------------------------------------------------------

func TestProtectRestore(t *testing.T) {
	cases := []string{
		"Hello [player_name]!",
		`Line one\nLine two\tTabbed`,
		"{i}Whisper{/i} to [name] and [name]",
		"You have %(count)s coins",
		"{color=#f00}[hp]{/color}",
		"plain text",
	}
	for _, in := range cases {
		protected, ph := Protect(in)
		if strings.ContainsAny(protected, "[]{}") || strings.Contains(protected, `\n`) {
			t.Errorf("Protect(%q) left markup: %q", in, protected)
		}
		if got := Restore(protected, ph); got != in {
			t.Errorf("Restore(Protect(%q)) = %q", in, got)
		}
	}
}

func TestProtectSharesTokens(t *testing.T) {
	protected, ph := Protect("[a] [b] [a]")
	if protected != "⟦VAR0⟧ ⟦VAR1⟧ ⟦VAR0⟧" {
		t.Errorf("protected = %q", protected)
	}
	if len(ph) != 2 {
		t.Errorf("placeholders = %v", ph)
	}
}

func TestRestoreToleratesSpaces(t *testing.T) {
	_, ph := Protect("Hi [player_name], {b}go{/b}")
	got := Restore("Salut ⟦ VAR0 ⟧, ⟦TAG 0⟧vas⟦TAG1 ⟧ ⟦NL⟧", ph)
	want := `Salut [player_name], {b}vas{/b} \n`
	if got != want {
		t.Errorf("Restore() = %q, want %q", got, want)
	}
}

// ---------------------------------------------------------------------------
// Google
// ---------------------------------------------------------------------------

// googleServer fakes translate_a/single by rewriting "Hello" as "Bonjour".
func googleServer(t *testing.T, mangle func(string) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		if q.Get("client") != "gtx" || q.Get("sl") != "en" || q.Get("dt") != "t" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		if r.Header.Get("User-Agent") != "Mozilla/5.0" {
			http.Error(w, "bad agent", http.StatusBadRequest)
			return
		}
		out := strings.ReplaceAll(q.Get("q"), "Hello", "Bonjour")
		if mangle != nil {
			out = mangle(out)
		}
		// Split into two segments to exercise concatenation.
		half := len(out) / 2
		for half > 0 && half < len(out) && (out[half]&0xC0) == 0x80 {
			half++
		}
		resp := []any{[]any{
			[]any{out[:half], "src", nil},
			[]any{out[half:], "src", nil},
		}, nil, q.Get("sl")}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newGoogle(t *testing.T, url string) *Translator {
	t.Helper()
	tr, err := New(Options{
		API:        APIGoogle,
		Language:   "french",
		BaseURL:    url,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tr
}

func TestGooglePreservesVariables(t *testing.T) {
	srv, _ := googleServer(t, nil)
	tr := newGoogle(t, srv.URL)

	res := tr.TranslateBatch(context.Background(), []string{"Hello [player_name]!"}, nil)
	if res[0].Err != nil {
		t.Fatalf("error: %v", res[0].Err)
	}
	if !strings.Contains(res[0].Text, "[player_name]") {
		t.Errorf("translation %q lost [player_name]", res[0].Text)
	}
	if res[0].Text != "Bonjour [player_name]!" {
		t.Errorf("translation = %q", res[0].Text)
	}
}

func TestGoogleMergedBatchesKeepOrder(t *testing.T) {
	srv, calls := googleServer(t, nil)
	tr := newGoogle(t, srv.URL)

	var texts []string
	for i := 0; i < 45; i++ {
		texts = append(texts, fmt.Sprintf("Hello %d", i))
	}
	var mu sync.Mutex
	var seen []int
	res := tr.TranslateBatch(context.Background(), texts, func(done int) {
		mu.Lock()
		seen = append(seen, done)
		mu.Unlock()
	})

	for i, r := range res {
		if r.Err != nil || r.Text != fmt.Sprintf("Bonjour %d", i) {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("requests = %d, want 3 merged batches", got)
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] {
			t.Fatalf("progress not monotonic: %v", seen)
		}
	}
	if len(seen) == 0 || seen[len(seen)-1] != 45 {
		t.Errorf("final progress = %v", seen)
	}
}

func TestGoogleMergedProtectsEachText(t *testing.T) {
	srv, calls := googleServer(t, nil)
	tr := newGoogle(t, srv.URL)

	texts := []string{"Open the [door", "now] please", "Hello [name]"}
	res := tr.TranslateBatch(context.Background(), texts, nil)
	for i, want := range []string{"Open the [door", "now] please", "Bonjour [name]"} {
		if res[i].Err != nil || res[i].Text != want {
			t.Errorf("result %d = %+v, want %q", i, res[i], want)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("requests = %d, want one merged request", got)
	}
}

func TestGoogleSplitMismatchFallsBack(t *testing.T) {
	srv, calls := googleServer(t, func(s string) string {
		return strings.ReplaceAll(s, "\u2029", "")
	})
	tr := newGoogle(t, srv.URL)

	res := tr.TranslateBatch(context.Background(), []string{"Hello a", "Hello b", "Hello c"}, nil)
	for i, want := range []string{"Bonjour a", "Bonjour b", "Bonjour c"} {
		if res[i].Err != nil || res[i].Text != want {
			t.Errorf("result %d = %+v, want %q", i, res[i], want)
		}
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("requests = %d, want 1 merged + 3 single", got)
	}
}

func TestGoogleRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `[[["Salut","Hi",null]]]`)
	}))
	defer srv.Close()

	tr := newGoogle(t, srv.URL)
	res := tr.TranslateBatch(context.Background(), []string{"Hi"}, nil)
	if res[0].Err != nil || res[0].Text != "Salut" {
		t.Fatalf("result = %+v", res[0])
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGoogleClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	tr := newGoogle(t, srv.URL)
	res := tr.TranslateBatch(context.Background(), []string{"Hi"}, nil)
	var se *HTTPStatusError
	if !errors.As(res[0].Err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("error = %v, want HTTP 403", res[0].Err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestParseGoogleResponse(t *testing.T) {
	got, err := parseGoogleResponse([]byte(`[[["Bon","Go",null],["jour","od",null]],null,"en"]`))
	if err != nil || got != "Bonjour" {
		t.Errorf("parseGoogleResponse() = %q, %v", got, err)
	}
	for _, body := range []string{`{}`, `[]`, `[[]]`, `not json`} {
		if _, err := parseGoogleResponse([]byte(body)); !errors.Is(err, ErrResponseParse) {
			t.Errorf("parseGoogleResponse(%s) error = %v", body, err)
		}
	}
}

// ---------------------------------------------------------------------------
// DeepL
// ---------------------------------------------------------------------------

func TestDeepL(t *testing.T) {
	var batches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/translate" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "DeepL-Auth-Key secret:fx" {
			http.Error(w, "auth", http.StatusForbidden)
			return
		}
		r.ParseForm()
		if r.Form.Get("target_lang") != "JA" || r.Form.Get("source_lang") != "EN" {
			http.Error(w, "lang", http.StatusBadRequest)
			return
		}
		batches.Add(1)
		var out []map[string]string
		for _, text := range r.Form["text"] {
			out = append(out, map[string]string{"text": "ja:" + text})
		}
		json.NewEncoder(w).Encode(map[string]any{"translations": out})
	}))
	defer srv.Close()

	tr, err := New(Options{API: APIDeepL, Language: "japanese", APIKey: "secret:fx", BaseURL: srv.URL, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for i := 0; i < 120; i++ {
		texts = append(texts, fmt.Sprint(i))
	}
	last := 0
	res := tr.TranslateBatch(context.Background(), texts, func(done int) {
		if done < last {
			t.Errorf("progress went backwards: %d after %d", done, last)
		}
		last = done
	})
	for i, r := range res {
		if r.Err != nil || r.Text != fmt.Sprintf("ja:%d", i) {
			t.Fatalf("result %d = %+v", i, r)
		}
	}
	if batches.Load() != 3 || last != 120 {
		t.Errorf("batches = %d, last progress = %d", batches.Load(), last)
	}
}

func TestDeepLCountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"translations":[{"text":"only one"}]}`)
	}))
	defer srv.Close()

	tr, err := New(Options{API: APIDeepL, Language: "de", APIKey: "k", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	res := tr.TranslateBatch(context.Background(), []string{"a", "b"}, nil)
	for _, r := range res {
		if !errors.Is(r.Err, ErrResponseParse) {
			t.Errorf("error = %v, want ErrResponseParse", r.Err)
		}
	}
}

func TestDeepLRequiresKey(t *testing.T) {
	if _, err := New(Options{API: APIDeepL, Language: "de"}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("New() error = %v, want ErrMissingKey", err)
	}
	if DeepLHost("abc:fx") != "https://api-free.deepl.com" || DeepLHost("abc") != "https://api.deepl.com" {
		t.Error("DeepLHost picked the wrong host")
	}
}

// ---------------------------------------------------------------------------
// LLM
// ---------------------------------------------------------------------------

func TestLLMChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "auth", http.StatusUnauthorized)
			return
		}
		var req struct {
			Model       string        `json:"model"`
			Messages    []chatMessage `json:"messages"`
			Temperature float64       `json:"temperature"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o-mini" || req.Temperature != 0.3 || len(req.Messages) != 2 {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		if !strings.Contains(req.Messages[0].Content, "to Simplified Chinese.") {
			http.Error(w, "bad prompt: "+req.Messages[0].Content, http.StatusBadRequest)
			return
		}
		want := "Context: Glossary (use these translations):\n- Sylvie -> 西尔维\n\nTranslate: Hi"
		if req.Messages[1].Content != want {
			http.Error(w, "bad user prompt: "+req.Messages[1].Content, http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"role":"assistant","content":"  你好 \n"}}]}`)
	}))
	defer srv.Close()

	tr, err := New(Options{
		API:      APIOpenAI,
		Language: "chinese",
		APIKey:   "sk-test",
		BaseURL:  srv.URL + "/v1",
		Context:  "Glossary (use these translations):\n- Sylvie -> 西尔维",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := tr.TranslateBatch(context.Background(), []string{"Hi"}, nil)
	if res[0].Err != nil || res[0].Text != "你好" {
		t.Fatalf("result = %+v", res[0])
	}
}

func TestLLMOllama(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
			Stream bool   `json:"stream"`
		}
		json.Unmarshal(body, &req)
		if req.Model != "llama3" || req.Stream || !strings.HasSuffix(req.Prompt, "\n\nTranslate: Bye") {
			http.Error(w, string(body), http.StatusBadRequest)
			return
		}
		if !strings.HasPrefix(req.Prompt, "Translate into Japanese only.") {
			http.Error(w, "custom prompt not used", http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"response":"さようなら"}`)
	}))
	defer srv.Close()

	tr, err := New(Options{
		API:          APIOllama,
		Language:     "ja",
		BaseURL:      srv.URL,
		SystemPrompt: "Translate into {lang} only.",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := tr.TranslateBatch(context.Background(), []string{"Bye"}, nil)
	if res[0].Err != nil || res[0].Text != "さようなら" {
		t.Fatalf("result = %+v", res[0])
	}
}

func TestLLMBadReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	tr, _ := New(Options{API: APIClaude, Language: "fr", APIKey: "k", BaseURL: srv.URL})
	res := tr.TranslateBatch(context.Background(), []string{"x"}, nil)
	if !errors.Is(res[0].Err, ErrResponseParse) {
		t.Errorf("error = %v, want ErrResponseParse", res[0].Err)
	}
}

func TestLLMCancelled(t *testing.T) {
	tr, _ := New(Options{API: APIOpenAI, Language: "fr", BaseURL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := tr.TranslateBatch(ctx, []string{"a", "b"}, nil)
	for _, r := range res {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", r.Err)
		}
	}
}

// ---------------------------------------------------------------------------
// Cached wrapper
// ---------------------------------------------------------------------------

type memCache struct {
	rows map[string]string
}

func (m *memCache) key(src, lang, provider string) string { return provider + "|" + lang + "|" + src }

func (m *memCache) Get(_ context.Context, src, lang, provider string) (string, bool, error) {
	v, ok := m.rows[m.key(src, lang, provider)]
	return v, ok, nil
}

func (m *memCache) SetMany(_ context.Context, rows []cache.Row) error {
	for _, r := range rows {
		m.rows[m.key(r.Source, r.Lang, r.Provider)] = r.Translated
	}
	return nil
}

func TestTranslateBatchCached(t *testing.T) {
	srv, calls := googleServer(t, nil)
	tr := newGoogle(t, srv.URL)
	c := &memCache{rows: map[string]string{}}
	texts := []string{"Hello one", "  ", "Hello two", "Hello one"}

	var progress []int
	first := tr.TranslateBatchCached(context.Background(), texts, c, func(done int) { progress = append(progress, done) })
	if first.APICalls != 3 || first.CacheHits != 1 {
		t.Errorf("first run: api=%d hits=%d", first.APICalls, first.CacheHits)
	}
	want := []string{"Bonjour one", "  ", "Bonjour two", "Bonjour one"}
	for i, r := range first.Translations {
		if r.Err != nil || r.Text != want[i] {
			t.Errorf("first[%d] = %+v, want %q", i, r, want[i])
		}
	}
	if progress[len(progress)-1] != len(texts) {
		t.Errorf("progress = %v", progress)
	}
	if _, ok := c.rows["google|fr|Hello one"]; !ok {
		t.Errorf("cache rows = %v", c.rows)
	}

	before := calls.Load()
	second := tr.TranslateBatchCached(context.Background(), texts, c, nil)
	if second.APICalls != 0 || second.CacheHits != len(texts) {
		t.Errorf("second run: api=%d hits=%d", second.APICalls, second.CacheHits)
	}
	if calls.Load() != before {
		t.Errorf("second run hit the network")
	}
	for i, r := range second.Translations {
		if r.Text != want[i] {
			t.Errorf("second[%d] = %+v", i, r)
		}
	}
}

func TestTranslateBatchCachedWithoutCache(t *testing.T) {
	srv, _ := googleServer(t, nil)
	tr := newGoogle(t, srv.URL)
	res := tr.TranslateBatchCached(context.Background(), []string{"Hello", ""}, nil, nil)
	if res.APICalls != 1 || res.CacheHits != 1 || res.Translations[0].Text != "Bonjour" {
		t.Errorf("result = %+v", res)
	}
}
