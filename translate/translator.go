package translate

import (
	"context"
	"fmt"
	"strings"

	"github.com/derenpy/derenpy/cache"
	"github.com/derenpy/derenpy/langmeta"
)

// Kind tags the backend family held by a Translator.
type Kind int

const (
	KindLLM Kind = iota
	KindMachine
)

// Translator is either an LLM client or a machine-translation client.
type Translator struct {
	kind Kind
	api  API
	lang string
	llm  *LLMClient
	mt   *MachineClient
	opts Options
}

// New builds the Translator for opts.API.
func New(opts Options) (*Translator, error) {
	t := &Translator{
		api:  opts.API,
		lang: langmeta.Resolve(opts.Language).Code,
		opts: opts,
	}
	if opts.API.IsMachine() {
		mt, err := NewMachine(opts)
		if err != nil {
			return nil, err
		}
		t.kind, t.mt = KindMachine, mt
		return t, nil
	}
	llm, err := NewLLM(opts)
	if err != nil {
		return nil, err
	}
	t.kind, t.llm = KindLLM, llm
	return t, nil
}

// Kind reports the backend family.
func (t *Translator) Kind() Kind { return t.kind }

// API reports the backend.
func (t *Translator) API() API { return t.api }

// Provider is the cache provider key.
func (t *Translator) Provider() string { return t.api.String() }

// CacheLang is the cache language key: the canonical tag of the target.
func (t *Translator) CacheLang() string { return t.lang }

// Describe returns a short human-readable description of the backend.
func (t *Translator) Describe() string {
	switch t.kind {
	case KindLLM:
		return fmt.Sprintf("%s (%s)", t.api, t.llm.Model())
	default:
		return fmt.Sprintf("%s (%s)", t.api, t.mt.TargetCode())
	}
}

// TranslateBatch translates texts in input order.
func (t *Translator) TranslateBatch(ctx context.Context, texts []string, progress ProgressFunc) []Result {
	switch t.kind {
	case KindLLM:
		return t.llm.TranslateBatch(ctx, texts, progress)
	default:
		return t.mt.TranslateBatch(ctx, texts, progress)
	}
}

// ---------------------------------------------------------------------------
// Cached translation
// ---------------------------------------------------------------------------

// Cache is the subset of *cache.Cache the cached wrapper needs.
type Cache interface {
	Get(ctx context.Context, src, lang, provider string) (string, bool, error)
	SetMany(ctx context.Context, rows []cache.Row) error
}

// CachedResult is the outcome of TranslateBatchCached.
type CachedResult struct {
	Translations []Result
	// CacheHits counts texts served from the cache or passed through
	// because they were blank.
	CacheHits int
	// APICalls counts texts sent to the backend.
	APICalls int
}

// TranslateBatchCached serves what it can from c and sends the rest to the
// backend. Successful translations are written back in one transaction.
// A nil c disables caching; blank texts are still passed through.
func (t *Translator) TranslateBatchCached(ctx context.Context, texts []string, c Cache, progress ProgressFunc) CachedResult {
	res := CachedResult{Translations: make([]Result, len(texts))}
	provider, lang := t.Provider(), t.CacheLang()

	var (
		pending []string
		slots   []int
	)
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			res.Translations[i] = Result{Text: text}
			res.CacheHits++
			continue
		}
		if c != nil {
			cached, ok, err := c.Get(ctx, text, lang, provider)
			if err != nil {
				t.opts.log("cache lookup failed: %v", err)
			}
			if ok {
				res.Translations[i] = Result{Text: cached}
				res.CacheHits++
				continue
			}
		}
		pending = append(pending, text)
		slots = append(slots, i)
	}

	res.APICalls = len(pending)
	if len(pending) == 0 {
		if progress != nil {
			progress(len(texts))
		}
		return res
	}
	if progress != nil && res.CacheHits > 0 {
		progress(res.CacheHits)
	}

	hits := res.CacheHits
	var offset ProgressFunc
	if progress != nil {
		offset = func(done int) { progress(done + hits) }
	}
	translated := t.TranslateBatch(ctx, pending, offset)

	var rows []cache.Row
	for j, r := range translated {
		res.Translations[slots[j]] = r
		if r.Err == nil && c != nil {
			rows = append(rows, cache.Row{Source: pending[j], Lang: lang, Provider: provider, Translated: r.Text})
		}
	}
	if len(rows) > 0 {
		if err := c.SetMany(ctx, rows); err != nil {
			t.opts.log("cache write failed: %v", err)
		}
	}
	return res
}
