package patch

import (
	"context"

	"github.com/samber/lo"

	"github.com/derenpy/derenpy/glossary"
	"github.com/derenpy/derenpy/translate"
)

// Stats counts how a run's texts were served.
type Stats struct {
	// Unique is the number of distinct texts considered.
	Unique    int
	CacheHits int
	APICalls  int
	Failed    int
}

func (s *Stats) add(o Stats) {
	s.Unique += o.Unique
	s.CacheHits += o.CacheHits
	s.APICalls += o.APICalls
	s.Failed += o.Failed
}

// translateTexts translates the distinct values of texts and returns the
// successful translations keyed by source text, with the glossary applied.
// A nil cache disables caching. progress counts distinct texts.
func translateTexts(ctx context.Context, tr *translate.Translator, c translate.Cache, g *glossary.Glossary,
	texts []string, progress func(done, total int), logf func(string, ...any)) (map[string]string, Stats) {
	uniq := lo.Uniq(texts)
	stats := Stats{Unique: len(uniq)}
	if len(uniq) == 0 {
		return map[string]string{}, stats
	}

	var pf translate.ProgressFunc
	if progress != nil {
		total := len(uniq)
		pf = func(done int) { progress(done, total) }
	}
	res := tr.TranslateBatchCached(ctx, uniq, c, pf)
	stats.CacheHits, stats.APICalls = res.CacheHits, res.APICalls

	out := make(map[string]string, len(uniq))
	reported := 0
	for i, r := range res.Translations {
		if r.Err != nil {
			stats.Failed++
			if reported < maxReportedErrors && logf != nil && ctx.Err() == nil {
				logf("translation failed for %q: %v", truncate(uniq[i], 60), r.Err)
				reported++
			}
			continue
		}
		out[uniq[i]] = g.Apply(r.Text)
	}
	if stats.Failed > reported && logf != nil && ctx.Err() == nil {
		logf("%d more translation(s) failed", stats.Failed-reported)
	}
	return out, stats
}

const maxReportedErrors = 5

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
