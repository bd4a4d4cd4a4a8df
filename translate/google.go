package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// translateBatchGoogle merges texts into batches of googleBatchSize and
// runs the batches on a bounded worker pool.
func (c *MachineClient) translateBatchGoogle(ctx context.Context, texts []string, progress ProgressFunc) []Result {
	results := make([]Result, len(texts))
	counter := newProgressCounter(progress, 0)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.effectiveConcurrency())

	for i, batch := range lo.Chunk(texts, googleBatchSize) {
		start := i * googleBatchSize
		g.Go(func() error {
			out := c.translateGoogleMerged(gctx, batch)
			copy(results[start:], out)
			counter.add(len(batch))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// translateGoogleMerged sends a batch as one request. When the reply does
// not split back into the same number of parts, every text is retried on
// its own.
func (c *MachineClient) translateGoogleMerged(ctx context.Context, texts []string) []Result {
	switch len(texts) {
	case 0:
		return nil
	case 1:
		out, err := c.translateGoogle(ctx, texts[0])
		return []Result{{Text: out, Err: err}}
	}

	protected := make([]string, len(texts))
	phs := make([]Placeholders, len(texts))
	for i, t := range texts {
		protected[i], phs[i] = Protect(t)
	}

	merged, err := c.requestGoogle(ctx, strings.Join(protected, googleSeparator))
	if err != nil {
		c.opts.log("google: batch of %d failed: %v", len(texts), err)
		return lo.Map(texts, func(string, int) Result {
			return Result{Err: fmt.Errorf("batch failed: %w", err)}
		})
	}

	parts := strings.Split(merged, googleSeparator)
	if len(parts) == len(texts) {
		return lo.Map(parts, func(p string, i int) Result {
			return Result{Text: strings.TrimSpace(Restore(p, phs[i]))}
		})
	}

	c.opts.log("google: merged reply split into %d parts, want %d; translating individually", len(parts), len(texts))
	return lo.Map(texts, func(t string, _ int) Result {
		out, err := c.translateGoogle(ctx, t)
		return Result{Text: out, Err: err}
	})
}

// translateGoogle translates one text with formatting protection.
func (c *MachineClient) translateGoogle(ctx context.Context, text string) (string, error) {
	protected, ph := Protect(text)
	out, err := c.requestGoogle(ctx, protected)
	if err != nil {
		return "", err
	}
	return Restore(out, ph), nil
}

// requestGoogle sends already protected text, with retries.
func (c *MachineClient) requestGoogle(ctx context.Context, protected string) (string, error) {
	q := url.Values{}
	q.Set("client", "gtx")
	q.Set("sl", c.source)
	q.Set("tl", c.target)
	q.Set("dt", "t")
	q.Set("q", protected)
	endpoint := c.endpoint + "?" + q.Encode()

	var out string
	err := withRetry(ctx, c.opts.effectiveMaxAttempts(), c.opts.effectiveRetryDelay(), c.rateLimits, func() error {
		body, err := doRequest(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("User-Agent", "Mozilla/5.0")
			return req, nil
		})
		if err != nil {
			return err
		}
		out, err = parseGoogleResponse(body)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// parseGoogleResponse concatenates the translated segments of a
// [[["seg","src",...],...],...] reply.
func parseGoogleResponse(body []byte) (string, error) {
	var raw []any
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseParse, err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("%w: empty reply", ErrResponseParse)
	}
	segments, _ := raw[0].([]any)

	var b strings.Builder
	for _, seg := range segments {
		parts, ok := seg.([]any)
		if !ok || len(parts) == 0 {
			continue
		}
		if s, ok := parts[0].(string); ok {
			b.WriteString(s)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: no translation in reply", ErrResponseParse)
	}
	return b.String(), nil
}
