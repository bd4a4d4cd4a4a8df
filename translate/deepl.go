package translate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
)

type deeplTranslation struct {
	Text string `json:"text"`
}

// translateBatchDeepL sends batches of deeplBatchSize sequentially. A failed
// batch fails each of its texts.
func (c *MachineClient) translateBatchDeepL(ctx context.Context, texts []string, progress ProgressFunc) []Result {
	results := make([]Result, 0, len(texts))
	for _, batch := range lo.Chunk(texts, deeplBatchSize) {
		out, err := c.translateDeepL(ctx, batch)
		if err != nil {
			c.opts.log("deepl: batch of %d failed: %v", len(batch), err)
		}
		for i := range batch {
			if err != nil {
				results = append(results, Result{Err: fmt.Errorf("batch failed: %w", err)})
			} else {
				results = append(results, Result{Text: out[i]})
			}
			if progress != nil {
				progress(len(results))
			}
		}
	}
	return results
}

func (c *MachineClient) translateDeepL(ctx context.Context, texts []string) ([]string, error) {
	form := url.Values{}
	for _, t := range texts {
		form.Add("text", t)
	}
	form.Set("target_lang", c.target)
	form.Set("source_lang", c.source)
	encoded := form.Encode()

	var out []string
	err := withRetry(ctx, c.opts.effectiveMaxAttempts(), c.opts.effectiveRetryDelay(), c.rateLimits, func() error {
		body, err := doRequest(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(encoded))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("Authorization", "DeepL-Auth-Key "+c.opts.APIKey)
			return req, nil
		})
		if err != nil {
			return err
		}

		var resp struct {
			Translations []deeplTranslation `json:"translations"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return fmt.Errorf("%w: %v", ErrResponseParse, err)
		}
		if len(resp.Translations) != len(texts) {
			return fmt.Errorf("%w: got %d translations for %d texts", ErrResponseParse, len(resp.Translations), len(texts))
		}
		out = lo.Map(resp.Translations, func(t deeplTranslation, _ int) string {
			return t.Text
		})
		return nil
	})
	return out, err
}
