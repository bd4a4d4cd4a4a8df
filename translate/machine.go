package translate

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/derenpy/derenpy/langmeta"
)

const (
	googleEndpoint  = "https://translate.googleapis.com/translate_a/single"
	deeplFreeHost   = "https://api-free.deepl.com"
	deeplProHost    = "https://api.deepl.com"
	googleBatchSize = 20
	deeplBatchSize  = 50
	// googleSeparator joins merged texts (LF, PARAGRAPH SEPARATOR, LF).
	googleSeparator = "\n\u2029\n"
)

// MachineClient talks to the Google or DeepL translation services.
type MachineClient struct {
	opts       Options
	target     string
	source     string
	endpoint   string
	http       *http.Client
	rateLimits *rateLimitState
}

// NewMachine builds a client for APIGoogle or APIDeepL. DeepL requires
// opts.APIKey.
func NewMachine(opts Options) (*MachineClient, error) {
	c := &MachineClient{
		opts:       opts,
		http:       makeHTTPClient(opts.Proxy, opts.effectiveTimeout(30*time.Second), opts.effectiveConcurrency()),
		rateLimits: &rateLimitState{},
	}
	switch opts.API {
	case APIGoogle:
		c.target = langmeta.GoogleCode(opts.Language)
		c.source = "en"
		c.endpoint = googleEndpoint
	case APIDeepL:
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, fmt.Errorf("deepl: %w", ErrMissingKey)
		}
		c.target = langmeta.DeepLCode(opts.Language)
		c.source = "EN"
		c.endpoint = DeepLHost(opts.APIKey) + "/v2/translate"
	default:
		return nil, fmt.Errorf("%s is not a machine-translation backend", opts.API)
	}
	if opts.BaseURL != "" {
		c.endpoint = strings.TrimRight(opts.BaseURL, "/")
		if opts.API == APIDeepL && !strings.HasSuffix(c.endpoint, "/v2/translate") {
			c.endpoint += "/v2/translate"
		}
	}
	return c, nil
}

// DeepLHost picks the free or pro API host from the key suffix.
func DeepLHost(apiKey string) string {
	if strings.HasSuffix(strings.TrimSpace(apiKey), ":fx") {
		return deeplFreeHost
	}
	return deeplProHost
}

// TargetCode returns the service-specific target language code.
func (c *MachineClient) TargetCode() string { return c.target }

// TranslateBatch translates texts, preserving input order.
func (c *MachineClient) TranslateBatch(ctx context.Context, texts []string, progress ProgressFunc) []Result {
	if len(texts) == 0 {
		return nil
	}
	if c.opts.API == APIDeepL {
		return c.translateBatchDeepL(ctx, texts, progress)
	}
	return c.translateBatchGoogle(ctx, texts, progress)
}
