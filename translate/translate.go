// Package translate turns batches of game text into a target language
// through one of two backend families: LLM chat APIs (OpenAI, Claude,
// Ollama) and machine-translation services (the free Google endpoint and
// keyed DeepL). Results are returned in input order and can be served from
// a persistent cache.
package translate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ---------------------------------------------------------------------------
// Backend IDs
// ---------------------------------------------------------------------------

// API names a translation backend.
type API int

const (
	APIOpenAI API = iota
	APIClaude
	APIOllama
	APIGoogle
	APIDeepL
)

var apiNames = [...]string{
	APIOpenAI: "openai",
	APIClaude: "claude",
	APIOllama: "ollama",
	APIGoogle: "google",
	APIDeepL:  "deepl",
}

// String returns the canonical backend name, also used as the cache
// provider key.
func (a API) String() string {
	if a >= 0 && int(a) < len(apiNames) {
		return apiNames[a]
	}
	return fmt.Sprintf("API(%d)", int(a))
}

// IsMachine reports whether a is a machine-translation service rather than
// an LLM.
func (a API) IsMachine() bool {
	return a == APIGoogle || a == APIDeepL
}

// ParseAPI maps a backend name to its API value. "anthropic" is accepted as
// an alias for claude.
func ParseAPI(s string) (API, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai":
		return APIOpenAI, nil
	case "claude", "anthropic":
		return APIClaude, nil
	case "ollama":
		return APIOllama, nil
	case "google":
		return APIGoogle, nil
	case "deepl":
		return APIDeepL, nil
	}
	return 0, fmt.Errorf("%w %q (want one of %s)", ErrUnknownAPI, s, strings.Join(APINames(), ", "))
}

// APINames lists the accepted backend names.
func APINames() []string {
	return append([]string(nil), apiNames[:]...)
}

// ---------------------------------------------------------------------------
// Errors
// ---------------------------------------------------------------------------

var (
	// ErrNetwork wraps transport failures (DNS, connection, timeout).
	ErrNetwork = errors.New("network error")
	// ErrResponseParse marks a response body that could not be understood.
	ErrResponseParse = errors.New("unexpected response")
	// ErrUnknownAPI is returned by ParseAPI.
	ErrUnknownAPI = errors.New("unknown API")
	// ErrMissingKey is returned when a keyed backend has no API key.
	ErrMissingKey = errors.New("API key required")
)

// HTTPStatusError is a non-2xx response.
type HTTPStatusError struct {
	Code int
	Body string
	// RetryAfter is the server-requested delay, if any.
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, truncate(e.Body, 300))
}

// retryable reports whether err is worth another attempt: transport
// failures, 429 and 5xx.
func retryable(err error) bool {
	if errors.Is(err, ErrNetwork) {
		return true
	}
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return false
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// ProgressFunc receives the number of completed texts. Values never
// decrease within one batch call.
type ProgressFunc func(done int)

// Result is the outcome for one input text.
type Result struct {
	Text string
	Err  error
}

// Options configures a backend.
type Options struct {
	// API selects the backend.
	API API
	// Language is the target language word or code (e.g. "chinese", "ja").
	Language string
	// APIKey authenticates keyed backends.
	APIKey string
	// BaseURL overrides the backend endpoint root.
	BaseURL string
	// Model overrides the LLM model.
	Model string
	// SystemPrompt replaces the built-in LLM prompt; "{lang}" is substituted.
	SystemPrompt string
	// Context is extra prompt context for LLMs (e.g. glossary terms).
	Context string
	// Proxy is an optional HTTP/HTTPS proxy URL.
	Proxy string
	// Timeout is the per-request timeout (overrides the backend default).
	Timeout time.Duration
	// Concurrency bounds parallel requests for the Google backend.
	Concurrency int
	// MaxAttempts is the number of tries per request. Default: 3.
	MaxAttempts int
	// RetryDelay is the first backoff delay; it doubles per attempt.
	// Default: 500ms.
	RetryDelay time.Duration
	// OnLog emits diagnostic messages.
	OnLog func(format string, args ...any)
}

func (o *Options) log(format string, args ...any) {
	if o.OnLog != nil {
		o.OnLog(format, args...)
	}
}

func (o *Options) effectiveTimeout(def time.Duration) time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return def
}

func (o *Options) effectiveMaxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 3
}

func (o *Options) effectiveRetryDelay() time.Duration {
	if o.RetryDelay > 0 {
		return o.RetryDelay
	}
	return 500 * time.Millisecond
}

func (o *Options) effectiveConcurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return 16
}

// ---------------------------------------------------------------------------
// HTTP client with real proxy support
// ---------------------------------------------------------------------------

func makeHTTPClient(proxyURL string, timeout time.Duration, maxIdle int) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	} else {
		transport.Proxy = http.ProxyFromEnvironment
	}
	if maxIdle > 0 {
		transport.MaxIdleConnsPerHost = maxIdle
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// doRequest sends one request and returns the body of a 2xx response.
// newReq is called once per attempt so bodies can be replayed.
func doRequest(ctx context.Context, client *http.Client, newReq func(context.Context) (*http.Request, error)) ([]byte, error) {
	req, err := newReq(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPStatusError{
			Code:       resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return body, nil
}

// parseRetryAfter reads a Retry-After header given in seconds.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// withRetry runs op up to attempts times with exponential backoff starting
// at base (500ms, 1s, 2s, ...). Only retryable errors are retried. A
// server-requested Retry-After longer than the backoff wins; rl, when set,
// pauses every worker sharing it.
func withRetry(ctx context.Context, attempts int, base time.Duration, rl *rateLimitState, op func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if rl != nil {
			if err := rl.waitIfPaused(ctx); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op()
		if lastErr == nil || !retryable(lastErr) || attempt == attempts-1 {
			return lastErr
		}

		wait := base << attempt
		var se *HTTPStatusError
		if errors.As(lastErr, &se) && se.Code == http.StatusTooManyRequests {
			if se.RetryAfter > wait {
				wait = se.RetryAfter
			}
			if rl != nil {
				rl.pause(wait)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// ---------------------------------------------------------------------------
// Rate limit state (global pause for parallel workers)
// ---------------------------------------------------------------------------

type rateLimitState struct {
	mu       sync.Mutex
	paused   atomic.Bool
	pauseEnd time.Time
}

func (r *rateLimitState) pause(duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if end := time.Now().Add(duration); end.After(r.pauseEnd) {
		r.pauseEnd = end
	}
	r.paused.Store(true)
}

// waitIfPaused blocks until the rate limit pause is over.
func (r *rateLimitState) waitIfPaused(ctx context.Context) error {
	for r.paused.Load() {
		r.mu.Lock()
		remaining := time.Until(r.pauseEnd)
		r.mu.Unlock()
		if remaining <= 0 {
			r.paused.Store(false)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(remaining, 100*time.Millisecond)):
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Progress
// ---------------------------------------------------------------------------

// progressCounter aggregates completions from concurrent workers and
// forwards a monotonic total to fn.
type progressCounter struct {
	mu     sync.Mutex
	done   atomic.Int64
	last   int64
	offset int
	fn     ProgressFunc
}

func newProgressCounter(fn ProgressFunc, offset int) *progressCounter {
	return &progressCounter{fn: fn, offset: offset}
}

func (p *progressCounter) add(n int) {
	total := p.done.Add(int64(n))
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if total > p.last {
		p.last = total
		p.fn(int(total) + p.offset)
	}
}

// truncate truncates a string to maxLen bytes.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
