package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/derenpy/derenpy/langmeta"
)

// DefaultSystemPrompt is the LLM instruction; {lang} is replaced with the
// target language name.
const DefaultSystemPrompt = "You are a professional game translator. Translate the given text to {lang}. " +
	"Follow these rules:\n" +
	"1. Preserve any formatting tags like {color}, [variables], etc.\n" +
	"2. Keep the original tone and style.\n" +
	"3. Only output the translated text, nothing else.\n" +
	"4. Do not add quotes around the translation."

const llmTemperature = 0.3

type llmDefaults struct {
	baseURL string
	model   string
}

var llmBackends = map[API]llmDefaults{
	APIOpenAI: {baseURL: "https://api.openai.com/v1", model: "gpt-4o-mini"},
	APIClaude: {baseURL: "https://api.anthropic.com/v1", model: "claude-sonnet-4-20250514"},
	APIOllama: {baseURL: "http://localhost:11434", model: "llama3"},
}

// DefaultBaseURL returns the endpoint root used when none is configured.
func DefaultBaseURL(a API) string { return llmBackends[a].baseURL }

// DefaultModel returns the model used when none is configured.
func DefaultModel(a API) string { return llmBackends[a].model }

// LLMClient translates one text per request through a chat-style API.
type LLMClient struct {
	opts    Options
	baseURL string
	model   string
	prompt  string
	http    *http.Client
}

// NewLLM builds a client for APIOpenAI, APIClaude or APIOllama.
func NewLLM(opts Options) (*LLMClient, error) {
	def, ok := llmBackends[opts.API]
	if !ok {
		return nil, fmt.Errorf("%s is not an LLM backend", opts.API)
	}
	c := &LLMClient{
		opts:    opts,
		baseURL: strings.TrimRight(def.baseURL, "/"),
		model:   def.model,
		http:    makeHTTPClient(opts.Proxy, opts.effectiveTimeout(120*time.Second), 0),
	}
	if opts.BaseURL != "" {
		c.baseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	if opts.Model != "" {
		c.model = opts.Model
	}

	prompt := opts.SystemPrompt
	if strings.TrimSpace(prompt) == "" {
		prompt = DefaultSystemPrompt
	}
	c.prompt = strings.ReplaceAll(prompt, "{lang}", langmeta.DisplayName(opts.Language))
	return c, nil
}

// Model returns the model in use.
func (c *LLMClient) Model() string { return c.model }

// SystemPrompt returns the resolved system prompt.
func (c *LLMClient) SystemPrompt() string { return c.prompt }

func userPrompt(text, context string) string {
	if context != "" {
		return fmt.Sprintf("Context: %s\n\nTranslate: %s", context, text)
	}
	return "Translate: " + text
}

// Translate sends one text and returns the trimmed reply.
func (c *LLMClient) Translate(ctx context.Context, text string) (string, error) {
	var out string
	err := withRetry(ctx, c.opts.effectiveMaxAttempts(), c.opts.effectiveRetryDelay(), nil, func() error {
		var err error
		if c.opts.API == APIOllama {
			out, err = c.callOllama(ctx, text)
		} else {
			out, err = c.callChat(ctx, text)
		}
		return err
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TranslateBatch translates texts one after another, reporting progress
// after each.
func (c *LLMClient) TranslateBatch(ctx context.Context, texts []string, progress ProgressFunc) []Result {
	results := make([]Result, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(texts); j++ {
				results[j] = Result{Err: err}
			}
			return results
		}
		out, err := c.Translate(ctx, text)
		if err != nil {
			c.opts.log("%s: %v", c.opts.API, err)
		}
		results[i] = Result{Text: out, Err: err}
		if progress != nil {
			progress(i + 1)
		}
	}
	return results
}

// ---------------------------------------------------------------------------
// Request builders
// ---------------------------------------------------------------------------

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatRequest(model, systemPrompt, userPrompt string) ([]byte, error) {
	req := struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
	}{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: llmTemperature,
	}
	return json.Marshal(req)
}

func buildOllamaRequest(model, prompt string) ([]byte, error) {
	req := struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		Stream bool   `json:"stream"`
	}{
		Model:  model,
		Prompt: prompt,
	}
	return json.Marshal(req)
}

func (c *LLMClient) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	return doRequest(ctx, c.http, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}
		return req, nil
	})
}

// callChat uses the OpenAI chat/completions shape, which both OpenAI and
// Anthropic's compatibility endpoint accept.
func (c *LLMClient) callChat(ctx context.Context, text string) (string, error) {
	body, err := buildChatRequest(c.model, c.prompt, userPrompt(text, c.opts.Context))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	respBody, err := c.post(ctx, c.baseURL+"/chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseParse, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in reply: %s", ErrResponseParse, truncate(string(respBody), 200))
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *LLMClient) callOllama(ctx context.Context, text string) (string, error) {
	body, err := buildOllamaRequest(c.model, c.prompt+"\n\n"+userPrompt(text, c.opts.Context))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	respBody, err := c.post(ctx, c.baseURL+"/api/generate", body)
	if err != nil {
		return "", err
	}

	var resp struct {
		Response *string `json:"response"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrResponseParse, err)
	}
	if resp.Response == nil {
		return "", fmt.Errorf("%w: missing response field", ErrResponseParse)
	}
	return *resp.Response, nil
}
