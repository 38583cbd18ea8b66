package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"nexus-agent/internal/domain"
)

const (
	defaultAPIRoot = "https://api.openai.com/v1"
	defaultTimeout = 10 * time.Second
	keyParamSuffix = "/open-ai-token"
)

var (
	// ErrRefused is returned when the model declines a structured completion.
	ErrRefused = errors.New("openai: model refused the request")
	// ErrTruncated is returned when a structured completion hit the token
	// limit and its JSON cannot be trusted.
	ErrTruncated = errors.New("openai: completion truncated")
)

type chatRequest struct {
	Model          string               `json:"model"`
	Messages       []domain.ChatMessage `json:"messages"`
	ResponseFormat *responseFormat      `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// TokenReader reads a secret token by parameter name. paramstore.Client
// satisfies it.
type TokenReader interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to an OpenAI-compatible chat completions API.
type Client struct {
	apiRoot    string
	httpClient *http.Client
	tokens     TokenReader
	keyParam   string
	staticKey  string

	mu     sync.Mutex
	apiKey string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.apiRoot = apiRoot(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIKey skips Parameter Store and uses key directly. Meant for local runs.
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.staticKey = strings.TrimSpace(key)
	}
}

// NewClient builds a client whose API key lives in Parameter Store under
// <paramPrefix>/open-ai-token, unless WithAPIKey supplies one.
func NewClient(ps TokenReader, paramPrefix string, opts ...Option) (*Client, error) {
	c := &Client{
		apiRoot:    defaultAPIRoot,
		httpClient: &http.Client{Timeout: defaultTimeout},
		tokens:     ps,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.staticKey != "" {
		c.apiKey = c.staticKey
		return c, nil
	}
	if ps == nil {
		return nil, errors.New("openai: token reader must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c.keyParam = paramPrefix + keyParamSuffix
	return c, nil
}

// APIKey returns the API key. A successful Parameter Store read is cached for
// the life of the process; a failed one is retried on the next call.
func (c *Client) APIKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.apiKey != "" {
		return c.apiKey, nil
	}
	key, err := readKey(ctx, c.tokens, c.keyParam)
	if err != nil {
		return "", err
	}
	c.apiKey = key
	return key, nil
}

// BaseURL is the API root, ending in /v1. The embeddings client is pointed at
// the same root.
func (c *Client) BaseURL() string {
	return c.apiRoot
}

// Chat returns the assistant text for a plain chat completion.
func (c *Client) Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error) {
	choice, err := c.complete(ctx, chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", err
	}
	return choice.content, nil
}

// ChatJSON constrains the completion to schema and returns the raw JSON text.
func (c *Client) ChatJSON(ctx context.Context, model string, messages []domain.ChatMessage, schema domain.JSONSchema) (string, error) {
	if strings.TrimSpace(schema.Name) == "" || len(schema.Schema) == 0 {
		return "", errors.New("openai: json schema must have a name and a body")
	}
	choice, err := c.complete(ctx, chatRequest{
		Model:    model,
		Messages: messages,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   schema.Name,
				Strict: true,
				Schema: schema.Schema,
			},
		},
	})
	if err != nil {
		return "", err
	}
	switch {
	case choice.refusal != "":
		return "", fmt.Errorf("%w: %s", ErrRefused, choice.refusal)
	case choice.finishReason == "length":
		return "", ErrTruncated
	}
	return choice.content, nil
}

type choice struct {
	content      string
	refusal      string
	finishReason string
}

func (c *Client) complete(ctx context.Context, in chatRequest) (choice, error) {
	if in.Model == "" {
		return choice{}, errors.New("openai: model must not be empty")
	}
	raw, err := c.post(ctx, "/chat/completions", in)
	if err != nil {
		return choice{}, err
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return choice{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return choice{}, errors.New("openai: no choices in response")
	}
	first := payload.Choices[0]
	return choice{
		content:      first.Message.Content,
		refusal:      first.Message.Refusal,
		finishReason: first.FinishReason,
	}, nil
}

// post sends payload as JSON to path under the API root and returns the body
// of a 2xx response.
func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	apiKey, err := c.APIKey(ctx)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := c.apiRoot + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	httpClient := c.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("openai: request failed: %w", &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		})
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("openai: read response body: %w", err)
	}
	return buf, nil
}

// apiRoot normalizes a base URL to the versioned API root.
func apiRoot(baseURL string) string {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return defaultAPIRoot
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func readKey(ctx context.Context, tokens TokenReader, name string) (string, error) {
	if tokens == nil {
		return "", errors.New("openai: token reader is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}
	key, err := tokens.Token(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch API token: %w", err)
	}
	return key, nil
}
