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
)

const defaultBaseURL = "https://api.openai.com/v1"

// betaHeader opts the request into the Assistants v2 API surface.
const betaHeader = "assistants=v2"

// Tool is one tool definition passed to run creation. Schema carries the
// provider's function-call JSON schema verbatim.
type Tool struct {
	Type     string          `json:"type"`
	Function json.RawMessage `json:"function,omitempty"`
}

// RunRequest configures one run-creation call.
type RunRequest struct {
	AssistantID            string
	Model                  string
	AdditionalInstructions string
	Tools                  []Tool
}

// Run is the subset of the run object the pipeline consults.
type Run struct {
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type createRunBody struct {
	AssistantID            string `json:"assistant_id"`
	Model                  string `json:"model,omitempty"`
	AdditionalInstructions string `json:"additional_instructions,omitempty"`
	Tools                  []Tool `json:"tools,omitempty"`
}

type createMessageBody struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type threadObject struct {
	ID string `json:"id"`
}

// tokenPayload is the JSON shape stored in Parameter Store for the API token.
type tokenPayload struct {
	Token string `json:"token"`
}

type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware
// context, letting callers distinguish rate limiting from hard failures.
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

// Client is a focused OpenAI Assistants client covering the thread,
// message and run operations the pipeline needs.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client backed by the given paramstore Getter for
// API key retrieval. The key is fetched on the first API call and reused
// for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateThread creates a new empty thread and returns its id.
func (c *Client) CreateThread(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, http.MethodPost, c.url("/threads"), []byte(`{}`))
	if err != nil {
		return "", fmt.Errorf("openai: create thread: %w", err)
	}
	var thread threadObject
	if decErr := json.Unmarshal(raw, &thread); decErr != nil {
		return "", fmt.Errorf("openai: decode thread: %w", decErr)
	}
	if thread.ID == "" {
		return "", errors.New("openai: thread response missing id")
	}
	return thread.ID, nil
}

// DeleteThread deletes a thread. Used when a conversation is reset and the
// superseded thread should be released.
func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if threadID == "" {
		return errors.New("openai: thread id must not be empty")
	}
	if _, err := c.do(ctx, http.MethodDelete, c.url("/threads/"+threadID), nil); err != nil {
		return fmt.Errorf("openai: delete thread: %w", err)
	}
	return nil
}

// AddMessage appends a user message to a thread.
func (c *Client) AddMessage(ctx context.Context, threadID, content string) error {
	if threadID == "" {
		return errors.New("openai: thread id must not be empty")
	}
	body, err := json.Marshal(createMessageBody{Role: "user", Content: content})
	if err != nil {
		return fmt.Errorf("openai: marshal message: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, c.url("/threads/"+threadID+"/messages"), body); err != nil {
		return fmt.Errorf("openai: add message: %w", err)
	}
	return nil
}

// CreateRun starts an assistant run over a thread and returns the run id
// and its expiry timestamp.
func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (Run, error) {
	if threadID == "" {
		return Run{}, errors.New("openai: thread id must not be empty")
	}
	if req.AssistantID == "" {
		return Run{}, errors.New("openai: assistant id must not be empty")
	}
	body, err := json.Marshal(createRunBody{
		AssistantID:            req.AssistantID,
		Model:                  req.Model,
		AdditionalInstructions: req.AdditionalInstructions,
		Tools:                  req.Tools,
	})
	if err != nil {
		return Run{}, fmt.Errorf("openai: marshal run request: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, c.url("/threads/"+threadID+"/runs"), body)
	if err != nil {
		return Run{}, fmt.Errorf("openai: create run: %w", err)
	}
	var run Run
	if decErr := json.Unmarshal(raw, &run); decErr != nil {
		return Run{}, fmt.Errorf("openai: decode run: %w", decErr)
	}
	if run.ID == "" {
		return Run{}, errors.New("openai: run response missing id")
	}
	return run, nil
}

// resolveAPIKey fetches the API key from Parameter Store on the first call
// and returns the cached result on every subsequent call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = fetchAPIKeyFromParamStore(ctx, c.getter, c.paramPrefix+"/open-ai-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) url(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if !strings.HasSuffix(base, "/v1") {
		base += "/v1"
	}
	return base + path
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", betaHeader)

	res, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func fetchAPIKeyFromParamStore(ctx context.Context, getter Getter, name string) (string, error) {
	if getter == nil {
		return "", errors.New("openai: paramstore getter is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("openai: token parameter name is empty")
	}

	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("openai: unmarshal paramstore token value as JSON: %w", err)
	}
	if tp.Token == "" {
		return "", errors.New("openai: API token is empty")
	}
	return tp.Token, nil
}
