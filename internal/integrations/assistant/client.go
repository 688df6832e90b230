package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"convo-relay/internal/domain"
	"convo-relay/internal/integrations/paramstore"
)

// messageRequest is the request shape for appending a message to a thread.
type messageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// runRequest is the request shape for starting a run.
type runRequest struct {
	AssistantID string `json:"assistant_id"`
}

// runResponse is the minimal response shape for run create/retrieve.
type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// messageListResponse is the minimal response shape for listing thread
// messages. The service returns messages newest first.
type messageListResponse struct {
	Data []struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

type Getter = paramstore.Getter

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("assistant: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused job-service client for the thread/run surface the
// relay needs: append a message, start a run, poll its status, and read the
// newest agent-authored reply.
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

// NewClient creates a new Client backed by the given paramstore Getter for
// API key retrieval. The key is fetched from SSM on the first call and
// reused for the lifetime of the process.
func NewClient(ps Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("assistant: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("assistant: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     "https://api.openai.com/v1",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the API key from SSM on the first call and returns
// the cached result on every subsequent call.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.GetToken(ctx, c.getter, c.paramPrefix+"/assistant-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) threadURL(threadRef, suffix string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return base + "/threads/" + url.PathEscape(threadRef) + suffix
}

// CreateMessage appends a message to the thread.
func (c *Client) CreateMessage(ctx context.Context, threadRef, role, text string) error {
	if threadRef == "" {
		return errors.New("assistant: thread ref must not be empty")
	}
	u := c.threadURL(threadRef, "/messages")
	_, err := c.postJSON(ctx, u, messageRequest{Role: role, Content: text})
	if err != nil {
		return fmt.Errorf("assistant: create message: %w", err)
	}
	return nil
}

// StartRun starts a run of the given agent on the thread and returns the
// run reference.
func (c *Client) StartRun(ctx context.Context, threadRef, agentRef string) (string, error) {
	if threadRef == "" || agentRef == "" {
		return "", errors.New("assistant: thread and agent refs must not be empty")
	}
	u := c.threadURL(threadRef, "/runs")
	raw, err := c.postJSON(ctx, u, runRequest{AssistantID: agentRef})
	if err != nil {
		return "", fmt.Errorf("assistant: start run: %w", err)
	}
	var payload runResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("assistant: decode run response: %w", err)
	}
	if payload.ID == "" {
		return "", errors.New("assistant: run response missing id")
	}
	return payload.ID, nil
}

// GetRunStatus retrieves the current status of a run.
func (c *Client) GetRunStatus(ctx context.Context, threadRef, runRef string) (domain.RunStatus, error) {
	if threadRef == "" || runRef == "" {
		return "", errors.New("assistant: thread and run refs must not be empty")
	}
	u := c.threadURL(threadRef, "/runs/"+url.PathEscape(runRef))
	raw, err := c.getJSON(ctx, u)
	if err != nil {
		return "", fmt.Errorf("assistant: get run status: %w", err)
	}
	var payload runResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("assistant: decode run response: %w", err)
	}
	if payload.Status == "" {
		return "", errors.New("assistant: run response missing status")
	}
	return domain.RunStatus(payload.Status), nil
}

// LatestAgentMessage returns the text of the newest agent-authored message
// on the thread.
func (c *Client) LatestAgentMessage(ctx context.Context, threadRef string) (string, error) {
	if threadRef == "" {
		return "", errors.New("assistant: thread ref must not be empty")
	}
	u := c.threadURL(threadRef, "/messages")
	raw, err := c.getJSON(ctx, u)
	if err != nil {
		return "", fmt.Errorf("assistant: list messages: %w", err)
	}
	var payload messageListResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("assistant: decode message list: %w", err)
	}
	// Newest first; the first assistant-authored entry is the reply.
	for _, msg := range payload.Data {
		if msg.Role != "assistant" {
			continue
		}
		for _, part := range msg.Content {
			if part.Type == "text" && part.Text.Value != "" {
				return part.Text.Value, nil
			}
		}
	}
	return "", errors.New("assistant: no agent message found")
}

func (c *Client) postJSON(ctx context.Context, u string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSONRequest(req, u)
}

func (c *Client) getJSON(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.doJSONRequest(req, u)
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")

	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        u,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
