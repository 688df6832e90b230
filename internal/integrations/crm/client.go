package crm

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

	"convo-relay/internal/integrations/paramstore"
)

// ErrNoConversation is returned when the CRM has no conversation for the
// contact. Callers treat this as a validation failure, not a job failure.
var ErrNoConversation = errors.New("crm: no conversation found for contact")

// conversationSearchResponse is the minimal response shape of the
// conversation search endpoint.
type conversationSearchResponse struct {
	Conversations []struct {
		ID string `json:"id"`
	} `json:"conversations"`
}

// replyRequest is the request shape for posting a reply into a conversation.
type replyRequest struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
}

type Getter = paramstore.Getter

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("crm: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client talks to the CRM's conversation and contact endpoints. All requests
// are scoped to one location (tenant) and carry the dated API version header
// the service requires.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      Getter
	paramPrefix string
	locationID  string

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

// NewClient creates a CRM Client for one location. The access token is
// fetched from SSM on first use and cached for the process lifetime.
func NewClient(ps Getter, paramPrefix, locationID string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("crm: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("crm: parameter prefix must not be empty")
	}
	if strings.TrimSpace(locationID) == "" {
		return nil, errors.New("crm: location ID must not be empty")
	}
	c := &Client{
		baseURL:     "https://services.leadconnectorhq.com",
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
		locationID:  locationID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.GetToken(ctx, c.getter, c.paramPrefix+"/crm-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.baseURL, "/")
	if base == "" {
		base = "https://services.leadconnectorhq.com"
	}
	return base + path
}

// FindConversationID looks up the conversation for an end-user key
// (contact). Returns ErrNoConversation when the search comes back empty.
func (c *Client) FindConversationID(ctx context.Context, endUserKey string) (string, error) {
	if endUserKey == "" {
		return "", errors.New("crm: end-user key must not be empty")
	}
	u := c.endpoint("/conversations/search") + "?" + url.Values{
		"locationId": {c.locationID},
		"contactId":  {endUserKey},
	}.Encode()

	raw, err := c.getJSON(ctx, u)
	if err != nil {
		return "", fmt.Errorf("crm: conversation search: %w", err)
	}
	var payload conversationSearchResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("crm: decode conversation search: %w", err)
	}
	if len(payload.Conversations) == 0 || payload.Conversations[0].ID == "" {
		return "", ErrNoConversation
	}
	return payload.Conversations[0].ID, nil
}

// PostReply posts the agent's reply text into the conversation.
func (c *Client) PostReply(ctx context.Context, conversationID, text string) error {
	if conversationID == "" {
		return errors.New("crm: conversation ID must not be empty")
	}
	u := c.endpoint("/conversations/messages")
	if _, err := c.postJSON(ctx, u, replyRequest{ConversationID: conversationID, Message: text}); err != nil {
		return fmt.Errorf("crm: post reply: %w", err)
	}
	return nil
}

// UpdateContact writes the given fields onto the contact record.
func (c *Client) UpdateContact(ctx context.Context, contactID string, fields map[string]string) error {
	if contactID == "" {
		return errors.New("crm: contact ID must not be empty")
	}
	u := c.endpoint("/contacts/" + url.PathEscape(contactID))
	if _, err := c.putJSON(ctx, u, fields); err != nil {
		return fmt.Errorf("crm: update contact: %w", err)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.doJSONRequest(req, u)
}

func (c *Client) postJSON(ctx context.Context, u string, body any) ([]byte, error) {
	return c.sendJSON(ctx, http.MethodPost, u, body)
}

func (c *Client) putJSON(ctx context.Context, u string, body any) ([]byte, error) {
	return c.sendJSON(ctx, http.MethodPut, u, body)
}

func (c *Client) sendJSON(ctx context.Context, method, u string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.doJSONRequest(req, u)
}

func (c *Client) doJSONRequest(req *http.Request, u string) ([]byte, error) {
	apiKey, err := c.resolveAPIKey(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Version", "2021-04-15")
	req.Header.Set("Accept", "application/json")

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
