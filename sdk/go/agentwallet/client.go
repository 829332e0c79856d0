// Package agentwallet is a Go client for the AgentWallet HTTP API.
package agentwallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// A paid call may wait for an on-chain transfer, so it is longer than a
// typical API timeout.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the AgentWallet REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Turn is one question and answer in a session.
type Turn struct {
	Query  string    `json:"query"`
	Reply  string    `json:"reply"`
	Intent string    `json:"intent"`
	At     time.Time `json:"at"`
}

// Session is the conversation state the server hands back with every reply.
// Send it with the next query to continue the conversation.
type Session struct {
	ID    string          `json:"id"`
	Turns []Turn          `json:"turns,omitempty"`
	Calls int             `json:"calls"`
	Spent decimal.Decimal `json:"spent_usdc"`
}

// CallResult is the outcome of a paid service call.
type CallResult struct {
	Success  bool            `json:"success"`
	Service  string          `json:"service"`
	Result   json.RawMessage `json:"result,omitempty"`
	Cost     decimal.Decimal `json:"cost_usdc"`
	TxHash   string          `json:"tx_hash,omitempty"`
	RecordID int64           `json:"record_id,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Code     string          `json:"code,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Transaction is a persisted ledger entry.
type Transaction struct {
	ID        int64           `json:"id"`
	Service   string          `json:"service"`
	Params    map[string]any  `json:"params"`
	Cost      decimal.Decimal `json:"cost_usdc"`
	TxHash    string          `json:"tx_hash"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// QueryResponse is the agent's reply to a free text query.
type QueryResponse struct {
	Reply        string        `json:"reply"`
	Intent       string        `json:"intent"`
	Call         *CallResult   `json:"call,omitempty"`
	Transactions []Transaction `json:"transactions,omitempty"`
	Session      Session       `json:"session"`
	Code         string        `json:"code,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// Service is an entry of the service catalog.
type Service struct {
	Name        string          `json:"name"`
	Destination string          `json:"destination"`
	Cost        decimal.Decimal `json:"cost_usdc"`
	Description string          `json:"description,omitempty"`
}

// Balance summarises the wallet and the ledger.
type Balance struct {
	Mode          string          `json:"mode"`
	USDC          decimal.Decimal `json:"usdc"`
	Native        decimal.Decimal `json:"native"`
	TotalSpent    decimal.Decimal `json:"total_spent_usdc"`
	Transactions  int64           `json:"transactions"`
	RateRemaining int             `json:"rate_remaining"`
}

// Transactions is a page of recent ledger entries.
type Transactions struct {
	Transactions []Transaction   `json:"transactions"`
	TotalSpent   decimal.Decimal `json:"total_spent_usdc"`
}

// APIError represents a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentwallet api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentwallet api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentWallet API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the key sent as a bearer token with every /api/v1 request.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// APIKey returns the currently stored key.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// Health reports whether the server answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil)
}

// Query sends a free text query. Pass the session from the previous response
// to continue a conversation, or nil to start a new one. When the server
// reports a failure the decoded response is returned together with the error,
// so the session is never lost.
func (c *Client) Query(ctx context.Context, query string, session *Session) (QueryResponse, error) {
	body := struct {
		Query   string   `json:"query"`
		Session *Session `json:"session,omitempty"`
	}{Query: query, Session: session}
	var resp QueryResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/query", body, &resp)
	return resp, err
}

// Services lists the service catalog.
func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var resp struct {
		Services []Service `json:"services"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/services", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// CallService pays for and runs a service directly. A failed call returns the
// decoded result alongside the error.
func (c *Client) CallService(ctx context.Context, name string, params map[string]any) (CallResult, error) {
	body := struct {
		Params map[string]any `json:"params"`
	}{Params: params}
	var res CallResult
	err := c.do(ctx, http.MethodPost, "/api/v1/services/"+url.PathEscape(name)+"/calls", body, &res)
	return res, err
}

// Transactions returns the most recent ledger entries, newest first. A
// non-positive limit uses the server default.
func (c *Client) Transactions(ctx context.Context, limit int) (Transactions, error) {
	endpoint := "/api/v1/transactions"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp Transactions
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return Transactions{}, err
	}
	return resp, nil
}

// Balance returns the wallet balance and ledger totals.
func (c *Client) Balance(ctx context.Context) (Balance, error) {
	var resp Balance
	if err := c.do(ctx, http.MethodGet, "/api/v1/balance", nil, &resp); err != nil {
		return Balance{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	rel, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := c.APIKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
			if out != nil {
				_ = json.Unmarshal(data, out)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
