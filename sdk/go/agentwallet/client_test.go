package agentwallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentWallet/internal/agent"
	"AgentWallet/internal/api"
	"AgentWallet/internal/auth"
	"AgentWallet/internal/gateway"
	"AgentWallet/internal/ledger"
	"AgentWallet/internal/wallet"
)

func newServer(t *testing.T, gwOpts []gateway.Option, opts ...api.Option) *Client {
	t.Helper()
	store, err := ledger.Open(context.Background(), ledger.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wallet.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := gateway.New(wallet.NewSimulated(), store, gwOpts...)
	srv := httptest.NewServer(api.NewServer(":0", agent.New(gw), opts...).Routes())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	require.NoError(t, err)
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	_, err := NewClient("localhost:8080", nil)
	assert.Error(t, err)
	_, err = NewClient("http://localhost:8080", nil)
	assert.NoError(t, err)
}

func TestConversationAgainstServer(t *testing.T) {
	client := newServer(t, nil)
	ctx := context.Background()
	require.NoError(t, client.Health(ctx))

	first, err := client.Query(ctx, "stock NVDA", nil)
	require.NoError(t, err)
	assert.Equal(t, "stock", first.Intent)
	require.NotNil(t, first.Call)
	assert.True(t, first.Call.Success)
	assert.Equal(t, "0.002", first.Call.Cost.String())
	assert.NotEmpty(t, first.Call.TxHash)

	second, err := client.Query(ctx, "show history", &first.Session)
	require.NoError(t, err)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, second.Session.Calls)
	require.Len(t, second.Transactions, 1)
	assert.Equal(t, "stock", second.Transactions[0].Service)
	assert.Equal(t, "NVDA", second.Transactions[0].Params["symbol"])
}

func TestServicesAndDirectCall(t *testing.T) {
	client := newServer(t, nil)
	ctx := context.Background()

	services, err := client.Services(ctx)
	require.NoError(t, err)
	assert.Len(t, services, 4)

	res, err := client.CallService(ctx, "news", map[string]any{"topic": "ai"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	var digest struct {
		Topic     string   `json:"topic"`
		Headlines []string `json:"headlines"`
	}
	require.NoError(t, json.Unmarshal(res.Result, &digest))
	assert.Equal(t, "ai", digest.Topic)
	assert.NotEmpty(t, digest.Headlines)

	page, err := client.Transactions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, page.Transactions, 1)
	assert.Equal(t, "0.003", page.TotalSpent.String())

	bal, err := client.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "simulated", bal.Mode)
	assert.Equal(t, int64(1), bal.Transactions)
}

func TestCallErrorsKeepDecodedResult(t *testing.T) {
	client := newServer(t, []gateway.Option{gateway.WithRateLimit(1, time.Minute)})
	ctx := context.Background()

	res, err := client.CallService(ctx, "horoscope", nil)
	require.Error(t, err)
	assert.True(t, IsCode(err, "UNKNOWN_SERVICE"))
	assert.Equal(t, "Unknown service: horoscope", res.Error)

	_, err = client.CallService(ctx, "weather", map[string]any{"city": "Oslo"})
	require.NoError(t, err)

	res, err = client.CallService(ctx, "weather", map[string]any{"city": "Rome"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	assert.Equal(t, "RATE_LIMITED", apiErr.Code)
	assert.False(t, res.Success)

	reply, err := client.Query(ctx, "weather in Rome", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, reply.Session.ID)
	assert.Contains(t, reply.Reply, "Rate limit exceeded")
	require.NotNil(t, reply.Call)
	assert.Equal(t, "RATE_LIMITED", reply.Call.Code)
	assert.Zero(t, reply.Session.Calls)
}

func TestAPIKey(t *testing.T) {
	client := newServer(t, nil, api.WithAuth(auth.NewService(map[string]string{"sdk": "k-123"})))
	ctx := context.Background()

	_, err := client.Balance(ctx)
	require.Error(t, err)
	assert.True(t, IsCode(err, "UNAUTHENTICATED"))

	client.SetAPIKey("k-123")
	assert.Equal(t, "k-123", client.APIKey())
	_, err = client.Balance(ctx)
	assert.NoError(t, err)
}
