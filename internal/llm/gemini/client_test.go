package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentWallet/internal/llm"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	assert.Error(t, err)
}

func TestCompleteAgainstFakeEndpoint(t *testing.T) {
	var body map[string]any
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]any{{"text": "I can check the weather for 0.001 USDC."}},
				},
				"finishReason": "STOP",
			}},
		})
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{APIKey: "key", BaseURL: srv.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "gemini", client.Name())
	assert.Equal(t, defaultModelName, client.Model())

	reply, err := client.Complete(context.Background(), llm.Prompt{Context: llm.BuildContext("10.0000", 0, "hi")})
	require.NoError(t, err)
	assert.Equal(t, "I can check the weather for 0.001 USDC.", reply)

	assert.True(t, strings.HasSuffix(path, defaultModelName+":generateContent"), path)
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "User Query: hi")
	assert.Contains(t, string(raw), "USDC wallet")
}

func TestCompleteEmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Prompt{Context: "q"})
	assert.Error(t, err)
}

func TestCompleteHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"denied","status":"PERMISSION_DENIED"}}`))
	}))
	defer srv.Close()

	client, err := NewClient(context.Background(), Config{APIKey: "key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), llm.Prompt{Context: "q"})
	assert.Error(t, err)
}
