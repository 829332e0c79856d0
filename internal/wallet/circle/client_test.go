package circle

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AgentWallet/internal/wallet"
)

const (
	testSecretHex  = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	testAPIKey     = "TEST_API_KEY:abc:def"
	destination    = "0x1234567890abcdef1234567890abcdef12345678"
	transferPath   = "/v1/w3s/developer/transactions/transfer"
	publicKeyPath  = "/v1/w3s/config/entity/publicKey"
	walletSetsPath = "/v1/w3s/developer/walletSets"
	walletsPath    = "/v1/w3s/developer/wallets"
)

type fakeCircle struct {
	t   *testing.T
	key *rsa.PrivateKey

	mu             sync.Mutex
	transfers      []map[string]any
	idempotency    map[string]struct{}
	transferStatus int
	publicKeyHits  atomic.Int32
}

func newFakeCircle(t *testing.T) (*fakeCircle, *httptest.Server) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	fc := &fakeCircle{t: t, key: key, idempotency: map[string]struct{}{}, transferStatus: http.StatusCreated}
	srv := httptest.NewServer(http.HandlerFunc(fc.serve))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (f *fakeCircle) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+testAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")

	switch {
	case r.Method == http.MethodGet && r.URL.Path == publicKeyPath:
		f.publicKeyHits.Add(1)
		der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
		require.NoError(f.t, err)
		pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
		writeJSON(w, map[string]any{"data": map[string]any{"publicKey": string(pemKey)}})
	case r.Method == http.MethodPost && r.URL.Path == walletSetsPath:
		f.checkCiphertext(decodeBody(f.t, r))
		writeJSON(w, map[string]any{"data": map[string]any{"walletSet": map[string]any{"id": "set-1"}}})
	case r.Method == http.MethodPost && r.URL.Path == walletsPath:
		body := decodeBody(f.t, r)
		f.checkCiphertext(body)
		assert.Equal(f.t, "set-1", body["walletSetId"])
		writeJSON(w, map[string]any{"data": map[string]any{"wallets": []map[string]any{
			{"id": "wallet-1", "address": "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "blockchain": "ARC-TESTNET"},
		}}})
	case r.Method == http.MethodGet && r.URL.Path == "/v1/w3s/wallets/wallet-1/balances":
		writeJSON(w, map[string]any{"data": map[string]any{"tokenBalances": []map[string]any{
			{"amount": "12.5", "token": map[string]any{"symbol": "USDC", "isNative": false}},
			{"amount": "0.25", "token": map[string]any{"symbol": "ARC", "isNative": true}},
		}}})
	case r.Method == http.MethodPost && r.URL.Path == transferPath:
		body := decodeBody(f.t, r)
		f.mu.Lock()
		status := f.transferStatus
		f.transfers = append(f.transfers, body)
		key, _ := body["idempotencyKey"].(string)
		_, dup := f.idempotency[key]
		f.idempotency[key] = struct{}{}
		f.mu.Unlock()
		assert.False(f.t, dup, "idempotency keys must be unique per call")
		if status >= 300 {
			w.WriteHeader(status)
			writeJSON(w, map[string]any{"code": 155201, "message": "upstream unavailable"})
			return
		}
		f.checkCiphertext(body)
		w.WriteHeader(status)
		writeJSON(w, map[string]any{"data": map[string]any{"id": "circle-tx-1", "state": "INITIATED"}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeCircle) checkCiphertext(body map[string]any) {
	raw, _ := body["entitySecretCiphertext"].(string)
	encrypted, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(f.t, err)
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, f.key, encrypted, nil)
	require.NoError(f.t, err)
	assert.Equal(f.t, testSecretHex, hex.EncodeToString(plain))
}

func (f *fakeCircle) setTransferStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transferStatus = status
}

func (f *fakeCircle) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func decodeBody(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
	return body
}

func writeJSON(w http.ResponseWriter, v any) {
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, baseURL string, walletID string) *Client {
	t.Helper()
	client, err := NewClient(Config{
		APIKey:       testAPIKey,
		EntitySecret: testSecretHex,
		BaseURL:      baseURL,
		WalletID:     walletID,
		Breaker:      BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute},
	})
	require.NoError(t, err)
	return client
}

func TestNewClientValidatesConfig(t *testing.T) {
	_, err := NewClient(Config{EntitySecret: testSecretHex})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: testAPIKey, EntitySecret: "xyz"})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: testAPIKey, EntitySecret: "abcd"})
	assert.Error(t, err)

	_, err = NewClient(Config{APIKey: testAPIKey, EntitySecret: testSecretHex, Network: "ETH"})
	assert.Error(t, err)
}

func TestProvisionAndTransfer(t *testing.T) {
	fc, srv := newFakeCircle(t)
	client := newTestClient(t, srv.URL, "")
	ctx := context.Background()

	setID, err := client.CreateWalletSet(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "set-1", setID)

	info, err := client.CreateWallet(ctx, wallet.NetworkArcTestnet)
	require.NoError(t, err)
	assert.Equal(t, "wallet-1", info.ID)
	assert.Equal(t, wallet.ModeCircle, info.Mode)
	assert.Equal(t, "wallet-1", client.WalletID())

	res := client.Transfer(ctx, wallet.TransferRequest{
		To:          destination,
		Amount:      decimal.RequireFromString("0.001"),
		Description: "weather API call",
	})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "circle-tx-1", res.PaymentRef)
	assert.Equal(t, wallet.ModeCircle, res.Mode)

	require.Equal(t, 1, fc.transferCount())
	sent := fc.transfers[0]
	assert.Equal(t, "wallet-1", sent["walletId"])
	assert.Equal(t, destination, sent["destinationAddress"])
	assert.Equal(t, []any{"0.001"}, sent["amounts"])
	assert.Equal(t, "ARC-TESTNET", sent["blockchain"])
	assert.Equal(t, int32(1), fc.publicKeyHits.Load(), "public key is fetched once")
}

func TestCreateWalletRequiresWalletSetAndValidNetwork(t *testing.T) {
	_, srv := newFakeCircle(t)
	client := newTestClient(t, srv.URL, "")

	_, err := client.CreateWallet(context.Background(), wallet.NetworkArcTestnet)
	assert.Error(t, err)

	_, err = client.CreateWallet(context.Background(), wallet.Network("SOL"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid blockchain")
}

func TestBalance(t *testing.T) {
	_, srv := newFakeCircle(t)

	unprovisioned := newTestClient(t, srv.URL, "")
	assert.Equal(t, wallet.DefaultBalance(), unprovisioned.Balance(context.Background()))

	client := newTestClient(t, srv.URL, "wallet-1")
	b := client.Balance(context.Background())
	assert.Equal(t, "12.5", b.USDC.String())
	assert.Equal(t, "0.25", b.Native.String())

	missing := newTestClient(t, srv.URL, "wallet-404")
	assert.Equal(t, wallet.DefaultBalance(), missing.Balance(context.Background()))
}

func TestTransferValidatesLocallyBeforeRemoteCall(t *testing.T) {
	fc, srv := newFakeCircle(t)
	client := newTestClient(t, srv.URL, "wallet-1")

	res := client.Transfer(context.Background(), wallet.TransferRequest{To: "0xnothex", Amount: decimal.RequireFromString("0.001")})
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.Error, "Invalid address format"))

	res = client.Transfer(context.Background(), wallet.TransferRequest{To: destination, Amount: decimal.Zero})
	assert.False(t, res.Success)
	assert.Equal(t, "Amount must be positive", res.Error)

	assert.Zero(t, fc.transferCount())
	assert.Zero(t, fc.publicKeyHits.Load())
}

func TestTransferWithoutWalletFails(t *testing.T) {
	_, srv := newFakeCircle(t)
	client := newTestClient(t, srv.URL, "")

	res := client.Transfer(context.Background(), wallet.TransferRequest{To: destination, Amount: decimal.RequireFromString("0.001")})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not provisioned")
}

func TestTransferRemoteFailureTripsBreaker(t *testing.T) {
	fc, srv := newFakeCircle(t)
	fc.setTransferStatus(http.StatusServiceUnavailable)
	client := newTestClient(t, srv.URL, "wallet-1")
	req := wallet.TransferRequest{To: destination, Amount: decimal.RequireFromString("0.002")}

	for i := 0; i < 2; i++ {
		res := client.Transfer(context.Background(), req)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "503")
	}
	assert.Equal(t, "open", client.BreakerState())

	res := client.Transfer(context.Background(), req)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "暂时不可用")
	assert.Equal(t, 2, fc.transferCount(), "open breaker short-circuits the remote call")
}

func TestClientErrorsDoNotTripBreaker(t *testing.T) {
	fc, srv := newFakeCircle(t)
	fc.setTransferStatus(http.StatusBadRequest)
	client := newTestClient(t, srv.URL, "wallet-1")
	req := wallet.TransferRequest{To: destination, Amount: decimal.RequireFromString("0.002")}

	for i := 0; i < 3; i++ {
		assert.False(t, client.Transfer(context.Background(), req).Success)
	}
	assert.Equal(t, "closed", client.BreakerState())
	assert.Equal(t, 3, fc.transferCount())
}

func TestParsePublicKeyAcceptsPKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})

	parsed, err := parsePublicKey(string(pemKey))
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, parsed.N)

	_, err = parsePublicKey("not a pem")
	assert.Error(t, err)
}
