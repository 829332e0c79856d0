// Package circle implements the wallet contract on top of Circle's
// developer-controlled wallets REST API.
package circle

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"AgentWallet/internal/wallet"
	"AgentWallet/pkg/logger"
)

// DefaultBaseURL 是 Circle API 的默认地址。
const DefaultBaseURL = "https://api.circle.com"

// Config 描述 Circle 钱包客户端的配置。
type Config struct {
	APIKey       string
	EntitySecret string
	BaseURL      string
	WalletID     string
	WalletSetID  string
	Network      wallet.Network
	// TokenID 为空时按 TokenAddress + 区块链转账，TokenAddress 为空表示原生 USDC。
	TokenID      string
	TokenAddress string
	FeeLevel     string
	Timeout      time.Duration
	Breaker      BreakerConfig
}

// BreakerConfig 配置 Circle 调用的熔断器。
type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Option 自定义客户端。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// Client 通过 Circle REST API 完成余额查询与 USDC 转账。
type Client struct {
	apiKey       string
	entitySecret []byte
	baseURL      string
	network      wallet.Network
	tokenID      string
	tokenAddress string
	feeLevel     string

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	now        func() time.Time
	log        *slog.Logger

	mu          sync.RWMutex
	walletID    string
	walletSetID string
	address     string
	publicKey   *rsa.PublicKey
}

// NewClient 创建 Circle 钱包客户端。
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未配置 Circle API Key")
	}
	secret, err := decodeEntitySecret(cfg.EntitySecret)
	if err != nil {
		return nil, err
	}
	network := cfg.Network
	if network == "" {
		network = wallet.NetworkArcTestnet
	}
	if _, err := wallet.ParseNetwork(string(network)); err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	feeLevel := cfg.FeeLevel
	if feeLevel == "" {
		feeLevel = "MEDIUM"
	}

	c := &Client{
		apiKey:       apiKey,
		entitySecret: secret,
		baseURL:      baseURL,
		network:      network,
		tokenID:      strings.TrimSpace(cfg.TokenID),
		tokenAddress: strings.TrimSpace(cfg.TokenAddress),
		feeLevel:     feeLevel,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
		log:          logger.Named("circle"),
		walletID:     strings.TrimSpace(cfg.WalletID),
		walletSetID:  strings.TrimSpace(cfg.WalletSetID),
	}
	c.breaker = gobreaker.NewCircuitBreaker(breakerSettings(cfg.Breaker, c.log))
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

func decodeEntitySecret(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("未配置 Circle entity secret")
	}
	secret, err := hex.DecodeString(strings.TrimPrefix(raw, "0x"))
	if err != nil {
		return nil, fmt.Errorf("Circle entity secret 必须是十六进制字符串: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("Circle entity secret 长度必须为 32 字节，当前为 %d", len(secret))
	}
	return secret, nil
}

func breakerSettings(cfg BreakerConfig, log *slog.Logger) gobreaker.Settings {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	return gobreaker.Settings{
		Name:        "circle",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// 4xx 是请求本身的问题，不代表 Circle 不可用。
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("熔断器状态变化", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()))
		},
	}
}

// Mode 实现 wallet.Wallet。
func (c *Client) Mode() wallet.Mode { return wallet.ModeCircle }

// WalletID 返回当前使用的钱包 ID。
func (c *Client) WalletID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletID
}

// WalletSetID 返回当前钱包集合 ID。
func (c *Client) WalletSetID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.walletSetID
}

// Address 返回当前钱包地址，可能为空。
func (c *Client) Address() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.address
}

// UseWallet 指定后续调用使用的钱包。
func (c *Client) UseWallet(id, address string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walletID = strings.TrimSpace(id)
	c.address = strings.TrimSpace(address)
}

// UseWalletSet 指定创建钱包时使用的钱包集合。
func (c *Client) UseWalletSet(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.walletSetID = strings.TrimSpace(id)
}

// BreakerState 返回熔断器当前状态。
func (c *Client) BreakerState() string { return c.breaker.State().String() }

// CreateWalletSet 实现 wallet.Provisioner。
func (c *Client) CreateWalletSet(ctx context.Context, name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		name = wallet.DefaultWalletSetName
	}
	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"idempotencyKey":         uuid.NewString(),
		"name":                   name,
		"entitySecretCiphertext": ciphertext,
	}
	var resp walletSetResponse
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/walletSets", body, &resp); err != nil {
		return "", fmt.Errorf("创建钱包集合失败: %w", err)
	}
	if resp.Data.WalletSet.ID == "" {
		return "", errors.New("创建钱包集合失败: 响应缺少 id")
	}

	c.mu.Lock()
	c.walletSetID = resp.Data.WalletSet.ID
	c.mu.Unlock()
	c.log.Info("已创建钱包集合", slog.String("wallet_set_id", resp.Data.WalletSet.ID))
	return resp.Data.WalletSet.ID, nil
}

// CreateWallet 实现 wallet.Provisioner，需要先有钱包集合。
func (c *Client) CreateWallet(ctx context.Context, network wallet.Network) (wallet.Info, error) {
	network, err := wallet.ParseNetwork(string(network))
	if err != nil {
		return wallet.Info{}, err
	}
	setID := c.WalletSetID()
	if setID == "" {
		return wallet.Info{}, errors.New("创建钱包前需要先创建钱包集合")
	}
	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return wallet.Info{}, err
	}
	body := map[string]any{
		"idempotencyKey":         uuid.NewString(),
		"walletSetId":            setID,
		"blockchains":            []string{string(network)},
		"count":                  1,
		"entitySecretCiphertext": ciphertext,
	}
	var resp walletsResponse
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/wallets", body, &resp); err != nil {
		return wallet.Info{}, fmt.Errorf("创建钱包失败: %w", err)
	}
	if len(resp.Data.Wallets) == 0 {
		return wallet.Info{}, errors.New("创建钱包失败: 响应中没有钱包")
	}

	created := resp.Data.Wallets[0]
	c.UseWallet(created.ID, created.Address)
	c.log.Info("已创建钱包", slog.String("wallet_id", created.ID), slog.String("address", created.Address))
	return wallet.Info{
		ID:      created.ID,
		Address: created.Address,
		Network: network,
		Mode:    wallet.ModeCircle,
	}, nil
}

// Balance 实现 wallet.Wallet，查询失败时返回默认余额。
func (c *Client) Balance(ctx context.Context) wallet.Balance {
	id := c.WalletID()
	if id == "" {
		return wallet.DefaultBalance()
	}
	var resp balancesResponse
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/wallets/"+id+"/balances", nil, &resp); err != nil {
		c.log.Warn("查询余额失败", slog.String("wallet_id", id), slog.Any("error", err))
		return wallet.DefaultBalance()
	}

	balance := wallet.Balance{USDC: decimal.Zero, Native: decimal.Zero}
	for _, tb := range resp.Data.TokenBalances {
		amount, err := decimal.NewFromString(tb.Amount)
		if err != nil {
			c.log.Warn("忽略无法解析的余额", slog.String("symbol", tb.Token.Symbol), slog.String("amount", tb.Amount))
			continue
		}
		if strings.EqualFold(tb.Token.Symbol, "USDC") {
			balance.USDC = amount
		}
		if tb.Token.IsNative {
			balance.Native = amount
		}
	}
	return balance
}

// Transfer 实现 wallet.Wallet。远程错误统一转换为 Success=false。
func (c *Client) Transfer(ctx context.Context, req wallet.TransferRequest) wallet.TransferResult {
	now := c.now()
	if err := wallet.ValidateTransfer(req); err != nil {
		return wallet.Failed(req, wallet.ModeCircle, now, wallet.ErrorMessage(err))
	}
	id := c.WalletID()
	if id == "" {
		return wallet.Failed(req, wallet.ModeCircle, now, "Circle wallet is not provisioned")
	}

	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return wallet.Failed(req, wallet.ModeCircle, now, err.Error())
	}
	body := map[string]any{
		"idempotencyKey":         uuid.NewString(),
		"walletId":               id,
		"destinationAddress":     req.To,
		"amounts":                []string{req.Amount.String()},
		"feeLevel":               c.feeLevel,
		"entitySecretCiphertext": ciphertext,
	}
	if c.tokenID != "" {
		body["tokenId"] = c.tokenID
	} else {
		body["blockchain"] = string(c.network)
		body["tokenAddress"] = c.tokenAddress
	}
	if req.Description != "" {
		body["refId"] = req.Description
	}

	var resp transferResponse
	if err := c.do(ctx, http.MethodPost, "/v1/w3s/developer/transactions/transfer", body, &resp); err != nil {
		c.log.Error("转账失败", slog.String("to", req.To), slog.String("amount", req.Amount.String()), slog.Any("error", err))
		return wallet.Failed(req, wallet.ModeCircle, now, err.Error())
	}
	if strings.EqualFold(resp.Data.State, "FAILED") || strings.EqualFold(resp.Data.State, "DENIED") {
		return wallet.Failed(req, wallet.ModeCircle, now, "Circle transaction "+strings.ToLower(resp.Data.State))
	}

	// 转账接口异步上链，交易哈希稍后才有，这里以 Circle 交易 ID 作为支付凭证。
	ref := resp.Data.TxHash
	if ref == "" {
		ref = resp.Data.ID
	}
	return wallet.Succeeded(req, wallet.ModeCircle, now, ref)
}

// entitySecretCiphertext 每次请求都重新加密，Circle 拒绝重复使用的密文。
func (c *Client) entitySecretCiphertext(ctx context.Context) (string, error) {
	key, err := c.entityPublicKey(ctx)
	if err != nil {
		return "", err
	}
	encrypted, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, c.entitySecret, nil)
	if err != nil {
		return "", fmt.Errorf("加密 entity secret 失败: %w", err)
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (c *Client) entityPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.RLock()
	key := c.publicKey
	c.mu.RUnlock()
	if key != nil {
		return key, nil
	}

	var resp publicKeyResponse
	if err := c.do(ctx, http.MethodGet, "/v1/w3s/config/entity/publicKey", nil, &resp); err != nil {
		return nil, fmt.Errorf("获取 entity 公钥失败: %w", err)
	}
	key, err := parsePublicKey(resp.Data.PublicKey)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.publicKey = key
	c.mu.Unlock()
	return key, nil
}

func parsePublicKey(raw string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("entity 公钥不是有效的 PEM")
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if key, ok := parsed.(*rsa.PublicKey); ok {
			return key, nil
		}
		return nil, errors.New("entity 公钥不是 RSA 公钥")
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("解析 entity 公钥失败: %w", err)
	}
	return key, nil
}

// APIError 表示 Circle 返回的非 2xx 响应。
type APIError struct {
	StatusCode int
	Code       int    `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("circle api status %d (code %d): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("circle api status %d", e.StatusCode)
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("Circle API 暂时不可用: %w", err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求 Circle 失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("读取 Circle 响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		apiErr.StatusCode = resp.StatusCode
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析 Circle 响应失败: %w", err)
	}
	return nil
}

type publicKeyResponse struct {
	Data struct {
		PublicKey string `json:"publicKey"`
	} `json:"data"`
}

type walletSetResponse struct {
	Data struct {
		WalletSet struct {
			ID string `json:"id"`
		} `json:"walletSet"`
	} `json:"data"`
}

type walletsResponse struct {
	Data struct {
		Wallets []struct {
			ID         string `json:"id"`
			Address    string `json:"address"`
			Blockchain string `json:"blockchain"`
		} `json:"wallets"`
	} `json:"data"`
}

type balancesResponse struct {
	Data struct {
		TokenBalances []struct {
			Amount string `json:"amount"`
			Token  struct {
				Symbol   string `json:"symbol"`
				IsNative bool   `json:"isNative"`
			} `json:"token"`
		} `json:"tokenBalances"`
	} `json:"data"`
}

type transferResponse struct {
	Data struct {
		ID     string `json:"id"`
		State  string `json:"state"`
		TxHash string `json:"txHash"`
	} `json:"data"`
}

var (
	_ wallet.Wallet      = (*Client)(nil)
	_ wallet.Provisioner = (*Client)(nil)
)
