// Package gemini implements llm.Client on top of the official Google Gen AI
// SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"AgentWallet/internal/llm"
)

const (
	defaultModelName = "gemini-2.0-flash"
	defaultTimeout   = 30 * time.Second
)

// Config 描述调用 Gemini 所需的信息。
type Config struct {
	APIKey          string
	Model           string
	BaseURL         string
	Timeout         time.Duration
	Temperature     float32
	MaxOutputTokens int32
}

// Client 调用 Gemini generateContent 接口。
type Client struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
	timeout     time.Duration
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: timeout},
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: base}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}

	return &Client{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
		timeout:     timeout,
	}, nil
}

// Name 实现 llm.Named。
func (c *Client) Name() string { return "gemini" }

// Model 返回使用的模型名称。
func (c *Client) Model() string { return c.model }

// Complete 实现 llm.Client。
func (c *Client) Complete(ctx context.Context, prompt llm.Prompt) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: prompt.SystemOrDefault()}},
		},
	}
	if c.temperature > 0 {
		config.Temperature = genai.Ptr(c.temperature)
	}
	if c.maxTokens > 0 {
		config.MaxOutputTokens = c.maxTokens
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt.Context), config)
	if err != nil {
		return "", fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("Gemini 响应中没有候选结果")
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("Gemini 响应内容为空")
	}
	return text, nil
}

var _ llm.Client = (*Client)(nil)
