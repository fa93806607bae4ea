package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeloom/codeloom/pkg/models"
)

const anthropicVersion = "2023-06-01"

type anthropic struct {
	cfg    models.ProviderConfig
	client *http.Client
}

func newAnthropic(cfg models.ProviderConfig) *anthropic {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com"
	}
	return &anthropic{cfg: cfg, client: newHTTPClient()}
}

func (a *anthropic) Name() string           { return a.cfg.Name }
func (a *anthropic) Capabilities() []string { return a.cfg.Capabilities }
func (a *anthropic) IsConfigured() bool     { return a.cfg.APIKey != "" }

type anthContentBlock struct {
	Type   string      `json:"type"`
	Text   string      `json:"text,omitempty"`
	Source *anthSource `json:"source,omitempty"`
}

type anthSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthMessage struct {
	Role    string             `json:"role"`
	Content []anthContentBlock `json:"content"`
}

type anthRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []anthMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type anthResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (a *anthropic) Execute(ctx context.Context, req Request) (*models.ProviderResponse, error) {
	if !a.IsConfigured() {
		return nil, errUnconfigured(a.cfg.Name)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	content := []anthContentBlock{{Type: "text", Text: req.Prompt}}
	for _, att := range req.Attachments {
		content = append(content, anthContentBlock{
			Type: "image",
			Source: &anthSource{
				Type:      "base64",
				MediaType: att.MIME,
				Data:      base64.StdEncoding.EncodeToString(att.Data),
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	body, _ := json.Marshal(anthRequest{
		Model:       a.cfg.Model,
		System:      req.System,
		Messages:    []anthMessage{{Role: "user", Content: content}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(a.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyHTTP(a.cfg.Name, httpResp, string(respBody))
	}

	var out anthResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, errMalformed(a.cfg.Name, err)
	}

	text := ""
	for _, c := range out.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}
	if text == "" {
		return nil, errMalformed(a.cfg.Name, fmt.Errorf("no text content in response"))
	}

	return &models.ProviderResponse{
		Text:         text,
		FinishReason: out.StopReason,
		Usage: models.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}, nil
}

// Ping sends a 1-token message, the cheapest credential-validating call the
// Anthropic API offers.
func (a *anthropic) Ping(ctx context.Context) error {
	if !a.IsConfigured() {
		return errUnconfigured(a.cfg.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	body, _ := json.Marshal(anthRequest{
		Model:     a.cfg.Model,
		Messages:  []anthMessage{{Role: "user", Content: []anthContentBlock{{Type: "text", Text: "Say OK"}}}},
		MaxTokens: 1,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return classifyTransport(a.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return classifyHTTP(a.cfg.Name, httpResp, string(respBody))
	}
	return nil
}
