package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/codeloom/codeloom/pkg/models"
)

// ollama speaks Ollama's OpenAI-compatible chat endpoint. No credentials —
// a configured endpoint is all it needs.
type ollama struct {
	cfg    models.ProviderConfig
	client *http.Client
}

func newOllama(cfg models.ProviderConfig) *ollama {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:11434"
	}
	return &ollama{cfg: cfg, client: newHTTPClient()}
}

func (o *ollama) Name() string           { return o.cfg.Name }
func (o *ollama) Capabilities() []string { return o.cfg.Capabilities }
func (o *ollama) IsConfigured() bool     { return o.cfg.Endpoint != "" }

func (o *ollama) Execute(ctx context.Context, req Request) (*models.ProviderResponse, error) {
	if !o.IsConfigured() {
		return nil, errUnconfigured(o.cfg.Name)
	}
	// Text-only endpoint. Routing keeps attachment-bearing tasks away (no
	// vision capability); a direct call must not silently drop the payload.
	if len(req.Attachments) > 0 {
		return nil, fmt.Errorf("%s: attachments not supported", o.cfg.Name)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	var messages []oaiMessage
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, oaiMessage{Role: "user", Content: req.Prompt})

	body, _ := json.Marshal(oaiRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(o.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyHTTP(o.cfg.Name, httpResp, string(respBody))
	}

	var out oaiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, errMalformed(o.cfg.Name, err)
	}
	if len(out.Choices) == 0 {
		return nil, errMalformed(o.cfg.Name, fmt.Errorf("no choices in response"))
	}

	return &models.ProviderResponse{
		Text:         out.Choices[0].Message.Content,
		FinishReason: out.Choices[0].FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

// Ping lists local tags to confirm the daemon is up.
func (o *ollama) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Endpoint+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}

	httpResp, err := o.client.Do(httpReq)
	if err != nil {
		return classifyTransport(o.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return classifyHTTP(o.cfg.Name, httpResp, string(respBody))
	}
	return nil
}
