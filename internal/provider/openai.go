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

// openAI speaks the OpenAI chat-completions protocol. Azure OpenAI differs
// only in the auth header.
type openAI struct {
	cfg    models.ProviderConfig
	client *http.Client
}

func newOpenAI(cfg models.ProviderConfig) *openAI {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &openAI{cfg: cfg, client: newHTTPClient()}
}

func (o *openAI) Name() string           { return o.cfg.Name }
func (o *openAI) Capabilities() []string { return o.cfg.Capabilities }
func (o *openAI) IsConfigured() bool     { return o.cfg.APIKey != "" }

type oaiContentPart struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	ImageURL *oaiImageURL `json:"image_url,omitempty"`
}

type oaiImageURL struct {
	URL string `json:"url"`
}

type oaiMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Temperature float64      `json:"temperature,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
}

type oaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (o *openAI) Execute(ctx context.Context, req Request) (*models.ProviderResponse, error) {
	if !o.IsConfigured() {
		return nil, errUnconfigured(o.cfg.Name)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	var messages []oaiMessage
	if req.System != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	if len(req.Attachments) > 0 {
		parts := []oaiContentPart{{Type: "text", Text: req.Prompt}}
		for _, a := range req.Attachments {
			parts = append(parts, oaiContentPart{
				Type: "image_url",
				ImageURL: &oaiImageURL{
					URL: fmt.Sprintf("data:%s;base64,%s", a.MIME, base64.StdEncoding.EncodeToString(a.Data)),
				},
			})
		}
		messages = append(messages, oaiMessage{Role: "user", Content: parts})
	} else {
		messages = append(messages, oaiMessage{Role: "user", Content: req.Prompt})
	}

	body, _ := json.Marshal(oaiRequest{
		Model:       o.cfg.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.Endpoint+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.Kind == "azure-openai" {
		httpReq.Header.Set("api-key", o.cfg.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

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

// Ping lists models, which validates both reachability and credentials
// without consuming completion tokens.
func (o *openAI) Ping(ctx context.Context) error {
	if !o.IsConfigured() {
		return errUnconfigured(o.cfg.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.Endpoint+"/models", nil)
	if err != nil {
		return fmt.Errorf("openai: create request: %w", err)
	}
	if o.cfg.Kind == "azure-openai" {
		httpReq.Header.Set("api-key", o.cfg.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
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
