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

type gemini struct {
	cfg    models.ProviderConfig
	client *http.Client
}

func newGemini(cfg models.ProviderConfig) *gemini {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://generativelanguage.googleapis.com"
	}
	return &gemini{cfg: cfg, client: newHTTPClient()}
}

func (g *gemini) Name() string           { return g.cfg.Name }
func (g *gemini) Capabilities() []string { return g.cfg.Capabilities }
func (g *gemini) IsConfigured() bool     { return g.cfg.APIKey != "" }

type gemPart struct {
	Text       string         `json:"text,omitempty"`
	InlineData *gemInlineData `json:"inline_data,omitempty"`
}

type gemInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}

type gemContent struct {
	Role  string    `json:"role,omitempty"`
	Parts []gemPart `json:"parts"`
}

type gemRequest struct {
	Contents          []gemContent  `json:"contents"`
	SystemInstruction *gemContent   `json:"system_instruction,omitempty"`
	GenerationConfig  *gemGenConfig `json:"generationConfig,omitempty"`
}

type gemGenConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type gemResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int64 `json:"promptTokenCount"`
		CandidatesTokenCount int64 `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

func (g *gemini) Execute(ctx context.Context, req Request) (*models.ProviderResponse, error) {
	if !g.IsConfigured() {
		return nil, errUnconfigured(g.cfg.Name)
	}

	ctx, cancel := withTimeout(ctx, req)
	defer cancel()

	parts := []gemPart{{Text: req.Prompt}}
	for _, a := range req.Attachments {
		parts = append(parts, gemPart{InlineData: &gemInlineData{
			MIMEType: a.MIME,
			Data:     base64.StdEncoding.EncodeToString(a.Data),
		}})
	}

	payload := gemRequest{
		Contents: []gemContent{{Role: "user", Parts: parts}},
	}
	if req.System != "" {
		payload.SystemInstruction = &gemContent{Parts: []gemPart{{Text: req.System}}}
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		payload.GenerationConfig = &gemGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	body, _ := json.Marshal(payload)
	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", g.cfg.Endpoint, g.cfg.Model, g.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(g.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, classifyHTTP(g.cfg.Name, httpResp, string(respBody))
	}

	var out gemResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, errMalformed(g.cfg.Name, err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, errMalformed(g.cfg.Name, fmt.Errorf("no candidates in response"))
	}

	text := ""
	for _, p := range out.Candidates[0].Content.Parts {
		text += p.Text
	}

	return &models.ProviderResponse{
		Text:         text,
		FinishReason: out.Candidates[0].FinishReason,
		Usage: models.TokenUsage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

// Ping lists models to validate the key without generating tokens.
func (g *gemini) Ping(ctx context.Context) error {
	if !g.IsConfigured() {
		return errUnconfigured(g.cfg.Name)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models?key=%s&pageSize=1", g.cfg.Endpoint, g.cfg.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("gemini: create request: %w", err)
	}

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return classifyTransport(g.cfg.Name, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return classifyHTTP(g.cfg.Name, httpResp, string(respBody))
	}
	return nil
}
