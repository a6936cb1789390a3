package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultGeminiBaseURL = "https://generativelanguage.googleapis.com"
	vertexBaseURL        = "https://aiplatform.googleapis.com"
)

// GeminiAdapter talks to the Gemini generateContent API directly. No Go SDK
// for this family appears in the rest of the stack, so the wire call is a
// plain HTTP round trip. Vertex mode pins the managed endpoint and switches
// to bearer auth; base-URL overrides are ignored there.
type GeminiAdapter struct {
	BaseURL string
	Model   string
	Vertex  bool

	HTTPClient *http.Client
}

func NewGeminiAdapter(baseURL, model string, vertex bool, timeout time.Duration) (*GeminiAdapter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if vertex || base == "" {
		base = defaultGeminiBaseURL
	}
	if vertex {
		base = vertexBaseURL
	}
	return &GeminiAdapter{
		BaseURL:    base,
		Model:      strings.TrimSpace(model),
		Vertex:     vertex,
		HTTPClient: &http.Client{Timeout: timeout},
	}, nil
}

func (a *GeminiAdapter) Family() Family {
	if a != nil && a.Vertex {
		return FamilyVertex
	}
	return FamilyGemini
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent   `json:"system_instruction,omitempty"`
	Contents          []geminiContent  `json:"contents"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

func (a *GeminiAdapter) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.Model
	}

	body := geminiRequest{}
	for _, m := range req.Messages {
		role := strings.ToLower(strings.TrimSpace(m.Role))
		switch role {
		case "system":
			if body.SystemInstruction == nil {
				body.SystemInstruction = &geminiContent{}
			}
			body.SystemInstruction.Parts = append(body.SystemInstruction.Parts, geminiPart{Text: m.Content})
		case "assistant":
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if req.Temperature != 0 || req.MaxTokens > 0 {
		body.GenerationConfig = &geminiGenConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.BaseURL, model)
	if a.Vertex {
		endpoint = fmt.Sprintf("%s/v1/publishers/google/models/%s:generateContent", a.BaseURL, model)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.Vertex {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		httpReq.Header.Set("x-goog-api-key", apiKey)
	}

	resp, err := a.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Candidates) == 0 {
		return nil, errors.New("no candidates in response")
	}
	var text strings.Builder
	for _, part := range out.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return &Response{
		Content: text.String(),
		Model:   model,
		Usage: Usage{
			PromptTokens:     out.UsageMetadata.PromptTokenCount,
			CompletionTokens: out.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      out.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
