package provider

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go/v3"
	openaioption "github.com/openai/openai-go/v3/option"
)

// OpenAIAdapter serves every OpenAI-compatible platform. An optional
// outbound proxy is installed on the HTTP transport; this is the only family
// that takes one.
type OpenAIAdapter struct {
	BaseURL string
	Model   string
	Proxy   string
	Timeout time.Duration

	mu      sync.Mutex
	clients map[string]openai.Client
}

func NewOpenAIAdapter(baseURL, model, proxy string, timeout time.Duration) (*OpenAIAdapter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIAdapter{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		Model:   strings.TrimSpace(model),
		Proxy:   strings.TrimSpace(proxy),
		Timeout: timeout,
		clients: make(map[string]openai.Client),
	}, nil
}

func (a *OpenAIAdapter) Family() Family { return FamilyOpenAI }

func (a *OpenAIAdapter) clientForKey(apiKey string) (openai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[apiKey]; ok {
		return client, nil
	}

	httpClient := &http.Client{Timeout: a.Timeout}
	if a.Proxy != "" {
		proxyURL, err := url.Parse(a.Proxy)
		if err != nil {
			return openai.Client{}, err
		}
		httpClient.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	opts := []openaioption.RequestOption{
		openaioption.WithAPIKey(apiKey),
		openaioption.WithHTTPClient(httpClient),
	}
	if a.BaseURL != "" {
		opts = append(opts, openaioption.WithBaseURL(a.BaseURL))
	}
	client := openai.NewClient(opts...)
	a.clients[apiKey] = client
	return client, nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	client, err := a.clientForKey(apiKey)
	if err != nil {
		return nil, err
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "system":
			messages = append(messages, openai.SystemMessage(m.Content))
		case "assistant":
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature != 0 {
		params.Temperature = openai.Float(float64(req.Temperature))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apierr *openai.Error
		if errors.As(err, &apierr) {
			return nil, wrapSDKError(err, apierr.StatusCode)
		}
		return nil, wrapSDKError(err, 0)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("no choices in response")
	}
	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}
