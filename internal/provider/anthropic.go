package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicBaseURL   = "https://api.anthropic.com"
	defaultAnthropicMaxTokens = 1024
)

type AnthropicAdapter struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	mu      sync.Mutex
	clients map[string]anthropic.Client
}

func NewAnthropicAdapter(baseURL, model string, timeout time.Duration) (*AnthropicAdapter, error) {
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("model is required")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &AnthropicAdapter{
		BaseURL: resolvedAnthropicBaseURL(baseURL),
		Model:   strings.TrimSpace(model),
		Timeout: timeout,
		clients: make(map[string]anthropic.Client),
	}, nil
}

func (a *AnthropicAdapter) Family() Family { return FamilyAnthropic }

func resolvedAnthropicBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		base = defaultAnthropicBaseURL
	}
	base = strings.TrimRight(base, "/")
	base = strings.TrimSuffix(base, "/v1")
	return strings.TrimRight(base, "/") + "/"
}

func (a *AnthropicAdapter) clientForKey(apiKey string) anthropic.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if client, ok := a.clients[apiKey]; ok {
		return client
	}
	client := anthropic.NewClient(
		anthropicoption.WithAPIKey(apiKey),
		anthropicoption.WithBaseURL(a.BaseURL),
		anthropicoption.WithHTTPClient(&http.Client{Timeout: a.Timeout}),
	)
	a.clients[apiKey] = client
	return client
}

func (a *AnthropicAdapter) Complete(ctx context.Context, apiKey string, req Request) (*Response, error) {
	if a == nil {
		return nil, errors.New("nil adapter")
	}
	client := a.clientForKey(apiKey)

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = a.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     anthropic.Model(model),
		Messages:  messages,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(float64(req.Temperature))
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		var apierr *anthropic.Error
		if errors.As(err, &apierr) {
			return nil, wrapSDKError(err, apierr.StatusCode)
		}
		return nil, wrapSDKError(err, 0)
	}

	var content strings.Builder
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			if content.Len() > 0 {
				content.WriteString("\n")
			}
			content.WriteString(variant.Text)
		}
	}
	return &Response{
		Content: content.String(),
		Model:   string(resp.Model),
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// toAnthropicMessages splits leading system text out of the transcript; any
// later system message is kept in order as a user message, which the API
// tolerates and which preserves directive feedback turns.
func toAnthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var systemTexts []string
	cursor := 0
	for cursor < len(msgs) && strings.EqualFold(strings.TrimSpace(msgs[cursor].Role), "system") {
		if strings.TrimSpace(msgs[cursor].Content) != "" {
			systemTexts = append(systemTexts, msgs[cursor].Content)
		}
		cursor++
	}

	system := ([]anthropic.TextBlockParam)(nil)
	if len(systemTexts) > 0 {
		system = []anthropic.TextBlockParam{{Text: strings.Join(systemTexts, "\n\n")}}
	}

	out := make([]anthropic.MessageParam, 0, len(msgs)-cursor)
	for ; cursor < len(msgs); cursor++ {
		m := msgs[cursor]
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "assistant":
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}
