package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	endpointURL string
	model       string
	apiKey      string
	client      *http.Client
}

func NewOpenAIProvider(endpoint, model, apiKey string, client *http.Client) *OpenAIProvider {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &OpenAIProvider{
		endpointURL: chatCompletionsURL(endpoint),
		model:       strings.TrimSpace(model),
		apiKey:      strings.TrimSpace(apiKey),
		client:      client,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) Complete(ctx context.Context, req Request) Completion {
	started := time.Now()

	payload := chatRequest{
		Model:       p.model,
		Messages:    make([]chatMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		payload.MaxTokens = req.MaxTokens
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failed(p.Name(), p.model, TagDecode, started)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpointURL, bytes.NewReader(body))
	if err != nil {
		return failed(p.Name(), p.model, TagTransport, started)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return failed(p.Name(), p.model, transportTag(ctx, err), started)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4*1024*1024))
	if err != nil {
		return failed(p.Name(), p.model, transportTag(ctx, err), started)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return failed(p.Name(), p.model, statusTag(resp.StatusCode), started)
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return failed(p.Name(), p.model, TagDecode, started)
	}
	if len(parsed.Choices) == 0 {
		return failed(p.Name(), p.model, TagEmpty, started)
	}
	text := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if text == "" {
		return failed(p.Name(), p.model, TagEmpty, started)
	}

	model := p.model
	if parsed.Model != "" {
		model = parsed.Model
	}
	return Completion{
		Text:         text,
		InputTokens:  parsed.Usage.PromptTokens,
		OutputTokens: parsed.Usage.CompletionTokens,
		Model:        model,
		Provider:     p.Name(),
		DurationMs:   time.Since(started).Milliseconds(),
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func chatCompletionsURL(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultOpenAIEndpoint
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Host == "" {
		return DefaultOpenAIEndpoint + "/chat/completions"
	}

	path := strings.TrimRight(parsed.Path, "/")
	switch {
	case strings.HasSuffix(path, "/chat/completions"):
		parsed.Path = path
	case strings.HasSuffix(path, "/v1"):
		parsed.Path = path + "/chat/completions"
	case path == "":
		parsed.Path = "/v1/chat/completions"
	default:
		parsed.Path = path + "/v1/chat/completions"
	}
	return parsed.String()
}
