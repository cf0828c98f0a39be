package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	ollama "github.com/ollama/ollama/api"
)

// OllamaProvider talks to a local ollama server.
type OllamaProvider struct {
	client      *ollama.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOllamaProvider uses baseURL when set, otherwise OLLAMA_HOST.
func NewOllamaProvider(baseURL, model string, temperature float64, maxTokens int) (*OllamaProvider, error) {
	var client *ollama.Client
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing ollama base url: %w", err)
		}
		client = ollama.NewClient(u, http.DefaultClient)
	} else {
		c, err := ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("could not create ollama client: %w", err)
		}
		client = c
	}
	if model == "" {
		model = defaultModels["ollama"]
	}
	return &OllamaProvider{
		client:      client,
		model:       strings.TrimPrefix(model, "ollama:"),
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (p *OllamaProvider) Name() string { return "ollama" }

// Complete runs a non-streaming chat request.
func (p *OllamaProvider) Complete(ctx context.Context, system, user string) (string, Usage, error) {
	var messages []ollama.Message
	if system != "" {
		messages = append(messages, ollama.Message{Role: "system", Content: system})
	}
	messages = append(messages, ollama.Message{Role: "user", Content: user})

	stream := false
	req := &ollama.ChatRequest{
		Model:    p.model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]interface{}{
			"temperature": p.temperature,
			"num_predict": p.maxTokens,
		},
	}

	var content strings.Builder
	var usage Usage
	err := p.client.Chat(ctx, req, func(res ollama.ChatResponse) error {
		content.WriteString(res.Message.Content)
		if res.Done {
			usage = Usage{PromptTokens: res.PromptEvalCount, CompletionTokens: res.EvalCount}
		}
		return nil
	})
	if err != nil {
		return "", Usage{}, fmt.Errorf("ollama chat failed: %w", err)
	}
	if strings.TrimSpace(content.String()) == "" {
		return "", usage, ErrEmptyResponse
	}
	return content.String(), usage, nil
}
