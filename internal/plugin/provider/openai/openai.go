// Package openai streams completions from any OpenAI-compatible endpoint
// (litellm, vLLM, ollama, OpenAI itself).
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chirino/chat-service/internal/config"
	"github.com/chirino/chat-service/internal/model"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	goopenai "github.com/sashabaranov/go-openai"
)

func init() {
	registryprovider.Register(registryprovider.Plugin{
		Name: "openai",
		Loader: func(ctx context.Context) (registryprovider.Provider, error) {
			cfg := config.FromContext(ctx)
			if cfg == nil || strings.TrimSpace(cfg.ProviderBaseURL) == "" {
				return nil, fmt.Errorf("openai provider: base URL is required")
			}
			return New(cfg.ProviderBaseURL, cfg.ProviderAPIKey), nil
		},
	})
}

// Provider talks to the chat completions API.
type Provider struct {
	client *goopenai.Client
}

// New returns a Provider for baseURL, e.g. http://localhost:4000/v1.
func New(baseURL, apiKey string) *Provider {
	clientCfg := goopenai.DefaultConfig(apiKey)
	clientCfg.BaseURL = strings.TrimRight(baseURL, "/")
	return &Provider{client: goopenai.NewClientWithConfig(clientCfg)}
}

func toMessages(req registryprovider.Request) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		role := goopenai.ChatMessageRoleUser
		if m.Role == model.RoleAssistant {
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return msgs
}

func (p *Provider) Stream(ctx context.Context, req registryprovider.Request) (registryprovider.DeltaStream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toMessages(req),
		Stream:   true,
	})
	if err != nil {
		return nil, &registryprovider.ProviderFault{Op: "open stream", Model: req.Model, Err: err}
	}
	return &deltaStream{stream: stream, model: req.Model}, nil
}

func (p *Provider) Complete(ctx context.Context, req registryprovider.Request) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toMessages(req),
	})
	if err != nil {
		return "", &registryprovider.ProviderFault{Op: "complete", Model: req.Model, Err: err}
	}
	if len(resp.Choices) == 0 {
		return "", &registryprovider.ProviderFault{Op: "complete", Model: req.Model, Err: errors.New("no choices in response")}
	}
	return resp.Choices[0].Message.Content, nil
}

type deltaStream struct {
	stream *goopenai.ChatCompletionStream
	model  string
}

// Recv skips chunks that carry no text, such as the leading role chunk.
func (d *deltaStream) Recv() (string, error) {
	for {
		chunk, err := d.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", &registryprovider.ProviderFault{Op: "stream", Model: d.model, Err: err}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			return text, nil
		}
	}
}

func (d *deltaStream) Close() error {
	return d.stream.Close()
}

var _ registryprovider.Provider = (*Provider)(nil)
