package provider

import (
	"context"
	"fmt"

	"github.com/chirino/chat-service/internal/model"
)

// Message is one prompt message sent to the model.
type Message struct {
	Role    model.Role
	Content string
}

// Request is a completion request.
type Request struct {
	Model    string
	System   string
	Messages []Message
}

// DeltaStream is an ordered sequence of text deltas. Recv returns io.EOF after the
// final delta; any other error is terminal.
type DeltaStream interface {
	Recv() (string, error)
	Close() error
}

// Provider generates model output for a conversation.
type Provider interface {
	// Stream opens a cancellable token stream. Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (DeltaStream, error)
	// Complete issues a non-streamed completion and returns the full text.
	Complete(ctx context.Context, req Request) (string, error)
}

// Loader creates a Provider from config.
type Loader func(ctx context.Context) (Provider, error)

// Plugin represents a model provider plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a provider plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered provider plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named provider plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown provider %q; valid: %v", name, Names())
}
