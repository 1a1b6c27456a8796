package openai_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/chat-service/internal/model"
	"github.com/chirino/chat-service/internal/plugin/provider/openai"
	registryprovider "github.com/chirino/chat-service/internal/registry/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *openai.Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return openai.New(srv.URL+"/v1", "sk-test")
}

func TestStreamYieldsTextDeltas(t *testing.T) {
	var gotBody map[string]any
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hi"}}]}`,
			`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":" there"}}]}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	stream, err := p.Stream(context.Background(), registryprovider.Request{
		Model:    "llama3.3",
		System:   "be brief",
		Messages: []registryprovider.Message{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	defer stream.Close()

	var deltas []string
	for {
		d, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		deltas = append(deltas, d)
	}
	assert.Equal(t, []string{"Hi", " there"}, deltas)
	assert.Equal(t, "llama3.3", gotBody["model"])
	msgs := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestCompleteReturnsFirstChoice(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Weekend plans"},"finish_reason":"stop"}]}`)
	})

	title, err := p.Complete(context.Background(), registryprovider.Request{
		Model:    "llama3.2-vision",
		Messages: []registryprovider.Message{{Role: model.RoleUser, Content: "Hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Weekend plans", title)
}

func TestUpstreamErrorIsProviderFault(t *testing.T) {
	p := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
	})

	_, err := p.Stream(context.Background(), registryprovider.Request{Model: "llama3.3"})
	var fault *registryprovider.ProviderFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, "open stream", fault.Op)
}
