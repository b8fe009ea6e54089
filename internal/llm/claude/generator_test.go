package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Parallel()

	var got map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "Acme is "}, {"type": "text", "text": "hiring."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 4}
		}`))
	}))
	t.Cleanup(ts.Close)

	g, err := New(Config{APIKey: "key", Model: "claude-sonnet-4-5", MaxTokens: 256, BaseURL: ts.URL, HTTPClient: ts.Client()}, nil)
	require.NoError(t, err)

	text, err := g.Generate(context.Background(), "be terse", "CONTEXT:\nx\n\nQUERY: who is hiring?")
	require.NoError(t, err)
	require.Equal(t, "Acme is hiring.", text)

	require.Equal(t, "claude-sonnet-4-5", got["model"])
	require.EqualValues(t, 256, got["max_tokens"])
	system, ok := got["system"].([]any)
	require.True(t, ok)
	require.Equal(t, "be terse", system[0].(map[string]any)["text"])
	messages, ok := got["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 1)
	require.Equal(t, "user", messages[0].(map[string]any)["role"])
}

func TestGenerateAPIError(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"bad model"}}`))
	}))
	t.Cleanup(ts.Close)

	g, err := New(Config{APIKey: "key", Model: "nope", BaseURL: ts.URL, HTTPClient: ts.Client()}, nil)
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), "", "hi")
	require.ErrorContains(t, err, "anthropic messages call failed")
}

func TestNewRequiresKeyAndModel(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Model: "m"}, nil)
	require.Error(t, err)
	_, err = New(Config{APIKey: "k"}, nil)
	require.Error(t, err)
}
