package providers

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/elicit/llm"
)

func TestRegistered(t *testing.T) {
	for _, name := range []string{"ollama", "openai", "anthropic"} {
		assert.NotNil(t, llm.GetProvider(name), name)
	}
}

func TestOpenAICompatible_BuildURL(t *testing.T) {
	tests := []struct {
		name     string
		provider *OpenAICompatible
		baseURL  string
		want     string
	}{
		{"ollama default", NewOllama(), "", "http://localhost:11434/v1/chat/completions"},
		{"openai default", NewOpenAI(), "", "https://api.openai.com/v1/chat/completions"},
		{"openrouter", NewOpenAI(), "https://openrouter.ai/api/v1", "https://openrouter.ai/api/v1/chat/completions"},
		{"trailing slash", NewOllama(), "http://gpu:11434/v1/", "http://gpu:11434/v1/chat/completions"},
		{"already complete", NewOllama(), "http://gpu/v1/chat/completions", "http://gpu/v1/chat/completions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.provider.BuildURL(tt.baseURL))
		})
	}
}

func TestOpenAICompatible_SetHeaders(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "test-api-key")
	t.Setenv("OPENROUTER_SITE_URL", "https://elicit.example")
	t.Setenv("OPENROUTER_SITE_NAME", "Elicit")

	req, _ := http.NewRequest(http.MethodPost, "https://openrouter.ai/api/v1/chat/completions", nil)
	NewOpenAI().SetHeaders(req)
	assert.Equal(t, "Bearer test-api-key", req.Header.Get("Authorization"))
	assert.Equal(t, "https://elicit.example", req.Header.Get("HTTP-Referer"))
	assert.Equal(t, "Elicit", req.Header.Get("X-Title"))

	req, _ = http.NewRequest(http.MethodPost, "http://localhost:11434/v1/chat/completions", nil)
	NewOllama().SetHeaders(req)
	assert.Empty(t, req.Header.Get("X-Title"))
}

func TestOpenAICompatible_BuildRequestBody(t *testing.T) {
	p := NewOllama()
	zero := 0.0

	body, err := p.BuildRequestBody("qwen2.5", []llm.Message{{Role: "user", Content: "hi"}}, &zero, 0)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "qwen2.5", decoded["model"])
	assert.Equal(t, 0.0, decoded["temperature"])
	assert.NotContains(t, decoded, "max_tokens")

	body, err = p.BuildRequestBody("qwen2.5", []llm.Message{{Role: "user", Content: "hi"}}, nil, 256)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"max_tokens":256`)
	assert.NotContains(t, string(body), "temperature")
}

func TestOpenAICompatible_ParseResponse(t *testing.T) {
	p := NewOllama()
	resp, err := p.ParseResponse([]byte(`{
		"model": "qwen2.5",
		"choices": [{"message": {"role": "assistant", "content": "Hello"}, "finish_reason": "stop"}],
		"usage": {"prompt_tokens": 10, "completion_tokens": 6, "total_tokens": 16}
	}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Content)
	assert.Equal(t, "qwen2.5", resp.Model)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, "stop", resp.FinishReason)

	_, err = p.ParseResponse([]byte(`{"choices": []}`), "m")
	assert.ErrorContains(t, err, "no choices")

	_, err = p.ParseResponse([]byte(`not json`), "m")
	assert.Error(t, err)
}

func TestAnthropicProvider_BuildRequestBody(t *testing.T) {
	p := &AnthropicProvider{}
	body, err := p.BuildRequestBody("claude", []llm.Message{
		{Role: "system", Content: "Be brief."},
		{Role: "system", Content: "Flag conflicts."},
		{Role: "user", Content: "Hello"},
	}, nil, 0)
	require.NoError(t, err)

	var decoded anthropicRequest
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "Be brief.\n\nFlag conflicts.", decoded.System)
	assert.Equal(t, defaultAnthropicMaxTokens, decoded.MaxTokens)
	require.Len(t, decoded.Messages, 1)
	assert.Equal(t, "user", decoded.Messages[0].Role)
}

func TestAnthropicProvider_HeadersAndURL(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "k")
	p := &AnthropicProvider{}
	req, _ := http.NewRequest(http.MethodPost, p.BuildURL("https://api.anthropic.com/"), nil)
	p.SetHeaders(req)
	assert.Equal(t, "https://api.anthropic.com/v1/messages", req.URL.String())
	assert.Equal(t, "k", req.Header.Get("x-api-key"))
	assert.Equal(t, anthropicVersion, req.Header.Get("anthropic-version"))
}

func TestAnthropicProvider_ParseResponse(t *testing.T) {
	p := &AnthropicProvider{}
	resp, err := p.ParseResponse([]byte(`{
		"model": "claude",
		"content": [{"type": "text", "text": "Part one. "}, {"type": "tool_use"}, {"type": "text", "text": "Part two."}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 7, "output_tokens": 5}
	}`), "claude")
	require.NoError(t, err)
	assert.Equal(t, "Part one. Part two.", resp.Content)
	assert.Equal(t, 12, resp.Usage.TotalTokens)
	assert.Equal(t, "end_turn", resp.FinishReason)
}
