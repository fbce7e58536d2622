package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolvePrecedence(t *testing.T) {
	set := Set{
		User:     Normalize(map[string]string{"OpenAI": "user-openai"}),
		Request:  Normalize(map[string]string{"openai": "req-openai", "gemini": "req-gemini", "anthropic": "  "}),
		Platform: Normalize(map[string]string{"openai": "plat-openai", "gemini": "plat-gemini", "anthropic": "plat-anthropic"}),
	}

	tests := []struct {
		provider string
		wantKey  string
		wantSrc  Source
	}{
		{provider: "openai", wantKey: "user-openai", wantSrc: SourceUser},
		{provider: "gemini", wantKey: "req-gemini", wantSrc: SourceRequest},
		{provider: " Anthropic ", wantKey: "plat-anthropic", wantSrc: SourcePlatform},
		{provider: "deepseek", wantKey: "", wantSrc: SourceNone},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			key, src := set.Resolve(tt.provider)
			assert.Equal(t, tt.wantKey, key)
			assert.Equal(t, tt.wantSrc, src)
		})
	}
}

func TestCoversAll(t *testing.T) {
	set := Set{
		User:     Keys{"openai": "u"},
		Request:  Keys{"gemini": "r"},
		Platform: Keys{"anthropic": "p"},
	}
	assert.True(t, set.CoversAll([]string{"openai", "gemini"}))
	assert.False(t, set.CoversAll([]string{"openai", "anthropic"}))
	assert.False(t, set.CoversAll(nil))
}
