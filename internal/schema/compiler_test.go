package schema

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompiler_Prepare(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	require.NoError(t, compiler.Prepare(ctx, IntegrationConfigSchema))
	// second call is served from cache
	require.NoError(t, compiler.Prepare(ctx, IntegrationConfigSchema))
	assert.Equal(t, 1, compiler.cache.Len())
}

func TestCompiler_Validate(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type": "string",
			},
		},
		"required": []string{"name"},
	}

	assert.NoError(t, compiler.Validate(ctx, schema, []byte(`{"name":"test"}`)))
	assert.Error(t, compiler.Validate(ctx, schema, []byte(`{}`)))
	assert.Error(t, compiler.Validate(ctx, schema, []byte(`not json`)))
}

func TestCompiler_DistinctSchemasDoNotCollide(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	a := map[string]interface{}{"type": "object", "required": []string{"a"}}
	b := map[string]interface{}{"type": "object", "required": []string{"b"}}

	assert.NoError(t, compiler.Validate(ctx, a, []byte(`{"a":1}`)))
	assert.Error(t, compiler.Validate(ctx, b, []byte(`{"a":1}`)))
	assert.NoError(t, compiler.Validate(ctx, b, []byte(`{"b":1}`)))
}

func TestCompiler_IntegrationConfig(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	cfg, err := compiler.IntegrationConfig(ctx, []byte(`{
		"baseUrl": "https://typebot.example.com",
		"typebotSlug": "support",
		"typebotExpires": 30,
		"typebotKeywordFinish": "sair",
		"typebotKeywordRestart": "reiniciar",
		"typebotUnknownMessage": "Sorry?",
		"typebotDelayMessage": 1000,
		"typebotRestartMessage": "Restarting",
		"typebotToken": "secret"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "https://typebot.example.com", cfg.BaseURL)
	assert.Equal(t, "support", cfg.Slug)
	assert.Equal(t, 30, cfg.ExpiresMinutes)
	assert.Equal(t, 1000, cfg.DelayMessageMs)
	assert.Equal(t, "secret", cfg.Token)
}

func TestCompiler_IntegrationConfigRejects(t *testing.T) {
	compiler := NewCompilerWithCache(64)
	ctx := context.Background()

	tests := map[string]string{
		"missing slug":     `{"baseUrl":"https://x"}`,
		"bad url":          `{"baseUrl":"ftp://x","typebotSlug":"s"}`,
		"negative expiry":  `{"baseUrl":"https://x","typebotSlug":"s","typebotExpires":-1}`,
		"fractional delay": `{"baseUrl":"https://x","typebotSlug":"s","typebotDelayMessage":1.5}`,
		"wrong type":       `{"baseUrl":"https://x","typebotSlug":"s","typebotToken":5}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := compiler.IntegrationConfig(ctx, []byte(raw))
			assert.Error(t, err)
		})
	}
}
