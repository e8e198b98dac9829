package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"botbridge/internal/model"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// IntegrationConfigSchema describes the stored config of a typebot integration
var IntegrationConfigSchema = map[string]interface{}{
	"type":     "object",
	"required": []interface{}{"baseUrl", "typebotSlug"},
	"properties": map[string]interface{}{
		"baseUrl": map[string]interface{}{
			"type":    "string",
			"pattern": "^https?://",
		},
		"typebotSlug": map[string]interface{}{
			"type":      "string",
			"minLength": 1,
		},
		"typebotExpires": map[string]interface{}{
			"type":    "integer",
			"minimum": 0,
		},
		"typebotDelayMessage": map[string]interface{}{
			"type":    "integer",
			"minimum": 0,
		},
		"typebotKeywordFinish":  map[string]interface{}{"type": "string"},
		"typebotKeywordRestart": map[string]interface{}{"type": "string"},
		"typebotUnknownMessage": map[string]interface{}{"type": "string"},
		"typebotRestartMessage": map[string]interface{}{"type": "string"},
		"typebotToken":          map[string]interface{}{"type": "string"},
	},
}

type Compiler struct {
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

// NewCompilerWithCache creates a new compiler with cache
func NewCompilerWithCache(maxSize int) *Compiler {
	c := js.NewCompiler()
	c.ExtractAnnotations = true

	return &Compiler{
		compiler: c,
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

func (c *Compiler) key(schema map[string]interface{}) (string, []byte, error) {
	b, err := json.Marshal(schema)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), b, nil
}

// Prepare compiles and caches a schema
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) error {
	_, err := c.compiled(schema)
	return err
}

func (c *Compiler) compiled(schema map[string]interface{}) (*js.Schema, error) {
	key, schemaBytes, err := c.key(schema)
	if err != nil {
		return nil, err
	}
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	resourceURL := fmt.Sprintf("mem://schema/%s.json", key[:16])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

// Validate validates a JSON document against a schema
func (c *Compiler) Validate(ctx context.Context, schema map[string]interface{}, document []byte) error {
	compiled, err := c.compiled(schema)
	if err != nil {
		return err
	}

	var value interface{}
	if err := json.Unmarshal(document, &value); err != nil {
		return fmt.Errorf("failed to unmarshal value: %w", err)
	}

	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// IntegrationConfig validates raw against IntegrationConfigSchema and decodes it
func (c *Compiler) IntegrationConfig(ctx context.Context, raw []byte) (model.IntegrationConfig, error) {
	var cfg model.IntegrationConfig
	if err := c.Validate(ctx, IntegrationConfigSchema, raw); err != nil {
		return cfg, fmt.Errorf("invalid integration config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode integration config: %w", err)
	}
	return cfg, nil
}
