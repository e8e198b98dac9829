package richtext

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "plain span",
			input: `[{"children":[{"text":"hi"}]}]`,
			want:  "hi",
		},
		{
			name:  "bold span",
			input: `[{"children":[{"text":"hi","bold":true}]}]`,
			want:  "*hi*",
		},
		{
			name:  "italic and underline wrap in order",
			input: `[{"children":[{"text":"hi","bold":true,"italic":true,"underline":true}]}]`,
			want:  "~_*hi*_~",
		},
		{
			name:  "spans concatenate without separator",
			input: `[{"children":[{"text":"Hello, "},{"text":"world","italic":true}]}]`,
			want:  "Hello, _world_",
		},
		{
			name:  "blocks join with newline",
			input: `[{"children":[{"text":"one"}]},{"children":[{"text":"two"}]}]`,
			want:  "one\ntwo",
		},
		{
			name:  "result is trimmed",
			input: `[{"children":[{"text":"  padded  "}]},{"children":[{"text":""}]}]`,
			want:  "padded",
		},
		{
			name:  "nested inline children are flattened",
			input: `[{"children":[{"text":"see "},{"type":"a","children":[{"text":"docs","bold":true}]}]}]`,
			want:  "see *docs*",
		},
		{
			name:  "object input",
			input: `{"children":[{"text":"hi"}]}`,
			want:  "",
		},
		{
			name:  "malformed input",
			input: `[{"children":[{"text":`,
			want:  "",
		},
		{
			name:  "empty input",
			input: ``,
			want:  "",
		},
		{
			name:  "string input",
			input: `"hi"`,
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(json.RawMessage(tt.input)))
		})
	}
}

func TestDecodeBlocks_Empty(t *testing.T) {
	assert.Equal(t, "", DecodeBlocks(nil))
}
