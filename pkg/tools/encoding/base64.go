// Package encoding provides the text decoding and encoding tools.
package encoding

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"go-redteam/pkg/tools"
)

const (
	DecodeName = "base64_decode"
	EncodeName = "base64_encode"
)

// Register adds the base64 tools to r.
func Register(r *tools.Registry) error {
	for _, t := range []tools.Tool{Decoder(), Encoder()} {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func Decoder() tools.Tool {
	return tools.Func{
		ToolName: DecodeName,
		Desc:     "Decode a base64 encoded string to plain text. Useful for decoding encoded data in CTF challenges.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"encoded_string": map[string]any{
					"type":        "string",
					"description": "The base64 encoded string to decode",
				},
			},
			"required": []string{"encoded_string"},
		},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			return Decode(tools.String(params, "encoded_string", ""))
		},
	}
}

func Encoder() tools.Tool {
	return tools.Func{
		ToolName: EncodeName,
		Desc:     "Encode a plain text string to base64. Useful for encoding payloads.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"plain_string": map[string]any{
					"type":        "string",
					"description": "The plain text string to encode",
				},
			},
			"required": []string{"plain_string"},
		},
		Fn: func(_ context.Context, params map[string]any) (any, error) {
			return base64.StdEncoding.EncodeToString([]byte(tools.String(params, "plain_string", ""))), nil
		},
	}
}

// Decode accepts standard or URL-safe base64, with or without padding.
// Invalid UTF-8 in the output is replaced rather than rejected.
func Decode(s string) (string, error) {
	s = strings.Join(strings.Fields(s), "")
	if s == "" {
		return "", errors.New("base64_decode: empty input")
	}
	if missing := len(s) % 4; missing != 0 {
		s += strings.Repeat("=", 4-missing)
	}

	var out []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding} {
		out, err = enc.DecodeString(s)
		if err == nil {
			return strings.ToValidUTF8(string(out), "�"), nil
		}
	}
	return "", errors.New("base64_decode: " + err.Error())
}
