package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/BurntSushi/toml"
	"go.yaml.in/yaml/v3"
)

// DecodeEvaluator activates data artifacts by decoding them. The format
// follows the URL extension: .json, .yaml/.yml and .toml are decoded
// into maps; .css and .txt stay text. Anything else is decoded as JSON
// when it parses and kept as text otherwise.
type DecodeEvaluator struct{}

// Evaluate implements Evaluator.
func (DecodeEvaluator) Evaluate(ctx context.Context, _ *Scope, a *Artifact) (any, error) {
	content := stripSourceMap(a.Content)
	switch strings.ToLower(path.Ext(a.URL)) {
	case ".json":
		return decodeJSON(content)
	case ".yaml", ".yml":
		var v any
		if err := yaml.Unmarshal(content, &v); err != nil {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
		return normalize(v), nil
	case ".toml":
		var v map[string]any
		if _, err := toml.Decode(string(content), &v); err != nil {
			return nil, fmt.Errorf("decode toml: %w", err)
		}
		return v, nil
	case ".css", ".txt":
		return string(content), nil
	}
	if v, err := decodeJSON(content); err == nil {
		return v, nil
	}
	return string(content), nil
}

func decodeJSON(content []byte) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return v, nil
}

// stripSourceMap drops a trailing "//# sourceMappingURL=" line.
func stripSourceMap(content []byte) []byte {
	trimmed := bytes.TrimRight(content, " \t\r\n")
	i := bytes.LastIndex(trimmed, []byte("//# sourceMappingURL="))
	if i < 0 || bytes.IndexByte(trimmed[i:], '\n') >= 0 {
		return content
	}
	return trimmed[:i]
}

// normalize converts the map[any]any nodes yaml may produce into
// map[string]any so that exports can be walked uniformly.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
		return t
	}
	return v
}
