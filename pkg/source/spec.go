package source

import (
	"fmt"

	"github.com/openfroyo/kokki/pkg/engine"
)

// specKey marks a serialized source inside attribute maps.
const specKey = "__source__"

// IsSpec reports whether v is a serialized source.
func IsSpec(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	_, ok = m[specKey].(string)
	return ok
}

// FromSpec rebuilds a Source from the output of its Spec method.
func FromSpec(spec map[string]any) (Source, error) {
	kind, _ := spec[specKey].(string)
	switch kind {
	case "StaticFile":
		p, _ := spec["path"].(string)
		return NewStaticFile(p)
	case "Template":
		name, _ := spec["name"].(string)
		engineName, _ := spec["engine"].(string)
		if engineName == "" {
			engineName = DefaultTemplateEngine
		}
		vars, _ := spec["variables"].(map[string]any)
		if _, _, err := SplitPath(name); err != nil {
			return nil, err
		}
		f, ok := lookupBackend(engineName)
		if !ok {
			return nil, engine.NewInternalError(engine.ErrCodeSourcePath, fmt.Sprintf("unknown template engine %q", engineName), nil)
		}
		return &Template{Name: name, Variables: vars, Engine: engineName, factory: f}, nil
	case "DownloadSource":
		u, _ := spec["url"].(string)
		cache, _ := spec["cache"].(bool)
		sum, _ := spec["checksum"].(string)
		dir, _ := spec["dir"].(string)
		if dir == "" {
			dir = DefaultDownloadPath
		}
		return newDownloadSource(u, cache, sum, dir)
	default:
		return nil, fmt.Errorf("unknown source kind %q", kind)
	}
}

// EncodeValue replaces every Source inside v with its spec.
func EncodeValue(v any) any {
	switch val := v.(type) {
	case Source:
		return val.Spec()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = EncodeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = EncodeValue(item)
		}
		return out
	default:
		return v
	}
}

// DecodeValue is the inverse of EncodeValue.
func DecodeValue(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		if IsSpec(val) {
			return FromSpec(val)
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			d, err := DecodeValue(item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			d, err := DecodeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return v, nil
	}
}
