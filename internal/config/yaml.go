package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// durationKeys are config fields holding Go duration strings.
var durationKeys = map[string]bool{
	"poll_interval":        true,
	"offline_grace_period": true,
	"timeout":              true,
	"retry_base":           true,
	"retry_max_delay":      true,
	"max_hint_delay":       true,
	"busy_timeout":         true,
}

// yamlToJSON re-encodes a .yaml/.yml file as JSON so both formats share the
// strict decoder. Other extensions pass through unchanged.
func yamlToJSON(path string, data []byte) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return data, nil
	}

	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	v, err := normalizeYAML("", v)
	if err != nil {
		return nil, err
	}
	j, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML stringifies map keys and fixes the scalars YAML types
// differently from what the config expects: numeric channel logins become
// strings, and a bare number in a duration field is rejected with a hint.
func normalizeYAML(path string, in any) (any, error) {
	switch x := in.(type) {
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			n, err := normalizeYAML(join(path, k), v)
			if err != nil {
				return nil, err
			}
			m[k] = n
		}
		return m, nil
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			key := fmt.Sprint(k)
			n, err := normalizeYAML(join(path, key), v)
			if err != nil {
				return nil, err
			}
			m[key] = n
		}
		return m, nil
	case []any:
		for i := range x {
			if path == "twitch.user_login" {
				x[i] = scalarString(x[i])
				continue
			}
			n, err := normalizeYAML(path, x[i])
			if err != nil {
				return nil, err
			}
			x[i] = n
		}
		return x, nil
	case int, int64, uint64, float64:
		if durationKeys[leaf(path)] {
			return nil, fmt.Errorf("%s: duration %v needs a unit, e.g. \"%vs\"", path, x, x)
		}
		return in, nil
	default:
		return in, nil
	}
}

func scalarString(v any) any {
	switch v.(type) {
	case int, int64, uint64, float64:
		return fmt.Sprint(v)
	}
	return v
}

func join(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func leaf(path string) string {
	if i := strings.LastIndexByte(path, '.'); i >= 0 {
		return path[i+1:]
	}
	return path
}
