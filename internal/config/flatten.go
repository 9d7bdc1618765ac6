package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// secretKeys lists the dot-separated keys whose values should be masked.
var secretKeys = map[string]bool{
	"llm.api_key":    true,
	"telegram.token": true,
	"discord.token":  true,
}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	return secretKeys[key]
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// For example, {"llm": {"base_url": "x"}} becomes {"llm.base_url": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch child := v.(type) {
		case map[string]any:
			flatten(key, child, out)
		default:
			out[key] = v
		}
	}
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for i, part := range parts {
			if i == len(parts)-1 {
				current[part] = v
				continue
			}
			next, ok := current[part]
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			m, ok := next.(map[string]any)
			if !ok {
				m = make(map[string]any)
				current[part] = m
			}
			current = m
		}
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values masked as
// "***xxxx" where xxxx is the last 4 characters of the value.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		if secretKeys[k] {
			s, ok := v.(string)
			if ok && s != "" {
				if len(s) <= 4 {
					out[k] = "***" + s
				} else {
					out[k] = "***" + s[len(s)-4:]
				}
			} else {
				out[k] = v
			}
		} else {
			out[k] = v
		}
	}
	return out
}

// ListValues returns the config as a flat dot-keyed map, optionally masking
// secret values for display.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	flat := Flatten(nested)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config file and returns the value at the given
// dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	v, ok := flat[key]
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue updates a single dot-separated key in the config file, coercing
// the string value to bool, int, or float when it parses as one. The file
// must already exist.
func SetValue(path, key, value string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var nested map[string]any
	if err := json.Unmarshal(data, &nested); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	flat := Flatten(nested)
	flat[key] = coerce(value)
	nested = Unflatten(flat)

	out, err := json.MarshalIndent(nested, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	out = append(out, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, out, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func coerce(value string) any {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}
