package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// tree renders cfg as its JSON object form, the namespace of dotted paths.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetByPath returns the value at a dotted path such as
// "session.maxReconnectAttempts" or "alerts.telegram.chatIds.0".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[key]
			if !ok {
				return nil, fmt.Errorf("key not found: %s", path)
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, fmt.Errorf("invalid list index %q in %s", key, path)
			}
			current = v[idx]
		default:
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
	}
	return current, nil
}

// SetByPath assigns a leaf that already exists in the config. A string
// value is converted to the type of the current value, so "5" sets a
// number, "false" a bool, and "a,b" a list.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := tree(cfg)
	if err != nil {
		return err
	}

	parts := strings.Split(path, ".")
	parent := m
	for _, key := range parts[:len(parts)-1] {
		child, ok := parent[key].(map[string]any)
		if !ok {
			return fmt.Errorf("key not found: %s", path)
		}
		parent = child
	}

	last := parts[len(parts)-1]
	current, ok := parent[last]
	if !ok {
		// omitempty leaves drop out of the tree; the decode below still
		// rejects names the struct does not have
		current = ""
	}
	converted, err := convert(current, value)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	parent[last] = converted

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	var next Config
	if err := dec.Decode(&next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = next
	return nil
}

// convert parses a string according to the type of the existing value.
func convert(current, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	switch current.(type) {
	case bool:
		return strconv.ParseBool(s)
	case float64:
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		return strconv.ParseFloat(s, 64)
	case []any, nil:
		if s == "" {
			return []any{}, nil
		}
		var items []any
		for _, item := range strings.Split(s, ",") {
			items = append(items, strings.TrimSpace(item))
		}
		return items, nil
	}
	return s, nil
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	c.Alerts.Telegram.ChatIDs = append(FlexStringList(nil), cfg.Alerts.Telegram.ChatIDs...)

	for _, secret := range []*string{
		&c.Server.APIKey,
		&c.Providers.Evolution.APIKey,
		&c.Webhook.Secret,
		&c.Webhook.APIKey,
		&c.Alerts.Telegram.Token,
		&c.Alerts.Slack.BotToken,
		&c.Alerts.Discord.Token,
	} {
		if *secret != "" {
			*secret = maskString(*secret)
		}
	}
	return &c
}

// maskString keeps the first and last four characters of long secrets.
func maskString(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into dotted path → value pairs.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flatten(path, child, out)
			continue
		}
		out[path] = v
	}
}
