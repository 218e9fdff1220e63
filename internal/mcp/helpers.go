package mcpserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseJSON parses a JSON string into the target type.
func parseJSON(data string, target any) error {
	return json.Unmarshal([]byte(data), target)
}

// stringArg returns a required, non-empty string argument.
func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

// numberArg returns an optional numeric argument.
func numberArg(args map[string]any, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func requireNumbers(args map[string]any, keys ...string) ([]float64, error) {
	out := make([]float64, len(keys))
	for i, k := range keys {
		v, ok := numberArg(args, k)
		if !ok {
			return nil, fmt.Errorf("%s is required", k)
		}
		out[i] = v
	}
	return out, nil
}

// idList splits a comma-separated id list.
func idList(raw string) []string {
	var out []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
