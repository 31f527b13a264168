package notify

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseHint parses a hint in notify-send's TYPE:NAME:VALUE form, where TYPE
// is one of int, byte, boolean, string or double. The shorter NAME=VALUE
// form infers the type from the value.
func ParseHint(s string) (string, interface{}, error) {
	if name, value, ok := strings.Cut(s, "="); ok && !strings.Contains(name, ":") {
		if name == "" {
			return "", nil, fmt.Errorf("invalid hint %q: empty name", s)
		}
		return name, inferHintValue(value), nil
	}

	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[1] == "" {
		return "", nil, fmt.Errorf("invalid hint %q: want TYPE:NAME:VALUE or NAME=VALUE", s)
	}
	kind, name, raw := parts[0], parts[1], parts[2]

	switch strings.ToLower(kind) {
	case "int":
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return "", nil, fmt.Errorf("invalid int hint %q: %w", s, err)
		}
		return name, int32(v), nil
	case "byte":
		v, err := strconv.ParseUint(raw, 10, 8)
		if err != nil {
			return "", nil, fmt.Errorf("invalid byte hint %q: %w", s, err)
		}
		return name, byte(v), nil
	case "boolean", "bool":
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return "", nil, fmt.Errorf("invalid boolean hint %q: %w", s, err)
		}
		return name, v, nil
	case "double":
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return "", nil, fmt.Errorf("invalid double hint %q: %w", s, err)
		}
		return name, v, nil
	case "string":
		return name, raw, nil
	default:
		return "", nil, fmt.Errorf("invalid hint %q: unknown type %q", s, kind)
	}
}

// hintTypes are the TYPE prefixes ParseHint understands
var hintTypes = map[string]bool{
	"int":     true,
	"byte":    true,
	"boolean": true,
	"bool":    true,
	"double":  true,
	"string":  true,
}

// TypedHint resolves a hint value read from a config file. A string of the
// form TYPE:VALUE is parsed like TYPE:NAME:VALUE; anything else is returned
// unchanged.
func TypedHint(name string, value interface{}) (interface{}, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}
	kind, raw, ok := strings.Cut(s, ":")
	if !ok || !hintTypes[strings.ToLower(kind)] {
		return value, nil
	}
	_, typed, err := ParseHint(kind + ":" + name + ":" + raw)
	if err != nil {
		return nil, err
	}
	return typed, nil
}

// ParseHints parses every hint and fails on the first invalid one
func ParseHints(specs []string) (map[string]interface{}, error) {
	hints := make(map[string]interface{}, len(specs))
	for _, spec := range specs {
		name, value, err := ParseHint(spec)
		if err != nil {
			return nil, err
		}
		hints[name] = value
	}
	return hints, nil
}

func inferHintValue(raw string) interface{} {
	if v, err := strconv.ParseInt(raw, 10, 32); err == nil {
		return int32(v)
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		return v
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v
	}
	return raw
}
