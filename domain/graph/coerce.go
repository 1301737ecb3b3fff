package graph

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/emergent-company/branchgraph/domain/schema"
)

// Coerce converts value to the canonical Go form for an attribute kind:
// string for Text, DateTime, IPHost and IPNetwork; float64 for Number; bool
// for Boolean; []any for List; and any JSON-decoded value for JSON. Nil
// passes through.
func Coerce(kind schema.AttributeKind, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindText:
		return coerceToText(value)
	case schema.KindNumber:
		return coerceToNumber(value)
	case schema.KindBoolean:
		return coerceToBoolean(value)
	case schema.KindDateTime:
		return coerceToDate(value)
	case schema.KindJSON:
		return jsonValue(value)
	case schema.KindList:
		return coerceToList(value)
	case schema.KindIPHost:
		return coerceToIPHost(value)
	case schema.KindIPNetwork:
		return coerceToIPNetwork(value)
	default:
		return nil, fmt.Errorf("unknown attribute kind %q", kind)
	}
}

func coerceToText(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int, int64, int32, bool:
		return fmt.Sprintf("%v", v), nil
	default:
		return "", fmt.Errorf("cannot convert %T to text", value)
	}
}

func coerceToNumber(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, fmt.Errorf("empty string cannot be converted to number")
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number format: %s", v)
		}
		return parsed, nil
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot convert %T to number", value)
	}
}

func coerceToBoolean(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0", "":
			return false, nil
		default:
			return false, fmt.Errorf("invalid boolean format: %s", v)
		}
	case int, int64, int32, float64, float32:
		return fmt.Sprintf("%v", v) != "0", nil
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", value)
	}
}

var dateFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

func coerceToDate(value any) (string, error) {
	switch v := value.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return "", fmt.Errorf("empty string cannot be converted to date")
		}
		for _, format := range dateFormats {
			if t, err := time.Parse(format, trimmed); err == nil {
				return t.UTC().Format(time.RFC3339), nil
			}
		}
		return "", fmt.Errorf("invalid date format: %s (expected ISO 8601)", v)
	case time.Time:
		return v.UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("cannot convert %T to date", value)
	}
}

func coerceToList(value any) ([]any, error) {
	switch v := value.(type) {
	case []any:
		out, err := jsonValue(v)
		if err != nil {
			return nil, err
		}
		return out.([]any), nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list, got %T", value)
	}
}

// coerceToIPHost keeps the host bits: "10.0.0.1/24" stays as is, a bare
// address has no prefix length.
func coerceToIPHost(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected ip host string, got %T", value)
	}
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return "", fmt.Errorf("invalid ip host %q", s)
		}
		return p.String(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return "", fmt.Errorf("invalid ip host %q", s)
	}
	return a.String(), nil
}

// coerceToIPNetwork masks the host bits: "10.0.0.1/24" becomes "10.0.0.0/24".
func coerceToIPNetwork(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected ip network string, got %T", value)
	}
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid ip network %q", s)
	}
	return p.Masked().String(), nil
}

func jsonValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("value is not JSON encodable: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
