package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// coerceArgs validates raw against params. Values are coerced to the
// declared type where that is lossless; unknown fields are dropped.
func coerceArgs(params []Param, raw map[string]any) (Args, error) {
	out := make(Args, len(params))
	for _, p := range params {
		value, present := raw[p.Name]
		if !present || value == nil {
			if p.Required {
				return nil, ValidationError("missing required argument %q", p.Name)
			}
			continue
		}

		coerced, err := coerce(p.Type, value)
		if err != nil {
			return nil, ValidationError("invalid argument %q: %v", p.Name, err)
		}
		if len(p.Enum) > 0 {
			if s, _ := coerced.(string); !slices.Contains(p.Enum, s) {
				return nil, ValidationError("invalid argument %q: must be one of %s", p.Name, strings.Join(p.Enum, ", "))
			}
		}
		out[p.Name] = coerced
	}
	return out, nil
}

func coerce(t ParamType, value any) (any, error) {
	if n, ok := value.(json.Number); ok {
		value = n.String()
		if f, err := n.Float64(); err == nil && t != TypeString {
			value = f
		}
	}

	switch t {
	case TypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case bool:
			return strconv.FormatBool(v), nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case int64:
			return strconv.FormatInt(v, 10), nil
		}
		return nil, fmt.Errorf("expected a string")
	case TypeInteger:
		switch v := value.(type) {
		case int:
			return int64(v), nil
		case int64:
			return v, nil
		case float64:
			if v == math.Trunc(v) && !math.IsInf(v, 0) && math.Abs(v) <= 1<<53 {
				return int64(v), nil
			}
		case string:
			if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return n, nil
			}
		}
		return nil, fmt.Errorf("expected an integer")
	case TypeNumber:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
				return f, nil
			}
		}
		return nil, fmt.Errorf("expected a number")
	case TypeBoolean:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "true":
				return true, nil
			case "false":
				return false, nil
			}
		}
		return nil, fmt.Errorf("expected a boolean")
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}
