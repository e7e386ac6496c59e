package events

// Tuple argument extraction. All helpers tolerate a short tuple (index past
// the end yields the zero value) so decoders stay compatible with older
// producers that sent fewer fields.

func argString(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	switch v := args[i].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func argInt(args []any, i int) int64 {
	if i >= len(args) {
		return 0
	}
	switch v := args[i].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case int16:
		return int64(v)
	case int8:
		return int64(v)
	case uint64:
		return int64(v)
	case uint32:
		return int64(v)
	case uint16:
		return int64(v)
	case uint8:
		return int64(v)
	case uint:
		return int64(v)
	case float64:
		return int64(v)
	case float32:
		return int64(v)
	default:
		return 0
	}
}

func argFloat(args []any, i int) float64 {
	if i >= len(args) {
		return 0
	}
	switch v := args[i].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	default:
		return float64(argInt(args, i))
	}
}

func argMap(args []any, i int) map[string]any {
	if i >= len(args) {
		return nil
	}
	switch v := args[i].(type) {
	case map[string]any:
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return nil
	}
}

func argStrings(args []any, i int) []string {
	if i >= len(args) {
		return nil
	}
	raw, ok := args[i].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}

// mapString reads a string field from a decoded map value.
func mapString(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

// mapStringMap reads a {string: string} field from a decoded map value.
func mapStringMap(m map[string]any, key string) map[string]string {
	inner, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(inner))
	for k, v := range inner {
		switch s := v.(type) {
		case string:
			out[k] = s
		case []byte:
			out[k] = string(s)
		}
	}
	return out
}

// mapStrings reads a [string] field from a decoded map value.
func mapStrings(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		switch v := e.(type) {
		case string:
			out = append(out, v)
		case []byte:
			out = append(out, string(v))
		}
	}
	return out
}
