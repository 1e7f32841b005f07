package tool

import (
	"encoding/json"
	"fmt"
	"maps"
	"regexp"
	"strings"
)

var flatObjectPattern = regexp.MustCompile(`\{[^{}]*\}`)

// ParseArguments turns model-supplied call arguments into a structured object.
//
// args may be a map, a JSON string, raw JSON bytes, or any JSON-marshalable
// value. A string holding several adjacent flat objects is recovered by merging
// their keys; later objects win on conflict.
func ParseArguments(args any) (map[string]any, error) {
	switch v := args.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		if v == nil {
			return map[string]any{}, nil
		}
		return v, nil
	case string:
		return parseArgumentString(v)
	case json.RawMessage:
		return parseArgumentString(string(v))
	case []byte:
		return parseArgumentString(string(v))
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, NewError(CodeArgument, fmt.Sprintf("arguments are not JSON encodable: %v", err), err)
		}
		out := map[string]any{}
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, NewError(CodeArgument, fmt.Sprintf("arguments must be a JSON object, got %T", args), err)
		}
		return out, nil
	}
}

func parseArgumentString(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}

	out := map[string]any{}
	firstErr := json.Unmarshal([]byte(trimmed), &out)
	if firstErr == nil && out != nil {
		return out, nil
	}

	merged := map[string]any{}
	recovered := false
	for _, fragment := range flatObjectPattern.FindAllString(trimmed, -1) {
		part := map[string]any{}
		if err := json.Unmarshal([]byte(fragment), &part); err != nil {
			continue
		}
		maps.Copy(merged, part)
		recovered = true
	}
	if !recovered {
		if firstErr == nil {
			firstErr = fmt.Errorf("arguments decoded to null")
		}
		return nil, NewError(CodeArgument, fmt.Sprintf("arguments are not a JSON object: %v", firstErr), firstErr)
	}
	return merged, nil
}
