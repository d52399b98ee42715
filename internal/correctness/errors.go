package correctness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// OutputContainsError reports whether output, at any nesting depth, has a
// "status" of 300 or more or a non-empty "error"/"errors" key. Keys match
// case-insensitively.
func OutputContainsError(output any) bool {
	switch t := unwrapString(output).(type) {
	case map[string]any:
		for k, v := range t {
			switch strings.ToLower(k) {
			case "status", "statuscode", "status_code":
				if code, ok := statusCode(v); ok && code >= 300 {
					return true
				}
			case "error", "errors":
				if present(v) {
					return true
				}
			}
			if OutputContainsError(v) {
				return true
			}
		}
	case []any:
		for _, v := range t {
			if OutputContainsError(v) {
				return true
			}
		}
	}
	return false
}

// OutputBytesContainError decodes raw JSON before checking it.
func OutputBytesContainError(raw []byte) bool {
	return OutputContainsError(Decode(raw))
}

// DetectErrorMessage returns "" when OutputContainsError is false. Otherwise it
// returns the text of the first nested "error"/"errors" value, or a status
// description when only a failing status is present.
func DetectErrorMessage(output any) string {
	output = unwrapString(output)
	if !OutputContainsError(output) {
		return ""
	}
	if msg := findErrorValue(output); msg != "" {
		return msg
	}
	if code, ok := findStatus(output); ok {
		return fmt.Sprintf("status %d", code)
	}
	return "error"
}

func findErrorValue(v any) string {
	switch t := unwrapString(v).(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			lk := strings.ToLower(k)
			if (lk == "error" || lk == "errors") && present(t[k]) {
				if msg := describe(t[k]); msg != "" {
					return msg
				}
			}
		}
		for _, k := range sortedKeys(t) {
			if msg := findErrorValue(t[k]); msg != "" {
				return msg
			}
		}
	case []any:
		for _, item := range t {
			if msg := findErrorValue(item); msg != "" {
				return msg
			}
		}
	}
	return ""
}

func findStatus(v any) (int, bool) {
	switch t := unwrapString(v).(type) {
	case map[string]any:
		for _, k := range sortedKeys(t) {
			switch strings.ToLower(k) {
			case "status", "statuscode", "status_code":
				if code, ok := statusCode(t[k]); ok && code >= 300 {
					return code, true
				}
			}
		}
		for _, k := range sortedKeys(t) {
			if code, ok := findStatus(t[k]); ok {
				return code, true
			}
		}
	case []any:
		for _, item := range t {
			if code, ok := findStatus(item); ok {
				return code, true
			}
		}
	}
	return 0, false
}

func describe(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "error"
		}
		return ""
	case map[string]any:
		for _, key := range []string{"message", "Message", "msg", "detail", "description"} {
			if s, ok := t[key].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		b, _ := json.Marshal(t)
		return string(b)
	case []any:
		parts := make([]string, 0, len(t))
		for _, item := range t {
			if s := describe(item); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "; ")
	default:
		return fmt.Sprint(t)
	}
}

func present(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

func statusCode(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
