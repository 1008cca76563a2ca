package mcp

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/mark3labs/mcp-go/mcp"
)

// Some clients send nested documents as JSON strings rather than objects;
// both shapes are accepted for object and array arguments.

func objectArg(args map[string]any, name string) (map[string]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil, nil
		}
		var out map[string]any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, domain.Validationf("%s must be a JSON object: %v", name, err)
		}
		return out, nil
	default:
		return nil, domain.Validationf("%s must be an object", name)
	}
}

func arrayArg(args map[string]any, name string) ([]any, error) {
	v, ok := args[name]
	if !ok || v == nil {
		return nil, domain.Validationf("%s is required", name)
	}
	switch t := v.(type) {
	case []any:
		return t, nil
	case string:
		var out []any
		if err := json.Unmarshal([]byte(t), &out); err != nil {
			return nil, domain.Validationf("%s must be a JSON array: %v", name, err)
		}
		return out, nil
	default:
		return nil, domain.Validationf("%s must be an array", name)
	}
}

// anyArg returns the raw value, decoding JSON strings that look like a
// document or list. Numbers are left for the sanitizer to check.
func anyArg(args map[string]any, name string) (any, error) {
	v, ok := args[name]
	if !ok {
		return nil, nil
	}
	s, isString := v.(string)
	if !isString {
		return v, nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if s[0] != '{' && s[0] != '[' {
		return v, nil
	}
	var out any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, domain.Validationf("%s must be valid JSON: %v", name, err)
	}
	return out, nil
}

// sinceArg reads since, a Unix timestamp in milliseconds. Zero or absent
// means the default window.
func sinceArg(req mcp.CallToolRequest) (time.Time, error) {
	ms := req.GetFloat("since", 0)
	if ms < 0 {
		return time.Time{}, domain.Validationf("since must not be negative")
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(int64(ms)), nil
}

// toolError is the JSON body of an error result.
type toolError struct {
	Error struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
	} `json:"error"`
}

func errorResult(err error) *mcp.CallToolResult {
	var body toolError
	body.Error.Code = "QUERY_ERROR"
	body.Error.Message = err.Error()

	var de *domain.Error
	if errors.As(err, &de) {
		body.Error.Code = de.Code()
		body.Error.RetryAfterMS = de.RetryAfter.Milliseconds()
	}

	data, mErr := json.Marshal(body)
	if mErr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(data))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultErrorf("failed to marshal result: %v", err), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
