package domain

import (
	"crypto/sha256"
	"fmt"
	"maps"
	"strings"
)

// MaskType is a field masking strategy applied to returned documents.
type MaskType string

const (
	MaskRedact  MaskType = "redact"
	MaskHash    MaskType = "hash"
	MaskPartial MaskType = "partial"
	MaskNull    MaskType = "null"
)

// Valid reports whether m is a known strategy. The zero value means no mask.
func (m MaskType) Valid() bool {
	switch m {
	case MaskRedact, MaskHash, MaskPartial, MaskNull, "":
		return true
	}
	return false
}

// ApplyMask transforms a single value. Hash and partial masks stringify the
// value first, so the result type may differ from the input.
func ApplyMask(value any, maskType MaskType) any {
	if value == nil {
		return nil
	}

	switch maskType {
	case MaskRedact:
		return "***"
	case MaskHash:
		h := sha256.Sum256([]byte(fmt.Sprintf("%v", value)))
		return fmt.Sprintf("%x", h)
	case MaskPartial:
		return maskTail(fmt.Sprintf("%v", value))
	case MaskNull:
		return nil
	default:
		return value
	}
}

// maskTail keeps the last four runes visible.
func maskTail(s string) string {
	runes := []rune(s)
	if len(runes) <= 4 {
		return "***" + s
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}

// MaskDocuments returns copies of docs with masks applied. Mask keys are
// field paths; dotted paths descend into embedded documents and arrays of
// documents. The input documents are left untouched.
func MaskDocuments(docs []map[string]any, masks map[string]MaskType) []map[string]any {
	if len(masks) == 0 {
		return docs
	}
	out := make([]map[string]any, len(docs))
	for i, doc := range docs {
		masked := doc
		for path, maskType := range masks {
			masked = maskPath(masked, strings.Split(path, "."), maskType)
		}
		out[i] = masked
	}
	return out
}

// maskPath rewrites the value at path inside doc, copying each level it
// touches so the caller's document is never mutated.
func maskPath(doc map[string]any, path []string, maskType MaskType) map[string]any {
	val, ok := doc[path[0]]
	if !ok {
		return doc
	}

	cp := maps.Clone(doc)

	if len(path) == 1 {
		cp[path[0]] = ApplyMask(val, maskType)
		return cp
	}

	switch child := val.(type) {
	case map[string]any:
		cp[path[0]] = maskPath(child, path[1:], maskType)
	case []any:
		arr := make([]any, len(child))
		for i, item := range child {
			if m, ok := item.(map[string]any); ok {
				arr[i] = maskPath(m, path[1:], maskType)
			} else {
				arr[i] = item
			}
		}
		cp[path[0]] = arr
	}
	return cp
}
