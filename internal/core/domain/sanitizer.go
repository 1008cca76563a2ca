package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strings"
)

const (
	DefaultLimit      = 100
	MaxLimit          = 1000
	MaxPipelineStages = 20
	DefaultBatchSize  = 100
	MaxBatchSize      = 1000
	DefaultMaxTimeMS  = 30000
	MaxMaxTimeMS      = 60000

	maxCollectionNameLen = 120
	maxDatabaseNameLen   = 64
)

var (
	collectionNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	databaseNamePattern   = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
)

// unsafeOperators execute server-side code and are rejected at any depth.
var unsafeOperators = map[string]struct{}{
	"$where":       {},
	"$function":    {},
	"$accumulator": {},
	"$expr":        {},
}

var destructiveStages = map[string]struct{}{
	"$out":   {},
	"$merge": {},
}

var allowedStages = map[string]struct{}{
	"$match":       {},
	"$project":     {},
	"$sort":        {},
	"$limit":       {},
	"$skip":        {},
	"$unwind":      {},
	"$group":       {},
	"$lookup":      {},
	"$addFields":   {},
	"$replaceRoot": {},
	"$facet":       {},
	"$bucket":      {},
	"$bucketAuto":  {},
	"$sortByCount": {},
	"$count":       {},
	"$sample":      {},
	"$redact":      {},
	"$geoNear":     {},
	"$graphLookup": {},
	"$collStats":   {},
	"$indexStats":  {},
}

// Rejection causes. Sanitizer failures are validation errors wrapping one of
// these when the input was refused for safety rather than shape.
var (
	ErrUnsafeOperator      = errors.New("unsafe operator")
	ErrDestructiveStage    = errors.New("destructive stage")
	ErrRestrictedNamespace = errors.New("restricted namespace")
)

func rejectf(cause error, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Err: fmt.Errorf("%w: "+format, append([]any{cause}, args...)...)}
}

var restrictedDatabases = []string{"admin", "local", "config"}

// ExplainVerbosity values accepted by the explain command.
var ExplainVerbosities = []string{"queryPlanner", "executionStats", "allPlansExecution"}

// DefaultExplainVerbosity is used when the caller does not pick one.
const DefaultExplainVerbosity = "executionStats"

// SortField is one key of an ordered sort specification.
type SortField struct {
	Field     string `json:"field"`
	Direction int    `json:"direction"`
}

// AggregateOptions holds the clamped cursor options for an aggregation.
type AggregateOptions struct {
	BatchSize int32 `json:"batch_size"`
	MaxTimeMS int64 `json:"max_time_ms"`
}

// Sanitizer is the single safety boundary in front of the database. Every
// method returns a fresh value and leaves its input untouched.
type Sanitizer struct {
	deniedDatabases map[string]struct{}
}

// NewSanitizer returns a Sanitizer. extraDenied adds database names to the
// built-in restricted set, compared case-insensitively.
func NewSanitizer(extraDenied ...string) *Sanitizer {
	denied := make(map[string]struct{}, len(restrictedDatabases)+len(extraDenied))
	for _, name := range restrictedDatabases {
		denied[name] = struct{}{}
	}
	for _, name := range extraDenied {
		if name = strings.TrimSpace(name); name != "" {
			denied[strings.ToLower(name)] = struct{}{}
		}
	}
	return &Sanitizer{deniedDatabases: denied}
}

// Filter validates a query filter and returns a deep copy. A nil filter
// becomes an empty one.
func (s *Sanitizer) Filter(filter map[string]any) (map[string]any, error) {
	if filter == nil {
		return map[string]any{}, nil
	}
	out, err := sanitizeValue(filter, "filter")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Pipeline validates an aggregation pipeline stage by stage and returns a deep
// copy of it. Sub-pipelines of $facet and $lookup get the same stage checks.
func (s *Sanitizer) Pipeline(pipeline []any) ([]map[string]any, error) {
	if len(pipeline) == 0 {
		return nil, Validationf("pipeline must contain at least one stage")
	}

	out := make([]map[string]any, 0, len(pipeline))
	err := s.checkStages(pipeline, "pipeline", func(op string, body any) error {
		clean, err := sanitizeValue(body, op)
		if err != nil {
			return err
		}
		out = append(out, map[string]any{op: clean})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkStages applies the per-stage rules to stages and recurses into nested
// pipelines. visit, if set, sees each top-level stage after it passed.
func (s *Sanitizer) checkStages(stages []any, where string, visit func(op string, body any) error) error {
	if len(stages) > MaxPipelineStages {
		return Validationf("%s has %d stages, maximum is %d", where, len(stages), MaxPipelineStages)
	}
	for i, raw := range stages {
		at := fmt.Sprintf("%s stage %d", where, i)
		stage, ok := raw.(map[string]any)
		if !ok {
			return Validationf("%s must be an object", at)
		}
		if len(stage) != 1 {
			return Validationf("%s must have exactly one operator, got %d", at, len(stage))
		}

		var op string
		var body any
		for k, v := range stage {
			op, body = k, v
		}
		if err := s.checkStage(at, op, body); err != nil {
			return err
		}
		if visit != nil {
			if err := visit(op, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Sanitizer) checkStage(at, op string, body any) error {
	if _, bad := destructiveStages[op]; bad {
		return rejectf(ErrDestructiveStage, "%s: %s", at, op)
	}
	if _, bad := unsafeOperators[op]; bad {
		return rejectf(ErrUnsafeOperator, "%s: %s", at, op)
	}
	if _, ok := allowedStages[op]; !ok {
		return Validationf("%s: operator %s is not allowed", at, op)
	}

	switch op {
	case "$limit":
		n, ok := asInt(body)
		if !ok {
			return Validationf("%s: $limit must be an integer", at)
		}
		if n < 0 || n > MaxLimit {
			return Validationf("%s: $limit must be between 0 and %d", at, MaxLimit)
		}
	case "$skip":
		n, ok := asInt(body)
		if !ok {
			return Validationf("%s: $skip must be an integer", at)
		}
		if n < 0 {
			return Validationf("%s: $skip must not be negative", at)
		}
	case "$facet":
		facets, ok := body.(map[string]any)
		if !ok {
			return Validationf("%s: $facet must be an object", at)
		}
		for name, sub := range facets {
			stages, ok := sub.([]any)
			if !ok {
				return Validationf("%s: $facet.%s must be an array of stages", at, name)
			}
			if err := s.checkStages(stages, fmt.Sprintf("%s $facet.%s", at, name), nil); err != nil {
				return err
			}
		}
	case "$lookup", "$graphLookup":
		spec, ok := body.(map[string]any)
		if !ok {
			return Validationf("%s: %s must be an object", at, op)
		}
		if from, ok := spec["from"]; ok {
			name, ok := from.(string)
			if !ok {
				return Validationf("%s: %s.from must be a collection name", at, op)
			}
			if err := s.CollectionName(name); err != nil {
				return err
			}
		}
		if sub, ok := spec["pipeline"]; ok && op == "$lookup" {
			stages, ok := sub.([]any)
			if !ok {
				return Validationf("%s: $lookup.pipeline must be an array of stages", at)
			}
			if err := s.checkStages(stages, at+" $lookup.pipeline", nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// DatabaseName rejects malformed names and restricted system databases.
func (s *Sanitizer) DatabaseName(name string) error {
	if name == "" {
		return Validationf("database name must not be empty")
	}
	if len(name) > maxDatabaseNameLen {
		return Validationf("database name exceeds %d characters", maxDatabaseNameLen)
	}
	if !databaseNamePattern.MatchString(name) {
		return Validationf("database name %q contains invalid characters", name)
	}
	if _, denied := s.deniedDatabases[strings.ToLower(name)]; denied {
		return rejectf(ErrRestrictedNamespace, "database %q", name)
	}
	return nil
}

// CollectionName rejects malformed names and system collections.
func (s *Sanitizer) CollectionName(name string) error {
	if name == "" {
		return Validationf("collection name must not be empty")
	}
	if len(name) > maxCollectionNameLen {
		return Validationf("collection name exceeds %d characters", maxCollectionNameLen)
	}
	if !collectionNamePattern.MatchString(name) {
		return Validationf("collection name %q contains invalid characters", name)
	}
	if strings.HasPrefix(name, "system.") {
		return rejectf(ErrRestrictedNamespace, "collection %q", name)
	}
	return nil
}

// Limit returns the result limit, defaulting when v is nil. Values above
// MaxLimit are rejected rather than clamped.
func (s *Sanitizer) Limit(v any) (int64, error) {
	if v == nil {
		return DefaultLimit, nil
	}
	n, ok := asInt(v)
	if !ok {
		return 0, Validationf("limit must be an integer")
	}
	if n < 0 || n > MaxLimit {
		return 0, Validationf("limit must be between 0 and %d, got %d", MaxLimit, n)
	}
	return n, nil
}

// Skip returns the number of documents to skip, defaulting to 0.
func (s *Sanitizer) Skip(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, ok := asInt(v)
	if !ok {
		return 0, Validationf("skip must be an integer")
	}
	if n < 0 {
		return 0, Validationf("skip must not be negative, got %d", n)
	}
	return n, nil
}

// AggregateOptions fills defaults and caps batchSize and maxTimeMS.
func (s *Sanitizer) AggregateOptions(batchSize, maxTimeMS any) (AggregateOptions, error) {
	opts := AggregateOptions{BatchSize: DefaultBatchSize, MaxTimeMS: DefaultMaxTimeMS}

	if batchSize != nil {
		n, ok := asInt(batchSize)
		if !ok || n <= 0 {
			return opts, Validationf("batchSize must be a positive integer")
		}
		opts.BatchSize = int32(min(n, MaxBatchSize))
	}
	if maxTimeMS != nil {
		n, ok := asInt(maxTimeMS)
		if !ok || n <= 0 {
			return opts, Validationf("maxTimeMS must be a positive integer")
		}
		opts.MaxTimeMS = min(n, MaxMaxTimeMS)
	}
	return opts, nil
}

// Sort accepts either an object of field→direction or an ordered list of
// single-key objects. The list form keeps the caller's key order.
func (s *Sanitizer) Sort(v any) ([]SortField, error) {
	switch spec := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		keys := make([]string, 0, len(spec))
		for k := range spec {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		out := make([]SortField, 0, len(keys))
		for _, k := range keys {
			f, err := sortField(k, spec[k])
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	case []any:
		out := make([]SortField, 0, len(spec))
		for i, item := range spec {
			m, ok := item.(map[string]any)
			if !ok || len(m) != 1 {
				return nil, Validationf("sort entry %d must be an object with one field", i)
			}
			for k, dir := range m {
				f, err := sortField(k, dir)
				if err != nil {
					return nil, err
				}
				out = append(out, f)
			}
		}
		return out, nil
	default:
		return nil, Validationf("sort must be an object or a list of objects")
	}
}

func sortField(field string, dir any) (SortField, error) {
	if err := checkKey(field, "sort"); err != nil {
		return SortField{}, err
	}
	if strings.HasPrefix(field, "$") {
		return SortField{}, Validationf("sort field %q must not be an operator", field)
	}
	n, ok := asInt(dir)
	if !ok || (n != 1 && n != -1) {
		return SortField{}, Validationf("sort direction for %q must be 1 or -1", field)
	}
	return SortField{Field: field, Direction: int(n)}, nil
}

// Projection validates a projection document and returns a copy of it.
func (s *Sanitizer) Projection(projection map[string]any) (map[string]any, error) {
	if projection == nil {
		return nil, nil
	}
	out, err := sanitizeValue(projection, "projection")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// Verbosity validates an explain verbosity, defaulting when empty.
func (s *Sanitizer) Verbosity(v string) (string, error) {
	if v == "" {
		return DefaultExplainVerbosity, nil
	}
	if !slices.Contains(ExplainVerbosities, v) {
		return "", Validationf("verbosity must be one of %s", strings.Join(ExplainVerbosities, ", "))
	}
	return v, nil
}

// FieldName validates a document field path used by distinct.
func (s *Sanitizer) FieldName(field string) error {
	if strings.TrimSpace(field) == "" {
		return Validationf("field name must not be empty")
	}
	if strings.HasPrefix(field, "$") {
		return Validationf("field name %q must not start with $", field)
	}
	return checkKey(field, "field")
}

// sanitizeValue walks v recursively, rejecting unsafe operators and
// script-bearing strings, and returns a deep copy.
func sanitizeValue(v any, path string) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			if err := checkKey(k, path); err != nil {
				return nil, err
			}
			clean, err := sanitizeValue(child, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			clean, err := sanitizeValue(child, path)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(val))
		for i, child := range val {
			clean, err := sanitizeValue(child, path)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	case string:
		if containsScript(val) {
			return nil, rejectf(ErrUnsafeOperator, "%s: javascript: string", path)
		}
		return val, nil
	default:
		return val, nil
	}
}

func checkKey(key, path string) error {
	if _, bad := unsafeOperators[key]; bad {
		return rejectf(ErrUnsafeOperator, "%s: %s", path, key)
	}
	if containsScript(key) {
		return rejectf(ErrUnsafeOperator, "%s: javascript: key", path)
	}
	return nil
}

func containsScript(s string) bool {
	return strings.Contains(strings.ToLower(s), "javascript:")
}

// asInt accepts the integral numeric shapes produced by JSON decoding.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) || n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}
