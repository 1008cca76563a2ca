package mongodb

import (
	"bytes"
	"encoding/json"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/guillermoBallester/moat/internal/core/domain"
)

// toBSON converts a JSON-shaped document into bson.D. Relaxed Extended JSON
// wrappers such as {"$oid": ...} and {"$date": ...} become native BSON types.
func toBSON(m map[string]any) (bson.D, error) {
	if len(m) == 0 {
		return bson.D{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, domain.Validationf("encoding document: %w", err)
	}
	var d bson.D
	if err := bson.UnmarshalExtJSON(b, false, &d); err != nil {
		return nil, domain.Validationf("decoding extended json: %w", err)
	}
	return d, nil
}

func pipelineToBSON(stages []map[string]any) (bson.A, error) {
	out := make(bson.A, 0, len(stages))
	for i, stage := range stages {
		d, err := toBSON(stage)
		if err != nil {
			return nil, fmt.Errorf("stage %d: %w", i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// sortDoc keeps field order, which a map cannot.
func sortDoc(fields []domain.SortField) bson.D {
	d := make(bson.D, 0, len(fields))
	for _, f := range fields {
		d = append(d, bson.E{Key: f.Field, Value: f.Direction})
	}
	return d
}

// normalize renders a raw document as a plain map via relaxed Extended JSON.
// Numbers stay json.Number so 64-bit integers survive intact.
func normalize(raw bson.Raw) (map[string]any, error) {
	b, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding result: %w", err)
	}
	return m, nil
}

// normalizeValue does the same for a single decoded BSON value.
func normalizeValue(v any) (any, error) {
	raw, err := bson.Marshal(bson.D{{Key: "v", Value: v}})
	if err != nil {
		return nil, fmt.Errorf("encoding value: %w", err)
	}
	m, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	return m["v"], nil
}
