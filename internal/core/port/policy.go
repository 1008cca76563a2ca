package port

import "github.com/guillermoBallester/moat/internal/core/domain"

// CollectionPolicy supplies operator-curated context for collections.
type CollectionPolicy interface {
	// CollectionDescription returns the business description of
	// database.collection, or "".
	CollectionDescription(database, collection string) string
	// FieldMasks returns field path to mask type for database.collection.
	FieldMasks(database, collection string) map[string]domain.MaskType
}

// NoPolicy is the empty policy.
type NoPolicy struct{}

func (NoPolicy) CollectionDescription(string, string) string          { return "" }
func (NoPolicy) FieldMasks(string, string) map[string]domain.MaskType { return nil }
