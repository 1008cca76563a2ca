package policy

import (
	"fmt"

	"github.com/guillermoBallester/moat/internal/core/domain"
	"github.com/guillermoBallester/moat/internal/core/port"
	"gopkg.in/yaml.v3"
)

var _ port.CollectionPolicy = (*Policy)(nil)

// Policy holds operator-controlled configuration loaded from a YAML file.
// Supports collection descriptions, field-level masking and extra denied
// databases.
type Policy struct {
	// DeniedDatabases are refused in addition to admin, local and config.
	DeniedDatabases []string      `yaml:"denied_databases"`
	Context         ContextConfig `yaml:"context"`

	masks map[string]map[string]domain.MaskType
}

// ContextConfig maps fully-qualified collection names (database.collection)
// to business context merged into tool responses.
type ContextConfig struct {
	Collections map[string]CollectionContext `yaml:"collections"`
}

// CollectionContext describes a collection and its fields. Field keys are
// dotted paths into the document.
type CollectionContext struct {
	Description string                  `yaml:"description"`
	Fields      map[string]FieldContext `yaml:"fields"`
}

// FieldContext holds a field's business description and optional mask.
type FieldContext struct {
	Description string          `yaml:"description"`
	Mask        domain.MaskType `yaml:"mask,omitempty"`
}

// UnmarshalYAML accepts a plain string as shorthand for a description.
//
//	fields:
//	  notes: "Free-text notes"      # shorthand
//	  customer.email:
//	    description: "Contact email"
//	    mask: "redact"
func (fc *FieldContext) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		fc.Description = value.Value
		return nil
	}
	type alias FieldContext
	var a alias
	if err := value.Decode(&a); err != nil {
		return fmt.Errorf("decoding field context: %w", err)
	}
	*fc = FieldContext(a)
	return nil
}

// CollectionDescription returns the configured description, or "".
func (p *Policy) CollectionDescription(database, collection string) string {
	if p == nil {
		return ""
	}
	return p.Context.Collections[database+"."+collection].Description
}

// FieldMasks returns field path to mask type for one collection. The map is
// shared and must not be modified.
func (p *Policy) FieldMasks(database, collection string) map[string]domain.MaskType {
	if p == nil {
		return nil
	}
	return p.masks[database+"."+collection]
}

// MaskedFieldCount reports how many fields carry a mask across all
// collections.
func (p *Policy) MaskedFieldCount() int {
	n := 0
	for _, m := range p.masks {
		n += len(m)
	}
	return n
}

// index precomputes the per-collection mask maps.
func (p *Policy) index() {
	p.masks = make(map[string]map[string]domain.MaskType)
	for key, cc := range p.Context.Collections {
		for field, fc := range cc.Fields {
			if fc.Mask == "" {
				continue
			}
			if p.masks[key] == nil {
				p.masks[key] = make(map[string]domain.MaskType)
			}
			p.masks[key][field] = fc.Mask
		}
	}
}
