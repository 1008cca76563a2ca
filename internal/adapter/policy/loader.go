package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadFromFile reads a YAML policy file and returns a validated Policy.
func LoadFromFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML policy document.
func Parse(data []byte) (*Policy, error) {
	var pol Policy
	if err := yaml.Unmarshal(data, &pol); err != nil {
		return nil, fmt.Errorf("parsing policy YAML: %w", err)
	}

	if err := validate(&pol); err != nil {
		return nil, fmt.Errorf("validating policy: %w", err)
	}

	pol.index()
	return &pol, nil
}

func validate(pol *Policy) error {
	for i, name := range pol.DeniedDatabases {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("denied_databases[%d] is empty", i)
		}
	}
	for key, cc := range pol.Context.Collections {
		db, coll, ok := strings.Cut(key, ".")
		if !ok || db == "" || coll == "" {
			return fmt.Errorf("context.collections key %q must be database.collection", key)
		}
		for field, fc := range cc.Fields {
			if field == "" {
				return fmt.Errorf("context.collections[%q].fields contains an empty key", key)
			}
			if strings.HasPrefix(field, "$") {
				return fmt.Errorf("context.collections[%q].fields[%q]: field paths must not start with $", key, field)
			}
			if !fc.Mask.Valid() {
				return fmt.Errorf("context.collections[%q].fields[%q].mask: invalid value %q (allowed: redact, hash, partial, null)", key, field, fc.Mask)
			}
		}
	}
	return nil
}
