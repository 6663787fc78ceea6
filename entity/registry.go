package entity

import "fmt"

// Registry maps compile-time entity tags onto entity definition IDs.
// Definitions are registered once at startup; lookups during a run are
// read-only and safe for concurrent use.
//
// Entities with runtime schemas (Polymorphic) have no registered tag and
// resolve to the reserved table definition instead.
type Registry struct {
	byTag map[string]string
	// tableDefinitionID is the reserved definition for polymorphic
	// table entities. Empty means polymorphic entities are rejected.
	tableDefinitionID string
}

func NewRegistry() *Registry {
	return &Registry{byTag: make(map[string]string)}
}

// Register binds a tag to its entity definition ID. Re-registering a tag
// with a different definition is a wiring error and is rejected.
func (r *Registry) Register(tag, definitionID string) error {
	if tag == "" || definitionID == "" {
		return fmt.Errorf("registering entity definition: empty tag or definition ID")
	}
	if prev, ok := r.byTag[tag]; ok && prev != definitionID {
		return fmt.Errorf("entity tag %q already registered with definition %s", tag, prev)
	}
	r.byTag[tag] = definitionID
	return nil
}

// RegisterTableDefinition sets the reserved definition ID under which all
// polymorphic table entities are stored.
func (r *Registry) RegisterTableDefinition(definitionID string) {
	r.tableDefinitionID = definitionID
}

// DefinitionID resolves the entity's definition ID. Unknown tags on
// polymorphic entities fall back to the reserved table definition;
// unknown tags on typed entities are a configuration error which must
// fail the run.
func (r *Registry) DefinitionID(e Entity) (string, error) {
	if id, ok := r.byTag[e.Tag()]; ok {
		return id, nil
	}
	if _, ok := e.(polymorphic); ok {
		if r.tableDefinitionID == "" {
			return "", fmt.Errorf("polymorphic entity %s: no reserved table definition registered", e.EntityID())
		}
		return r.tableDefinitionID, nil
	}
	return "", fmt.Errorf("entity %s has unregistered tag %q", e.EntityID(), e.Tag())
}

// Tags returns all registered tags, for diagnostics.
func (r *Registry) Tags() []string {
	var out = make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		out = append(out, tag)
	}
	return out
}
