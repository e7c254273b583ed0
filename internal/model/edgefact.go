package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EntityType is the discriminant of a polymorphic entity reference.
// The engine records references; it never dereferences them.
type EntityType string

// Known entity types across the three layers. Unknown types are accepted:
// the list documents the discriminants used by the built-in rules.
const (
	// Content layer.
	EntityFile         EntityType = "file"
	EntityIdea         EntityType = "idea"
	EntityScript       EntityType = "script"
	EntitySlot         EntityType = "slot"
	EntityTaxonomyNode EntityType = "taxonomy_node"

	// Operations layer.
	EntityScene     EntityType = "scene"
	EntityShootDay  EntityType = "shoot_day"
	EntityLocation  EntityType = "location"
	EntityCrew      EntityType = "crew_member"
	EntityEquipment EntityType = "equipment"

	// Provenance layer.
	EntityCommit  EntityType = "commit"
	EntityAction  EntityType = "action"
	EntityVersion EntityType = "version"
)

// EntityRef is a typed, opaque reference to any entity.
type EntityRef struct {
	Type EntityType `json:"type" yaml:"type"`
	ID   string     `json:"id" yaml:"id"`
}

// String renders the reference as "type:id".
func (r EntityRef) String() string { return string(r.Type) + ":" + r.ID }

// IsZero reports whether the reference is unset.
func (r EntityRef) IsZero() bool { return r.Type == "" && r.ID == "" }

// ParseEntityRef parses the "type:id" form produced by String.
func ParseEntityRef(s string) (EntityRef, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return EntityRef{}, fmt.Errorf("invalid entity reference %q: want type:id", s)
	}
	return EntityRef{Type: EntityType(typ), ID: id}, nil
}

// Layer groups entity types into independently evolving domains.
type Layer string

const (
	LayerContent    Layer = "content"
	LayerOperations Layer = "operations"
	LayerProvenance Layer = "provenance"
)

// Cardinality constrains how many active facts may link the two sides of a relationship.
type Cardinality string

const (
	OneToOne   Cardinality = "1:1"
	OneToMany  Cardinality = "1:N"
	ManyToOne  Cardinality = "N:1"
	ManyToMany Cardinality = "N:N"
)

// Valid reports whether c is a known cardinality.
func (c Cardinality) Valid() bool {
	switch c {
	case OneToOne, OneToMany, ManyToOne, ManyToMany:
		return true
	}
	return false
}

// Exclusive reports whether at most one active fact may exist per
// (from, to, type) key under this cardinality.
func (c Cardinality) Exclusive() bool {
	return c == OneToOne || c == OneToMany
}

// SingleTarget reports whether each source entity may link to at most one target.
func (c Cardinality) SingleTarget() bool {
	return c == OneToOne || c == ManyToOne
}

// SingleSource reports whether each target entity may be linked from at most one source.
func (c Cardinality) SingleSource() bool {
	return c == OneToOne || c == OneToMany
}

// FactMethod records how a fact came to be asserted.
type FactMethod string

const (
	MethodManual    FactMethod = "manual"
	MethodAgent     FactMethod = "agent"
	MethodAutomatic FactMethod = "automatic"
)

// FactProps are the typed properties carried by every EdgeFact.
// Extra holds arbitrary slot data.
type FactProps struct {
	Method     FactMethod     `json:"method"`
	Confidence *float64       `json:"confidence,omitempty"`
	RuleID     *string        `json:"rule_id,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// Map flattens the props into a single map, Extra keys first so the typed
// fields win on collision.
func (p FactProps) Map() map[string]any {
	out := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["method"] = string(p.Method)
	if p.Confidence != nil {
		out["confidence"] = *p.Confidence
	}
	if p.RuleID != nil {
		out["rule_id"] = *p.RuleID
	}
	return out
}

// EdgeFact is a typed, time-bounded relationship fact between two entities.
// ValidTo is nil while the fact is active.
type EdgeFact struct {
	ID        uuid.UUID  `json:"id"`
	OrgID     uuid.UUID  `json:"org_id"`
	Type      string     `json:"type"`
	From      EntityRef  `json:"from"`
	To        EntityRef  `json:"to"`
	Props     FactProps  `json:"props"`
	Exclusive bool       `json:"exclusive"`
	CreatedAt time.Time  `json:"created_at"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
}

// ActiveAt reports whether t falls within [ValidFrom, ValidTo).
func (f EdgeFact) ActiveAt(t time.Time) bool {
	if t.Before(f.ValidFrom) {
		return false
	}
	return f.ValidTo == nil || t.Before(*f.ValidTo)
}

// FactQuery filters EdgeFact queries. Zero-valued fields are ignored.
type FactQuery struct {
	OrgID uuid.UUID
	Type  string
	From  *EntityRef
	To    *EntityRef
	// FromType and ToType filter by entity discriminant when no full ref is given.
	FromType EntityType
	ToType   EntityType
}

// FactCount aggregates EdgeFacts per relationship type.
type FactCount struct {
	Type   string `json:"type"`
	Active int    `json:"active"`
	Total  int    `json:"total"`
}
