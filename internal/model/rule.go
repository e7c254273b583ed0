package model

import (
	"errors"
	"fmt"
)

// RuleKind selects the compiled predicate a rule evaluates.
type RuleKind string

const (
	RuleRequiredOutgoing RuleKind = "required_outgoing"
	RuleRequiredIncoming RuleKind = "required_incoming"
	RuleCardinalityBound RuleKind = "cardinality_bound"
	RuleExpression       RuleKind = "expression"
	RuleRawQuery         RuleKind = "raw_query"
)

// RepairStrategy selects how a violation is repaired.
type RepairStrategy string

const (
	// RepairLinkFixed links the violating entity to a fixed target entity.
	RepairLinkFixed RepairStrategy = "link_fixed"
	// RepairLinkFromProperty reads the target id from a property of the
	// violating entity's latest version.
	RepairLinkFromProperty RepairStrategy = "link_from_property"
	// RepairRetractExtra closes every active fact but the newest.
	RepairRetractExtra RepairStrategy = "retract_extra"
	// RepairRawQuery runs a parameterized SQL template ($1 org id, $2 entity id).
	RepairRawQuery RepairStrategy = "raw_query"
)

// RepairSpec describes how to repair violations of a rule.
type RepairSpec struct {
	Strategy RepairStrategy `json:"strategy" yaml:"strategy"`
	TargetID string         `json:"target_id,omitempty" yaml:"target_id,omitempty"`
	Property string         `json:"property,omitempty" yaml:"property,omitempty"`
	RawQuery string         `json:"raw_query,omitempty" yaml:"raw_query,omitempty"`
	// Confidence is recorded on facts created by the repair.
	Confidence *float64 `json:"confidence,omitempty" yaml:"confidence,omitempty"`
}

// CrossLayerRule is a declarative consistency constraint between entity types
// in different layers. Rules are organization-agnostic templates.
type CrossLayerRule struct {
	ID               string      `json:"id" yaml:"id"`
	Name             string      `json:"name" yaml:"name"`
	Description      string      `json:"description,omitempty" yaml:"description,omitempty"`
	FromLayer        Layer       `json:"from_layer" yaml:"from_layer"`
	FromEntityType   EntityType  `json:"from_entity_type" yaml:"from_entity_type"`
	ToLayer          Layer       `json:"to_layer" yaml:"to_layer"`
	ToEntityType     EntityType  `json:"to_entity_type" yaml:"to_entity_type"`
	RelationshipType string      `json:"relationship_type" yaml:"relationship_type"`
	Required         bool        `json:"required" yaml:"required"`
	Cardinality      Cardinality `json:"cardinality" yaml:"cardinality"`
	Kind             RuleKind    `json:"kind" yaml:"kind"`
	// Expression is a CEL predicate for RuleExpression; it must hold for every active fact.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
	// RawQuery is a SQL template for RuleRawQuery; $1 is the org id.
	RawQuery string      `json:"raw_query,omitempty" yaml:"raw_query,omitempty"`
	Repair   *RepairSpec `json:"repair,omitempty" yaml:"repair,omitempty"`
	Enabled  bool        `json:"enabled" yaml:"enabled"`
}

// CanRepair reports whether the rule carries a repair and is enabled.
func (r CrossLayerRule) CanRepair() bool {
	return r.Enabled && r.Repair != nil && r.Repair.Strategy != ""
}

// Validate checks that the rule is internally consistent.
func (r CrossLayerRule) Validate() error {
	var errs []error
	if r.ID == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if r.Cardinality != "" && !r.Cardinality.Valid() {
		errs = append(errs, fmt.Errorf("invalid cardinality %q", r.Cardinality))
	}
	switch r.Kind {
	case RuleRequiredOutgoing, RuleRequiredIncoming, RuleCardinalityBound:
		if r.FromEntityType == "" || r.ToEntityType == "" || r.RelationshipType == "" {
			errs = append(errs, errors.New("from_entity_type, to_entity_type and relationship_type are required"))
		}
		if r.Kind == RuleCardinalityBound && r.Cardinality == ManyToMany {
			errs = append(errs, errors.New("cardinality_bound has nothing to bound for N:N"))
		}
	case RuleExpression:
		if r.Expression == "" || r.RelationshipType == "" {
			errs = append(errs, errors.New("expression and relationship_type are required"))
		}
	case RuleRawQuery:
		if r.RawQuery == "" {
			errs = append(errs, errors.New("raw_query is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown kind %q", r.Kind))
	}
	if r.Repair != nil {
		switch r.Repair.Strategy {
		case RepairLinkFixed:
			if r.Repair.TargetID == "" {
				errs = append(errs, errors.New("repair link_fixed requires target_id"))
			}
		case RepairLinkFromProperty:
			if r.Repair.Property == "" {
				errs = append(errs, errors.New("repair link_from_property requires property"))
			}
		case RepairRetractExtra:
		case RepairRawQuery:
			if r.Repair.RawQuery == "" {
				errs = append(errs, errors.New("repair raw_query requires raw_query"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown repair strategy %q", r.Repair.Strategy))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("rule %q: %w", r.ID, errors.Join(errs...))
	}
	return nil
}
