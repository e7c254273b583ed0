package kiroku

import (
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Graph and provenance types.
type (
	Commit      = model.Commit
	Action      = model.Action
	Version     = model.Version
	EntityRef   = model.EntityRef
	EntityType  = model.EntityType
	ChainReport = model.ChainReport
)

// EdgeFact types.
type (
	EdgeFact    = model.EdgeFact
	FactQuery   = model.FactQuery
	FactProps   = model.FactProps
	Cardinality = model.Cardinality
)

// Enforcement types.
type (
	Rule             = model.CrossLayerRule
	RepairSpec       = model.RepairSpec
	ValidationResult = model.ValidationResult
	Violation        = model.Violation
	Statistics       = model.CrossLayerStatistics
)

// Sentinel errors, matched with errors.Is.
var (
	ErrNotFound = storage.ErrNotFound
	ErrConflict = storage.ErrConflict
)
