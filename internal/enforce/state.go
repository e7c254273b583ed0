package enforce

import (
	"fmt"

	"github.com/ashita-ai/kiroku/internal/model"
)

// transitions lists the legal moves of one rule evaluation:
//
//	Pending -> Validating -> (Clean | ViolationsFound) -> [Repairing] -> Reported
//
// Validating may also move straight to Reported when the rule's query fails.
var transitions = map[model.RunState][]model.RunState{
	model.StatePending:         {model.StateValidating},
	model.StateValidating:      {model.StateClean, model.StateViolationsFound, model.StateReported},
	model.StateClean:           {model.StateReported},
	model.StateViolationsFound: {model.StateRepairing, model.StateReported},
	model.StateRepairing:       {model.StateReported},
}

// machine tracks the state of one evaluation.
type machine struct {
	state model.RunState
}

func newMachine() *machine { return &machine{state: model.StatePending} }

// to moves to next. An illegal transition is a programming error and panics.
func (m *machine) to(next model.RunState) {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			return
		}
	}
	panic(fmt.Sprintf("enforce: illegal state transition %s -> %s", m.state, next))
}
