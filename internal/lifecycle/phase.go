package lifecycle

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"
)

// Phase is where an instance is in its life cycle.
type Phase string

const (
	phaseNoState  = "noState"
	phaseCreating = "creating"
	phaseCreated  = "created"
	phaseUpdating = "updating"
	phaseDeleting = "deleting"
)

const (
	NoState  Phase = phaseNoState
	Creating Phase = phaseCreating
	Created  Phase = phaseCreated
	Updating Phase = phaseUpdating
	Deleting Phase = phaseDeleting
)

const (
	eventCreate    = "CREATE"
	eventUpdate    = "UPDATE"
	eventDelete    = "DELETE"
	eventSucceeded = "SUCCEEDED"
	eventFailed    = "FAILED"
	// eventRestore adopts an instance whose state the caller persisted in an earlier process.
	eventRestore = "RESTORE"
	eventForget  = "FORGET"
)

type phaseContext struct{}

// phaseMachine tracks one instance. A failed transition returns to the phase it started from.
type phaseMachine struct {
	interp *statekit.Interpreter[phaseContext]
}

func newPhaseMachine(id string) (*phaseMachine, error) {
	machine, err := statekit.NewMachine[phaseContext]("pde-instance").
		WithInitial(phaseNoState).
		WithContext(phaseContext{}).
		State(phaseNoState).
		On(eventCreate).Target(phaseCreating).
		On(eventRestore).Target(phaseCreated).Done().
		State(phaseCreating).
		On(eventSucceeded).Target(phaseCreated).
		On(eventFailed).Target(phaseNoState).Done().
		State(phaseCreated).
		On(eventUpdate).Target(phaseUpdating).
		On(eventDelete).Target(phaseDeleting).
		On(eventForget).Target(phaseNoState).Done().
		State(phaseUpdating).
		On(eventSucceeded).Target(phaseCreated).
		On(eventFailed).Target(phaseCreated).Done().
		State(phaseDeleting).
		On(eventSucceeded).Target(phaseNoState).
		On(eventFailed).Target(phaseCreated).Done().
		Build()
	if err != nil {
		return nil, fmt.Errorf("building phase machine for %q: %w", id, err)
	}
	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return &phaseMachine{interp: interp}, nil
}

func (m *phaseMachine) Phase() Phase {
	return Phase(m.interp.State().Value)
}

// fire sends event and reports an error when the current phase does not accept it.
func (m *phaseMachine) fire(event statekit.EventType) error {
	before := m.Phase()
	m.interp.Send(statekit.Event{Type: event})
	if m.Phase() == before {
		return fmt.Errorf("phase %s does not accept %s", before, event)
	}
	return nil
}
