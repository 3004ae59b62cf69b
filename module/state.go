package module

import (
	"fmt"
	"strings"

	"github.com/pvorotnikov/open-iot-sub001/errors"
)

// State is the lifecycle state of a registered module
type State int

const (
	// StateUnregistered is the initial state and the target of cleanup
	StateUnregistered State = iota
	// StatePrepared indicates prepare completed
	StatePrepared
	// StateLoaded indicates load completed
	StateLoaded
	// StateActive is the only state in which Process is accepted
	StateActive
	// StateSuspended indicates the module is paused and may be resumed
	StateSuspended
	// StateStopped indicates the module stopped and may only be unloaded
	StateStopped
	// StateUnloaded indicates the module released its resources
	StateUnloaded
)

var stateNames = [...]string{
	StateUnregistered: "unregistered",
	StatePrepared:     "prepared",
	StateLoaded:       "loaded",
	StateActive:       "active",
	StateSuspended:    "suspended",
	StateStopped:      "stopped",
	StateUnloaded:     "unloaded",
}

// String returns the lowercase state name
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText encodes the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Op is a lifecycle operation requested of the registry
type Op string

// Lifecycle operations
const (
	OpPrepare Op = "prepare"
	OpLoad    Op = "load"
	OpStart   Op = "start"
	OpSuspend Op = "suspend"
	OpResume  Op = "resume"
	OpStop    Op = "stop"
	OpUnload  Op = "unload"
	OpCleanup Op = "cleanup"
)

type transition struct {
	from []State
	to   State
}

// cleanup is handled separately, it is legal from every state
var transitions = map[Op]transition{
	OpPrepare: {from: []State{StateUnregistered}, to: StatePrepared},
	OpLoad:    {from: []State{StatePrepared}, to: StateLoaded},
	OpStart:   {from: []State{StateLoaded, StateSuspended}, to: StateActive},
	OpSuspend: {from: []State{StateActive}, to: StateSuspended},
	OpResume:  {from: []State{StateSuspended}, to: StateActive},
	OpStop:    {from: []State{StateActive, StateSuspended}, to: StateStopped},
	OpUnload:  {from: []State{StateStopped}, to: StateUnloaded},
}

// Ops lists every lifecycle operation in canonical order
func Ops() []Op {
	return []Op{OpPrepare, OpLoad, OpStart, OpSuspend, OpResume, OpStop, OpUnload, OpCleanup}
}

// ParseOp converts a case-insensitive operation name
func ParseOp(name string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(name)))
	if op == OpCleanup {
		return op, nil
	}
	if _, ok := transitions[op]; ok {
		return op, nil
	}
	return "", errors.WrapInvalid(fmt.Errorf("unknown lifecycle operation %q", name), "module", "ParseOp", "operation lookup")
}

// Next returns the state reached by applying op to from. The second result
// is false when the transition is illegal.
func Next(from State, op Op) (State, bool) {
	if op == OpCleanup {
		return StateUnregistered, true
	}
	t, ok := transitions[op]
	if !ok {
		return from, false
	}
	for _, s := range t.from {
		if s == from {
			return t.to, true
		}
	}
	return from, false
}
