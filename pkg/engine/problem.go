package engine

import "fmt"

// State is the lifecycle state of a Problem.
type State string

const (
	// StateUnchecked is the initial state, and the terminal state of a
	// vertex skipped because an ancestor's fix failed.
	StateUnchecked State = "UNCHECKED"

	// StateOK means the check found no fault.
	StateOK State = "OK"

	// StateFailure means the check found a fault that has not been fixed.
	StateFailure State = "FAILURE"

	// StateFixed means the fault was found and remediated.
	StateFixed State = "FIXED"

	// StateFixFailed means remediation was attempted and did not succeed.
	StateFixFailed State = "FIX_FAILED"

	// StateWarn means the fault state could not be fully determined.
	StateWarn State = "WARN"
)

// States lists every valid State in lifecycle order.
var States = []State{StateUnchecked, StateOK, StateFailure, StateFixed, StateFixFailed, StateWarn}

func (s State) valid() bool {
	switch s {
	case StateUnchecked, StateOK, StateFailure, StateFixed, StateFixFailed, StateWarn:
		return true
	}
	return false
}

// transitions holds the legal state machine edges.
var transitions = map[State][]State{
	StateUnchecked: {StateOK, StateFailure, StateWarn},
	StateFailure:   {StateFixed, StateFixFailed},
}

// CanTransition reports whether a Problem may move from s to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ItemType tags the kind of subject a Problem checks. It is used for reporting only.
type ItemType string

const (
	ItemTypeNone    ItemType = "None"
	ItemTypeConfig  ItemType = "Config"
	ItemTypeFile    ItemType = "File"
	ItemTypeDir     ItemType = "Dir"
	ItemTypeMode    ItemType = "Mode"
	ItemTypeUID     ItemType = "UID"
	ItemTypeService ItemType = "Service"
	ItemTypeUser    ItemType = "User"
	ItemTypeKey     ItemType = "Key"
	ItemTypePolicy  ItemType = "Policy"
)

func (t ItemType) valid() bool {
	switch t {
	case ItemTypeNone, ItemTypeConfig, ItemTypeFile, ItemTypeDir, ItemTypeMode,
		ItemTypeUID, ItemTypeService, ItemTypeUser, ItemTypeKey, ItemTypePolicy:
		return true
	}
	return false
}

// Outcome is the result of running a Problem's check.
type Outcome int

const (
	// OutcomeClear means the fault is absent.
	OutcomeClear Outcome = iota

	// OutcomeFault means the fault is present.
	OutcomeFault

	// OutcomeIndeterminate means the fault could not be confirmed or ruled out.
	OutcomeIndeterminate
)

// Detected adapts a plain fault predicate result to an Outcome.
func Detected(fault bool) Outcome {
	if fault {
		return OutcomeFault
	}
	return OutcomeClear
}

// CheckFunc detects a fault. A returned error aborts the solve pass.
type CheckFunc func() (Outcome, error)

// FixFunc remediates a fault and reports whether it succeeded.
// A returned error aborts the solve pass.
type FixFunc func() (bool, error)

// ProblemSpec carries the constructor arguments of a Problem.
type ProblemSpec struct {
	State    State
	ItemType ItemType
	Item     any
	Value    any
	ValueStr string
	InfoMsg  string
	CheckMsg string
	FixMsg   string
	Check    CheckFunc
	Fix      FixFunc
}

// Problem is one checkable, optionally fixable fault.
//
// Assignments to state and item type that fall outside their enumerations, or
// state changes that skip the lifecycle, are dropped without error: the last
// valid value is what reports must show, so caller mistakes never erase it.
type Problem struct {
	state    State
	itemType ItemType
	item     any
	value    any
	valueStr string
	infoMsg  string
	checkMsg string
	fixMsg   string
	check    CheckFunc
	fix      FixFunc

	// constructor values restored by Reset
	initValue    any
	initValueStr string
	initFixMsg   string
}

// NewProblem creates a Problem. An empty or invalid state defaults to
// UNCHECKED and an empty or invalid item type to ItemTypeNone.
func NewProblem(spec ProblemSpec) *Problem {
	p := &Problem{
		state:    StateUnchecked,
		itemType: ItemTypeNone,
		item:     spec.Item,
		value:    spec.Value,
		valueStr: spec.ValueStr,
		infoMsg:  spec.InfoMsg,
		checkMsg: spec.CheckMsg,
		fixMsg:   spec.FixMsg,
		check:    spec.Check,
		fix:      spec.Fix,

		initValue:    spec.Value,
		initValueStr: spec.ValueStr,
		initFixMsg:   spec.FixMsg,
	}
	if spec.State.valid() {
		p.state = spec.State
	}
	if spec.ItemType.valid() {
		p.itemType = spec.ItemType
	}
	return p
}

// State returns the current lifecycle state.
func (p *Problem) State() State {
	return p.state
}

// SetState moves the Problem to s if the transition is legal.
// It returns false and keeps the current state otherwise.
func (p *Problem) SetState(s State) bool {
	if !s.valid() || !p.state.CanTransition(s) {
		return false
	}
	p.state = s
	return true
}

// Reset starts a new lifecycle at UNCHECKED and drops whatever the last
// check recorded in the value and fix message.
func (p *Problem) Reset() {
	p.state = StateUnchecked
	p.value = p.initValue
	p.valueStr = p.initValueStr
	p.fixMsg = p.initFixMsg
}

// ItemType returns the item category.
func (p *Problem) ItemType() ItemType {
	return p.itemType
}

// SetItemType changes the item category; unknown categories are ignored.
func (p *Problem) SetItemType(t ItemType) bool {
	if !t.valid() {
		return false
	}
	p.itemType = t
	return true
}

// Item returns the checked subject.
func (p *Problem) Item() any { return p.item }

// Value returns the raw detected value.
func (p *Problem) Value() any { return p.value }

// ValueStr returns the display form of the detected value.
func (p *Problem) ValueStr() string { return p.valueStr }

// SetValue records what the check detected.
func (p *Problem) SetValue(v any, display string) {
	p.value = v
	p.valueStr = display
}

// InfoMsg describes the fault.
func (p *Problem) InfoMsg() string { return p.infoMsg }

// CheckMsg describes what the check looks for.
func (p *Problem) CheckMsg() string { return p.checkMsg }

// FixMsg describes the remediation.
func (p *Problem) FixMsg() string { return p.fixMsg }

// SetFixMsg replaces the remediation message, typically once a check knows specifics.
func (p *Problem) SetFixMsg(msg string) { p.fixMsg = msg }

// Check runs the detection callback. A Problem without one is never at fault.
func (p *Problem) Check() (Outcome, error) {
	if p.check == nil {
		return OutcomeClear, nil
	}
	return p.check()
}

// Fix runs the remediation callback. A Problem without one cannot be fixed.
func (p *Problem) Fix() (bool, error) {
	if p.fix == nil {
		return false, nil
	}
	return p.fix()
}

// String renders state, item type and value string in fixed-width columns
// followed by the item.
func (p *Problem) String() string {
	return fmt.Sprintf("%-10s %-10s %-10s %v", p.state, p.itemType, p.valueStr, p.item)
}
