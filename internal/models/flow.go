// Package models defines flow definition structures shared by the flow
// loader, the skill framework, and the engine.
package models

import "time"

// StateKind discriminates the three flow state behaviors.
type StateKind string

const (
	// StateKindAction executes a list of named executors on entry.
	StateKindAction StateKind = "action"
	// StateKindDecision evaluates ordered conditions against the context bag.
	StateKindDecision StateKind = "decision"
	// StateKindWait suspends the flow until the next inbound message or a timeout.
	StateKindWait StateKind = "wait"
)

// Reserved transition event names.
const (
	// EventDefault is the mandatory fallback entry in every transition table.
	EventDefault = "default"
	// EventUserMessage resumes a wait state on the next inbound message.
	EventUserMessage = "user_message"
	// EventTimeout resumes a wait state when its configured duration elapses.
	EventTimeout = "timeout"
	// EventError fires when an action executor fails or times out.
	EventError = "error"
)

// ActionSpec names an executor to invoke from an action state, with
// static parameters merged into the invocation.
type ActionSpec struct {
	Executor string            `json:"executor" yaml:"executor"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Condition pairs a boolean expression over the context bag with the
// event fired when it is the first true condition in a decision state.
//
// Expressions are deliberately small: "key == value", "key != value",
// "has key", and "not key" (set / unset).
type Condition struct {
	If    string `json:"if" yaml:"if"`
	Event string `json:"event" yaml:"event"`
}

// FlowState is a node in a flow's state machine.
type FlowState struct {
	Kind        StateKind         `json:"kind" yaml:"kind"`
	Prompt      string            `json:"prompt,omitempty" yaml:"prompt,omitempty"` // message sent to the user on entry
	Buttons     []Button          `json:"buttons,omitempty" yaml:"buttons,omitempty"`
	Actions     []ActionSpec      `json:"actions,omitempty" yaml:"actions,omitempty"`
	Conditions  []Condition       `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"` // wait states only
	Transitions map[string]string `json:"transitions" yaml:"transitions"`             // event name -> next state name
}

// FlowDefinition is an immutable, versioned state machine template.
// Live conversations reference it by ID and current-state name only,
// never by holding a mutable copy.
type FlowDefinition struct {
	ID             string               `json:"id" yaml:"id"`
	Version        int                  `json:"version,omitempty" yaml:"version,omitempty"`
	Priority       int                  `json:"priority,omitempty" yaml:"priority,omitempty"`
	Enabled        bool                 `json:"enabled" yaml:"enabled"`
	TriggerIntents []string             `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	InitialState   string               `json:"initial_state" yaml:"initialState"`
	FinalStates    []string             `json:"final_states,omitempty" yaml:"finalStates"`
	States         map[string]FlowState `json:"states" yaml:"states"`
}

// IsFinal reports whether the named state is one of the flow's declared
// final states.
func (f *FlowDefinition) IsFinal(state string) bool {
	for _, fs := range f.FinalStates {
		if fs == state {
			return true
		}
	}
	return false
}

// FlowRef is a live conversation's binding to a flow instance.
type FlowRef struct {
	FlowID    string    `json:"flow_id"`
	State     string    `json:"state"`
	EnteredAt time.Time `json:"entered_at"` // when the current state was entered
}

// ErrorInfo describes an executor failure in a transportable form.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ActionResult is the outcome reported by an action executor: a discrete
// event for the transition table plus context updates merged into the
// session's bag.
type ActionResult struct {
	Event          string            `json:"event,omitempty"`
	ContextUpdates map[string]string `json:"context_updates,omitempty"`
	Error          *ErrorInfo        `json:"error,omitempty"`
}
