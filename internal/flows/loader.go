// Package flows loads, validates, and indexes flow definitions.
//
// Two authoring shapes are accepted historically: a map-of-states
// document and a linear array-of-nodes document. Both are normalized
// into the same canonical in-memory representation at the load
// boundary, so parsing ambiguity is resolved once and never leaks into
// engine logic.
package flows

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/skyagarwal/mangwale-core/internal/models"
	"github.com/skyagarwal/mangwale-core/internal/skill"
)

// flowDoc is the on-disk YAML shape, covering both authoring conventions.
type flowDoc struct {
	ID           string              `yaml:"id"`
	Version      int                 `yaml:"version"`
	Priority     int                 `yaml:"priority"`
	Enabled      *bool               `yaml:"enabled"`
	Trigger      []string            `yaml:"trigger"`
	InitialState string              `yaml:"initialState"`
	FinalStates  []string            `yaml:"finalStates"`
	States       map[string]stateDoc `yaml:"states"`
	Nodes        []nodeDoc           `yaml:"nodes"`
	Skills       []skillDoc          `yaml:"skills"`
}

type stateDoc struct {
	Kind        string            `yaml:"kind"`
	Prompt      string            `yaml:"prompt"`
	Buttons     []buttonDoc       `yaml:"buttons"`
	Actions     []actionDoc       `yaml:"actions"`
	Conditions  []conditionDoc    `yaml:"conditions"`
	Timeout     string            `yaml:"timeout"`
	Transitions map[string]string `yaml:"transitions"`
}

type buttonDoc struct {
	ID    string `yaml:"id"`
	Label string `yaml:"label"`
}

type actionDoc struct {
	Executor string            `yaml:"executor"`
	Params   map[string]string `yaml:"params"`
}

type conditionDoc struct {
	If    string `yaml:"if"`
	Event string `yaml:"event"`
}

// nodeDoc is the linear shorthand: each node runs and falls through to
// `next` (or the following node). `wait: true` parks for user input.
type nodeDoc struct {
	Name    string            `yaml:"name"`
	Prompt  string            `yaml:"prompt"`
	Action  string            `yaml:"action"`
	Params  map[string]string `yaml:"params"`
	Wait    bool              `yaml:"wait"`
	Timeout string            `yaml:"timeout"`
	Next    string            `yaml:"next"`
}

// linearFinalState is the synthesized terminal for node-shape flows that
// do not name an explicit next on their last node.
const linearFinalState = "done"

// Parse decodes one YAML flow document, normalizes it to the canonical
// state-map shape, and merges any embedded skills. The result is not
// yet validated; see Validate.
func Parse(data []byte) (*models.FlowDefinition, error) {
	var doc flowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFlowValidation, err)
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: flow id is required", models.ErrFlowValidation)
	}
	if len(doc.States) > 0 && len(doc.Nodes) > 0 {
		return nil, fmt.Errorf("%w: flow %s mixes states and nodes shapes", models.ErrFlowValidation, doc.ID)
	}

	def := &models.FlowDefinition{
		ID:             doc.ID,
		Version:        doc.Version,
		Priority:       doc.Priority,
		Enabled:        doc.Enabled == nil || *doc.Enabled,
		TriggerIntents: doc.Trigger,
		InitialState:   doc.InitialState,
		FinalStates:    doc.FinalStates,
		States:         make(map[string]models.FlowState),
	}

	var err error
	switch {
	case len(doc.Nodes) > 0:
		err = normalizeNodes(def, doc.Nodes)
	default:
		err = normalizeStates(def, doc.States)
	}
	if err != nil {
		return nil, err
	}

	if err := mergeSkills(def, doc.Skills); err != nil {
		return nil, err
	}

	slog.Debug("Flow parsed", "flow", def.ID, "states", len(def.States), "skills", len(doc.Skills))
	return def, nil
}

func normalizeStates(def *models.FlowDefinition, states map[string]stateDoc) error {
	for name, sd := range states {
		st, err := normalizeState(def.ID, name, sd)
		if err != nil {
			return err
		}
		def.States[name] = st
	}
	return nil
}

func normalizeState(flowID, name string, sd stateDoc) (models.FlowState, error) {
	st := models.FlowState{
		Kind:        models.StateKind(sd.Kind),
		Prompt:      sd.Prompt,
		Transitions: sd.Transitions,
	}
	switch st.Kind {
	case models.StateKindAction, models.StateKindDecision, models.StateKindWait:
	default:
		return st, fmt.Errorf("%w: flow %s state %s has unknown kind %q", models.ErrFlowValidation, flowID, name, sd.Kind)
	}
	for _, b := range sd.Buttons {
		st.Buttons = append(st.Buttons, models.Button{ID: b.ID, Label: b.Label})
	}
	for _, a := range sd.Actions {
		st.Actions = append(st.Actions, models.ActionSpec{Executor: a.Executor, Params: a.Params})
	}
	for _, c := range sd.Conditions {
		st.Conditions = append(st.Conditions, models.Condition{If: c.If, Event: c.Event})
	}
	if sd.Timeout != "" {
		d, err := time.ParseDuration(sd.Timeout)
		if err != nil {
			return st, fmt.Errorf("%w: flow %s state %s timeout %q: %v", models.ErrFlowValidation, flowID, name, sd.Timeout, err)
		}
		st.Timeout = d
	}
	return st, nil
}

// normalizeNodes converts the linear shorthand into the canonical state
// map: each node falls through to its `next`, defaulting to the
// following node, and the last node without a next ends the flow.
func normalizeNodes(def *models.FlowDefinition, nodes []nodeDoc) error {
	for i, n := range nodes {
		if n.Name == "" {
			return fmt.Errorf("%w: flow %s node %d has no name", models.ErrFlowValidation, def.ID, i)
		}
		next := n.Next
		if next == "" {
			if i+1 < len(nodes) {
				next = nodes[i+1].Name
			} else {
				next = linearFinalState
			}
		}

		st := models.FlowState{Prompt: n.Prompt}
		if n.Wait {
			st.Kind = models.StateKindWait
			st.Transitions = map[string]string{
				models.EventUserMessage: next,
				models.EventDefault:     n.Name,
			}
			if n.Timeout != "" {
				d, err := time.ParseDuration(n.Timeout)
				if err != nil {
					return fmt.Errorf("%w: flow %s node %s timeout %q: %v", models.ErrFlowValidation, def.ID, n.Name, n.Timeout, err)
				}
				st.Timeout = d
				st.Transitions[models.EventTimeout] = next
			}
		} else {
			st.Kind = models.StateKindAction
			if n.Action != "" {
				st.Actions = []models.ActionSpec{{Executor: n.Action, Params: n.Params}}
			}
			st.Transitions = map[string]string{models.EventDefault: next}
		}
		if _, dup := def.States[n.Name]; dup {
			return fmt.Errorf("%w: flow %s node %s defined twice", models.ErrFlowValidation, def.ID, n.Name)
		}
		def.States[n.Name] = st
	}

	if def.InitialState == "" {
		def.InitialState = nodes[0].Name
	}
	if len(def.FinalStates) == 0 {
		def.FinalStates = []string{linearFinalState}
	}
	return nil
}

type skillDoc struct {
	Use    string            `yaml:"use"`
	Prefix string            `yaml:"prefix"`
	Exits  map[string]string `yaml:"exits"`
	Params map[string]string `yaml:"params"`
}

// mergeSkills generates each embedded skill's state bundle and merges it
// into the flow's state map. Collisions across skills or with the
// flow's own states are a load-time error.
func mergeSkills(def *models.FlowDefinition, uses []skillDoc) error {
	for _, use := range uses {
		states, err := skill.Generate(use.Use, skill.Config{
			Prefix: use.Prefix,
			Exits:  use.Exits,
			Params: use.Params,
		})
		if err != nil {
			return fmt.Errorf("%w: flow %s: %v", models.ErrFlowValidation, def.ID, err)
		}
		if err := skill.Merge(def.States, states); err != nil {
			return fmt.Errorf("flow %s skill %s (prefix %s): %w", def.ID, use.Use, use.Prefix, err)
		}
	}
	return nil
}
