package flows

import (
	"fmt"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// ExecutorChecker reports whether a named action executor is registered.
// The engine's executor registry satisfies this.
type ExecutorChecker interface {
	HasExecutor(name string) bool
}

// Validate checks a normalized flow definition for structural integrity:
// the initial state exists, every transition table carries the mandatory
// default entry, every transition target resolves to a state or a
// declared final state, wait timeouts are sane, and (when a checker is
// supplied) every referenced executor is registered. Any failure is a
// load-time error that prevents the flow from being registered.
func Validate(def *models.FlowDefinition, check ExecutorChecker) error {
	if def.InitialState == "" {
		return fmt.Errorf("%w: flow %s has no initial state", models.ErrFlowValidation, def.ID)
	}
	if _, ok := def.States[def.InitialState]; !ok {
		return fmt.Errorf("%w: flow %s initial state %q not defined", models.ErrFlowValidation, def.ID, def.InitialState)
	}
	if len(def.States) == 0 {
		return fmt.Errorf("%w: flow %s has no states", models.ErrFlowValidation, def.ID)
	}

	final := make(map[string]bool, len(def.FinalStates))
	for _, f := range def.FinalStates {
		final[f] = true
	}

	for name, st := range def.States {
		if _, ok := st.Transitions[models.EventDefault]; !ok {
			return fmt.Errorf("%w: flow %s state %s missing default transition", models.ErrFlowValidation, def.ID, name)
		}
		for event, target := range st.Transitions {
			if _, ok := def.States[target]; ok {
				continue
			}
			if final[target] {
				continue
			}
			return fmt.Errorf("%w: flow %s state %s event %s targets undefined state %q", models.ErrFlowValidation, def.ID, name, event, target)
		}

		switch st.Kind {
		case models.StateKindAction:
			for _, a := range st.Actions {
				if a.Executor == "" {
					return fmt.Errorf("%w: flow %s state %s has an action with no executor", models.ErrFlowValidation, def.ID, name)
				}
				if check != nil && !check.HasExecutor(a.Executor) {
					return fmt.Errorf("%w: flow %s state %s references %q", models.ErrUnknownExecutor, def.ID, name, a.Executor)
				}
			}
		case models.StateKindDecision:
			for _, c := range st.Conditions {
				if c.If == "" || c.Event == "" {
					return fmt.Errorf("%w: flow %s state %s has an incomplete condition", models.ErrFlowValidation, def.ID, name)
				}
			}
		case models.StateKindWait:
			if st.Timeout < 0 {
				return fmt.Errorf("%w: flow %s state %s has negative timeout", models.ErrFlowValidation, def.ID, name)
			}
			if st.Timeout > 0 {
				if _, ok := st.Transitions[models.EventTimeout]; !ok {
					return fmt.Errorf("%w: flow %s wait state %s has a timeout but no timeout transition", models.ErrFlowValidation, def.ID, name)
				}
			}
		}
	}
	return nil
}
