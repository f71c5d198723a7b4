// Package skill provides the collect-address skill.
package skill

import (
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Exit point names accepted by CollectAddress.
const (
	AddressExitSuccess   = "onSuccess"
	AddressExitCancelled = "onCancelled"
)

// DefaultAddressTimeout bounds how long the ask state waits for the user
// before giving up on the collection.
const DefaultAddressTimeout = 10 * time.Minute

// CollectAddress generates the collect-a-delivery-address interaction:
// prompt for an address or shared location, validate it against the
// serviceable zone, and loop back on rejection.
//
// Params: "timeout" (duration, default 10m), "address_key" (context key
// for the validated address, default "delivery_address").
func CollectAddress(cfg Config) (map[string]models.FlowState, error) {
	onSuccess, err := cfg.Exit(AddressExitSuccess)
	if err != nil {
		return nil, err
	}
	onCancelled, err := cfg.Exit(AddressExitCancelled)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ParamDuration("timeout", DefaultAddressTimeout)
	addressKey := cfg.Param("address_key", "delivery_address")

	ask := cfg.State("ask")
	validate := cfg.State("validate")
	check := cfg.State("check")

	return map[string]models.FlowState{
		ask: {
			Kind:    models.StateKindWait,
			Prompt:  "Where should we deliver? Type the address or share your location.",
			Timeout: timeout,
			Transitions: map[string]string{
				models.EventUserMessage: validate,
				models.EventTimeout:     onCancelled,
				models.EventDefault:     ask,
			},
		},
		validate: {
			Kind: models.StateKindAction,
			Actions: []models.ActionSpec{
				{Executor: "address_validate", Params: map[string]string{"address_key": addressKey}},
			},
			Transitions: map[string]string{
				models.EventError:   ask,
				models.EventDefault: check,
			},
		},
		check: {
			Kind: models.StateKindDecision,
			Conditions: []models.Condition{
				{If: "has address_valid", Event: "ok"},
			},
			Transitions: map[string]string{
				"ok":                onSuccess,
				models.EventDefault: ask,
			},
		},
	}, nil
}
