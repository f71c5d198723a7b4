// Package skill provides the payment gateway skill.
package skill

import (
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Payment signal events injected by the payment webhook while the flow
// is parked on the pending wait state.
const (
	EventPaymentSuccess = "__payment_success__"
	EventPaymentFailed  = "__payment_failed__"
)

// Exit point names accepted by PaymentGateway.
const (
	PaymentExitSuccess   = "onSuccess"
	PaymentExitCancelled = "onCancelled"
)

// DefaultPaymentTimeout bounds how long the pending state waits for a
// gateway signal before firing the timeout event.
const DefaultPaymentTimeout = 5 * time.Minute

// PaymentGateway generates the run-a-payment interaction: initiate the
// charge, park on a wait state until the gateway signals success or
// failure (or the timeout fires), and offer a retry on failure.
//
// Params: "timeout" (duration, default 5m), "amount_key" (context key
// holding the amount, default "order_total").
func PaymentGateway(cfg Config) (map[string]models.FlowState, error) {
	onSuccess, err := cfg.Exit(PaymentExitSuccess)
	if err != nil {
		return nil, err
	}
	onCancelled, err := cfg.Exit(PaymentExitCancelled)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ParamDuration("timeout", DefaultPaymentTimeout)
	amountKey := cfg.Param("amount_key", "order_total")

	gateway := cfg.State("gateway")
	pending := cfg.State("pending")
	retry := cfg.State("retry")
	retryCheck := cfg.State("retry_check")

	return map[string]models.FlowState{
		gateway: {
			Kind: models.StateKindAction,
			Actions: []models.ActionSpec{
				{Executor: "payment_initiate", Params: map[string]string{"amount_key": amountKey}},
			},
			Transitions: map[string]string{
				models.EventError:   retry,
				models.EventDefault: pending,
			},
		},
		pending: {
			Kind:    models.StateKindWait,
			Prompt:  "Complete the payment using the link we just sent. I'll confirm as soon as it goes through.",
			Timeout: timeout,
			Transitions: map[string]string{
				EventPaymentSuccess:     onSuccess,
				EventPaymentFailed:      retry,
				models.EventTimeout:     retry,
				models.EventUserMessage: pending,
				models.EventDefault:     pending,
			},
		},
		retry: {
			Kind:   models.StateKindWait,
			Prompt: "The payment didn't go through.",
			Buttons: []models.Button{
				{ID: "1", Label: "Try again"},
				{ID: "2", Label: "Cancel order"},
			},
			Transitions: map[string]string{
				models.EventUserMessage: retryCheck,
				models.EventDefault:     retry,
			},
		},
		retryCheck: {
			Kind: models.StateKindDecision,
			Conditions: []models.Condition{
				{If: "selection == 1", Event: "retry"},
				{If: "selection == 2", Event: "cancel"},
			},
			Transitions: map[string]string{
				"retry":             gateway,
				"cancel":            onCancelled,
				models.EventDefault: retry,
			},
		},
	}, nil
}
