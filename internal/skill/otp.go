// Package skill provides the OTP verification skill.
package skill

import (
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Exit point names accepted by OTPVerify.
const (
	OTPExitVerified = "onVerified"
	OTPExitFailed   = "onFailed"
)

// DefaultOTPTimeout bounds how long the wait state holds for the code.
const DefaultOTPTimeout = 3 * time.Minute

// OTPVerify generates the verify-a-phone-number interaction: send a
// one-time code, wait for the user to type it back, and check it. A
// mismatch loops back to the wait state; the executor reports the
// "verified" or "mismatch" event.
//
// Params: "timeout" (duration, default 3m), "phone_key" (context key
// holding the phone to verify, default "otp_phone").
func OTPVerify(cfg Config) (map[string]models.FlowState, error) {
	onVerified, err := cfg.Exit(OTPExitVerified)
	if err != nil {
		return nil, err
	}
	onFailed, err := cfg.Exit(OTPExitFailed)
	if err != nil {
		return nil, err
	}

	timeout := cfg.ParamDuration("timeout", DefaultOTPTimeout)
	phoneKey := cfg.Param("phone_key", "otp_phone")

	send := cfg.State("send")
	wait := cfg.State("wait")
	check := cfg.State("check")

	return map[string]models.FlowState{
		send: {
			Kind: models.StateKindAction,
			Actions: []models.ActionSpec{
				{Executor: "otp_send", Params: map[string]string{"phone_key": phoneKey}},
			},
			Transitions: map[string]string{
				models.EventError:   onFailed,
				models.EventDefault: wait,
			},
		},
		wait: {
			Kind:    models.StateKindWait,
			Prompt:  "Enter the 6-digit code we just sent you.",
			Timeout: timeout,
			Transitions: map[string]string{
				models.EventUserMessage: check,
				models.EventTimeout:     onFailed,
				models.EventDefault:     wait,
			},
		},
		check: {
			Kind: models.StateKindAction,
			Actions: []models.ActionSpec{
				{Executor: "otp_check", Params: map[string]string{"phone_key": phoneKey}},
			},
			Transitions: map[string]string{
				"verified":          onVerified,
				"mismatch":          wait,
				models.EventError:   onFailed,
				models.EventDefault: wait,
			},
		},
	}, nil
}
