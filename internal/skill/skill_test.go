package skill

import (
	"strings"
	"testing"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

func paymentConfig(prefix string) Config {
	return Config{
		Prefix: prefix,
		Exits: map[string]string{
			PaymentExitSuccess:   "confirm_order",
			PaymentExitCancelled: "cancelled",
		},
	}
}

func TestPaymentGatewayGenerates(t *testing.T) {
	states, err := Generate("payment_gateway", paymentConfig("food_payment"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pending, ok := states["food_payment_pending"]
	if !ok {
		t.Fatal("pending state not generated under prefix")
	}
	if pending.Kind != models.StateKindWait {
		t.Errorf("pending state kind = %s, want wait", pending.Kind)
	}
	if pending.Timeout != DefaultPaymentTimeout {
		t.Errorf("pending timeout = %v, want %v", pending.Timeout, DefaultPaymentTimeout)
	}
	if pending.Transitions[EventPaymentSuccess] != "confirm_order" {
		t.Errorf("success signal should exit to confirm_order, got %q", pending.Transitions[EventPaymentSuccess])
	}
	if pending.Transitions[models.EventTimeout] != "food_payment_retry" {
		t.Errorf("timeout should land on the retry sub-state, got %q", pending.Transitions[models.EventTimeout])
	}
}

func TestPaymentGatewayTimeoutParam(t *testing.T) {
	cfg := paymentConfig("p")
	cfg.Params = map[string]string{"timeout": "90s"}
	states, err := Generate("payment_gateway", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := states["p_pending"].Timeout; got != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", got)
	}
}

func TestPaymentGatewayMissingExit(t *testing.T) {
	cfg := Config{Prefix: "p", Exits: map[string]string{PaymentExitSuccess: "done"}}
	if _, err := Generate("payment_gateway", cfg); err == nil {
		t.Error("expected error for unwired onCancelled exit")
	}
}

func TestNamespaceIsolationAcrossEmbeddings(t *testing.T) {
	// Two flows embedding the same skill with different prefixes must not
	// produce any colliding state name.
	a, err := Generate("payment_gateway", paymentConfig("show_food_payment"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := Generate("payment_gateway", paymentConfig("show_parcel_payment"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for name := range a {
		if _, clash := b[name]; clash {
			t.Errorf("state name %q generated under both prefixes", name)
		}
	}
}

func TestMergeDetectsCollision(t *testing.T) {
	a, _ := Generate("collect_address", Config{
		Prefix: "addr",
		Exits:  map[string]string{AddressExitSuccess: "s", AddressExitCancelled: "c"},
	})
	dst := make(map[string]models.FlowState)
	if err := Merge(dst, a); err != nil {
		t.Fatalf("first merge failed: %v", err)
	}
	if err := Merge(dst, a); err == nil {
		t.Error("expected collision error when merging the same prefix twice")
	}
}

func TestGeneratedTransitionsStayInNamespace(t *testing.T) {
	for _, name := range []string{"payment_gateway", "collect_address", "otp_verify"} {
		cfg := Config{
			Prefix: "x",
			Exits: map[string]string{
				PaymentExitSuccess: "ok", PaymentExitCancelled: "no",
				OTPExitVerified: "ok", OTPExitFailed: "no",
			},
		}
		states, err := Generate(name, cfg)
		if err != nil {
			t.Fatalf("skill %s: %v", name, err)
		}
		for stateName, st := range states {
			if !strings.HasPrefix(stateName, "x_") {
				t.Errorf("skill %s leaked state %q outside prefix", name, stateName)
			}
			for event, target := range st.Transitions {
				if _, internal := states[target]; internal {
					continue
				}
				if target != "ok" && target != "no" {
					t.Errorf("skill %s state %q event %q targets %q outside exits", name, stateName, event, target)
				}
			}
		}
	}
}

func TestUnknownSkill(t *testing.T) {
	if _, err := Generate("no_such_skill", Config{Prefix: "p"}); err == nil {
		t.Error("expected error for unregistered skill")
	}
}
