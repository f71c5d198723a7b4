// Package skill provides reusable, parameterized generators of flow
// state bundles.
//
// A skill is a pure function from a Config to a map of flow states. The
// config's prefix namespaces every generated state name so the same
// skill can be embedded multiple times in one flow or reused across
// unrelated flows. Generated states reference the embedding flow's
// target states only through the named exit points passed in via
// config; skills never reference concrete flow ids.
package skill

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

// Config parameterizes one embedding of a skill into a flow.
type Config struct {
	// Prefix disambiguates generated state names, e.g. "food_payment".
	Prefix string
	// Exits maps the skill's named exit points (onSuccess, onCancelled,
	// ...) to state names in the embedding flow.
	Exits map[string]string
	// Params carries skill-specific settings (timeouts, context keys).
	Params map[string]string
}

// Exit resolves a named exit point. Missing exits are a generation-time
// error surfaced by the generator.
func (c Config) Exit(name string) (string, error) {
	target, ok := c.Exits[name]
	if !ok || target == "" {
		return "", fmt.Errorf("skill exit %q not wired", name)
	}
	return target, nil
}

// Param returns a skill parameter or the given default.
func (c Config) Param(key, def string) string {
	if v, ok := c.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// ParamDuration returns a duration parameter or the given default.
func (c Config) ParamDuration(key string, def time.Duration) time.Duration {
	v, ok := c.Params[key]
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Skill duration param invalid, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// State builds the namespaced name for a state generated under this config.
func (c Config) State(name string) string {
	return c.Prefix + "_" + name
}

// Generator produces a bundle of flow states for one embedding.
type Generator func(cfg Config) (map[string]models.FlowState, error)

var registry = make(map[string]Generator)

// Register associates a skill name with a Generator implementation.
func Register(name string, gen Generator) {
	registry[name] = gen
}

// Get retrieves the Generator for a skill name.
func Get(name string) (Generator, bool) {
	gen, ok := registry[name]
	return gen, ok
}

// Names returns the registered skill names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// Generate finds and runs the named skill's generator.
func Generate(name string, cfg Config) (map[string]models.FlowState, error) {
	gen, ok := Get(name)
	if !ok {
		return nil, fmt.Errorf("no skill registered with name %s", name)
	}
	if cfg.Prefix == "" {
		return nil, fmt.Errorf("skill %s requires a non-empty prefix", name)
	}
	states, err := gen(cfg)
	if err != nil {
		slog.Error("Skill generation failed", "skill", name, "prefix", cfg.Prefix, "error", err)
		return nil, fmt.Errorf("skill %s: %w", name, err)
	}
	if err := checkNamespace(name, cfg, states); err != nil {
		return nil, err
	}
	slog.Debug("Skill generated", "skill", name, "prefix", cfg.Prefix, "states", len(states))
	return states, nil
}

// checkNamespace enforces that every generated state lives under the
// config prefix and every internal transition stays inside the prefix
// namespace except the explicit exit points.
func checkNamespace(name string, cfg Config, states map[string]models.FlowState) error {
	exits := make(map[string]bool, len(cfg.Exits))
	for _, target := range cfg.Exits {
		exits[target] = true
	}
	for stateName, st := range states {
		if !strings.HasPrefix(stateName, cfg.Prefix+"_") {
			return fmt.Errorf("skill %s generated state %q outside prefix %q", name, stateName, cfg.Prefix)
		}
		for event, target := range st.Transitions {
			if _, internal := states[target]; internal {
				continue
			}
			if !exits[target] {
				return fmt.Errorf("skill %s state %q transition %q targets %q, which is neither internal nor a configured exit", name, stateName, event, target)
			}
		}
	}
	return nil
}

// Merge unions skill-generated state bundles into a flow's state map.
// A name collision across bundles is a load-time error.
func Merge(dst map[string]models.FlowState, bundles ...map[string]models.FlowState) error {
	for _, bundle := range bundles {
		for name, st := range bundle {
			if _, exists := dst[name]; exists {
				return fmt.Errorf("%w: state %q already defined", models.ErrFlowValidation, name)
			}
			dst[name] = st
		}
	}
	return nil
}

// Register built-in skills.
func init() {
	Register("payment_gateway", PaymentGateway)
	Register("collect_address", CollectAddress)
	Register("otp_verify", OTPVerify)
}
