package flows

import (
	"embed"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skyagarwal/mangwale-core/internal/models"
)

//go:embed defs/*.yaml
var builtinDefs embed.FS

// Registry holds the loaded, immutable flow definitions and the
// trigger-intent index the router resolves intents against. Definitions
// are loaded once at startup or refresh and never mutated at runtime.
type Registry struct {
	mu       sync.RWMutex
	flows    map[string]*models.FlowDefinition
	byIntent map[string][]*models.FlowDefinition // sorted by priority desc, then id
}

// NewRegistry creates an empty flow registry.
func NewRegistry() *Registry {
	return &Registry{
		flows:    make(map[string]*models.FlowDefinition),
		byIntent: make(map[string][]*models.FlowDefinition),
	}
}

// Register validates a definition and adds it to the registry and the
// trigger-intent index. A validation failure prevents registration but
// must not crash the process; callers log and continue.
func (r *Registry) Register(def *models.FlowDefinition, check ExecutorChecker) error {
	if err := Validate(def, check); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.flows[def.ID]; exists {
		return fmt.Errorf("%w: flow %s already registered", models.ErrFlowValidation, def.ID)
	}
	r.flows[def.ID] = def
	for _, intent := range def.TriggerIntents {
		list := append(r.byIntent[intent], def)
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Priority != list[j].Priority {
				return list[i].Priority > list[j].Priority
			}
			return list[i].ID < list[j].ID
		})
		r.byIntent[intent] = list
	}

	slog.Info("Flow registered", "flow", def.ID, "version", def.Version, "states", len(def.States), "triggers", def.TriggerIntents)
	return nil
}

// Get retrieves a flow definition by id.
func (r *Registry) Get(id string) (*models.FlowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.flows[id]
	return def, ok
}

// LookupIntent resolves an intent against the trigger index, returning
// the first enabled flow in priority order.
func (r *Registry) LookupIntent(intent string) (*models.FlowDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, def := range r.byIntent[intent] {
		if def.Enabled {
			return def, true
		}
	}
	return nil, false
}

// IDs returns the registered flow ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.flows))
	for id := range r.flows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadBuiltin parses and registers the flow definitions shipped with the
// binary. A definition that fails validation is logged and skipped; the
// rest still register.
func LoadBuiltin(reg *Registry, check ExecutorChecker) error {
	entries, err := builtinDefs.ReadDir("defs")
	if err != nil {
		return fmt.Errorf("failed to read builtin flow definitions: %w", err)
	}

	var loaded int
	for _, entry := range entries {
		data, err := builtinDefs.ReadFile("defs/" + entry.Name())
		if err != nil {
			return fmt.Errorf("failed to read flow definition %s: %w", entry.Name(), err)
		}
		def, err := Parse(data)
		if err != nil {
			slog.Error("Builtin flow definition failed to parse, skipping", "file", entry.Name(), "error", err)
			continue
		}
		if err := reg.Register(def, check); err != nil {
			slog.Error("Builtin flow definition failed validation, skipping", "file", entry.Name(), "flow", def.ID, "error", err)
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("%w: no builtin flow registered", models.ErrFlowValidation)
	}
	slog.Info("Builtin flows loaded", "count", loaded)
	return nil
}
