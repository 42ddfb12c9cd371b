package modregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aura-ai/aura/runtime/assistant/events"
	"github.com/aura-ai/aura/runtime/assistant/telemetry"
)

type (
	// Options configures a Registry. All fields are optional.
	Options struct {
		// Logger receives registration activity. Nil selects no-op.
		Logger telemetry.Logger
		// Events receives ModuleRegisteredEvents. Nil disables publishing.
		Events events.Publisher
	}

	// Registry is the concurrent module table. It is owned by the pipeline
	// coordinator; other components read through it.
	Registry struct {
		logger telemetry.Logger
		events events.Publisher

		mu      sync.RWMutex
		entries map[string]*entry
	}

	entry struct {
		module Module
		desc   Descriptor
		schema *jsonschema.Schema
	}
)

// New constructs an empty Registry.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Registry{
		logger:  logger,
		events:  opts.Events,
		entries: make(map[string]*entry),
	}
}

// Register adds a module under its descriptor. The module must implement
// exactly one of SyncModule or DeferredModule. A non-empty schema is compiled
// here and enforced by Validate on every payload.
func (r *Registry) Register(ctx context.Context, module Module, desc Descriptor, schema []byte) error {
	if module == nil {
		return errors.New("module is required")
	}
	if desc.ID == "" {
		desc.ID = module.ID()
	}
	if desc.ID == "" {
		return errors.New("module id is required")
	}
	if mid := module.ID(); mid != "" && mid != desc.ID {
		return fmt.Errorf("descriptor id %q does not match module id %q", desc.ID, mid)
	}
	_, isSync := module.(SyncModule)
	_, isDeferred := module.(DeferredModule)
	if isSync == isDeferred {
		return fmt.Errorf("%s: %w", desc.ID, ErrInvalidContract)
	}
	var compiled *jsonschema.Schema
	if len(schema) > 0 {
		var err error
		compiled, err = compileSchema(desc.ID, schema)
		if err != nil {
			return fmt.Errorf("compile schema for %s: %w", desc.ID, err)
		}
	}
	if desc.State == "" {
		desc.State = StateAvailable
	}
	desc.Capabilities = append([]string(nil), desc.Capabilities...)
	desc.Dependencies = append([]string(nil), desc.Dependencies...)
	desc.LastActive = time.Now()

	r.mu.Lock()
	if _, dup := r.entries[desc.ID]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%s: %w", desc.ID, ErrModuleRegistered)
	}
	r.entries[desc.ID] = &entry{module: module, desc: desc, schema: compiled}
	r.mu.Unlock()

	r.logger.Info(ctx, "module registered", "module_id", desc.ID, "capabilities", fmt.Sprintf("%v", desc.Capabilities))
	if r.events != nil {
		if err := r.events.Publish(ctx, events.NewModuleRegisteredEvent(desc.ID, desc.Capabilities)); err != nil {
			r.logger.Warn(ctx, "event publish failed", "module_id", desc.ID, "err", err.Error())
		}
	}
	return nil
}

// Unregister removes a module from the table.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	delete(r.entries, id)
	return nil
}

// Resolve returns the module and its descriptor snapshot.
func (r *Registry) Resolve(id string) (Module, Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, Descriptor{}, false
	}
	return e.module, cloneDescriptor(e.desc), true
}

// SetState updates a module's availability and bumps LastActive.
func (r *Registry) SetState(id string, st State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	e.desc.State = st
	e.desc.LastActive = time.Now()
	return nil
}

// ByCapability returns descriptor snapshots of every module declaring the
// capability, highest priority first (ties broken by id).
func (r *Registry) ByCapability(cap string) []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0)
	for _, e := range r.entries {
		if e.desc.HasCapability(cap) {
			out = append(out, cloneDescriptor(e.desc))
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns descriptor snapshots of every registered module, ordered
// by id.
func (r *Registry) Snapshot() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, cloneDescriptor(e.desc))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Modules returns the registered modules, ordered by id. Used by the engine
// to drive Init and Shutdown.
func (r *Registry) Modules() []Module {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Module, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.entries[id].module)
	}
	r.mu.RUnlock()
	return out
}

// Validate checks a payload against the module's registered schema. Modules
// without a schema accept any payload.
func (r *Registry) Validate(id string, payload map[string]any) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrModuleNotFound)
	}
	if e.schema == nil {
		return nil
	}
	// Normalize the payload to JSON value types before validation.
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", id, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode payload for %s: %w", id, err)
	}
	if err := e.schema.Validate(doc); err != nil {
		return fmt.Errorf("payload for %s: %w", id, err)
	}
	return nil
}

func compileSchema(id string, schema []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resource := id + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func cloneDescriptor(d Descriptor) Descriptor {
	out := d
	out.Capabilities = append([]string(nil), d.Capabilities...)
	out.Dependencies = append([]string(nil), d.Dependencies...)
	return out
}
