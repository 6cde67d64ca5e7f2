package control

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/blackcoderx/havoc/pkg/types"
)

// Registry holds the controls loaded for a run: global controls declared in
// the settings plus bookkeeping for controls declared in the document
// itself. It is safe for concurrent use.
type Registry struct {
	mu           sync.Mutex
	declarations []types.Control
	controls     []types.Control
	disabled     map[string]bool
	initialized  bool
}

// Default is the process-wide registry, for callers that expect one.
var Default = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{disabled: map[string]bool{}}
}

// Load reads the control declarations out of the settings mapping. It only
// stores them; Initialize resolves and configures them against a concrete
// experiment.
func (r *Registry) Load(settings types.Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.declarations = nil

	for name, raw := range settings.Controls() {
		entry, ok := raw.(map[string]any)
		if !ok {
			log.Warn().Str("control", name).
				Msg("ignoring malformed control declaration in settings")
			continue
		}
		decl := types.Control{"name": name}
		for k, v := range entry {
			decl[k] = v
		}
		r.declarations = append(r.declarations, decl)
	}
}

// Initialize configures every loaded declaration against the experiment. A
// control whose module cannot be resolved, or whose configure hook fails,
// is not registered and does not prevent the others from loading.
//
// A registry initializes at most once per run: calling Initialize again
// before Cleanup is a no-op, so a caller that configured the controls
// ahead of loading does not configure them a second time.
func (r *Registry) Initialize(ctx context.Context, experiment types.Experiment,
	configuration types.Configuration, secrets types.Secrets,
	settings types.Settings) {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = true
	declarations := make([]types.Control, len(r.declarations))
	copy(declarations, r.declarations)
	r.controls = nil
	r.mu.Unlock()

	payload := Payload{
		Experiment:    experiment,
		Configuration: configuration,
		Secrets:       secrets,
		Settings:      settings,
	}

	var registered []types.Control
	for _, decl := range declarations {
		if configureControl(ctx, decl, payload) {
			registered = append(registered, decl)
		}
	}

	r.mu.Lock()
	r.controls = registered
	r.mu.Unlock()
}

// InitializeDocumentControls configures the controls declared inside the
// experiment document. Controls failing their configuration are disabled
// for the rest of the run.
func (r *Registry) InitializeDocumentControls(ctx context.Context,
	experiment types.Experiment, configuration types.Configuration,
	secrets types.Secrets, settings types.Settings) {
	payload := Payload{
		Experiment:    experiment,
		Configuration: configuration,
		Secrets:       secrets,
		Settings:      settings,
	}

	r.mu.Lock()
	r.disabled = map[string]bool{}
	r.mu.Unlock()

	for _, decl := range experiment.Controls() {
		if !configureControl(ctx, decl, payload) {
			r.mu.Lock()
			r.disabled[decl.Name()] = true
			r.mu.Unlock()
		}
	}
}

// configureControl resolves the declaration's module and runs its
// configure hook if it has one. Reports whether the control is usable.
func configureControl(ctx context.Context, decl types.Control,
	payload Payload) bool {
	impl, ok := lookupModule(decl.Module())
	if !ok {
		log.Warn().Str("control", decl.Name()).Str("module", decl.Module()).
			Msg("could not resolve control module, skipping it")
		return false
	}
	configurable, ok := impl.(Configurable)
	if !ok {
		return true
	}
	if err := configurable.ConfigureControl(
		ctx, payload.Experiment, payload, decl.Arguments()); err != nil {
		log.Warn().Err(err).Str("control", decl.Name()).
			Msg("control failed its initialization, skipping it")
		return false
	}
	return true
}

// Controls returns the globally registered controls.
func (r *Registry) Controls() []types.Control {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.Control, len(r.controls))
	copy(out, r.controls)
	return out
}

// Disabled reports whether a document control was disabled at
// initialization.
func (r *Registry) Disabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled[name]
}

// Cleanup calls the cleanup hook of every registered control and empties
// the registry. Cleanup failures are logged and swallowed.
func (r *Registry) Cleanup(ctx context.Context) {
	r.mu.Lock()
	controls := r.controls
	r.controls = nil
	r.initialized = false
	r.mu.Unlock()

	for _, decl := range controls {
		cleanupControl(decl)
	}
}

// CleanupDocumentControls calls the cleanup hook of every control declared
// in the document.
func (r *Registry) CleanupDocumentControls(ctx context.Context,
	experiment types.Experiment) {
	for _, decl := range experiment.Controls() {
		if r.Disabled(decl.Name()) {
			continue
		}
		cleanupControl(decl)
	}
}

func cleanupControl(decl types.Control) {
	impl, ok := lookupModule(decl.Module())
	if !ok {
		return
	}
	cleanable, ok := impl.(Cleanable)
	if !ok {
		return
	}
	if err := cleanable.CleanupControl(); err != nil {
		log.Warn().Err(err).Str("control", decl.Name()).
			Msg("control failed to clean up")
	}
}
