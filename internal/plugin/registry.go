// Package plugin loads the broker's command catalogue from declarative YAML
// manifests and rebuilds it on demand.
package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/switchboard/switchboard/internal/protocol"
)

// Registry holds the command catalogue keyed by command name. Reload rebuilds
// the whole table from the manifest directory and swaps it in atomically;
// readers always see a complete catalogue, never a partially loaded one.
type Registry struct {
	dir    string
	logger *slog.Logger

	mu       sync.RWMutex
	commands map[string]protocol.CommandSpec
	loadedAt time.Time
}

// NewRegistry creates a registry over the given manifest directory. The
// catalogue starts empty; call Reload to populate it.
func NewRegistry(dir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		dir:      dir,
		logger:   logger.With("component", "plugin-registry"),
		commands: make(map[string]protocol.CommandSpec),
	}
}

// ReloadResult contains the results of one reload pass over the manifest
// directory.
type ReloadResult struct {
	ManifestsLoaded int
	ManifestsFailed int
	Commands        []string
	Errors          []string
	ReloadedAt      time.Time
}

// Reload rescans the manifest directory and replaces the catalogue. A single
// manifest that fails to load is logged and skipped; the remaining manifests
// still load. Reload returns an error only when the directory itself cannot
// be read, in which case the previous catalogue is kept.
func (r *Registry) Reload() (*ReloadResult, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin directory: %w", err)
	}

	result := &ReloadResult{ReloadedAt: time.Now().UTC()}
	next := make(map[string]protocol.CommandSpec)

	for _, entry := range entries {
		if entry.IsDir() || !isManifestFile(entry.Name()) {
			continue
		}

		path := filepath.Join(r.dir, entry.Name())

		specs, err := loadManifest(path, result.ReloadedAt, next)
		if err != nil {
			r.logger.Warn("skipping plugin manifest", "path", path, "error", err)
			result.ManifestsFailed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.Name(), err))
			continue
		}

		for _, spec := range specs {
			next[spec.Name] = spec
			result.Commands = append(result.Commands, spec.Name)
		}
		result.ManifestsLoaded++
	}

	sort.Strings(result.Commands)

	r.mu.Lock()
	r.commands = next
	r.loadedAt = result.ReloadedAt
	r.mu.Unlock()

	r.logger.Info("plugin catalogue reloaded",
		"manifests", result.ManifestsLoaded,
		"failed", result.ManifestsFailed,
		"commands", len(result.Commands),
	)

	return result, nil
}

// Commands returns a snapshot of the catalogue sorted by command name.
func (r *Registry) Commands() []protocol.CommandSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]protocol.CommandSpec, 0, len(r.commands))
	for _, spec := range r.commands {
		specs = append(specs, spec)
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })

	return specs
}

// CommandNames returns the sorted names of all registered commands.
func (r *Registry) CommandNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Lookup returns the spec registered under the given command name.
func (r *Registry) Lookup(name string) (protocol.CommandSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.commands[name]
	return spec, ok
}

// Len returns the number of registered commands.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.commands)
}

// LoadedAt returns when the catalogue was last rebuilt.
func (r *Registry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.loadedAt
}

// loadManifest reads, parses, and validates one manifest file and converts
// its commands into catalogue entries. A command name already claimed by an
// earlier manifest fails the whole file.
func loadManifest(path string, loadedAt time.Time, existing map[string]protocol.CommandSpec) ([]protocol.CommandSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrPluginLoad, err)
	}

	manifest, err := ParseManifestBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrPluginLoad, err)
	}

	if err := ValidateManifest(manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrPluginLoad, err)
	}

	specs := make([]protocol.CommandSpec, 0, len(manifest.Commands))
	for _, cmd := range manifest.Commands {
		if prior, ok := existing[cmd.Name]; ok {
			return nil, fmt.Errorf("%w: command '%s' already registered by %s", protocol.ErrPluginLoad, cmd.Name, prior.Source)
		}
		specs = append(specs, specFromCommand(path, loadedAt, cmd))
	}

	return specs, nil
}

// specFromCommand converts a manifest command definition to a catalogue entry.
func specFromCommand(source string, loadedAt time.Time, cmd CommandDef) protocol.CommandSpec {
	return protocol.CommandSpec{
		Name:           cmd.Name,
		Description:    cmd.Description,
		Handler:        cmd.Handler,
		Params:         cmd.Params,
		Blocking:       cmd.Blocking,
		TimeoutSeconds: cmd.TimeoutSeconds,
		Source:         source,
		LoadedAt:       loadedAt,
	}
}

// isManifestFile reports whether the file name looks like a plugin manifest.
func isManifestFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}
