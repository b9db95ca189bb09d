package plugin

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Built-in handler names a manifest command may bind to. The matching
// implementations are compiled into the agent binary; a manifest can remap
// names, defaults, and timeouts but cannot introduce new executable code.
const (
	HandlerEcho       = "echo"
	HandlerPing       = "ping"
	HandlerSleep      = "sleep"
	HandlerRun        = "run"
	HandlerSystemInfo = "system_info"
	HandlerHTTPProbe  = "http_probe"
)

// Manifest represents one plugin manifest file in the plugin directory.
type Manifest struct {
	Version  string        `yaml:"version"`
	Plugin   PluginConfig  `yaml:"plugin"`
	Defaults DefaultConfig `yaml:"defaults,omitempty"`
	Commands []CommandDef  `yaml:"commands"`
}

// PluginConfig contains plugin-level metadata.
type PluginConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Author      string `yaml:"author,omitempty"`
}

// DefaultConfig contains default values applied to all commands in the
// manifest.
type DefaultConfig struct {
	Handler        string                 `yaml:"handler,omitempty"`
	TimeoutSeconds int                    `yaml:"timeout_seconds,omitempty"`
	Params         map[string]interface{} `yaml:"params,omitempty"`
}

// CommandDef defines a single command exposed by the plugin.
type CommandDef struct {
	Name           string                 `yaml:"name"`
	Description    string                 `yaml:"description,omitempty"`
	Handler        string                 `yaml:"handler,omitempty"`
	Params         map[string]interface{} `yaml:"params,omitempty"`
	Blocking       bool                   `yaml:"blocking,omitempty"`
	TimeoutSeconds int                    `yaml:"timeout_seconds,omitempty"`
}

// ParseManifest parses a plugin manifest from a reader.
func ParseManifest(r io.Reader) (*Manifest, error) {
	var manifest Manifest

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true) // Error on unknown fields

	if err := decoder.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	// Apply defaults to commands
	applyDefaults(&manifest)

	return &manifest, nil
}

// ParseManifestBytes parses a manifest from bytes.
func ParseManifestBytes(data []byte) (*Manifest, error) {
	return ParseManifest(strings.NewReader(string(data)))
}

// ValidateManifest validates a parsed manifest.
func ValidateManifest(m *Manifest) error {
	var errors []string

	// Validate version
	if m.Version == "" {
		errors = append(errors, "version is required")
	} else if !isValidVersion(m.Version) {
		errors = append(errors, fmt.Sprintf("unsupported version: %s (supported: 1, 1.0)", m.Version))
	}

	// Validate plugin metadata
	if m.Plugin.Name == "" {
		errors = append(errors, "plugin.name is required")
	}

	// Validate commands
	if len(m.Commands) == 0 {
		errors = append(errors, "at least one command is required")
	}

	commandNames := make(map[string]bool)
	for i, cmd := range m.Commands {
		prefix := fmt.Sprintf("commands[%d]", i)

		if cmd.Name == "" {
			errors = append(errors, fmt.Sprintf("%s.name is required", prefix))
		} else if commandNames[cmd.Name] {
			errors = append(errors, fmt.Sprintf("%s.name '%s' is duplicated", prefix, cmd.Name))
		}
		commandNames[cmd.Name] = true

		if cmd.Handler == "" {
			errors = append(errors, fmt.Sprintf("%s.handler is required", prefix))
		} else if !isValidHandler(cmd.Handler) {
			errors = append(errors, fmt.Sprintf("%s.handler must be one of: echo, ping, sleep, run, system_info, http_probe; got '%s'", prefix, cmd.Handler))
		}

		if cmd.TimeoutSeconds < 0 {
			errors = append(errors, fmt.Sprintf("%s.timeout_seconds cannot be negative", prefix))
		}
	}

	if len(errors) > 0 {
		return &ValidationError{Errors: errors}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0]
	}
	return fmt.Sprintf("%d validation errors: %s", len(e.Errors), strings.Join(e.Errors, "; "))
}

// applyDefaults applies the manifest's defaults block to command definitions.
func applyDefaults(m *Manifest) {
	for i := range m.Commands {
		cmd := &m.Commands[i]

		// Apply handler default
		if cmd.Handler == "" && m.Defaults.Handler != "" {
			cmd.Handler = m.Defaults.Handler
		}

		// Apply timeout default; zero falls through to the agent default
		if cmd.TimeoutSeconds == 0 && m.Defaults.TimeoutSeconds > 0 {
			cmd.TimeoutSeconds = m.Defaults.TimeoutSeconds
		}

		// Merge default params (command overrides defaults)
		if len(m.Defaults.Params) > 0 {
			if cmd.Params == nil {
				cmd.Params = make(map[string]interface{})
			}
			for k, v := range m.Defaults.Params {
				if _, exists := cmd.Params[k]; !exists {
					cmd.Params[k] = v
				}
			}
		}
	}
}

// isValidVersion checks if the manifest version is supported.
func isValidVersion(v string) bool {
	switch v {
	case "1", "1.0":
		return true
	default:
		return false
	}
}

// isValidHandler checks if the handler names a built-in implementation.
func isValidHandler(h string) bool {
	switch h {
	case HandlerEcho, HandlerPing, HandlerSleep, HandlerRun, HandlerSystemInfo, HandlerHTTPProbe:
		return true
	default:
		return false
	}
}

// ExampleManifest returns an example manifest for documentation.
func ExampleManifest() string {
	return `version: "1"

plugin:
  name: diagnostics
  description: Host diagnostics and probes
  author: ops-team

defaults:
  timeout_seconds: 60

commands:
  - name: disk_usage
    description: Report filesystem usage
    handler: run
    params:
      command: df
      args: ["-h"]
    blocking: true
    timeout_seconds: 30

  - name: check_api
    description: Probe the local API health endpoint
    handler: http_probe
    params:
      url: http://localhost:8080/healthz
      expect_status: 200

  - name: pause
    description: Sleep for a configurable duration
    handler: sleep
    params:
      duration: 5
    blocking: true
`
}
