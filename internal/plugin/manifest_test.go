package plugin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Valid(t *testing.T) {
	input := `version: "1"
plugin:
  name: diagnostics
  description: Host diagnostics
defaults:
  handler: run
  timeout_seconds: 45
  params:
    shell: /bin/sh
commands:
  - name: disk_usage
    params:
      cmd: df
    blocking: true
  - name: uptime
    handler: echo
    timeout_seconds: 5
    params:
      shell: /bin/bash
`

	m, err := ParseManifest(strings.NewReader(input))
	require.NoError(t, err)

	assert.Equal(t, "1", m.Version)
	assert.Equal(t, "diagnostics", m.Plugin.Name)
	require.Len(t, m.Commands, 2)

	// Defaults applied: handler and timeout inherited, params merged under
	// the command's own entries.
	disk := m.Commands[0]
	assert.Equal(t, "run", disk.Handler)
	assert.Equal(t, 45, disk.TimeoutSeconds)
	assert.True(t, disk.Blocking)
	assert.Equal(t, "df", disk.Params["cmd"])
	assert.Equal(t, "/bin/sh", disk.Params["shell"])

	// Explicit values win over defaults.
	uptime := m.Commands[1]
	assert.Equal(t, "echo", uptime.Handler)
	assert.Equal(t, 5, uptime.TimeoutSeconds)
	assert.False(t, uptime.Blocking)
	assert.Equal(t, "/bin/bash", uptime.Params["shell"])
}

func TestParseManifest_UnknownField(t *testing.T) {
	input := `version: "1"
plugin:
  name: diagnostics
commands:
  - name: disk_usage
    handler: run
    entrypoint: /usr/local/bin/df
`

	_, err := ParseManifest(strings.NewReader(input))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode manifest")
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	_, err := ParseManifest(strings.NewReader("commands: [unclosed"))
	require.Error(t, err)
}

func TestValidateManifest_Example(t *testing.T) {
	m, err := ParseManifestBytes([]byte(ExampleManifest()))
	require.NoError(t, err)
	require.NoError(t, ValidateManifest(m))
}

func TestValidateManifest_CollectsAllErrors(t *testing.T) {
	m := &Manifest{}

	err := ValidateManifest(m)
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Errors, 3)
	assert.Contains(t, err.Error(), "version is required")
	assert.Contains(t, err.Error(), "plugin.name is required")
	assert.Contains(t, err.Error(), "at least one command is required")
}

func TestValidateManifest_UnsupportedVersion(t *testing.T) {
	m := &Manifest{
		Version: "2",
		Plugin:  PluginConfig{Name: "p"},
		Commands: []CommandDef{
			{Name: "c", Handler: HandlerEcho},
		},
	}

	err := ValidateManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported version: 2")
}

func TestValidateManifest_DuplicateCommand(t *testing.T) {
	m := &Manifest{
		Version: "1",
		Plugin:  PluginConfig{Name: "p"},
		Commands: []CommandDef{
			{Name: "status", Handler: HandlerEcho},
			{Name: "status", Handler: HandlerPing},
		},
	}

	err := ValidateManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commands[1].name 'status' is duplicated")
}

func TestValidateManifest_UnknownHandler(t *testing.T) {
	m := &Manifest{
		Version: "1",
		Plugin:  PluginConfig{Name: "p"},
		Commands: []CommandDef{
			{Name: "nuke", Handler: "shell_exec"},
		},
	}

	err := ValidateManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commands[0].handler must be one of")
}

func TestValidateManifest_MissingHandler(t *testing.T) {
	m := &Manifest{
		Version: "1",
		Plugin:  PluginConfig{Name: "p"},
		Commands: []CommandDef{
			{Name: "status"},
		},
	}

	err := ValidateManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commands[0].handler is required")
}

func TestValidateManifest_NegativeTimeout(t *testing.T) {
	m := &Manifest{
		Version: "1",
		Plugin:  PluginConfig{Name: "p"},
		Commands: []CommandDef{
			{Name: "status", Handler: HandlerEcho, TimeoutSeconds: -1},
		},
	}

	err := ValidateManifest(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commands[0].timeout_seconds cannot be negative")
}

func TestValidationError_SingleError(t *testing.T) {
	err := &ValidationError{Errors: []string{"plugin.name is required"}}
	assert.Equal(t, "plugin.name is required", err.Error())
}

func TestValidationError_MultipleErrors(t *testing.T) {
	err := &ValidationError{Errors: []string{"first", "second"}}
	assert.Equal(t, "2 validation errors: first; second", err.Error())
}
