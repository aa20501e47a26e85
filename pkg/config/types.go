package config

import "strconv"

// Metadata describes a cookbook: its configuration defaults, the parameters
// each recipe expects, an optional post-load hook and the WASM providers it
// ships.
type Metadata struct {
	// Description is a free-form summary of the cookbook.
	Description string `json:"description,omitempty"`

	// Version is the cookbook version string.
	Version string `json:"version,omitempty"`

	// Config declares configuration keys and their defaults, keyed by dotted path.
	Config map[string]ConfigOption `json:"config,omitempty" validate:"dive"`

	// Recipes maps a recipe name to the parameters it reads, keyed by dotted path.
	Recipes map[string]map[string]Parameter `json:"recipes,omitempty"`

	// Loader names a library function invoked with the kitchen before any
	// recipe of this cookbook is sourced.
	Loader string `json:"loader,omitempty"`

	// Providers maps a resource type to a WASM provider module.
	Providers map[string]ProviderDecl `json:"providers,omitempty" validate:"dive"`
}

// ConfigOption is a single declared configuration key.
type ConfigOption struct {
	// Default is merged into the config tree without overwriting existing values.
	Default any `json:"default,omitempty"`

	// Description documents the key.
	Description string `json:"description,omitempty"`
}

// Parameter describes a config key read by a recipe.
type Parameter struct {
	// Mandatory parameters must resolve before convergence starts.
	Mandatory bool `json:"mandatory"`

	// Description documents the parameter.
	Description string `json:"description,omitempty"`
}

// ProviderDecl binds a resource type to a WASM provider shipped with the cookbook.
type ProviderDecl struct {
	// Name is the provider name registered for the resource type.
	Name string `json:"name" validate:"required"`

	// Module is the .wasm path relative to the cookbook directory.
	Module string `json:"module" validate:"required"`

	// Capabilities are the host functions the module may use: fs:read,
	// fs:write and exec.
	Capabilities []string `json:"capabilities,omitempty" validate:"dive,oneof=fs:read fs:write exec"`
}

// Defaults returns the declared defaults keyed by dotted path. Keys without a
// default are skipped.
func (m *Metadata) Defaults() map[string]any {
	out := make(map[string]any, len(m.Config))
	for key, opt := range m.Config {
		if opt.Default == nil {
			continue
		}
		out[key] = opt.Default
	}
	return out
}

// MandatoryParameters returns the mandatory parameter paths for recipe.
func (m *Metadata) MandatoryParameters(recipe string) []string {
	var out []string
	for name, p := range m.Recipes[recipe] {
		if p.Mandatory {
			out = append(out, name)
		}
	}
	return out
}

// ValidationError is a single metadata problem with its source position.
type ValidationError struct {
	// File is the source file, if known.
	File string `json:"file,omitempty"`

	// Line is the 1-based line number, if known.
	Line int `json:"line,omitempty"`

	// Column is the 1-based column number, if known.
	Column int `json:"column,omitempty"`

	// Path is the CUE path of the offending value.
	Path string `json:"path,omitempty"`

	// Message describes the problem.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	if e.File != "" && e.Line > 0 {
		return e.File + ":" + strconv.Itoa(e.Line) + ": " + e.Message
	}
	if e.Path != "" {
		return e.Path + ": " + e.Message
	}
	return e.Message
}
