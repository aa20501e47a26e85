package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}

	// Built-in schemas are constants; a compile failure is a programming error.
	if err := sr.RegisterSchema("metadata", builtinMetadataSchema, "#Metadata"); err != nil {
		panic(err)
	}
	if err := sr.RegisterSchema("resource", builtinResourceSchema, "#Resource"); err != nil {
		panic(err)
	}

	return sr
}

// RegisterSchema compiles schema and registers the definition def under name.
// An empty def registers the whole compiled value.
func (sr *SchemaRegistry) RegisterSchema(name, schema, def string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	if def != "" {
		val = val.LookupPath(cue.ParsePath(def))
		if !val.Exists() {
			return fmt.Errorf("schema %s has no definition %s", name, def)
		}
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names in lexical order.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Built-in schema definitions

const builtinMetadataSchema = `
// Cookbook metadata (metadata.cue)
#Metadata: {
	description?: string
	version?:     string

	// Configuration keys with optional defaults, keyed by dotted path.
	config?: [string]: {
		default?:     _
		description?: string
	}

	// Per-recipe parameter metadata.
	recipes?: [string]: [string]: {
		mandatory:    bool | *false
		description?: string
	}

	// Library function called with the kitchen before recipes are sourced.
	loader?: string & =~"^[A-Za-z_][A-Za-z0-9_]*$"

	// WASM providers shipped with the cookbook, keyed by resource type.
	providers?: [string]: {
		name:   string & !=""
		module: string & =~"\\.wasm$"
		capabilities?: [...("fs:read" | "fs:write" | "exec")]
	}
}
`

const builtinResourceSchema = `
#Notification: {
	action:   string & !=""
	resource: string & =~"^[A-Za-z0-9_.]+\\[.+\\]$"
}

#Guard: {
	kind:     "shell" | "callable"
	command?: string
}

// A serialized resource declaration.
#Resource: {
	type: string & =~"^[A-Za-z][A-Za-z0-9_.]*$"
	name: string & !=""
	actions: [...string] & [_, ...]
	provider?: string
	attributes?: {...}
	not_if?:  #Guard
	only_if?: #Guard
	subscriptions?: {
		immediate?: [...#Notification]
		delayed?:   [...#Notification]
	}
	updated?: bool
}
`
