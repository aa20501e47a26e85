package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// MetadataFile is the cookbook metadata file name.
const MetadataFile = "metadata.cue"

// MetadataError reports every problem found in a metadata document.
type MetadataError struct {
	Source string
	Errors []ValidationError
}

func (e *MetadataError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, ve := range e.Errors {
		msgs = append(msgs, ve.String())
	}
	return fmt.Sprintf("invalid cookbook metadata %s: %s", e.Source, strings.Join(msgs, "; "))
}

// CUEParser parses cookbook metadata written in CUE.
type CUEParser struct {
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	return &CUEParser{
		schemaRegistry: NewSchemaRegistry(),
		validator:      validator.New(),
	}
}

// ParseMetadataFile reads and parses a metadata.cue file.
func (cp *CUEParser) ParseMetadataFile(path string) (*Metadata, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return cp.ParseMetadata(path, content)
}

// ParseMetadata parses metadata content. source names the document in errors.
// The document is unified with the built-in #Metadata schema, decoded and
// checked against the struct validation tags.
func (cp *CUEParser) ParseMetadata(source string, content []byte) (*Metadata, error) {
	schema, ok := cp.schemaRegistry.GetSchema("metadata")
	if !ok {
		return nil, fmt.Errorf("metadata schema not registered")
	}

	// Values must share a cue.Context to unify.
	val := cp.schemaRegistry.ctx.CompileBytes(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, &MetadataError{Source: source, Errors: cp.convertCUEErrors(err)}
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, &MetadataError{Source: source, Errors: cp.convertCUEErrors(err)}
	}

	var md Metadata
	if err := unified.Decode(&md); err != nil {
		return nil, fmt.Errorf("failed to decode metadata %s: %w", source, err)
	}
	for key, opt := range md.Config {
		opt.Default = Normalize(opt.Default)
		md.Config[key] = opt
	}

	if err := cp.validator.Struct(md); err != nil {
		return nil, fmt.Errorf("metadata %s validation failed: %w", source, err)
	}

	return &md, nil
}

// ValidateMetadata checks metadata built in Go against the struct tags.
func (cp *CUEParser) ValidateMetadata(md *Metadata) error {
	if md == nil {
		return nil
	}
	return cp.validator.Struct(md)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// convertCUEErrors converts CUE errors to a ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		})
	}

	return validationErrors
}
