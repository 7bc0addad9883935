package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// DefaultPath is where the tool looks for its configuration.
const DefaultPath = "/etc/sshrescue/config.cue"

// rootField is the top-level CUE field holding the tool configuration.
const rootField = "sshrescue"

// CUEParser parses and validates CUE configuration files.
type CUEParser struct {
	ctx            *cue.Context
	schemaRegistry *SchemaRegistry
	validator      *validator.Validate
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	return &CUEParser{
		ctx:            ctx,
		schemaRegistry: newSchemaRegistry(ctx),
		validator:      validator.New(),
	}
}

// Load parses the configuration at path. A missing file yields the schema
// defaults; any parse or validation error is returned.
func (cp *CUEParser) Load(ctx context.Context, path string) (*Config, error) {
	parsed, err := cp.Parse(ctx, path)
	if err != nil {
		return nil, err
	}
	if len(parsed.Errors) > 0 {
		errs := make([]error, len(parsed.Errors))
		for i, e := range parsed.Errors {
			errs[i] = e
		}
		return nil, fmt.Errorf("invalid configuration %s: %w", path, errors.Join(errs...))
	}
	return parsed.Config, nil
}

// Parse parses the configuration at path. Validation problems are reported
// in ParsedConfig.Errors; the returned error covers I/O failures only.
func (cp *CUEParser) Parse(ctx context.Context, path string) (*ParsedConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cp.build(cp.ctx.CompileString("{}"), "", false), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	val := cp.ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			Source:   path,
			ParsedAt: time.Now(),
			Errors:   cp.convertCUEErrors(err),
		}, nil
	}

	return cp.build(val.LookupPath(cue.ParsePath(rootField)), path, true), nil
}

// ParseInline parses inline CUE content holding an sshrescue block.
func (cp *CUEParser) ParseInline(ctx context.Context, content string) (*ParsedConfig, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	val := cp.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		return &ParsedConfig{
			Source:   "inline",
			ParsedAt: time.Now(),
			Errors:   cp.convertCUEErrors(err),
		}, nil
	}

	return cp.build(val.LookupPath(cue.ParsePath(rootField)), "inline", true), nil
}

// Defaults returns the configuration used when no file exists.
func (cp *CUEParser) Defaults() *Config {
	return cp.build(cp.ctx.CompileString("{}"), "", false).Config
}

// build unifies val with the config schema, then decodes and validates
// the result.
func (cp *CUEParser) build(val cue.Value, source string, required bool) *ParsedConfig {
	parsed := &ParsedConfig{
		Source:   source,
		ParsedAt: time.Now(),
	}

	if required && !val.Exists() {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:    source,
			Path:    rootField,
			Message: "missing " + rootField + " block",
		})
		return parsed
	}

	schema, _ := cp.schemaRegistry.GetSchema("config")
	unified := schema.Unify(val)
	if err := unified.Validate(cue.Final(), cue.Concrete(true)); err != nil {
		parsed.Errors = append(parsed.Errors, cp.convertCUEErrors(err)...)
		return parsed
	}

	var cfg Config
	if err := unified.Decode(&cfg); err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{
			File:    source,
			Path:    rootField,
			Message: fmt.Sprintf("failed to decode: %v", err),
		})
		return parsed
	}

	if err := cp.validator.Struct(&cfg); err != nil {
		parsed.Errors = append(parsed.Errors, convertValidatorErrors(err)...)
		return parsed
	}

	parsed.Config = &cfg
	return parsed
}

// ValidatePolicyDocument checks a JSON policy file against the policy schema.
func (cp *CUEParser) ValidatePolicyDocument(ctx context.Context, data []byte) error {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	return cp.schemaRegistry.ValidateAgainstSchema(ctx, "policy", doc)
}

// GetSchemaRegistry returns the schema registry.
func (cp *CUEParser) GetSchemaRegistry() *SchemaRegistry {
	return cp.schemaRegistry
}

// ExportJSON renders cfg in the file's field names.
func (cp *CUEParser) ExportJSON(cfg *Config) ([]byte, error) {
	return json.MarshalIndent(map[string]*Config{rootField: cfg}, "", "  ")
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func (cp *CUEParser) convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range cueerrors.Errors(err) {
		var file string
		var line, column int
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(e.Path(), "."),
			Message: cueerrors.Details(e, nil),
		})
	}

	return validationErrors
}

func convertValidatorErrors(err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("failed %q validation", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q validation (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: msg,
		})
	}
	return out
}
