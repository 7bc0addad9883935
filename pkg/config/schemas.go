package config

import (
	"context"
	"fmt"
	"sort"
	"strings"
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
	return newSchemaRegistry(cuecontext.New())
}

func newSchemaRegistry(ctx *cue.Context) *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	// Built-ins are constants; a compile failure is a programming error.
	for name, src := range map[string]string{
		"config": builtinConfigSchema,
		"policy": builtinPolicySchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}

	return sr
}

// RegisterSchema compiles schema and registers the definition of the same
// name, e.g. "#Config" for "config".
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, definitionName(name))
	}

	sr.schemas[name] = def
	return nil
}

// definitionName maps "config" to "#Config".
func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
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

// ListSchemas returns all registered schema names, sorted.
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

// builtinConfigSchema carries the defaults of every tool setting.
const builtinConfigSchema = `
#Config: {
	remediate: bool | *false

	logDir:    string & !="" | *"/var/tmp/sshrescue"
	backupDir: string | *""

	homeGlob:      string & !="" | *"/home/*"
	excludedUsers: [...string] | *["ssm-user"]

	policies: {
		paths:       [...string] | *[]
		minSeverity: "info" | "warning" | "error" | "critical" | *"warning"
		disabled:    [...string] | *[]
	}

	store: {
		path: string & !="" | *"/var/tmp/sshrescue/history.db"
	}

	telemetry: {
		logLevel:        "debug" | "info" | "warn" | "error" | *"info"
		logFormat:       "json" | "console" | *"console"
		metricsAddr:     string | *""
		metricsTextfile: string | *""

		tracing: {
			exporter: "none" | "stdout" | "otlp" | *"none"
			endpoint: string | *"localhost:4317"
			sampling: number & >=0 & <=1 | *1.0
		}
	}
}
`

// builtinPolicySchema describes a JSON policy document.
const builtinPolicySchema = `
#Policy: {
	name:         string & =~"^[a-z0-9][a-z0-9_-]*$"
	description?: string
	rego:         string & !=""
	severity?:    "info" | "warning" | "error" | "critical"
	enabled:      bool | *true
	tags?: [...string]
	...
}
`
