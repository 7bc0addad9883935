package config

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSchemaRegistry_BuiltInSchemas(t *testing.T) {
	sr := NewSchemaRegistry()

	if diff := cmp.Diff([]string{"config", "policy"}, sr.ListSchemas()); diff != "" {
		t.Fatalf("schemas mismatch (-want +got):\n%s", diff)
	}

	for _, name := range sr.ListSchemas() {
		t.Run(name, func(t *testing.T) {
			schema, ok := sr.GetSchema(name)
			if !ok {
				t.Fatalf("built-in schema %s not found", name)
			}
			if schema.Err() != nil {
				t.Errorf("built-in schema %s has errors: %v", name, schema.Err())
			}
		})
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()

	if err := sr.RegisterSchema("custom", "#Custom: {field1: string, field2: int}"); err != nil {
		t.Fatalf("failed to register schema: %v", err)
	}
	if _, ok := sr.GetSchema("custom"); !ok {
		t.Fatal("expected to find custom schema")
	}

	if err := sr.RegisterSchema("other", "#Custom: {field1: string}"); err == nil {
		t.Error("expected error when the definition is missing")
	}
	if err := sr.RegisterSchema("broken", "#Broken: {"); err == nil {
		t.Error("expected compile error")
	}
}

func TestSchemaRegistry_ValidateAgainstSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	tests := []struct {
		name    string
		data    map[string]interface{}
		wantErr bool
	}{
		{
			name: "valid policy",
			data: map[string]interface{}{"name": "allow-users", "rego": "package site", "severity": "error"},
		},
		{
			name: "extra fields allowed",
			data: map[string]interface{}{"name": "p1", "rego": "package site", "created_at": "2024-01-01T00:00:00Z"},
		},
		{
			name:    "missing rego",
			data:    map[string]interface{}{"name": "p1"},
			wantErr: true,
		},
		{
			name:    "bad name",
			data:    map[string]interface{}{"name": "Bad Name", "rego": "package site"},
			wantErr: true,
		},
		{
			name:    "unknown severity",
			data:    map[string]interface{}{"name": "p1", "rego": "package site", "severity": "fatal"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sr.ValidateAgainstSchema(ctx, "policy", tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAgainstSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if err := sr.ValidateAgainstSchema(ctx, "missing", nil); err == nil {
		t.Error("expected error for unknown schema")
	}
}

func TestCUEParser_ValidatePolicyDocument(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	if err := parser.ValidatePolicyDocument(ctx, []byte(`{"name": "p1", "rego": "package site"}`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := parser.ValidatePolicyDocument(ctx, []byte(`{"rego": "package site"}`)); err == nil {
		t.Error("expected error for missing name")
	}
	if err := parser.ValidatePolicyDocument(ctx, []byte(`{`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDefinitionName(t *testing.T) {
	for in, want := range map[string]string{"config": "#Config", "policy": "#Policy", "": "#"} {
		if got := definitionName(in); got != want {
			t.Errorf("definitionName(%q) = %q, want %q", in, got, want)
		}
	}
}
