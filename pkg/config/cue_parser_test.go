package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/openfroyo/sshrescue/pkg/sshd"
)

func defaultConfig() *Config {
	return &Config{
		LogDir:        "/var/tmp/sshrescue",
		HomeGlob:      "/home/*",
		ExcludedUsers: []string{"ssm-user"},
		Policies: PolicyConfig{
			Paths:       []string{},
			MinSeverity: "warning",
			Disabled:    []string{},
		},
		Store: StoreConfig{Path: "/var/tmp/sshrescue/history.db"},
		Telemetry: TelemetryConfig{
			LogLevel:  "info",
			LogFormat: "console",
			Tracing: TracingConfig{
				Exporter: "none",
				Endpoint: "localhost:4317",
				Sampling: 1,
			},
		},
	}
}

func TestCUEParser_Defaults(t *testing.T) {
	if diff := cmp.Diff(defaultConfig(), NewCUEParser().Defaults(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("defaults mismatch (-want +got):\n%s", diff)
	}
}

func TestCUEParser_ParseInline(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()

	tests := []struct {
		name      string
		content   string
		wantErr   bool
		checkFunc func(*testing.T, *Config)
	}{
		{
			name:    "empty block uses defaults",
			content: `sshrescue: {}`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if diff := cmp.Diff(defaultConfig(), cfg, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("config mismatch (-want +got):\n%s", diff)
				}
			},
		},
		{
			name: "overrides",
			content: `
sshrescue: {
	remediate: true
	logDir: "/var/log/sshrescue"
	excludedUsers: ["ssm-user", "ec2-instance-connect"]
	policies: minSeverity: "error"
	telemetry: {
		logFormat: "json"
		metricsAddr: "localhost:9100"
		tracing: {
			exporter: "otlp"
			sampling: 0.25
		}
	}
}
`,
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Remediate {
					t.Error("expected remediate")
				}
				if cfg.EffectiveBackupDir() != "/var/log/sshrescue/backup" {
					t.Errorf("unexpected backup dir %s", cfg.EffectiveBackupDir())
				}
				if diff := cmp.Diff([]string{"ssm-user", "ec2-instance-connect"}, cfg.ExcludedUsers); diff != "" {
					t.Errorf("excluded users mismatch (-want +got):\n%s", diff)
				}
				if cfg.Policies.Severity() != "error" {
					t.Errorf("unexpected severity %s", cfg.Policies.Severity())
				}
				if cfg.Telemetry.Tracing.Sampling != 0.25 || cfg.Telemetry.Tracing.Exporter != "otlp" {
					t.Errorf("unexpected tracing %+v", cfg.Telemetry.Tracing)
				}
			},
		},
		{
			name:    "invalid CUE syntax",
			content: "sshrescue: {\n\tremediate: true\n\tinvalid syntax here\n}\n",
			wantErr: true,
		},
		{
			name:    "unknown field",
			content: `sshrescue: remediat: true`,
			wantErr: true,
		},
		{
			name:    "wrong type",
			content: `sshrescue: remediate: "yes"`,
			wantErr: true,
		},
		{
			name:    "severity outside enum",
			content: `sshrescue: policies: minSeverity: "fatal"`,
			wantErr: true,
		},
		{
			name:    "sampling out of range",
			content: `sshrescue: telemetry: tracing: sampling: 2`,
			wantErr: true,
		},
		{
			name:    "empty log dir",
			content: `sshrescue: logDir: ""`,
			wantErr: true,
		},
		{
			name:    "bad metrics address",
			content: `sshrescue: telemetry: metricsAddr: "not an address"`,
			wantErr: true,
		},
		{
			name:    "empty excluded user",
			content: `sshrescue: excludedUsers: [""]`,
			wantErr: true,
		},
		{
			name:    "missing block",
			content: `other: {}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := parser.ParseInline(ctx, tt.content)
			if err != nil {
				t.Fatalf("ParseInline() error = %v", err)
			}

			if tt.wantErr {
				if len(parsed.Errors) == 0 {
					t.Fatalf("expected validation errors, got config %+v", parsed.Config)
				}
				if parsed.Config != nil {
					t.Error("expected no config alongside errors")
				}
				return
			}

			if len(parsed.Errors) > 0 {
				t.Fatalf("unexpected errors: %v", parsed.Errors)
			}
			if tt.checkFunc != nil {
				tt.checkFunc(t, parsed.Config)
			}
		})
	}
}

func TestCUEParser_Load(t *testing.T) {
	parser := NewCUEParser()
	ctx := context.Background()
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		cfg, err := parser.Load(ctx, filepath.Join(dir, "absent.cue"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if diff := cmp.Diff(defaultConfig(), cfg, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("config mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(dir, "config.cue")
		content := "package sshrescue\n\nsshrescue: {\n\tremediate: true\n\tstore: path: \":memory:\"\n}\n"
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		cfg, err := parser.Load(ctx, path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if !cfg.Remediate || cfg.Store.Path != ":memory:" {
			t.Errorf("unexpected config %+v", cfg)
		}
	})

	t.Run("invalid file reports location", func(t *testing.T) {
		path := filepath.Join(dir, "bad.cue")
		if err := os.WriteFile(path, []byte("sshrescue: remediate: 1\n"), 0o644); err != nil {
			t.Fatalf("failed to write config: %v", err)
		}

		_, err := parser.Load(ctx, path)
		if err == nil {
			t.Fatal("expected error")
		}
		if !strings.Contains(err.Error(), "bad.cue") {
			t.Errorf("error %q does not name the file", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if _, err := parser.Load(cctx, filepath.Join(dir, "absent.cue")); err == nil {
			t.Error("expected error for cancelled context")
		}
	})
}

func TestConfig_ApplyTo(t *testing.T) {
	cfg := defaultConfig()
	cfg.Remediate = true
	cfg.LogDir = "/srv/rescue"
	cfg.BackupDir = "/srv/backups"
	cfg.HomeGlob = "/export/home/*"

	s := sshd.DefaultSettings()
	cfg.ApplyTo(s)

	if !s.Remediate || s.LogDir != "/srv/rescue" || s.BackupDir != "/srv/backups" || s.HomeGlob != "/export/home/*" {
		t.Errorf("settings not applied: %+v", s)
	}
	if s.NewKeyPath != "/srv/rescue/sshrescue_key" {
		t.Errorf("unexpected key path %s", s.NewKeyPath)
	}
	if cfg.LogFile() != "/srv/rescue/run/ssh.log" {
		t.Errorf("unexpected log file %s", cfg.LogFile())
	}

	cfg.ExcludedUsers[0] = "changed"
	if s.ExcludedUsers[0] != "ssm-user" {
		t.Error("settings share the excluded users slice")
	}
}

func TestCUEParser_ExportJSON(t *testing.T) {
	parser := NewCUEParser()
	data, err := parser.ExportJSON(parser.Defaults())
	if err != nil {
		t.Fatalf("ExportJSON() error = %v", err)
	}

	parsed, err := parser.ParseInline(context.Background(), string(data))
	if err != nil {
		t.Fatalf("ParseInline() error = %v", err)
	}
	if len(parsed.Errors) > 0 {
		t.Fatalf("exported config does not parse: %v", parsed.Errors)
	}
}

func TestValidationError_Error(t *testing.T) {
	tests := []struct {
		err  ValidationError
		want string
	}{
		{ValidationError{File: "c.cue", Line: 3, Column: 2, Message: "conflict"}, "c.cue:3:2: conflict"},
		{ValidationError{Path: "Config.LogDir", Message: "required"}, "Config.LogDir: required"},
		{ValidationError{Message: "plain"}, "plain"},
	}
	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}
