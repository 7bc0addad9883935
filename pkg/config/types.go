package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/openfroyo/sshrescue/pkg/policy"
	"github.com/openfroyo/sshrescue/pkg/sshd"
)

// Config is the sshrescue tool configuration.
type Config struct {
	// Remediate enables fixes for detected problems.
	Remediate bool `json:"remediate"`

	// LogDir holds the run log and, by default, backups.
	LogDir string `json:"logDir" validate:"required"`

	// BackupDir overrides <LogDir>/backup.
	BackupDir string `json:"backupDir,omitempty"`

	// HomeGlob matches the home directories to audit.
	HomeGlob string `json:"homeGlob" validate:"required"`

	// ExcludedUsers are never audited or modified.
	ExcludedUsers []string `json:"excludedUsers" validate:"dive,required"`

	Policies  PolicyConfig    `json:"policies"`
	Store     StoreConfig     `json:"store"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// PolicyConfig selects the hardening policies to evaluate.
type PolicyConfig struct {
	// Paths lists extra .rego or .json policy files and directories.
	Paths []string `json:"paths" validate:"dive,required"`

	// MinSeverity hides violations below this severity.
	MinSeverity string `json:"minSeverity" validate:"required,oneof=info warning error critical"`

	// Disabled names built-in or loaded policies to skip.
	Disabled []string `json:"disabled" validate:"dive,required"`
}

// StoreConfig configures run history.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `json:"path" validate:"required"`
}

// TelemetryConfig configures logging, metrics and tracing.
type TelemetryConfig struct {
	LogLevel  string `json:"logLevel" validate:"required,oneof=debug info warn error"`
	LogFormat string `json:"logFormat" validate:"required,oneof=json console"`

	// MetricsAddr serves /metrics in watch mode when set.
	MetricsAddr string `json:"metricsAddr,omitempty" validate:"omitempty,hostname_port"`

	// MetricsTextfile receives a node-exporter textfile after each run.
	MetricsTextfile string `json:"metricsTextfile,omitempty"`

	Tracing TracingConfig `json:"tracing"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter string  `json:"exporter" validate:"required,oneof=none stdout otlp"`
	Endpoint string  `json:"endpoint" validate:"omitempty,hostname_port"`
	Sampling float64 `json:"sampling" validate:"gte=0,lte=1"`
}

// ValidationError locates a configuration error.
type ValidationError struct {
	File   string `json:"file,omitempty"`
	Line   int    `json:"line,omitempty"`
	Column int    `json:"column,omitempty"`

	// Path is the CUE or struct path of the offending field.
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

// Error implements error.
func (e ValidationError) Error() string {
	switch {
	case e.File != "" && e.Line > 0:
		return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
	case e.Path != "":
		return e.Path + ": " + e.Message
	default:
		return e.Message
	}
}

// ParsedConfig is the result of parsing one configuration source.
type ParsedConfig struct {
	Config *Config `json:"config,omitempty"`

	// Source is the file parsed, "inline", or empty when defaults were used.
	Source   string            `json:"source,omitempty"`
	ParsedAt time.Time         `json:"parsed_at"`
	Errors   []ValidationError `json:"errors,omitempty"`
}

// EffectiveBackupDir returns BackupDir, defaulting to <LogDir>/backup.
func (c *Config) EffectiveBackupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.LogDir, "backup")
}

// ApplyTo copies the tool configuration onto run settings.
func (c *Config) ApplyTo(s *sshd.Settings) {
	s.Remediate = c.Remediate
	s.LogDir = c.LogDir
	s.BackupDir = c.EffectiveBackupDir()
	s.HomeGlob = c.HomeGlob
	s.ExcludedUsers = append([]string(nil), c.ExcludedUsers...)
	s.NewKeyPath = filepath.Join(c.LogDir, "sshrescue_key")
}

// Severity returns the configured minimum policy severity.
func (p PolicyConfig) Severity() policy.Severity {
	return policy.Severity(p.MinSeverity)
}

// LogFile returns the run log location under LogDir.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, "run", "ssh.log")
}
