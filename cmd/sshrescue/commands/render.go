package commands

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/sshrescue/pkg/sshd"
)

// Output formats for run results.
const (
	formatText = "text"
	formatJSON = "json"
	formatYAML = "yaml"
)

// runDocument is the machine-readable form of a run.
type runDocument struct {
	RunID       string       `json:"run_id" yaml:"run_id"`
	Status      string       `json:"status" yaml:"status"`
	KeyInjected bool         `json:"key_injected,omitempty" yaml:"key_injected,omitempty"`
	Report      *sshd.Report `json:"report,omitempty" yaml:"report,omitempty"`
	Output      string       `json:"output,omitempty" yaml:"output,omitempty"`
	Error       string       `json:"error,omitempty" yaml:"error,omitempty"`
}

func outputFormat(flags *globalFlags, requested string) (string, error) {
	if flags.jsonOutput {
		return formatJSON, nil
	}
	switch requested {
	case formatText, formatJSON, formatYAML:
		return requested, nil
	}
	return "", fmt.Errorf("unknown output format %q (want text, json or yaml)", requested)
}

func renderResult(w io.Writer, format string, res *sshd.Result, runErr error) error {
	if format == formatText {
		_, err := io.WriteString(w, res.Output)
		return err
	}

	doc := runDocument{
		RunID:       res.RunID,
		Status:      res.Status,
		KeyInjected: res.KeyInjected,
		Report:      res.Report,
	}
	if res.Report == nil {
		doc.Output = res.Output
	}
	if runErr != nil {
		doc.Error = runErr.Error()
	}
	return encode(w, format, doc)
}

func encode(w io.Writer, format string, v any) error {
	if format == formatYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
