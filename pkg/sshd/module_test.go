package sshd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfroyo/sshrescue/pkg/engine"
	"github.com/rs/zerolog"
)

type countingObserver struct {
	evaluated, skipped, remediated int
}

func (o *countingObserver) Evaluated(string, *engine.Problem)        { o.evaluated++ }
func (o *countingObserver) Skipped(string, *engine.Problem)          { o.skipped++ }
func (o *countingObserver) Remediated(string, *engine.Problem, bool) { o.remediated++ }

func newTestModule(t *testing.T, s *Settings, sys *fakeSystem) *Module {
	t.Helper()
	return &Module{
		Settings: s,
		System:   sys,
		Logger:   zerolog.Nop(),
	}
}

func TestModule_Run_Healthy(t *testing.T) {
	s := newTestSettings()
	sys := newHealthySystem(t, s)
	obs := &countingObserver{}
	m := newTestModule(t, s, sys)
	m.Observer = obs

	res, err := m.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("Expected %s, got %s:\n%s", StatusSuccess, res.Status, res.Output)
	}
	if !strings.HasPrefix(res.Output, "[SUCCESS]") {
		t.Errorf("Unexpected output %q", res.Output)
	}
	if res.RunID == "" {
		t.Error("Expected a run ID")
	}
	if len(res.Evaluated) != res.Graph.Len() || obs.evaluated != res.Graph.Len() {
		t.Errorf("Expected all %d vertices evaluated, got %d (observer %d)", res.Graph.Len(), len(res.Evaluated), obs.evaluated)
	}
	if res.FinishedAt.Before(res.StartedAt) {
		t.Error("Expected FinishedAt after StartedAt")
	}
}

func TestModule_Run_DetectOnly(t *testing.T) {
	s := newTestSettings()
	sys := newHealthySystem(t, s)
	sys.files["/home/alice/.ssh"].mode |= 0o077

	res, err := newTestModule(t, s, sys).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusFailure {
		t.Errorf("Expected %s, got %s", StatusFailure, res.Status)
	}
	if !strings.Contains(res.Output, "-- FAILURE     Permission mode includes write for groups and/or other users: /home/alice/.ssh\n") {
		t.Errorf("Expected mode fault in output:\n%s", res.Output)
	}
	if got := sys.files["/home/alice/.ssh"].mode.Perm(); got != 0o777 {
		t.Errorf("Expected mode untouched without remediation, got %#o", got)
	}
}

func TestModule_Run_Remediate(t *testing.T) {
	s := newTestSettings()
	s.Remediate = true
	sys := newHealthySystem(t, s)
	sys.files["/home/alice/.ssh"].mode |= 0o077
	delete(sys.files, "/home/alice/.ssh/authorized_keys")
	sys.files["/var/empty/sshd"].uid = 1000

	res, err := newTestModule(t, s, sys).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Errorf("Expected %s, got %s:\n%s", StatusSuccess, res.Status, res.Output)
	}
	if got := res.Report.Counts[string(engine.StateFixed)]; got != 3 {
		t.Errorf("Expected 3 fixed problems, got %d:\n%s", got, res.Output)
	}
	if got := sys.files["/home/alice/.ssh"].mode.Perm(); got != 0o755 {
		t.Errorf("Expected mode 0755, got %#o", got)
	}
	if f := sys.files["/home/alice/.ssh/authorized_keys"]; f == nil || f.uid != aliceUID {
		t.Error("Expected authorized_keys recreated for alice")
	}
	if got := sys.files["/var/empty/sshd"].uid; got != 0 {
		t.Errorf("Expected privilege separation dir owned by root, got uid %d", got)
	}
}

func TestModule_Run_MissingSSHD(t *testing.T) {
	s := newTestSettings()
	s.Remediate = true
	sys := newHealthySystem(t, s)
	delete(sys.commands, "sshd")

	res, err := newTestModule(t, s, sys).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusFailure {
		t.Errorf("Expected %s, got %s", StatusFailure, res.Status)
	}
	if !strings.HasPrefix(res.Output, "[FAILURE] Failed to remediate one or more problems.") {
		t.Errorf("Unexpected output:\n%s", res.Output)
	}
	if len(res.Report.Unchecked) == 0 {
		t.Error("Expected problems behind missing sshd to stay unchecked")
	}
}

func TestModule_Run_MissingSSHD_DetectOnly(t *testing.T) {
	s := newTestSettings()
	sys := newHealthySystem(t, s)
	delete(sys.commands, "sshd")

	res, err := newTestModule(t, s, sys).Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != StatusFailure {
		t.Errorf("Expected %s, got %s:\n%s", StatusFailure, res.Status, res.Output)
	}
	if !strings.HasPrefix(res.Output, "[FAILURE] Improper configuration of one or more OpenSSH components.") {
		t.Errorf("Unexpected output:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "-- FAILURE     Missing sshd: "+s.SSHDPath+"\n") {
		t.Errorf("Expected missing sshd fault in output:\n%s", res.Output)
	}
	if got := res.Report.Counts[string(engine.StateWarn)]; got == 0 {
		t.Errorf("Expected sshd -t checks reported as WARN:\n%s", res.Output)
	}
	if !strings.Contains(res.Output, "sshd not available: "+s.SSHDPath) {
		t.Errorf("Expected unavailable sshd fix message:\n%s", res.Output)
	}
	if res.Output == exceptionOutput {
		t.Error("Expected a report, not the exception output")
	}
}

func TestModule_Run_Exception(t *testing.T) {
	s := newTestSettings()
	sys := newHealthySystem(t, s)
	sys.onCommand("sshd", output("/etc/ssh/sshd_config: terminating, 1 bad configuration options\n", 255))

	res, err := newTestModule(t, s, sys).Run(context.Background())
	if !errors.Is(err, ErrUnparsedOutput) {
		t.Fatalf("Expected ErrUnparsedOutput, got %v", err)
	}
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodeCheckFailed {
		t.Errorf("Expected check failure engine error, got %v", err)
	}
	if res.Output != exceptionOutput {
		t.Errorf("Unexpected output %q", res.Output)
	}
	if !strings.HasPrefix(res.Output, "[WARN] module generated an exception") {
		t.Errorf("Unexpected output %q", res.Output)
	}
}

func TestModule_Run_KeyInjection(t *testing.T) {
	tests := []struct {
		name         string
		setup        func(*Settings)
		wantErr      error
		wantStatus   string
		wantOutput   string
		wantInjected bool
		wantGraph    bool
	}{
		{
			name: "inject only requires remediation",
			setup: func(s *Settings) {
				s.InjectKeyOnly = true
				s.NewKey = testKey
			},
			wantErr:    ErrRemediationDisabled,
			wantStatus: StatusFailure,
			wantOutput: injectNeedsRemediateOutput,
		},
		{
			name: "inject without remediation still diagnoses",
			setup: func(s *Settings) {
				s.InjectKey = true
				s.NewKey = testKey
			},
			wantStatus: StatusSuccess,
			wantGraph:  true,
		},
		{
			name: "inject only",
			setup: func(s *Settings) {
				s.InjectKeyOnly = true
				s.Remediate = true
				s.NewKey = testKey
			},
			wantStatus:   StatusSuccess,
			wantOutput:   injectSuccessOutput,
			wantInjected: true,
		},
		{
			name: "inject then diagnose",
			setup: func(s *Settings) {
				s.InjectKey = true
				s.Remediate = true
				s.NewKey = testKey
			},
			wantStatus:   StatusSuccess,
			wantInjected: true,
			wantGraph:    true,
		},
		{
			name: "injection failure",
			setup: func(s *Settings) {
				s.InjectKey = true
				s.Remediate = true
				s.NotAnInstance = true
			},
			wantErr:    ErrNoKey,
			wantStatus: StatusFailure,
			wantOutput: injectFailureOutput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSettings()
			tt.setup(s)
			sys := newHealthySystem(t, s)

			res, err := newTestModule(t, s, sys).Run(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Expected %v, got %v", tt.wantErr, err)
				}
			} else if err != nil {
				t.Fatalf("Run failed: %v", err)
			}

			if res.Status != tt.wantStatus {
				t.Errorf("Expected %s, got %s", tt.wantStatus, res.Status)
			}
			if tt.wantOutput != "" && res.Output != tt.wantOutput {
				t.Errorf("Output = %q, want %q", res.Output, tt.wantOutput)
			}
			if res.KeyInjected != tt.wantInjected {
				t.Errorf("KeyInjected = %v, want %v", res.KeyInjected, tt.wantInjected)
			}
			if (res.Graph != nil) != tt.wantGraph {
				t.Errorf("Expected graph built: %v", tt.wantGraph)
			}
			injected := sys.content("/home/alice/.ssh/authorized_keys") == testKey+"\n"
			if injected != tt.wantInjected {
				t.Errorf("authorized_keys holds key: %v, want %v", injected, tt.wantInjected)
			}
		})
	}
}
