package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("not found")

// RunMode records what a run was allowed to do.
type RunMode string

const (
	RunModeDiagnose  RunMode = "diagnose"
	RunModeRemediate RunMode = "remediate"
	RunModeInjectKey RunMode = "inject-key"
)

// RunStatusRunning marks a run that has not completed. Completed runs carry
// the report status: SUCCESS, FAILURE or WARN.
const RunStatusRunning = "RUNNING"

// Run is one recorded diagnosis.
type Run struct {
	ID     string  `json:"id"`
	Mode   RunMode `json:"mode"`
	Status string  `json:"status"`

	// Summary is the report headline.
	Summary string `json:"summary"`

	// Report is the JSON encoded report.
	Report string `json:"report"`

	// Output is the text shown to the operator.
	Output string `json:"output"`

	Error       *string    `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ProblemResult is the final state of one graph vertex in a run.
type ProblemResult struct {
	RunID string `json:"run_id"`

	// Position is the vertex's place in evaluation order, or in graph
	// insertion order for vertices never evaluated.
	Position int `json:"position"`

	Label     string `json:"label"`
	State     string `json:"state"`
	ItemType  string `json:"item_type"`
	Item      string `json:"item"`
	Value     string `json:"value,omitempty"`
	InfoMsg   string `json:"info_msg"`
	FixMsg    string `json:"fix_msg,omitempty"`
	Evaluated bool   `json:"evaluated"`
}

// RunCompletion carries the fields set when a run finishes.
type RunCompletion struct {
	Status  string
	Summary string
	Report  string
	Output  string
	Error   *string
}

// Store records diagnosis runs and their per-problem results.
type Store interface {
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	CompleteRun(ctx context.Context, id string, c RunCompletion) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	RecordResults(ctx context.Context, runID string, results []ProblemResult) error
	ListResults(ctx context.Context, runID string) ([]ProblemResult, error)
}
