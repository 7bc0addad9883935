package sshd

import (
	"fmt"
	"path"
	"strings"

	"github.com/openfroyo/sshrescue/pkg/engine"
)

// Report status values.
const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
	StatusWarn    = "WARN"
)

// ReportItem is one vertex in a rendered report.
type ReportItem struct {
	Label    string `json:"label" yaml:"label"`
	State    string `json:"state" yaml:"state"`
	ItemType string `json:"item_type" yaml:"item_type"`
	Item     string `json:"item" yaml:"item"`
	Value    string `json:"value,omitempty" yaml:"value,omitempty"`
	InfoMsg  string `json:"info_msg" yaml:"info_msg"`
	FixMsg   string `json:"fix_msg,omitempty" yaml:"fix_msg,omitempty"`
}

// Report summarizes a solved problem graph.
type Report struct {
	Status    string         `json:"status" yaml:"status"`
	Headline  []string       `json:"headline" yaml:"headline"`
	Problems  []ReportItem   `json:"problems,omitempty" yaml:"problems,omitempty"`
	Fixed     []ReportItem   `json:"fixed,omitempty" yaml:"fixed,omitempty"`
	Unchecked []ReportItem   `json:"unchecked,omitempty" yaml:"unchecked,omitempty"`
	Counts    map[string]int `json:"counts" yaml:"counts"`
	LogFile   string         `json:"log_file" yaml:"log_file"`
}

func newReportItem(label string, p *engine.Problem) ReportItem {
	return ReportItem{
		Label:    label,
		State:    string(p.State()),
		ItemType: string(p.ItemType()),
		Item:     fmt.Sprint(p.Item()),
		Value:    p.ValueStr(),
		InfoMsg:  p.InfoMsg(),
		FixMsg:   p.FixMsg(),
	}
}

// BuildReport classifies every vertex of a solved graph. Vertices without a
// Problem payload are ignored.
func BuildReport(g *engine.DirectedAcyclicGraph, logDir string) *Report {
	r := &Report{
		Counts:  make(map[string]int),
		LogFile: path.Join(logDir, "run", "ssh.log"),
	}

	if g.Len() == 0 {
		r.Status = StatusWarn
		r.Headline = []string{
			"[WARN] the problem graph was empty!",
			"-- The configuration was not validated.",
		}
		return r
	}

	var failure, fixFailed, warn bool
	for _, v := range g.Vertices() {
		p, ok := v.Problem()
		if !ok {
			continue
		}
		item := newReportItem(v.Label(), p)
		r.Counts[item.State]++

		switch p.State() {
		case engine.StateFixFailed:
			fixFailed = true
			r.Problems = append(r.Problems, item)
		case engine.StateFailure:
			failure = true
			r.Problems = append(r.Problems, item)
		case engine.StateWarn:
			warn = true
			r.Problems = append(r.Problems, item)
		case engine.StateFixed:
			r.Fixed = append(r.Fixed, item)
		case engine.StateUnchecked:
			r.Unchecked = append(r.Unchecked, item)
		}
	}

	switch {
	case fixFailed:
		r.Status = StatusFailure
		r.Headline = []string{
			"[FAILURE] Failed to remediate one or more problems.",
			"-- SSH may deny access to users when improperly configured.",
		}
	case failure:
		r.Status = StatusFailure
		r.Headline = []string{
			"[FAILURE] Improper configuration of one or more OpenSSH components.",
			"-- SSH may deny access to users when improperly configured.",
		}
	case warn:
		r.Status = StatusWarn
		r.Headline = []string{
			"[WARN] Unable to fully validate one or more OpenSSH components.",
			"-- Configuration could not be fully validated.",
		}
	default:
		r.Status = StatusSuccess
		r.Headline = []string{"[SUCCESS] All configuration checks passed or all detected problems fixed."}
	}
	return r
}

// Text renders the report for terminals and log files.
func (r *Report) Text() string {
	var b strings.Builder
	for _, line := range r.Headline {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	for _, it := range r.Problems {
		fmt.Fprintf(&b, "-- %-12s%s: %v\n", it.State, it.InfoMsg, it.Item)
		if it.FixMsg != "" {
			fmt.Fprintf(&b, "-- %12s%s\n", "", it.FixMsg)
		}
	}
	for _, it := range r.Fixed {
		fmt.Fprintf(&b, "-- %-12s%s: %v\n", it.State, it.InfoMsg, it.Item)
	}
	if len(r.Unchecked) > 0 {
		fmt.Fprintf(&b, "-- Unable to check %d items due to dependent check failures:\n", len(r.Unchecked))
		for _, it := range r.Unchecked {
			fmt.Fprintf(&b, "   %-12s%s: %v\n", it.State, it.InfoMsg, it.Item)
		}
	}
	fmt.Fprintf(&b, "\nPlease view %s for additional details.\n", r.LogFile)
	return b.String()
}

// OutputStatus renders the status report of a solved graph.
func OutputStatus(g *engine.DirectedAcyclicGraph, logDir string) string {
	return BuildReport(g, logDir).Text()
}
