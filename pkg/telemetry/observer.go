package telemetry

import (
	"context"
	"fmt"

	"github.com/openfroyo/sshrescue/pkg/engine"
)

// SolveObserver reports solver progress to the logger, metrics and tracer
// of a Telemetry. Each event becomes a short child span of the run span
// carried by the context it was created with.
type SolveObserver struct {
	ctx     context.Context
	logger  *Logger
	metrics *Metrics
	tracer  *Tracer
}

var _ engine.Observer = (*SolveObserver)(nil)

// NewSolveObserver returns an observer that reports into t. Spans are
// parented on the span in ctx.
func NewSolveObserver(ctx context.Context, t *Telemetry) *SolveObserver {
	return &SolveObserver{
		ctx:     ctx,
		logger:  FromContext(ctx).NewComponentLogger("solver"),
		metrics: t.Metrics,
		tracer:  t.Tracer,
	}
}

// Evaluated implements engine.Observer.
func (o *SolveObserver) Evaluated(label string, p *engine.Problem) {
	o.metrics.RecordCheck(string(p.State()))
	o.span(label, "check", p)

	event := o.logger.zlog.Debug()
	if p.State() != engine.StateOK {
		event = o.logger.zlog.Info()
	}
	event.
		Str("label", label).
		Str("state", string(p.State())).
		Str("item_type", string(p.ItemType())).
		Str("item", fmt.Sprint(p.Item())).
		Msg(p.InfoMsg())
}

// Skipped implements engine.Observer.
func (o *SolveObserver) Skipped(label string, p *engine.Problem) {
	o.metrics.RecordSkipped()
	o.span(label, "skip", p)
	o.logger.zlog.Warn().
		Str("label", label).
		Msg("skipped: an upstream fix failed")
}

// Remediated implements engine.Observer.
func (o *SolveObserver) Remediated(label string, p *engine.Problem, fixed bool) {
	o.metrics.RecordRemediation(fixed)
	o.span(label, "fix", p)

	event := o.logger.zlog.Info()
	if !fixed {
		event = o.logger.zlog.Error()
	}
	event.
		Str("label", label).
		Str("state", string(p.State())).
		Str("item", fmt.Sprint(p.Item())).
		Msg(p.FixMsg())
}

func (o *SolveObserver) span(label, step string, p *engine.Problem) {
	if o.tracer == nil {
		return
	}
	_, span := o.tracer.StartProblemSpan(o.ctx, label, step)
	span.SetAttributes(
		AttrProblemState.String(string(p.State())),
		AttrProblemItemType.String(string(p.ItemType())),
		AttrProblemItem.String(fmt.Sprint(p.Item())),
	)
	if p.State() == engine.StateFixFailed {
		RecordError(span, fmt.Errorf("%s: fix failed", label))
	}
	span.End()
}
