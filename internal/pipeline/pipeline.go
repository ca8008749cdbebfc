// Package pipeline implements the staged incoming/outgoing step chain
// the bus threads each message through. Unlike the channel-based
// streaming pipeline in pkg/concurrency, this is a middleware chain in
// the style of an HTTP handler stack: each step wraps the remainder of
// the chain and decides whether to call it.
package pipeline

import (
	"context"

	"github.com/chris-alexander-pop/gobus/pkg/errors"
)

// Next invokes the remainder of the chain.
type Next func(ctx context.Context) error

// Step is a single named stage. Process must call next at most once;
// omitting the call short-circuits the chain (a valid policy, e.g. for
// poison-message handling or deferred-message interception).
type Step interface {
	Name() string
	Process(ctx context.Context, next Next) error
}

// StepFunc adapts a plain function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, next Next) error
}

func (f StepFunc) Name() string { return f.StepName }

func (f StepFunc) Process(ctx context.Context, next Next) error {
	return f.Fn(ctx, next)
}

// Position selects where Insert places a new step relative to the
// existing chain.
type Position struct {
	kind      positionKind
	reference string
}

type positionKind int

const (
	positionFirst positionKind = iota
	positionLast
	positionBefore
	positionAfter
)

func First() Position { return Position{kind: positionFirst} }
func Last() Position  { return Position{kind: positionLast} }
func Before(stepName string) Position {
	return Position{kind: positionBefore, reference: stepName}
}
func After(stepName string) Position {
	return Position{kind: positionAfter, reference: stepName}
}

// Pipeline holds an ordered, mutable list of steps. Configuration
// (Insert/Remove) happens at bus construction time; Invoker freezes the
// chain once for repeated, allocation-light invocation.
type Pipeline struct {
	steps []Step
}

// New creates an empty pipeline.
func New() *Pipeline {
	return &Pipeline{}
}

// Steps returns the current step list in order.
func (p *Pipeline) Steps() []Step {
	return append([]Step(nil), p.steps...)
}

// Insert adds step at the given position.
func (p *Pipeline) Insert(step Step, pos Position) error {
	switch pos.kind {
	case positionFirst:
		p.steps = append([]Step{step}, p.steps...)
	case positionLast:
		p.steps = append(p.steps, step)
	case positionBefore:
		idx := p.indexOf(pos.reference)
		if idx < 0 {
			return errors.New("BUS_PIPELINE_STEP_NOT_FOUND", "reference step not found: "+pos.reference, nil)
		}
		p.steps = insertAt(p.steps, idx, step)
	case positionAfter:
		idx := p.indexOf(pos.reference)
		if idx < 0 {
			return errors.New("BUS_PIPELINE_STEP_NOT_FOUND", "reference step not found: "+pos.reference, nil)
		}
		p.steps = insertAt(p.steps, idx+1, step)
	}
	return nil
}

// Remove deletes every step for which predicate returns true.
func (p *Pipeline) Remove(predicate func(Step) bool) {
	kept := p.steps[:0:0]
	for _, s := range p.steps {
		if !predicate(s) {
			kept = append(kept, s)
		}
	}
	p.steps = kept
}

func (p *Pipeline) indexOf(name string) int {
	for i, s := range p.steps {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

func insertAt(steps []Step, idx int, step Step) []Step {
	out := make([]Step, 0, len(steps)+1)
	out = append(out, steps[:idx]...)
	out = append(out, step)
	out = append(out, steps[idx:]...)
	return out
}

// Invoker is a frozen, cold chain built once from a Pipeline's current
// step list. Rebuild it if the pipeline is reconfigured after startup
// (the bus never does, once construction finishes).
type Invoker struct {
	head Next
}

// NewInvoker materializes the chain so that Invoke does not walk the
// step list or allocate closures per call.
func NewInvoker(p *Pipeline) *Invoker {
	steps := p.Steps()
	var chain Next = func(ctx context.Context) error { return nil }
	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		next := chain
		chain = func(ctx context.Context) error {
			return step.Process(ctx, next)
		}
	}
	return &Invoker{head: chain}
}

// Invoke runs the chain from its first step.
func (inv *Invoker) Invoke(ctx context.Context) error {
	return inv.head(ctx)
}
