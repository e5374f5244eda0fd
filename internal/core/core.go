// Package core runs deployment plans: it resolves artifacts, deploys each
// step in order, binds addresses onto earlier contracts and keeps a ledger
// of what was sent.
package core

import "fmt"

// StepKind tells which half of a plan a step belongs to.
type StepKind string

const (
	KindDeploy StepKind = "deploy"
	KindBind   StepKind = "bind"
)

// StepError aborts a run. Nothing after Step was executed and nothing
// before it was undone.
type StepError struct {
	Kind StepKind
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s step %q failed: %v", e.Kind, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Phase is where a run is in its lifecycle.
type Phase string

const (
	PhaseNotStarted Phase = "not started"
	PhaseDeploying  Phase = "deploying"
	PhaseBinding    Phase = "binding"
	PhaseComplete   Phase = "complete"
	PhaseAborted    Phase = "aborted"
)

// State is a snapshot of the orchestrator's progress.
type State struct {
	Phase Phase
	Index int // step or binding index within the phase
	Step  string
	RunID string
}

func (s State) String() string {
	switch s.Phase {
	case PhaseDeploying, PhaseBinding:
		return fmt.Sprintf("%s %d (%s)", s.Phase, s.Index, s.Step)
	case PhaseAborted:
		return fmt.Sprintf("aborted at %s", s.Step)
	default:
		return string(s.Phase)
	}
}
