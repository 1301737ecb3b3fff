package merger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/emergent-company/branchgraph/pkg/logger"
	"github.com/emergent-company/branchgraph/pkg/metrics"
)

// State is a step of one rebase or merge attempt.
type State string

const (
	StateStart           State = "START"
	StateDiffComputed    State = "DIFF_COMPUTED"
	StateConflictChecked State = "CONFLICT_CHECKED"
	StateValidated       State = "VALIDATED"
	StateDataCommitted   State = "DATA_COMMITTED"
	StateSchemaApplied   State = "SCHEMA_APPLIED"
	StateMigrated        State = "MIGRATED"
	StateDone            State = "DONE"
	StateRolledBack      State = "ROLLED_BACK"
)

// next lists the states reachable from each state. ROLLED_BACK is reachable
// from every state after DIFF_COMPUTED and handled separately.
var next = map[State][]State{
	StateStart:           {StateDiffComputed},
	StateDiffComputed:    {StateConflictChecked},
	StateConflictChecked: {StateValidated},
	StateValidated:       {StateDataCommitted},
	StateDataCommitted:   {StateSchemaApplied, StateMigrated, StateDone},
	StateSchemaApplied:   {StateMigrated, StateDone},
	StateMigrated:        {StateDone},
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// run tracks the state of one attempt and the compensating actions
// registered by its committed steps.
type run struct {
	op      string
	branch  string
	state   State
	history []State
	undo    []compensation
	log     *slog.Logger
	observe func(State) error
}

func newRun(op, branchName string, log *slog.Logger, observe func(State) error) *run {
	return &run{
		op:      op,
		branch:  branchName,
		state:   StateStart,
		history: []State{StateStart},
		log:     log,
		observe: observe,
	}
}

// advance moves to s. The observer may veto the transition.
func (r *run) advance(s State) error {
	allowed := false
	for _, n := range next[r.state] {
		if n == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%s %s: invalid transition %s -> %s", r.op, r.branch, r.state, s)
	}
	if r.observe != nil {
		if err := r.observe(s); err != nil {
			return err
		}
	}
	r.state = s
	r.history = append(r.history, s)
	r.log.Debug("state changed",
		slog.String("op", r.op),
		slog.String("branch", r.branch),
		slog.String("state", string(s)))
	return nil
}

// onRollback registers fn to undo a step that has committed.
func (r *run) onRollback(name string, fn func(ctx context.Context) error) {
	r.undo = append(r.undo, compensation{name: name, fn: fn})
}

// rollback unwinds the registered compensations newest first. Every
// compensation runs even when an earlier one fails.
func (r *run) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := len(r.undo) - 1; i >= 0; i-- {
		c := r.undo[i]
		metrics.RollbackSteps.Inc()
		if err := c.fn(ctx); err != nil {
			r.log.Error("compensation failed",
				slog.String("op", r.op),
				slog.String("branch", r.branch),
				slog.String("step", c.name),
				logger.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
			continue
		}
		r.log.Info("compensation applied",
			slog.String("op", r.op),
			slog.String("branch", r.branch),
			slog.String("step", c.name))
	}
	r.undo = nil
	r.state = StateRolledBack
	r.history = append(r.history, StateRolledBack)
	return errors.Join(errs...)
}

// States returns the states visited so far.
func (r *run) States() []State {
	return append([]State(nil), r.history...)
}
