package campaign

import (
	"context"

	"heraldbot/internal/services/dispatch"
	"heraldbot/pkg/logx"
)

// Executor runs one fan-out to completion. Satisfied by
// dispatch.Dispatcher.
type Executor interface {
	Execute(ctx context.Context, targets []dispatch.Target, payload dispatch.Payload, opts dispatch.Options, progress dispatch.ProgressFunc) dispatch.Report
}

// Pruner reconciles a finished report against the recipient collection.
// Satisfied by dispatch.Reconciler.
type Pruner interface {
	Apply(ctx context.Context, rep dispatch.Report) int
}

// Runner launches confirmed drafts in the background. A launched campaign
// runs to completion even if the operator's session ends.
type Runner struct {
	exec   Executor
	pruner Pruner
	log    logx.Logger
}

func NewRunner(exec Executor, pruner Pruner, log logx.Logger) *Runner {
	return &Runner{exec: exec, pruner: pruner, log: log}
}

// Launch confirms the draft and starts it detached. The returned channel
// closes once the run (including reconciliation) has finished; onDone, if
// set, is called with the final report from the campaign goroutine.
func (r *Runner) Launch(draft *Draft, opts dispatch.Options, progress dispatch.ProgressFunc, onDone func(dispatch.Report, int)) (<-chan struct{}, error) {
	if err := draft.confirm(); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				r.log.Error("campaign panicked",
					logx.Int64("operator", draft.Operator),
					logx.String("kind", draft.Kind.String()),
					logx.Any("panic", rec))
			}
		}()
		ctx := context.Background()
		rep := r.exec.Execute(ctx, draft.Targets(), draft.Payload(), opts, progress)
		pruned := 0
		if draft.Kind.prunes() && r.pruner != nil {
			pruned = r.pruner.Apply(ctx, rep)
		}
		draft.complete(rep)
		if onDone != nil {
			onDone(rep, pruned)
		}
	}()
	return done, nil
}
