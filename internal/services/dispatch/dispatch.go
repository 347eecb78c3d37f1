package dispatch

import (
	"context"
	"sync"
	"time"

	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

// Options tunes one run. Callers pick larger batches with shorter delays
// for high-volume user runs and small batches with longer delays for
// channel runs.
type Options struct {
	BatchSize       int
	InterBatchDelay time.Duration
	// ProgressEvery emits a snapshot every k-th batch (the final batch
	// always emits). Zero means the default of 5.
	ProgressEvery int
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 20
	}
	if o.InterBatchDelay <= 0 {
		o.InterBatchDelay = 50 * time.Millisecond
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = 5
	}
	return o
}

// Progress is a live snapshot emitted between batches.
type Progress struct {
	Successful int
	Failed     int
	Processed  int
	Total      int
}

// ProgressFunc receives snapshots. Its error is deliberately discarded at
// the call site: a broken status surface must never fail a run.
type ProgressFunc func(p Progress) error

type Dispatcher struct {
	sender transport.Sender
	log    logx.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration)
}

func New(sender transport.Sender, log logx.Logger) *Dispatcher {
	return &Dispatcher{sender: sender, log: log, sleep: sleepCtx}
}

// Execute sends payload to every target and returns the finished report.
// Targets are processed in consecutive batches of opts.BatchSize (the last
// batch may be shorter); sends within a batch run concurrently and all
// settle before the next batch starts. Per-target failures are classified
// into the report and never abort the run; Execute's sole termination
// condition is having processed every batch.
func (d *Dispatcher) Execute(ctx context.Context, targets []Target, payload Payload, opts Options, progress ProgressFunc) Report {
	opts = opts.withDefaults()
	rep := Report{Total: len(targets)}
	if len(targets) == 0 {
		return rep
	}

	start := time.Now()
	d.log.Info("fan-out started",
		logx.Int("total", rep.Total),
		logx.String("payload", payload.Kind()),
		logx.Int("batch_size", opts.BatchSize),
		logx.Duration("delay", opts.InterBatchDelay))

	for batch, lo := 0, 0; lo < len(targets); batch, lo = batch+1, lo+opts.BatchSize {
		hi := min(lo+opts.BatchSize, len(targets))
		d.runBatch(ctx, targets[lo:hi], payload, &rep)

		final := hi == len(targets)
		if progress != nil && ((batch+1)%opts.ProgressEvery == 0 || final) {
			// Sink errors are discarded; see ProgressFunc.
			_ = progress(Progress{
				Successful: rep.Successful,
				Failed:     rep.Failed,
				Processed:  hi,
				Total:      rep.Total,
			})
		}
		if !final {
			d.sleep(ctx, opts.InterBatchDelay)
		}
	}

	fields := []logx.Field{
		logx.Int("total", rep.Total),
		logx.Int("successful", rep.Successful),
		logx.Int("failed", rep.Failed),
		logx.Int("unreachable", len(rep.Unreachable)),
		logx.Duration("took", time.Since(start)),
	}
	if rep.Failed > 0 {
		d.log.Warn("fan-out finished with failures", fields...)
	} else {
		d.log.Info("fan-out finished", fields...)
	}
	return rep
}

// runBatch issues one send per target concurrently, waits for all to
// settle, and folds the outcomes into rep. A slow or failing target only
// holds up its own goroutine, never its siblings.
func (d *Dispatcher) runBatch(ctx context.Context, batch []Target, payload Payload, rep *Report) {
	errs := make([]error, len(batch))
	var wg sync.WaitGroup
	for i, t := range batch {
		wg.Add(1)
		go func(i int, to transport.ChatTarget) {
			defer wg.Done()
			errs[i] = payload.send(ctx, d.sender, to)
		}(i, transport.ChatTarget{ChatID: t.ID})
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			rep.Successful++
			continue
		}
		rep.Failed++
		reason := err.Error()
		if permanentlyUnreachable(reason) {
			rep.Unreachable = append(rep.Unreachable, batch[i].ID)
			continue
		}
		if len(rep.FailureSamples) < failureSampleCap {
			rep.FailureSamples = append(rep.FailureSamples, FailureSample{
				Label:  batch[i].Label,
				Reason: truncateReason(reason),
			})
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
