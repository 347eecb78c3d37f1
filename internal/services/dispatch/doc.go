// Package dispatch is the bulk fan-out engine: it sends one payload to N
// targets in fixed-size batches, concurrently within a batch and strictly
// in sequence across batches, with an inter-batch delay to respect the
// transport's rate limit.
//
// Per-target failures never abort the run. Each outcome is classified:
// success, permanently unreachable (the sender can never succeed again,
// e.g. the recipient blocked the bot), or other failure, of which a capped
// sample is kept for the final report. Progress snapshots go to a
// caller-supplied sink on a throttle; sink errors are discarded.
//
// A run's only termination condition is having processed every batch.
// There is deliberately no cancellation path once a run has started.
package dispatch
