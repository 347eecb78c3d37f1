// Package campaign models the short-lived per-operator broadcast draft:
// collect targets, attach a payload, confirm, execute. A draft belongs to
// exactly one operator session and is discarded on completion,
// cancellation, or when the operator starts a new one.
package campaign

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"heraldbot/internal/services/dispatch"
)

var (
	ErrNoEligibleTargets  = errors.New("no eligible targets")
	ErrUnsupportedPayload = errors.New("unsupported payload type")
	ErrNoDraft            = errors.New("no active draft")
)

type Kind int

const (
	// KindChannelBroadcast fans out to curated channel/group targets.
	KindChannelBroadcast Kind = iota
	// KindUserBroadcast fans out to the whole recipient collection.
	KindUserBroadcast
	// KindQuickText is the high-volume plain-text path to all recipients.
	KindQuickText
)

func (k Kind) String() string {
	switch k {
	case KindChannelBroadcast:
		return "channel"
	case KindUserBroadcast:
		return "users"
	case KindQuickText:
		return "quick"
	default:
		return "unknown"
	}
}

// DispatchDefaults returns the per-kind batch tuning: channel runs go one
// message at a time with a long pause, user runs trade a larger batch for
// a short pause, and the quick path pushes hardest.
func (k Kind) DispatchDefaults() dispatch.Options {
	switch k {
	case KindUserBroadcast:
		return dispatch.Options{BatchSize: 20, InterBatchDelay: 50 * time.Millisecond, ProgressEvery: 5}
	case KindQuickText:
		return dispatch.Options{BatchSize: 25, InterBatchDelay: 30 * time.Millisecond, ProgressEvery: 4}
	default:
		return dispatch.Options{BatchSize: 1, InterBatchDelay: 500 * time.Millisecond, ProgressEvery: 5}
	}
}

// prunes reports whether a finished run of this kind feeds its
// permanently-unreachable set to the reconciler. Channel targets are
// operator-curated and never auto-pruned.
func (k Kind) prunes() bool { return k != KindChannelBroadcast }

type State int

const (
	StateCollectingTargets State = iota
	StateAwaitingPayload
	StateAwaitingConfirmation
	StateExecuting
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCollectingTargets:
		return "collecting_targets"
	case StateAwaitingPayload:
		return "awaiting_payload"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateExecuting:
		return "executing"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// ErrInvalidState reports a transition attempted from the wrong state.
type ErrInvalidState struct {
	From State
	Op   string
}

func (e *ErrInvalidState) Error() string {
	return fmt.Sprintf("cannot %s a draft in state %s", e.Op, e.From)
}

type Draft struct {
	Operator int64
	Kind     Kind

	mu      sync.Mutex
	state   State
	targets []dispatch.Target
	payload dispatch.Payload
	report  *dispatch.Report
}

func newDraft(operator int64, kind Kind) *Draft {
	return &Draft{Operator: operator, Kind: kind, state: StateCollectingTargets}
}

func (d *Draft) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Draft) Targets() []dispatch.Target {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.targets
}

func (d *Draft) Payload() dispatch.Payload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.payload
}

// Report returns the final report once the draft has completed.
func (d *Draft) Report() (dispatch.Report, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.report == nil {
		return dispatch.Report{}, false
	}
	return *d.report, true
}

// SetTargets moves the draft past target collection. An empty resolved
// set fails with ErrNoEligibleTargets: a campaign is never silently empty.
func (d *Draft) SetTargets(targets []dispatch.Target) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateCollectingTargets {
		return &ErrInvalidState{From: d.state, Op: "set targets on"}
	}
	if len(targets) == 0 {
		return ErrNoEligibleTargets
	}
	d.targets = targets
	d.state = StateAwaitingPayload
	return nil
}

// SetPayload attaches the message. A nil payload means the operator sent
// a content type the dispatcher cannot broadcast.
func (d *Draft) SetPayload(p dispatch.Payload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateAwaitingPayload {
		return &ErrInvalidState{From: d.state, Op: "set payload on"}
	}
	if p == nil {
		return ErrUnsupportedPayload
	}
	d.payload = p
	d.state = StateAwaitingConfirmation
	return nil
}

func (d *Draft) confirm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != StateAwaitingConfirmation {
		return &ErrInvalidState{From: d.state, Op: "confirm"}
	}
	d.state = StateExecuting
	return nil
}

// Cancel discards the draft with no side effects. A draft that is already
// executing cannot be cancelled.
func (d *Draft) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case StateExecuting, StateCompleted:
		return &ErrInvalidState{From: d.state, Op: "cancel"}
	}
	d.state = StateCancelled
	return nil
}

func (d *Draft) complete(rep dispatch.Report) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = StateCompleted
	d.report = &rep
}

// Manager holds at most one draft per operator. Different operators'
// drafts are fully independent and may execute simultaneously.
type Manager struct {
	mu     sync.Mutex
	drafts map[int64]*Draft
}

func NewManager() *Manager {
	return &Manager{drafts: map[int64]*Draft{}}
}

// Begin starts a fresh draft for the operator. Any unfinished previous
// draft is overwritten, never merged. An executing previous draft keeps
// running detached; only the manager's handle to it is dropped.
func (m *Manager) Begin(operator int64, kind Kind) *Draft {
	d := newDraft(operator, kind)
	m.mu.Lock()
	m.drafts[operator] = d
	m.mu.Unlock()
	return d
}

func (m *Manager) Get(operator int64) (*Draft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drafts[operator]
	return d, ok
}

func (m *Manager) Discard(operator int64) {
	m.mu.Lock()
	delete(m.drafts, operator)
	m.mu.Unlock()
}
