// Package access decides which registered broadcast targets the bot can
// still deliver to. Delivery rights can be revoked at any moment, so the
// resolver never trusts a cached flag: every pass re-checks the bot's own
// role in each target and persists the outcome.
package access

import (
	"context"
	"maps"
	"slices"
	"strconv"
	"time"

	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

// RoleChecker is the single-target capability check (the telegram adapter
// in production).
type RoleChecker interface {
	SelfRole(ctx context.Context, chatID int64) (transport.MemberRole, error)
}

type TargetStore interface {
	Targets(ctx context.Context) store.Targets
	SaveTargets(ctx context.Context, t store.Targets) error
}

type Resolver struct {
	store   TargetStore
	checker RoleChecker
	log     logx.Logger
	now     func() time.Time
	observe func(accessible bool)
}

type Option func(*Resolver)

func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithObserver registers a hook called once per checked target with the
// check's result. Used to feed counters.
func WithObserver(fn func(accessible bool)) Option {
	return func(r *Resolver) { r.observe = fn }
}

func New(st TargetStore, checker RoleChecker, log logx.Logger, opts ...Option) *Resolver {
	r := &Resolver{store: st, checker: checker, log: log, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve checks every registered target and returns the accessible
// subset in ascending-id order, plus the total number of registered
// targets. A target is accessible iff the bot holds an administrator or
// creator role there. Every target's HasAccess and LastChecked are
// updated and the whole collection is persisted once at the end of the
// pass; a failed check on one target never aborts the rest.
func (r *Resolver) Resolve(ctx context.Context) ([]dispatch.Target, int) {
	targets := r.store.Targets(ctx)
	accessible := make([]dispatch.Target, 0, len(targets))

	for _, id := range slices.Sorted(maps.Keys(targets)) {
		role, err := r.checker.SelfRole(ctx, id)
		if err != nil {
			// Not a member, chat gone, or a transient failure: either way
			// the bot cannot broadcast there right now.
			r.log.Debug("target access check failed", logx.Int64("chat_id", id), logx.Err(err))
			role = transport.RoleNone
		}
		has := role == transport.RoleAdministrator || role == transport.RoleCreator
		if r.observe != nil {
			r.observe(has)
		}

		rec := targets[id]
		rec.HasAccess = has
		rec.LastChecked = r.now()
		targets[id] = rec

		if has {
			accessible = append(accessible, dispatch.Target{ID: id, Label: targetLabel(id, rec)})
		}
	}

	if err := r.store.SaveTargets(ctx, targets); err != nil {
		// Access flags are advisory; the pass still resolved.
		r.log.Error("persisting target access flags failed", logx.Err(err))
	}
	return accessible, len(targets)
}

// CleanInactive persists only the currently accessible targets, dropping
// everything the bot can no longer reach. Returns kept and removed counts.
func (r *Resolver) CleanInactive(ctx context.Context) (kept, removed int, err error) {
	accessible, total := r.Resolve(ctx)

	targets := r.store.Targets(ctx)
	pruned := make(store.Targets, len(accessible))
	for _, t := range accessible {
		if rec, ok := targets[t.ID]; ok {
			pruned[t.ID] = rec
		}
	}
	if err := r.store.SaveTargets(ctx, pruned); err != nil {
		return 0, 0, err
	}
	return len(pruned), total - len(pruned), nil
}

func targetLabel(id int64, rec store.BroadcastTarget) string {
	if rec.Title != "" {
		return rec.Title
	}
	return strconv.FormatInt(id, 10)
}
