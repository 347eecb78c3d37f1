package dispatch

import (
	"context"

	"heraldbot/pkg/logx"
)

// RecipientPruner removes identities from the durable recipient
// collection; the store implements it atomically per dataset.
type RecipientPruner interface {
	PruneRecipients(ctx context.Context, ids []int64) (int, error)
}

// Reconciler applies a finished report's permanently-unreachable set back
// to the recipient collection. It runs after user broadcasts only: channel
// targets are curated by operators and never auto-pruned.
type Reconciler struct {
	store RecipientPruner
	log   logx.Logger
}

func NewReconciler(store RecipientPruner, log logx.Logger) *Reconciler {
	return &Reconciler{store: store, log: log}
}

// Apply prunes rep.Unreachable and returns how many records were actually
// removed. Identities already absent are skipped, so re-applying the same
// report is a no-op.
func (r *Reconciler) Apply(ctx context.Context, rep Report) int {
	if len(rep.Unreachable) == 0 {
		return 0
	}
	removed, err := r.store.PruneRecipients(ctx, rep.Unreachable)
	if err != nil {
		r.log.Error("pruning unreachable recipients failed",
			logx.Int("unreachable", len(rep.Unreachable)), logx.Err(err))
		return 0
	}
	if removed > 0 {
		r.log.Info("pruned unreachable recipients", logx.Int("removed", removed))
	}
	return removed
}
