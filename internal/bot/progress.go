package bot

import (
	"context"
	"fmt"
	"time"

	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/transport"
)

// NewStatusProgress returns a progress sink that edits one status
// message in place. Edit failures are reported upward and discarded by
// the dispatcher; a dead status message never affects the run.
func NewStatusProgress(ad transport.Adapter, ref transport.MessageRef) dispatch.ProgressFunc {
	return func(p dispatch.Progress) error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		text := fmt.Sprintf("🔄 %d/%d... ✅ %d ❌ %d", p.Processed, p.Total, p.Successful, p.Failed)
		return ad.EditText(ctx, ref, text, nil)
	}
}
