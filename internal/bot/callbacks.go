package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"heraldbot/internal/services/campaign"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/tgui"
)

// cbCheckSubmission handles the "I applied everywhere" button: verifies
// the user confirmed every subscription channel and tells the admins.
func (r *Router) cbCheckSubmission(ctx context.Context, cb *transport.Callback, _ string) {
	channels := r.store.Channels(ctx)
	confirmed := r.store.Submissions(ctx)[cb.FromID]

	var missing []string
	for _, id := range sortedChannelIDs(channels) {
		if !confirmed[id] {
			missing = append(missing, channels[id].Name)
		}
	}

	if len(missing) > 0 {
		var b strings.Builder
		b.WriteString("❌ YOU HAVE NOT APPLIED TO ALL CHANNELS!\n\n")
		for _, name := range missing {
			b.WriteString("- " + name + "\n")
		}
		r.sendCb(ctx, cb, tgui.New().ParseMode("").RawLine(strings.TrimRight(b.String(), "\n")).Build())
		return
	}

	r.notifyAdmins(cb)
	r.editCb(ctx, cb, tgui.New().Line("🎉 Congratulations! All applications submitted.").Build())
}

// notifyAdmins fans the "user applied everywhere" note out to every
// operator in the background, best-effort.
func (r *Router) notifyAdmins(cb *transport.Callback) {
	who := "ID: " + strconv.FormatInt(cb.FromID, 10)
	if rec, ok := r.store.Recipients(context.Background())[cb.FromID]; ok && rec.Username != "" {
		who = "@" + rec.Username
	}
	text := fmt.Sprintf("🎉 A user submitted all applications!\n\n👤 User: %s", who)

	admins := r.admins()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, id := range admins {
			if _, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: id}, text, nil); err != nil {
				r.log.Debug("admin notify failed", logx.Int64("admin_id", id), logx.Err(err))
			}
		}
	}()
}

func (r *Router) cbConfirmSubmission(ctx context.Context, cb *transport.Callback, channelID string) {
	if err := r.store.ConfirmSubmission(ctx, cb.FromID, channelID); err != nil {
		r.log.Warn("submission confirm failed", logx.Int64("user_id", cb.FromID), logx.Err(err))
		return
	}
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "✅ Application confirmed")

	// Re-render the keyboard so the confirmed channel flips to a checkmark.
	channels := r.store.Channels(ctx)
	b := tgui.New().Line("To use the bot, apply to join these channels:").Blank()
	for _, id := range sortedChannelIDs(channels) {
		b.Line("- " + channels[id].Name)
	}
	b.Inline(r.userKeyboard(ctx, cb.FromID))
	r.editCb(ctx, cb, b.Build())
}

func (r *Router) cbAlreadySubmitted(ctx context.Context, cb *transport.Callback, _ string) {
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "✅ Already confirmed for this channel")
}

func (r *Router) cbAdmin(ctx context.Context, cb *transport.Callback, action string) {
	switch action {
	case "panel":
		r.editCb(ctx, cb, adminPanelMessage())
	case "add":
		r.session(cb.FromID).mode = modeChannelName
		r.sendCb(ctx, cb, tgui.New().Line("📝 Send the channel name:").Build())
	case "list":
		channels := r.store.Channels(ctx)
		if len(channels) == 0 {
			r.sendCb(ctx, cb, tgui.New().Line("❌ No channels.").Build())
			return
		}
		b := tgui.New().Title("📋", "Channels").Blank()
		for _, id := range sortedChannelIDs(channels) {
			ch := channels[id]
			b.Line(fmt.Sprintf("%s. %s", id, ch.Name)).Line("   🔗 " + ch.Link)
		}
		r.sendCb(ctx, cb, b.Build())
	case "del":
		channels := r.store.Channels(ctx)
		if len(channels) == 0 {
			r.sendCb(ctx, cb, tgui.New().Line("❌ Nothing to delete.").Build())
			return
		}
		kb := tgui.NewInline()
		for _, id := range sortedChannelIDs(channels) {
			kb.Row(tgui.Btn("🗑 "+channels[id].Name, tgui.Data("chdel", id)))
		}
		r.sendCb(ctx, cb, tgui.New().Line("🗑 Pick a channel to delete:").Inline(kb).Build())
	case "reset":
		if err := r.store.ResetSubmissions(ctx); err != nil {
			r.sendCb(ctx, cb, tgui.New().Line(fmt.Sprintf("❌ Error: %v", err)).Build())
			return
		}
		r.sendCb(ctx, cb, tgui.New().Line("✅ All applications reset.").Build())
	}
}

func (r *Router) cbDeleteChannel(ctx context.Context, cb *transport.Callback, channelID string) {
	ch, found, err := r.store.DeleteChannel(ctx, channelID)
	if err != nil {
		r.sendCb(ctx, cb, tgui.New().Line(fmt.Sprintf("❌ Error: %v", err)).Build())
		return
	}
	if !found {
		r.sendCb(ctx, cb, tgui.New().Line("❌ Channel not found.").Build())
		return
	}
	r.sendCb(ctx, cb, tgui.New().Line(fmt.Sprintf("✅ Channel «%s» deleted.", ch.Name)).Build())
}

func (r *Router) cbBroadcast(ctx context.Context, cb *transport.Callback, action string) {
	switch action {
	case "panel":
		r.editCb(ctx, cb, r.broadcastPanelMessage(ctx))
	case "start":
		targets, total := r.resolver.Resolve(ctx)
		draft := r.drafts.Begin(cb.FromID, campaign.KindChannelBroadcast)
		if err := draft.SetTargets(targets); err != nil {
			r.drafts.Discard(cb.FromID)
			r.editCb(ctx, cb, tgui.New().Line("❌ No accessible targets to broadcast to.").Build())
			return
		}
		r.editCb(ctx, cb, tgui.New().
			Title("📝", "Starting a broadcast").
			Blank().
			KV("Accessible targets", fmt.Sprintf("%d of %d", len(targets), total)).
			Blank().
			Line("Send the message to broadcast (text, photo, video or document).").
			Line("Use /cancel to abort.").
			Build())
	case "check":
		targets, total := r.resolver.Resolve(ctx)
		r.editCb(ctx, cb, tgui.New().
			Line(fmt.Sprintf("🔄 Access checked: %d of %d targets accessible.", len(targets), total)).
			Build())
	case "list":
		targets := r.store.Targets(ctx)
		if len(targets) == 0 {
			r.editCb(ctx, cb, tgui.New().Line("❌ No broadcast targets saved.").Build())
			return
		}
		ids := make([]int64, 0, len(targets))
		for id := range targets {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		b := tgui.New().Title("📋", "Broadcast targets").Blank()
		for _, id := range ids {
			t := targets[id]
			mark := "❌"
			if t.HasAccess {
				mark = "✅"
			}
			b.Line(fmt.Sprintf("%s %s (%d)", mark, t.Title, id))
		}
		r.editCb(ctx, cb, b.Build())
	case "clean":
		kept, removed, err := r.resolver.CleanInactive(ctx)
		if err != nil {
			r.editCb(ctx, cb, tgui.New().Line(fmt.Sprintf("❌ Error: %v", err)).Build())
			return
		}
		r.editCb(ctx, cb, tgui.New().
			Line(fmt.Sprintf("✅ Cleaned up: kept %d, removed %d inaccessible.", kept, removed)).
			Build())
	}
}

func (r *Router) cbNotify(ctx context.Context, cb *transport.Callback, action string) {
	switch action {
	case "panel":
		r.editCb(ctx, cb, r.notifyPanelMessage(ctx))
	case "start":
		targets := recipientTargets(r.store.Recipients(ctx))
		draft := r.drafts.Begin(cb.FromID, campaign.KindUserBroadcast)
		if err := draft.SetTargets(targets); err != nil {
			r.drafts.Discard(cb.FromID)
			r.editCb(ctx, cb, tgui.New().Line("❌ No recipients to notify.").Build())
			return
		}
		r.editCb(ctx, cb, tgui.New().
			Title("📝", "Starting a user broadcast").
			Blank().
			KV("Recipients", strconv.Itoa(len(targets))).
			Blank().
			Line("Send the message to broadcast (text, photo, video or document).").
			Line("Use /cancel to abort.").
			Build())
	case "stats":
		r.editCb(ctx, cb, r.statsMessage(ctx))
	}
}

// statsMessage summarizes recipient activity: totals, active windows,
// and the five newest sign-ups.
func (r *Router) statsMessage(ctx context.Context) tgui.Message {
	recipients := r.store.Recipients(ctx)
	now := time.Now()

	activeWeek, activeMonth := 0, 0
	for _, rec := range recipients {
		if rec.LastSeen.IsZero() {
			continue
		}
		age := now.Sub(rec.LastSeen)
		if age <= 7*24*time.Hour {
			activeWeek++
		}
		if age <= 30*24*time.Hour {
			activeMonth++
		}
	}

	b := tgui.New().
		Title("📊", "Recipient statistics").
		Blank().
		KV("Total", strconv.Itoa(len(recipients))).
		KV("Active last 7 days", strconv.Itoa(activeWeek)).
		KV("Active last 30 days", strconv.Itoa(activeMonth)).
		KV("Inactive", strconv.Itoa(len(recipients)-activeMonth))

	if newest := newestRecipients(recipients, 5); len(newest) > 0 {
		b.Blank().Line("🆕 Newest recipients:")
		for _, rec := range newest {
			name := rec.Username
			if name == "" {
				name = "no username"
			}
			b.Line(fmt.Sprintf("• @%s (%s)", name, rec.FirstName))
		}
	}

	kb := tgui.NewInline().
		Row(tgui.Btn("📤 Start broadcast", tgui.Data("nu", "start"))).
		Row(tgui.Btn("🔙 Back", tgui.Data("nu", "panel")))
	return b.Inline(kb).Build()
}

func newestRecipients(rec store.Recipients, n int) []store.Recipient {
	all := make([]store.Recipient, 0, len(rec))
	for _, v := range rec {
		all = append(all, v)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].JoinedAt.After(all[j].JoinedAt) })
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// cbRun confirms or aborts a draft in AwaitingConfirmation.
func (r *Router) cbRun(ctx context.Context, cb *transport.Callback, action string) {
	draft, ok := r.drafts.Get(cb.FromID)
	if !ok {
		r.editCb(ctx, cb, tgui.New().Line("❌ No broadcast in progress.").Build())
		return
	}

	switch action {
	case "cancel":
		if err := draft.Cancel(); err != nil {
			r.editCb(ctx, cb, tgui.New().Line("❌ Too late to cancel.").Build())
			return
		}
		r.drafts.Discard(cb.FromID)
		r.editCb(ctx, cb, tgui.New().Line("❌ Broadcast cancelled.").Build())
	case "confirm":
		total := len(draft.Targets())
		r.editCb(ctx, cb, tgui.New().Line(fmt.Sprintf("🔄 Dispatching to %d targets...", total)).Build())
		statusRef := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
		r.launchDraft(cb.FromID, draft, statusRef)
	}
}
