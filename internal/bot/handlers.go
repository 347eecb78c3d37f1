package bot

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/services/campaign"
	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/tgui"
)

func (r *Router) cmdStart(ctx context.Context, msg *transport.Message, _ []string) {
	if err := r.store.UpsertRecipient(ctx, msg.FromID, msg.FromUsername, msg.FromFirstName, msg.FromLastName); err != nil {
		r.log.Warn("recipient registration failed", logx.Int64("user_id", msg.FromID), logx.Err(err))
	}

	channels := r.store.Channels(ctx)
	b := tgui.New().Line("To use the bot, apply to join these channels:").Blank()
	for _, id := range sortedChannelIDs(channels) {
		b.Line("- " + channels[id].Name)
	}
	b.Inline(r.userKeyboard(ctx, msg.FromID))
	if _, err := b.Build().Send(ctx, r.adapter, transport.ChatTarget{ChatID: msg.ChatID}); err != nil {
		r.log.Debug("start reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

// userKeyboard renders one row per subscription channel: a link plus a
// confirm button while unconfirmed, a checkmark label once confirmed.
func (r *Router) userKeyboard(ctx context.Context, userID int64) *tgui.Inline {
	channels := r.store.Channels(ctx)
	confirmed := r.store.Submissions(ctx)[userID]

	kb := tgui.NewInline()
	for _, id := range sortedChannelIDs(channels) {
		ch := channels[id]
		if confirmed[id] {
			kb.Row(tgui.Btn("✅ "+ch.Name, tgui.Data("submitted", id)))
			continue
		}
		kb.Row(
			tgui.URLBtn(ch.Name, ch.Link),
			tgui.Btn("✓ Applied", tgui.Data("confirm", id)),
		)
	}
	kb.Row(tgui.Btn("✅ I APPLIED EVERYWHERE", tgui.Data("check", "")))
	return kb
}

func sortedChannelIDs(c store.Channels) []string {
	ids := slices.Collect(maps.Keys(c))
	sort.Slice(ids, func(i, j int) bool {
		a, aerr := strconv.Atoi(ids[i])
		b, berr := strconv.Atoi(ids[j])
		if aerr == nil && berr == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (r *Router) cmdAdminPanel(ctx context.Context, msg *transport.Message, _ []string) {
	m := adminPanelMessage()
	if _, err := m.Send(ctx, r.adapter, transport.ChatTarget{ChatID: msg.ChatID}); err != nil {
		r.log.Debug("admin panel failed", logx.Err(err))
	}
}

func adminPanelMessage() tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("➕ Add channel", tgui.Data("admin", "add"))).
		Row(tgui.Btn("📋 List channels", tgui.Data("admin", "list"))).
		Row(tgui.Btn("🗑 Delete channel", tgui.Data("admin", "del"))).
		Row(tgui.Btn("👥 Reset applications", tgui.Data("admin", "reset"))).
		Row(tgui.Btn("📢 Channel broadcast", tgui.Data("bc", "panel"))).
		Row(tgui.Btn("👥 Notify users", tgui.Data("nu", "panel")))
	return tgui.New().Title("🛠", "Admin panel").Inline(kb).Build()
}

func (r *Router) cmdBroadcastPanel(ctx context.Context, msg *transport.Message, _ []string) {
	m := r.broadcastPanelMessage(ctx)
	if _, err := m.Send(ctx, r.adapter, transport.ChatTarget{ChatID: msg.ChatID}); err != nil {
		r.log.Debug("broadcast panel failed", logx.Err(err))
	}
}

func (r *Router) broadcastPanelMessage(ctx context.Context) tgui.Message {
	targets := r.store.Targets(ctx)
	accessible := 0
	for _, t := range targets {
		if t.HasAccess {
			accessible++
		}
	}
	kb := tgui.NewInline().
		Row(tgui.Btn("📤 Start broadcast", tgui.Data("bc", "start"))).
		Row(tgui.Btn("🔄 Check access", tgui.Data("bc", "check"))).
		Row(tgui.Btn("📋 List targets", tgui.Data("bc", "list"))).
		Row(tgui.Btn("❌ Clean inactive", tgui.Data("bc", "clean")))
	return tgui.New().
		Title("📢", "Channel broadcast").
		Blank().
		KV("Targets", strconv.Itoa(len(targets))).
		KV("Accessible", strconv.Itoa(accessible)).
		Inline(kb).
		Build()
}

func (r *Router) cmdNotifyPanel(ctx context.Context, msg *transport.Message, _ []string) {
	m := r.notifyPanelMessage(ctx)
	if _, err := m.Send(ctx, r.adapter, transport.ChatTarget{ChatID: msg.ChatID}); err != nil {
		r.log.Debug("notify panel failed", logx.Err(err))
	}
}

func (r *Router) notifyPanelMessage(ctx context.Context) tgui.Message {
	kb := tgui.NewInline().
		Row(tgui.Btn("📤 Start broadcast", tgui.Data("nu", "start"))).
		Row(tgui.Btn("📊 Statistics", tgui.Data("nu", "stats"))).
		Row(tgui.Btn("🔙 Back", tgui.Data("admin", "panel")))
	return tgui.New().
		Title("👥", "User broadcast").
		Blank().
		KV("Recipients", strconv.Itoa(r.store.RecipientCount(ctx))).
		Inline(kb).
		Build()
}

// cmdQuickNotify runs /notify <text>: no draft conversation, the whole
// recipient collection gets the text immediately.
func (r *Router) cmdQuickNotify(ctx context.Context, msg *transport.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, msg, "❌ Usage: /notify <text>")
		return
	}
	text := strings.Join(args, " ")

	targets := recipientTargets(r.store.Recipients(ctx))
	if len(targets) == 0 {
		r.reply(ctx, msg, "❌ No recipients yet.")
		return
	}

	draft := r.drafts.Begin(msg.FromID, campaign.KindQuickText)
	if err := draft.SetTargets(targets); err != nil {
		r.drafts.Discard(msg.FromID)
		r.reply(ctx, msg, "❌ No recipients yet.")
		return
	}
	if err := draft.SetPayload(dispatch.Text{Body: text, DisablePreview: true}); err != nil {
		r.drafts.Discard(msg.FromID)
		r.reply(ctx, msg, "❌ Unsupported message.")
		return
	}

	statusRef, _ := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID},
		fmt.Sprintf("🔄 Notifying %d recipients...", len(targets)), nil)
	r.launchDraft(msg.FromID, draft, statusRef)

	r.reply(ctx, msg, fmt.Sprintf("✅ Quick broadcast started for %d recipients.", len(targets)))
}

func recipientTargets(rec store.Recipients) []dispatch.Target {
	ids := slices.Sorted(maps.Keys(rec))
	out := make([]dispatch.Target, 0, len(ids))
	for _, id := range ids {
		label := rec[id].Username
		if label == "" {
			label = strconv.FormatInt(id, 10)
		}
		out = append(out, dispatch.Target{ID: id, Label: label})
	}
	return out
}

// cmdSaveChannel registers the current group/channel as a broadcast
// target, verifying the bot's role first.
func (r *Router) cmdSaveChannel(ctx context.Context, msg *transport.Message, _ []string) {
	if !msg.IsGroup {
		r.reply(ctx, msg, "❌ This command only works inside channels and groups.")
		return
	}
	r.registerTarget(ctx, msg, msg.ChatID)
}

// cmdSaveID registers a broadcast target by explicit chat id.
func (r *Router) cmdSaveID(ctx context.Context, msg *transport.Message, args []string) {
	if len(args) == 0 {
		r.reply(ctx, msg, "❌ Usage: /saveid <chat_id>\nExample: /saveid -1001234567890")
		return
	}
	chatID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		r.reply(ctx, msg, "❌ Chat id must be a number.\nExample: /saveid -1001234567890")
		return
	}
	r.registerTarget(ctx, msg, chatID)
}

func (r *Router) registerTarget(ctx context.Context, msg *transport.Message, chatID int64) {
	role, err := r.adapter.SelfRole(ctx, chatID)
	if err != nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ Cannot check the chat: %v", err))
		return
	}
	if role != transport.RoleAdministrator && role != transport.RoleCreator {
		r.reply(ctx, msg, fmt.Sprintf("❌ Target not saved.\n\n🔢 ID: %d\n👑 Bot rights: none\n\nMake sure the bot is an administrator there.", chatID))
		return
	}

	title := fmt.Sprintf("Target %d", chatID)
	if info, err := r.adapter.Chat(ctx, chatID); err == nil && info.Title != "" {
		title = info.Title
	}
	if err := r.store.UpsertTarget(ctx, chatID, title); err != nil {
		r.reply(ctx, msg, fmt.Sprintf("❌ Error: %v", err))
		return
	}
	r.reply(ctx, msg, fmt.Sprintf("✅ Target saved.\n\n📝 Title: %s\n🔢 ID: %d\n👑 Bot rights: admin", title, chatID))
}

func (r *Router) cmdCancel(ctx context.Context, msg *transport.Message, _ []string) {
	r.clearSession(msg.FromID)
	if d, ok := r.drafts.Get(msg.FromID); ok {
		if err := d.Cancel(); err == nil {
			r.drafts.Discard(msg.FromID)
		}
	}
	r.reply(ctx, msg, "❌ Cancelled.")
}

// handleSessionInput consumes a plain message when the operator is in the
// channel add conversation. Reports whether the message was consumed.
func (r *Router) handleSessionInput(ctx context.Context, msg *transport.Message) bool {
	r.sessMu.Lock()
	s, ok := r.sessions[msg.FromID]
	r.sessMu.Unlock()
	if !ok {
		return false
	}
	switch s.mode {
	case modeChannelName:
		s.channelName = strings.TrimSpace(msg.Text)
		s.mode = modeChannelLink
		r.reply(ctx, msg, "🔗 Send the invite link:")
		return true
	case modeChannelLink:
		name := s.channelName
		link := strings.TrimSpace(msg.Text)
		r.clearSession(msg.FromID)
		if _, err := r.store.AddChannel(ctx, name, link); err != nil {
			r.reply(ctx, msg, fmt.Sprintf("❌ Error: %v", err))
			return true
		}
		r.reply(ctx, msg, fmt.Sprintf("✅ Channel «%s» added.", name))
		return true
	}
	return false
}

// handleDraftPayload attaches an operator's message to a draft waiting
// for its payload and asks for confirmation.
func (r *Router) handleDraftPayload(ctx context.Context, msg *transport.Message) {
	draft, ok := r.drafts.Get(msg.FromID)
	if !ok || draft.State() != campaign.StateAwaitingPayload {
		return
	}

	payload := dispatch.FromMessage(msg)
	if err := draft.SetPayload(payload); err != nil {
		r.drafts.Discard(msg.FromID)
		r.reply(ctx, msg, "❌ Unsupported message type.")
		return
	}

	kb := tgui.ConfirmInline(
		tele.Btn{Text: "✅ Start", Data: tgui.Data("run", "confirm")},
		tele.Btn{Text: "❌ Cancel", Data: tgui.Data("run", "cancel")},
	)
	m := tgui.New().
		Title("📋", "Confirm broadcast").
		Blank().
		KV("Targets", strconv.Itoa(len(draft.Targets()))).
		KV("Message type", payload.Kind()).
		Inline(kb).
		Build()
	if _, err := m.Send(ctx, r.adapter, transport.ChatTarget{ChatID: msg.ChatID}); err != nil {
		r.log.Debug("confirm prompt failed", logx.Err(err))
	}
}

// completionReport renders the final status-message text: totals, the
// success rate, and the sampled failures with their reasons.
func completionReport(rep dispatch.Report, pruned int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Broadcast finished.\n\n👥 Total: %d\n✅ Sent: %d\n❌ Failed: %d", rep.Total, rep.Successful, rep.Failed)
	if rep.Total > 0 {
		fmt.Fprintf(&b, "\n📈 Efficiency: %.1f%%", rep.SuccessRate())
	}
	if pruned > 0 {
		fmt.Fprintf(&b, "\n🚫 Removed unreachable: %d", pruned)
	}
	if len(rep.FailureSamples) > 0 {
		b.WriteString("\n\n❌ Problem targets:")
		for _, s := range rep.FailureSamples {
			fmt.Fprintf(&b, "\n• %s (%s)", s.Label, s.Reason)
		}
		if more := rep.Failed - len(rep.Unreachable) - len(rep.FailureSamples); more > 0 {
			fmt.Fprintf(&b, "\nand %d more...", more)
		}
	}
	return b.String()
}

// launchDraft starts a confirmed draft detached, with a status message as
// its progress surface. The manager handle is dropped immediately; the
// run itself keeps going.
func (r *Router) launchDraft(operator int64, draft *campaign.Draft, statusRef transport.MessageRef) {
	kind := draft.Kind
	total := len(draft.Targets())
	progress := NewStatusProgress(r.adapter, statusRef)

	_, err := r.launcher.Launch(draft, r.tuning(kind), progress, func(rep dispatch.Report, pruned int) {
		if r.onReport != nil {
			r.onReport(kind, rep, pruned)
		}
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = r.adapter.EditText(bg, statusRef, completionReport(rep, pruned), nil)
	})
	if err != nil {
		r.log.Warn("campaign launch failed", logx.Int64("operator", operator), logx.Err(err))
		return
	}
	r.drafts.Discard(operator)
	r.log.Info("campaign launched",
		logx.Int64("operator", operator),
		logx.String("kind", kind.String()),
		logx.Int("targets", total))
}
