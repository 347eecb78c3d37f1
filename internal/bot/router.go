// Package bot is the Telegram-facing glue: it routes incoming updates to
// command and callback handlers and drives the draft flow for the three
// campaign kinds. Handlers stay thin; the heavy lifting lives in the
// store, access, and dispatch services.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"

	"heraldbot/internal/services/campaign"
	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
	"heraldbot/pkg/tgui"
)

// Resolver re-checks broadcast target accessibility. Satisfied by
// access.Resolver.
type Resolver interface {
	Resolve(ctx context.Context) ([]dispatch.Target, int)
	CleanInactive(ctx context.Context) (kept, removed int, err error)
}

// Launcher starts a confirmed draft detached. Satisfied by
// campaign.Runner.
type Launcher interface {
	Launch(draft *campaign.Draft, opts dispatch.Options, progress dispatch.ProgressFunc, onDone func(dispatch.Report, int)) (<-chan struct{}, error)
}

type commandFunc func(ctx context.Context, msg *transport.Message, args []string)
type callbackFunc func(ctx context.Context, cb *transport.Callback, payload string)

// sessionMode tracks the subscription-channel add flow; everything else
// is keyed off the operator's campaign draft state.
type sessionMode int

const (
	modeNone sessionMode = iota
	modeChannelName
	modeChannelLink
)

type session struct {
	mode        sessionMode
	channelName string
}

type Router struct {
	adapter  transport.Adapter
	store    *store.Store
	resolver Resolver
	drafts   *campaign.Manager
	launcher Launcher
	log      logx.Logger

	// tuning maps a campaign kind to its batch pacing; nil falls back to
	// the kind's built-in defaults.
	tuning func(campaign.Kind) dispatch.Options

	// onReport, if set, observes every finished campaign.
	onReport func(kind campaign.Kind, rep dispatch.Report, pruned int)

	adminMu  sync.RWMutex
	adminIDs []int64

	sessMu   sync.Mutex
	sessions map[int64]*session

	commands  map[string]commandFunc
	callbacks map[string]callbackFunc

	jobs chan func()
}

type Deps struct {
	Adapter  transport.Adapter
	Store    *store.Store
	Resolver Resolver
	Drafts   *campaign.Manager
	Launcher Launcher
	Log      logx.Logger
	AdminIDs []int64

	Tuning   func(campaign.Kind) dispatch.Options
	OnReport func(kind campaign.Kind, rep dispatch.Report, pruned int)
}

func NewRouter(d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	tuning := d.Tuning
	if tuning == nil {
		tuning = func(k campaign.Kind) dispatch.Options { return k.DispatchDefaults() }
	}
	r := &Router{
		adapter:  d.Adapter,
		store:    d.Store,
		resolver: d.Resolver,
		drafts:   d.Drafts,
		launcher: d.Launcher,
		log:      d.Log,
		tuning:   tuning,
		onReport: d.OnReport,
		adminIDs: append([]int64(nil), d.AdminIDs...),
		sessions: map[int64]*session{},
		jobs:     make(chan func(), 128),
	}
	r.commands = map[string]commandFunc{
		"start":       r.cmdStart,
		"admin":       r.adminOnlyCmd(r.cmdAdminPanel),
		"broadcast":   r.adminOnlyCmd(r.cmdBroadcastPanel),
		"notifyusers": r.adminOnlyCmd(r.cmdNotifyPanel),
		"notify":      r.adminOnlyCmd(r.cmdQuickNotify),
		"savechannel": r.adminOnlyCmd(r.cmdSaveChannel),
		"saveid":      r.adminOnlyCmd(r.cmdSaveID),
		"cancel":      r.cmdCancel,
	}
	r.callbacks = map[string]callbackFunc{
		"check":     r.cbCheckSubmission,
		"confirm":   r.cbConfirmSubmission,
		"submitted": r.cbAlreadySubmitted,
		"admin":     r.adminOnlyCb(r.cbAdmin),
		"chdel":     r.adminOnlyCb(r.cbDeleteChannel),
		"bc":        r.adminOnlyCb(r.cbBroadcast),
		"nu":        r.adminOnlyCb(r.cbNotify),
		"run":       r.adminOnlyCb(r.cbRun),
	}
	return r
}

// SetAdmins replaces the operator allowlist. Safe during hot-reload.
func (r *Router) SetAdmins(ids []int64) {
	cp := append([]int64(nil), ids...)
	r.adminMu.Lock()
	r.adminIDs = cp
	r.adminMu.Unlock()
}

func (r *Router) admins() []int64 {
	r.adminMu.RLock()
	cp := append([]int64(nil), r.adminIDs...)
	r.adminMu.RUnlock()
	return cp
}

func (r *Router) isAdmin(id int64) bool {
	r.adminMu.RLock()
	defer r.adminMu.RUnlock()
	for _, a := range r.adminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// DispatchLoop consumes updates until ctx is done. Handlers run on a
// small worker pool so one slow Telegram call cannot stall the queue.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan transport.Update) error {
	const workers = 4

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					r.runJob(job)
				}
			}
		}()
	}
	defer func() {
		close(r.jobs)
		wg.Wait()
		r.log.Info("update router stopped")
	}()

	r.log.Info("update router started", logx.Int("workers", workers))
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, up)
		}
	}
}

func (r *Router) runJob(job func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in update handler",
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()
	job()
}

func (r *Router) enqueue(job func()) {
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("handler queue full; update dropped")
	}
}

func (r *Router) route(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			msg := up.Message
			r.enqueue(func() { r.routeMessage(ctx, msg) })
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			cb := up.Callback
			r.enqueue(func() { r.routeCallback(ctx, cb) })
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, msg *transport.Message) {
	text := strings.TrimSpace(msg.Text)
	if strings.HasPrefix(text, "/") {
		parts := strings.Fields(text)
		word := strings.TrimPrefix(parts[0], "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		if h, ok := r.commands[strings.ToLower(word)]; ok {
			h(ctx, msg, parts[1:])
		}
		return
	}

	// Non-command messages only matter in two admin flows: the channel
	// add conversation and a draft waiting for its payload.
	if !r.isAdmin(msg.FromID) || msg.IsGroup {
		return
	}
	if r.handleSessionInput(ctx, msg) {
		return
	}
	r.handleDraftPayload(ctx, msg)
}

func (r *Router) routeCallback(ctx context.Context, cb *transport.Callback) {
	action, payload := tgui.Split(cb.Data)
	h, ok := r.callbacks[action]
	if !ok {
		return
	}
	h(ctx, cb, payload)
	// best-effort to stop the "loading" spinner
	_ = r.adapter.AnswerCallback(ctx, cb.ID, "")
}

func (r *Router) adminOnlyCmd(h commandFunc) commandFunc {
	return func(ctx context.Context, msg *transport.Message, args []string) {
		if !r.isAdmin(msg.FromID) {
			r.reply(ctx, msg, "❌ No access.")
			return
		}
		h(ctx, msg, args)
	}
}

func (r *Router) adminOnlyCb(h callbackFunc) callbackFunc {
	return func(ctx context.Context, cb *transport.Callback, payload string) {
		if !r.isAdmin(cb.FromID) {
			return
		}
		h(ctx, cb, payload)
	}
}

func (r *Router) session(operator int64) *session {
	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	s, ok := r.sessions[operator]
	if !ok {
		s = &session{}
		r.sessions[operator] = s
	}
	return s
}

func (r *Router) clearSession(operator int64) {
	r.sessMu.Lock()
	delete(r.sessions, operator)
	r.sessMu.Unlock()
}

func (r *Router) reply(ctx context.Context, msg *transport.Message, text string) {
	if _, err := r.adapter.SendText(ctx, transport.ChatTarget{ChatID: msg.ChatID}, text, nil); err != nil {
		r.log.Debug("reply failed", logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}

func (r *Router) editCb(ctx context.Context, cb *transport.Callback, m tgui.Message) {
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := m.Edit(ctx, r.adapter, ref); err != nil {
		r.log.Debug("edit failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
	}
}

func (r *Router) sendCb(ctx context.Context, cb *transport.Callback, m tgui.Message) {
	if _, err := m.Send(ctx, r.adapter, transport.ChatTarget{ChatID: cb.ChatID}); err != nil {
		r.log.Debug("send failed", logx.Int64("chat_id", cb.ChatID), logx.Err(err))
	}
}
