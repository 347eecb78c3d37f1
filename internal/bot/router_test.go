package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"heraldbot/internal/services/campaign"
	"heraldbot/internal/services/dispatch"
	"heraldbot/internal/store"
	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
	markup *tele.ReplyMarkup
}

type editMsg struct {
	ref  transport.MessageRef
	text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	edits   []editMsg
	answers []string
	roles   map[int64]transport.MemberRole
	chats   map[int64]transport.ChatInfo
	nextID  int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		roles: map[int64]transport.MemberRole{},
		chats: map[int64]transport.ChatInfo{},
	}
}

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rm *tele.ReplyMarkup
	if opt != nil {
		rm, _ = opt.ReplyMarkupAdapter.(*tele.ReplyMarkup)
	}
	f.sent = append(f.sent, sentMsg{chatID: to.ChatID, text: text, markup: rm})
	f.nextID++
	return transport.MessageRef{ChatID: to.ChatID, MessageID: f.nextID}, nil
}

func (f *fakeAdapter) SendPhoto(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendVideo(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SendDocument(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                          { return nil }

func (f *fakeAdapter) EditText(_ context.Context, ref transport.MessageRef, text string, _ *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editMsg{ref: ref, text: text})
	return nil
}

func (f *fakeAdapter) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeAdapter) SelfRole(_ context.Context, chatID int64) (transport.MemberRole, error) {
	if role, ok := f.roles[chatID]; ok {
		return role, nil
	}
	return transport.RoleNone, nil
}

func (f *fakeAdapter) Chat(_ context.Context, chatID int64) (transport.ChatInfo, error) {
	return f.chats[chatID], nil
}

func (f *fakeAdapter) lastSent(t *testing.T) sentMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeAdapter) lastEdit(t *testing.T) editMsg {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.edits) == 0 {
		t.Fatal("nothing edited")
	}
	return f.edits[len(f.edits)-1]
}

type memBackend struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func newMemBackend() *memBackend { return &memBackend{docs: map[string][]byte{}} }

func (b *memBackend) Load(_ context.Context, name string) ([]byte, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	doc, ok := b.docs[name]
	return doc, ok, nil
}

func (b *memBackend) Save(_ context.Context, name string, doc []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[name] = append([]byte(nil), doc...)
	return nil
}

func (b *memBackend) Close() error { return nil }

type fakeResolver struct {
	targets []dispatch.Target
	total   int
	kept    int
	removed int
}

func (f *fakeResolver) Resolve(context.Context) ([]dispatch.Target, int) {
	return f.targets, f.total
}

func (f *fakeResolver) CleanInactive(context.Context) (int, int, error) {
	return f.kept, f.removed, nil
}

type launchCall struct {
	draft *campaign.Draft
	opts  dispatch.Options
}

type fakeLauncher struct {
	mu     sync.Mutex
	calls  []launchCall
	report *dispatch.Report
	pruned int
}

func (f *fakeLauncher) Launch(draft *campaign.Draft, opts dispatch.Options, _ dispatch.ProgressFunc, onDone func(dispatch.Report, int)) (<-chan struct{}, error) {
	f.mu.Lock()
	f.calls = append(f.calls, launchCall{draft: draft, opts: opts})
	f.mu.Unlock()
	done := make(chan struct{})
	close(done)
	if onDone != nil {
		rep := dispatch.Report{Total: len(draft.Targets()), Successful: len(draft.Targets())}
		if f.report != nil {
			rep = *f.report
		}
		onDone(rep, f.pruned)
	}
	return done, nil
}

const adminID = int64(100)

type testEnv struct {
	router   *Router
	adapter  *fakeAdapter
	store    *store.Store
	resolver *fakeResolver
	launcher *fakeLauncher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.New(store.Config{}, newMemBackend(), logx.Nop())
	ad := newFakeAdapter()
	res := &fakeResolver{}
	ln := &fakeLauncher{}
	r := NewRouter(Deps{
		Adapter:  ad,
		Store:    st,
		Resolver: res,
		Drafts:   campaign.NewManager(),
		Launcher: ln,
		Log:      logx.Nop(),
		AdminIDs: []int64{adminID},
	})
	return &testEnv{router: r, adapter: ad, store: st, resolver: res, launcher: ln}
}

func userMsg(from int64, text string) *transport.Message {
	return &transport.Message{ChatID: from, FromID: from, Text: text, FromUsername: "user"}
}

func callback(from int64, data string) *transport.Callback {
	return &transport.Callback{ID: "cb", FromID: from, ChatID: from, MessageID: 7, Data: data}
}

func TestStartRegistersRecipient(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	if _, err := env.store.AddChannel(ctx, "News", "https://t.me/news"); err != nil {
		t.Fatal(err)
	}

	env.router.routeMessage(ctx, userMsg(55, "/start"))

	if got := env.store.RecipientCount(ctx); got != 1 {
		t.Fatalf("recipient count = %d", got)
	}
	sent := env.adapter.lastSent(t)
	if !strings.Contains(sent.text, "News") {
		t.Fatalf("start message missing channel list: %q", sent.text)
	}
	if sent.markup == nil {
		t.Fatal("start message has no keyboard")
	}
}

func TestAdminCommandsGated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.router.routeMessage(ctx, userMsg(55, "/admin"))
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "No access") {
		t.Fatalf("non-admin got: %q", sent.text)
	}

	env.router.routeMessage(ctx, userMsg(adminID, "/admin"))
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "Admin panel") {
		t.Fatalf("admin got: %q", sent.text)
	}
}

func TestSubmissionConfirmAndCheck(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	id1, _ := env.store.AddChannel(ctx, "One", "https://t.me/one")
	id2, _ := env.store.AddChannel(ctx, "Two", "https://t.me/two")

	// Only one confirmed: check lists the other.
	env.router.routeCallback(ctx, callback(55, "confirm:"+id1))
	if !env.store.Submissions(ctx)[55][id1] {
		t.Fatal("submission not persisted")
	}
	env.router.routeCallback(ctx, callback(55, "check:"))
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "Two") {
		t.Fatalf("missing-channel list wrong: %q", sent.text)
	}

	// Both confirmed: success edit plus background admin notify.
	env.router.routeCallback(ctx, callback(55, "confirm:"+id2))
	env.router.routeCallback(ctx, callback(55, "check:"))
	if edit := env.adapter.lastEdit(t); !strings.Contains(edit.text, "Congratulations") {
		t.Fatalf("success edit wrong: %q", edit.text)
	}

	deadline := time.After(2 * time.Second)
	for {
		env.adapter.mu.Lock()
		var notified bool
		for _, s := range env.adapter.sent {
			if s.chatID == adminID && strings.Contains(s.text, "submitted all applications") {
				notified = true
			}
		}
		env.adapter.mu.Unlock()
		if notified {
			break
		}
		select {
		case <-deadline:
			t.Fatal("admins never notified")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestChannelAddConversation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.router.routeCallback(ctx, callback(adminID, "admin:add"))
	env.router.routeMessage(ctx, userMsg(adminID, "My Channel"))
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "invite link") {
		t.Fatalf("link prompt wrong: %q", sent.text)
	}
	env.router.routeMessage(ctx, userMsg(adminID, "https://t.me/mychannel"))

	channels := env.store.Channels(ctx)
	if len(channels) != 1 {
		t.Fatalf("channels = %d", len(channels))
	}
	for _, ch := range channels {
		if ch.Name != "My Channel" || ch.Link != "https://t.me/mychannel" {
			t.Fatalf("channel = %+v", ch)
		}
	}
}

func TestBroadcastFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.resolver.targets = []dispatch.Target{{ID: -1, Label: "A"}, {ID: -2, Label: "B"}}
	env.resolver.total = 3

	env.router.routeCallback(ctx, callback(adminID, "bc:start"))
	if edit := env.adapter.lastEdit(t); !strings.Contains(edit.text, "2 of 3") {
		t.Fatalf("start edit wrong: %q", edit.text)
	}

	env.router.routeMessage(ctx, userMsg(adminID, "hello targets"))
	sent := env.adapter.lastSent(t)
	if !strings.Contains(sent.text, "Confirm broadcast") || sent.markup == nil {
		t.Fatalf("confirm prompt wrong: %q", sent.text)
	}

	env.router.routeCallback(ctx, callback(adminID, "run:confirm"))
	env.launcher.mu.Lock()
	calls := len(env.launcher.calls)
	var call launchCall
	if calls > 0 {
		call = env.launcher.calls[0]
	}
	env.launcher.mu.Unlock()
	if calls != 1 {
		t.Fatalf("launch calls = %d", calls)
	}
	if call.draft.Kind != campaign.KindChannelBroadcast || len(call.draft.Targets()) != 2 {
		t.Fatalf("launched draft = kind %v targets %d", call.draft.Kind, len(call.draft.Targets()))
	}
	if call.opts.BatchSize != 1 || call.opts.InterBatchDelay != 500*time.Millisecond {
		t.Fatalf("channel tuning = %+v", call.opts)
	}
	if _, ok := env.router.drafts.Get(adminID); ok {
		t.Fatal("draft still held after launch")
	}
}

func TestBroadcastNoTargets(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.router.routeCallback(ctx, callback(adminID, "bc:start"))
	if edit := env.adapter.lastEdit(t); !strings.Contains(edit.text, "No accessible targets") {
		t.Fatalf("edit = %q", edit.text)
	}
	if _, ok := env.router.drafts.Get(adminID); ok {
		t.Fatal("empty draft not discarded")
	}
}

func TestBroadcastCancel(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.resolver.targets = []dispatch.Target{{ID: -1}}
	env.resolver.total = 1

	env.router.routeCallback(ctx, callback(adminID, "bc:start"))
	env.router.routeMessage(ctx, userMsg(adminID, "hello"))
	env.router.routeCallback(ctx, callback(adminID, "run:cancel"))

	if edit := env.adapter.lastEdit(t); !strings.Contains(edit.text, "cancelled") {
		t.Fatalf("edit = %q", edit.text)
	}
	if len(env.launcher.calls) != 0 {
		t.Fatal("cancelled draft was launched")
	}
}

func TestQuickNotify(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertRecipient(ctx, 1, "a", "A", ""); err != nil {
		t.Fatal(err)
	}
	if err := env.store.UpsertRecipient(ctx, 2, "b", "B", ""); err != nil {
		t.Fatal(err)
	}

	env.router.routeMessage(ctx, userMsg(adminID, "/notify hello everyone"))

	env.launcher.mu.Lock()
	defer env.launcher.mu.Unlock()
	if len(env.launcher.calls) != 1 {
		t.Fatalf("launch calls = %d", len(env.launcher.calls))
	}
	call := env.launcher.calls[0]
	if call.draft.Kind != campaign.KindQuickText {
		t.Fatalf("kind = %v", call.draft.Kind)
	}
	txt, ok := call.draft.Payload().(dispatch.Text)
	if !ok || txt.Body != "hello everyone" {
		t.Fatalf("payload = %#v", call.draft.Payload())
	}
	if call.opts.BatchSize != 25 || call.opts.InterBatchDelay != 30*time.Millisecond {
		t.Fatalf("quick tuning = %+v", call.opts)
	}
}

func TestQuickNotifyNoArgs(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.router.routeMessage(context.Background(), userMsg(adminID, "/notify"))
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "Usage") {
		t.Fatalf("sent = %q", sent.text)
	}
}

func TestSaveIDVerifiesRole(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.adapter.roles[-100] = transport.RoleAdministrator
	env.adapter.chats[-100] = transport.ChatInfo{ID: -100, Title: "Ops", Kind: "channel"}

	env.router.routeMessage(ctx, userMsg(adminID, "/saveid -100"))
	targets := env.store.Targets(ctx)
	if tg, ok := targets[-100]; !ok || tg.Title != "Ops" || !tg.HasAccess {
		t.Fatalf("target = %+v (ok=%v)", targets[-100], ok)
	}

	// No admin rights: nothing saved.
	env.router.routeMessage(ctx, userMsg(adminID, "/saveid -200"))
	if _, ok := env.store.Targets(ctx)[-200]; ok {
		t.Fatal("target saved without rights")
	}
	if sent := env.adapter.lastSent(t); !strings.Contains(sent.text, "not saved") {
		t.Fatalf("sent = %q", sent.text)
	}
}

func TestCancelCommandClearsState(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.resolver.targets = []dispatch.Target{{ID: -1}}
	env.resolver.total = 1

	env.router.routeCallback(ctx, callback(adminID, "bc:start"))
	env.router.routeMessage(ctx, userMsg(adminID, "/cancel"))
	if _, ok := env.router.drafts.Get(adminID); ok {
		t.Fatal("draft survived /cancel")
	}

	// A later plain message must not be swallowed as a payload.
	env.router.routeMessage(ctx, userMsg(adminID, "just chatting"))
	if len(env.launcher.calls) != 0 {
		t.Fatal("stray message launched a campaign")
	}
}

func TestCompletionReportSurfacesFailures(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.store.UpsertRecipient(ctx, 1, "a", "A", ""); err != nil {
		t.Fatal(err)
	}
	env.launcher.report = &dispatch.Report{
		Total:       10,
		Successful:  7,
		Failed:      3,
		Unreachable: []int64{4},
		FailureSamples: []dispatch.FailureSample{
			{Label: "Ops", Reason: "Too Many Requests: retry after 5"},
		},
	}
	env.launcher.pruned = 1

	env.router.routeMessage(ctx, userMsg(adminID, "/notify hi"))

	edit := env.adapter.lastEdit(t)
	for _, want := range []string{
		"Total: 10",
		"Efficiency: 70.0%",
		"Removed unreachable: 1",
		"Ops (Too Many Requests: retry after 5)",
		"and 1 more...",
	} {
		if !strings.Contains(edit.text, want) {
			t.Fatalf("final report missing %q:\n%s", want, edit.text)
		}
	}
}

func TestStatusProgressEditsMessage(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	ref := transport.MessageRef{ChatID: 5, MessageID: 9}
	progress := NewStatusProgress(ad, ref)

	if err := progress(dispatch.Progress{Successful: 18, Failed: 2, Processed: 20, Total: 47}); err != nil {
		t.Fatalf("progress: %v", err)
	}
	edit := ad.lastEdit(t)
	if edit.ref != ref || !strings.Contains(edit.text, "20/47") {
		t.Fatalf("edit = %+v", edit)
	}
}

func TestCleanInactiveCallback(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	env.resolver.kept = 2
	env.resolver.removed = 3
	env.router.routeCallback(context.Background(), callback(adminID, "bc:clean"))
	if edit := env.adapter.lastEdit(t); !strings.Contains(edit.text, "kept 2, removed 3") {
		t.Fatalf("edit = %q", edit.text)
	}
}
