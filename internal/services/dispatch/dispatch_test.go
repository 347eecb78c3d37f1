package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"heraldbot/internal/transport"
	"heraldbot/pkg/logx"
)

// fakeSender records sends and fails the ids it is told to fail.
type fakeSender struct {
	mu   sync.Mutex
	sent []int64
	fail map[int64]error

	// barrier, when non-nil, makes every send wait until barrierN sends
	// are in flight. Used to prove intra-batch concurrency.
	barrier  chan struct{}
	barrierN int
}

func (f *fakeSender) deliver(to transport.ChatTarget) (transport.MessageRef, error) {
	if f.barrier != nil {
		f.barrier <- struct{}{}
		for len(f.barrier) < f.barrierN {
			time.Sleep(time.Millisecond)
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, to.ChatID)
	err := f.fail[to.ChatID]
	f.mu.Unlock()
	if err != nil {
		return transport.MessageRef{}, err
	}
	return transport.MessageRef{ChatID: to.ChatID, MessageID: 1}, nil
}

func (f *fakeSender) SendText(_ context.Context, to transport.ChatTarget, _ string, _ *transport.SendOptions) (transport.MessageRef, error) {
	return f.deliver(to)
}
func (f *fakeSender) SendPhoto(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return f.deliver(to)
}
func (f *fakeSender) SendVideo(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return f.deliver(to)
}
func (f *fakeSender) SendDocument(_ context.Context, to transport.ChatTarget, _ transport.Media) (transport.MessageRef, error) {
	return f.deliver(to)
}

func newTestDispatcher(s transport.Sender) *Dispatcher {
	d := New(s, logx.Nop())
	d.sleep = func(context.Context, time.Duration) {}
	return d
}

func makeTargets(n int) []Target {
	out := make([]Target, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, Target{ID: int64(i), Label: fmt.Sprintf("target-%d", i)})
	}
	return out
}

func TestExecuteAllSucceed(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	var snapshots []Progress
	rep := d.Execute(context.Background(), makeTargets(47), Text{Body: "hi"},
		Options{BatchSize: 20, ProgressEvery: 1},
		func(p Progress) error { snapshots = append(snapshots, p); return nil })

	if rep.Total != 47 || rep.Successful != 47 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Unreachable) != 0 {
		t.Fatalf("unreachable = %v, want empty", rep.Unreachable)
	}
	if len(sender.sent) != 47 {
		t.Fatalf("sent %d messages, want 47", len(sender.sent))
	}

	// 3 batches of 20, 20, 7, visible as the processed counts.
	want := []int{20, 40, 47}
	if len(snapshots) != len(want) {
		t.Fatalf("got %d progress snapshots, want %d", len(snapshots), len(want))
	}
	for i, p := range snapshots {
		if p.Processed != want[i] || p.Total != 47 {
			t.Fatalf("snapshot %d = %+v, want processed %d", i, p, want[i])
		}
	}
}

func TestExecuteClassifiesBlockedAsUnreachable(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{fail: map[int64]error{
		2: errors.New("Forbidden: bot was blocked by the user"),
		5: errors.New("Forbidden: bot was blocked by the user"),
		8: errors.New("Bad Request: chat not found"),
	}}
	d := newTestDispatcher(sender)

	rep := d.Execute(context.Background(), makeTargets(10), Text{Body: "hi"}, Options{BatchSize: 20}, nil)

	if rep.Successful != 7 || rep.Failed != 3 {
		t.Fatalf("report = %+v, want 7/3", rep)
	}
	if rep.Successful+rep.Failed != rep.Total {
		t.Fatalf("successful+failed = %d, total = %d", rep.Successful+rep.Failed, rep.Total)
	}
	got := map[int64]bool{}
	for _, id := range rep.Unreachable {
		got[id] = true
	}
	if len(got) != 3 || !got[2] || !got[5] || !got[8] {
		t.Fatalf("unreachable = %v, want {2,5,8}", rep.Unreachable)
	}
	if len(rep.FailureSamples) != 0 {
		t.Fatalf("permanent failures must not be sampled: %v", rep.FailureSamples)
	}
}

func TestExecuteSamplesTransientFailures(t *testing.T) {
	t.Parallel()
	longReason := "Too Many Requests: retry after 30 " + strings.Repeat("x", 60)
	fail := map[int64]error{}
	for id := int64(1); id <= 15; id++ {
		fail[id] = errors.New(longReason)
	}
	sender := &fakeSender{fail: fail}
	d := newTestDispatcher(sender)

	rep := d.Execute(context.Background(), makeTargets(15), Text{Body: "hi"}, Options{BatchSize: 4}, nil)

	if rep.Failed != 15 || rep.Successful != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(rep.Unreachable) != 0 {
		t.Fatalf("transient failures marked unreachable: %v", rep.Unreachable)
	}
	if len(rep.FailureSamples) != failureSampleCap {
		t.Fatalf("kept %d samples, want cap %d", len(rep.FailureSamples), failureSampleCap)
	}
	for _, s := range rep.FailureSamples {
		if len(s.Reason) > reasonMaxLen {
			t.Fatalf("sample reason not truncated: %d chars", len(s.Reason))
		}
		if s.Label == "" {
			t.Fatal("sample lost its target label")
		}
	}
}

func TestTruncateReasonKeepsRunesIntact(t *testing.T) {
	t.Parallel()
	if got := truncateReason("short"); got != "short" {
		t.Fatalf("short reason changed: %q", got)
	}

	reason := strings.Repeat("ü", reasonMaxLen+10)
	got := truncateReason(reason)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation split a rune: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != reasonMaxLen {
		t.Fatalf("kept %d runes, want %d", n, reasonMaxLen)
	}
}

func TestExecuteBatchIsConcurrent(t *testing.T) {
	t.Parallel()
	const n = 5
	sender := &fakeSender{barrier: make(chan struct{}, n), barrierN: n}
	d := newTestDispatcher(sender)

	done := make(chan Report, 1)
	go func() {
		done <- d.Execute(context.Background(), makeTargets(n), Text{Body: "hi"}, Options{BatchSize: n}, nil)
	}()

	// Every send blocks until all n are in flight; a sequential
	// implementation would deadlock here.
	select {
	case rep := <-done:
		if rep.Successful != n {
			t.Fatalf("report = %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("batch sends did not run concurrently")
	}
}

func TestExecutePreservesBatchOrder(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	rep := d.Execute(context.Background(), makeTargets(9), Text{Body: "hi"}, Options{BatchSize: 3}, nil)
	if rep.Successful != 9 {
		t.Fatalf("report = %+v", rep)
	}

	// Intra-batch order is unspecified, but batch membership follows the
	// input order strictly: ids 1..3 precede 4..6 precede 7..9.
	for i, id := range sender.sent {
		wantBatch := i / 3
		gotBatch := int(id-1) / 3
		if gotBatch != wantBatch {
			t.Fatalf("send %d was id %d (batch %d), want batch %d", i, id, gotBatch, wantBatch)
		}
	}
}

func TestExecuteSwallowsProgressErrors(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	calls := 0
	rep := d.Execute(context.Background(), makeTargets(12), Text{Body: "hi"},
		Options{BatchSize: 4, ProgressEvery: 1},
		func(Progress) error { calls++; return errors.New("status surface is gone") })

	if rep.Successful != 12 {
		t.Fatalf("report = %+v", rep)
	}
	if calls != 3 {
		t.Fatalf("progress called %d times, want 3", calls)
	}
}

func TestExecuteThrottlesProgress(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	var processed []int
	// 12 batches of 1, ProgressEvery 5: snapshots after batches 5, 10 and
	// the final one.
	d.Execute(context.Background(), makeTargets(12), Text{Body: "hi"},
		Options{BatchSize: 1, ProgressEvery: 5},
		func(p Progress) error { processed = append(processed, p.Processed); return nil })

	want := []int{5, 10, 12}
	if len(processed) != len(want) {
		t.Fatalf("snapshots at %v, want %v", processed, want)
	}
	for i := range want {
		if processed[i] != want[i] {
			t.Fatalf("snapshots at %v, want %v", processed, want)
		}
	}
}

func TestExecuteEmptyTargets(t *testing.T) {
	t.Parallel()
	sender := &fakeSender{}
	d := newTestDispatcher(sender)

	rep := d.Execute(context.Background(), nil, Text{Body: "hi"}, Options{}, nil)
	if rep.Total != 0 || rep.Successful != 0 || rep.Failed != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestFromMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  transport.Message
		kind string
	}{
		{name: "text", msg: transport.Message{Text: "hello"}, kind: "text"},
		{name: "photo", msg: transport.Message{PhotoRef: "ph1", Caption: "c"}, kind: "photo"},
		{name: "video", msg: transport.Message{VideoRef: "vd1"}, kind: "video"},
		{name: "document", msg: transport.Message{DocumentRef: "doc1"}, kind: "document"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FromMessage(&tt.msg)
			if p == nil {
				t.Fatal("FromMessage returned nil")
			}
			if p.Kind() != tt.kind {
				t.Fatalf("Kind() = %q, want %q", p.Kind(), tt.kind)
			}
		})
	}

	if p := FromMessage(&transport.Message{}); p != nil {
		t.Fatalf("unsupported content produced payload %v", p)
	}
}

type fakePruner struct {
	calls   [][]int64
	removed int
	err     error
}

func (f *fakePruner) PruneRecipients(_ context.Context, ids []int64) (int, error) {
	f.calls = append(f.calls, ids)
	return f.removed, f.err
}

func TestReconcilerApply(t *testing.T) {
	t.Parallel()
	p := &fakePruner{removed: 2}
	r := NewReconciler(p, logx.Nop())

	n := r.Apply(context.Background(), Report{Unreachable: []int64{2, 5}})
	if n != 2 {
		t.Fatalf("Apply = %d, want 2", n)
	}
	if len(p.calls) != 1 || len(p.calls[0]) != 2 {
		t.Fatalf("pruner calls = %v", p.calls)
	}
}

func TestReconcilerSkipsEmptySet(t *testing.T) {
	t.Parallel()
	p := &fakePruner{}
	r := NewReconciler(p, logx.Nop())

	if n := r.Apply(context.Background(), Report{Successful: 10}); n != 0 {
		t.Fatalf("Apply = %d, want 0", n)
	}
	if len(p.calls) != 0 {
		t.Fatal("reconciler touched the store for an empty set")
	}
}
