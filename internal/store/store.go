package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"heraldbot/pkg/logx"
)

const defaultTTL = 60 * time.Second

type document[M any] interface{ Clone() M }

// dataset is one cached collection. Its mutex covers both the cache entry
// and the durable document, which makes the read-modify-write helpers
// below atomic per dataset.
type dataset[M document[M]] struct {
	name string
	mu   sync.Mutex
	snap M
	at   time.Time
	ok   bool
}

type Store struct {
	backend Backend
	log     logx.Logger
	ttl     time.Duration
	now     func() time.Time

	recipients  dataset[Recipients]
	channels    dataset[Channels]
	targets     dataset[Targets]
	submissions dataset[Submissions]
}

type Option func(*Store)

// WithClock injects the time source. Tests use this to step the TTL.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(cfg Config, backend Backend, log logx.Logger, opts ...Option) *Store {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	s := &Store{
		backend: backend,
		log:     log,
		ttl:     ttl,
		now:     time.Now,
	}
	s.recipients.name = datasetRecipients
	s.channels.name = datasetChannels
	s.targets.name = datasetTargets
	s.submissions.name = datasetSubmissions
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.backend.Close() }

// loadFresh reads the durable document, bypassing the cache. A missing or
// corrupt document yields an empty collection; only backend I/O failures
// surface as errors.
func loadFresh[M document[M]](ctx context.Context, s *Store, d *dataset[M]) (M, error) {
	var zero M
	raw, found, err := s.backend.Load(ctx, d.name)
	if err != nil {
		return zero.Clone(), err
	}
	if !found {
		return zero.Clone(), nil
	}
	var snap M
	if err := json.Unmarshal(raw, &snap); err != nil {
		s.log.Error("dataset corrupt; treating as empty", logx.String("dataset", d.name), logx.Err(err))
		return zero.Clone(), nil
	}
	return snap, nil
}

func readLocked[M document[M]](ctx context.Context, s *Store, d *dataset[M]) M {
	if d.ok && s.now().Sub(d.at) < s.ttl {
		return d.snap.Clone()
	}
	snap, err := loadFresh(ctx, s, d)
	if err != nil {
		// Degrade to empty rather than failing the surrounding flow, and
		// leave the entry invalid so the next read retries the backend.
		s.log.Error("dataset load failed", logx.String("dataset", d.name), logx.Err(err))
		d.ok = false
		return snap
	}
	d.snap = snap
	d.at = s.now()
	d.ok = true
	return snap.Clone()
}

func writeLocked[M document[M]](ctx context.Context, s *Store, d *dataset[M], snap M) error {
	doc, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		d.ok = false
		return fmt.Errorf("encode %s: %w", d.name, err)
	}
	if err := s.backend.Save(ctx, d.name, doc); err != nil {
		// Never keep a cached snapshot that disagrees with disk.
		d.ok = false
		return fmt.Errorf("save %s: %w", d.name, err)
	}
	d.snap = snap.Clone()
	d.at = s.now()
	d.ok = true
	return nil
}

func read[M document[M]](ctx context.Context, s *Store, d *dataset[M]) M {
	d.mu.Lock()
	defer d.mu.Unlock()
	return readLocked(ctx, s, d)
}

func write[M document[M]](ctx context.Context, s *Store, d *dataset[M], snap M) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return writeLocked(ctx, s, d, snap)
}

func invalidate[M document[M]](d *dataset[M]) {
	d.mu.Lock()
	d.ok = false
	d.mu.Unlock()
}

// ---- Recipients ----

func (s *Store) Recipients(ctx context.Context) Recipients {
	return read(ctx, s, &s.recipients)
}

func (s *Store) SaveRecipients(ctx context.Context, r Recipients) error {
	return write(ctx, s, &s.recipients, r)
}

func (s *Store) InvalidateRecipients() { invalidate(&s.recipients) }

// UpsertRecipient records an interaction: first contact sets JoinedAt,
// every contact bumps LastSeen.
func (s *Store) UpsertRecipient(ctx context.Context, id int64, username, firstName, lastName string) error {
	d := &s.recipients
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := readLocked(ctx, s, d)
	now := s.now()
	rec := Recipient{Username: username, FirstName: firstName, LastName: lastName, LastSeen: now, JoinedAt: now}
	if prev, ok := cur[id]; ok && !prev.JoinedAt.IsZero() {
		rec.JoinedAt = prev.JoinedAt
	}
	cur[id] = rec
	return writeLocked(ctx, s, d, cur)
}

func (s *Store) RecipientCount(ctx context.Context) int {
	return len(s.Recipients(ctx))
}

// PruneRecipients removes the given identities from the durable recipient
// collection. It reads the backend fresh (ignoring the TTL), so it never
// resurrects recipients from a stale snapshot, and it refreshes the cache
// with the pruned result. Pruning an absent identity is a no-op.
func (s *Store) PruneRecipients(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	d := &s.recipients
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := loadFresh(ctx, s, d)
	if err != nil {
		d.ok = false
		return 0, fmt.Errorf("load %s: %w", d.name, err)
	}
	removed := 0
	for _, id := range ids {
		if _, ok := cur[id]; ok {
			delete(cur, id)
			removed++
		}
	}
	if err := writeLocked(ctx, s, d, cur); err != nil {
		return 0, err
	}
	return removed, nil
}

// ---- Broadcast targets ----

func (s *Store) Targets(ctx context.Context) Targets {
	return read(ctx, s, &s.targets)
}

func (s *Store) SaveTargets(ctx context.Context, t Targets) error {
	return write(ctx, s, &s.targets, t)
}

func (s *Store) InvalidateTargets() { invalidate(&s.targets) }

// UpsertTarget registers a broadcast destination. Registration implies the
// caller just verified access, so a new record starts with HasAccess set.
func (s *Store) UpsertTarget(ctx context.Context, id int64, title string) error {
	d := &s.targets
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := readLocked(ctx, s, d)
	now := s.now()
	if prev, ok := cur[id]; ok {
		prev.Title = title
		cur[id] = prev
	} else {
		cur[id] = BroadcastTarget{Title: title, HasAccess: true, AddedAt: now, LastChecked: now}
	}
	return writeLocked(ctx, s, d, cur)
}

// ---- Subscription channels ----

func (s *Store) Channels(ctx context.Context) Channels {
	return read(ctx, s, &s.channels)
}

func (s *Store) SaveChannels(ctx context.Context, c Channels) error {
	return write(ctx, s, &s.channels, c)
}

// AddChannel stores a new subscription channel under the next free
// numeric key and returns that key.
func (s *Store) AddChannel(ctx context.Context, name, link string) (string, error) {
	d := &s.channels
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := readLocked(ctx, s, d)
	next := len(cur) + 1
	for {
		if _, taken := cur[strconv.Itoa(next)]; !taken {
			break
		}
		next++
	}
	id := strconv.Itoa(next)
	cur[id] = SubscriptionChannel{Name: name, Link: link}
	if err := writeLocked(ctx, s, d, cur); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) DeleteChannel(ctx context.Context, id string) (SubscriptionChannel, bool, error) {
	d := &s.channels
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := readLocked(ctx, s, d)
	ch, ok := cur[id]
	if !ok {
		return SubscriptionChannel{}, false, nil
	}
	delete(cur, id)
	if err := writeLocked(ctx, s, d, cur); err != nil {
		return SubscriptionChannel{}, false, err
	}
	return ch, true, nil
}

// ---- Submissions ----

func (s *Store) Submissions(ctx context.Context) Submissions {
	return read(ctx, s, &s.submissions)
}

// ConfirmSubmission marks one recipient/channel cell true. Cells are
// append-only; there is no per-cell unconfirm.
func (s *Store) ConfirmSubmission(ctx context.Context, recipientID int64, channelID string) error {
	d := &s.submissions
	d.mu.Lock()
	defer d.mu.Unlock()

	cur := readLocked(ctx, s, d)
	cells := cur[recipientID]
	if cells == nil {
		cells = make(map[string]bool)
		cur[recipientID] = cells
	}
	cells[channelID] = true
	return writeLocked(ctx, s, d, cur)
}

// ResetSubmissions clears the whole collection.
func (s *Store) ResetSubmissions(ctx context.Context) error {
	return write(ctx, s, &s.submissions, Submissions{})
}
