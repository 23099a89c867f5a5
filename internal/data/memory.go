package data

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

// Memory is an in-process Store with the same uniqueness and rollback
// semantics as Postgres. Transactions are serialised: RunInTransaction holds
// the store lock and writes into an overlay that reads through to the live
// state and is folded into it on commit.
type Memory struct {
	mu     sync.Mutex
	st     *memState
	closed bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{st: newMemState()}
}

type memState struct {
	transports    map[string]Transport
	users         map[string]User
	streams       map[string]Stream
	streamUsers   map[string]StreamUser // by id
	membership    map[[2]string]string  // (stream, user) -> stream user id
	subscriptions map[string]Subscription
	subPairs      map[[2]string]string // (stream user, transport) -> subscription id
	events        map[string]EventRecord
	parent        *memState // nil for the live state
}

func newMemState() *memState {
	return &memState{
		transports:    map[string]Transport{},
		users:         map[string]User{},
		streams:       map[string]Stream{},
		streamUsers:   map[string]StreamUser{},
		membership:    map[[2]string]string{},
		subscriptions: map[string]Subscription{},
		subPairs:      map[[2]string]string{},
		events:        map[string]EventRecord{},
	}
}

// overlay returns an empty layer whose reads fall through to s.
func (s *memState) overlay() *memState {
	o := newMemState()
	o.parent = s
	return o
}

// commit folds the layer's writes into its parent. Rows are only ever
// inserted, so copying entries is enough.
func (s *memState) commit() {
	p := s.parent
	maps.Copy(p.transports, s.transports)
	maps.Copy(p.users, s.users)
	maps.Copy(p.streams, s.streams)
	maps.Copy(p.streamUsers, s.streamUsers)
	maps.Copy(p.membership, s.membership)
	maps.Copy(p.subscriptions, s.subscriptions)
	maps.Copy(p.subPairs, s.subPairs)
	maps.Copy(p.events, s.events)
}

func lookup[K comparable, V any](s *memState, table func(*memState) map[K]V, key K) (V, bool) {
	for ; s != nil; s = s.parent {
		if v, ok := table(s)[key]; ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func transportsOf(s *memState) map[string]Transport       { return s.transports }
func usersOf(s *memState) map[string]User                 { return s.users }
func streamsOf(s *memState) map[string]Stream             { return s.streams }
func streamUsersOf(s *memState) map[string]StreamUser     { return s.streamUsers }
func membershipOf(s *memState) map[[2]string]string       { return s.membership }
func subscriptionsOf(s *memState) map[string]Subscription { return s.subscriptions }
func subPairsOf(s *memState) map[[2]string]string         { return s.subPairs }
func eventsOf(s *memState) map[string]EventRecord         { return s.events }

func (s *memState) findUser(id string) (User, bool)     { return lookup(s, usersOf, id) }
func (s *memState) findStream(id string) (Stream, bool) { return lookup(s, streamsOf, id) }

func (s *memState) hasSubscription(streamUserID, transportID string) bool {
	_, ok := lookup(s, subPairsOf, [2]string{streamUserID, transportID})
	return ok
}

func (s *memState) eventExists(id string) bool {
	_, ok := lookup(s, eventsOf, id)
	return ok
}

// with runs fn against the live state under the store lock.
func (m *Memory) with(fn func(s *memState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	return fn(m.st)
}

func (m *Memory) FindTransport(ctx context.Context, name string) (t Transport, found bool, err error) {
	err = m.with(func(s *memState) error { t, found = s.findTransport(name); return nil })
	return
}

func (m *Memory) CreateTransport(ctx context.Context, t Transport) error {
	return m.with(func(s *memState) error { return s.createTransport(t) })
}

func (m *Memory) ListTransports(ctx context.Context) (out []Transport, err error) {
	err = m.with(func(s *memState) error { out = s.listTransports(); return nil })
	return
}

func (m *Memory) FindUser(ctx context.Context, id string) (u User, found bool, err error) {
	err = m.with(func(s *memState) error { u, found = s.findUser(id); return nil })
	return
}

func (m *Memory) CreateUserIfAbsent(ctx context.Context, id string) (created bool, err error) {
	err = m.with(func(s *memState) error { created = s.createUserIfAbsent(id); return nil })
	return
}

func (m *Memory) FindStream(ctx context.Context, id string) (st Stream, found bool, err error) {
	err = m.with(func(s *memState) error { st, found = s.findStream(id); return nil })
	return
}

func (m *Memory) CreateStream(ctx context.Context, st Stream) error {
	return m.with(func(s *memState) error { return s.createStream(st) })
}

func (m *Memory) FindStreamUser(ctx context.Context, streamID, userID string) (su StreamUser, found bool, err error) {
	err = m.with(func(s *memState) error { su, found = s.findStreamUser(streamID, userID); return nil })
	return
}

func (m *Memory) AddStreamUser(ctx context.Context, streamID, userID string) (su StreamUser, err error) {
	err = m.with(func(s *memState) error { su, err = s.addStreamUser(streamID, userID); return err })
	return
}

func (m *Memory) HasSubscription(ctx context.Context, streamUserID, transportID string) (ok bool, err error) {
	err = m.with(func(s *memState) error { ok = s.hasSubscription(streamUserID, transportID); return nil })
	return
}

func (m *Memory) CreateSubscriptionIfAbsent(ctx context.Context, sub Subscription) (created bool, err error) {
	err = m.with(func(s *memState) error { created, err = s.createSubscriptionIfAbsent(sub); return err })
	return
}

func (m *Memory) EventExists(ctx context.Context, id string) (ok bool, err error) {
	err = m.with(func(s *memState) error { ok = s.eventExists(id); return nil })
	return
}

func (m *Memory) InsertEventIfAbsent(ctx context.Context, ev EventRecord) (created bool, err error) {
	err = m.with(func(s *memState) error { created = s.insertEventIfAbsent(ev); return nil })
	return
}

func (m *Memory) CountEvents(ctx context.Context, streamID string) (n int, err error) {
	err = m.with(func(s *memState) error { n = s.countEvents(streamID); return nil })
	return
}

func (m *Memory) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory store closed")
	}
	tx := &memTx{st: m.st.overlay()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	tx.st.commit()
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.with(func(*memState) error { return nil })
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// memTx writes into a private overlay; the owning RunInTransaction holds the lock.
type memTx struct {
	st *memState
}

var _ Store = (*memTx)(nil)

func (t *memTx) FindTransport(ctx context.Context, name string) (Transport, bool, error) {
	tr, ok := t.st.findTransport(name)
	return tr, ok, nil
}

func (t *memTx) CreateTransport(ctx context.Context, tr Transport) error {
	return t.st.createTransport(tr)
}

func (t *memTx) ListTransports(ctx context.Context) ([]Transport, error) {
	return t.st.listTransports(), nil
}

func (t *memTx) FindUser(ctx context.Context, id string) (User, bool, error) {
	u, ok := t.st.findUser(id)
	return u, ok, nil
}

func (t *memTx) CreateUserIfAbsent(ctx context.Context, id string) (bool, error) {
	return t.st.createUserIfAbsent(id), nil
}

func (t *memTx) FindStream(ctx context.Context, id string) (Stream, bool, error) {
	s, ok := t.st.findStream(id)
	return s, ok, nil
}

func (t *memTx) CreateStream(ctx context.Context, s Stream) error {
	return t.st.createStream(s)
}

func (t *memTx) FindStreamUser(ctx context.Context, streamID, userID string) (StreamUser, bool, error) {
	su, ok := t.st.findStreamUser(streamID, userID)
	return su, ok, nil
}

func (t *memTx) AddStreamUser(ctx context.Context, streamID, userID string) (StreamUser, error) {
	return t.st.addStreamUser(streamID, userID)
}

func (t *memTx) HasSubscription(ctx context.Context, streamUserID, transportID string) (bool, error) {
	return t.st.hasSubscription(streamUserID, transportID), nil
}

func (t *memTx) CreateSubscriptionIfAbsent(ctx context.Context, sub Subscription) (bool, error) {
	return t.st.createSubscriptionIfAbsent(sub)
}

func (t *memTx) EventExists(ctx context.Context, id string) (bool, error) {
	return t.st.eventExists(id), nil
}

func (t *memTx) InsertEventIfAbsent(ctx context.Context, ev EventRecord) (bool, error) {
	return t.st.insertEventIfAbsent(ev), nil
}

func (t *memTx) CountEvents(ctx context.Context, streamID string) (int, error) {
	return t.st.countEvents(streamID), nil
}

// RunInTransaction nests like a savepoint: fn writes into a further overlay
// that is folded back only on success.
func (t *memTx) RunInTransaction(ctx context.Context, fn func(tx Store) error) error {
	inner := &memTx{st: t.st.overlay()}
	if err := fn(inner); err != nil {
		return err
	}
	inner.st.commit()
	return nil
}

func (t *memTx) Ping(ctx context.Context) error { return nil }
func (t *memTx) Close() error                   { return nil }

func (s *memState) findTransport(name string) (Transport, bool) {
	return lookup(s, transportsOf, name)
}

func (s *memState) createTransport(t Transport) error {
	if _, ok := s.findTransport(t.ID); ok {
		return fmt.Errorf("create transport %q: %w", t.ID, ErrExists)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	s.transports[t.ID] = t
	return nil
}

func (s *memState) listTransports() []Transport {
	all := map[string]Transport{}
	for l := s; l != nil; l = l.parent {
		for id, t := range l.transports {
			all[id] = t
		}
	}
	out := slices.Collect(maps.Values(all))
	slices.SortFunc(out, func(a, b Transport) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (s *memState) createUserIfAbsent(id string) bool {
	if _, ok := s.findUser(id); ok {
		return false
	}
	s.users[id] = User{ID: id, CreatedAt: time.Now().UTC()}
	return true
}

func (s *memState) createStream(st Stream) error {
	if _, ok := s.findStream(st.ID); ok {
		return fmt.Errorf("create stream %q: %w", st.ID, ErrExists)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}
	s.streams[st.ID] = st
	return nil
}

func (s *memState) findStreamUser(streamID, userID string) (StreamUser, bool) {
	id, ok := lookup(s, membershipOf, [2]string{streamID, userID})
	if !ok {
		return StreamUser{}, false
	}
	return lookup(s, streamUsersOf, id)
}

func (s *memState) addStreamUser(streamID, userID string) (StreamUser, error) {
	if su, ok := s.findStreamUser(streamID, userID); ok {
		return su, nil
	}
	if _, ok := s.findStream(streamID); !ok {
		return StreamUser{}, fmt.Errorf("add stream user: stream %q: %w", streamID, ErrNotFound)
	}
	if _, ok := s.findUser(userID); !ok {
		return StreamUser{}, fmt.Errorf("add stream user: user %q: %w", userID, ErrNotFound)
	}
	su := StreamUser{ID: newStreamUserID(), StreamID: streamID, UserID: userID, CreatedAt: time.Now().UTC()}
	s.streamUsers[su.ID] = su
	s.membership[[2]string{streamID, userID}] = su.ID
	return su, nil
}

func (s *memState) createSubscriptionIfAbsent(sub Subscription) (bool, error) {
	if s.hasSubscription(sub.StreamUserID, sub.TransportID) {
		return false, nil
	}
	if _, ok := lookup(s, streamUsersOf, sub.StreamUserID); !ok {
		return false, fmt.Errorf("create subscription: stream user %q: %w", sub.StreamUserID, ErrNotFound)
	}
	if _, ok := s.findTransport(sub.TransportID); !ok {
		return false, fmt.Errorf("create subscription: transport %q: %w", sub.TransportID, ErrNotFound)
	}
	if sub.ID == "" {
		sub.ID = NewSubscriptionID()
	}
	if _, ok := lookup(s, subscriptionsOf, sub.ID); ok {
		return false, nil
	}
	sub.CreatedAt = time.Now().UTC()
	s.subscriptions[sub.ID] = sub
	s.subPairs[[2]string{sub.StreamUserID, sub.TransportID}] = sub.ID
	return true, nil
}

func (s *memState) insertEventIfAbsent(ev EventRecord) bool {
	if s.eventExists(ev.ID) {
		return false
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	s.events[ev.ID] = ev
	return true
}

func (s *memState) countEvents(streamID string) int {
	n := 0
	for l := s; l != nil; l = l.parent {
		for _, ev := range l.events {
			if ev.StreamID == streamID {
				n++
			}
		}
	}
	return n
}

// Subscriptions returns the subscriptions held by a stream user.
func (m *Memory) Subscriptions(streamUserID string) []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Subscription
	for _, sub := range m.st.subscriptions {
		if sub.StreamUserID == streamUserID {
			out = append(out, sub)
		}
	}
	return out
}

// UserCount returns the number of known users.
func (m *Memory) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.users)
}
