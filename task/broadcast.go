package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type topic struct {
	latest Snapshot
	closed bool
	subs   map[string]*Subscription
}

// Broadcaster fans job snapshots out to subscribers. Publishing never blocks:
// each subscriber holds at most one pending snapshot and a newer one replaces
// it. The terminal snapshot is always the last value a subscriber sees.
type Broadcaster struct {
	mu     sync.Mutex
	topics map[string]*topic
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{topics: make(map[string]*topic)}
}

// Open starts the topic for a job with its first snapshot.
func (b *Broadcaster) Open(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.topics[s.JobID]; ok {
		return
	}
	b.topics[s.JobID] = &topic{
		latest: s,
		closed: s.IsTerminal(),
		subs:   make(map[string]*Subscription),
	}
}

// Publish hands s to every subscriber of its job. Snapshots that are not newer
// than the last published one are ignored.
func (b *Broadcaster) Publish(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[s.JobID]
	if !ok {
		t = &topic{subs: make(map[string]*Subscription)}
		b.topics[s.JobID] = t
	}
	if t.closed || s.Seq <= t.latest.Seq {
		return
	}
	t.latest = s
	for _, sub := range t.subs {
		sub.offer(s)
	}
	if s.IsTerminal() {
		t.closed = true
		for id, sub := range t.subs {
			sub.shut()
			delete(t.subs, id)
		}
	}
}

// Subscribe attaches to a job's snapshots. The current snapshot is available
// on the subscription right away. For a finished job the subscription yields
// only the terminal snapshot.
func (b *Broadcaster) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	sub := &Subscription{
		id:    uuid.Must(uuid.NewV7()).String(),
		jobID: jobID,
		ch:    make(chan Snapshot, 1),
		b:     b,
	}
	sub.offer(t.latest)
	if t.closed {
		sub.shut()
		return sub, nil
	}
	t.subs[sub.id] = sub
	return sub, nil
}

// Latest returns the most recent snapshot published for a job.
func (b *Broadcaster) Latest(jobID string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		return Snapshot{}, false
	}
	return t.latest, true
}

// Forget drops a job's topic and closes any remaining subscriptions.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[jobID]
	if !ok {
		return
	}
	for _, sub := range t.subs {
		sub.shut()
	}
	delete(b.topics, jobID)
}

func (b *Broadcaster) detach(sub *Subscription) {
	b.mu.Lock()
	if t, ok := b.topics[sub.jobID]; ok {
		delete(t.subs, sub.id)
	}
	b.mu.Unlock()
	sub.shut()
}

// Subscription is one observer's view of a job. It ends after the terminal
// snapshot or when closed.
type Subscription struct {
	id    string
	jobID string
	b     *Broadcaster

	mu     sync.Mutex
	ch     chan Snapshot
	closed bool
}

func (s *Subscription) ID() string { return s.id }

func (s *Subscription) JobID() string { return s.jobID }

// C delivers snapshots in increasing sequence order and is closed after the
// last one.
func (s *Subscription) C() <-chan Snapshot { return s.ch }

// Next waits for the next snapshot. It reports false once the subscription
// has ended or ctx is done.
func (s *Subscription) Next(ctx context.Context) (Snapshot, bool) {
	select {
	case snap, ok := <-s.ch:
		return snap, ok
	case <-ctx.Done():
		return Snapshot{}, false
	}
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.b.detach(s)
}

func (s *Subscription) offer(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- snap:
		return
	default:
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *Subscription) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
