// Package fanout is the live fan-out (C11): it multiplexes task
// transitions, tool events, and periodic metrics snapshots to any number
// of dashboard subscribers over per-subscriber buffered channels. Delivery
// is best-effort and lossy — a slow subscriber is dropped from, rather
// than allowed to stall, a publish. The subscriber-map/non-blocking-send
// shape follows the teacher's own Session.Subscribe/fanOut idiom.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"
)

// Channel names the three logical publish channels.
type Channel string

const (
	ChannelTasks   Channel = "tasks"
	ChannelTools   Channel = "tools"
	ChannelMetrics Channel = "metrics"
)

// subscriberBuffer is the per-subscriber channel capacity; once full,
// further sends to that subscriber are dropped rather than blocking the
// publisher.
const subscriberBuffer = 256

// Event is one message on a channel: a wall-clock timestamp, a channel-
// local monotonic sequence number, and an opaque payload (a
// models.Task, models.ToolEvent, or a metrics snapshot).
type Event struct {
	Channel   Channel
	Seq       int64
	Timestamp time.Time
	Payload   any
}

// Scope restricts which events a subscriber receives.
type Scope struct {
	Admin  bool   // sees every user's events
	UserID string // ignored when Admin is true
}

// matches reports whether an event tagged with userID is visible to s.
func (s Scope) matches(userID string) bool {
	return s.Admin || userID == "" || s.UserID == userID
}

type subscriber struct {
	ch    chan Event
	scope Scope
}

// Broadcaster owns the subscriber set for all three channels and assigns
// each channel its own sequence counter.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	seq  map[Channel]*int64
}

// New returns an empty Broadcaster.
func New() *Broadcaster {
	b := &Broadcaster{subs: map[*subscriber]struct{}{}, seq: map[Channel]*int64{}}
	for _, c := range []Channel{ChannelTasks, ChannelTools, ChannelMetrics} {
		var n int64
		b.seq[c] = &n
	}
	return b
}

// Subscribe registers a new subscriber scoped to scope and returns its
// event channel. The caller must eventually call Unsubscribe.
func (b *Broadcaster) Subscribe(scope Scope) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &subscriber{ch: make(chan Event, subscriberBuffer), scope: scope}
	b.subs[s] = struct{}{}
	return s.ch
}

// Unsubscribe removes and closes ch. Safe to call more than once.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.ch == ch {
			delete(b.subs, s)
			close(s.ch)
			return
		}
	}
}

// Publish fans payload out on channel to every subscriber whose scope
// matches userID (userID may be empty for channel-wide events like
// metrics snapshots, which every subscriber receives). Publish never
// blocks: a subscriber whose buffer is full simply misses this event.
func (b *Broadcaster) Publish(channel Channel, userID string, payload any) {
	seq := atomic.AddInt64(b.seq[channel], 1)
	event := Event{Channel: channel, Seq: seq, Timestamp: time.Now(), Payload: payload}

	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if !s.scope.matches(userID) {
			continue
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers,
// exposed for the metrics snapshot.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
