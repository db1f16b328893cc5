// Package queue is the per-user queue (C7): each user gets an independent
// FIFO lane plus a priority-override slot, with at most one handler
// in-flight per user at a time. It adapts the teacher's lane/pump
// command-queue pattern, keyed by user id instead of a fixed lane enum, and
// lazily spawns/tears down its pump goroutine as work arrives and drains.
package queue

import (
	"context"
	"sync"
)

// Handler processes one enqueued item for a user.
type Handler func(ctx context.Context, item any)

type entry struct {
	item     any
	priority bool
}

type userLane struct {
	mu       sync.Mutex
	fifo     []entry
	priority []entry
	draining bool
}

// Queue holds one userLane per user, created lazily on first Enqueue.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*userLane
	handle Handler
}

// New returns a Queue that dispatches every enqueued item to handle.
func New(handle Handler) *Queue {
	return &Queue{lanes: map[string]*userLane{}, handle: handle}
}

// Enqueue adds item to userID's lane. If priority is true, the item is
// pulled ahead of any plain FIFO entries for that user, but never
// interrupts an in-flight handler.
func (q *Queue) Enqueue(ctx context.Context, userID string, item any, priority bool) {
	lane := q.ensureLane(userID)

	lane.mu.Lock()
	if priority {
		lane.priority = append(lane.priority, entry{item: item, priority: true})
	} else {
		lane.fifo = append(lane.fifo, entry{item: item})
	}
	lane.mu.Unlock()

	q.drain(ctx, userID, lane)
}

func (q *Queue) ensureLane(userID string) *userLane {
	q.mu.Lock()
	defer q.mu.Unlock()
	lane, ok := q.lanes[userID]
	if !ok {
		lane = &userLane{}
		q.lanes[userID] = lane
	}
	return lane
}

// drain spawns the pump goroutine for this lane if one isn't already
// running; the pump loops until the lane is empty, at which point it exits
// and the next Enqueue spawns a new one.
func (q *Queue) drain(ctx context.Context, userID string, lane *userLane) {
	lane.mu.Lock()
	if lane.draining {
		lane.mu.Unlock()
		return
	}
	lane.draining = true
	lane.mu.Unlock()

	go q.pump(ctx, userID, lane)
}

func (q *Queue) pump(ctx context.Context, userID string, lane *userLane) {
	for {
		lane.mu.Lock()
		var next entry
		switch {
		case len(lane.priority) > 0:
			next = lane.priority[0]
			lane.priority = lane.priority[1:]
		case len(lane.fifo) > 0:
			next = lane.fifo[0]
			lane.fifo = lane.fifo[1:]
		default:
			lane.draining = false
			lane.mu.Unlock()
			return
		}
		lane.mu.Unlock()

		q.handle(ctx, next.item)
	}
}

// Users returns the ids of every user with a lane (including empty, drained
// ones), used to sweep the queue-depth gauge back to zero.
func (q *Queue) Users() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.lanes))
	for id := range q.lanes {
		ids = append(ids, id)
	}
	return ids
}

// Depth reports the number of items (priority + FIFO) currently queued for
// userID, used to feed the queue-depth gauge.
func (q *Queue) Depth(userID string) int {
	q.mu.Lock()
	lane, ok := q.lanes[userID]
	q.mu.Unlock()
	if !ok {
		return 0
	}
	lane.mu.Lock()
	defer lane.mu.Unlock()
	return len(lane.priority) + len(lane.fifo)
}
