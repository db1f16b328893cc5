package queue

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFIFOOrderWithinUser(t *testing.T) {
	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	q := New(func(ctx context.Context, item any) {
		mu.Lock()
		order = append(order, item.(int))
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	ctx := context.Background()
	q.Enqueue(ctx, "u1", 1, false)
	q.Enqueue(ctx, "u1", 2, false)
	q.Enqueue(ctx, "u1", 3, false)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
}

func TestPriorityItemDispatchedBeforeFIFO(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	done := make(chan struct{})

	q := New(func(ctx context.Context, item any) {
		name := item.(string)
		if name == "blocker" {
			close(started)
			<-release
		}
		mu.Lock()
		order = append(order, name)
		n := len(order)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	ctx := context.Background()
	q.Enqueue(ctx, "u1", "blocker", false)
	<-started // ensure blocker is actively running before queuing the rest

	q.Enqueue(ctx, "u1", "fifo-item", false)
	q.Enqueue(ctx, "u1", "priority-item", true)
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handlers")
	}

	mu.Lock()
	defer mu.Unlock()
	if order[1] != "priority-item" || order[2] != "fifo-item" {
		t.Fatalf("order = %v, want priority-item before fifo-item", order)
	}
}

func TestUnrelatedUsersDoNotBlockEachOther(t *testing.T) {
	block := make(chan struct{})
	otherDone := make(chan struct{})

	q := New(func(ctx context.Context, item any) {
		switch item.(string) {
		case "blocks-u1":
			<-block
		case "u2-item":
			close(otherDone)
		}
	})

	ctx := context.Background()
	q.Enqueue(ctx, "u1", "blocks-u1", false)
	q.Enqueue(ctx, "u2", "u2-item", false)

	select {
	case <-otherDone:
	case <-time.After(2 * time.Second):
		t.Fatal("u2's item never ran while u1 was blocked")
	}
	close(block)
}

func TestDepthReflectsQueuedItems(t *testing.T) {
	block := make(chan struct{})
	q := New(func(ctx context.Context, item any) { <-block })

	ctx := context.Background()
	q.Enqueue(ctx, "u1", "a", false)
	q.Enqueue(ctx, "u1", "b", false)
	q.Enqueue(ctx, "u1", "c", false)

	time.Sleep(50 * time.Millisecond)
	if d := q.Depth("u1"); d != 2 {
		t.Errorf("Depth = %d, want 2 (one item in flight)", d)
	}
	close(block)
}
