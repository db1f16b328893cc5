package fanout

import (
	"sync"

	"github.com/mjfuentes/orchestrator/pkg/models"
)

// Bridge adapts a Broadcaster to the narrow per-component publisher
// interfaces (hooks.Publisher, and the task manager's own task-event
// sink) so those packages don't need to import fanout's full API. It
// tracks taskId -> userId so tool events, which carry no user id of
// their own, can still be scoped to the owning user's subscribers.
type Bridge struct {
	b *Broadcaster

	mu    sync.RWMutex
	owner map[string]string
}

// NewBridge wraps b.
func NewBridge(b *Broadcaster) *Bridge {
	return &Bridge{b: b, owner: map[string]string{}}
}

// RegisterTaskOwner records userID as taskID's owner so later tool events
// for that task are scoped correctly. Called once when C8 creates a task.
func (br *Bridge) RegisterTaskOwner(taskID, userID string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.owner[taskID] = userID
}

// ForgetTask drops a task's owner entry once it reaches a terminal state,
// bounding the map to currently-live tasks.
func (br *Bridge) ForgetTask(taskID string) {
	br.mu.Lock()
	defer br.mu.Unlock()
	delete(br.owner, taskID)
}

func (br *Bridge) userFor(taskID string) string {
	br.mu.RLock()
	defer br.mu.RUnlock()
	return br.owner[taskID]
}

// PublishToolEvent implements hooks.Publisher.
func (br *Bridge) PublishToolEvent(e models.ToolEvent) {
	br.b.Publish(ChannelTools, br.userFor(e.TaskID), e)
}

// PublishTask publishes a task state transition or activity-log append
// on the tasks channel, scoped to the task's owning user.
func (br *Bridge) PublishTask(t *models.Task) {
	br.b.Publish(ChannelTasks, t.UserID, *t)
}

// PublishMetrics publishes a metrics snapshot to every subscriber
// regardless of scope.
func (br *Bridge) PublishMetrics(snapshot any) {
	br.b.Publish(ChannelMetrics, "", snapshot)
}
