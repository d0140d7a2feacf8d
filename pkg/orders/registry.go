package orders

import (
	"container/list"

	"github.com/gregtusar/brokerd/pkg/models"
)

// Registry indexes order tasks by id and bounds how many finished tasks are
// retained. Live tasks are never evicted; terminal tasks are kept in least
// recently used order and trimmed to max. Not safe for concurrent use.
type Registry struct {
	max      int
	tasks    map[string]*registryEntry
	terminal *list.List // of task ids, front is most recently used
}

type registryEntry struct {
	task *models.OrderTask
	elem *list.Element
}

func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 1
	}
	return &Registry{
		max:      max,
		tasks:    make(map[string]*registryEntry),
		terminal: list.New(),
	}
}

// Add inserts a task. Terminal tasks enter the eviction order immediately.
func (r *Registry) Add(t *models.OrderTask) []*models.OrderTask {
	e := &registryEntry{task: t}
	r.tasks[t.ID] = e
	if t.Status.Terminal() {
		e.elem = r.terminal.PushFront(t.ID)
		return r.evict()
	}
	return nil
}

// Get returns the task and marks it recently used.
func (r *Registry) Get(id string) (*models.OrderTask, bool) {
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	if e.elem != nil {
		r.terminal.MoveToFront(e.elem)
	}
	return e.task, true
}

// Peek returns the task without touching the eviction order.
func (r *Registry) Peek(id string) (*models.OrderTask, bool) {
	e, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return e.task, true
}

// Finished must be called once a task reaches a terminal status. It returns
// the tasks evicted to make room.
func (r *Registry) Finished(id string) []*models.OrderTask {
	e, ok := r.tasks[id]
	if !ok || !e.task.Status.Terminal() {
		return nil
	}
	if e.elem != nil {
		r.terminal.MoveToFront(e.elem)
		return nil
	}
	e.elem = r.terminal.PushFront(id)
	return r.evict()
}

func (r *Registry) evict() []*models.OrderTask {
	var evicted []*models.OrderTask
	for r.terminal.Len() > r.max {
		back := r.terminal.Back()
		id := r.terminal.Remove(back).(string)
		evicted = append(evicted, r.tasks[id].task)
		delete(r.tasks, id)
	}
	return evicted
}

// Len counts all tasks, live and terminal.
func (r *Registry) Len() int {
	return len(r.tasks)
}

// TerminalLen counts retained terminal tasks.
func (r *Registry) TerminalLen() int {
	return r.terminal.Len()
}
