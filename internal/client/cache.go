// Package client implements the consumer side of the task API: cached
// views over the task collection, speculative mutations with rollback,
// and reconciliation against pushed events.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"

	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

// ErrNotFound reports that the server no longer knows the task.
var ErrNotFound = errors.New("task not found")

type View string

const (
	ViewAll         View = "all"
	ViewMine        View = "my-tasks"
	ViewCreatedByMe View = "created-by-me"
	ViewOverdue     View = "overdue"
)

// Views is every named list view, in refetch order.
var Views = []View{ViewAll, ViewMine, ViewCreatedByMe, ViewOverdue}

// Fetcher loads authoritative state from the server.
type Fetcher interface {
	FetchView(ctx context.Context, view View) ([]store.Task, error)
	FetchTask(ctx context.Context, id string) (store.Task, error)
}

// Cache holds the client's materialized views. The views are
// independent materializations of the same entities; every settle point
// ends in a refetch, so the server stays the only source of truth.
type Cache struct {
	mu      sync.Mutex
	fetcher Fetcher
	views   map[View][]store.Task
	details map[string]store.Task
	stale   map[View]bool

	// OnNotice, when set, receives transient user-facing notices such
	// as mutation failures.
	OnNotice func(message string)
}

func NewCache(fetcher Fetcher) *Cache {
	views := make(map[View][]store.Task, len(Views))
	stale := make(map[View]bool, len(Views))
	for _, view := range Views {
		views[view] = nil
		stale[view] = true
	}
	return &Cache{
		fetcher: fetcher,
		views:   views,
		details: make(map[string]store.Task),
		stale:   stale,
	}
}

// ViewTasks returns a copy of the view's current contents.
func (c *Cache) ViewTasks(view View) []store.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	tasks := c.views[view]
	out := make([]store.Task, len(tasks))
	copy(out, tasks)
	return out
}

func (c *Cache) Detail(id string) (store.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.details[id]
	return task, ok
}

func (c *Cache) IsStale(view View) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale[view]
}

// Prime loads every view.
func (c *Cache) Prime(ctx context.Context) error {
	var firstErr error
	for _, view := range Views {
		if err := c.refetchView(ctx, view); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SetView seeds a view directly; event-driven refetches will overwrite
// it with server state.
func (c *Cache) SetView(view View, tasks []store.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.views[view] = append([]store.Task(nil), tasks...)
	c.stale[view] = false
}

func (c *Cache) SetDetail(task store.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.details[task.ID] = task
}

// Speculative mutations.
//
// A speculation is the three-phase protocol made explicit: Begin
// snapshots and applies the patch to every view holding the entity,
// then exactly one of Commit or Rollback settles it. Either way the
// settle triggers a full refetch; the speculative state is a
// latency-hiding device, never the system of record.

type entitySnapshot struct {
	index int
	task  store.Task
}

type Speculation struct {
	cache     *Cache
	taskID    string
	snapshots map[View]entitySnapshot
	detail    *store.Task
	deleted   bool
	settled   bool
}

// BeginUpdate applies a patch speculatively to every view that
// currently contains the task, recording a per-view snapshot of the
// prior entity. Snapshots are scoped to this task only, so concurrent
// speculations on other tasks cannot clobber each other.
func (c *Cache) BeginUpdate(taskID string, apply func(store.Task) store.Task) *Speculation {
	c.mu.Lock()
	defer c.mu.Unlock()

	spec := &Speculation{
		cache:     c,
		taskID:    taskID,
		snapshots: make(map[View]entitySnapshot),
	}
	for view, tasks := range c.views {
		if idx := indexOfTask(tasks, taskID); idx >= 0 {
			spec.snapshots[view] = entitySnapshot{index: idx, task: tasks[idx]}
			tasks[idx] = apply(tasks[idx])
		}
	}
	if task, ok := c.details[taskID]; ok {
		snapshot := task
		spec.detail = &snapshot
		c.details[taskID] = apply(task)
	}
	return spec
}

// BeginDelete removes the task speculatively from every view.
func (c *Cache) BeginDelete(taskID string) *Speculation {
	c.mu.Lock()
	defer c.mu.Unlock()

	spec := &Speculation{
		cache:     c,
		taskID:    taskID,
		snapshots: make(map[View]entitySnapshot),
		deleted:   true,
	}
	for view, tasks := range c.views {
		if idx := indexOfTask(tasks, taskID); idx >= 0 {
			spec.snapshots[view] = entitySnapshot{index: idx, task: tasks[idx]}
			c.views[view] = append(tasks[:idx:idx], tasks[idx+1:]...)
		}
	}
	if task, ok := c.details[taskID]; ok {
		snapshot := task
		spec.detail = &snapshot
		delete(c.details, taskID)
	}
	return spec
}

// Commit keeps the speculative state and refetches every view.
func (s *Speculation) Commit(ctx context.Context) {
	if s.settled {
		return
	}
	s.settled = true
	s.cache.RefetchAll(ctx)
}

// Rollback restores every snapshot exactly, surfaces a notice, and
// refetches every view.
func (s *Speculation) Rollback(ctx context.Context, notice string) {
	if s.settled {
		return
	}
	s.settled = true

	c := s.cache
	c.mu.Lock()
	for view, snapshot := range s.snapshots {
		tasks := c.views[view]
		if s.deleted {
			idx := snapshot.index
			if idx > len(tasks) {
				idx = len(tasks)
			}
			tasks = append(tasks[:idx:idx], append([]store.Task{snapshot.task}, tasks[idx:]...)...)
			c.views[view] = tasks
			continue
		}
		if idx := indexOfTask(tasks, s.taskID); idx >= 0 {
			tasks[idx] = snapshot.task
		}
	}
	if s.detail != nil {
		c.details[s.taskID] = *s.detail
	}
	c.mu.Unlock()

	if notice != "" && c.OnNotice != nil {
		c.OnNotice(notice)
	}
	c.RefetchAll(ctx)
}

// Refetching.
//
// Results are applied at completion time under the lock, so when
// refetches overlap the most recently completed one is authoritative
// for its view.

func (c *Cache) RefetchAll(ctx context.Context) {
	c.mu.Lock()
	for _, view := range Views {
		c.stale[view] = true
	}
	detailIDs := make([]string, 0, len(c.details))
	for id := range c.details {
		detailIDs = append(detailIDs, id)
	}
	c.mu.Unlock()

	for _, view := range Views {
		if err := c.refetchView(ctx, view); err != nil {
			log.Printf("client: refetch %s: %v", view, err)
		}
	}
	for _, id := range detailIDs {
		c.refetchDetail(ctx, id)
	}
}

func (c *Cache) refetchView(ctx context.Context, view View) error {
	tasks, err := c.fetcher.FetchView(ctx, view)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.views[view] = tasks
	c.stale[view] = false
	c.mu.Unlock()
	return nil
}

func (c *Cache) refetchDetail(ctx context.Context, id string) {
	task, err := c.fetcher.FetchTask(ctx, id)
	if errors.Is(err, ErrNotFound) {
		c.mu.Lock()
		delete(c.details, id)
		c.mu.Unlock()
		return
	}
	if err != nil {
		log.Printf("client: refetch task %s: %v", id, err)
		return
	}
	c.mu.Lock()
	c.details[id] = task
	c.mu.Unlock()
}

// Pushed-event reconciliation. Events from other sessions never patch
// views surgically; they invalidate and refetch.

func (c *Cache) HandleEvent(ctx context.Context, envelope realtime.Envelope) {
	switch envelope.Event {
	case realtime.EventTaskCreated, realtime.EventTaskUpdated:
		c.RefetchAll(ctx)
	case realtime.EventTaskDeleted:
		var payload struct {
			TaskID string `json:"taskId"`
		}
		if len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, &payload)
		}
		if payload.TaskID != "" {
			c.mu.Lock()
			delete(c.details, payload.TaskID)
			c.mu.Unlock()
		}
		c.RefetchAll(ctx)
	case realtime.EventAssignmentNotification:
		var payload struct {
			Message string `json:"message"`
		}
		if len(envelope.Data) > 0 {
			_ = json.Unmarshal(envelope.Data, &payload)
		}
		if payload.Message != "" && c.OnNotice != nil {
			c.OnNotice(payload.Message)
		}
		c.RefetchAll(ctx)
	}
}

func indexOfTask(tasks []store.Task, id string) int {
	for i, task := range tasks {
		if task.ID == id {
			return i
		}
	}
	return -1
}
