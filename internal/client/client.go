package client

import (
	"context"
	"time"

	"taskboard/api/internal/store"
)

// Patch is a partial task update from the client's point of view. The
// Has* flags distinguish an absent field from an explicit null.
type Patch struct {
	Title          *string
	Description    *string
	HasDescription bool
	Status         *store.Status
	Priority       *store.Priority
	DueDate        *time.Time
	HasDueDate     bool
	AssignedToID   *string
	HasAssignee    bool
}

func (p Patch) body() map[string]any {
	body := map[string]any{}
	if p.Title != nil {
		body["title"] = *p.Title
	}
	if p.HasDescription {
		body["description"] = p.Description
	}
	if p.Status != nil {
		body["status"] = *p.Status
	}
	if p.Priority != nil {
		body["priority"] = *p.Priority
	}
	if p.HasDueDate {
		if p.DueDate != nil {
			body["dueDate"] = p.DueDate.Format(time.RFC3339)
		} else {
			body["dueDate"] = nil
		}
	}
	if p.HasAssignee {
		body["assignedToId"] = p.AssignedToID
	}
	return body
}

func (p Patch) apply(task store.Task) store.Task {
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.HasDescription {
		task.Description = p.Description
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.Priority != nil {
		task.Priority = *p.Priority
	}
	if p.HasDueDate {
		task.DueDate = p.DueDate
	}
	if p.HasAssignee {
		task.AssignedToID = p.AssignedToID
		task.AssignedTo = nil
	}
	task.UpdatedAt = time.Now()
	return task
}

// Client ties the HTTP API and the view cache together: mutations apply
// speculatively, settle on the server's answer, and roll back with a
// notice on failure.
type Client struct {
	API   *API
	Cache *Cache
}

func New(baseURL string) (*Client, error) {
	api, err := NewAPI(baseURL)
	if err != nil {
		return nil, err
	}
	return &Client{API: api, Cache: NewCache(api)}, nil
}

func (c *Client) CreateTask(ctx context.Context, body map[string]any) (store.Task, error) {
	task, err := c.API.CreateTask(ctx, body)
	if err != nil {
		return store.Task{}, err
	}
	// Creates are not speculated; the id is server-assigned.
	c.Cache.RefetchAll(ctx)
	return task, nil
}

func (c *Client) UpdateTask(ctx context.Context, id string, patch Patch) error {
	spec := c.Cache.BeginUpdate(id, patch.apply)
	if _, err := c.API.UpdateTask(ctx, id, patch.body()); err != nil {
		spec.Rollback(ctx, "Failed to update task")
		return err
	}
	spec.Commit(ctx)
	return nil
}

func (c *Client) UpdateStatus(ctx context.Context, id string, status store.Status) error {
	spec := c.Cache.BeginUpdate(id, func(task store.Task) store.Task {
		task.Status = status
		task.UpdatedAt = time.Now()
		return task
	})
	if _, err := c.API.UpdateStatus(ctx, id, status); err != nil {
		spec.Rollback(ctx, "Failed to update task status")
		return err
	}
	spec.Commit(ctx)
	return nil
}

func (c *Client) AssignTask(ctx context.Context, id string, assigneeID *string) error {
	spec := c.Cache.BeginUpdate(id, func(task store.Task) store.Task {
		task.AssignedToID = assigneeID
		task.AssignedTo = nil
		task.UpdatedAt = time.Now()
		return task
	})
	if _, err := c.API.AssignTask(ctx, id, assigneeID); err != nil {
		spec.Rollback(ctx, "Failed to assign task")
		return err
	}
	spec.Commit(ctx)
	return nil
}

func (c *Client) DeleteTask(ctx context.Context, id string) error {
	spec := c.Cache.BeginDelete(id)
	if err := c.API.DeleteTask(ctx, id); err != nil {
		spec.Rollback(ctx, "Failed to delete task")
		return err
	}
	spec.Commit(ctx)
	return nil
}
