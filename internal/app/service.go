package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"taskboard/api/internal/auth"
	"taskboard/api/internal/config"
	"taskboard/api/internal/policy"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
	"taskboard/api/internal/util"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 2000
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Email        string
	UserName     string
	ExpiresAt    time.Time
}

// dataStore is the storage collaborator. The service is the sole place
// that decides; the store is the sole writer of durable state.
type dataStore interface {
	GetTask(ctx context.Context, id string) (store.Task, error)
	ListTasks(ctx context.Context, filters store.TaskFilters) ([]store.Task, error)
	CreateTask(ctx context.Context, task store.Task) (store.Task, error)
	UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (store.Task, error)
	DeleteTask(ctx context.Context, id string) error
	TasksByCreator(ctx context.Context, createdByID string) ([]store.Task, error)
	TasksByAssignee(ctx context.Context, assignedToID string) ([]store.Task, error)
	OverdueTasks(ctx context.Context) ([]store.Task, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (string, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	Ping(ctx context.Context) error
}

// eventPublisher pushes domain events to connected sessions. The handle
// is constructed once at process start and passed in here; request
// handling never reaches for ambient global state.
type eventPublisher interface {
	Broadcast(event string, data any)
	ToUser(userID, event string, data any)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	events   eventPublisher
}

func New(cfg config.Config, dataStore dataStore, sessions sessionStore, events eventPublisher) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		events:   events,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// Sessions

func (s *Service) CreateSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Name:  user.Name,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		UserName:     user.Name,
		ExpiresAt:    expiresAt,
	}, nil
}

// RefreshSession rotates a refresh token: the presented token is revoked
// and a fresh session is issued.
func (s *Service) RefreshSession(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	userID, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	return s.CreateSession(ctx, user)
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Email:     claims.Email,
		UserName:  claims.Name,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

// Task reads

// ListFilters is the closed set of supported list filters, validated
// before any of it reaches the query layer.
type ListFilters struct {
	Status       string
	Priority     string
	AssignedToMe bool
	CreatedByMe  bool
	Overdue      bool
}

func (s *Service) ListTasks(ctx context.Context, filters ListFilters, actorID string) ([]store.Task, error) {
	var errs []string
	query := store.TaskFilters{Overdue: filters.Overdue}

	if filters.Status != "" {
		status := store.Status(filters.Status)
		if !store.ValidStatus(status) {
			errs = append(errs, "status: must be one of TODO, IN_PROGRESS, COMPLETED")
		}
		query.Status = status
	}
	if filters.Priority != "" {
		priority := store.Priority(filters.Priority)
		if !store.ValidPriority(priority) {
			errs = append(errs, "priority: must be one of LOW, MEDIUM, HIGH")
		}
		query.Priority = priority
	}
	if len(errs) > 0 {
		return nil, validationFailed(errs)
	}

	// The "me" indirection resolves to the acting identity here, never
	// in the query layer.
	if filters.AssignedToMe {
		query.AssignedToID = actorID
	}
	if filters.CreatedByMe {
		query.CreatedByID = actorID
	}

	tasks, err := s.store.ListTasks(ctx, query)
	if err != nil {
		return nil, err
	}
	sortTasksDefault(tasks)
	return tasks, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (store.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, notFound("Task not found")
	}
	return task, err
}

func (s *Service) MyTasks(ctx context.Context, actorID string) ([]store.Task, error) {
	tasks, err := s.store.TasksByAssignee(ctx, actorID)
	if err != nil {
		return nil, err
	}
	sortTasksByCreatedDesc(tasks)
	return tasks, nil
}

func (s *Service) CreatedByMe(ctx context.Context, actorID string) ([]store.Task, error) {
	tasks, err := s.store.TasksByCreator(ctx, actorID)
	if err != nil {
		return nil, err
	}
	sortTasksByCreatedDesc(tasks)
	return tasks, nil
}

func (s *Service) OverdueTasks(ctx context.Context) ([]store.Task, error) {
	tasks, err := s.store.OverdueTasks(ctx)
	if err != nil {
		return nil, err
	}
	sortTasksByDueAsc(tasks)
	return tasks, nil
}

// Task mutations

type CreateTaskInput struct {
	Title        string  `json:"title"`
	Description  *string `json:"description"`
	Priority     string  `json:"priority"`
	DueDate      *string `json:"dueDate"`
	AssignedToID *string `json:"assignedToId"`
}

func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput, creatorID string) (store.Task, error) {
	var errs []string

	title := strings.TrimSpace(input.Title)
	if title == "" {
		errs = append(errs, "title: is required")
	} else if len(title) > maxTitleLen {
		errs = append(errs, "title: too long")
	}
	if input.Description != nil && len(*input.Description) > maxDescriptionLen {
		errs = append(errs, "description: too long")
	}

	priority := store.PriorityMedium
	if input.Priority != "" {
		priority = store.Priority(input.Priority)
		if !store.ValidPriority(priority) {
			errs = append(errs, "priority: must be one of LOW, MEDIUM, HIGH")
		}
	}

	var dueDate *time.Time
	if input.DueDate != nil && *input.DueDate != "" {
		parsed, err := time.Parse(time.RFC3339, *input.DueDate)
		if err != nil {
			errs = append(errs, "dueDate: must be an RFC 3339 timestamp")
		} else {
			dueDate = &parsed
		}
	}
	if len(errs) > 0 {
		return store.Task{}, validationFailed(errs)
	}

	if input.AssignedToID != nil && *input.AssignedToID != "" {
		if err := s.userExists(ctx, *input.AssignedToID); err != nil {
			return store.Task{}, err
		}
	} else {
		input.AssignedToID = nil
	}

	now := time.Now().UTC()
	task, err := s.store.CreateTask(ctx, store.Task{
		ID:           util.NewID("task"),
		Title:        title,
		Description:  input.Description,
		Status:       store.StatusTodo,
		Priority:     priority,
		DueDate:      dueDate,
		CreatedByID:  creatorID,
		AssignedToID: input.AssignedToID,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return store.Task{}, err
	}

	s.broadcast(realtime.EventTaskCreated, map[string]any{"task": task})
	if task.AssignedToID != nil && *task.AssignedToID != creatorID {
		s.notifyUser(*task.AssignedToID, realtime.AssignmentNotification{
			Type:    realtime.AssignmentNew,
			Task:    task,
			Message: "You have been assigned to: " + task.Title,
		})
	}
	return task, nil
}

// UpdateTaskInput carries a partial update. The Has* flags record which
// keys were present in the request body, so "absent" and "null" stay
// distinguishable for the nullable fields.
type UpdateTaskInput struct {
	Title          *string
	Description    *string
	HasDescription bool
	Status         *string
	Priority       *string
	DueDate        *string
	HasDueDate     bool
	AssignedToID   *string
	HasAssignee    bool
}

type UpdateResult struct {
	Task store.Task
	// PreviousAssigneeID is the assignee before the mutation.
	PreviousAssigneeID *string
	// NewAssigneeID is the assignee after the mutation. It is only
	// meaningful when AssigneeChanged is true.
	NewAssigneeID *string
	// AssigneeChanged is true only when the value actually moved, not
	// merely because the field was present in the patch.
	AssigneeChanged bool
}

func (s *Service) UpdateTask(ctx context.Context, id string, input UpdateTaskInput, actorID string) (UpdateResult, error) {
	existing, err := s.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return UpdateResult{}, notFound("Task not found")
	}
	if err != nil {
		return UpdateResult{}, err
	}

	if !policy.CanUpdate(existing, actorID) {
		return UpdateResult{}, forbidden("You do not have permission to update this task")
	}

	patch, errs := buildTaskPatch(input)
	if len(errs) > 0 {
		return UpdateResult{}, validationFailed(errs)
	}

	if patch.HasAssignee && patch.AssignedToID != nil {
		if existing.AssignedToID == nil || *patch.AssignedToID != *existing.AssignedToID {
			if err := s.userExists(ctx, *patch.AssignedToID); err != nil {
				return UpdateResult{}, err
			}
		}
	}

	updated, err := s.store.UpdateTask(ctx, id, patch)
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{
		Task:               updated,
		PreviousAssigneeID: existing.AssignedToID,
		NewAssigneeID:      updated.AssignedToID,
		AssigneeChanged:    !strPtrEqual(existing.AssignedToID, updated.AssignedToID),
	}

	s.broadcast(realtime.EventTaskUpdated, map[string]any{"task": updated})
	s.notifyAssignmentChange(result, actorID)
	return result, nil
}

func (s *Service) UpdateStatus(ctx context.Context, id, statusValue, actorID string) (store.Task, error) {
	existing, err := s.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, notFound("Task not found")
	}
	if err != nil {
		return store.Task{}, err
	}

	if !policy.CanUpdate(existing, actorID) {
		return store.Task{}, forbidden("You do not have permission to update this task")
	}

	status := store.Status(statusValue)
	if !store.ValidStatus(status) {
		return store.Task{}, validationFailed([]string{"status: must be one of TODO, IN_PROGRESS, COMPLETED"})
	}

	updated, err := s.store.UpdateTask(ctx, id, store.TaskPatch{Status: &status})
	if err != nil {
		return store.Task{}, err
	}

	s.broadcast(realtime.EventTaskUpdated, map[string]any{"task": updated})
	return updated, nil
}

// AssignTask is the dedicated assignment mutation, restricted to the
// creator; the general update path has its own looser rule.
func (s *Service) AssignTask(ctx context.Context, id string, assignedToID *string, actorID string) (UpdateResult, error) {
	existing, err := s.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return UpdateResult{}, notFound("Task not found")
	}
	if err != nil {
		return UpdateResult{}, err
	}

	if !policy.CanAssign(existing, actorID) {
		return UpdateResult{}, forbidden("Only the task creator can assign users")
	}

	if assignedToID != nil {
		if err := s.userExists(ctx, *assignedToID); err != nil {
			return UpdateResult{}, err
		}
	}

	updated, err := s.store.UpdateTask(ctx, id, store.TaskPatch{AssignedToID: assignedToID, HasAssignee: true})
	if err != nil {
		return UpdateResult{}, err
	}

	result := UpdateResult{
		Task:               updated,
		PreviousAssigneeID: existing.AssignedToID,
		NewAssigneeID:      updated.AssignedToID,
		AssigneeChanged:    !strPtrEqual(existing.AssignedToID, updated.AssignedToID),
	}

	s.broadcast(realtime.EventTaskUpdated, map[string]any{"task": updated})
	s.notifyAssignmentChange(result, actorID)
	return result, nil
}

// DeleteTask removes a task and returns its final state, which the
// deletion notification for the former assignee is built from.
func (s *Service) DeleteTask(ctx context.Context, id, actorID string) (store.Task, error) {
	existing, err := s.store.GetTask(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Task{}, notFound("Task not found")
	}
	if err != nil {
		return store.Task{}, err
	}

	if !policy.CanDelete(existing, actorID) {
		return store.Task{}, forbidden("You do not have permission to delete this task")
	}

	if err := s.store.DeleteTask(ctx, id); err != nil {
		return store.Task{}, err
	}

	s.broadcast(realtime.EventTaskDeleted, map[string]any{"taskId": id})
	if existing.AssignedToID != nil && *existing.AssignedToID != actorID {
		s.notifyUser(*existing.AssignedToID, realtime.AssignmentNotification{
			Type:    realtime.AssignmentTaskDeleted,
			Task:    existing,
			Message: "Task deleted: " + existing.Title,
		})
	}
	return existing, nil
}

// helpers

func (s *Service) userExists(ctx context.Context, userID string) error {
	_, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(400, "ASSIGNEE_NOT_FOUND", "Assigned user not found", nil)
	}
	if err != nil {
		return fmt.Errorf("lookup assignee: %w", err)
	}
	return nil
}

func (s *Service) notifyAssignmentChange(result UpdateResult, actorID string) {
	if !result.AssigneeChanged {
		return
	}
	if result.NewAssigneeID != nil && *result.NewAssigneeID != actorID {
		s.notifyUser(*result.NewAssigneeID, realtime.AssignmentNotification{
			Type:    realtime.AssignmentNew,
			Task:    result.Task,
			Message: "You have been assigned to: " + result.Task.Title,
		})
	}
	if result.PreviousAssigneeID != nil && *result.PreviousAssigneeID != actorID {
		s.notifyUser(*result.PreviousAssigneeID, realtime.AssignmentNotification{
			Type:    realtime.AssignmentRemoved,
			Task:    result.Task,
			Message: "You have been unassigned from: " + result.Task.Title,
		})
	}
}

func (s *Service) broadcast(event string, data any) {
	if s.events != nil {
		s.events.Broadcast(event, data)
	}
}

func (s *Service) notifyUser(userID string, notification realtime.AssignmentNotification) {
	if s.events != nil {
		s.events.ToUser(userID, realtime.EventAssignmentNotification, notification)
	}
}

func buildTaskPatch(input UpdateTaskInput) (store.TaskPatch, []string) {
	var errs []string
	patch := store.TaskPatch{
		HasDescription: input.HasDescription,
		HasDueDate:     input.HasDueDate,
		HasAssignee:    input.HasAssignee,
	}

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			errs = append(errs, "title: is required")
		} else if len(title) > maxTitleLen {
			errs = append(errs, "title: too long")
		}
		patch.Title = &title
	}
	if input.HasDescription && input.Description != nil {
		if len(*input.Description) > maxDescriptionLen {
			errs = append(errs, "description: too long")
		}
		patch.Description = input.Description
	}
	if input.Status != nil {
		status := store.Status(*input.Status)
		if !store.ValidStatus(status) {
			errs = append(errs, "status: must be one of TODO, IN_PROGRESS, COMPLETED")
		}
		patch.Status = &status
	}
	if input.Priority != nil {
		priority := store.Priority(*input.Priority)
		if !store.ValidPriority(priority) {
			errs = append(errs, "priority: must be one of LOW, MEDIUM, HIGH")
		}
		patch.Priority = &priority
	}
	if input.HasDueDate && input.DueDate != nil {
		parsed, err := time.Parse(time.RFC3339, *input.DueDate)
		if err != nil {
			errs = append(errs, "dueDate: must be an RFC 3339 timestamp")
		} else {
			patch.DueDate = &parsed
		}
	}
	if input.HasAssignee && input.AssignedToID != nil && *input.AssignedToID != "" {
		patch.AssignedToID = input.AssignedToID
	}
	return patch, errs
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// sortTasksDefault applies the default listing order: priority
// descending, due date ascending with nulls last, newest first.
func sortTasksDefault(tasks []store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() > b.Priority.Rank()
		}
		switch {
		case a.DueDate == nil && b.DueDate == nil:
		case a.DueDate == nil:
			return false
		case b.DueDate == nil:
			return true
		case !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})
}

func sortTasksByCreatedDesc(tasks []store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
}

func sortTasksByDueAsc(tasks []store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].DueDate, tasks[j].DueDate
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		}
		return a.Before(*b)
	})
}
