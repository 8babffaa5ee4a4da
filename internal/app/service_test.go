package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"taskboard/api/internal/config"
	"taskboard/api/internal/realtime"
	"taskboard/api/internal/store"
)

type fakeStore struct {
	tasks map[string]store.Task
	users map[string]store.User

	ListTasksFn  func(ctx context.Context, filters store.TaskFilters) ([]store.Task, error)
	UpdateTaskFn func(ctx context.Context, id string, patch store.TaskPatch) (store.Task, error)

	updateCalls int
	deleteCalls int
	lastFilters store.TaskFilters
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: map[string]store.Task{},
		users: map[string]store.User{},
	}
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	return task, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, filters store.TaskFilters) ([]store.Task, error) {
	f.lastFilters = filters
	if f.ListTasksFn != nil {
		return f.ListTasksFn(ctx, filters)
	}
	now := time.Now()
	out := make([]store.Task, 0, len(f.tasks))
	for _, task := range f.tasks {
		if filters.Status != "" && task.Status != filters.Status {
			continue
		}
		if filters.Priority != "" && task.Priority != filters.Priority {
			continue
		}
		if filters.AssignedToID != "" && (task.AssignedToID == nil || *task.AssignedToID != filters.AssignedToID) {
			continue
		}
		if filters.CreatedByID != "" && task.CreatedByID != filters.CreatedByID {
			continue
		}
		if filters.Overdue && !task.IsOverdue(now) {
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (f *fakeStore) CreateTask(ctx context.Context, task store.Task) (store.Task, error) {
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (store.Task, error) {
	f.updateCalls++
	if f.UpdateTaskFn != nil {
		return f.UpdateTaskFn(ctx, id, patch)
	}
	task, ok := f.tasks[id]
	if !ok {
		return store.Task{}, sql.ErrNoRows
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.HasDescription {
		task.Description = patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.HasDueDate {
		task.DueDate = patch.DueDate
	}
	if patch.HasAssignee {
		task.AssignedToID = patch.AssignedToID
	}
	task.UpdatedAt = time.Now()
	f.tasks[id] = task
	return task, nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.deleteCalls++
	if _, ok := f.tasks[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.tasks, id)
	return nil
}

func (f *fakeStore) TasksByCreator(ctx context.Context, createdByID string) ([]store.Task, error) {
	var out []store.Task
	for _, task := range f.tasks {
		if task.CreatedByID == createdByID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) TasksByAssignee(ctx context.Context, assignedToID string) ([]store.Task, error) {
	var out []store.Task
	for _, task := range f.tasks {
		if task.AssignedToID != nil && *task.AssignedToID == assignedToID {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) OverdueTasks(ctx context.Context) ([]store.Task, error) {
	now := time.Now()
	var out []store.Task
	for _, task := range f.tasks {
		if task.IsOverdue(now) {
			out = append(out, task)
		}
	}
	return out, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	user, ok := f.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type fakeSessions struct {
	saved   map[string]string
	revoked []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{saved: map[string]string{}}
}

func (f *fakeSessions) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.saved[tokenHash] = userID
	return nil
}

func (f *fakeSessions) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	userID, ok := f.saved[tokenHash]
	if !ok {
		return "", errors.New("refresh session not found")
	}
	return userID, nil
}

func (f *fakeSessions) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.saved, tokenHash)
	f.revoked = append(f.revoked, tokenHash)
	return nil
}

func (f *fakeSessions) Ping(ctx context.Context) error { return nil }

type publishedEvent struct {
	userID string // empty for broadcasts
	event  string
	data   any
}

type fakePublisher struct {
	events []publishedEvent
}

func (f *fakePublisher) Broadcast(event string, data any) {
	f.events = append(f.events, publishedEvent{event: event, data: data})
}

func (f *fakePublisher) ToUser(userID, event string, data any) {
	f.events = append(f.events, publishedEvent{userID: userID, event: event, data: data})
}

func (f *fakePublisher) broadcasts(event string) int {
	n := 0
	for _, e := range f.events {
		if e.userID == "" && e.event == event {
			n++
		}
	}
	return n
}

func (f *fakePublisher) notices(userID string) []realtime.AssignmentNotification {
	var out []realtime.AssignmentNotification
	for _, e := range f.events {
		if e.userID == userID && e.event == realtime.EventAssignmentNotification {
			out = append(out, e.data.(realtime.AssignmentNotification))
		}
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		TokenSecret: "test-secret",
		AccessTTL:   15 * time.Minute,
		RefreshTTL:  24 * time.Hour,
	}
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeSessions, *fakePublisher) {
	t.Helper()
	st := newFakeStore()
	sessions := newFakeSessions()
	pub := &fakePublisher{}
	return New(testConfig(), st, sessions, pub), st, sessions, pub
}

func strPtr(s string) *string { return &s }

func seedUsers(st *fakeStore, ids ...string) {
	for _, id := range ids {
		st.users[id] = store.User{ID: id, Email: id + "@example.com", Name: id}
	}
}

func seedTask(st *fakeStore, id, creator string, assignee *string) store.Task {
	task := store.Task{
		ID:           id,
		Title:        "Task " + id,
		Status:       store.StatusTodo,
		Priority:     store.PriorityMedium,
		CreatedByID:  creator,
		AssignedToID: assignee,
		CreatedAt:    time.Now().Add(-time.Hour),
		UpdatedAt:    time.Now().Add(-time.Hour),
	}
	st.tasks[id] = task
	return task
}

func TestUpdateTaskForbiddenForStranger(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee", "usr_stranger")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_assignee"))

	_, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{Title: strPtr("hijacked")}, "usr_stranger")

	var de *DomainError
	if !errors.As(err, &de) || de.Status != 403 {
		t.Fatalf("err = %v, want 403 DomainError", err)
	}
	if st.updateCalls != 0 {
		t.Fatal("rejected update still reached the store")
	}
	if len(pub.events) != 0 {
		t.Fatalf("rejected update emitted events: %+v", pub.events)
	}
	if st.tasks["task_1"].Title != "Task task_1" {
		t.Fatal("task mutated despite rejection")
	}
}

func TestUpdateTaskAllowedForAssignee(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_assignee"))

	result, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{Title: strPtr("renamed")}, "usr_assignee")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if result.Task.Title != "renamed" {
		t.Fatalf("title = %q", result.Task.Title)
	}
	if pub.broadcasts(realtime.EventTaskUpdated) != 1 {
		t.Fatalf("want exactly one TASK_UPDATED broadcast, got events %+v", pub.events)
	}
}

func TestUpdateTaskSameAssigneeEmitsNoAssignmentNotice(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_assignee"))

	result, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{
		AssignedToID: strPtr("usr_assignee"),
		HasAssignee:  true,
	}, "usr_creator")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if result.AssigneeChanged {
		t.Fatal("AssigneeChanged = true for a no-op reassignment")
	}
	if got := pub.notices("usr_assignee"); len(got) != 0 {
		t.Fatalf("no-op reassignment notified assignee: %+v", got)
	}
	if pub.broadcasts(realtime.EventTaskUpdated) != 1 {
		t.Fatal("TASK_UPDATED broadcast missing")
	}
}

func TestUpdateTaskReassignmentNotifications(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_old", "usr_new")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_old"))

	result, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{
		AssignedToID: strPtr("usr_new"),
		HasAssignee:  true,
	}, "usr_creator")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if !result.AssigneeChanged {
		t.Fatal("AssigneeChanged = false")
	}

	newNotices := pub.notices("usr_new")
	if len(newNotices) != 1 || newNotices[0].Type != realtime.AssignmentNew {
		t.Fatalf("new assignee notices = %+v", newNotices)
	}
	oldNotices := pub.notices("usr_old")
	if len(oldNotices) != 1 || oldNotices[0].Type != realtime.AssignmentRemoved {
		t.Fatalf("previous assignee notices = %+v", oldNotices)
	}
	if got := pub.notices("usr_creator"); len(got) != 0 {
		t.Fatalf("actor received notices: %+v", got)
	}
}

func TestUpdateTaskSelfAssignSkipsActorNotice(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_old")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_old"))

	_, err := svc.UpdateTask(context.Background(), "task_1", UpdateTaskInput{
		AssignedToID: strPtr("usr_creator"),
		HasAssignee:  true,
	}, "usr_creator")
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if got := pub.notices("usr_creator"); len(got) != 0 {
		t.Fatalf("actor notified about own assignment: %+v", got)
	}
	oldNotices := pub.notices("usr_old")
	if len(oldNotices) != 1 || oldNotices[0].Type != realtime.AssignmentRemoved {
		t.Fatalf("previous assignee notices = %+v", oldNotices)
	}
}

func TestAssignTaskCreatorOnly(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee", "usr_new")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_assignee"))

	// The current assignee may update the task, but not use the
	// dedicated assignment operation.
	_, err := svc.AssignTask(context.Background(), "task_1", strPtr("usr_new"), "usr_assignee")
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 403 {
		t.Fatalf("err = %v, want 403 DomainError", err)
	}

	result, err := svc.AssignTask(context.Background(), "task_1", strPtr("usr_new"), "usr_creator")
	if err != nil {
		t.Fatalf("AssignTask as creator: %v", err)
	}
	if result.NewAssigneeID == nil || *result.NewAssigneeID != "usr_new" {
		t.Fatalf("assignee = %v", result.NewAssigneeID)
	}
}

func TestCreateTaskDefaultsAndNotification(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee")

	task, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Title:        "  Ship the release  ",
		AssignedToID: strPtr("usr_assignee"),
	}, "usr_creator")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.Title != "Ship the release" {
		t.Fatalf("title = %q, want trimmed", task.Title)
	}
	if task.Status != store.StatusTodo || task.Priority != store.PriorityMedium {
		t.Fatalf("defaults: status=%s priority=%s", task.Status, task.Priority)
	}
	if pub.broadcasts(realtime.EventTaskCreated) != 1 {
		t.Fatal("TASK_CREATED broadcast missing")
	}
	notices := pub.notices("usr_assignee")
	if len(notices) != 1 || notices[0].Type != realtime.AssignmentNew {
		t.Fatalf("assignee notices = %+v", notices)
	}
}

func TestCreateTaskSelfAssignedSkipsNotice(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator")

	_, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Title:        "Solo work",
		AssignedToID: strPtr("usr_creator"),
	}, "usr_creator")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if got := pub.notices("usr_creator"); len(got) != 0 {
		t.Fatalf("creator notified about self-assignment: %+v", got)
	}
}

func TestCreateTaskUnknownAssignee(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator")

	_, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Title:        "Orphan",
		AssignedToID: strPtr("usr_ghost"),
	}, "usr_creator")

	var de *DomainError
	if !errors.As(err, &de) || de.Status != 400 || de.Code != "ASSIGNEE_NOT_FOUND" {
		t.Fatalf("err = %v, want ASSIGNEE_NOT_FOUND", err)
	}
	if len(st.tasks) != 0 {
		t.Fatal("task persisted despite unknown assignee")
	}
	if len(pub.events) != 0 {
		t.Fatalf("events emitted: %+v", pub.events)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.CreateTask(context.Background(), CreateTaskInput{
		Title:    "   ",
		Priority: "URGENT",
		DueDate:  strPtr("tomorrow"),
	}, "usr_creator")

	var de *DomainError
	if !errors.As(err, &de) || de.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
	if len(de.Errors) != 3 {
		t.Fatalf("errors = %v, want title+priority+dueDate", de.Errors)
	}
}

func TestDeleteTaskRules(t *testing.T) {
	svc, st, _, pub := newTestService(t)
	seedUsers(st, "usr_creator", "usr_assignee")
	seedTask(st, "task_1", "usr_creator", strPtr("usr_assignee"))

	_, err := svc.DeleteTask(context.Background(), "task_1", "usr_assignee")
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 403 {
		t.Fatalf("assignee delete err = %v, want 403", err)
	}
	if st.deleteCalls != 0 {
		t.Fatal("rejected delete reached the store")
	}

	snapshot, err := svc.DeleteTask(context.Background(), "task_1", "usr_creator")
	if err != nil {
		t.Fatalf("creator delete: %v", err)
	}
	if snapshot.ID != "task_1" {
		t.Fatalf("snapshot = %+v", snapshot)
	}
	if pub.broadcasts(realtime.EventTaskDeleted) != 1 {
		t.Fatal("TASK_DELETED broadcast missing")
	}
	notices := pub.notices("usr_assignee")
	if len(notices) != 1 || notices[0].Type != realtime.AssignmentTaskDeleted {
		t.Fatalf("assignee notices = %+v", notices)
	}
}

func TestUpdateStatusRejectsUnknownValue(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUsers(st, "usr_creator")
	seedTask(st, "task_1", "usr_creator", nil)

	_, err := svc.UpdateStatus(context.Background(), "task_1", "DONE", "usr_creator")
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.GetTask(context.Background(), "task_missing")
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 404 {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestListTasksRejectsUnknownEnums(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.ListTasks(context.Background(), ListFilters{Status: "DONE", Priority: "URGENT"}, "usr_1")
	var de *DomainError
	if !errors.As(err, &de) || de.Status != 400 || len(de.Errors) != 2 {
		t.Fatalf("err = %v, want 400 with two field errors", err)
	}
}

func TestListTasksResolvesMeFilters(t *testing.T) {
	svc, st, _, _ := newTestService(t)

	if _, err := svc.ListTasks(context.Background(), ListFilters{AssignedToMe: true, CreatedByMe: true, Overdue: true}, "usr_me"); err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if st.lastFilters.AssignedToID != "usr_me" || st.lastFilters.CreatedByID != "usr_me" {
		t.Fatalf("filters = %+v, want me-resolution", st.lastFilters)
	}
	if !st.lastFilters.Overdue {
		t.Fatal("overdue filter dropped")
	}
}

func TestListTasksOverdueExcludesCompletedAndFuture(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUsers(st, "usr_creator")
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	lateTask := seedTask(st, "task_late", "usr_creator", nil)
	lateTask.DueDate = &past
	st.tasks["task_late"] = lateTask

	doneTask := seedTask(st, "task_done", "usr_creator", nil)
	doneTask.DueDate = &past
	doneTask.Status = store.StatusCompleted
	st.tasks["task_done"] = doneTask

	upcomingTask := seedTask(st, "task_upcoming", "usr_creator", nil)
	upcomingTask.DueDate = &future
	st.tasks["task_upcoming"] = upcomingTask

	seedTask(st, "task_undated", "usr_creator", nil)

	tasks, err := svc.ListTasks(context.Background(), ListFilters{Overdue: true}, "usr_creator")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "task_late" {
		t.Fatalf("overdue listing = %v, want only task_late", taskIDs(tasks))
	}

	// Completing the remaining overdue task removes it from the listing.
	if _, err := svc.UpdateStatus(context.Background(), "task_late", string(store.StatusCompleted), "usr_creator"); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	tasks, err = svc.ListTasks(context.Background(), ListFilters{Overdue: true}, "usr_creator")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("overdue listing after completion = %v, want empty", taskIDs(tasks))
	}
}

func TestListTasksDefaultOrdering(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	now := time.Now()
	soon := now.Add(time.Hour)
	later := now.Add(48 * time.Hour)

	st.ListTasksFn = func(ctx context.Context, filters store.TaskFilters) ([]store.Task, error) {
		return []store.Task{
			{ID: "task_low", Priority: store.PriorityLow, CreatedAt: now},
			{ID: "task_high_nodate", Priority: store.PriorityHigh, CreatedAt: now.Add(-time.Minute)},
			{ID: "task_high_later", Priority: store.PriorityHigh, DueDate: &later, CreatedAt: now},
			{ID: "task_high_soon", Priority: store.PriorityHigh, DueDate: &soon, CreatedAt: now},
			{ID: "task_med", Priority: store.PriorityMedium, CreatedAt: now},
		}, nil
	}

	tasks, err := svc.ListTasks(context.Background(), ListFilters{}, "usr_1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	want := []string{"task_high_soon", "task_high_later", "task_high_nodate", "task_med", "task_low"}
	for i, id := range want {
		if tasks[i].ID != id {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, tasks[i].ID, id, taskIDs(tasks))
		}
	}
}

func taskIDs(tasks []store.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.ID
	}
	return out
}

func TestRefreshSessionRotates(t *testing.T) {
	svc, st, sessions, _ := newTestService(t)
	seedUsers(st, "usr_1")

	first, err := svc.CreateSession(context.Background(), st.users["usr_1"])
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	second, err := svc.RefreshSession(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	if len(sessions.revoked) != 1 {
		t.Fatalf("revoked = %v, want the presented token revoked", sessions.revoked)
	}

	// The presented token is single-use.
	if _, err := svc.RefreshSession(context.Background(), first.RefreshToken); err == nil {
		t.Fatal("reused refresh token accepted")
	}
}

func TestSessionFromTokenRoundTrip(t *testing.T) {
	svc, st, _, _ := newTestService(t)
	seedUsers(st, "usr_1")

	created, err := svc.CreateSession(context.Background(), st.users["usr_1"])
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	parsed, err := svc.SessionFromToken(created.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr_1" || parsed.Email != "usr_1@example.com" {
		t.Fatalf("parsed session = %+v", parsed)
	}
}
