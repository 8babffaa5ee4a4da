// Package policy holds the pure authorization rules for tasks. Every
// function decides over the task state the caller just loaded; callers
// must re-read before deciding, never act on a cached copy.
package policy

import "taskboard/api/internal/store"

// CanRead reports whether an authenticated actor may read a task. There
// is no row-level read restriction; "mine" and "created by me" scoping
// is a query filter, not an authorization boundary.
func CanRead(store.Task, string) bool {
	return true
}

// CanUpdate permits the creator or the current assignee, regardless of
// which field the update touches.
func CanUpdate(t store.Task, actorID string) bool {
	if t.CreatedByID == actorID {
		return true
	}
	return t.AssignedToID != nil && *t.AssignedToID == actorID
}

// CanDelete permits only the creator. The current assignee has no
// delete right.
func CanDelete(t store.Task, actorID string) bool {
	return t.CreatedByID == actorID
}

// CanAssign guards the dedicated assignment mutation, which only the
// creator may use. The general update path still lets an assignee move
// the assignee field; the two rules are intentionally different.
func CanAssign(t store.Task, actorID string) bool {
	return t.CreatedByID == actorID
}
