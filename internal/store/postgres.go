package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrDuplicateEmail is returned when a unique-email insert races a
// concurrent registration past the service-level existence check.
var ErrDuplicateEmail = errors.New("duplicate email")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Users

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Email, user.Name, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return User{}, ErrDuplicateEmail
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id = $1`, userID)
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email = $1`, email)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg any) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, name, password_hash, created_at, updated_at
		FROM users `+where,
		arg,
	).Scan(&user.ID, &user.Email, &user.Name, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]UserPublic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, name, created_at FROM users ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []UserPublic
	for rows.Next() {
		var u UserPublic
		if err := rows.Scan(&u.ID, &u.Email, &u.Name, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Tasks

const taskSelect = `
	SELECT t.id, t.title, t.description, t.status, t.priority, t.due_date,
	       t.created_at, t.updated_at, t.created_by_id, t.assigned_to_id,
	       c.id, c.email, c.name, c.created_at,
	       a.id, a.email, a.name, a.created_at
	FROM tasks t
	JOIN users c ON c.id = t.created_by_id
	LEFT JOIN users a ON a.id = t.assigned_to_id
`

// Default ordering: priority descending, due date ascending with nulls
// last, then newest first. Clients rely on this exact order.
const taskOrder = `
	ORDER BY CASE t.priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END DESC,
	         t.due_date ASC NULLS LAST,
	         t.created_at DESC
`

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE t.id = $1`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filters TaskFilters) ([]Task, error) {
	var conditions []string
	var args []any

	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filters.Status != "" {
		conditions = append(conditions, "t.status = "+arg(string(filters.Status)))
	}
	if filters.Priority != "" {
		conditions = append(conditions, "t.priority = "+arg(string(filters.Priority)))
	}
	if filters.AssignedToID != "" {
		conditions = append(conditions, "t.assigned_to_id = "+arg(filters.AssignedToID))
	}
	if filters.CreatedByID != "" {
		conditions = append(conditions, "t.created_by_id = "+arg(filters.CreatedByID))
	}
	if filters.Overdue {
		conditions = append(conditions, "t.due_date < NOW()")
		conditions = append(conditions, "t.status <> 'COMPLETED'")
	}

	query := taskSelect
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += taskOrder

	return s.queryTasks(ctx, query, args...)
}

func (s *PostgresStore) TasksByCreator(ctx context.Context, createdByID string) ([]Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE t.created_by_id = $1 ORDER BY t.created_at DESC`, createdByID)
}

func (s *PostgresStore) TasksByAssignee(ctx context.Context, assignedToID string) ([]Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE t.assigned_to_id = $1 ORDER BY t.created_at DESC`, assignedToID)
}

func (s *PostgresStore) OverdueTasks(ctx context.Context) ([]Task, error) {
	return s.queryTasks(ctx, taskSelect+` WHERE t.due_date < NOW() AND t.status <> 'COMPLETED' ORDER BY t.due_date ASC`)
}

func (s *PostgresStore) CreateTask(ctx context.Context, task Task) (Task, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, status, priority, due_date, created_by_id, assigned_to_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, task.ID, task.Title, task.Description, string(task.Status), string(task.Priority),
		task.DueDate, task.CreatedByID, task.AssignedToID, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("insert task: %w", err)
	}
	return s.GetTask(ctx, task.ID)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	var sets []string
	var args []any

	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Title != nil {
		set("title", *patch.Title)
	}
	if patch.HasDescription {
		set("description", patch.Description)
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.Priority != nil {
		set("priority", string(*patch.Priority))
	}
	if patch.HasDueDate {
		set("due_date", patch.DueDate)
	}
	if patch.HasAssignee {
		set("assigned_to_id", patch.AssignedToID)
	}
	set("updated_at", time.Now().UTC())

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Task{}, fmt.Errorf("update task: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return Task{}, sql.ErrNoRows
	}
	return s.GetTask(ctx, id)
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var task Task
	var description sql.NullString
	var dueDate sql.NullTime
	var assignedToID sql.NullString
	var assigneeID, assigneeEmail, assigneeName sql.NullString
	var assigneeCreated sql.NullTime

	err := row.Scan(
		&task.ID, &task.Title, &description, &task.Status, &task.Priority, &dueDate,
		&task.CreatedAt, &task.UpdatedAt, &task.CreatedByID, &assignedToID,
		&task.CreatedBy.ID, &task.CreatedBy.Email, &task.CreatedBy.Name, &task.CreatedBy.CreatedAt,
		&assigneeID, &assigneeEmail, &assigneeName, &assigneeCreated,
	)
	if err != nil {
		return Task{}, err
	}

	if description.Valid {
		task.Description = &description.String
	}
	if dueDate.Valid {
		due := dueDate.Time
		task.DueDate = &due
	}
	if assignedToID.Valid {
		id := assignedToID.String
		task.AssignedToID = &id
	}
	if assigneeID.Valid {
		task.AssignedTo = &UserPublic{
			ID:        assigneeID.String,
			Email:     assigneeEmail.String,
			Name:      assigneeName.String,
			CreatedAt: assigneeCreated.Time,
		}
	}
	return task, nil
}
