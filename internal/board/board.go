// Package board declares the project-board collaborator consumed by the
// orchestration layer. The board's CRUD data model and query logic live
// outside this module; tools and undo compensators only see this interface.
package board

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a task, column, or comment does not exist.
// Implementations must return it (or a wrapping error) so compensators can
// distinguish "already gone" from real failures.
var ErrNotFound = errors.New("board: not found")

// Task is a card on the board.
type Task struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	ColumnID    string    `json:"column_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Position    int       `json:"position"`
	Assignees   []string  `json:"assignees,omitempty"`
	Labels      []string  `json:"labels,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Comment is a note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	AuthorID  string    `json:"author_id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskPatch carries the fields of an update. Nil pointers are untouched.
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

// IsEmpty reports whether the patch changes nothing. An empty patch is a
// caller error and must be rejected before any snapshot or ledger work.
func (p TaskPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil
}

// NewTask carries the fields of a create (or of a delete being reversed).
type NewTask struct {
	ProjectID   string   `json:"project_id"`
	ColumnID    string   `json:"column_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Position    int      `json:"position"`
	Assignees   []string `json:"assignees,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Board is the transactional data-access surface for tasks. All mutations
// are expected to be atomic per call; coordination across calls is the
// orchestration layer's job.
type Board interface {
	CreateTask(ctx context.Context, t NewTask) (*Task, error)
	GetTask(ctx context.Context, taskID string) (*Task, error)
	ListTasks(ctx context.Context, projectID string) ([]Task, error)
	UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (*Task, error)
	MoveTask(ctx context.Context, taskID, columnID string, position int) (*Task, error)
	DeleteTask(ctx context.Context, taskID string) error

	AssignTask(ctx context.Context, taskID, userID string) error
	UnassignTask(ctx context.Context, taskID, userID string) error
	AddLabel(ctx context.Context, taskID, label string) error
	RemoveLabel(ctx context.Context, taskID, label string) error

	AddComment(ctx context.Context, taskID, authorID, body string) (*Comment, error)
	DeleteComment(ctx context.Context, commentID string) error
}
