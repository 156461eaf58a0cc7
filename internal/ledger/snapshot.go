package ledger

import (
	"slices"

	"github.com/boardpilot/boardpilot/internal/board"
)

// Op tags a Snapshot with the operation it reverses.
type Op string

const (
	OpCreate      Op = "create"
	OpUpdate      Op = "update"
	OpMove        Op = "move"
	OpDelete      Op = "delete"
	OpBatchCreate Op = "batch_create"
	OpBatchUpdate Op = "batch_update"
	OpBatchMove   Op = "batch_move"
	OpBatchDelete Op = "batch_delete"
	OpAssign      Op = "assign"
	OpUnassign    Op = "unassign"
	OpAddLabel    Op = "add_label"
	OpRemoveLabel Op = "remove_label"
	OpAddComment  Op = "add_comment"
)

// PriorState holds the pre-mutation field values a compensator needs.
// Which fields are meaningful depends on the Op: update uses Title and
// Description, move uses ColumnID and Position, delete uses everything.
type PriorState struct {
	ProjectID   string   `json:"project_id,omitempty"`
	ColumnID    string   `json:"column_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Position    int      `json:"position"`
	Assignees   []string `json:"assignees,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

// Snapshot captures what a mutating tool must record BEFORE mutating so the
// undo engine can reverse it after commit. Batch operations nest one child
// snapshot per affected entity.
type Snapshot struct {
	Op        Op         `json:"op"`
	TaskID    string     `json:"task_id,omitempty"`
	CommentID string     `json:"comment_id,omitempty"`
	Subject   string     `json:"subject,omitempty"` // assignee user id or label name
	Prev      *PriorState `json:"prev,omitempty"`
	Items     []Snapshot `json:"items,omitempty"`
}

// ForCreate records that a task was created; reversing deletes it.
func ForCreate(taskID string) *Snapshot {
	return &Snapshot{Op: OpCreate, TaskID: taskID}
}

// ForUpdate records the fields an update is about to overwrite.
func ForUpdate(t *board.Task) *Snapshot {
	return &Snapshot{
		Op:     OpUpdate,
		TaskID: t.ID,
		Prev: &PriorState{
			Title:       t.Title,
			Description: t.Description,
		},
	}
}

// ForMove records the position a move is about to leave.
func ForMove(t *board.Task) *Snapshot {
	return &Snapshot{
		Op:     OpMove,
		TaskID: t.ID,
		Prev: &PriorState{
			ColumnID: t.ColumnID,
			Position: t.Position,
		},
	}
}

// ForDelete records everything needed to re-insert a task. The re-inserted
// task gets a new identity; callers must not rely on ID stability across
// undo of a delete.
func ForDelete(t *board.Task) *Snapshot {
	return &Snapshot{
		Op:     OpDelete,
		TaskID: t.ID,
		Prev: &PriorState{
			ProjectID:   t.ProjectID,
			ColumnID:    t.ColumnID,
			Title:       t.Title,
			Description: t.Description,
			Position:    t.Position,
			Assignees:   slices.Clone(t.Assignees),
			Labels:      slices.Clone(t.Labels),
		},
	}
}

// ForBatch wraps per-entity snapshots under a batch op tag.
func ForBatch(op Op, items []Snapshot) *Snapshot {
	return &Snapshot{Op: op, Items: items}
}

// ForAssign records an assignment; reversing unassigns.
func ForAssign(taskID, userID string) *Snapshot {
	return &Snapshot{Op: OpAssign, TaskID: taskID, Subject: userID}
}

// ForUnassign records a removed assignment; reversing re-assigns.
func ForUnassign(taskID, userID string) *Snapshot {
	return &Snapshot{Op: OpUnassign, TaskID: taskID, Subject: userID}
}

// ForAddLabel records an added label; reversing removes it.
func ForAddLabel(taskID, label string) *Snapshot {
	return &Snapshot{Op: OpAddLabel, TaskID: taskID, Subject: label}
}

// ForRemoveLabel records a removed label; reversing re-adds it.
func ForRemoveLabel(taskID, label string) *Snapshot {
	return &Snapshot{Op: OpRemoveLabel, TaskID: taskID, Subject: label}
}

// ForAddComment records a created comment; reversing deletes it.
func ForAddComment(taskID, commentID string) *Snapshot {
	return &Snapshot{Op: OpAddComment, TaskID: taskID, CommentID: commentID}
}
