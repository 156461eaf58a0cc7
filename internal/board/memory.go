package board

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory Board used by tests and local runs.
// Assign/unassign and label mutations are idempotent, matching the
// contract real backends are expected to honor.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*Task
	comments map[string]*Comment
}

// NewMemory creates an empty in-memory board.
func NewMemory() *Memory {
	return &Memory{
		tasks:    make(map[string]*Task),
		comments: make(map[string]*Comment),
	}
}

func (m *Memory) CreateTask(_ context.Context, t NewTask) (*Task, error) {
	if t.Title == "" {
		return nil, fmt.Errorf("create task: empty title")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		ProjectID:   t.ProjectID,
		ColumnID:    t.ColumnID,
		Title:       t.Title,
		Description: t.Description,
		Position:    t.Position,
		Assignees:   slices.Clone(t.Assignees),
		Labels:      slices.Clone(t.Labels),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[task.ID] = task
	return cloneTask(task), nil
}

func (m *Memory) GetTask(_ context.Context, taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return cloneTask(task), nil
}

func (m *Memory) ListTasks(_ context.Context, projectID string) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Task
	for _, task := range m.tasks {
		if task.ProjectID == projectID {
			out = append(out, *cloneTask(task))
		}
	}
	slices.SortFunc(out, func(a, b Task) int {
		if a.Position != b.Position {
			return a.Position - b.Position
		}
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateTask(_ context.Context, taskID string, patch TaskPatch) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	task.UpdatedAt = time.Now().UTC()
	return cloneTask(task), nil
}

func (m *Memory) MoveTask(_ context.Context, taskID, columnID string, position int) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	task.ColumnID = columnID
	task.Position = position
	task.UpdatedAt = time.Now().UTC()
	return cloneTask(task), nil
}

func (m *Memory) DeleteTask(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	delete(m.tasks, taskID)
	for id, c := range m.comments {
		if c.TaskID == taskID {
			delete(m.comments, id)
		}
	}
	return nil
}

func (m *Memory) AssignTask(_ context.Context, taskID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !slices.Contains(task.Assignees, userID) {
		task.Assignees = append(task.Assignees, userID)
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) UnassignTask(_ context.Context, taskID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if idx := slices.Index(task.Assignees, userID); idx >= 0 {
		task.Assignees = slices.Delete(task.Assignees, idx, idx+1)
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) AddLabel(_ context.Context, taskID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if !slices.Contains(task.Labels, label) {
		task.Labels = append(task.Labels, label)
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) RemoveLabel(_ context.Context, taskID, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if idx := slices.Index(task.Labels, label); idx >= 0 {
		task.Labels = slices.Delete(task.Labels, idx, idx+1)
		task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) AddComment(_ context.Context, taskID, authorID, body string) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	comment := &Comment{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		AuthorID:  authorID,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	m.comments[comment.ID] = comment
	cp := *comment
	return &cp, nil
}

func (m *Memory) DeleteComment(_ context.Context, commentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.comments[commentID]; !ok {
		return fmt.Errorf("comment %s: %w", commentID, ErrNotFound)
	}
	delete(m.comments, commentID)
	return nil
}

func cloneTask(t *Task) *Task {
	cp := *t
	cp.Assignees = slices.Clone(t.Assignees)
	cp.Labels = slices.Clone(t.Labels)
	return &cp
}
