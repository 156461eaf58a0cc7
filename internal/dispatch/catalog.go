package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/boardpilot/boardpilot/internal/action"
	"github.com/boardpilot/boardpilot/internal/board"
	"github.com/boardpilot/boardpilot/internal/ledger"
	"github.com/boardpilot/boardpilot/internal/permission"
)

// Handler executes one tool call against the board. Mutating handlers must
// capture their Snapshot before touching the board.
type Handler func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error)

// Result is a handler's output plus the bookkeeping the dispatcher records.
type Result struct {
	Output      any
	AffectedIDs []string
	Snapshot    *ledger.Snapshot
}

// ToolSpec declares one tool: its schema, its gate requirements, and its
// handler. The catalog is the single source of truth for which tools exist
// and what each one needs.
type ToolSpec struct {
	Name             string
	Description      string
	InputSchema      json.RawMessage
	RequiredLevel    permission.Level
	Mutating         bool
	Destructive      bool
	RequiresApproval bool
	Handler          Handler

	// PreCheck runs after schema validation and before any gate or
	// snapshot work. Used to reject no-op inputs like an empty patch.
	PreCheck func(input json.RawMessage) error

	compiled *jsonschema.Schema
}

func (t *ToolSpec) validateInput(input json.RawMessage) error {
	raw := strings.TrimSpace(string(input))
	if raw == "" {
		raw = "{}"
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return action.ValidationFailedf("tool %s: invalid JSON input: %s", t.Name, err)
	}
	if err := t.compiled.Validate(parsed); err != nil {
		return action.ValidationFailedf("tool %s: %s", t.Name, err)
	}
	if t.PreCheck != nil {
		return t.PreCheck(input)
	}
	return nil
}

// Profile selects which tools an invocation may see. Sub-agent profiles
// never allow destructive tools regardless of the parent's own rights.
type Profile struct {
	AllowQuery       bool
	AllowWrite       bool
	AllowDestructive bool
}

// FullProfile is the interactive default.
func FullProfile() Profile {
	return Profile{AllowQuery: true, AllowWrite: true, AllowDestructive: true}
}

// SubAgentProfile is what a delegated run gets: no destructive tools.
func SubAgentProfile() Profile {
	return Profile{AllowQuery: true, AllowWrite: true}
}

func (p Profile) admits(t *ToolSpec) bool {
	switch {
	case t.Destructive:
		return p.AllowDestructive
	case t.Mutating:
		return p.AllowWrite
	default:
		return p.AllowQuery
	}
}

// Catalog holds the compiled tool table.
type Catalog struct {
	specs map[string]*ToolSpec
	order []string
}

// NewCatalog builds the board tool catalog. Compiling every input schema
// up front means a bad schema fails at startup, not mid-conversation.
func NewCatalog(b board.Board) (*Catalog, error) {
	c := &Catalog{specs: make(map[string]*ToolSpec)}
	for _, spec := range boardTools(b) {
		if err := c.add(spec); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Catalog) add(spec *ToolSpec) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(spec.InputSchema)))
	if err != nil {
		return fmt.Errorf("tool %s: unmarshal schema: %w", spec.Name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return fmt.Errorf("tool %s: add schema resource: %w", spec.Name, err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: compile schema: %w", spec.Name, err)
	}
	spec.compiled = compiled
	c.specs[spec.Name] = spec
	c.order = append(c.order, spec.Name)
	return nil
}

// Lookup returns the spec for a tool name.
func (c *Catalog) Lookup(name string) (*ToolSpec, bool) {
	spec, ok := c.specs[name]
	return spec, ok
}

// Names lists every tool name in registration order.
func (c *Catalog) Names() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Visible lists the tools a profile admits, in registration order.
func (c *Catalog) Visible(p Profile) []*ToolSpec {
	var out []*ToolSpec
	for _, name := range c.order {
		if spec := c.specs[name]; p.admits(spec) {
			out = append(out, spec)
		}
	}
	return out
}

// Input and output shapes for the board tools.

type listTasksInput struct {
	ProjectID string `json:"project_id"`
}

type getTaskInput struct {
	TaskID string `json:"task_id"`
}

type createTaskInput struct {
	ColumnID    string   `json:"column_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Position    int      `json:"position,omitempty"`
	Labels      []string `json:"labels,omitempty"`
}

type updateTaskInput struct {
	TaskID      string  `json:"task_id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
}

type moveTaskInput struct {
	TaskID   string `json:"task_id"`
	ColumnID string `json:"column_id"`
	Position int    `json:"position"`
}

type deleteTaskInput struct {
	TaskID string `json:"task_id"`
}

type assignInput struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

type labelInput struct {
	TaskID string `json:"task_id"`
	Label  string `json:"label"`
}

type addCommentInput struct {
	TaskID string `json:"task_id"`
	Body   string `json:"body"`
}

type batchCreateInput struct {
	Tasks []createTaskInput `json:"tasks"`
}

type batchUpdateInput struct {
	Updates []updateTaskInput `json:"updates"`
}

type batchMoveInput struct {
	Moves []moveTaskInput `json:"moves"`
}

type batchDeleteInput struct {
	TaskIDs []string `json:"task_ids"`
}

// batchItemResult reports one entity's fate inside a batch call.
type batchItemResult struct {
	TaskID string `json:"task_id,omitempty"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

type batchOutput struct {
	Results   []batchItemResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

func decodeInput[T any](name string, input json.RawMessage, out *T) error {
	if err := json.Unmarshal(input, out); err != nil {
		return action.ValidationFailedf("tool %s: decode input: %s", name, err)
	}
	return nil
}

func boardTools(b board.Board) []*ToolSpec {
	return []*ToolSpec{
		{
			Name:          "list_tasks",
			Description:   "List all tasks in a project, grouped by column order.",
			RequiredLevel: permission.LevelMember,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"project_id": {"type": "string", "minLength": 1}},
				"required": ["project_id"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in listTasksInput
				if err := decodeInput("list_tasks", input, &in); err != nil {
					return nil, err
				}
				tasks, err := b.ListTasks(ctx, in.ProjectID)
				if err != nil {
					return nil, err
				}
				return &Result{Output: map[string]any{"tasks": tasks, "count": len(tasks)}}, nil
			},
		},
		{
			Name:          "get_task",
			Description:   "Fetch one task by id, including assignees, labels, and timestamps.",
			RequiredLevel: permission.LevelMember,
			InputSchema:   taskIDSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in getTaskInput
				if err := decodeInput("get_task", input, &in); err != nil {
					return nil, err
				}
				task, err := b.GetTask(ctx, in.TaskID)
				if err != nil {
					return nil, err
				}
				return &Result{Output: task}, nil
			},
		},
		{
			Name:          "create_task",
			Description:   "Create a new task in a column of the current project.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"column_id": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1, "maxLength": 500},
					"description": {"type": "string"},
					"position": {"type": "integer", "minimum": 0},
					"labels": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["column_id", "title"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in createTaskInput
				if err := decodeInput("create_task", input, &in); err != nil {
					return nil, err
				}
				task, err := b.CreateTask(ctx, board.NewTask{
					ProjectID:   actx.ProjectID,
					ColumnID:    in.ColumnID,
					Title:       in.Title,
					Description: in.Description,
					Position:    in.Position,
					Labels:      in.Labels,
				})
				if err != nil {
					return nil, err
				}
				return &Result{
					Output:      task,
					AffectedIDs: []string{task.ID},
					Snapshot:    ledger.ForCreate(task.ID),
				}, nil
			},
		},
		{
			Name:          "update_task",
			Description:   "Update a task's title and/or description. At least one field is required.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"title": {"type": "string", "minLength": 1, "maxLength": 500},
					"description": {"type": "string"}
				},
				"required": ["task_id"],
				"additionalProperties": false
			}`),
			PreCheck: func(input json.RawMessage) error {
				var in updateTaskInput
				if err := json.Unmarshal(input, &in); err != nil {
					return action.ValidationFailedf("tool update_task: decode input: %s", err)
				}
				if (board.TaskPatch{Title: in.Title, Description: in.Description}).IsEmpty() {
					return action.ValidationFailedf("tool update_task: empty patch, nothing to change")
				}
				return nil
			},
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in updateTaskInput
				if err := decodeInput("update_task", input, &in); err != nil {
					return nil, err
				}
				prev, err := b.GetTask(ctx, in.TaskID)
				if err != nil {
					return nil, err
				}
				snap := ledger.ForUpdate(prev)
				task, err := b.UpdateTask(ctx, in.TaskID, board.TaskPatch{Title: in.Title, Description: in.Description})
				if err != nil {
					return nil, err
				}
				return &Result{Output: task, AffectedIDs: []string{task.ID}, Snapshot: snap}, nil
			},
		},
		{
			Name:          "move_task",
			Description:   "Move a task to a column at a position.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"column_id": {"type": "string", "minLength": 1},
					"position": {"type": "integer", "minimum": 0}
				},
				"required": ["task_id", "column_id", "position"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in moveTaskInput
				if err := decodeInput("move_task", input, &in); err != nil {
					return nil, err
				}
				prev, err := b.GetTask(ctx, in.TaskID)
				if err != nil {
					return nil, err
				}
				snap := ledger.ForMove(prev)
				task, err := b.MoveTask(ctx, in.TaskID, in.ColumnID, in.Position)
				if err != nil {
					return nil, err
				}
				return &Result{Output: task, AffectedIDs: []string{task.ID}, Snapshot: snap}, nil
			},
		},
		{
			Name:             "delete_task",
			Description:      "Permanently delete a task and its comments. Requires approval.",
			RequiredLevel:    permission.LevelAdmin,
			Mutating:         true,
			Destructive:      true,
			RequiresApproval: true,
			InputSchema:      taskIDSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in deleteTaskInput
				if err := decodeInput("delete_task", input, &in); err != nil {
					return nil, err
				}
				prev, err := b.GetTask(ctx, in.TaskID)
				if err != nil {
					return nil, err
				}
				snap := ledger.ForDelete(prev)
				if err := b.DeleteTask(ctx, in.TaskID); err != nil {
					return nil, err
				}
				return &Result{
					Output:      map[string]any{"deleted": true, "task_id": in.TaskID},
					AffectedIDs: []string{in.TaskID},
					Snapshot:    snap,
				}, nil
			},
		},
		{
			Name:          "assign_task",
			Description:   "Assign a user to a task.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema:   assignSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in assignInput
				if err := decodeInput("assign_task", input, &in); err != nil {
					return nil, err
				}
				snap := ledger.ForAssign(in.TaskID, in.UserID)
				if err := b.AssignTask(ctx, in.TaskID, in.UserID); err != nil {
					return nil, err
				}
				return &Result{
					Output:      map[string]any{"assigned": true, "task_id": in.TaskID, "user_id": in.UserID},
					AffectedIDs: []string{in.TaskID},
					Snapshot:    snap,
				}, nil
			},
		},
		{
			Name:          "unassign_task",
			Description:   "Remove a user's assignment from a task.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema:   assignSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in assignInput
				if err := decodeInput("unassign_task", input, &in); err != nil {
					return nil, err
				}
				snap := ledger.ForUnassign(in.TaskID, in.UserID)
				if err := b.UnassignTask(ctx, in.TaskID, in.UserID); err != nil {
					return nil, err
				}
				return &Result{
					Output:      map[string]any{"unassigned": true, "task_id": in.TaskID, "user_id": in.UserID},
					AffectedIDs: []string{in.TaskID},
					Snapshot:    snap,
				}, nil
			},
		},
		{
			Name:          "add_label",
			Description:   "Add a label to a task.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema:   labelSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in labelInput
				if err := decodeInput("add_label", input, &in); err != nil {
					return nil, err
				}
				snap := ledger.ForAddLabel(in.TaskID, in.Label)
				if err := b.AddLabel(ctx, in.TaskID, in.Label); err != nil {
					return nil, err
				}
				return &Result{
					Output:      map[string]any{"labeled": true, "task_id": in.TaskID, "label": in.Label},
					AffectedIDs: []string{in.TaskID},
					Snapshot:    snap,
				}, nil
			},
		},
		{
			Name:          "remove_label",
			Description:   "Remove a label from a task.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema:   labelSchema,
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in labelInput
				if err := decodeInput("remove_label", input, &in); err != nil {
					return nil, err
				}
				snap := ledger.ForRemoveLabel(in.TaskID, in.Label)
				if err := b.RemoveLabel(ctx, in.TaskID, in.Label); err != nil {
					return nil, err
				}
				return &Result{
					Output:      map[string]any{"unlabeled": true, "task_id": in.TaskID, "label": in.Label},
					AffectedIDs: []string{in.TaskID},
					Snapshot:    snap,
				}, nil
			},
		},
		{
			Name:          "add_comment",
			Description:   "Add a comment to a task, authored by the acting user.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_id": {"type": "string", "minLength": 1},
					"body": {"type": "string", "minLength": 1, "maxLength": 10000}
				},
				"required": ["task_id", "body"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in addCommentInput
				if err := decodeInput("add_comment", input, &in); err != nil {
					return nil, err
				}
				comment, err := b.AddComment(ctx, in.TaskID, actx.UserID, in.Body)
				if err != nil {
					return nil, err
				}
				return &Result{
					Output:      comment,
					AffectedIDs: []string{in.TaskID},
					Snapshot:    ledger.ForAddComment(in.TaskID, comment.ID),
				}, nil
			},
		},
		{
			Name:          "batch_create_tasks",
			Description:   "Create several tasks in one call. Items are applied independently; the result reports each item's outcome.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"tasks": {
						"type": "array", "minItems": 1, "maxItems": 50,
						"items": {
							"type": "object",
							"properties": {
								"column_id": {"type": "string", "minLength": 1},
								"title": {"type": "string", "minLength": 1, "maxLength": 500},
								"description": {"type": "string"},
								"position": {"type": "integer", "minimum": 0},
								"labels": {"type": "array", "items": {"type": "string"}}
							},
							"required": ["column_id", "title"],
							"additionalProperties": false
						}
					}
				},
				"required": ["tasks"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in batchCreateInput
				if err := decodeInput("batch_create_tasks", input, &in); err != nil {
					return nil, err
				}
				out := batchOutput{}
				var affected []string
				var snaps []ledger.Snapshot
				for _, item := range in.Tasks {
					task, err := b.CreateTask(ctx, board.NewTask{
						ProjectID:   actx.ProjectID,
						ColumnID:    item.ColumnID,
						Title:       item.Title,
						Description: item.Description,
						Position:    item.Position,
						Labels:      item.Labels,
					})
					if err != nil {
						out.Results = append(out.Results, batchItemResult{OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					out.Results = append(out.Results, batchItemResult{TaskID: task.ID, OK: true})
					out.Succeeded++
					affected = append(affected, task.ID)
					snaps = append(snaps, *ledger.ForCreate(task.ID))
				}
				return finishBatch(ledger.OpBatchCreate, out, affected, snaps)
			},
		},
		{
			Name:          "batch_update_tasks",
			Description:   "Update several tasks in one call. Items are applied independently.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"updates": {
						"type": "array", "minItems": 1, "maxItems": 50,
						"items": {
							"type": "object",
							"properties": {
								"task_id": {"type": "string", "minLength": 1},
								"title": {"type": "string", "minLength": 1, "maxLength": 500},
								"description": {"type": "string"}
							},
							"required": ["task_id"],
							"additionalProperties": false
						}
					}
				},
				"required": ["updates"],
				"additionalProperties": false
			}`),
			PreCheck: func(input json.RawMessage) error {
				var in batchUpdateInput
				if err := json.Unmarshal(input, &in); err != nil {
					return action.ValidationFailedf("tool batch_update_tasks: decode input: %s", err)
				}
				for i, item := range in.Updates {
					if (board.TaskPatch{Title: item.Title, Description: item.Description}).IsEmpty() {
						return action.ValidationFailedf("tool batch_update_tasks: item %d is an empty patch", i)
					}
				}
				return nil
			},
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in batchUpdateInput
				if err := decodeInput("batch_update_tasks", input, &in); err != nil {
					return nil, err
				}
				out := batchOutput{}
				var affected []string
				var snaps []ledger.Snapshot
				for _, item := range in.Updates {
					prev, err := b.GetTask(ctx, item.TaskID)
					if err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					snap := ledger.ForUpdate(prev)
					if _, err := b.UpdateTask(ctx, item.TaskID, board.TaskPatch{Title: item.Title, Description: item.Description}); err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: true})
					out.Succeeded++
					affected = append(affected, item.TaskID)
					snaps = append(snaps, *snap)
				}
				return finishBatch(ledger.OpBatchUpdate, out, affected, snaps)
			},
		},
		{
			Name:          "batch_move_tasks",
			Description:   "Move several tasks in one call. Items are applied independently.",
			RequiredLevel: permission.LevelEditor,
			Mutating:      true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"moves": {
						"type": "array", "minItems": 1, "maxItems": 50,
						"items": {
							"type": "object",
							"properties": {
								"task_id": {"type": "string", "minLength": 1},
								"column_id": {"type": "string", "minLength": 1},
								"position": {"type": "integer", "minimum": 0}
							},
							"required": ["task_id", "column_id", "position"],
							"additionalProperties": false
						}
					}
				},
				"required": ["moves"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in batchMoveInput
				if err := decodeInput("batch_move_tasks", input, &in); err != nil {
					return nil, err
				}
				out := batchOutput{}
				var affected []string
				var snaps []ledger.Snapshot
				for _, item := range in.Moves {
					prev, err := b.GetTask(ctx, item.TaskID)
					if err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					snap := ledger.ForMove(prev)
					if _, err := b.MoveTask(ctx, item.TaskID, item.ColumnID, item.Position); err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					out.Results = append(out.Results, batchItemResult{TaskID: item.TaskID, OK: true})
					out.Succeeded++
					affected = append(affected, item.TaskID)
					snaps = append(snaps, *snap)
				}
				return finishBatch(ledger.OpBatchMove, out, affected, snaps)
			},
		},
		{
			Name:             "batch_delete_tasks",
			Description:      "Delete several tasks in one call. Requires approval. Items are applied independently.",
			RequiredLevel:    permission.LevelAdmin,
			Mutating:         true,
			Destructive:      true,
			RequiresApproval: true,
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"task_ids": {
						"type": "array", "minItems": 1, "maxItems": 50,
						"items": {"type": "string", "minLength": 1}
					}
				},
				"required": ["task_ids"],
				"additionalProperties": false
			}`),
			Handler: func(ctx context.Context, actx action.Context, input json.RawMessage) (*Result, error) {
				var in batchDeleteInput
				if err := decodeInput("batch_delete_tasks", input, &in); err != nil {
					return nil, err
				}
				out := batchOutput{}
				var affected []string
				var snaps []ledger.Snapshot
				for _, id := range in.TaskIDs {
					prev, err := b.GetTask(ctx, id)
					if err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: id, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					snap := ledger.ForDelete(prev)
					if err := b.DeleteTask(ctx, id); err != nil {
						out.Results = append(out.Results, batchItemResult{TaskID: id, OK: false, Error: err.Error()})
						out.Failed++
						continue
					}
					out.Results = append(out.Results, batchItemResult{TaskID: id, OK: true})
					out.Succeeded++
					affected = append(affected, id)
					snaps = append(snaps, *snap)
				}
				return finishBatch(ledger.OpBatchDelete, out, affected, snaps)
			},
		},
	}
}

// finishBatch assembles the batch result. A batch where every item failed
// is an error; partial success is a success whose snapshot covers only the
// items that actually changed.
func finishBatch(op ledger.Op, out batchOutput, affected []string, snaps []ledger.Snapshot) (*Result, error) {
	if out.Succeeded == 0 {
		return nil, fmt.Errorf("batch %s: all %d items failed (first: %s)", op, out.Failed, out.Results[0].Error)
	}
	res := &Result{Output: out, AffectedIDs: affected}
	if len(snaps) > 0 {
		res.Snapshot = ledger.ForBatch(op, snaps)
	}
	return res, nil
}

var taskIDSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"task_id": {"type": "string", "minLength": 1}},
	"required": ["task_id"],
	"additionalProperties": false
}`)

var assignSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"user_id": {"type": "string", "minLength": 1}
	},
	"required": ["task_id", "user_id"],
	"additionalProperties": false
}`)

var labelSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"task_id": {"type": "string", "minLength": 1},
		"label": {"type": "string", "minLength": 1}
	},
	"required": ["task_id", "label"],
	"additionalProperties": false
}`)
