package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/storage"
)

// ListTasksParams has no inputs; the user is fixed by USER_TELEGRAM_ID.
type ListTasksParams struct {
	IncludeDone bool `json:"include_done,omitempty" jsonschema:"Also return completed tasks"`
}

// AddTaskParams defines the input of add_task
type AddTaskParams struct {
	Text     string `json:"text" jsonschema:"What needs to be done"`
	Deadline string `json:"deadline" jsonschema:"Due date as YYYY-MM-DD"`
}

// CompleteTaskParams defines the input of complete_task
type CompleteTaskParams struct {
	Number int `json:"number" jsonschema:"Task number as shown by list_tasks"`
}

type taskView struct {
	Number   int    `json:"number"`
	Text     string `json:"text"`
	Deadline string `json:"deadline"`
	Done     bool   `json:"done"`
}

// taskTools serves the task tools for a single registered user.
type taskTools struct {
	store  *storage.Store
	user   *storage.User
	now    func() time.Time
	loc    *time.Location
	logger *zap.Logger
}

func newTaskTools(store *storage.Store, user *storage.User, loc *time.Location) *taskTools {
	if loc == nil {
		loc = time.UTC
	}
	return &taskTools{
		store:  store,
		user:   user,
		now:    time.Now,
		loc:    loc,
		logger: zap.L().Named("mcp"),
	}
}

func (t *taskTools) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_tasks",
		Description: "List the user's study tasks, open ones first, with the numbers used by complete_task",
	}, t.HandleListTasks)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_task",
		Description: "Add a study task with a due date",
	}, t.HandleAddTask)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "complete_task",
		Description: "Mark a task as completed by its list number",
	}, t.HandleCompleteTask)
}

// HandleListTasks handles the list_tasks tool call
func (t *taskTools) HandleListTasks(ctx context.Context, _ *mcp.CallToolRequest, params ListTasksParams) (*mcp.CallToolResult, any, error) {
	tasks, err := t.store.ListTasks(ctx, t.user.ID)
	if err != nil {
		return errorResult(err), nil, nil
	}

	views := make([]taskView, 0, len(tasks))
	for i, task := range tasks {
		if task.IsDone && !params.IncludeDone {
			continue
		}
		views = append(views, taskView{
			Number:   i + 1,
			Text:     task.Description,
			Deadline: task.Deadline.String(),
			Done:     task.IsDone,
		})
	}
	return jsonResult(map[string]any{"tasks": views})
}

// HandleAddTask handles the add_task tool call
func (t *taskTools) HandleAddTask(ctx context.Context, _ *mcp.CallToolRequest, params AddTaskParams) (*mcp.CallToolResult, any, error) {
	text := strings.TrimSpace(params.Text)
	if text == "" {
		return nil, nil, fmt.Errorf("text parameter is required")
	}
	deadline, err := storage.ParseDate(strings.TrimSpace(params.Deadline))
	if err != nil {
		return nil, nil, fmt.Errorf("deadline must be YYYY-MM-DD: %w", err)
	}
	if deadline.Before(storage.NewDate(t.now().In(t.loc))) {
		return nil, nil, fmt.Errorf("deadline %s is in the past", deadline)
	}

	task, err := t.store.CreateTask(ctx, t.user.ID, text, deadline)
	if err != nil {
		return errorResult(err), nil, nil
	}
	t.logger.Info("task added", zap.Int64("user", t.user.TelegramID), zap.Int64("task", task.ID))
	return jsonResult(map[string]any{"success": true, "text": task.Description, "deadline": task.Deadline.String()})
}

// HandleCompleteTask handles the complete_task tool call
func (t *taskTools) HandleCompleteTask(ctx context.Context, _ *mcp.CallToolRequest, params CompleteTaskParams) (*mcp.CallToolResult, any, error) {
	tasks, err := t.store.ListTasks(ctx, t.user.ID)
	if err != nil {
		return errorResult(err), nil, nil
	}
	if params.Number < 1 || params.Number > len(tasks) {
		return nil, nil, fmt.Errorf("no task #%d, the list has %d tasks", params.Number, len(tasks))
	}

	task := tasks[params.Number-1]
	if task.IsDone {
		return jsonResult(map[string]any{"success": true, "already_done": true, "number": params.Number})
	}
	err = t.store.MarkTaskDone(ctx, t.user.ID, task.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("task #%d no longer exists", params.Number)
	}
	if err != nil {
		return errorResult(err), nil, nil
	}
	t.logger.Info("task completed", zap.Int64("user", t.user.TelegramID), zap.Int64("task", task.ID))
	return jsonResult(map[string]any{"success": true, "number": params.Number, "text": task.Description})
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errorResult(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Error: %v", err)}},
		IsError: true,
	}
}
