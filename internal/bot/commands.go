package bot

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/broadcast"
	"github.com/cexll/studybuddy/internal/dialog"
	"github.com/cexll/studybuddy/internal/dispatcher"
	"github.com/cexll/studybuddy/internal/stats"
	"github.com/cexll/studybuddy/internal/storage"
)

func (h *Handler) registerCommands() {
	commands := []Command{
		{Name: "start", Description: "start working with the bot", Run: h.cmdStart},
		{Name: "help", Description: "show this help", Run: h.cmdHelp},
		{Name: "add", Args: "[text]", Description: "add a task", Run: h.cmdAdd},
		{Name: "list", Description: "show your tasks", Run: h.cmdList},
		{Name: "done", Args: "<number>", Description: "mark a task as completed", Run: h.cmdDone},
		{Name: "edit", Args: "<number>", Description: "change a task's text or deadline", Run: h.cmdEdit},
		{Name: "delete", Args: "<number>", Description: "delete a task", Run: h.cmdDelete},
		{Name: "stats", Description: "your results for the last 7 days", Run: h.cmdStats},
		{Name: "cancel", Description: "cancel the current action", Run: h.cmdCancel},
		{Name: "users", Args: "[page]", Description: "list registered users", AdminOnly: true, Run: h.cmdUsers},
		{Name: "broadcast", Args: "<text>", Description: "message every user", AdminOnly: true, Run: h.cmdBroadcast},
		{Name: "broadcast_to", Args: "<id,id,...> <text>", Description: "message selected users", AdminOnly: true, Run: h.cmdBroadcastTo},
	}
	for _, cmd := range commands {
		if err := h.registry.Register(cmd); err != nil {
			panic(err)
		}
	}
}

func (h *Handler) cmdStart(ctx context.Context, req *Request) error {
	name := html.EscapeString(req.User.DisplayName())
	if req.NewUser {
		return h.reply(ctx, req.ChatID, fmt.Sprintf(
			"👋 Hi, %s! I'll help you keep track of your study tasks.\n\n"+
				"Add a task with /add and see them all with /list. Send /help for every command.", name))
	}
	return h.reply(ctx, req.ChatID, fmt.Sprintf(
		"👋 Welcome back, %s! Send /list to see your tasks or /help for every command.", name))
}

func (h *Handler) cmdHelp(ctx context.Context, req *Request) error {
	var sb strings.Builder
	sb.WriteString("ℹ️ <b>Commands</b>\n")
	for _, cmd := range h.registry.List(req.IsAdmin) {
		sb.WriteString("\n/" + cmd.Name)
		if cmd.Args != "" {
			sb.WriteString(" " + html.EscapeString(cmd.Args))
		}
		sb.WriteString(": " + cmd.Description)
	}
	return h.reply(ctx, req.ChatID, sb.String())
}

func (h *Handler) cmdAdd(ctx context.Context, req *Request) error {
	if req.Args != "" {
		h.dialogs.Set(req.ChatID, dialog.State{Step: dialog.StepAwaitingDeadline, PendingText: req.Args})
		return h.reply(ctx, req.ChatID, promptDeadline)
	}
	h.dialogs.Set(req.ChatID, dialog.State{Step: dialog.StepAwaitingText})
	return h.reply(ctx, req.ChatID, "✏️ Enter the task text:")
}

const (
	promptDeadline  = "📅 Enter the deadline in YYYY-MM-DD format (or <i>today</i> / <i>tomorrow</i>):"
	replyBadDate    = "❌ Invalid date. Use the YYYY-MM-DD format, for example 2024-05-20."
	replyPastDate   = "❌ The deadline cannot be in the past. Enter another date:"
	replyEmptyText  = "❌ The task text cannot be empty. Enter the task text:"
	replyTaskGone   = "❌ That task no longer exists. Check /list."
	replyNumberHint = "Check the task numbers with /list."
)

func (h *Handler) addTaskText(ctx context.Context, req *Request, state dialog.State) error {
	if req.Text == "" {
		return h.reply(ctx, req.ChatID, replyEmptyText)
	}
	state.Step = dialog.StepAwaitingDeadline
	state.PendingText = req.Text
	h.dialogs.Set(req.ChatID, state)
	return h.reply(ctx, req.ChatID, promptDeadline)
}

func (h *Handler) addTaskDeadline(ctx context.Context, req *Request, state dialog.State) error {
	deadline, ok, err := h.readDeadline(ctx, req)
	if !ok {
		return err
	}

	task, err := h.store.CreateTask(ctx, req.User.ID, state.PendingText, deadline)
	if err != nil {
		return err
	}
	h.dialogs.Clear(req.ChatID)
	h.logger.Info("task added", zap.Int64("user", req.User.ID), zap.Int64("task", task.ID))

	if err := h.reply(ctx, req.ChatID, fmt.Sprintf("✅ Task added: %s (due %s)",
		html.EscapeString(task.Description), task.Deadline)); err != nil {
		return err
	}
	return h.sendList(ctx, req)
}

// readDeadline validates the message as a deadline. When ok is false the user
// has already been told what is wrong and the form stays on the same step.
func (h *Handler) readDeadline(ctx context.Context, req *Request) (storage.Date, bool, error) {
	deadline, err := parseDeadline(req.Text, h.today())
	switch {
	case errors.Is(err, errPastDate):
		return storage.Date{}, false, h.reply(ctx, req.ChatID, replyPastDate)
	case err != nil:
		return storage.Date{}, false, h.reply(ctx, req.ChatID, replyBadDate)
	}
	return deadline, true, nil
}

func (h *Handler) cmdList(ctx context.Context, req *Request) error {
	return h.sendList(ctx, req)
}

func (h *Handler) sendList(ctx context.Context, req *Request) error {
	tasks, err := h.store.ListTasks(ctx, req.User.ID)
	if err != nil {
		return err
	}
	return h.reply(ctx, req.ChatID, formatTaskList(tasks))
}

// resolveTask maps the task number from the arguments to a task. When found is
// false the user has already been answered.
func (h *Handler) resolveTask(ctx context.Context, req *Request, usage string) (*storage.Task, int, bool, error) {
	n, ok := parseTaskNumber(req.Args)
	if !ok {
		return nil, 0, false, h.reply(ctx, req.ChatID, fmt.Sprintf("Usage: %s\n%s", html.EscapeString(usage), replyNumberHint))
	}
	tasks, err := h.store.ListTasks(ctx, req.User.ID)
	if err != nil {
		return nil, 0, false, err
	}
	if n > len(tasks) {
		return nil, 0, false, h.reply(ctx, req.ChatID, fmt.Sprintf("❌ There is no task #%d. %s", n, replyNumberHint))
	}
	task := tasks[n-1]
	return &task, n, true, nil
}

func (h *Handler) cmdDone(ctx context.Context, req *Request) error {
	task, n, found, err := h.resolveTask(ctx, req, "/done <number>")
	if !found {
		return err
	}
	if task.IsDone {
		return h.reply(ctx, req.ChatID, fmt.Sprintf("Task #%d is already completed.", n))
	}
	if err := h.store.MarkTaskDone(ctx, req.User.ID, task.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(ctx, req.ChatID, replyTaskGone)
		}
		return err
	}
	return h.reply(ctx, req.ChatID, fmt.Sprintf("✅ Task #%d marked as completed!", n))
}

func (h *Handler) cmdEdit(ctx context.Context, req *Request) error {
	task, n, found, err := h.resolveTask(ctx, req, "/edit <number>")
	if !found {
		return err
	}
	h.dialogs.Set(req.ChatID, dialog.State{Step: dialog.StepAwaitingEditField, TaskID: task.ID, TaskNumber: n})
	return h.reply(ctx, req.ChatID, fmt.Sprintf(
		"✏️ Editing task #%d: %s\nWhat do you want to change? Send <code>text</code> or <code>deadline</code>.",
		n, html.EscapeString(task.Description)))
}

func (h *Handler) editField(ctx context.Context, req *Request, state dialog.State) error {
	switch dialog.EditField(strings.ToLower(req.Text)) {
	case dialog.FieldText:
		state.Field = dialog.FieldText
		state.Step = dialog.StepAwaitingEditValue
		h.dialogs.Set(req.ChatID, state)
		return h.reply(ctx, req.ChatID, "✏️ Enter the new task text:")
	case dialog.FieldDeadline:
		state.Field = dialog.FieldDeadline
		state.Step = dialog.StepAwaitingEditValue
		h.dialogs.Set(req.ChatID, state)
		return h.reply(ctx, req.ChatID, promptDeadline)
	default:
		return h.reply(ctx, req.ChatID, "Please send <code>text</code> or <code>deadline</code>, or /cancel.")
	}
}

func (h *Handler) editValue(ctx context.Context, req *Request, state dialog.State) error {
	var err error
	switch state.Field {
	case dialog.FieldDeadline:
		deadline, ok, replyErr := h.readDeadline(ctx, req)
		if !ok {
			return replyErr
		}
		err = h.store.UpdateTaskDeadline(ctx, req.User.ID, state.TaskID, deadline)
	default:
		if req.Text == "" {
			return h.reply(ctx, req.ChatID, replyEmptyText)
		}
		err = h.store.UpdateTaskDescription(ctx, req.User.ID, state.TaskID, req.Text)
	}
	h.dialogs.Clear(req.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return h.reply(ctx, req.ChatID, replyTaskGone)
	}
	if err != nil {
		return err
	}

	if err := h.reply(ctx, req.ChatID, fmt.Sprintf("✏️ Task #%d updated.", state.TaskNumber)); err != nil {
		return err
	}
	return h.sendList(ctx, req)
}

func (h *Handler) cmdDelete(ctx context.Context, req *Request) error {
	task, n, found, err := h.resolveTask(ctx, req, "/delete <number>")
	if !found {
		return err
	}
	if err := h.store.DeleteTask(ctx, req.User.ID, task.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return h.reply(ctx, req.ChatID, replyTaskGone)
		}
		return err
	}
	if err := h.reply(ctx, req.ChatID, fmt.Sprintf("🗑 Task #%d deleted.", n)); err != nil {
		return err
	}
	return h.sendList(ctx, req)
}

func (h *Handler) cmdStats(ctx context.Context, req *Request) error {
	tasks, err := h.store.ListTasks(ctx, req.User.ID)
	if err != nil {
		return err
	}
	return h.reply(ctx, req.ChatID, formatStats(stats.Compute(tasks, h.now())))
}

func (h *Handler) cmdCancel(ctx context.Context, req *Request) error {
	if h.dialogs.Clear(req.ChatID) {
		return h.reply(ctx, req.ChatID, "Cancelled.")
	}
	return h.reply(ctx, req.ChatID, "Nothing to cancel.")
}

func (h *Handler) cmdUsers(ctx context.Context, req *Request) error {
	page := 1
	if req.Args != "" {
		n, err := strconv.Atoi(strings.Fields(req.Args)[0])
		if err != nil || n < 1 {
			return h.reply(ctx, req.ChatID, "Usage: /users [page]")
		}
		page = n
	}

	total, err := h.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	pages := max(1, (total+h.pageSize-1)/h.pageSize)
	offset := (page - 1) * h.pageSize
	users, err := h.store.ListUsers(ctx, offset, h.pageSize)
	if err != nil {
		return err
	}
	return h.reply(ctx, req.ChatID, formatUsers(users, total, page, pages, offset))
}

func (h *Handler) cmdBroadcast(ctx context.Context, req *Request) error {
	if req.Args == "" {
		return h.reply(ctx, req.ChatID, "Usage: /broadcast &lt;text&gt;")
	}
	return h.queueBroadcast(ctx, req, req.Args, nil)
}

func (h *Handler) cmdBroadcastTo(ctx context.Context, req *Request) error {
	idList, text, _ := strings.Cut(req.Args, " ")
	ids, err := parseIDList(idList)
	if err != nil || strings.TrimSpace(text) == "" {
		return h.reply(ctx, req.ChatID, "Usage: /broadcast_to &lt;id,id,...&gt; &lt;text&gt;")
	}
	return h.queueBroadcast(ctx, req, text, ids)
}

func (h *Handler) queueBroadcast(ctx context.Context, req *Request, text string, recipients []int64) error {
	if h.broadcasts == nil {
		return h.reply(ctx, req.ChatID, "Broadcasts are not configured.")
	}

	res, err := h.broadcasts.Create(ctx, req.User.TelegramID, text, recipients)
	switch {
	case errors.Is(err, broadcast.ErrNoRecipients):
		return h.reply(ctx, req.ChatID, "❌ None of the recipients is a registered user.")
	case errors.Is(err, broadcast.ErrEmptyText):
		return h.reply(ctx, req.ChatID, "❌ The broadcast text is empty.")
	case errors.Is(err, dispatcher.ErrQueueFull), errors.Is(err, dispatcher.ErrQueueClosed):
		return h.reply(ctx, req.ChatID, "⏳ The bot is busy right now, try the broadcast again later.")
	case err != nil:
		return err
	}

	msg := fmt.Sprintf("📣 Broadcast queued for %d users. I'll report back when it is delivered.", res.Broadcast.Total)
	if len(res.Unknown) > 0 {
		msg += "\nSkipped unknown ids: " + formatIDs(res.Unknown)
	}
	return h.reply(ctx, req.ChatID, msg)
}
