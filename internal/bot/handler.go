// Package bot turns chat messages into task operations.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/cexll/studybuddy/internal/broadcast"
	"github.com/cexll/studybuddy/internal/dialog"
	"github.com/cexll/studybuddy/internal/storage"
	"github.com/cexll/studybuddy/internal/telegram"
)

const genericFailure = "⚠️ Something went wrong, please try again later."

// Broadcaster queues administrator broadcasts.
type Broadcaster interface {
	Create(ctx context.Context, adminID int64, text string, recipients []int64) (*broadcast.Result, error)
}

// Request is one incoming message after registration and command parsing.
type Request struct {
	ChatID  int64
	User    *storage.User
	NewUser bool
	IsAdmin bool
	Command string
	Args    string
	Text    string
}

// Handler processes chat updates.
type Handler struct {
	store      *storage.Store
	sender     telegram.Sender
	dialogs    *dialog.Store
	broadcasts Broadcaster
	registry   *Registry

	isAdmin  func(telegramID int64) bool
	loc      *time.Location
	now      func() time.Time
	pageSize int
	username string

	logger *zap.Logger
}

// NewHandler creates a handler with every command registered.
func NewHandler(store *storage.Store, sender telegram.Sender, dialogs *dialog.Store) *Handler {
	h := &Handler{
		store:    store,
		sender:   sender,
		dialogs:  dialogs,
		registry: NewRegistry(),
		isAdmin:  func(int64) bool { return false },
		loc:      time.UTC,
		now:      time.Now,
		pageSize: 20,
		logger:   zap.L().Named("bot"),
	}
	h.registerCommands()
	return h
}

// WithBroadcaster enables the broadcast commands.
func (h *Handler) WithBroadcaster(b Broadcaster) *Handler {
	h.broadcasts = b
	return h
}

// WithAdmins sets the predicate deciding who may run admin commands.
func (h *Handler) WithAdmins(isAdmin func(telegramID int64) bool) *Handler {
	if isAdmin != nil {
		h.isAdmin = isAdmin
	}
	return h
}

// WithLocation sets the time zone used to decide what "today" is.
func (h *Handler) WithLocation(loc *time.Location) *Handler {
	if loc != nil {
		h.loc = loc
	}
	return h
}

// WithClock overrides the time source.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// WithPageSize sets the /users page size.
func (h *Handler) WithPageSize(n int) *Handler {
	if n > 0 {
		h.pageSize = n
	}
	return h
}

// WithUsername sets the bot username; commands addressed to other bots are ignored.
func (h *Handler) WithUsername(username string) *Handler {
	h.username = username
	return h
}

// Commands lists the registered commands.
func (h *Handler) Commands(includeAdmin bool) []*Command {
	return h.registry.List(includeAdmin)
}

// HandleUpdate registers the sender and routes the message to a command or
// to the active form step.
func (h *Handler) HandleUpdate(ctx context.Context, update *tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	cmd, args, addressed := parseCommand(text, h.username)
	if !addressed {
		return nil
	}

	admin := h.isAdmin(msg.From.ID)
	user, created, err := h.store.EnsureUser(ctx, storage.Profile{
		TelegramID: msg.From.ID,
		FirstName:  msg.From.FirstName,
		Username:   msg.From.UserName,
		IsAdmin:    admin,
	})
	if err != nil {
		h.replyFailure(ctx, msg.Chat.ID)
		return fmt.Errorf("register user %d: %w", msg.From.ID, err)
	}

	req := &Request{
		ChatID:  msg.Chat.ID,
		User:    user,
		NewUser: created,
		IsAdmin: admin,
		Command: cmd,
		Args:    args,
		Text:    text,
	}
	log := h.logger.With(zap.Int64("chat", req.ChatID), zap.Int64("user", user.ID))

	if cmd == "" {
		err = h.handleText(ctx, req)
	} else {
		log.Debug("command received", zap.String("command", cmd))
		err = h.handleCommand(ctx, req)
	}
	if err != nil {
		log.Error("message handling failed", zap.String("command", cmd), zap.Error(err))
		h.replyFailure(ctx, req.ChatID)
		return err
	}
	return nil
}

func (h *Handler) handleCommand(ctx context.Context, req *Request) error {
	command, ok := h.registry.Get(req.Command)
	if !ok {
		return h.reply(ctx, req.ChatID, "🤔 Unknown command. Send /help for the list of commands.")
	}
	if command.AdminOnly && !req.IsAdmin {
		return h.reply(ctx, req.ChatID, "⛔ This command is only available to administrators.")
	}
	// any command abandons a form in progress; /cancel reports it itself
	if command.Name != "cancel" {
		h.dialogs.Clear(req.ChatID)
	}
	return command.Run(ctx, req)
}

func (h *Handler) handleText(ctx context.Context, req *Request) error {
	state := h.dialogs.Get(req.ChatID)
	switch state.Step {
	case dialog.StepAwaitingText:
		return h.addTaskText(ctx, req, state)
	case dialog.StepAwaitingDeadline:
		return h.addTaskDeadline(ctx, req, state)
	case dialog.StepAwaitingEditField:
		return h.editField(ctx, req, state)
	case dialog.StepAwaitingEditValue:
		return h.editValue(ctx, req, state)
	default:
		return h.reply(ctx, req.ChatID, "I didn't understand that. Send /help to see what I can do.")
	}
}

func (h *Handler) reply(ctx context.Context, chatID int64, text string) error {
	return h.sender.SendMessage(ctx, chatID, text)
}

func (h *Handler) replyFailure(ctx context.Context, chatID int64) {
	if err := h.sender.SendMessage(ctx, chatID, genericFailure); err != nil {
		h.logger.Warn("failure notice not delivered", zap.Int64("chat", chatID), zap.Error(err))
	}
}

func (h *Handler) today() storage.Date {
	return storage.NewDate(h.now().In(h.loc))
}

// parseCommand splits "/name@bot args". addressed is false when the command
// names a different bot.
func parseCommand(text, username string) (cmd, args string, addressed bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", true
	}
	head, rest := text, ""
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		head, rest = text[:i], text[i+1:]
	}
	head = strings.TrimPrefix(head, "/")
	name, mention, hasMention := strings.Cut(head, "@")
	if hasMention && username != "" && !strings.EqualFold(mention, username) {
		return "", "", false
	}
	return strings.ToLower(name), strings.TrimSpace(rest), true
}
