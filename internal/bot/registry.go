package bot

import (
	"context"
	"fmt"
	"sort"
)

// HandlerFunc handles one command invocation.
type HandlerFunc func(ctx context.Context, req *Request) error

// Command describes a slash command.
type Command struct {
	Name        string
	Args        string
	Description string
	AdminOnly   bool
	Run         HandlerFunc
	order       int
}

// Registry maps command names to handlers.
type Registry struct {
	commands map[string]*Command
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command; names must be unique.
func (r *Registry) Register(cmd Command) error {
	if cmd.Name == "" || cmd.Run == nil {
		return fmt.Errorf("command %q: name and handler are required", cmd.Name)
	}
	if _, ok := r.commands[cmd.Name]; ok {
		return fmt.Errorf("command already registered: %s", cmd.Name)
	}
	cmd.order = len(r.commands)
	r.commands[cmd.Name] = &cmd
	return nil
}

// Get returns the command registered under name.
func (r *Registry) Get(name string) (*Command, bool) {
	cmd, ok := r.commands[name]
	return cmd, ok
}

// List returns commands in registration order, admin-only ones only when requested.
func (r *Registry) List(includeAdmin bool) []*Command {
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		if cmd.AdminOnly && !includeAdmin {
			continue
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}
