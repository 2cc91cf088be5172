package ui

import (
	"fmt"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Command is a slash command typed into the compose line
type Command struct {
	Name        string
	Usage       string
	Description string
	Handler     func(m *Model, args string) tea.Cmd
}

// Registry holds the slash commands by name
type Registry struct {
	commands map[string]*Command
}

// NewRegistry creates an empty command registry
func NewRegistry() *Registry {
	return &Registry{commands: make(map[string]*Command)}
}

// Register adds a command; a later registration replaces an earlier one
func (r *Registry) Register(cmd Command) {
	r.commands[cmd.Name] = &cmd
}

// Lookup returns the command registered under name
func (r *Registry) Lookup(name string) (*Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// HelpLines returns one usage line per command, sorted by name
func (r *Registry) HelpLines() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		cmd := r.commands[name]
		lines = append(lines, fmt.Sprintf("%-22s %s", cmd.Usage, cmd.Description))
	}
	return lines
}

// ParseInput splits a compose line into a command name and its arguments.
// ok is false for plain chat text.
func ParseInput(input string) (name, args string, ok bool) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") || strings.HasPrefix(input, "//") {
		return "", "", false
	}

	name, args, _ = strings.Cut(input[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(args), true
}

// registerCommands installs the built-in commands
func (m *Model) registerCommands() {
	m.commands = NewRegistry()

	m.commands.Register(Command{
		Name:        "msg",
		Usage:       "/msg <user> <text>",
		Description: "Send a private message",
		Handler: func(m *Model, args string) tea.Cmd {
			to, text, _ := strings.Cut(args, " ")
			text = strings.TrimSpace(text)
			if to == "" || text == "" {
				m.errorMessage = "Usage: /msg <user> <text>"
				return nil
			}
			return m.sendCmd(func() error { return m.conn.SendDirected(to, text) })
		},
	})

	m.commands.Register(Command{
		Name:        "users",
		Usage:       "/users",
		Description: "List online users",
		Handler: func(m *Model, args string) tea.Cmd {
			return m.sendCmd(m.conn.RequestDirectoryListing)
		},
	})

	m.commands.Register(Command{
		Name:        "help",
		Usage:       "/help",
		Description: "Show available commands",
		Handler: func(m *Model, args string) tea.Cmd {
			for _, line := range m.commands.HelpLines() {
				m.appendLine(SystemLineStyle.Render(line))
			}
			return nil
		},
	})

	m.commands.Register(Command{
		Name:        "quit",
		Usage:       "/quit",
		Description: "Leave the chat and exit",
		Handler: func(m *Model, args string) tea.Cmd {
			return m.quit()
		},
	})
}
