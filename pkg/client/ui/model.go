package ui

import (
	"fmt"
	"strings"

	"github.com/aeolun/linechat/pkg/client"
	"github.com/aeolun/linechat/pkg/protocol"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"
)

const (
	// maxScrollback bounds the lines kept in the scrollback viewport
	maxScrollback = 1000

	userPaneWidth = 24
)

// Notifier shows a desktop notification
type Notifier func(title, body string) error

// DesktopNotifier sends notifications through the OS notification service
func DesktopNotifier(title, body string) error {
	return beeep.Notify(title, body, "")
}

// Options configure a Model
type Options struct {
	ShowTimestamps bool
	Notify         bool
	Notifier       Notifier // defaults to DesktopNotifier
}

// Model is the terminal chat client
type Model struct {
	conn     client.ConnectionInterface
	identity string
	opts     Options

	// Server state
	users     []string
	connected bool

	// UI state
	width      int
	height     int
	ready      bool
	scrollback viewport.Model
	input      textinput.Model
	lines      []string

	// Error and status
	errorMessage  string
	statusMessage string

	commands *Registry
}

// ServerMessageMsg carries one message received from the server
type ServerMessageMsg struct {
	Message protocol.Message
}

// ErrorMsg carries a connection or send error
type ErrorMsg struct {
	Err error
}

// DisconnectedMsg is sent once the server connection has ended
type DisconnectedMsg struct{}

// NewModel creates a model for an authenticated connection
func NewModel(conn client.ConnectionInterface, opts Options) Model {
	if opts.Notifier == nil {
		opts.Notifier = DesktopNotifier
	}

	input := textinput.New()
	input.Placeholder = "Type a message, /help for commands"
	input.CharLimit = protocol.DefaultMaxFrameSize
	input.Focus()

	m := Model{
		conn:          conn,
		identity:      conn.Identity(),
		opts:          opts,
		connected:     true,
		scrollback:    viewport.New(80, 20),
		input:         input,
		statusMessage: fmt.Sprintf("Connected to %s", conn.GetAddress()),
	}
	m.registerCommands()
	return m
}

// Init starts listening for server messages
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		listenForServerFrames(m.conn),
		textinput.Blink,
	)
}

// listenForServerFrames waits for the next message or error from the connection
func listenForServerFrames(conn client.ConnectionInterface) tea.Cmd {
	return func() tea.Msg {
		select {
		case msg, ok := <-conn.Incoming():
			if !ok {
				return DisconnectedMsg{}
			}
			return ServerMessageMsg{Message: msg}
		case err := <-conn.Errors():
			return ErrorMsg{Err: err}
		}
	}
}

// Update processes messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ServerMessageMsg:
		cmd := m.handleServerMessage(msg.Message)
		return m, tea.Batch(cmd, listenForServerFrames(m.conn))

	case ErrorMsg:
		m.errorMessage = msg.Err.Error()
		if m.connected {
			return m, listenForServerFrames(m.conn)
		}
		return m, nil

	case DisconnectedMsg:
		m.connected = false
		m.statusMessage = "Disconnected from server"
		m.appendLine(ErrorLineStyle.Render("Connection closed. Press Ctrl+C to exit."))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		cmd := m.quit()
		return m, cmd

	case tea.KeyEnter:
		text := m.input.Value()
		m.input.Reset()
		m.errorMessage = ""
		cmd := m.submit(text)
		return m, cmd

	case tea.KeyPgUp, tea.KeyPgDown, tea.KeyCtrlU, tea.KeyCtrlD:
		var cmd tea.Cmd
		m.scrollback, cmd = m.scrollback.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles one line from the compose input
func (m *Model) submit(text string) tea.Cmd {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	name, args, isCommand := ParseInput(text)
	if isCommand {
		cmd, ok := m.commands.Lookup(name)
		if !ok {
			m.errorMessage = fmt.Sprintf("Unknown command /%s (try /help)", name)
			return nil
		}
		return cmd.Handler(m, args)
	}

	if !m.connected {
		m.errorMessage = "Not connected"
		return nil
	}

	// "//text" sends "/text" literally
	if strings.HasPrefix(strings.TrimSpace(text), "//") {
		text = strings.TrimPrefix(strings.TrimSpace(text), "/")
	}
	return m.sendCmd(func() error { return m.conn.SendBroadcast(text) })
}

// sendCmd runs a send off the update loop and reports failures as ErrorMsg
func (m *Model) sendCmd(send func() error) tea.Cmd {
	if !m.connected {
		m.errorMessage = "Not connected"
		return nil
	}
	return func() tea.Msg {
		if err := send(); err != nil {
			return ErrorMsg{Err: fmt.Errorf("send failed: %w", err)}
		}
		return nil
	}
}

func (m *Model) quit() tea.Cmd {
	conn := m.conn
	m.connected = false
	return tea.Sequence(
		func() tea.Msg {
			conn.Disconnect()
			return nil
		},
		tea.Quit,
	)
}

// handleServerMessage records a message in the scrollback and returns a
// notification command for inbound private messages
func (m *Model) handleServerMessage(msg protocol.Message) tea.Cmd {
	line := client.FormatMessage(msg, m.opts.ShowTimestamps)

	switch msg.Kind {
	case protocol.KindUserList:
		if users := client.ParseDirectoryListing(msg.Content); users != nil {
			m.users = users
		}
		m.appendLine(ListingLineStyle.Render(line))

	case protocol.KindSystem, protocol.KindJoin, protocol.KindLeave:
		m.trackPresence(msg.Content)
		m.appendLine(SystemLineStyle.Render(line))

	case protocol.KindError:
		m.appendLine(ErrorLineStyle.Render(line))

	case protocol.KindPrivate:
		if msg.Sender == m.identity {
			m.appendLine(PrivateLineStyle.Render(fmt.Sprintf("%s → %s", line, msg.Recipient)))
			return nil
		}
		m.appendLine(PrivateLineStyle.Render(line))
		if m.opts.Notify {
			return notifyCmd(m.opts.Notifier, "Private message from "+msg.Sender, msg.Content)
		}

	default:
		if msg.Sender == m.identity {
			m.appendLine(OwnLineStyle.Render(line))
		} else {
			m.appendLine(line)
		}
	}
	return nil
}

// trackPresence keeps the user pane current from join and leave notices
func (m *Model) trackPresence(content string) {
	if id, ok := strings.CutSuffix(content, " joined the chat"); ok {
		for _, u := range m.users {
			if u == id {
				return
			}
		}
		m.users = append(m.users, id)
		return
	}
	if id, ok := strings.CutSuffix(content, " left the chat"); ok {
		for i, u := range m.users {
			if u == id {
				m.users = append(m.users[:i:i], m.users[i+1:]...)
				return
			}
		}
	}
}

func notifyCmd(notify Notifier, title, body string) tea.Cmd {
	return func() tea.Msg {
		// Notification failures are not worth surfacing
		_ = notify(title, body)
		return nil
	}
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	atBottom := m.scrollback.AtBottom()
	m.scrollback.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.scrollback.GotoBottom()
	}
}

func (m *Model) resize() {
	// header + status + input (with its top border) + scrollback border
	chrome := 1 + 1 + 2 + 2
	height := m.height - chrome
	if height < 1 {
		height = 1
	}
	width := m.width - userPaneWidth - 2
	if width < 10 {
		width = 10
	}

	m.scrollback.Width = width
	m.scrollback.Height = height
	m.input.Width = m.width - 4
	m.scrollback.SetContent(strings.Join(m.lines, "\n"))
	m.scrollback.GotoBottom()
	m.ready = true
}

// View renders the client
func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}

	header := HeaderStyle.Render(fmt.Sprintf("linechat | %s", m.identity))

	body := lipgloss.JoinHorizontal(lipgloss.Top,
		ScrollbackStyle.Render(m.scrollback.View()),
		m.renderUsers(),
	)

	status := StatusStyle.Render(m.statusMessage)
	if m.errorMessage != "" {
		status = ErrorStyle.Render(m.errorMessage)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		body,
		status,
		InputStyle.Render(m.input.View()),
	)
}

func (m Model) renderUsers() string {
	var b strings.Builder
	b.WriteString(UserTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	for _, u := range m.users {
		b.WriteString("\n")
		if u == m.identity {
			b.WriteString(SelfUserStyle.Render(u))
		} else {
			b.WriteString(u)
		}
	}
	return UserPaneStyle.
		Width(userPaneWidth - 4).
		Height(m.scrollback.Height).
		Render(b.String())
}
