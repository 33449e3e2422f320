package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	tcpip "github.com/wippyai/wasm-tcpip"
	"github.com/wippyai/wasm-tcpip/bindings"
	"github.com/wippyai/wasm-tcpip/echo"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	sentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	replyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	logStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderTop(true).
			BorderForeground(lipgloss.Color("#444444"))
)

const (
	logHeight    = 8
	maxLogLines  = 500
	maxEchoLines = 200
	refreshEvery = time.Second
)

type pane int

const (
	paneInterfaces pane = iota
	paneEcho
)

// logWriter turns zap's console output into log lines for the TUI. Lines
// are dropped while the buffer is full.
type logWriter struct {
	lines chan string
}

func newLogWriter() *logWriter {
	return &logWriter{lines: make(chan string, 256)}
}

func (w *logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		select {
		case w.lines <- line:
		default:
		}
	}
	return len(p), nil
}

func (w *logWriter) next() tea.Msg {
	return logMsg(<-w.lines)
}

type ifaceRow struct {
	iface   *bindings.Interface
	enabled bool
}

type interactiveModel struct {
	ctx  context.Context
	opts sessionOptions
	logs *logWriter

	sess     *session
	conn     *bindings.Conn
	listener *bindings.Listener

	rows     []ifaceRow
	selected int
	focus    pane

	input      textinput.Model
	transcript []string
	logView    viewport.Model
	logLines   []string

	width int
	err   error
}

type startedMsg struct {
	sess     *session
	conn     *bindings.Conn
	listener *bindings.Listener
	connErr  error
	err      error
}

type logMsg string

type replyMsg []byte

type echoEndedMsg struct{ err error }

type echoErrMsg struct{ err error }

type toggledMsg struct {
	iface   *bindings.Interface
	enabled bool
	err     error
}

type tickMsg time.Time

func newInteractiveModel(ctx context.Context, opts sessionOptions) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "type a line to echo"
	ti.Prompt = "> "
	ti.Width = 60
	return &interactiveModel{
		ctx:     ctx,
		opts:    opts,
		logs:    newLogWriter(),
		input:   ti,
		logView: viewport.New(80, logHeight),
		width:   80,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.start, m.logs.next, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// start opens the session and an echo session on the loopback interface.
// The echo service is started here unless the config already runs one on
// the same port.
func (m *interactiveModel) start() tea.Msg {
	sess, err := openSession(m.ctx, m.opts, m.logs)
	if err != nil {
		return startedMsg{err: err}
	}
	msg := startedMsg{sess: sess}

	l, err := sess.stack.ListenTCP(m.ctx, bindings.ListenOptions{Port: m.opts.echoPort})
	if err == nil {
		msg.listener = l
		log := sess.log.Named("echo")
		go func() {
			if err := echo.ServeTCP(m.ctx, l, log); err != nil {
				log.Warn("echo service stopped", zap.Error(err))
			}
		}()
	} else {
		sess.log.Info("echo port already bound, using existing service", zap.Uint16("port", m.opts.echoPort))
	}

	msg.conn, msg.connErr = sess.stack.ConnectTCP(m.ctx, bindings.ConnectOptions{
		Host: "127.0.0.1",
		Port: m.opts.echoPort,
	})
	return msg
}

func (m *interactiveModel) readReply() tea.Msg {
	buf := make([]byte, 4096)
	n, err := m.conn.Read(buf)
	if err != nil {
		return echoEndedMsg{err: err}
	}
	return replyMsg(buf[:n])
}

func (m *interactiveModel) send(line string) tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		if _, err := conn.Write([]byte(line + "\n")); err != nil {
			return echoErrMsg{err: err}
		}
		return nil
	}
}

func (m *interactiveModel) toggle(row ifaceRow) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		err := row.iface.SetEnabled(ctx, !row.enabled)
		return toggledMsg{iface: row.iface, enabled: !row.enabled, err: err}
	}
}

func (m *interactiveModel) refresh() {
	if m.sess == nil {
		return
	}
	enabled := make(map[*bindings.Interface]bool, len(m.rows))
	for _, r := range m.rows {
		enabled[r.iface] = r.enabled
	}
	ifaces := m.sess.stack.Interfaces()
	m.rows = m.rows[:0]
	for _, iface := range ifaces {
		on, ok := enabled[iface]
		if !ok {
			on = true
		}
		m.rows = append(m.rows, ifaceRow{iface: iface, enabled: on})
	}
	if m.selected >= len(m.rows) {
		m.selected = max(len(m.rows)-1, 0)
	}
}

func (m *interactiveModel) echoLine(s string) {
	m.transcript = append(m.transcript, s)
	if len(m.transcript) > maxEchoLines {
		m.transcript = m.transcript[len(m.transcript)-maxEchoLines:]
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.logView.Width = msg.Width
		m.input.Width = max(msg.Width-4, 10)

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "q":
			if m.focus == paneInterfaces {
				return m, tea.Quit
			}
		case "tab":
			if m.focus == paneInterfaces && m.conn != nil {
				m.focus = paneEcho
				m.input.Focus()
			} else {
				m.focus = paneInterfaces
				m.input.Blur()
			}
			return m, nil
		case "up", "k":
			if m.focus == paneInterfaces && m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.focus == paneInterfaces && m.selected < len(m.rows)-1 {
				m.selected++
			}
		case "e":
			if m.focus == paneInterfaces && m.selected < len(m.rows) {
				row := m.rows[m.selected]
				if row.iface.Kind() == tcpip.KindTap {
					return m, m.toggle(row)
				}
			}
		case "enter":
			if m.focus == paneEcho && m.conn != nil {
				line := m.input.Value()
				m.input.Reset()
				m.echoLine(sentStyle.Render("→ " + line))
				return m, m.send(line)
			}
		}

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.sess = msg.sess
		m.listener = msg.listener
		m.refresh()
		if msg.connErr != nil {
			m.echoLine(errorStyle.Render("echo session unavailable: " + msg.connErr.Error()))
			return m, nil
		}
		m.conn = msg.conn
		m.echoLine(helpStyle.Render(fmt.Sprintf("connected to 127.0.0.1:%d", m.opts.echoPort)))
		return m, m.readReply

	case replyMsg:
		for _, line := range strings.Split(strings.TrimRight(string(msg), "\n"), "\n") {
			m.echoLine(replyStyle.Render("← " + line))
		}
		return m, m.readReply

	case echoEndedMsg:
		m.echoLine(errorStyle.Render("echo session ended: " + msg.err.Error()))
		m.conn = nil
		m.focus = paneInterfaces
		m.input.Blur()
		return m, nil

	case echoErrMsg:
		m.echoLine(errorStyle.Render("send failed: " + msg.err.Error()))
		return m, nil

	case toggledMsg:
		if msg.err != nil {
			m.sess.log.Warn("toggle interface", zap.Stringer("interface", msg.iface), zap.Error(msg.err))
			return m, nil
		}
		for i := range m.rows {
			if m.rows[i].iface == msg.iface {
				m.rows[i].enabled = msg.enabled
			}
		}
		return m, nil

	case logMsg:
		m.logLines = append(m.logLines, string(msg))
		if len(m.logLines) > maxLogLines {
			m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
		}
		m.logView.SetContent(strings.Join(m.logLines, "\n"))
		m.logView.GotoBottom()
		return m, m.logs.next

	case tickMsg:
		m.refresh()
		return m, tick()
	}

	if m.focus == paneEcho {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress ctrl+c to quit.", m.err))
	}
	if m.sess == nil {
		return "Starting stack..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("TCP/IP Stack"))
	b.WriteString(" ")
	b.WriteString(m.sess.stack.ID())
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render(fmt.Sprintf("  %-40s %-8s %s", "INTERFACE", "LINK", "DROPPED")))
	b.WriteString("\n")
	for i, r := range m.rows {
		link := "up"
		if !r.enabled {
			link = "down"
		}
		line := fmt.Sprintf("%-40s %-8s %d", r.iface, link, r.iface.Dropped())
		if i == m.selected && m.focus == paneInterfaces {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString(headerStyle.Render("ECHO"))
	b.WriteString("\n")
	start := max(len(m.transcript)-6, 0)
	for _, line := range m.transcript[start:] {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if m.conn != nil {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	switch m.focus {
	case paneInterfaces:
		b.WriteString(helpStyle.Render("↑/↓ select • e toggle tap link • tab echo • q quit"))
	case paneEcho:
		b.WriteString(helpStyle.Render("enter send • tab interfaces • ctrl+c quit"))
	}
	b.WriteString("\n")
	b.WriteString(logStyle.Width(m.width).Render(m.logView.View()))
	return b.String()
}

// close tears down what start created. It runs after the program exits.
func (m *interactiveModel) close() error {
	if m.sess == nil {
		return nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
	}
	if m.listener != nil {
		_ = m.listener.Close()
	}
	return m.sess.Close(context.Background())
}

func runInteractive(ctx context.Context, opts sessionOptions) error {
	m := newInteractiveModel(ctx, opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if stderrors.Is(err, tea.ErrProgramKilled) {
		err = nil
	}
	closeErr := m.close()
	if err != nil {
		return err
	}
	return closeErr
}
