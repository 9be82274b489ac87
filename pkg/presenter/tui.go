package presenter

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/pkg/errors"

	"github.com/go-go-golems/vrf-timer/pkg/timeline"
	"github.com/go-go-golems/vrf-timer/pkg/tracker"
)

const (
	maxAlerts        = 5
	defaultRedraw    = timeline.DefaultTickInterval
	submitKeyBinding = "r"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")).Padding(0, 1)
	subtitleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Board is the shared state behind the terminal view. It implements
// tracker.Presenter without ever blocking the caller; the view reads it on its
// own redraw tick.
type Board struct {
	mu      sync.Mutex
	records []timeline.Record
	now     time.Time
	alerts  []tracker.Alert
	status  string
	clock   func() time.Time
}

func NewBoard() *Board {
	return &Board{clock: time.Now}
}

var _ tracker.Presenter = (*Board)(nil)

func (b *Board) Snapshot(records []timeline.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = records
}

func (b *Board) Tick(now time.Time, _ []timeline.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *Board) Alert(a tracker.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerts = append(b.alerts, a)
	if len(b.alerts) > maxAlerts {
		b.alerts = b.alerts[len(b.alerts)-maxAlerts:]
	}
}

func (b *Board) SetStatus(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}

type boardState struct {
	records []timeline.Record
	now     time.Time
	alerts  []tracker.Alert
	status  string
}

func (b *Board) state() boardState {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now
	if wall := b.clock(); wall.After(now) {
		now = wall
	}
	return boardState{
		records: b.records,
		now:     now,
		alerts:  append([]tracker.Alert(nil), b.alerts...),
		status:  b.status,
	}
}

// Render draws the title, the table and recent alerts.
func (b *Board) Render(title string) string {
	st := b.state()
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(title))
	sb.WriteString("\n")
	if st.status != "" {
		sb.WriteString(subtitleStyle.Render(st.status))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	sb.WriteString(RenderTable(st.records, st.now))
	sb.WriteString("\n")
	for _, a := range st.alerts {
		line := fmt.Sprintf("%s %s", FormatTimestamp(a.At), a.Message)
		if a.Level == tracker.AlertError {
			sb.WriteString(errorStyle.Render(line))
		} else {
			sb.WriteString(warnStyle.Render(line))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

type redrawMsg time.Time

type submittedMsg struct{ err error }

type model struct {
	board    *Board
	title    string
	interval time.Duration
	submit   func(context.Context) error
	ctx      context.Context
	busy     bool
}

func (m model) redraw() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return redrawMsg(t) })
}

func (m model) Init() tea.Cmd { return m.redraw() }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case submitKeyBinding:
			if m.submit == nil || m.busy {
				return m, nil
			}
			m.busy = true
			m.board.SetStatus("submitting request...")
			submit, ctx := m.submit, m.ctx
			return m, func() tea.Msg { return submittedMsg{err: submit(ctx)} }
		}
	case submittedMsg:
		m.busy = false
		if msg.err != nil {
			m.board.SetStatus("submission failed: " + msg.err.Error())
		} else {
			m.board.SetStatus("request submitted")
		}
	case redrawMsg:
		return m, m.redraw()
	}
	return m, nil
}

func (m model) View() string {
	help := "q quit"
	if m.submit != nil {
		help = submitKeyBinding + " request random number • " + help
	}
	return m.board.Render(m.title) + "\n" + helpStyle.Render(help) + "\n"
}

// TUI runs the live terminal view for a session.
type TUI struct {
	board    *Board
	title    string
	interval time.Duration
	submit   func(context.Context) error
	output   io.Writer
	input    io.Reader
}

type TUIOption func(*TUI)

func WithTitle(title string) TUIOption {
	return func(t *TUI) { t.title = title }
}

// WithSubmit binds the submit key to fn.
func WithSubmit(fn func(context.Context) error) TUIOption {
	return func(t *TUI) { t.submit = fn }
}

func WithRedrawInterval(d time.Duration) TUIOption {
	return func(t *TUI) {
		if d > 0 {
			t.interval = d
		}
	}
}

func WithIO(in io.Reader, out io.Writer) TUIOption {
	return func(t *TUI) {
		t.input = in
		t.output = out
	}
}

func NewTUI(board *Board, opts ...TUIOption) *TUI {
	t := &TUI{board: board, title: "VRF request timer", interval: defaultRedraw}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run blocks until the user quits or ctx is cancelled.
func (t *TUI) Run(ctx context.Context) error {
	m := model{board: t.board, title: t.title, interval: t.interval, submit: t.submit, ctx: ctx}
	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if t.output != nil {
		opts = append(opts, tea.WithOutput(t.output))
	}
	if t.input != nil {
		opts = append(opts, tea.WithInput(t.input))
	}
	_, err := tea.NewProgram(m, opts...).Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return errors.Wrap(err, "terminal ui")
	}
	return nil
}
