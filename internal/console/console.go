// Package console is an interactive terminal for resolving pending
// approvals. It polls the engine's HTTP API, renders the proposal that
// is waiting for a decision, and submits approve / request_revision /
// reject decisions without leaving the terminal.
package console

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"

	"github.com/agentcompany/agentcompany/internal/approval"
	"github.com/agentcompany/agentcompany/internal/clip"
)

// Client is the slice of the engine API the console needs.
type Client interface {
	Approvals() ([]approval.Pending, error)
	Decide(workflowID, action, feedback string) error
}

// DefaultRefreshInterval is how often the console re-polls the API.
const DefaultRefreshInterval = 5 * time.Second

type mode int

const (
	modeList mode = iota
	modeFilter
	modeFeedback
)

type approvalsMsg struct {
	items []approval.Pending
	err   error
}

type decisionMsg struct {
	workflowID string
	action     string
	err        error
}

type copiedMsg struct {
	result clip.Result
	err    error
}

type refreshTickMsg struct{}

// Model is the bubbletea model for the approval console.
type Model struct {
	client  Client
	refresh time.Duration

	pendings []approval.Pending
	visible  []int // indexes into pendings after filtering
	cursor   int

	mode          mode
	pendingAction string

	viewport viewport.Model
	spinner  spinner.Model
	filter   textinput.Model
	feedback textinput.Model
	renderer *glamour.TermRenderer

	width   int
	height  int
	ready   bool
	loading bool
	status  string
	failed  bool
}

// Option customizes the console model.
type Option func(*Model)

// WithRefreshInterval overrides the poll interval.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Model) {
		if d > 0 {
			m.refresh = d
		}
	}
}

// New builds a console model over the given API client.
func New(client Client, opts ...Option) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	filter := textinput.New()
	filter.Prompt = "/"
	filter.Placeholder = "filter"
	filter.CharLimit = 80

	feedback := textinput.New()
	feedback.Prompt = "> "
	feedback.Placeholder = "feedback for the workers"
	feedback.CharLimit = 500

	m := &Model{
		client:   client,
		refresh:  DefaultRefreshInterval,
		spinner:  sp,
		filter:   filter,
		feedback: feedback,
		loading:  true,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the console and blocks until the user quits.
func Run(client Client, opts ...Option) error {
	_, err := tea.NewProgram(New(client, opts...), tea.WithAltScreen()).Run()
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchApprovals(), m.scheduleRefresh())
}

func (m *Model) fetchApprovals() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		items, err := client.Approvals()
		return approvalsMsg{items: items, err: err}
	}
}

func (m *Model) scheduleRefresh() tea.Cmd {
	return tea.Tick(m.refresh, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (m *Model) submitDecision(workflowID, action, feedback string) tea.Cmd {
	client := m.client
	return func() tea.Msg {
		err := client.Decide(workflowID, action, feedback)
		return decisionMsg{workflowID: workflowID, action: action, err: err}
	}
}

func copyContent(text string) tea.Cmd {
	return func() tea.Msg {
		res, err := clip.WriteAll(text)
		return copiedMsg{result: res, err: err}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.ready = true
		m.renderSelection()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case refreshTickMsg:
		return m, tea.Batch(m.fetchApprovals(), m.scheduleRefresh())

	case approvalsMsg:
		m.loading = false
		if msg.err != nil {
			m.setStatus("refresh failed: "+msg.err.Error(), true)
			return m, nil
		}
		m.setApprovals(msg.items)
		return m, nil

	case decisionMsg:
		if msg.err != nil {
			m.setStatus(fmt.Sprintf("%s %s failed: %v", msg.action, msg.workflowID, msg.err), true)
			return m, nil
		}
		m.setStatus(fmt.Sprintf("%s submitted for %s", msg.action, msg.workflowID), false)
		m.loading = true
		return m, m.fetchApprovals()

	case copiedMsg:
		if msg.err != nil {
			m.setStatus("copy failed: "+msg.err.Error(), true)
			return m, nil
		}
		if msg.result.Method == clip.MethodFile {
			m.setStatus("content written to "+msg.result.FilePath, false)
		} else {
			m.setStatus("content copied ("+string(msg.result.Method)+")", false)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.mode {
	case modeFilter:
		return m.handleFilterKey(msg)
	case modeFeedback:
		return m.handleFeedbackKey(msg)
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "j", "down":
		m.moveCursor(1)
	case "k", "up":
		m.moveCursor(-1)
	case "g":
		m.cursor = 0
		m.renderSelection()
	case "G":
		if len(m.visible) > 0 {
			m.cursor = len(m.visible) - 1
			m.renderSelection()
		}
	case "/":
		m.mode = modeFilter
		m.filter.Focus()
		return m, textinput.Blink
	case "r":
		m.loading = true
		return m, m.fetchApprovals()
	case "a":
		if p, ok := m.selected(); ok {
			return m, m.submitDecision(string(p.WorkflowID), "approve", "")
		}
	case "v":
		if _, ok := m.selected(); ok {
			m.mode = modeFeedback
			m.pendingAction = "request_revision"
			m.feedback.Focus()
			return m, textinput.Blink
		}
	case "x":
		if _, ok := m.selected(); ok {
			m.mode = modeFeedback
			m.pendingAction = "reject"
			m.feedback.Focus()
			return m, textinput.Blink
		}
	case "y":
		if p, ok := m.selected(); ok {
			return m, copyContent(p.Content)
		}
	default:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeList
		m.filter.Blur()
		m.filter.SetValue("")
		m.applyFilter()
		return m, nil
	case "enter":
		m.mode = modeList
		m.filter.Blur()
		return m, nil
	}
	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *Model) handleFeedbackKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.mode = modeList
		m.pendingAction = ""
		m.feedback.Blur()
		m.feedback.SetValue("")
		return m, nil
	case "enter":
		action := m.pendingAction
		text := strings.TrimSpace(m.feedback.Value())
		m.mode = modeList
		m.pendingAction = ""
		m.feedback.Blur()
		m.feedback.SetValue("")
		if p, ok := m.selected(); ok {
			return m, m.submitDecision(string(p.WorkflowID), action, text)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.feedback, cmd = m.feedback.Update(msg)
	return m, cmd
}

func (m *Model) setApprovals(items []approval.Pending) {
	prev := ""
	if p, ok := m.selected(); ok {
		prev = string(p.WorkflowID)
	}
	m.pendings = items
	m.applyFilter()
	if prev != "" {
		for i, idx := range m.visible {
			if string(m.pendings[idx].WorkflowID) == prev {
				m.cursor = i
				break
			}
		}
	}
	m.renderSelection()
}

// applyFilter recomputes the visible index list from the filter query.
func (m *Model) applyFilter() {
	query := strings.TrimSpace(m.filter.Value())
	if query == "" {
		m.visible = make([]int, len(m.pendings))
		for i := range m.pendings {
			m.visible[i] = i
		}
	} else {
		targets := make([]string, len(m.pendings))
		for i, p := range m.pendings {
			targets[i] = string(p.WorkflowID) + " " + string(p.Phase)
		}
		matches := fuzzy.Find(query, targets)
		m.visible = make([]int, 0, len(matches))
		for _, match := range matches {
			m.visible = append(m.visible, match.Index)
		}
	}
	if m.cursor >= len(m.visible) {
		m.cursor = 0
	}
	m.renderSelection()
}

func (m *Model) moveCursor(delta int) {
	if len(m.visible) == 0 {
		return
	}
	m.cursor += delta
	if m.cursor < 0 {
		m.cursor = 0
	}
	if m.cursor >= len(m.visible) {
		m.cursor = len(m.visible) - 1
	}
	m.renderSelection()
}

func (m *Model) selected() (approval.Pending, bool) {
	if m.cursor < 0 || m.cursor >= len(m.visible) {
		return approval.Pending{}, false
	}
	return m.pendings[m.visible[m.cursor]], true
}

func (m *Model) setStatus(text string, failed bool) {
	m.status = text
	m.failed = failed
}

func (m *Model) layout() {
	listWidth := m.listWidth()
	contentWidth := m.width - listWidth - 6
	if contentWidth < 20 {
		contentWidth = 20
	}
	contentHeight := m.height - 6
	if contentHeight < 3 {
		contentHeight = 3
	}
	m.viewport = viewport.New(contentWidth, contentHeight)

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(contentWidth),
	)
	if err == nil {
		m.renderer = renderer
	}
}

func (m *Model) listWidth() int {
	w := m.width / 3
	if w < 28 {
		w = 28
	}
	if w > 48 {
		w = 48
	}
	return w
}

// renderSelection refreshes the content pane for the selected approval.
func (m *Model) renderSelection() {
	if !m.ready {
		return
	}
	p, ok := m.selected()
	if !ok {
		m.viewport.SetContent(dimStyle.Render("No approval selected."))
		return
	}
	header := fmt.Sprintf("%s  %s  %s\n\n",
		titleStyle.Render(string(p.WorkflowID)),
		phaseStyle.Render(string(p.Phase)),
		dimStyle.Render("waiting since "+p.CreatedAt.Format("15:04:05")))
	body := p.Content
	if m.renderer != nil {
		if rendered, err := m.renderer.Render(p.Content); err == nil {
			body = rendered
		}
	}
	m.viewport.SetContent(header + body)
	m.viewport.GotoTop()
}

func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	left := m.renderList()
	right := paneStyle.Width(m.viewport.Width + 2).Render(m.viewport.View())
	panes := lipgloss.JoinHorizontal(lipgloss.Top, left, right)

	var b strings.Builder
	b.WriteString(titleStyle.Render("agentcompany approvals"))
	if m.loading {
		b.WriteString(" " + m.spinner.View())
	}
	b.WriteString("\n")
	b.WriteString(panes)
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderList() string {
	width := m.listWidth()
	var b strings.Builder

	if m.mode == modeFilter || m.filter.Value() != "" {
		b.WriteString(m.filter.View())
		b.WriteString("\n")
	}

	if len(m.visible) == 0 {
		b.WriteString(dimStyle.Render("No pending approvals."))
	}
	for i, idx := range m.visible {
		p := m.pendings[idx]
		line := fmt.Sprintf("%s %s", p.WorkflowID, phaseStyle.Render(string(p.Phase)))
		if i == m.cursor {
			b.WriteString(selectedItemStyle.Render(line))
		} else {
			b.WriteString(itemStyle.Render(line))
		}
		b.WriteString("\n")
	}

	height := m.height - 6
	if height < 3 {
		height = 3
	}
	return paneStyle.Width(width).Height(height).Render(b.String())
}

func (m *Model) renderFooter() string {
	if m.mode == modeFeedback {
		return promptStyle.Render(m.pendingAction+" feedback ") + m.feedback.View()
	}
	var status string
	if m.status != "" {
		if m.failed {
			status = statusErrStyle.Render(m.status)
		} else {
			status = statusOKStyle.Render(m.status)
		}
		status += "  "
	}
	help := helpStyle.Render("a approve · v revise · x reject · y copy · / filter · r refresh · q quit")
	return status + help
}
