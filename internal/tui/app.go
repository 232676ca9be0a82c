// internal/tui/app.go
//
// Terminal UI for colloquy, built on bubbletea's Elm architecture: the model
// holds all state, Update folds messages into a new model, View renders it.
// The app polls the session manager on a ticker and appends new activity
// events to a scrolling feed.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"colloquy/internal/activity"
	"colloquy/internal/manager"
	"colloquy/internal/session"
)

type appState int

const (
	statePrompt  appState = iota // waiting for the user to describe a project
	stateRunning                 // session in flight, polling for progress
	stateDone                    // terminal state reached, feed frozen
)

const (
	pollInterval = 500 * time.Millisecond
	feedLimit    = 200
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Padding(0, 1)
	stageStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	gateStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	actorStyles = map[string]lipgloss.Style{
		"Analyst": lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		"Critic":  lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
		"System":  faintStyle,
	}
)

type tickMsg time.Time

type progressMsg struct {
	view   manager.Status
	events []activity.Event
	err    error
}

// App is the bubbletea model.
type App struct {
	mgr *manager.Manager

	state     appState
	input     textinput.Model
	spin      spinner.Model
	sessionID string
	view      manager.Status
	cursor    int64
	feed      []string
	err       error

	width  int
	height int
}

// NewApp builds the model around a running session manager.
func NewApp(mgr *manager.Manager) *App {
	input := textinput.New()
	input.Placeholder = "Describe the project to research..."
	input.CharLimit = 500
	input.Width = 70
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return &App{
		mgr:   mgr,
		state: statePrompt,
		input: input,
		spin:  spin,
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return textinput.Blink
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case tickMsg:
		if a.state != stateRunning {
			return a, nil
		}
		return a, a.pollCmd()

	case progressMsg:
		return a.applyProgress(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}

	if a.state == statePrompt {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit
	case "q":
		if a.state != statePrompt {
			return a, tea.Quit
		}
	case "a":
		if a.state == stateRunning {
			_ = a.mgr.Abandon(a.sessionID)
			return a, nil
		}
	case "n":
		if a.state == stateDone {
			return a.reset()
		}
	case "enter":
		if a.state == statePrompt {
			return a.startSession()
		}
	}
	if a.state == statePrompt {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) startSession() (tea.Model, tea.Cmd) {
	prompt := strings.TrimSpace(a.input.Value())
	if prompt == "" {
		return a, nil
	}
	id, err := a.mgr.Start(prompt)
	if err != nil {
		a.err = err
		return a, nil
	}
	a.sessionID = id
	a.state = stateRunning
	a.err = nil
	a.cursor = 0
	a.feed = nil
	return a, tea.Batch(a.spin.Tick, a.pollCmd())
}

func (a *App) reset() (tea.Model, tea.Cmd) {
	a.state = statePrompt
	a.sessionID = ""
	a.view = manager.Status{}
	a.cursor = 0
	a.feed = nil
	a.err = nil
	a.input.SetValue("")
	a.input.Focus()
	return a, textinput.Blink
}

func (a *App) pollCmd() tea.Cmd {
	mgr, id, cursor := a.mgr, a.sessionID, a.cursor
	return func() tea.Msg {
		view, err := mgr.Status(id)
		if err != nil {
			return progressMsg{err: err}
		}
		events, err := mgr.Activity(id, cursor)
		if err != nil {
			return progressMsg{err: err}
		}
		return progressMsg{view: view, events: events}
	}
}

func (a *App) applyProgress(msg progressMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		a.err = msg.err
		a.state = stateDone
		return a, nil
	}
	a.view = msg.view
	for _, ev := range msg.events {
		a.cursor = ev.Seq
		a.feed = append(a.feed, renderEvent(ev))
	}
	if len(a.feed) > feedLimit {
		a.feed = a.feed[len(a.feed)-feedLimit:]
	}
	if msg.view.Completed || msg.view.Failed || msg.view.Abandoned {
		a.state = stateDone
		return a, nil
	}
	return a, tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func renderEvent(ev activity.Event) string {
	style, ok := actorStyles[ev.Actor]
	if !ok {
		style = faintStyle
	}
	prefix := style.Render(fmt.Sprintf("%-7s", ev.Actor))
	text := ev.Text
	if ev.Kind == activity.KindError {
		text = errStyle.Render(text)
	}
	return prefix + " " + text
}

// View implements tea.Model.
func (a *App) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("colloquy"))
	b.WriteString("\n\n")

	switch a.state {
	case statePrompt:
		b.WriteString("What should the collaborators research?\n\n")
		b.WriteString(a.input.View())
		b.WriteString("\n\n")
		if a.err != nil {
			b.WriteString(errStyle.Render(a.err.Error()) + "\n")
		}
		b.WriteString(faintStyle.Render("enter: start · ctrl+c: quit"))
	case stateRunning:
		b.WriteString(a.spin.View() + " " + a.statusLine() + "\n\n")
		b.WriteString(a.feedView())
		b.WriteString("\n" + faintStyle.Render("a: abandon · q: quit"))
	case stateDone:
		b.WriteString(a.statusLine() + "\n\n")
		b.WriteString(a.feedView())
		b.WriteString("\n" + a.outcomeLine())
		b.WriteString("\n" + faintStyle.Render("n: new session · q: quit"))
	}
	return b.String()
}

func (a *App) statusLine() string {
	stage := a.view.Stage
	idx := stage.Index()
	label := string(stage)
	if idx >= 0 {
		label = fmt.Sprintf("stage %d/%d %s", idx+1, len(session.Order), stage)
	}
	return stageStyle.Render(label) +
		fmt.Sprintf("  round %d", a.view.Round) +
		fmt.Sprintf("  maturity %.2f", a.view.Maturity) +
		"  " + gateStyle.Render(fmt.Sprintf("gates %d/5", len(a.view.Gates))) +
		faintStyle.Render(fmt.Sprintf("  sources %d  insights %d", a.view.SourceCount, a.view.InsightCount))
}

func (a *App) outcomeLine() string {
	switch {
	case a.view.Failed:
		return errStyle.Render("failed: " + a.view.Error)
	case a.view.Abandoned:
		return faintStyle.Render("session abandoned")
	case len(a.view.SavedPlans) > 0:
		return gateStyle.Render("plans saved: " + strings.Join(a.view.SavedPlans, ", "))
	case a.err != nil:
		return errStyle.Render(a.err.Error())
	default:
		return gateStyle.Render("session complete")
	}
}

// feedView renders the most recent events that fit the terminal height.
func (a *App) feedView() string {
	rows := a.height - 8
	if rows < 5 {
		rows = 5
	}
	start := len(a.feed) - rows
	if start < 0 {
		start = 0
	}
	return strings.Join(a.feed[start:], "\n")
}

// Run starts the program on the current terminal.
func Run(mgr *manager.Manager) error {
	_, err := tea.NewProgram(NewApp(mgr), tea.WithAltScreen()).Run()
	return err
}
