// internal/tui/app.go
//
// This is the terminal shell for sleuth.
// It uses bubbletea, which follows The Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// Background work (runtime bring-up, module loading, resolutions) runs in
// tea.Cmds and reports back as messages, so the model is only ever touched
// from the update loop.

package tui

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/sleuth/internal/logbook"
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/internal/session"
	"github.com/kingrea/sleuth/plugins"
)

// appState represents which "screen" we're on
type appState int

const (
	stateModules appState = iota // Loaded modules
	stateUnits                   // Units of the selected module
)

type runtimeStatus int

const (
	runtimePending runtimeStatus = iota
	runtimeReady
	runtimeFailed
)

type runtimeReadyMsg struct{ err error }

type modulesLoadedMsg struct {
	report plugins.LoadReport
	err    error
}

type logEntryMsg struct{ entry logbook.Entry }

type moduleChangeMsg struct {
	change plugins.Change
	ok     bool
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	session *session.Session
	ctx     context.Context
	cancel  context.CancelFunc

	state      appState
	moduleMenu list.Model
	unitsView  *unitsView

	runtime   runtimeStatus
	activated bool
	loading   bool

	logEntries  <-chan logbook.Entry
	unsubscribe func()
	changes     <-chan plugins.Change

	statusMsg string
	popup     string

	width  int
	height int
}

// moduleItem implements list.Item for a loaded module.
type moduleItem struct {
	info  module.Info
	units int
}

func (i moduleItem) Title() string {
	if i.info.Builtin {
		return i.info.Label() + " (built-in)"
	}
	return i.info.Label()
}

func (i moduleItem) Description() string {
	desc := fmt.Sprintf("v%s · %d units", i.info.Version, i.units)
	if notes := strings.TrimSpace(i.info.Notes); notes != "" {
		desc += " · " + notes
	}
	return desc
}

func (i moduleItem) FilterValue() string { return i.info.Name }

// NewApp creates the shell for an open session.
func NewApp(s *session.Session) *App {
	menu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	menu.Title = "MODULES"
	menu.SetShowStatusBar(false)
	menu.SetFilteringEnabled(false)

	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		session:    s,
		ctx:        ctx,
		cancel:     cancel,
		state:      stateModules,
		moduleMenu: menu,
		statusMsg:  "Bringing up module runtime...",
	}
	if s.Logbook != nil {
		a.logEntries, a.unsubscribe = s.Logbook.Subscribe(64)
	}
	a.refreshModules()
	return a
}

// Init starts runtime bring-up and the background listeners.
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.bringUpRuntime(), a.waitForLogEntry()}
	if changes, err := a.session.Loader.Watch(a.ctx); err == nil {
		a.changes = changes
		cmds = append(cmds, a.waitForChange())
	} else {
		a.session.Logger.Warn("module watcher unavailable", "error", err)
	}
	return tea.Batch(cmds...)
}

func (a *App) bringUpRuntime() tea.Cmd {
	done := a.session.BringUpRuntime(a.ctx)
	return func() tea.Msg {
		return runtimeReadyMsg{err: <-done}
	}
}

func (a *App) loadModules() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		report, err := a.session.LoadModules()
		return modulesLoadedMsg{report: report, err: err}
	}
}

func (a *App) waitForLogEntry() tea.Cmd {
	if a.logEntries == nil {
		return nil
	}
	ch := a.logEntries
	return func() tea.Msg {
		entry, ok := <-ch
		if !ok {
			return nil
		}
		return logEntryMsg{entry: entry}
	}
}

func (a *App) waitForChange() tea.Cmd {
	if a.changes == nil {
		return nil
	}
	ch := a.changes
	return func() tea.Msg {
		change, ok := <-ch
		return moduleChangeMsg{change: change, ok: ok}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.moduleMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-14))
		return a, nil

	case runtimeReadyMsg:
		return a, a.handleRuntimeReady(msg)

	case modulesLoadedMsg:
		a.loading = false
		a.refreshModules()
		switch {
		case msg.err != nil:
			a.statusMsg = fmt.Sprintf("Module loading stopped: %v", msg.err)
		case len(msg.report.Failed) > 0:
			a.statusMsg = fmt.Sprintf("Loaded %d modules, %d failed", len(msg.report.Loaded), len(msg.report.Failed))
		default:
			a.statusMsg = fmt.Sprintf("Loaded %d modules", len(msg.report.Loaded))
		}
		return a, nil

	case logEntryMsg:
		if msg.entry.Popup {
			a.popup = fmt.Sprintf("[%s] %s", msg.entry.Level, msg.entry.Message)
		}
		return a, a.waitForLogEntry()

	case moduleChangeMsg:
		if !msg.ok {
			a.changes = nil
			return a, nil
		}
		return a, tea.Batch(a.reloadModules(msg.change.Modules), a.waitForChange())

	case moduleReloadedMsg:
		a.refreshModules()
		if a.unitsView != nil {
			a.unitsView.refresh()
		}
		a.statusMsg = msg.status
		return a, nil

	case dispatchFinishedMsg:
		if a.unitsView != nil {
			return a, a.unitsView.Update(msg)
		}
		return a, nil

	case tea.KeyMsg:
		key := msg.String()
		if a.popup != "" && key != "ctrl+c" {
			a.popup = ""
			return a, nil
		}
		switch key {
		case "ctrl+c":
			return a, a.quit()
		case "q":
			if a.state == stateModules {
				return a, a.quit()
			}
		case "esc":
			if a.state != stateModules {
				a.state = stateModules
				a.unitsView = nil
				return a, nil
			}
		case "r":
			if a.state == stateModules && !a.loading {
				a.statusMsg = "Reloading modules..."
				return a, a.loadModules()
			}
		case "enter":
			if a.state == stateModules {
				if item, ok := a.moduleMenu.SelectedItem().(moduleItem); ok {
					a.unitsView = newUnitsView(a, item.info)
					a.state = stateUnits
				}
				return a, nil
			}
		}
	}

	switch a.state {
	case stateModules:
		var cmd tea.Cmd
		a.moduleMenu, cmd = a.moduleMenu.Update(msg)
		return a, cmd
	case stateUnits:
		if a.unitsView != nil {
			return a, a.unitsView.Update(msg)
		}
	}
	return a, nil
}

// handleRuntimeReady activates the runtime exactly once and then loads the
// installed modules. A failed bring-up still loads modules; those needing
// the runtime fail individually.
func (a *App) handleRuntimeReady(msg runtimeReadyMsg) tea.Cmd {
	if msg.err != nil {
		a.runtime = runtimeFailed
		a.statusMsg = fmt.Sprintf("Module runtime unavailable: %v", msg.err)
		a.session.Logbook.Error("Module runtime bring-up failed: %v", msg.err)
		return a.loadModules()
	}
	if !a.activated {
		a.activated = true
		if err := a.session.ActivateRuntime(); err != nil {
			a.runtime = runtimeFailed
			a.statusMsg = fmt.Sprintf("Module runtime unavailable: %v", err)
			return a.loadModules()
		}
	}
	a.runtime = runtimeReady
	a.statusMsg = "Module runtime ready · loading modules..."
	return a.loadModules()
}

type moduleReloadedMsg struct{ status string }

func (a *App) reloadModules(names []string) tea.Cmd {
	loader := a.session.Loader
	return func() tea.Msg {
		var loaded, removed, failed []string
		for _, name := range names {
			err := loader.Load(name)
			switch {
			case err == nil:
				loaded = append(loaded, name)
			case errors.Is(err, plugins.ErrNotInstalled):
				removed = append(removed, name)
			default:
				failed = append(failed, name)
			}
		}
		parts := []string{}
		if len(loaded) > 0 {
			parts = append(parts, "reloaded "+strings.Join(loaded, ", "))
		}
		if len(removed) > 0 {
			parts = append(parts, "removed "+strings.Join(removed, ", "))
		}
		if len(failed) > 0 {
			parts = append(parts, "failed "+strings.Join(failed, ", "))
		}
		return moduleReloadedMsg{status: "Module change: " + strings.Join(parts, "; ")}
	}
}

func (a *App) refreshModules() {
	reg := a.session.Modules
	infos := reg.Modules()
	items := make([]list.Item, 0, len(infos))
	for _, info := range infos {
		items = append(items, moduleItem{info: info, units: len(reg.ModuleUnits(info.Name))})
	}
	a.moduleMenu.SetItems(items)
}

func (a *App) quit() tea.Cmd {
	a.cancel()
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	return tea.Quit
}

// View renders the current state.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	var content string
	switch a.state {
	case stateModules:
		content = a.moduleMenu.View()
	case stateUnits:
		if a.unitsView != nil {
			content = a.unitsView.View()
		}
	}
	return a.renderBoard(content, width)
}

func (a *App) renderBoard(content string, width int) string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ SLEUTH  " + a.renderRuntimeLabel())
	main := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(content)
	sections := []string{header, main}
	if a.popup != "" {
		sections = append(sections, lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#F7B801")).
			Padding(0, 1).
			Width(max(20, width-4)).
			Render(a.popup+"\n\n(press any key)"))
	}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		MarginTop(1).
		Render(a.statusMsg + "\n" + a.renderHints())
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderRuntimeLabel() string {
	switch a.runtime {
	case runtimeReady:
		return labelStyleReady.Render("runtime ready")
	case runtimeFailed:
		return labelStyleBlocked.Render("runtime unavailable")
	default:
		return labelStyleRunning.Render("runtime starting")
	}
}

func (a *App) renderHints() string {
	switch a.state {
	case stateUnits:
		return "↑/↓ select · enter run on graph entities · esc back"
	default:
		return "↑/↓ select · enter units · r reload · q quit"
	}
}

func (a *App) renderLogPanel() string {
	lb := a.session.Logbook
	if lb == nil {
		return ""
	}
	lines, _ := lb.Tail(8)
	if len(lines) == 0 {
		return ""
	}
	fileName := filepath.Base(lb.Path())
	if fileName == "." || fileName == "" {
		fileName = "log"
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", fileName))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(lines, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}
