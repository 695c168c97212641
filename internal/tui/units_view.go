package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/sleuth/internal/dispatch"
	"github.com/kingrea/sleuth/internal/module"
	"github.com/kingrea/sleuth/resolution"
)

// unitsView lists the units of one module and runs the selected unit
// against every graph entity it accepts.
type unitsView struct {
	app    *App
	module module.Info
	units  []module.Registration
	cursor int

	running string
	last    *dispatch.Report
	lastErr error
	status  string
}

type dispatchFinishedMsg struct {
	unit   string
	report dispatch.Report
	err    error
}

var (
	labelStyleReady   = lipgloss.NewStyle().Foreground(lipgloss.Color("#5FD068")).Bold(true)
	labelStyleRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	labelStyleBlocked = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	cursorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
)

func newUnitsView(app *App, info module.Info) *unitsView {
	v := &unitsView{app: app, module: info}
	v.refresh()
	return v
}

// refresh re-reads the module's units after a reload.
func (v *unitsView) refresh() {
	reg := v.app.session.Modules
	v.units = v.units[:0]
	for _, r := range reg.Units() {
		if r.Module == v.module.Name {
			v.units = append(v.units, r)
		}
	}
	if info, ok := reg.Module(v.module.Name); ok {
		v.module = info
	}
	if v.cursor >= len(v.units) {
		v.cursor = max(0, len(v.units)-1)
	}
}

func (v *unitsView) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case dispatchFinishedMsg:
		if msg.unit != v.running {
			return nil
		}
		v.running = ""
		report := msg.report
		if report.Unit == "" {
			report.Unit = msg.unit
		}
		v.last = &report
		v.lastErr = msg.err
		v.status = summarizeReport(report, msg.err)
		v.app.statusMsg = v.status
		return nil
	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if v.cursor > 0 {
				v.cursor--
			}
		case "down", "j":
			if v.cursor < len(v.units)-1 {
				v.cursor++
			}
		case "enter":
			return v.runSelected()
		}
	}
	return nil
}

func (v *unitsView) runSelected() tea.Cmd {
	if v.running != "" || len(v.units) == 0 {
		return nil
	}
	reg := v.units[v.cursor]
	v.running = reg.Name()
	v.status = fmt.Sprintf("Running %s...", reg.Name())
	v.app.statusMsg = v.status
	s := v.app.session
	ctx := v.app.ctx
	return func() tea.Msg {
		entities, err := s.Graph.Entities(ctx)
		if err != nil {
			return dispatchFinishedMsg{unit: reg.Name(), err: err}
		}
		report, err := s.Dispatcher.Dispatch(ctx, dispatch.Request{
			Unit:     reg.Name(),
			Entities: acceptedEntities(reg.Descriptor, entities),
		})
		return dispatchFinishedMsg{unit: reg.Name(), report: report, err: err}
	}
}

func acceptedEntities(desc resolution.Descriptor, entities []resolution.Entity) []resolution.Entity {
	var out []resolution.Entity
	for _, e := range entities {
		if desc.Accepts(e.Type) {
			out = append(out, e)
		}
	}
	return out
}

func summarizeReport(report dispatch.Report, err error) string {
	if err != nil {
		return fmt.Sprintf("%s failed: %v", report.Unit, err)
	}
	if report.Failed() {
		return fmt.Sprintf("%s reported: %s", report.Unit, report.Failure)
	}
	created := 0
	if report.Merge != nil {
		created = len(report.Merge.Created)
	}
	return fmt.Sprintf("%s: %d entities in, %d created (%s)",
		report.Unit, report.Eligible, created, report.Duration.Round(time.Millisecond))
}

func (v *unitsView) View() string {
	var b strings.Builder
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	b.WriteString(title.Render(strings.ToUpper(v.module.Label())))
	b.WriteString("\n")
	if v.module.Author != "" {
		b.WriteString(labelStyleMuted.Render("by " + v.module.Author))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if len(v.units) == 0 {
		b.WriteString(labelStyleMuted.Render("This module exposes no units."))
		return b.String()
	}
	for i, reg := range v.units {
		prefix := "  "
		name := reg.Name()
		if i == v.cursor {
			prefix = cursorStyle.Render("▸ ")
			name = cursorStyle.Render(name)
		}
		b.WriteString(prefix + name)
		b.WriteString(" " + labelStyleMuted.Render(strings.Join(reg.Descriptor.OriginTypes, ", ")+" → "+strings.Join(reg.Descriptor.ResultTypes, ", ")))
		if reg.Name() == v.running {
			b.WriteString(" " + labelStyleRunning.Render("running"))
		}
		b.WriteString("\n")
		if i == v.cursor && reg.Descriptor.Description != "" {
			b.WriteString("    " + labelStyleMuted.Render(reg.Descriptor.Description) + "\n")
		}
	}
	if v.last != nil {
		b.WriteString("\n")
		style := labelStyleReady
		if v.lastErr != nil || v.last.Failed() {
			style = labelStyleBlocked
		}
		b.WriteString(style.Render(v.status))
	}
	return b.String()
}
