package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/kingrea/sleuth/internal/logbook"
)

var (
	infoColor     = color.New(color.FgCyan)
	warnColor     = color.New(color.FgYellow)
	errorColor    = color.New(color.FgRed)
	criticalColor = color.New(color.FgHiRed, color.Bold)
	successColor  = color.New(color.FgGreen)
	mutedColor    = color.New(color.FgHiBlack)
)

func levelColor(level logbook.Level) *color.Color {
	switch level {
	case logbook.LevelWarn:
		return warnColor
	case logbook.LevelError:
		return errorColor
	case logbook.LevelCritical:
		return criticalColor
	default:
		return infoColor
	}
}

func formatEntry(e logbook.Entry) string {
	prefix := levelColor(e.Level).Sprintf("%-8s", e.Level)
	if e.Source != "" {
		prefix += " " + mutedColor.Sprint(e.Source)
	}
	msg := e.Message
	if e.Popup {
		msg = color.New(color.Bold).Sprint(msg)
	}
	return prefix + " " + msg
}

// renderLogbook prints entries as they are recorded until the returned
// function is called. Entries recorded before stop returns are flushed.
func renderLogbook(lb *logbook.Logbook, w io.Writer) func() {
	entries, unsubscribe := lb.Subscribe(128)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range entries {
			fmt.Fprintln(w, formatEntry(e))
		}
	}()
	return func() {
		unsubscribe()
		wg.Wait()
	}
}
