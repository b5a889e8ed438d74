package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/alexisbeaulieu97/cohort/internal/ledger"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	sectionStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	failureStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	skippedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	reusedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("36"))

	titleCaser = cases.Title(language.English)
)

// printer renders CLI output, styling it only when attached to a terminal.
type printer struct {
	color   bool
	unicode bool
}

func newPrinter(terminal bool) printer {
	return printer{color: terminal, unicode: terminal}
}

func (p printer) render(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

func (p printer) title(text string) string   { return p.render(titleStyle, text) }
func (p printer) section(text string) string { return p.render(sectionStyle, text) }

func statusStyle(status ledger.Status) lipgloss.Style {
	switch status {
	case ledger.StatusDone:
		return successStyle
	case ledger.StatusRunning:
		return runningStyle
	case ledger.StatusFailed:
		return failureStyle
	case ledger.StatusSkipped:
		return skippedStyle
	default:
		return pendingStyle
	}
}

func (p printer) icon(status ledger.Status, reused bool) string {
	if reused {
		if p.unicode {
			return "↺"
		}
		return "="
	}
	switch status {
	case ledger.StatusDone:
		if p.unicode {
			return "✓"
		}
		return "+"
	case ledger.StatusFailed:
		if p.unicode {
			return "✗"
		}
		return "x"
	case ledger.StatusSkipped:
		return "-"
	case ledger.StatusRunning:
		return "~"
	default:
		return "."
	}
}

// status renders the icon and title-cased status, e.g. "✓ Done".
func (p printer) status(status ledger.Status, reused bool) string {
	label := titleCaser.String(string(status))
	style := statusStyle(status)
	if reused {
		label = "Reused"
		style = reusedStyle
	}
	return p.render(style, fmt.Sprintf("%s %s", p.icon(status, reused), label))
}

func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Second:
		return d.Round(time.Millisecond).String()
	default:
		return d.Round(100 * time.Millisecond).String()
	}
}

func formatRelativeTime(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}

	delta := time.Since(ts)
	if delta < time.Minute {
		return "just now"
	}
	if delta < time.Hour {
		return fmt.Sprintf("%dm ago", int(delta.Minutes()))
	}
	if delta < 24*time.Hour {
		return fmt.Sprintf("%dh ago", int(delta.Hours()))
	}
	return fmt.Sprintf("%dd ago", int(delta.Hours()/24))
}

func valueOrFallback(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
