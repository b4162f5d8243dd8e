package main

import (
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/benaskins/modharness/internal/module"
)

var (
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
	headerStyle = lipgloss.NewStyle().Bold(true)
)

func stateStyle(s module.State) lipgloss.Style {
	switch s {
	case module.StateActive:
		return okStyle
	case module.StateStarting, module.StateStopping:
		return warnStyle
	case module.StateUninstalled:
		return failStyle
	default:
		return infoStyle
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// moduleTable renders installed modules. names maps module ids to the
// logical names they were deployed under.
func moduleTable(infos []module.Info, names map[int64]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "NAME", "SYMBOLIC NAME", "VERSION", "LEVEL", "STATE")
	for _, info := range infos {
		state := string(info.State)
		if info.Fragment {
			state += " (fragment)"
		}
		t.Row(
			strconv.FormatInt(info.ID, 10),
			orDash(names[info.ID]),
			info.SymbolicName,
			orDash(info.Version),
			startLevel(info.StartLevel),
			stateStyle(info.State).Render(state),
		)
	}
	return t.String()
}

func startLevel(level int) string {
	if level <= 0 {
		return "-"
	}
	return strconv.Itoa(level)
}
