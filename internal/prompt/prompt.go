// Package prompt asks for a bump kind per package in a terminal UI.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cascade/internal/domain"
	"cascade/internal/version"
)

var ErrCancelled = errors.New("bump selection cancelled")

var kinds = []version.BumpKind{version.BumpNone, version.BumpPatch, version.BumpMinor, version.BumpMajor}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#6BCB77")).MarginBottom(1)
	packageStyle  = lipgloss.NewStyle().Bold(true)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD93D")).Bold(true)
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
)

// Model walks the publishable packages in name order and records one bump
// kind for each.
type Model struct {
	pkgs      []domain.Package
	index     int
	cursor    int
	choices   map[string]version.BumpKind
	done      bool
	cancelled bool
}

func NewModel(pkgs []domain.Package) Model {
	var asked []domain.Package
	for _, p := range pkgs {
		if p.Publishable() {
			asked = append(asked, p)
		}
	}
	sort.Slice(asked, func(i, j int) bool { return asked[i].Name < asked[j].Name })
	return Model{pkgs: asked, choices: map[string]version.BumpKind{}, done: len(asked) == 0}
}

func (m Model) Init() tea.Cmd {
	if m.done {
		return tea.Quit
	}
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok || m.done || m.cancelled {
		return m, nil
	}
	switch key.String() {
	case "ctrl+c", "esc", "q":
		m.cancelled = true
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(kinds)-1 {
			m.cursor++
		}
	case "n":
		return m.choose(version.BumpNone)
	case "p":
		return m.choose(version.BumpPatch)
	case "m":
		return m.choose(version.BumpMinor)
	case "M":
		return m.choose(version.BumpMajor)
	case "enter", " ":
		return m.choose(kinds[m.cursor])
	}
	return m, nil
}

func (m Model) choose(kind version.BumpKind) (tea.Model, tea.Cmd) {
	m.choices[m.pkgs[m.index].Name] = kind
	m.index++
	m.cursor = 0
	if m.index >= len(m.pkgs) {
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) View() string {
	if m.done || m.cancelled {
		return ""
	}
	pkg := m.pkgs[m.index]
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Version bump (%d/%d)", m.index+1, len(m.pkgs))))
	b.WriteString("\n")
	b.WriteString(packageStyle.Render(pkg.Name) + " " + mutedStyle.Render(pkg.Version))
	b.WriteString("\n\n")
	for i, k := range kinds {
		line := string(k)
		if next, err := version.Bump(pkg.Version, k); err == nil && k != version.BumpNone {
			line += " → " + next
		}
		if i == m.cursor {
			b.WriteString(selectedStyle.Render("> " + line))
		} else {
			b.WriteString("  " + line)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n" + mutedStyle.Render("↑/↓ move • enter select • n/p/m/M shortcut • esc cancel"))
	return b.String()
}

// Done reports whether every package has an answer.
func (m Model) Done() bool { return m.done }

// Policy answers Decide from the choices collected by a finished Model.
func (m Model) Policy() Policy {
	out := make(map[string]version.BumpKind, len(m.choices))
	for k, v := range m.choices {
		out[k] = v
	}
	return Policy{Choices: out}
}

type Policy struct {
	Choices map[string]version.BumpKind
}

func (p Policy) Decide(pkg domain.Package) (version.BumpKind, error) {
	if k, ok := p.Choices[pkg.Name]; ok {
		return k, nil
	}
	return version.BumpNone, nil
}

// Ask runs the prompt on in/out and returns the collected policy.
func Ask(ctx context.Context, pkgs []domain.Package, in io.Reader, out io.Writer) (Policy, error) {
	prog := tea.NewProgram(NewModel(pkgs), tea.WithContext(ctx), tea.WithInput(in), tea.WithOutput(out))
	final, err := prog.Run()
	if err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return Policy{}, ctx.Err()
		}
		return Policy{}, err
	}
	m, ok := final.(Model)
	if !ok || !m.Done() {
		return Policy{}, ErrCancelled
	}
	return m.Policy(), nil
}
