package prompt_test

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"cascade/internal/domain"
	"cascade/internal/prompt"
	"cascade/internal/version"
)

func keys(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, m tea.Model, in ...string) tea.Model {
	t.Helper()
	for _, k := range in {
		m, _ = m.Update(keys(k))
	}
	return m
}

func workspace() []domain.Package {
	return []domain.Package{
		{Name: "web", Version: "2.0.0"},
		{Name: "core", Version: "1.0.0"},
		{Name: "internal-tools", Version: "0.1.0", Private: true},
		{Name: "util", Version: "0.3.1"},
	}
}

func TestAnswersInNameOrder(t *testing.T) {
	m := prompt.NewModel(workspace())
	if view := m.View(); !strings.Contains(view, "core") || !strings.Contains(view, "1/3") {
		t.Fatalf("first question should be core:\n%s", view)
	}
	// core: minor via cursor, util: patch shortcut, web: none via enter
	next := send(t, m, "down", "down", "enter", "p", "enter")
	final := next.(prompt.Model)
	if !final.Done() {
		t.Fatalf("expected prompt to be done")
	}
	pol := final.Policy()
	want := map[string]version.BumpKind{"core": version.BumpMinor, "util": version.BumpPatch, "web": version.BumpNone}
	for name, kind := range want {
		got, err := pol.Decide(domain.Package{Name: name})
		if err != nil || got != kind {
			t.Fatalf("%s: got %s (%v), want %s", name, got, err, kind)
		}
	}
	if got, _ := pol.Decide(domain.Package{Name: "internal-tools"}); got != version.BumpNone {
		t.Fatalf("private package must not be bumped, got %s", got)
	}
}

func TestLastKeyQuits(t *testing.T) {
	m := prompt.NewModel([]domain.Package{{Name: "solo", Version: "1.0.0"}})
	_, cmd := m.Update(keys("M"))
	if cmd == nil {
		t.Fatalf("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatalf("expected tea.QuitMsg")
	}
}

func TestCursorBounds(t *testing.T) {
	m := prompt.NewModel([]domain.Package{{Name: "solo", Version: "1.0.0"}})
	next := send(t, m, "up", "down", "down", "down", "down", "down", "enter")
	got, _ := next.(prompt.Model).Policy().Decide(domain.Package{Name: "solo"})
	if got != version.BumpMajor {
		t.Fatalf("cursor should stop at major, got %s", got)
	}
}

func TestCancel(t *testing.T) {
	m := prompt.NewModel(workspace())
	next := send(t, m, "p", "esc", "enter")
	final := next.(prompt.Model)
	if final.Done() {
		t.Fatalf("cancelled prompt must not be done")
	}
	if final.View() != "" {
		t.Fatalf("cancelled prompt renders nothing")
	}
}

func TestEmptyWorkspaceIsDone(t *testing.T) {
	m := prompt.NewModel(nil)
	if !m.Done() || m.Init() == nil {
		t.Fatalf("empty prompt should finish immediately")
	}
}
