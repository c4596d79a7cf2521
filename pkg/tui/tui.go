// Package tui is the terminal front-end: a password gate, then the selected list with
// keyboard driven add, toggle, delete and drag-style reordering.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/cursor"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/bilbo-22/familist/pkg/auth"
	"github.com/bilbo-22/familist/pkg/client"
	"github.com/bilbo-22/familist/pkg/model"
	"github.com/bilbo-22/familist/pkg/reorder"
)

// Backend is what the TUI drives; *client.Client implements it.
type Backend interface {
	View() *client.View
	CreateList(ctx context.Context, name string) (model.List, error)
	DeleteList(ctx context.Context, id string) error
	AddItems(ctx context.Context, texts []string) ([]model.Item, error)
	ToggleItem(ctx context.Context, id string) error
	DeleteItem(ctx context.Context, id string) error
	Preview(listID string, order []model.Item)
	Reorder(ctx context.Context, listID string, sorted []model.Item) error
}

type Options struct {
	Gate *auth.Gate
	// LoggedIn skips the password prompt.
	LoggedIn bool
	OnLogin  func() error
	OnLogout func() error
}

type mode int

const (
	modeLogin mode = iota
	modeBrowse
	modeAddItem
	modeAddList
	modeGrab
)

type (
	stateMsg struct{}
	errMsg   struct{ err error }
)

type Model struct {
	ctx     context.Context
	backend Backend
	opts    Options

	mode    mode
	state   client.State
	cursor  int
	input   textinput.Model
	gesture *reorder.Gesture
	before  []model.Item
	status  string
	err     string
}

func New(ctx context.Context, b Backend, opts Options) Model {
	ti := textinput.New()
	ti.CharLimit = 200
	_ = ti.Cursor.SetMode(cursor.CursorStatic)
	m := Model{ctx: ctx, backend: b, opts: opts, input: ti, state: b.View().State()}
	if opts.LoggedIn || opts.Gate == nil {
		m.mode = modeBrowse
	} else {
		m.startInput(modeLogin, "Password", "")
		m.input.EchoMode = textinput.EchoPassword
	}
	return m
}

// Run starts the program on the terminal and returns when the user quits.
func Run(ctx context.Context, b Backend, opts Options) error {
	p := tea.NewProgram(New(ctx, b, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	b.View().OnChange(func() {
		go p.Send(stateMsg{})
	})
	defer b.View().OnChange(nil)
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("failed to run tui: %w", err)
	}
	return nil
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		m.refresh()
		return m, nil
	case errMsg:
		m.err = msg.err.Error()
		m.refresh()
		return m, nil
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		switch m.mode {
		case modeLogin:
			return m.updateLogin(msg)
		case modeAddItem, modeAddList:
			return m.updateInput(msg)
		case modeGrab:
			return m.updateGrab(msg)
		default:
			return m.updateBrowse(msg)
		}
	}
	return m, nil
}

func (m *Model) refresh() {
	m.state = m.backend.View().State()
	if n := len(m.rows()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

// rows are the selected list's active items followed by its completed items.
func (m Model) rows() []model.Item {
	active, completed := reorder.Split(m.state.Items, m.state.Selected)
	return append(active, completed...)
}

func (m Model) activeCount() int {
	active, _ := reorder.Split(m.state.Items, m.state.Selected)
	return len(active)
}

func (m *Model) startInput(md mode, placeholder, prompt string) tea.Cmd {
	m.mode = md
	m.input.Placeholder = placeholder
	m.input.Prompt = prompt + "> "
	m.input.EchoMode = textinput.EchoNormal
	m.input.SetValue("")
	return m.input.Focus()
}

func (m *Model) stopInput() {
	m.mode = modeBrowse
	m.input.SetValue("")
	m.input.Blur()
}

func (m Model) updateLogin(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if err := m.opts.Gate.Check(m.input.Value()); err != nil {
			m.err = loginError(err)
			m.input.SetValue("")
			return m, nil
		}
		if m.opts.OnLogin != nil {
			if err := m.opts.OnLogin(); err != nil {
				m.err = err.Error()
				return m, nil
			}
		}
		m.err = ""
		m.stopInput()
		m.refresh()
		return m, nil
	case "esc":
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func loginError(err error) string {
	if errors.Is(err, auth.ErrIncorrectPassword) {
		return "Incorrect password"
	}
	return err.Error()
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "enter":
		value := strings.TrimSpace(m.input.Value())
		md := m.mode
		m.stopInput()
		if value == "" {
			return m, nil
		}
		if md == modeAddList {
			return m, m.do(func(ctx context.Context) error {
				_, err := m.backend.CreateList(ctx, value)
				return err
			})
		}
		// "milk, eggs" adds two items
		texts := strings.Split(value, ",")
		return m, m.do(func(ctx context.Context) error {
			_, err := m.backend.AddItems(ctx, texts)
			return err
		})
	case "esc":
		m.stopInput()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateBrowse(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	m.err, m.status = "", ""
	rows := m.rows()
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(rows)-1 {
			m.cursor++
		}
	case "tab", "shift+tab":
		m.selectNeighbour(msg.String() == "tab")
	case "a":
		if m.state.Selected == "" {
			m.err = client.ErrNoListSelected.Error()
			return m, nil
		}
		return m, m.startInput(modeAddItem, "Milk, eggs", "add")
	case "n":
		return m, m.startInput(modeAddList, "List name", "new list")
	case "x", " ":
		if m.cursor < len(rows) {
			id := rows[m.cursor].ID
			return m, m.do(func(ctx context.Context) error { return m.backend.ToggleItem(ctx, id) })
		}
	case "d":
		if m.cursor < len(rows) {
			id := rows[m.cursor].ID
			return m, m.do(func(ctx context.Context) error { return m.backend.DeleteItem(ctx, id) })
		}
	case "D":
		id := m.state.Selected
		if id == "" {
			return m, nil
		}
		m.cursor = 0
		return m, m.do(func(ctx context.Context) error { return m.backend.DeleteList(ctx, id) })
	case "g":
		m.beginGrab()
	case "L":
		if m.opts.Gate == nil {
			return m, nil
		}
		if m.opts.OnLogout != nil {
			if err := m.opts.OnLogout(); err != nil {
				m.err = err.Error()
				return m, nil
			}
		}
		cmd := m.startInput(modeLogin, "Password", "")
		m.input.EchoMode = textinput.EchoPassword
		return m, cmd
	}
	return m, nil
}

func (m *Model) selectNeighbour(forward bool) {
	lists := m.state.Lists
	if len(lists) == 0 {
		return
	}
	idx := 0
	for i, l := range lists {
		if l.ID == m.state.Selected {
			idx = i
		}
	}
	if forward {
		idx = (idx + 1) % len(lists)
	} else {
		idx = (idx - 1 + len(lists)) % len(lists)
	}
	m.backend.View().Select(lists[idx].ID)
	m.cursor = 0
	m.refresh()
}

// beginGrab picks up the item under the cursor. Each keypress moves it one row, so the
// threshold is one row.
func (m *Model) beginGrab() {
	index := m.cursor
	if index >= m.activeCount() {
		index = -1
	}
	g := reorder.NewGesture(m.state.Items, m.state.Selected)
	g.Threshold = 1
	g.Begin(index, reorder.Point{Y: float64(m.cursor)})
	if !g.Active() {
		m.status = "completed items stay in place"
		return
	}
	m.gesture = g
	m.before = m.state.Items
	m.mode = modeGrab
}

func (m Model) updateGrab(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "up", "k", "down", "j":
		target := m.gesture.Index() + 1
		if s := msg.String(); s == "up" || s == "k" {
			target = m.gesture.Index() - 1
		}
		if order, changed := m.gesture.Hover(target, reorder.Point{Y: float64(target)}); changed {
			m.backend.Preview(m.state.Selected, order)
			m.cursor = target
			m.refresh()
		}
	case "enter", "g", " ":
		_, send := m.gesture.End()
		listID := m.state.Selected
		m.gesture, m.before = nil, nil
		m.mode = modeBrowse
		if !send {
			return m, nil
		}
		// the previewed order, including whatever arrived from other devices mid-drag
		order := model.ItemsOf(m.backend.View().State().Items, listID)
		return m, m.do(func(ctx context.Context) error { return m.backend.Reorder(ctx, listID, order) })
	case "esc":
		m.gesture.End()
		m.backend.Preview(m.state.Selected, model.ItemsOf(m.before, m.state.Selected))
		m.gesture, m.before = nil, nil
		m.mode = modeBrowse
		m.refresh()
	}
	return m, nil
}

// do runs a client call off the update loop and reports failures back as errMsg.
func (m Model) do(fn func(ctx context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		if err := fn(ctx); err != nil {
			return errMsg{err: err}
		}
		return stateMsg{}
	}
}

func (m Model) View() string {
	if m.mode == modeLogin {
		lines := []string{
			titleStyle.Render("familist"),
			"Enter the shared password to access your lists.",
			"",
			m.input.View(),
		}
		if m.err != "" {
			lines = append(lines, errorStyle.Render(m.err))
		}
		return panel(lines) + "\n"
	}

	var b strings.Builder
	conn := errorStyle.Render("○ offline")
	if m.state.Connected {
		conn = successStyle.Render("● live")
	}
	b.WriteString(titleStyle.Render("familist") + "  " + conn + "\n")

	tabs := make([]string, 0, len(m.state.Lists))
	for _, l := range m.state.Lists {
		if l.ID == m.state.Selected {
			tabs = append(tabs, activeTab.Render(l.Name))
		} else {
			tabs = append(tabs, tabStyle.Render(l.Name))
		}
	}
	if len(tabs) == 0 {
		tabs = append(tabs, mutedStyle.Render("no lists yet, press n to create one"))
	}
	b.WriteString(strings.Join(tabs, "") + "\n\n")

	rows := m.rows()
	active := m.activeCount()
	for i, it := range rows {
		if i == active {
			b.WriteString("\n" + mutedStyle.Render(fmt.Sprintf("Completed (%d)", len(rows)-active)) + "\n")
		}
		b.WriteString(m.renderRow(i, it) + "\n")
	}
	if len(rows) == 0 && m.state.Selected != "" {
		b.WriteString(mutedStyle.Render("nothing here, press a to add items") + "\n")
	}

	b.WriteString("\n")
	if m.mode == modeAddItem || m.mode == modeAddList {
		b.WriteString(m.input.View() + "\n")
	}
	if m.err != "" {
		b.WriteString(errorStyle.Render("✖ "+m.err) + "\n")
	} else if m.status != "" {
		b.WriteString(accentStyle.Render(m.status) + "\n")
	}
	help := "a add • x toggle • d delete • g grab • tab switch list • n new list • D delete list • L logout • q quit"
	if m.mode == modeGrab {
		help = "↑/↓ move • enter drop • esc cancel"
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func (m Model) renderRow(i int, it model.Item) string {
	box, text := mutedStyle.Render(boxUnchecked), it.Text
	if it.Completed {
		box, text = successStyle.Render(boxChecked), doneStyle.Render(it.Text)
	}
	prefix := "  "
	if i == m.cursor {
		prefix = selectedStyle.Render("> ")
		if m.mode == modeGrab {
			prefix = grabbedStyle.Render("≡ ")
		}
	}
	return prefix + box + " " + text
}
