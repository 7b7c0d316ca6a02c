package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/odedindi/Collaborative-Lists/pkg/auth"
	"github.com/odedindi/Collaborative-Lists/pkg/client"
	"github.com/odedindi/Collaborative-Lists/pkg/coordinator"
	"github.com/odedindi/Collaborative-Lists/pkg/model"
	"github.com/odedindi/Collaborative-Lists/pkg/protocol"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	serverVar := flag.String("server", "http://127.0.0.1:8080", "the server base url")
	listVar := flag.String("list", "", "the list id to open")
	emailVar := flag.String("email", "", "identity email")
	nameVar := flag.String("name", "", "display name, defaults to the email")
	cacheVar := flag.String("cache", "lists-cache.sqlite3", "local cache file, or none to disable")
	flag.Parse()
	if *listVar == "" || *emailVar == "" {
		return fmt.Errorf("both -list and -email are required")
	}
	name := *nameVar
	if name == "" {
		name = *emailVar
	}

	secret := os.Getenv("LISTS_TOKEN_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}
	token, err := auth.NewJWT([]byte(secret), 24*time.Hour).Issue(auth.Identity{
		Email: *emailVar,
		Name:  name,
		Color: coordinator.RandomColor(),
	})
	if err != nil {
		return err
	}

	var cache *client.Cache
	if *cacheVar != "none" {
		if cache, err = client.OpenCache(*cacheVar); err != nil {
			slog.Warn("continuing without local cache", "err", err)
		} else {
			defer cache.Close()
		}
	}

	var program *tea.Program
	send := func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	}
	lc, err := client.New(*serverVar, token, *listVar, cache, client.Handlers{
		OnChange:   func() { send(refreshMsg{}) },
		OnStatus:   func(s client.Status) { send(statusMsg(s)) },
		OnPresence: func(peers []protocol.Peer) { send(presenceMsg(peers)) },
		OnError:    func(message string) { send(errorMsg(message)) },
		OnText:     func(string, string, string, bool) { send(refreshMsg{}) },
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lc.Run(ctx)

	program = tea.NewProgram(newModel(lc), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("failed to run ui: %w", err)
	}
	return nil
}

type refreshMsg struct{}
type statusMsg client.Status
type presenceMsg []protocol.Peer
type errorMsg string

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	doneStyle   = lipgloss.NewStyle().Faint(true).Strikethrough(true)
	cursorStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	onlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
)

const (
	boxChecked   = "☑"
	boxUnchecked = "☐"
)

type uiModel struct {
	lc       *client.ListClient
	items    []model.Item
	cursor   int
	adding   bool
	input    textinput.Model
	status   client.Status
	presence []protocol.Peer
	lastErr  string
}

func newModel(lc *client.ListClient) uiModel {
	input := textinput.New()
	input.Prompt = "> "
	return uiModel{
		lc:     lc,
		items:  lc.Items(),
		input:  input,
		status: lc.Status(),
	}
}

func (m uiModel) Init() tea.Cmd { return nil }

func (m uiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case refreshMsg:
		m.items = m.lc.Items()
		if m.cursor >= len(m.items) {
			m.cursor = len(m.items) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, nil
	case statusMsg:
		m.status = client.Status(msg)
		return m, nil
	case presenceMsg:
		m.presence = msg
		return m, nil
	case errorMsg:
		m.lastErr = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.adding {
			return m.updateAdding(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c":
			m.lc.Close()
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.items)-1 {
				m.cursor++
			}
		case " ", "enter":
			if m.cursor < len(m.items) {
				item := m.items[m.cursor]
				_ = m.lc.Toggle(item.ID, !item.Checked)
			}
		case "d":
			if m.cursor < len(m.items) {
				_ = m.lc.Delete(m.items[m.cursor].ID)
			}
		case "c":
			_ = m.lc.ClearDone()
		case "a":
			m.adding = true
			m.lastErr = ""
			m.input.SetValue("")
			return m, m.input.Focus()
		}
	}
	return m, nil
}

func (m uiModel) updateAdding(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.adding = false
		m.input.Blur()
		return m, nil
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		m.adding = false
		m.input.Blur()
		if text != "" {
			_ = m.lc.AddItems(model.Item{Fields: map[string]interface{}{primaryField(m.lc.Schema()): text}})
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// primaryField picks the first text field of the schema as the one inline
// adds write to.
func primaryField(schema []model.Field) string {
	for _, f := range schema {
		if f.Type == model.FieldText {
			return f.ID
		}
	}
	return "item"
}

func (m uiModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Collaborative List"))
	b.WriteString("  " + mutedStyle.Render(string(m.status)))
	if len(m.presence) > 0 {
		names := make([]string, 0, len(m.presence))
		for _, p := range m.presence {
			names = append(names, p.Name)
		}
		b.WriteString("  " + onlineStyle.Render("online: "+strings.Join(names, ", ")))
	}
	b.WriteString("\n\n")
	for i, item := range m.items {
		box := boxUnchecked
		line := renderItem(m.lc, item)
		if item.Checked {
			box = boxChecked
			line = doneStyle.Render(line)
		}
		prefix := "  "
		if i == m.cursor && !m.adding {
			prefix = cursorStyle.Render("> ")
		}
		b.WriteString(fmt.Sprintf("%s%s %s\n", prefix, box, line))
	}
	if len(m.items) == 0 {
		b.WriteString(mutedStyle.Render("  nothing here yet\n"))
	}
	if m.adding {
		b.WriteString("\n" + m.input.View() + "\n")
	}
	if m.lastErr != "" {
		b.WriteString("\n" + errorStyle.Render(m.lastErr) + "\n")
	}
	b.WriteString("\n" + mutedStyle.Render("a add · space toggle · d delete · c clear done · q quit") + "\n")
	return b.String()
}

// renderItem joins the item's field values in schema order, preferring the
// collaborative text value when one exists.
func renderItem(lc *client.ListClient, item model.Item) string {
	var parts []string
	for _, f := range lc.Schema() {
		if f.Type == model.FieldText {
			if v, err := lc.TextValue(item.ID, f.ID); err == nil && v != "" {
				parts = append(parts, v)
				continue
			}
		}
		if v, ok := item.Fields[f.ID]; ok {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	if len(parts) == 0 {
		for _, v := range item.Fields {
			parts = append(parts, fmt.Sprintf("%v", v))
		}
	}
	return strings.Join(parts, "  ")
}
