// jim-client is a terminal client for the JIM message processor.
//
// Screens
// -------
//   stateLogin    – centered account/password form; drives the handshake.
//   stateChat     – full-screen conversation with the currently selected
//                   destination, plus a scrollable message viewport.
//   stateContacts – Ctrl+F overlay: view contacts/all registered users, add
//                   or remove a contact, or pick a new destination.
//
// Concurrency
// -----------
//   internal/client.Transport owns the socket and runs its own reader
//   worker. Three goroutines bridge its channels (NewMessage,
//   ConnectionLost, RosterInvalidated) into Bubbletea messages, the same
//   channel→tea.Cmd bridge pattern as the original reader-goroutine design,
//   generalized from one channel to three.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"jimchat/internal/client"
	"jimchat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")
	teal   = lipgloss.Color("30")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	contactsHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Background(teal).
				Foreground(white).
				Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	labelStyle = lipgloss.NewStyle().
			Foreground(gray).
			Width(10)

	focusedLabelStyle = lipgloss.NewStyle().
				Foreground(cyan).
				Width(10)

	hintStyle = lipgloss.NewStyle().
			Foreground(gray).
			Italic(true)

	successStyle = lipgloss.NewStyle().Foreground(green)
	errorStyle   = lipgloss.NewStyle().Foreground(red)
	sysStyle     = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle      = lipgloss.NewStyle().Foreground(gray)
	myNameStyle  = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle    = lipgloss.NewStyle().Bold(true).Foreground(blue)
	divStyle     = lipgloss.NewStyle().Foreground(gray)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type incomingMsg protocol.MessageFrame
type rosterStaleMsg struct{}
type connLostMsg struct{}
type loginResultMsg struct{ err error }
type contactsResultMsg struct {
	names []string
	err   error
}
type usersResultMsg struct {
	names []string
	err   error
}
type actionResultMsg struct {
	label string
	err   error
}

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateLogin appState = iota
	stateChat
	stateContacts
)

type model struct {
	tr   *client.Transport
	addr string

	state appState
	me    string

	loginFocus  int
	loginFields [2]textinput.Model // [0]=account [1]=password
	statusMsg   string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string
	dest      string // currently selected destination account

	contactsFocus  int
	contactsInput  textinput.Model // account name for add/remove
	contacts       []string
	allUsers       []string
	contactsStatus string

	width, height int
}

func newModel(tr *client.Transport, addr string) model {
	af := textinput.New()
	af.Placeholder = "account name"
	af.Focus()
	af.CharLimit = 32
	af.Width = 32

	pf := textinput.New()
	pf.Placeholder = "password"
	pf.EchoMode = textinput.EchoPassword
	pf.EchoCharacter = '•'
	pf.CharLimit = 64
	pf.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 1000 - 200 // leave room for envelope fields under MaxFrameSize

	cf := textinput.New()
	cf.Placeholder = "account name"
	cf.CharLimit = 32
	cf.Width = 32

	return model{
		tr:            tr,
		addr:          addr,
		state:         stateLogin,
		loginFields:   [2]textinput.Model{af, pf},
		chatInput:     ci,
		contactsInput: cf,
	}
}

// ---------------------------------------------------------------------------
// Tea interface – Init
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

// ---------------------------------------------------------------------------
// Tea interface – Update
// ---------------------------------------------------------------------------

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case incomingMsg:
		ts := tsStyle.Render("[" + parseTimeLabel(msg.Time) + "]")
		m.appendChat(ts + " " + peerStyle.Render(msg.Sender) + ": " + msg.Text)
		return m, waitForIncoming(m.tr)

	case rosterStaleMsg:
		m.appendChat(sysStyle.Render("⚡ roster changed, refreshing contacts and users"))
		return m, tea.Batch(waitForRosterChange(m.tr), refreshContacts(m.tr), refreshUsers(m.tr))

	case connLostMsg:
		m.statusMsg = "connection to server lost"
		return m, tea.Quit

	case loginResultMsg:
		if msg.err != nil {
			m.statusMsg = msg.err.Error()
			return m, nil
		}
		m.me = strings.TrimSpace(m.loginFields[0].Value())
		m.state = stateChat
		m.chatInput.Focus()
		return m, tea.Batch(waitForIncoming(m.tr), waitForRosterChange(m.tr), waitForConnLost(m.tr), refreshContacts(m.tr), refreshUsers(m.tr))

	case contactsResultMsg:
		if msg.err == nil {
			m.contacts = msg.names
		}
		return m, nil

	case usersResultMsg:
		if msg.err == nil {
			m.allUsers = msg.names
		}
		return m, nil

	case actionResultMsg:
		if msg.err != nil {
			m.contactsStatus = errorStyle.Render(msg.label + ": " + msg.err.Error())
		} else {
			m.contactsStatus = successStyle.Render(msg.label + ": ok")
		}
		return m, tea.Batch(refreshContacts(m.tr), refreshUsers(m.tr))

	case tea.KeyMsg:
		switch m.state {
		case stateLogin:
			return m.handleLoginKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		case stateContacts:
			return m.handleContactsKey(msg)
		}
	}
	return m, nil
}

func (m model) vpHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleLoginKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyTab, tea.KeyShiftTab:
		m.loginFocus = (m.loginFocus + 1) % 2
		for i := range m.loginFields {
			if i == m.loginFocus {
				m.loginFields[i].Focus()
			} else {
				m.loginFields[i].Blur()
			}
		}
		return m, textinput.Blink

	case tea.KeyEnter:
		account := strings.TrimSpace(m.loginFields[0].Value())
		password := m.loginFields[1].Value()
		if account == "" || password == "" {
			m.statusMsg = "account and password are required"
			return m, nil
		}
		m.statusMsg = "Authenticating…"
		return m, doLogin(m.tr, account, password)
	}

	var cmd tea.Cmd
	m.loginFields[m.loginFocus], cmd = m.loginFields[m.loginFocus].Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		m.tr.Shutdown()
		return m, tea.Quit

	case tea.KeyCtrlF:
		m.state = stateContacts
		m.contactsStatus = ""
		m.contactsFocus = 0
		m.contactsInput.Focus()
		return m, textinput.Blink

	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput.Value())
		if text == "" {
			return m, nil
		}
		if m.dest == "" {
			m.appendChat(errorStyle.Render("⚠ select a destination first (Ctrl+F)"))
			return m, nil
		}
		m.chatInput.Reset()
		return m, sendMessage(m.tr, m.dest, text)

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

func (m model) handleContactsKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		m.tr.Shutdown()
		return m, tea.Quit

	case tea.KeyEsc:
		m.state = stateChat
		m.chatInput.Focus()
		return m, textinput.Blink

	case tea.KeyEnter:
		name := strings.TrimSpace(m.contactsInput.Value())
		if name == "" {
			return m, nil
		}
		m.dest = name
		m.contactsStatus = successStyle.Render("destination set to " + name)
		return m, nil
	}

	switch msg.String() {
	case "a":
		name := strings.TrimSpace(m.contactsInput.Value())
		if name == "" {
			return m, nil
		}
		return m, addContact(m.tr, name)
	case "r":
		name := strings.TrimSpace(m.contactsInput.Value())
		if name == "" {
			return m, nil
		}
		return m, removeContact(m.tr, name)
	}

	var cmd tea.Cmd
	m.contactsInput, cmd = m.contactsInput.Update(msg)
	return m, cmd
}

// ---------------------------------------------------------------------------
// Tea interface – View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateLogin:
		return m.viewLogin()
	case stateChat:
		return m.viewChat()
	case stateContacts:
		return m.viewContacts()
	}
	return ""
}

func (m model) viewLogin() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}

	title := titleStyle.Render("  JIM Terminal  ")

	renderField := func(label string, f textinput.Model, focused bool) string {
		var lbl string
		if focused {
			lbl = focusedLabelStyle.Render(label)
		} else {
			lbl = labelStyle.Render(label)
		}
		return lbl + "  " + f.View()
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		title,
		"",
		renderField("Account", m.loginFields[0], m.loginFocus == 0),
		renderField("Password", m.loginFields[1], m.loginFocus == 1),
		"",
		hintStyle.Render("Tab: switch field   Enter: log in   Ctrl+C: quit"),
		"",
		m.renderStatus(),
	)

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	dest := m.dest
	if dest == "" {
		dest = "(none selected)"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" JIM  ·  %s → %s  ·  Ctrl+F: Contacts  PgUp/Dn: Scroll  Ctrl+C: Quit", m.me, dest))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func (m model) viewContacts() string {
	if m.width == 0 {
		return "\n  Loading…"
	}

	hdr := contactsHeaderStyle.
		Width(m.width).
		Render(" Contacts  ·  Esc: return to chat  Ctrl+C: quit")

	input := "  " + labelStyle.Render("Account") + "  " + m.contactsInput.View()
	keyHint := hintStyle.Render("  Enter: set as destination   a: add contact   r: remove contact")
	div := divStyle.Render(strings.Repeat("─", m.width))

	var lines []string
	if m.contactsStatus != "" {
		lines = append(lines, "  "+m.contactsStatus, "")
	}
	lines = append(lines, "  "+labelStyle.Render("Contacts")+"  "+strings.Join(m.contacts, ", "))
	lines = append(lines, "  "+labelStyle.Render("All users")+"  "+strings.Join(m.allUsers, ", "))

	parts := []string{hdr, "", input, "", keyHint, div}
	parts = append(parts, lines...)
	return strings.Join(parts, "\n")
}

func (m model) renderStatus() string {
	if m.statusMsg == "" {
		return ""
	}
	if strings.Contains(m.statusMsg, "Authenticating") {
		return hintStyle.Render(m.statusMsg)
	}
	return errorStyle.Render(m.statusMsg)
}

func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// Commands – bridge internal/client.Transport into Bubbletea messages
// ---------------------------------------------------------------------------

func doLogin(tr *client.Transport, account, password string) tea.Cmd {
	return func() tea.Msg {
		return loginResultMsg{err: tr.Login(account, password, "")}
	}
}

func sendMessage(tr *client.Transport, dest, text string) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{label: "send", err: tr.SendMessage(dest, text)}
	}
}

func addContact(tr *client.Transport, name string) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{label: "add contact", err: tr.AddContact(name)}
	}
}

func removeContact(tr *client.Transport, name string) tea.Cmd {
	return func() tea.Msg {
		return actionResultMsg{label: "remove contact", err: tr.RemoveContact(name)}
	}
}

func refreshContacts(tr *client.Transport) tea.Cmd {
	return func() tea.Msg {
		names, err := tr.ContactsListUpdate()
		return contactsResultMsg{names: names, err: err}
	}
}

func refreshUsers(tr *client.Transport) tea.Cmd {
	return func() tea.Msg {
		names, err := tr.UserListUpdate()
		return usersResultMsg{names: names, err: err}
	}
}

func waitForIncoming(tr *client.Transport) tea.Cmd {
	return func() tea.Msg {
		frame, ok := <-tr.NewMessage
		if !ok {
			return connLostMsg{}
		}
		return incomingMsg(frame)
	}
}

func waitForRosterChange(tr *client.Transport) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-tr.RosterInvalidated; !ok {
			return connLostMsg{}
		}
		return rosterStaleMsg{}
	}
}

func waitForConnLost(tr *client.Transport) tea.Cmd {
	return func() tea.Msg {
		<-tr.ConnectionLost
		return connLostMsg{}
	}
}

func parseTimeLabel(stamp string) string {
	t, err := time.Parse(time.RFC3339, stamp)
	if err != nil {
		return stamp
	}
	return t.Local().Format("15:04:05")
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "localhost:7777", "server address")
	flag.Parse()

	tr, err := client.Dial(*addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}

	p := tea.NewProgram(
		newModel(tr, *addr),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
