// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package chatui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/chatsync/lib/conversation"
	"github.com/bureau-foundation/chatsync/lib/coordinator"
	"github.com/bureau-foundation/chatsync/lib/history"
	"github.com/bureau-foundation/chatsync/lib/scroll"
	"github.com/bureau-foundation/chatsync/messaging"
)

// Coordinator is the part of *coordinator.Coordinator the client
// drives.
type Coordinator interface {
	Open(ctx context.Context, conversationID string) (*conversation.Session, error)
	Minimize(conversationID string) error
	Close(ctx context.Context, conversationID string) error
	Session(conversationID string) (*conversation.Session, bool)
	Focused() string
	Conversations() []coordinator.Entry
	Windows() []coordinator.Window
}

// FocusRegion identifies which pane has keyboard focus.
type FocusRegion int

const (
	FocusSidebar FocusRegion = iota
	FocusComposer
)

const (
	sidebarWidth = 30
	// Window bar, pane title, composer and status bar.
	chromeLines = 4
)

// Config holds Model parameters. Coordinator and User are required.
type Config struct {
	Coordinator Coordinator
	Mode        coordinator.Mode
	User        messaging.User

	// Context bounds every network call made on the user's behalf.
	// Nil selects context.Background().
	Context context.Context

	Theme *Theme
	Keys  *KeyMap
}

// actionResultMsg reports the outcome of a command run off the update
// loop.
type actionResultMsg struct {
	action string
	err    error
}

// openedMsg arrives once Coordinator.Open returns, including its
// first page load.
type openedMsg struct {
	conversationID string
	err            error
}

type statusFadeMsg struct {
	sequence int
}

// Model is the top-level bubbletea model.
type Model struct {
	ctx         context.Context
	coordinator Coordinator
	mode        coordinator.Mode
	user        messaging.User
	theme       Theme
	keys        KeyMap

	width  int
	height int
	ready  bool

	focus FocusRegion

	entries       []coordinator.Entry
	windows       []coordinator.Window
	cursor        int
	sidebarOffset int

	// active is the conversation shown in the message pane. opening
	// is set from the keypress until Coordinator.Open returns.
	active   string
	opening  string
	viewport viewport.Model
	composer textinput.Model

	// heights remembers each conversation's rendered line count, the
	// "before" measurement for its next mutation.
	heights map[string]int

	status         string
	statusLevel    slog.Level
	statusSequence int
}

// NewModel creates a Model. Call Init through tea.NewProgram.
func NewModel(config Config) Model {
	ctx := config.Context
	if ctx == nil {
		ctx = context.Background()
	}
	theme := DefaultTheme
	if config.Theme != nil {
		theme = *config.Theme
	}
	keys := DefaultKeyMap
	if config.Keys != nil {
		keys = *config.Keys
	}

	composer := textinput.New()
	composer.Placeholder = "Message"
	composer.Prompt = "> "
	composer.CharLimit = 4000

	model := Model{
		ctx:         ctx,
		coordinator: config.Coordinator,
		mode:        config.Mode,
		user:        config.User,
		theme:       theme,
		keys:        keys,
		composer:    composer,
		heights:     make(map[string]int),
	}
	model.refreshDirectory()
	return model
}

// Init implements tea.Model.
func (model Model) Init() tea.Cmd {
	return textinput.Blink
}

// Active returns the conversation shown in the message pane.
func (model Model) Active() string { return model.active }

// Focus returns the pane with keyboard focus.
func (model Model) Focus() FocusRegion { return model.focus }

// Update implements tea.Model.
func (model Model) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.KeyMsg:
		return model.handleKey(message)

	case tea.MouseMsg:
		if model.active == "" {
			return model, nil
		}
		var cmd tea.Cmd
		model.viewport, cmd = model.viewport.Update(message)
		return model, tea.Batch(cmd, model.userScrolled())

	case tea.WindowSizeMsg:
		model.width = message.Width
		model.height = message.Height
		model.ready = true
		model.layout()

	case UpdateMsg:
		model.handleUpdate(message.Update)

	case ChangedMsg:
		model.refreshDirectory()

	case openedMsg:
		if model.opening == message.conversationID {
			model.opening = ""
		}
		model.refreshDirectory()
		if message.err != nil && !quietError(message.err) {
			return model, model.setStatus(fmt.Sprintf("open %s: %v", message.conversationID, message.err), slog.LevelError)
		}

	case actionResultMsg:
		if message.err != nil && !quietError(message.err) {
			return model, model.setStatus(fmt.Sprintf("%s: %v", message.action, message.err), slog.LevelError)
		}

	case logRecordMsg:
		return model, model.setStatus(message.Summary, message.Level)

	case statusFadeMsg:
		if message.sequence == model.statusSequence {
			model.status = ""
		}
	}
	return model, nil
}

// quietError reports errors the user does not need to see: pressing
// PageUp twice, or at the start of history.
func quietError(err error) bool {
	return errors.Is(err, history.ErrLoadInProgress) || errors.Is(err, history.ErrNoMoreHistory)
}

func (model *Model) setStatus(text string, level slog.Level) tea.Cmd {
	model.statusSequence++
	model.status = text
	model.statusLevel = level
	sequence := model.statusSequence
	return tea.Tick(statusFadeDelay, func(time.Time) tea.Msg {
		return statusFadeMsg{sequence: sequence}
	})
}

func (model Model) handleKey(message tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(message, model.keys.Quit):
		return model, tea.Quit

	case key.Matches(message, model.keys.FocusToggle):
		if model.focus == FocusSidebar && model.active != "" {
			model.focus = FocusComposer
			return model, model.composer.Focus()
		}
		model.focus = FocusSidebar
		model.composer.Blur()
		return model, nil

	case key.Matches(message, model.keys.NextWindow):
		return model, model.cycleWindow(1)

	case key.Matches(message, model.keys.PreviousWindow):
		return model, model.cycleWindow(-1)

	case key.Matches(message, model.keys.Minimize):
		return model, model.minimize()

	case key.Matches(message, model.keys.CloseWindow):
		return model, model.closeActive()

	case key.Matches(message, model.keys.PageUp):
		return model, model.pageUp()

	case key.Matches(message, model.keys.PageDown):
		model.viewport.HalfViewDown()
		return model, model.userScrolled()

	case key.Matches(message, model.keys.Bottom):
		model.viewport.GotoBottom()
		return model, model.userScrolled()
	}

	if model.focus == FocusSidebar {
		switch {
		case key.Matches(message, model.keys.Up):
			model.moveCursor(-1)
		case key.Matches(message, model.keys.Down):
			model.moveCursor(1)
		case key.Matches(message, model.keys.Open):
			if model.cursor < len(model.entries) {
				return model, model.open(model.entries[model.cursor].ID)
			}
		}
		return model, nil
	}

	if key.Matches(message, model.keys.Send) {
		text := strings.TrimSpace(model.composer.Value())
		model.composer.Reset()
		return model, model.submit(text)
	}
	var cmd tea.Cmd
	model.composer, cmd = model.composer.Update(message)
	return model, cmd
}

func (model *Model) moveCursor(delta int) {
	model.cursor += delta
	model.cursor = max(0, min(model.cursor, len(model.entries)-1))
	visible := max(1, (model.height-chromeLines)/2)
	if model.cursor < model.sidebarOffset {
		model.sidebarOffset = model.cursor
	}
	if model.cursor >= model.sidebarOffset+visible {
		model.sidebarOffset = model.cursor - visible + 1
	}
}

// open shows a conversation in the pane and asks the coordinator to
// open (or surface) its window.
func (model *Model) open(conversationID string) tea.Cmd {
	model.active = conversationID
	model.focus = FocusComposer
	model.showActive()
	model.opening = conversationID
	ctx, backend := model.ctx, model.coordinator
	return tea.Batch(model.composer.Focus(), func() tea.Msg {
		_, err := backend.Open(ctx, conversationID)
		return openedMsg{conversationID: conversationID, err: err}
	})
}

func (model *Model) cycleWindow(delta int) tea.Cmd {
	if len(model.windows) == 0 {
		return nil
	}
	position := 0
	for index, window := range model.windows {
		if window.ConversationID == model.active {
			position = index
		}
	}
	next := (position + delta + len(model.windows)) % len(model.windows)
	return model.open(model.windows[next].ConversationID)
}

func (model *Model) minimize() tea.Cmd {
	conversationID := model.active
	if conversationID == "" {
		return nil
	}
	backend := model.coordinator
	return func() tea.Msg {
		return actionResultMsg{action: "minimize", err: backend.Minimize(conversationID)}
	}
}

func (model *Model) closeActive() tea.Cmd {
	conversationID := model.active
	if conversationID == "" {
		return nil
	}
	ctx, backend := model.ctx, model.coordinator
	return func() tea.Msg {
		return actionResultMsg{action: "close", err: backend.Close(ctx, conversationID)}
	}
}

// pageUp scrolls toward older messages, loading the next page once
// the top is reached.
func (model *Model) pageUp() tea.Cmd {
	if !model.viewport.AtTop() {
		model.viewport.HalfViewUp()
	}
	return model.userScrolled()
}

// userScrolled reports the new offset to the anchor and starts a
// history load when the top of a conversation with more pages is in
// view.
func (model *Model) userScrolled() tea.Cmd {
	session, ok := model.coordinator.Session(model.active)
	if !ok {
		return nil
	}
	model.reportScroll(session.Anchor())
	if !model.viewport.AtTop() || !session.HasMore() || session.Loading() {
		return nil
	}
	ctx := model.ctx
	return func() tea.Msg {
		return actionResultMsg{action: "load history", err: session.LoadMore(ctx)}
	}
}

// submit sends composer text. "/attach PATH" uploads a file, "/edit
// TEXT" replaces and "/delete" removes the user's newest message.
func (model *Model) submit(text string) tea.Cmd {
	if text == "" || model.active == "" {
		return nil
	}
	session, ok := model.coordinator.Session(model.active)
	if !ok {
		return nil
	}
	ctx := model.ctx

	command, argument, _ := strings.Cut(text, " ")
	argument = strings.TrimSpace(argument)
	switch command {
	case "/attach":
		return func() tea.Msg {
			return actionResultMsg{action: "attach", err: attach(ctx, session, argument)}
		}
	case "/edit", "/delete":
		target, found := lastOwn(session.Messages(), model.user.ID)
		if !found {
			return model.setStatus("no message of yours to "+command[1:], slog.LevelWarn)
		}
		if command == "/edit" {
			return func() tea.Msg {
				return actionResultMsg{action: "edit", err: session.Edit(ctx, target.ID, argument)}
			}
		}
		return func() tea.Msg {
			return actionResultMsg{action: "delete", err: session.Delete(ctx, target.ID)}
		}
	}
	return func() tea.Msg {
		_, err := session.Send(ctx, text)
		return actionResultMsg{action: "send", err: err}
	}
}

func attach(ctx context.Context, session *conversation.Session, path string) error {
	if path == "" {
		return errors.New("usage: /attach PATH")
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err = session.SendFile(ctx, filepath.Base(path), contentType, file)
	return err
}

// lastOwn finds the user's newest confirmed message.
func lastOwn(messages []messaging.Message, userID string) (messaging.Message, bool) {
	for index := len(messages) - 1; index >= 0; index-- {
		if messages[index].IsOwn(userID) && !messages[index].Pending() {
			return messages[index], true
		}
	}
	return messaging.Message{}, false
}

// handleUpdate renders the changed conversation, measures it, and
// applies the anchor's decision. Conversations not in the pane still
// go through their anchor so their scroll state is right when shown.
func (model *Model) handleUpdate(update conversation.Update) {
	session, ok := model.coordinator.Session(update.ConversationID)
	if !ok {
		return
	}
	anchor := session.Anchor()
	content := model.render(session)
	oldHeight := model.heights[update.ConversationID]

	if update.ConversationID != model.active {
		newHeight := len(strings.Split(content, "\n"))
		model.heights[update.ConversationID] = newHeight
		anchor.Resize(model.viewport.Height)
		anchor.OnMutation(scroll.Mutation{
			Kind:             update.Mutation,
			OldContentHeight: oldHeight,
			NewContentHeight: newHeight,
			OwnMessage:       update.OwnMessage,
			Intent:           update.Intent,
		})
		return
	}

	model.viewport.SetContent(content)
	newHeight := model.viewport.TotalLineCount()
	model.heights[update.ConversationID] = newHeight
	decision := anchor.OnMutation(scroll.Mutation{
		Kind:             update.Mutation,
		OldContentHeight: oldHeight,
		NewContentHeight: newHeight,
		OwnMessage:       update.OwnMessage,
		Intent:           update.Intent,
	})
	switch decision.Action {
	case scroll.ActionJumpToBottom, scroll.ActionScrollToBottom:
		model.viewport.GotoBottom()
	default:
		model.viewport.SetYOffset(decision.ScrollTop)
	}
	model.reportScroll(anchor)
}

func (model *Model) reportScroll(anchor *scroll.Controller) {
	anchor.OnScroll(scroll.Viewport{
		ScrollTop:     model.viewport.YOffset,
		ClientHeight:  model.viewport.Height,
		ContentHeight: model.viewport.TotalLineCount(),
	})
}

func (model *Model) render(session *conversation.Session) string {
	return renderMessages(session.Messages(), model.user.ID, model.viewport.Width, model.theme)
}

// refreshDirectory re-reads windows and conversations, and follows
// the coordinator's focus when the pane's window went away or was
// minimized.
func (model *Model) refreshDirectory() {
	if model.coordinator == nil {
		return
	}
	model.entries = model.coordinator.Conversations()
	model.windows = model.coordinator.Windows()
	model.cursor = max(0, min(model.cursor, len(model.entries)-1))

	if model.active != "" && model.windowState(model.active) != coordinator.Open {
		model.active = model.coordinator.Focused()
		if model.active == "" {
			model.focus = FocusSidebar
			model.composer.Blur()
		}
		model.showActive()
	} else if model.active == "" {
		if focused := model.coordinator.Focused(); focused != "" {
			model.active = focused
			model.showActive()
		}
	}
}

// windowState treats a conversation that is being opened (selected in
// the sidebar but not yet in the window list) as open.
func (model *Model) windowState(conversationID string) coordinator.WindowState {
	if conversationID == model.opening {
		return coordinator.Open
	}
	for _, window := range model.windows {
		if window.ConversationID == conversationID {
			return window.State
		}
	}
	if _, ok := model.coordinator.Session(conversationID); ok {
		return coordinator.Open
	}
	return coordinator.Closed
}

// showActive puts the active conversation in the pane at the offset
// its anchor last recorded.
func (model *Model) showActive() {
	if model.active == "" {
		model.viewport.SetContent("")
		return
	}
	session, ok := model.coordinator.Session(model.active)
	if !ok {
		model.viewport.SetContent("")
		return
	}
	anchor := session.Anchor()
	model.viewport.SetContent(model.render(session))
	model.heights[model.active] = model.viewport.TotalLineCount()
	anchor.Resize(model.viewport.Height)
	if anchor.NearBottom() {
		model.viewport.GotoBottom()
	} else {
		model.viewport.SetYOffset(anchor.Viewport().ScrollTop)
	}
	model.reportScroll(anchor)
}

func (model *Model) layout() {
	mainWidth := max(20, model.width-sidebarWidth-1)
	model.viewport.Width = mainWidth
	model.viewport.Height = max(1, model.height-chromeLines)
	model.composer.Width = mainWidth - len(model.composer.Prompt) - 1
	// Wrapping depends on width, so every height is stale.
	clear(model.heights)
	model.showActive()
}

// View implements tea.Model.
func (model Model) View() string {
	if !model.ready {
		return "Loading..."
	}
	bodyHeight := max(1, model.height-2)

	sidebar := renderSidebar(model.entries, model.cursor, model.sidebarOffset,
		sidebarWidth, bodyHeight, model.focus == FocusSidebar, model.theme)
	divider := lipgloss.NewStyle().
		Foreground(model.theme.BorderColor).
		Render(strings.TrimSuffix(strings.Repeat("│\n", bodyHeight), "\n"))

	main := lipgloss.JoinVertical(lipgloss.Left,
		model.paneTitle(),
		lipgloss.NewStyle().Height(model.viewport.Height).Render(model.viewport.View()),
		model.composer.View(),
	)

	return lipgloss.JoinVertical(lipgloss.Left,
		model.topBar(),
		lipgloss.JoinHorizontal(lipgloss.Top, sidebar, divider, main),
		model.statusBar(),
	)
}

func (model Model) topBar() string {
	if model.mode == coordinator.ModeWidget {
		return renderWindowBar(model.windows, model.active, model.width, model.theme)
	}
	header := lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true)
	return header.Render(fmt.Sprintf("chatsync · inbox · %d conversations", len(model.entries)))
}

func (model Model) paneTitle() string {
	style := lipgloss.NewStyle().Foreground(model.theme.HeaderForeground).Bold(true)
	if model.active == "" {
		return style.Render("Select a conversation")
	}
	name := model.active
	for _, entry := range model.entries {
		if entry.ID == model.active && entry.Name != "" {
			name = entry.Name
		}
	}
	title := style.Render(name)
	if session, ok := model.coordinator.Session(model.active); ok {
		faint := lipgloss.NewStyle().Foreground(model.theme.FaintText)
		switch {
		case session.Loading():
			title += faint.Render("  loading history…")
		case len(session.Pending()) > 0:
			title += faint.Render(fmt.Sprintf("  sending %d…", len(session.Pending())))
		}
	}
	return title
}

func (model Model) statusBar() string {
	if model.status != "" {
		color := model.theme.NormalText
		switch {
		case model.statusLevel >= slog.LevelError:
			color = model.theme.ErrorText
		case model.statusLevel >= slog.LevelWarn:
			color = model.theme.WarnText
		}
		return lipgloss.NewStyle().Foreground(color).Render(model.status)
	}
	help := []key.Binding{model.keys.FocusToggle, model.keys.PageUp, model.keys.CloseWindow, model.keys.Quit}
	if model.mode == coordinator.ModeWidget {
		help = append(help, model.keys.NextWindow, model.keys.Minimize)
	}
	var parts []string
	for _, binding := range help {
		parts = append(parts, binding.Help().Key+" "+binding.Help().Desc)
	}
	return lipgloss.NewStyle().Foreground(model.theme.HelpText).Render(strings.Join(parts, " · "))
}
