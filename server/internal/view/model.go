package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatsync/server/internal/collection"
	"chatsync/server/internal/model"
)

const actionTimeout = 15 * time.Second

type (
	snapshotMsg collection.Snapshot
	noticeMsg   collection.Notice
	closedMsg   struct{}
	resultMsg   struct {
		what string
		err  error
	}
)

// Model 是挂在一个句柄上的 bubbletea 界面。快照由事件循环推来，界面只读。
type Model struct {
	handle   *collection.Handle
	title    string
	inverted bool
	styles   Styles

	snaps       chan collection.Snapshot
	unsubscribe func()

	snap   collection.Snapshot
	input  textinput.Model
	width  int
	height int
	status string
	gone   bool
}

func New(h *collection.Handle, title string) *Model {
	in := textinput.New()
	in.Placeholder = "Type and press enter"
	in.Prompt = "> "
	in.CharLimit = 2000
	in.Focus()

	m := &Model{
		handle:   h,
		title:    title,
		inverted: h.Config().Inverted,
		styles:   DefaultStyles(),
		snaps:    make(chan collection.Snapshot, 1),
		snap:     h.Snapshot(),
		input:    in,
	}
	m.unsubscribe = h.Subscribe(m.offer)
	return m
}

// offer 在事件循环上被调用，不能阻塞：只保留最新的一份快照。
func (m *Model) offer(s collection.Snapshot) {
	for {
		select {
		case m.snaps <- s:
			return
		default:
		}
		select {
		case <-m.snaps:
		default:
		}
	}
}

func waitForSnapshot(ch <-chan collection.Snapshot, done <-chan struct{}) tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-ch:
			return snapshotMsg(s)
		case <-done:
			return closedMsg{}
		}
	}
}

func waitForNotice(ch <-chan collection.Notice) tea.Cmd {
	return func() tea.Msg {
		n, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return noticeMsg(n)
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForSnapshot(m.snaps, m.handle.Done()),
		waitForNotice(m.handle.Notices()),
	)
}

func (m *Model) run(what string, fn func(ctx context.Context) error) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return resultMsg{what: what, err: fn(ctx)}
	}
}

func (m *Model) loadMore(dir model.Direction) tea.Cmd {
	return m.run("load "+string(dir), func(ctx context.Context) error {
		_, err := m.handle.LoadMore(ctx, dir)
		return err
	})
}

// firstFailed 返回最早的一条 failed 条目。
func (m *Model) firstFailed() (model.Item, bool) {
	for _, it := range m.snap.Items {
		if it.Status == model.StatusFailed {
			return it, true
		}
	}
	return model.Item{}, false
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case snapshotMsg:
		s := collection.Snapshot(msg)
		if s.Version >= m.snap.Version {
			m.snap = s
		}
		return m, waitForSnapshot(m.snaps, m.handle.Done())

	case noticeMsg:
		switch msg.Kind {
		case collection.NoticeNavigateAway:
			m.gone = true
			m.status = fmt.Sprintf("no longer available: %v (press q to quit)", msg.Err)
		case collection.NoticeResynced:
			m.status = "resynced"
		}
		return m, waitForNotice(m.handle.Notices())

	case closedMsg:
		m.snap = m.handle.Snapshot()
		return m, nil

	case resultMsg:
		switch {
		case msg.err == nil:
			m.status = ""
		case errors.Is(msg.err, collection.ErrNoMoreData):
			m.status = "nothing more to load"
		case errors.Is(msg.err, collection.ErrInProgress):
			m.status = "busy, try again"
		default:
			m.status = msg.what + ": " + msg.err.Error()
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		return m, m.quit()
	case "q":
		if m.gone {
			return m, m.quit()
		}
	case "pgup", "ctrl+u":
		return m, m.loadMore(model.Backward)
	case "pgdown", "ctrl+d":
		return m, m.loadMore(model.Forward)
	case "ctrl+r":
		if it, ok := m.firstFailed(); ok {
			return m, m.run("retry", func(ctx context.Context) error {
				_, err := m.handle.Retry(ctx, it.RequestID)
				return err
			})
		}
		return m, nil
	case "ctrl+x":
		if it, ok := m.firstFailed(); ok {
			return m, m.run("discard", func(context.Context) error {
				return m.handle.Discard(it.RequestID)
			})
		}
		return m, nil
	case "enter":
		text := m.input.Value()
		if text == "" || m.gone {
			return m, nil
		}
		m.input.Reset()
		return m, m.run("send", func(ctx context.Context) error {
			_, err := m.handle.Submit(ctx, text)
			return err
		})
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) quit() tea.Cmd {
	m.unsubscribe()
	return tea.Quit
}

func (m *Model) View() string {
	body := Render(m.snap, Frame{
		Title:    m.title,
		Width:    m.width,
		Height:   m.height - 2,
		Inverted: m.inverted,
		Status:   m.status,
	}, m.styles)
	help := m.styles.Help.Render("enter send · pgup/pgdn load · ctrl+r retry · ctrl+x discard · esc quit")
	return body + "\n" + m.input.View() + "\n" + help
}
