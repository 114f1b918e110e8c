package view

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/internal/collection"
	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

func attach(t *testing.T, src source.Source) *collection.Handle {
	t.Helper()
	h, err := collection.NewConsumer(nil, collection.Options{}).Attach(context.Background(), src, collection.Config{Inverted: true})
	require.NoError(t, err)
	t.Cleanup(h.Detach)
	return h
}

func typeText(m *Model, text string) {
	for _, r := range text {
		m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
}

// run 在超时保护下执行一个命令。
func run(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	require.NotNil(t, cmd)
	done := make(chan tea.Msg, 1)
	go func() { done <- cmd() }()
	select {
	case msg := <-done:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("command did not return")
		return nil
	}
}

func TestModelSubmitsAndRendersSnapshots(t *testing.T) {
	ctx := context.Background()
	mem := source.NewMemorySource("chan", nil)
	_, err := mem.Add(ctx, model.Item{Sender: "bob", Text: "hello"})
	require.NoError(t, err)

	h := attach(t, mem)
	m := New(h, "general")
	assert.Contains(t, m.View(), "bob: hello")

	typeText(m, "hi bob")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	msg := run(t, cmd)
	require.Equal(t, resultMsg{what: "send"}, msg)
	m.Update(msg)
	assert.Empty(t, m.input.Value())

	snapMsg := run(t, waitForSnapshot(m.snaps, h.Done()))
	m.Update(snapMsg)
	require.Eventually(t, func() bool {
		select {
		case s := <-m.snaps:
			m.Update(snapshotMsg(s))
		default:
		}
		return len(m.snap.Items) == 2 && m.snap.Pending == 0 && m.snap.Items[0].Text == "hi bob"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, m.View(), "hi bob")
}

func TestModelIgnoresOlderSnapshots(t *testing.T) {
	h := attach(t, source.NewMemorySource("chan", nil))
	m := New(h, "general")

	m.Update(snapshotMsg(collection.Snapshot{Version: 10, Ready: true, Items: []model.Item{{Key: "k", Text: "newer"}}}))
	m.Update(snapshotMsg(collection.Snapshot{Version: 9, Ready: true}))
	assert.Len(t, m.snap.Items, 1)
}

func TestModelNoMoreDataStatus(t *testing.T) {
	h := attach(t, source.NewMemorySource("chan", nil))
	m := New(h, "general")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyPgUp})
	m.Update(run(t, cmd))
	assert.Contains(t, m.View(), "nothing more to load")
}

func TestModelNavigatesAwayWhenChannelDeleted(t *testing.T) {
	ctx := context.Background()
	mem := source.NewMemorySource("chan", nil)
	h := attach(t, mem)
	m := New(h, "general")

	require.NoError(t, mem.DeleteParent(ctx))
	msg := run(t, waitForNotice(h.Notices()))
	m.Update(msg)
	assert.True(t, m.gone)
	assert.Contains(t, m.View(), "no longer available")

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
