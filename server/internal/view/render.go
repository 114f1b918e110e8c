// Package view 把集合快照画成终端界面。
package view

import (
	"fmt"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatsync/server/internal/collection"
	"chatsync/server/internal/model"
)

type Styles struct {
	Title   lipgloss.Style
	Meta    lipgloss.Style
	Sender  lipgloss.Style
	Pending lipgloss.Style
	Failed  lipgloss.Style
	Status  lipgloss.Style
	Help    lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1),
		Meta:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		Sender:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		Pending: lipgloss.NewStyle().Faint(true),
		Failed:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Status:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Help:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// Frame 描述一次绘制的外部条件。
type Frame struct {
	Title  string
	Width  int
	Height int
	// Inverted 时 Items[0] 画在最底下。
	Inverted bool
	Status   string
}

// Line 返回单个条目的一行文字（不含样式）。
func Line(it model.Item) string {
	var b strings.Builder
	if it.Kind == model.KindChannel {
		b.WriteString(it.Text)
		if it.Preview != "" {
			b.WriteString("  ")
			b.WriteString(it.Preview)
		}
		if n := len(it.Members); n > 0 {
			fmt.Fprintf(&b, "  (%d)", n)
		}
	} else {
		if !it.CreatedAt.IsZero() {
			b.WriteString(it.CreatedAt.Local().Format("15:04"))
			b.WriteString(" ")
		}
		if it.Sender != "" {
			b.WriteString(it.Sender)
			b.WriteString(": ")
		}
		b.WriteString(it.Text)
	}
	switch it.Status {
	case model.StatusPending:
		b.WriteString(" · sending")
	case model.StatusFailed:
		b.WriteString(" · failed")
		if it.Reason != "" {
			b.WriteString(": ")
			b.WriteString(it.Reason)
		}
	}
	return b.String()
}

func styled(it model.Item, st Styles) string {
	line := Line(it)
	switch it.Status {
	case model.StatusPending:
		return st.Pending.Render(line)
	case model.StatusFailed:
		return st.Failed.Render(line)
	}
	return line
}

func header(snap collection.Snapshot, f Frame, st Styles) string {
	var flags []string
	switch {
	case snap.Closed:
		flags = append(flags, "closed")
	case !snap.Ready:
		flags = append(flags, "loading")
	}
	if snap.FromCache {
		flags = append(flags, "cached")
	}
	if snap.Resyncing {
		flags = append(flags, "resyncing")
	}
	if snap.LoadingPrevious || snap.LoadingNext {
		flags = append(flags, "fetching")
	}
	title := st.Title.Render(f.Title)
	if len(flags) == 0 {
		return title
	}
	return title + " " + st.Meta.Render("["+strings.Join(flags, "] [")+"]")
}

// Render 画出标题、条目与状态行。
//
// failed 与 pending 总是画出来，且贴着输入框一侧：倒置列表放在最底下，普通列表放在最上面。
// 高度不足时只截断已确认的条目，保留离锚点最近的部分。
func Render(snap collection.Snapshot, f Frame, st Styles) string {
	draw := slices.Clone(snap.Items)
	if f.Inverted {
		slices.Reverse(draw)
	}
	var local, lines []string
	for _, it := range draw {
		if it.Status == model.StatusPending || it.Status == model.StatusFailed {
			local = append(local, styled(it, st))
		} else {
			lines = append(lines, styled(it, st))
		}
	}

	var top, bottom string
	if snap.HasPrevious {
		top = st.Meta.Render("↑ more")
	}
	if snap.HasNext {
		bottom = st.Meta.Render("↓ more")
	}

	if f.Height > 0 {
		room := max(max(f.Height-4, 1)-len(local), 0)
		if len(lines) > room {
			if f.Inverted {
				lines = lines[len(lines)-room:]
			} else {
				lines = lines[:room]
			}
		}
	}
	if f.Inverted {
		lines = append(lines, local...)
	} else {
		lines = append(local, lines...)
	}

	parts := []string{header(snap, f, st)}
	if top != "" {
		parts = append(parts, top)
	}
	if len(lines) == 0 && snap.Ready {
		parts = append(parts, st.Meta.Render("(empty)"))
	}
	parts = append(parts, lines...)
	if bottom != "" {
		parts = append(parts, bottom)
	}
	status := f.Status
	if snap.Err != nil && status == "" {
		status = snap.Err.Error()
	}
	if status != "" {
		parts = append(parts, st.Status.Render(status))
	}

	out := lipgloss.JoinVertical(lipgloss.Left, parts...)
	if f.Width > 0 {
		out = lipgloss.NewStyle().MaxWidth(f.Width).Render(out)
	}
	return out
}
