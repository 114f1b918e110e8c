package collection

import "chatsync/server/internal/model"

// Arrange 给出渲染顺序：failed、pending、succeeded 依次拼接；inverted 时整体反转
// （消息列表按“最新在前”的倒置列表渲染）。
func Arrange(failed, pending, succeeded []model.Item, inverted bool) []model.Item {
	out := make([]model.Item, 0, len(failed)+len(pending)+len(succeeded))
	out = append(out, failed...)
	out = append(out, pending...)
	out = append(out, succeeded...)
	if inverted {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out
}
