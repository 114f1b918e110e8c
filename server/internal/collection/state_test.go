package collection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/server/internal/model"
)

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func msg(key string, minute int, text string) model.Item {
	at := t0.Add(time.Duration(minute) * time.Minute)
	return model.Item{Key: model.Key(key), Text: text, CreatedAt: at, UpdatedAt: at}
}

func newTestState() *state {
	return newState(Config{}.withDefaults())
}

func texts(its []model.Item) []string {
	out := make([]string, 0, len(its))
	for _, it := range its {
		out = append(out, it.Text)
	}
	return out
}

// TestStateStalePageDoesNotOverwrite 验证在变更之前生成、之后才到达的页面不会覆盖该变更。
func TestStateStalePageDoesNotOverwrite(t *testing.T) {
	s := newTestState()
	s.replace(model.Page{Items: []model.Item{msg("d", 4, "d")}, Seq: 5, HasPrevious: true, PrevCursor: "cur"})

	// 窗口外的 b 被更新、c 被删除。
	s.apply(model.Batch{Seq: 6, Mutations: []model.Mutation{{Kind: model.MutationUpdated, Key: "b", Item: msg("b", 2, "b-new")}}})
	s.apply(model.Batch{Seq: 7, Mutations: []model.Mutation{{Kind: model.MutationDeleted, Key: "c"}}})
	require.Len(t, s.items, 1, "updates outside the window are not inserted")

	merged := s.mergePage(model.Backward, model.Page{
		Items: []model.Item{msg("a", 1, "a"), msg("b", 2, "b-old"), msg("c", 3, "c")},
		Seq:   5,
	})
	require.Equal(t, []string{"a", "b-new"}, texts(merged))
	require.Equal(t, []string{"a", "b-new", "d"}, texts(s.succeeded()))
	require.False(t, s.hasPrevious)
	require.Equal(t, "cur", s.prevCursor)
}

func TestStateNewerPageReplacesOlderVersion(t *testing.T) {
	s := newTestState()
	s.replace(model.Page{Items: []model.Item{msg("a", 1, "v1")}, Seq: 3})
	s.mergePage(model.Forward, model.Page{Items: []model.Item{msg("a", 1, "v2")}, Seq: 4})
	require.Equal(t, []string{"v2"}, texts(s.succeeded()))

	// 更旧的页面不能把旧值带回来。
	s.mergePage(model.Backward, model.Page{Items: []model.Item{msg("a", 1, "v1")}, Seq: 3})
	require.Equal(t, []string{"v2"}, texts(s.succeeded()))
}

func TestStateCheck(t *testing.T) {
	s := newTestState()
	require.Equal(t, outcomeApply, s.check(4), "no baseline yet")

	s.applied = 5
	require.Equal(t, outcomeDuplicate, s.check(5))
	require.Equal(t, outcomeDuplicate, s.check(2))
	require.Equal(t, outcomeApply, s.check(6))
	require.Equal(t, outcomeGap, s.check(8))
}

func TestStateApplyRespectsReactMask(t *testing.T) {
	s := newState(Config{React: model.ReactAdd}.withDefaults())
	s.apply(model.Batch{Seq: 1, Mutations: []model.Mutation{{Kind: model.MutationAdded, Key: "a", Item: msg("a", 1, "a")}}})
	s.apply(model.Batch{Seq: 2, Mutations: []model.Mutation{{Kind: model.MutationDeleted, Key: "a"}}})

	require.Len(t, s.items, 1)
	require.Equal(t, int64(2), s.applied)
}

// TestStateAddedConfirmsLocalItem 验证携带 RequestID 的新增会把本地 pending 条目转为 succeeded，且不重复。
func TestStateAddedConfirmsLocalItem(t *testing.T) {
	s := newTestState()
	s.addLocal(model.Item{Key: model.LocalKey("r1"), RequestID: "r1", Text: "hi", Status: model.StatusPending})
	s.addLocal(model.Item{Key: model.LocalKey("r2"), RequestID: "r2", Text: "yo", Status: model.StatusPending})
	require.True(t, s.failLocal("r2", "offline"))

	confirmed := msg("k1", 1, "hi")
	confirmed.RequestID = "r1"
	confirmed.Seq = 1
	s.apply(model.Batch{Seq: 1, Mutations: []model.Mutation{{Kind: model.MutationAdded, Key: "k1", Item: confirmed}}})

	failed, pending := s.buckets()
	require.Empty(t, pending)
	require.Len(t, failed, 1)
	require.Equal(t, "offline", failed[0].Reason)

	// 提交响应随后到达，不会产生第二条。
	got := s.confirm(confirmed)
	require.Equal(t, model.StatusSucceeded, got.Status)
	require.Len(t, s.items, 1)

	_, err := s.retryLocal("r1")
	require.ErrorIs(t, err, ErrUnknownItem)
	it, err := s.retryLocal("r2")
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, it.Status)
	require.ErrorIs(t, s.discardLocal("r2"), ErrUnknownItem, "pending items cannot be discarded")
}

func TestStateConfirmAfterDeleteDoesNotResurrect(t *testing.T) {
	s := newTestState()
	s.addLocal(model.Item{Key: model.LocalKey("r1"), RequestID: "r1", Status: model.StatusPending})
	s.apply(model.Batch{Seq: 3, Mutations: []model.Mutation{{Kind: model.MutationDeleted, Key: "k1"}}})

	late := msg("k1", 1, "hi")
	late.RequestID = "r1"
	late.Seq = 2
	s.confirm(late)
	require.Empty(t, s.items)
	require.Empty(t, s.local)
}

func TestStateReplaceKeepsLocalBuckets(t *testing.T) {
	s := newTestState()
	s.replace(model.Page{Items: []model.Item{msg("a", 1, "a")}, Seq: 1})
	s.addLocal(model.Item{Key: model.LocalKey("r1"), RequestID: "r1", Status: model.StatusPending})

	s.replace(model.Page{Items: []model.Item{msg("b", 2, "b")}, Seq: 9})
	require.Equal(t, []string{"b"}, texts(s.succeeded()))
	require.Len(t, s.local, 1)
	require.Equal(t, int64(9), s.applied)
}

// TestStateUpdateMovingIntoWindowIsInserted 验证排序位置移入已加载区间的窗口外条目会被插入。
func TestStateUpdateMovingIntoWindowIsInserted(t *testing.T) {
	s := newState(Config{Ordering: model.OrderRecentActivity}.withDefaults())
	s.replace(model.Page{Items: []model.Item{msg("c3", 3, "c3"), msg("c2", 2, "c2")}, Seq: 4, HasNext: true, NextCursor: "cur"})

	// c1 仍排在窗口之后，只记版本。
	s.apply(model.Batch{Seq: 5, Mutations: []model.Mutation{{Kind: model.MutationUpdated, Key: "c1", Item: msg("c1", 1, "c1-edit")}}})
	require.Equal(t, []string{"c3", "c2"}, texts(s.succeeded()))

	// c0 有了新活动，排到最前。
	bumped := msg("c0", 0, "c0")
	bumped.UpdatedAt = t0.Add(10 * time.Minute)
	s.apply(model.Batch{Seq: 6, Mutations: []model.Mutation{{Kind: model.MutationUpdated, Key: "c0", Item: bumped}}})
	require.Equal(t, []string{"c0", "c3", "c2"}, texts(s.succeeded()))

	merged := s.mergePage(model.Forward, model.Page{Items: []model.Item{msg("c1", 1, "c1")}, Seq: 4})
	require.Equal(t, []string{"c1-edit"}, texts(merged))
	require.Equal(t, []string{"c0", "c3", "c2", "c1-edit"}, texts(s.succeeded()))
}
