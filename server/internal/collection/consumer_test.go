package collection

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatsync/server/internal/model"
	"chatsync/server/internal/registry"
	"chatsync/server/internal/source"
)

// TestScenarioUpdateThenDelete 对应最基本的场景：首屏 [A,B,C]，更新 B，再删除 A。
func TestScenarioUpdateThenDelete(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("A", 1, "A"), msg("B", 2, "B"), msg("C", 3, "C"))

	h, err := newTestConsumer().Attach(ctx, mem, Config{})
	require.NoError(t, err)
	defer h.Detach()
	require.Equal(t, []string{"A", "B", "C"}, itemTexts(h.Snapshot()))
	require.True(t, h.Snapshot().Ready)

	_, err = mem.Modify(ctx, "B", func(it *model.Item) { it.Text = "B'" })
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, "A"))

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == 2 })
	require.Equal(t, []string{"B'", "C"}, itemTexts(snap))
}

func TestInvertedRendering(t *testing.T) {
	mem := newMemory("chan")
	mem.Seed(msg("A", 1, "A"), msg("B", 2, "B"))

	h, err := newTestConsumer().Attach(context.Background(), mem, Config{Inverted: true})
	require.NoError(t, err)
	defer h.Detach()
	require.Equal(t, []string{"B", "A"}, itemTexts(h.Snapshot()))
}

// TestLoadMoreUntilNoMoreData 验证双向翻页与 NoMoreData。
func TestLoadMoreUntilNoMoreData(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"), msg("b", 2, "b"), msg("c", 3, "c"), msg("d", 4, "d"), msg("e", 5, "e"))

	h, err := newTestConsumer().Attach(ctx, mem, Config{PageSize: 2})
	require.NoError(t, err)
	defer h.Detach()
	snap := h.Snapshot()
	require.Equal(t, []string{"d", "e"}, itemTexts(snap))
	require.True(t, snap.HasPrevious)
	require.False(t, snap.HasNext)

	_, err = h.LoadMore(ctx, model.Forward)
	require.ErrorIs(t, err, ErrNoMoreData)

	got, err := h.LoadMore(ctx, model.Backward)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, texts(got))

	got, err = h.LoadMore(ctx, model.Backward)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, texts(got))

	_, err = h.LoadMore(ctx, model.Backward)
	require.ErrorIs(t, err, ErrNoMoreData)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, itemTexts(h.Snapshot()))

	_, err = h.LoadMore(ctx, model.Direction("sideways"))
	require.Error(t, err)
}

// TestLoadMoreRejectsOverlap 验证同方向的重叠加载被确定性拒绝。
func TestLoadMoreRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"), msg("b", 2, "b"), msg("c", 3, "c"))
	src := newGated(mem)

	h, err := newTestConsumer().Attach(ctx, src, Config{PageSize: 1})
	require.NoError(t, err)
	defer h.Detach()

	type result struct {
		items []model.Item
		err   error
	}
	first := make(chan result, 1)
	go func() {
		its, err := h.LoadMore(ctx, model.Backward)
		first <- result{its, err}
	}()
	<-src.fetched
	require.True(t, h.Snapshot().LoadingPrevious)

	_, err = h.LoadMore(ctx, model.Backward)
	require.ErrorIs(t, err, ErrInProgress)

	close(src.gate)
	res := <-first
	require.NoError(t, res.err)
	require.Equal(t, []string{"b"}, texts(res.items))
	require.False(t, h.Snapshot().LoadingPrevious)
}

// TestStalePageDoesNotOverwriteMutation 验证在变更前拉取、变更后到达的页面不会覆盖变更。
func TestStalePageDoesNotOverwriteMutation(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"), msg("b", 2, "b"), msg("c", 3, "c"), msg("d", 4, "d"), msg("e", 5, "e"))
	src := newGated(mem)

	h, err := newTestConsumer().Attach(ctx, src, Config{PageSize: 2})
	require.NoError(t, err)
	defer h.Detach()

	done := make(chan []model.Item, 1)
	go func() {
		its, err := h.LoadMore(ctx, model.Backward)
		assert.NoError(t, err)
		done <- its
	}()
	<-src.fetched

	_, err = mem.Modify(ctx, "b", func(it *model.Item) { it.Text = "b-new" })
	require.NoError(t, err)
	require.NoError(t, mem.Delete(ctx, "c"))
	waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == 2 })

	close(src.gate)
	merged := <-done
	require.Equal(t, []string{"b-new"}, texts(merged))
	require.Equal(t, []string{"b-new", "d", "e"}, itemTexts(h.Snapshot()))
}

// TestDetachStopsDelivery 验证卸载后不再有任何数据进入集合，且卸载可重复调用。
func TestDetachStopsDelivery(t *testing.T) {
	ctx := context.Background()
	reg := registry.New[*Handle]()
	consumer := NewConsumer(reg, Options{})
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"))

	h, err := consumer.Attach(ctx, mem, Config{})
	require.NoError(t, err)
	require.Equal(t, 1, consumer.Active())
	require.Equal(t, 1, mem.Subscribers())

	var mu sync.Mutex
	published := 0
	h.Subscribe(func(Snapshot) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	before := h.Snapshot()
	h.Detach()
	consumer.Detach(h)
	waitClosed(t, h.Done())

	_, err = mem.Add(ctx, msg("z", 9, "z"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.Equal(t, before.Version, h.Snapshot().Version)
	mu.Lock()
	require.Zero(t, published)
	mu.Unlock()
	require.Equal(t, 0, mem.Subscribers())
	require.Equal(t, 0, reg.Len())

	_, err = h.LoadMore(ctx, model.Backward)
	require.ErrorIs(t, err, ErrDetached)
	_, err = h.Submit(ctx, "late")
	require.ErrorIs(t, err, ErrDetached)
	require.ErrorIs(t, h.Discard("x"), ErrDetached)

	_, ok := <-h.Notices()
	require.False(t, ok)
}

// TestDetachDuringLoadDiscardsResult 验证卸载时进行中的翻页被取消，结果被丢弃。
func TestDetachDuringLoadDiscardsResult(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"), msg("b", 2, "b"))
	src := newGated(mem)

	h, err := newTestConsumer().Attach(ctx, src, Config{PageSize: 1})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.LoadMore(ctx, model.Backward)
		errCh <- err
	}()
	<-src.fetched
	h.Detach()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDetached)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not return after detach")
	}
	require.Equal(t, []string{"b"}, itemTexts(h.Snapshot()))
}

// TestSubmitConfirmedByLiveEventFirst 验证推送先于提交响应到达时，条目只确认一次、不重复。
func TestSubmitConfirmedByLiveEventFirst(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	mem := newMemory("chan", source.WithSubmitHook(func(model.Draft) error {
		<-gate
		return nil
	}))

	h, err := newTestConsumer().Attach(ctx, mem, Config{Author: "alice"})
	require.NoError(t, err)
	defer h.Detach()

	type result struct {
		item model.Item
		err  error
	}
	res := make(chan result, 1)
	go func() {
		it, err := h.Submit(ctx, "hello")
		res <- result{it, err}
	}()

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Pending == 1 })
	require.Len(t, snap.Items, 1)
	require.True(t, snap.Items[0].Key.IsLocal())
	require.Equal(t, model.StatusPending, snap.Items[0].Status)
	require.Equal(t, "alice", snap.Items[0].Sender)

	close(gate)
	r := <-res
	require.NoError(t, r.err)
	require.Equal(t, model.StatusSucceeded, r.item.Status)

	snap = h.Snapshot()
	require.Equal(t, 0, snap.Pending)
	require.Len(t, snap.Items, 1)
	require.Equal(t, r.item.Key, snap.Items[0].Key)
	require.False(t, snap.Items[0].Key.IsLocal())
}

// TestSubmitFailureRetryAndDiscard 验证失败进入 failed，重试成功后转为 succeeded，丢弃移除 failed。
func TestSubmitFailureRetryAndDiscard(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	offline := true
	mem := newMemory("chan", source.WithSubmitHook(func(model.Draft) error {
		mu.Lock()
		defer mu.Unlock()
		if offline {
			return errors.New("offline")
		}
		return nil
	}))

	h, err := newTestConsumer().Attach(ctx, mem, Config{})
	require.NoError(t, err)
	defer h.Detach()

	_, err = h.Submit(ctx, "first")
	require.ErrorIs(t, err, ErrSubmissionFailed)
	_, err = h.Submit(ctx, "second")
	require.ErrorIs(t, err, ErrSubmissionFailed)

	snap := h.Snapshot()
	require.Equal(t, 2, snap.Failed)
	require.Equal(t, model.StatusFailed, snap.Items[0].Status)
	require.Contains(t, snap.Items[0].Reason, "offline")
	firstID, secondID := snap.Items[0].RequestID, snap.Items[1].RequestID

	mu.Lock()
	offline = false
	mu.Unlock()

	it, err := h.Retry(ctx, firstID)
	require.NoError(t, err)
	require.Equal(t, firstID, it.RequestID)
	require.NoError(t, h.Discard(secondID))
	require.ErrorIs(t, h.Discard(secondID), ErrUnknownItem)
	_, err = h.Retry(ctx, "nope")
	require.ErrorIs(t, err, ErrUnknownItem)

	snap = h.Snapshot()
	require.Equal(t, 0, snap.Failed)
	require.Equal(t, []string{"first"}, itemTexts(snap))
	require.Equal(t, model.StatusSucceeded, snap.Items[0].Status)
}

func TestSubmitUnsupported(t *testing.T) {
	src := &scriptedSource{id: "scripted"}
	h, err := newTestConsumer().Attach(context.Background(), src, Config{})
	require.NoError(t, err)
	defer h.Detach()

	_, err = h.Submit(context.Background(), "x")
	require.ErrorIs(t, err, ErrUnsupported)
}

// TestGapSignalResyncs 验证数据源推送 gap 时全量重订阅，pending/failed 保留。
func TestGapSignalResyncs(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan", source.WithSubmitHook(func(model.Draft) error { return errors.New("offline") }))
	mem.Seed(msg("a", 1, "a"))

	h, err := newTestConsumer().Attach(ctx, mem, Config{})
	require.NoError(t, err)
	defer h.Detach()
	_, err = h.Submit(ctx, "draft")
	require.ErrorIs(t, err, ErrSubmissionFailed)

	require.NoError(t, mem.SignalGap(ctx))
	n := waitNotice(t, h)
	require.Equal(t, NoticeResynced, n.Kind)

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Ready && s.Resyncs == 1 })
	require.Equal(t, []string{"draft", "a"}, itemTexts(snap))
	require.Equal(t, 1, snap.Failed)
	require.Equal(t, 1, mem.Subscribers())
	require.Equal(t, int64(2), h.Stats().Epoch)
}

// TestSeqJumpResyncs 验证客户端发现 seq 跳号时重订阅，进行中的翻页得到 ErrGapDetected。
func TestSeqJumpResyncs(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{
		id:    "scripted",
		page:  model.Page{Items: []model.Item{msg("x", 5, "x")}, Seq: 5, HasPrevious: true, PrevCursor: "p"},
		block: make(chan struct{}),
	}
	h, err := newTestConsumer().Attach(ctx, src, Config{})
	require.NoError(t, err)
	defer h.Detach()

	loadErr := make(chan error, 1)
	go func() {
		_, err := h.LoadMore(ctx, model.Backward)
		loadErr <- err
	}()
	waitSnapshot(t, h, func(s Snapshot) bool { return s.LoadingPrevious })

	src.push(added(6, msg("y", 6, "y")))
	waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == 6 })

	src.setPage(model.Page{Items: []model.Item{msg("x", 5, "x"), msg("y", 6, "y"), msg("w", 8, "w")}, Seq: 9})
	src.push(added(9, msg("w", 8, "w")))

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Ready && s.Resyncs == 1 })
	require.Equal(t, []string{"x", "y", "w"}, itemTexts(snap))
	subscribes, _ := src.counts()
	require.Equal(t, 2, subscribes)

	close(src.block)
	require.ErrorIs(t, <-loadErr, ErrGapDetected)
	require.Equal(t, int64(9), h.Stats().Applied)
}

// TestBatchesBeforeInitialPageAreBuffered 验证首屏之前到达的批次被缓冲，只补上比首屏更新的部分。
func TestBatchesBeforeInitialPageAreBuffered(t *testing.T) {
	src := &scriptedSource{id: "scripted", page: model.Page{Items: []model.Item{msg("x", 1, "x")}, Seq: 5}}
	src.onFetch = func() {
		src.push(added(4, msg("old", 0, "old")))
		src.push(added(5, msg("x", 1, "x")))
		src.push(added(6, msg("z", 2, "z")))
	}

	h, err := newTestConsumer().Attach(context.Background(), src, Config{})
	require.NoError(t, err)
	defer h.Detach()

	require.Equal(t, []string{"x", "z"}, itemTexts(h.Snapshot()))
	stats := h.Stats()
	require.Equal(t, int64(6), stats.Applied)
	require.Equal(t, int64(2), stats.Duplicates)
}

// TestParentDeletedNavigatesAway 验证父资源删除后发出离开通知，发布空的 Closed 快照并释放句柄。
func TestParentDeletedNavigatesAway(t *testing.T) {
	ctx := context.Background()
	reg := registry.New[*Handle]()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"))

	h, err := NewConsumer(reg, Options{}).Attach(ctx, mem, Config{})
	require.NoError(t, err)

	require.NoError(t, mem.DeleteParent(ctx))
	n := waitNotice(t, h)
	require.Equal(t, NoticeNavigateAway, n.Kind)
	require.ErrorIs(t, n.Err, ErrNotFound)

	waitClosed(t, h.Done())
	snap := h.Snapshot()
	require.True(t, snap.Closed)
	require.Empty(t, snap.Items)
	require.ErrorIs(t, snap.Err, ErrNotFound)
	require.Equal(t, 0, reg.Len())
}

// TestAccessRevokedOnlyForViewer 验证其他用户失去访问权不影响当前用户，自己失去访问权时离开。
func TestAccessRevokedOnlyForViewer(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"))
	bob := source.ForViewer(mem, "bob", nil)

	h, err := newTestConsumer().Attach(ctx, bob, Config{})
	require.NoError(t, err)

	require.NoError(t, mem.Revoke(ctx, "alice"))
	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == 1 })
	require.False(t, snap.Closed)
	require.Equal(t, []string{"a"}, itemTexts(snap))

	require.NoError(t, mem.Revoke(ctx, "bob"))
	n := waitNotice(t, h)
	require.Equal(t, NoticeNavigateAway, n.Kind)
	require.ErrorIs(t, n.Err, source.ErrForbidden)
	waitClosed(t, h.Done())
}

func TestAttachNotFound(t *testing.T) {
	ctx := context.Background()
	reg := registry.New[*Handle]()
	mem := newMemory("chan")
	require.NoError(t, mem.DeleteParent(ctx))

	_, err := NewConsumer(reg, Options{}).Attach(ctx, mem, Config{})
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 0, reg.Len())
}

// TestAttachIsIdempotentPerSource 验证同一数据源的重复挂载：相同配置共享句柄，不同配置报冲突。
func TestAttachIsIdempotentPerSource(t *testing.T) {
	ctx := context.Background()
	consumer := newTestConsumer()
	mem := newMemory("chan")

	h1, err := consumer.Attach(ctx, mem, Config{PageSize: 10})
	require.NoError(t, err)
	h2, err := consumer.Attach(ctx, mem, Config{PageSize: 10, Ordering: model.OrderChronological})
	require.NoError(t, err)
	require.Same(t, h1, h2)
	require.Equal(t, 1, mem.Subscribers())

	_, err = consumer.Attach(ctx, mem, Config{PageSize: 20})
	require.ErrorIs(t, err, ErrConflictingAttach)

	h1.Detach()
	waitClosed(t, h1.Done())
	h3, err := consumer.Attach(ctx, mem, Config{PageSize: 20})
	require.NoError(t, err)
	defer h3.Detach()
	require.NotSame(t, h1, h3)
}

// TestCacheThenNetwork 验证先展示缓存首屏，网络返回后替换。
func TestCacheThenNetwork(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"))
	cached := source.NewCached(mem, nil)

	// 预热缓存，然后让网络结果不同于缓存。
	_, err := cached.Fetch(ctx, source.FetchRequest{Ordering: model.OrderChronological, Anchor: model.AnchorEnd, Limit: source.DefaultLimit})
	require.NoError(t, err)
	_, err = mem.Add(ctx, msg("b", 2, "b"))
	require.NoError(t, err)

	gated := newGated(mem)
	gated.gateInitial = true
	src := &cachedGated{cachedInner: source.NewCached(gated, nil), warm: cached}

	consumer := newTestConsumer()
	attached := make(chan *Handle, 1)
	go func() {
		h, err := consumer.Attach(ctx, src, Config{})
		assert.NoError(t, err)
		attached <- h
	}()

	<-gated.fetched
	var h *Handle
	require.Eventually(t, func() bool {
		v, err := consumer.reg.Get(src.ID())
		if err != nil {
			return false
		}
		h = v
		return h.Snapshot().FromCache
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"a"}, itemTexts(h.Snapshot()))
	require.False(t, h.Snapshot().Ready)

	close(gated.gate)
	h = <-attached
	defer h.Detach()
	snap := h.Snapshot()
	require.False(t, snap.FromCache)
	require.True(t, snap.Ready)
	require.Equal(t, []string{"a", "b"}, itemTexts(snap))
}

// cachedGated 用预热好的缓存回答 Cached，其余走被门控的数据源。
// cachedInner 让嵌入字段不与 Cached 方法重名。
type cachedInner = source.Cached

type cachedGated struct {
	*cachedInner
	warm *source.Cached
}

func (c *cachedGated) Cached(req source.FetchRequest) (model.Page, bool) {
	return c.warm.Cached(req)
}

func TestLiveAddsMarkRead(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")

	h, err := newTestConsumer().Attach(ctx, mem, Config{MarkRead: true})
	require.NoError(t, err)
	defer h.Detach()

	_, err = mem.Add(ctx, msg("a", 1, "a"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return mem.Reads() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestReactMaskFiltersMutations(t *testing.T) {
	ctx := context.Background()
	mem := newMemory("chan")
	mem.Seed(msg("a", 1, "a"))

	h, err := newTestConsumer().Attach(ctx, mem, Config{React: model.ReactAdd})
	require.NoError(t, err)
	defer h.Detach()

	require.NoError(t, mem.Delete(ctx, "a"))
	_, err = mem.Add(ctx, msg("b", 2, "b"))
	require.NoError(t, err)

	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == 2 })
	require.Equal(t, []string{"a", "b"}, itemTexts(snap))
}

// TestRandomMutationsConverge 是性质测试：任意顺序的新增、更新、删除之后，
// 集合与数据源一致，且没有重复的 key。
func TestRandomMutationsConverge(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))
	mem := newMemory("chan")

	h, err := newTestConsumer().Attach(ctx, mem, Config{PageSize: source.MaxLimit})
	require.NoError(t, err)
	defer h.Detach()

	var live []model.Key
	for i := 0; i < 150; i++ {
		switch op := rng.Intn(4); {
		case op < 2 || len(live) == 0:
			it, err := mem.Add(ctx, model.Item{Text: fmt.Sprintf("item-%d", i)})
			require.NoError(t, err)
			live = append(live, it.Key)
		case op == 2:
			key := live[rng.Intn(len(live))]
			_, err := mem.Modify(ctx, key, func(it *model.Item) { it.Text = fmt.Sprintf("edit-%d", i) })
			require.NoError(t, err)
		default:
			idx := rng.Intn(len(live))
			require.NoError(t, mem.Delete(ctx, live[idx]))
			live = append(live[:idx], live[idx+1:]...)
		}
	}

	head, err := mem.Head(ctx)
	require.NoError(t, err)
	snap := waitSnapshot(t, h, func(s Snapshot) bool { return s.Seq == head })

	want, err := mem.Fetch(ctx, source.FetchRequest{Ordering: model.OrderChronological, Limit: source.MaxLimit})
	require.NoError(t, err)
	require.Equal(t, texts(want.Items), itemTexts(snap))

	seen := make(map[model.Key]bool)
	for _, it := range snap.Items {
		require.False(t, seen[it.Key], "duplicate key %s", it.Key)
		seen[it.Key] = true
	}
}
