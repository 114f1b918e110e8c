package collection

import (
	"slices"

	"chatsync/server/internal/model"
)

// version 记录某个 key 最近一次被变更时的 seq。item 为 nil 表示已删除。
type version struct {
	seq  int64
	item *model.Item
}

// batchOutcome 是 seq 检查的结论。
type batchOutcome int

const (
	outcomeApply batchOutcome = iota
	outcomeDuplicate
	outcomeGap
)

// state 是单个集合的可变状态，只在事件循环上读写。
//
// 约定：
// - items 只存 succeeded；pending/failed 在 local 里按提交先后排列。
// - versions 记录每个 key 的最新版本（包括删除与窗口外的更新），
//   seq 为 S 的分页结果不会覆盖在 S 之后被变更过的 key。
type state struct {
	ordering model.Ordering
	react    model.MutationMask

	items    map[model.Key]model.Item
	versions map[model.Key]version
	local    []model.Item

	applied     int64
	hasPrevious bool
	hasNext     bool
	prevCursor  string
	nextCursor  string
	fromCache   bool
}

func newState(cfg Config) *state {
	return &state{
		ordering: cfg.Ordering,
		react:    cfg.React,
		items:    make(map[model.Key]model.Item),
		versions: make(map[model.Key]version),
	}
}

func (s *state) put(it model.Item, seq int64) {
	if it.Status == "" {
		it.Status = model.StatusSucceeded
	}
	s.items[it.Key] = it
	stored := it
	s.versions[it.Key] = version{seq: seq, item: &stored}
	if it.RequestID != "" {
		s.removeLocal(it.RequestID)
	}
}

// replace 用一页新数据整体替换 succeeded，pending 与 failed 保留。
func (s *state) replace(page model.Page) {
	s.items = make(map[model.Key]model.Item, len(page.Items))
	s.versions = make(map[model.Key]version, len(page.Items))
	for _, it := range page.Items {
		s.put(it, page.Seq)
	}
	s.applied = page.Seq
	s.hasPrevious = page.HasPrevious
	s.hasNext = page.HasNext
	s.prevCursor = page.PrevCursor
	s.nextCursor = page.NextCursor
	s.fromCache = page.FromCache
}

// mergePage 合并一次翻页结果，返回真正并入集合的条目（按数据源顺序）。
func (s *state) mergePage(dir model.Direction, page model.Page) []model.Item {
	merged := make([]model.Item, 0, len(page.Items))
	for _, it := range page.Items {
		if v, ok := s.versions[it.Key]; ok && v.seq > page.Seq {
			// 该 key 在页面生成之后被变更过：删除的保持删除，更新的用更新后的版本。
			if v.item != nil {
				if _, present := s.items[it.Key]; !present {
					s.items[it.Key] = *v.item
					merged = append(merged, *v.item)
				}
			}
			continue
		}
		s.put(it, page.Seq)
		merged = append(merged, s.items[it.Key])
	}

	switch dir {
	case model.Backward:
		s.hasPrevious = page.HasPrevious
		if page.PrevCursor != "" {
			s.prevCursor = page.PrevCursor
		}
	case model.Forward:
		s.hasNext = page.HasNext
		if page.NextCursor != "" {
			s.nextCursor = page.NextCursor
		}
	}
	return merged
}

// check 判断 seq 为 seq 的批次是重复、缺口还是可以应用。
func (s *state) check(seq int64) batchOutcome {
	switch {
	case seq <= s.applied:
		return outcomeDuplicate
	case s.applied > 0 && seq > s.applied+1:
		return outcomeGap
	default:
		return outcomeApply
	}
}

// apply 按顺序应用批次中的变更并推进 applied，返回应用了多少条新增。
// 不在 react 掩码内的变更只推进 seq。
func (s *state) apply(b model.Batch) (added int) {
	for _, m := range b.Mutations {
		if !s.react.Has(m.Kind) {
			continue
		}
		it := m.Item
		if it.Key == "" {
			it.Key = m.Key
		}
		switch m.Kind {
		case model.MutationAdded:
			s.put(it, b.Seq)
			added++
		case model.MutationUpdated:
			if _, ok := s.items[m.Key]; ok || s.inWindow(it) {
				// 排序位置落在已加载区间内（比如最近活动列表里被顶到最前）的条目按新增处理，
				// 否则之后的翻页游标再也走不到它。
				s.put(it, b.Seq)
			} else {
				// 不在已加载窗口内：不插入，只记住版本，防止之后的旧页面把旧值带回来。
				s.versions[m.Key] = version{seq: b.Seq, item: &it}
			}
		case model.MutationDeleted:
			delete(s.items, m.Key)
			s.versions[m.Key] = version{seq: b.Seq}
			s.local = slices.DeleteFunc(s.local, func(l model.Item) bool { return l.Key == m.Key })
		}
	}
	if b.Seq > s.applied {
		s.applied = b.Seq
	}
	return added
}

// inWindow 判断 it 的排序位置是否落在已加载的 succeeded 区间内。
// 某一方向已经到头时，该方向视为无界。
func (s *state) inWindow(it model.Item) bool {
	var first, last *model.Item
	for _, cur := range s.items {
		if first == nil || s.ordering.Less(cur, *first) {
			c := cur
			first = &c
		}
		if last == nil || s.ordering.Less(*last, cur) {
			c := cur
			last = &c
		}
	}
	if first == nil {
		return !s.hasPrevious && !s.hasNext
	}
	if s.hasPrevious && s.ordering.Less(it, *first) {
		return false
	}
	if s.hasNext && s.ordering.Less(*last, it) {
		return false
	}
	return true
}

func (s *state) findLocal(requestID string) int {
	return slices.IndexFunc(s.local, func(it model.Item) bool { return it.RequestID == requestID })
}

func (s *state) removeLocal(requestID string) bool {
	idx := s.findLocal(requestID)
	if idx < 0 {
		return false
	}
	s.local = slices.Delete(s.local, idx, idx+1)
	return true
}

func (s *state) addLocal(it model.Item) {
	s.local = append(s.local, it)
}

// failLocal 把 pending 条目转入 failed。条目已被确认时返回 false。
func (s *state) failLocal(requestID, reason string) bool {
	idx := s.findLocal(requestID)
	if idx < 0 {
		return false
	}
	s.local[idx].Status = model.StatusFailed
	s.local[idx].Reason = reason
	return true
}

// confirm 处理提交成功的返回。推送先到时条目已经在 succeeded 里，这里不会重复插入。
func (s *state) confirm(it model.Item) model.Item {
	s.removeLocal(it.RequestID)
	if v, ok := s.versions[it.Key]; ok && v.seq > it.Seq {
		if v.item != nil {
			return *v.item
		}
		return it
	}
	s.put(it, it.Seq)
	return s.items[it.Key]
}

func (s *state) succeededByRequest(requestID string) (model.Item, bool) {
	for _, it := range s.items {
		if it.RequestID == requestID {
			return it, true
		}
	}
	return model.Item{}, false
}

func (s *state) retryLocal(requestID string) (model.Item, error) {
	idx := s.findLocal(requestID)
	if idx < 0 || s.local[idx].Status != model.StatusFailed {
		return model.Item{}, ErrUnknownItem
	}
	s.local[idx].Status = model.StatusPending
	s.local[idx].Reason = ""
	return s.local[idx], nil
}

func (s *state) discardLocal(requestID string) error {
	idx := s.findLocal(requestID)
	if idx < 0 || s.local[idx].Status != model.StatusFailed {
		return ErrUnknownItem
	}
	s.local = slices.Delete(s.local, idx, idx+1)
	return nil
}

// succeeded 返回按排序规则排好的已确认条目。
func (s *state) succeeded() []model.Item {
	out := make([]model.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it)
	}
	slices.SortFunc(out, s.ordering.Compare)
	return out
}

func (s *state) buckets() (failed, pending []model.Item) {
	for _, it := range s.local {
		if it.Status == model.StatusFailed {
			failed = append(failed, it)
		} else {
			pending = append(pending, it)
		}
	}
	return failed, pending
}

func (s *state) clear() {
	s.items = make(map[model.Key]model.Item)
	s.versions = make(map[model.Key]version)
	s.local = nil
	s.hasPrevious = false
	s.hasNext = false
}
