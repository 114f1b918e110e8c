package source

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/patrickmn/go-cache"

	"chatsync/server/internal/model"
)

// Cached 给任意数据源加上“先缓存后网络”的首屏能力。
// 只缓存首屏（Cursor 为空）的结果；翻页结果总是走网络。
type Cached struct {
	Source
	store *cache.Cache
}

// NewPageCache 创建可在多个 Cached 之间共享的页缓存。
func NewPageCache(ttl, cleanup time.Duration) *cache.Cache {
	return cache.New(ttl, cleanup)
}

func init() {
	// go-cache 落盘用 gob，条目是 interface{}，需要注册具体类型。
	gob.Register(model.Page{})
}

// LoadPageCache 创建页缓存并载入 path 中上次保存的首屏。path 为空或文件不存在时返回空缓存。
func LoadPageCache(path string, ttl, cleanup time.Duration) (*cache.Cache, error) {
	store := NewPageCache(ttl, cleanup)
	if path == "" {
		return store, nil
	}
	if err := store.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return store, fmt.Errorf("load page cache %s: %w", path, err)
	}
	return store, nil
}

// SavePageCache 把未过期的首屏写到 path，供下次启动时先行展示。
func SavePageCache(store *cache.Cache, path string) error {
	if path == "" {
		return nil
	}
	if err := store.SaveFile(path); err != nil {
		return fmt.Errorf("save page cache %s: %w", path, err)
	}
	return nil
}

func NewCached(src Source, store *cache.Cache) *Cached {
	if store == nil {
		store = NewPageCache(5*time.Minute, 10*time.Minute)
	}
	return &Cached{Source: src, store: store}
}

func (c *Cached) cacheKey(req FetchRequest) string {
	return fmt.Sprintf("%s|%s|%s|%d", c.Source.ID(), req.Ordering, req.Anchor, req.Limit)
}

// Fetch 走网络；首屏成功时刷新缓存，父资源不存在时清掉缓存。
func (c *Cached) Fetch(ctx context.Context, req FetchRequest) (model.Page, error) {
	page, err := c.Source.Fetch(ctx, req)
	if req.Cursor != "" {
		return page, err
	}
	switch {
	case err == nil:
		c.store.SetDefault(c.cacheKey(req), page)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden):
		c.store.Delete(c.cacheKey(req))
	}
	return page, err
}

// Cached 返回缓存的首屏，标记 FromCache。
func (c *Cached) Cached(req FetchRequest) (model.Page, bool) {
	if req.Cursor != "" {
		return model.Page{}, false
	}
	v, ok := c.store.Get(c.cacheKey(req))
	if !ok {
		return model.Page{}, false
	}
	page := v.(model.Page)
	page.Items = append([]model.Item(nil), page.Items...)
	page.FromCache = true
	return page, true
}

// Invalidate 丢弃该数据源的全部缓存首屏。
func (c *Cached) Invalidate() {
	prefix := c.Source.ID() + "|"
	for key := range c.store.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.store.Delete(key)
		}
	}
}

func (c *Cached) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	if s, ok := c.Source.(Submitter); ok {
		return s.Submit(ctx, d)
	}
	return model.Item{}, ErrUnsupported
}

func (c *Cached) MarkRead(ctx context.Context) error {
	if r, ok := c.Source.(Reader); ok {
		return r.MarkRead(ctx)
	}
	return ErrUnsupported
}
