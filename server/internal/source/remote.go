package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
)

// RemoteOptions 远端数据源参数。零值字段取默认值。
type RemoteOptions struct {
	RequestsPerSecond float64
	Burst             int
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	HTTPClient        *http.Client
}

// limitedClient 在限速范围内发请求，等待期间响应 ctx 取消。
type limitedClient struct {
	client  *http.Client
	limiter *rate.Limiter
}

func newLimitedClient(opts RemoteOptions) *limitedClient {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &limitedClient{client: client, limiter: rate.NewLimiter(limit, burst)}
}

// Do 等到限速允许后再发请求。
func (c *limitedClient) Do(req *http.Request) (*http.Response, error) {
	r := c.limiter.Reserve()
	if !r.OK() {
		return nil, errors.New("invalid limiter configuration")
	}
	delay := r.Delay()
	if delay == 0 {
		return c.client.Do(req)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-req.Context().Done():
		r.Cancel()
		return nil, req.Context().Err()
	case <-timer.C:
		return c.client.Do(req)
	}
}

// RemoteSource 通过 HTTP 拉取分页、通过 WebSocket 接收推送。
type RemoteSource struct {
	id         string
	base       string
	user       string
	fetchPath  string
	streamPath string
	submitPath string
	readPath   string

	client    *limitedClient
	dialer    *websocket.Dialer
	reconnect time.Duration
	logger    *logrus.Entry
}

func newRemote(id, baseURL, user string, opts RemoteOptions) *RemoteSource {
	dialTimeout := opts.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	reconnect := opts.ReconnectDelay
	if reconnect <= 0 {
		reconnect = time.Second
	}
	return &RemoteSource{
		id:        id,
		base:      strings.TrimRight(baseURL, "/"),
		user:      user,
		client:    newLimitedClient(opts),
		dialer:    &websocket.Dialer{HandshakeTimeout: dialTimeout, Proxy: http.ProxyFromEnvironment},
		reconnect: reconnect,
		logger:    logging.NewWithFields("RemoteSource", map[string]interface{}{"source": id}),
	}
}

// NewRemoteMessages 返回 user 视角下某频道的消息列表。
func NewRemoteMessages(baseURL, channelID, user string, opts RemoteOptions) *RemoteSource {
	s := newRemote("channel:"+channelID+"@"+user, baseURL, user, opts)
	prefix := "/api/channels/" + url.PathEscape(channelID)
	s.fetchPath = prefix + "/messages"
	s.streamPath = prefix + "/messages/stream"
	s.submitPath = prefix + "/messages"
	s.readPath = prefix + "/read"
	return s
}

// NewRemoteChannels 返回 user 的频道列表；Submit 即新建频道。
func NewRemoteChannels(baseURL, user string, opts RemoteOptions) *RemoteSource {
	s := newRemote("channels@"+user, baseURL, user, opts)
	prefix := "/api/users/" + url.PathEscape(user) + "/channels"
	s.fetchPath = prefix
	s.streamPath = prefix + "/stream"
	s.submitPath = "/api/channels"
	return s
}

func (s *RemoteSource) ID() string { return s.id }

func (s *RemoteSource) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("user", s.user)
	return s.base + path + "?" + query.Encode()
}

func (s *RemoteSource) Fetch(ctx context.Context, req FetchRequest) (model.Page, error) {
	query := url.Values{}
	if req.Ordering != "" {
		query.Set("ordering", string(req.Ordering))
	}
	if req.Anchor != "" {
		query.Set("anchor", string(req.Anchor))
	}
	if req.Direction != "" {
		query.Set("direction", string(req.Direction))
	}
	if req.Cursor != "" {
		query.Set("cursor", req.Cursor)
	}
	if req.Limit > 0 {
		query.Set("limit", strconv.Itoa(req.Limit))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(s.fetchPath, query), nil)
	if err != nil {
		return model.Page{}, fmt.Errorf("new request: %w", err)
	}
	var page model.Page
	if err := s.do(httpReq, &page); err != nil {
		return model.Page{}, err
	}
	return page, nil
}

func (s *RemoteSource) Submit(ctx context.Context, d model.Draft) (model.Item, error) {
	if d.Sender == "" {
		d.Sender = s.user
	}
	body, err := json.Marshal(d)
	if err != nil {
		return model.Item{}, fmt.Errorf("marshal draft: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(s.submitPath, nil), bytes.NewReader(body))
	if err != nil {
		return model.Item{}, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	var it model.Item
	if err := s.do(httpReq, &it); err != nil {
		return model.Item{}, err
	}
	return it, nil
}

func (s *RemoteSource) MarkRead(ctx context.Context) error {
	if s.readPath == "" {
		return ErrUnsupported
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint(s.readPath, nil), nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return s.do(httpReq, nil)
}

func (s *RemoteSource) do(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// statusError 把 HTTP 状态映射为本包的哨兵错误。
func statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusForbidden:
		return ErrForbidden
	}
	limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("remote status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(limited)))
}

func (s *RemoteSource) streamURL(since int64) string {
	target := s.endpoint(s.streamPath, url.Values{"since": {strconv.FormatInt(since, 10)}})
	switch {
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://")
	}
	return target
}

func (s *RemoteSource) dial(ctx context.Context, since int64) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.streamURL(since), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			if serr := statusError(resp); serr != nil {
				return nil, serr
			}
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	return conn, nil
}

func (s *RemoteSource) Subscribe(ctx context.Context, l Listener) (Subscription, error) {
	return s.SubscribeSince(ctx, 0, l)
}

// SubscribeSince 同步建立第一条连接，之后在后台读取；断线后带上最后收到的 seq 重连，
// 由服务端决定补发还是推送 gap 信号。
func (s *RemoteSource) SubscribeSince(ctx context.Context, since int64, l Listener) (Subscription, error) {
	conn, err := s.dial(ctx, since)
	if err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &remoteSub{
		src:      s,
		listener: l,
		ctx:      subCtx,
		cancel:   cancel,
		conn:     conn,
		lastSeq:  since,
		done:     make(chan struct{}),
	}
	go sub.run()
	return sub, nil
}

type remoteSub struct {
	src      *RemoteSource
	listener Listener
	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	done     chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	lastSeq int64
}

func (r *remoteSub) run() {
	defer close(r.done)
	logger := r.src.logger
	for {
		r.readLoop()
		if r.ctx.Err() != nil {
			return
		}
		conn, ok := r.redial()
		if !ok {
			return
		}
		r.mu.Lock()
		if r.ctx.Err() != nil {
			r.mu.Unlock()
			_ = conn.Close()
			return
		}
		r.conn = conn
		r.mu.Unlock()
		logger.Infof("stream reconnected since=%d", r.lastSeq)
	}
}

func (r *remoteSub) readLoop() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if r.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.src.logger.Warnf("stream read error: %v", err)
			}
			_ = conn.Close()
			return
		}
		var batch model.Batch
		if err := json.Unmarshal(data, &batch); err != nil {
			r.src.logger.Warnf("drop malformed batch: %v", err)
			continue
		}
		if batch.Seq > r.lastSeq {
			r.lastSeq = batch.Seq
		}
		if r.ctx.Err() != nil {
			return
		}
		r.listener(batch)
	}
}

// redial 按固定间隔重连。父资源已不存在或无权访问时，转成对应信号交给订阅方并停止。
func (r *remoteSub) redial() (*websocket.Conn, bool) {
	timer := time.NewTimer(r.src.reconnect)
	defer timer.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil, false
		case <-timer.C:
		}
		conn, err := r.src.dial(r.ctx, r.lastSeq)
		switch {
		case err == nil:
			return conn, true
		case errors.Is(err, ErrNotFound):
			r.listener(model.Batch{Signal: model.SignalParentDeleted, Origin: model.OriginLiveEvent})
			return nil, false
		case errors.Is(err, ErrForbidden):
			r.listener(model.Batch{Signal: model.SignalAccessRevoked, User: r.src.user, Origin: model.OriginLiveEvent})
			return nil, false
		}
		if r.ctx.Err() != nil {
			return nil, false
		}
		r.src.logger.Warnf("reconnect failed: %v", err)
		timer.Reset(r.src.reconnect)
	}
}

// Close 停止重连并断开当前连接，可重复调用。
func (r *remoteSub) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.cancel()
		conn := r.conn
		r.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	return nil
}
