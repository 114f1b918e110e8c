package api

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

// streamSlack 是补发之外留给实时批次的缓冲。
const streamSlack = 64

// stream 把 src 的推送批次以 JSON 文本帧写给客户端。
//
// 订阅在升级之前建立：频道不存在或无权访问时客户端握手直接拿到 404/403。
// 客户端读得太慢导致缓冲写满时连接被关闭，客户端带上最后收到的 seq 重连，由补发或 gap 信号追平。
func (s *Server) stream(c *gin.Context, src source.Source) {
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
		return
	}
	resumer, ok := src.(source.Resumer)
	if !ok && since > 0 {
		s.writeError(c, source.ErrUnsupported)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan model.Batch, s.config.Source.MaxReplay+streamSlack)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	listener := func(b model.Batch) {
		select {
		case out <- b:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	}

	var sub source.Subscription
	if resumer != nil {
		sub, err = resumer.SubscribeSince(ctx, since, listener)
	} else {
		sub, err = src.Subscribe(ctx, listener)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("upgrade stream %s: %v", src.ID(), err)
		return
	}
	defer conn.Close()
	s.logger.Debugf("stream %s opened since=%d", src.ID(), since)

	ping := s.config.Server.PingInterval
	go s.readPump(conn, ping, cancel)

	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debugf("stream %s closed by client", src.ID())
			return
		case <-overflow:
			s.logger.Warnf("stream %s overflowed, closing so the client resumes", src.ID())
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"),
				time.Now().Add(time.Second))
			return
		case b := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(s.config.Server.WriteTimeout))
			if err := conn.WriteJSON(b); err != nil {
				s.logger.Debugf("stream %s write: %v", src.ID(), err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.config.Server.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readPump 只处理控制帧；连接断开或心跳超时时取消写循环。
func (s *Server) readPump(conn *websocket.Conn, ping time.Duration, cancel context.CancelFunc) {
	defer cancel()
	_ = conn.SetReadDeadline(time.Now().Add(2 * ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * ping))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
