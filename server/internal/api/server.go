package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"chatsync/server/internal/config"
	"chatsync/server/internal/hub"
	"chatsync/server/internal/logging"
	"chatsync/server/internal/model"
	"chatsync/server/internal/source"
)

type Server struct {
	config *config.Config
	hub    *hub.Hub
	logger *logrus.Entry

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, h *hub.Hub) *Server {
	s := &Server{
		config: cfg,
		hub:    h,
		logger: logging.New("api.Server"),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.allowOrigin}
	return s
}

// allowOrigin 放行没有 Origin 的非浏览器客户端，以及配置白名单里的来源。
func (s *Server) allowOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())
	if origins := s.config.Server.AllowedOrigins; len(origins) > 0 {
		engine.Use(cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	// 推送流走 WebSocket 升级，不能被压缩包装。
	engine.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`/stream$`})))

	engine.GET("/healthz", s.handleHealthz)
	engine.POST("/api/channels", s.handleCreateChannel)
	engine.GET("/api/users/:user/channels", s.handleListChannels)
	engine.GET("/api/users/:user/channels/stream", s.handleChannelStream)

	channels := engine.Group("/api/channels/:id")
	channels.GET("/messages", s.handleListMessages)
	channels.POST("/messages", s.handlePostMessage)
	channels.GET("/messages/stream", s.handleMessageStream)
	channels.PUT("/messages/:key", s.handleEditMessage)
	channels.DELETE("/messages/:key", s.handleDeleteMessage)
	channels.POST("/invite", s.handleInvite)
	channels.POST("/leave", s.handleLeave)
	channels.POST("/ban", s.handleBan)
	channels.POST("/read", s.handleRead)
	channels.DELETE("", s.handleDeleteChannel)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError 把领域错误映射成 HTTP 状态。
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, source.ErrNotFound), errors.Is(err, source.ErrNoSuchItem):
		status = http.StatusNotFound
	case errors.Is(err, source.ErrForbidden), errors.Is(err, hub.ErrBanned):
		status = http.StatusForbidden
	case errors.Is(err, hub.ErrInvalid):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.logger.Errorf("%s %s: %v", c.Request.Method, c.FullPath(), err)
	} else {
		s.logger.Debugf("%s %s -> %d: %v", c.Request.Method, c.FullPath(), status, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// requireUser 读取调用方身份（查询参数 user）。
func requireUser(c *gin.Context) (string, bool) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user required"})
		return "", false
	}
	return user, true
}

// fetchRequest 从查询参数解析分页请求，未给出排序时使用 fallback。
func fetchRequest(c *gin.Context, fallback model.Ordering) (source.FetchRequest, error) {
	req := source.FetchRequest{
		Ordering: fallback,
		Anchor:   model.Anchor(c.Query("anchor")),
		Cursor:   c.Query("cursor"),
	}
	if raw := c.Query("ordering"); raw != "" {
		ordering, err := model.ParseOrdering(raw)
		if err != nil {
			return req, err
		}
		req.Ordering = ordering
	}
	switch req.Anchor {
	case "", model.AnchorStart, model.AnchorEnd:
	default:
		return req, errors.New("unknown anchor " + strconv.Quote(string(req.Anchor)))
	}
	if req.Cursor != "" {
		if _, err := source.DecodeCursor(req.Cursor); err != nil {
			return req, err
		}
	}
	if raw := c.Query("direction"); raw != "" {
		dir, err := model.ParseDirection(raw)
		if err != nil {
			return req, err
		}
		req.Direction = dir
	}
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return req, errors.New("invalid limit " + strconv.Quote(raw))
		}
		req.Limit = limit
	}
	return req, nil
}

func (s *Server) servePage(c *gin.Context, src source.Source, fallback model.Ordering) {
	req, err := fetchRequest(c, fallback)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	page, err := src.Fetch(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

type createChannelRequest struct {
	RequestID string   `json:"request_id"`
	Sender    string   `json:"sender"`
	Text      string   `json:"text"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
}

// handleCreateChannel 新建频道。请求体兼容 Draft（text 即频道名）。
func (s *Server) handleCreateChannel(c *gin.Context) {
	var req createChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	owner := c.Query("user")
	if owner == "" {
		owner = req.Sender
	}
	name := req.Name
	if name == "" {
		name = req.Text
	}
	it, err := s.hub.CreateChannel(c.Request.Context(), req.RequestID, name, owner, req.Members...)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (s *Server) handleListChannels(c *gin.Context) {
	s.servePage(c, s.hub.Channels(c.Param("user")), model.OrderRecentActivity)
}

func (s *Server) handleChannelStream(c *gin.Context) {
	s.stream(c, s.hub.Channels(c.Param("user")))
}

// messages 解析频道与调用方并返回其视角下的消息数据源，失败时已写好响应。
func (s *Server) messages(c *gin.Context) (source.Source, bool) {
	user, ok := requireUser(c)
	if !ok {
		return nil, false
	}
	src, err := s.hub.Messages(c.Param("id"), user)
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return src, true
}

func (s *Server) handleListMessages(c *gin.Context) {
	if src, ok := s.messages(c); ok {
		s.servePage(c, src, model.OrderChronological)
	}
}

func (s *Server) handleMessageStream(c *gin.Context) {
	if src, ok := s.messages(c); ok {
		s.stream(c, src)
	}
}

// handlePostMessage 发消息；相同 request_id 的重试返回同一条消息。
func (s *Server) handlePostMessage(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var d model.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	d.Sender = user
	it, err := s.hub.Post(c.Request.Context(), c.Param("id"), d)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

type editMessageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleEditMessage(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	var req editMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	it, err := s.hub.EditMessage(c.Request.Context(), c.Param("id"), user, model.Key(c.Param("key")), req.Text)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) handleDeleteMessage(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.hub.DeleteMessage(c.Request.Context(), c.Param("id"), user, model.Key(c.Param("key"))); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type memberRequest struct {
	User string `json:"user"`
}

// memberAction 处理 invite/ban 这类“actor 对 user 操作”的请求。
func (s *Server) memberAction(c *gin.Context, action func(channelID, actor, user string) error) {
	actor, ok := requireUser(c)
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.User == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user required in body"})
		return
	}
	if err := action(c.Param("id"), actor, req.User); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleInvite(c *gin.Context) {
	s.memberAction(c, func(channelID, actor, user string) error {
		return s.hub.Invite(c.Request.Context(), channelID, actor, user)
	})
}

func (s *Server) handleBan(c *gin.Context) {
	s.memberAction(c, func(channelID, actor, user string) error {
		return s.hub.Ban(c.Request.Context(), channelID, actor, user)
	})
}

func (s *Server) handleLeave(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.hub.Leave(c.Request.Context(), c.Param("id"), user); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRead(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.hub.MarkRead(c.Request.Context(), c.Param("id"), user); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteChannel(c *gin.Context) {
	user, ok := requireUser(c)
	if !ok {
		return
	}
	if err := s.hub.DeleteChannel(c.Request.Context(), c.Param("id"), user); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
