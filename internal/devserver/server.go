// Package devserver is an in-memory chat backend speaking the REST and
// websocket contract the daemon consumes. It backs local development and
// the integration tests.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Config configures a Server.
type Config struct {
	// Secret signs and verifies HS256 bearer tokens.
	Secret []byte
	// TokenTTL bounds tokens minted by POST /auth/token. Defaults to 24h.
	TokenTTL time.Duration
	Logger   *zap.Logger
}

// Server is the dev backend.
type Server struct {
	secret   []byte
	tokenTTL time.Duration
	logger   *zap.Logger
	db       *memory
	hub      *hub
	router   *gin.Engine
}

// New creates a server with an empty database.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = []byte("chatsync-dev-secret")
	}
	logger := cfg.Logger.With(zap.String("component", "devserver"))
	s := &Server{
		secret:   cfg.Secret,
		tokenTTL: cfg.TokenTTL,
		logger:   logger,
		db:       newMemory(),
		hub:      newHub(logger),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler serving REST and websocket routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST("/auth/token", s.handleToken)

	authed := r.Group("/")
	authed.Use(s.authMiddleware())
	{
		authed.GET("/ws", s.handleWebsocket)
		authed.POST("/chat/create", s.handleCreateChat)
		authed.GET("/chat/user-chats", s.handleListChats)
		authed.GET("/chat/:id/messages", s.handleListMessages)
		authed.POST("/chat/:id/messages", s.handleSendMessage)
		authed.DELETE("/chat/:id", s.handleDeleteChat)
	}
	s.router = r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

type tokenRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

func (s *Server) handleToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, err := s.IssueToken(req.UserID, s.tokenTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "user_id": req.UserID})
}

type createChatRequest struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Participants []string `json:"participants" binding:"required,min=1"`
}

func (s *Server) handleCreateChat(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Type == "" {
		req.Type = "direct"
	}
	userID := c.GetString(ctxUserID)
	ch := s.db.createChat(userID, req.Type, req.Name, req.Description, req.Participants)
	s.hub.send(ch.memberIDs(), nil, "chatCreated", gin.H{"chat": ch})
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": ch})
}

func (s *Server) handleListChats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": s.db.chatsFor(c.GetString(ctxUserID))})
}

func (s *Server) handleListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	msgs, err := s.db.page(c.GetString(ctxUserID), c.Param("id"), limit, offset, c.Query("beforeMessageId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": msgs})
}

func (s *Server) handleSendMessage(c *gin.Context) {
	var req newMessage
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg, members, err := s.db.addMessage(c.GetString(ctxUserID), c.Param("id"), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.hub.send(members, nil, "newMessage", gin.H{"message": msg})
	c.JSON(http.StatusCreated, gin.H{"success": true, "data": msg})
}

func (s *Server) handleDeleteChat(c *gin.Context) {
	ch, err := s.db.deleteChat(c.GetString(ctxUserID), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("chat deleted", zap.String("chat_id", ch.ID))
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errChatNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Chat not found"})
	case errors.Is(err, errEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	cl := &client{userID: c.GetString(ctxUserID), conn: conn}
	if s.hub.add(cl) {
		s.hub.broadcast(cl, "userOnline", gin.H{"userId": cl.userID})
	}
	s.logger.Info("websocket connected", zap.String("user_id", cl.userID))

	err = s.readLoop(c.Request.Context(), cl)

	if s.hub.remove(cl) {
		s.hub.broadcast(nil, "userOffline", gin.H{"userId": cl.userID})
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("websocket disconnected", zap.String("user_id", cl.userID), zap.Error(err))
}

func (s *Server) readLoop(ctx context.Context, cl *client) error {
	for {
		_, data, err := cl.conn.Read(ctx)
		if err != nil {
			return err
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			s.hub.reply(cl, "error", gin.H{"message": "invalid frame"})
			continue
		}
		s.handleFrame(cl, f)
	}
}

type chatRef struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type sendFrame struct {
	ChatID string `json:"chatId"`
	newMessage
}

func (s *Server) handleFrame(cl *client, f frame) {
	switch f.Event {
	case "send_message":
		var in sendFrame
		_ = json.Unmarshal(f.Data, &in)
		msg, members, err := s.db.addMessage(cl.userID, in.ChatID, in.newMessage)
		if err != nil {
			s.hub.reply(cl, "error", gin.H{"message": err.Error(), "clientId": in.ClientID})
			return
		}
		s.hub.reply(cl, "messageSent", gin.H{"message": msg, "clientId": in.ClientID})
		s.hub.send(members, cl, "newMessage", gin.H{"message": msg})

	case "join_chat":
		var ref chatRef
		_ = json.Unmarshal(f.Data, &ref)
		if _, err := s.db.chat(cl.userID, ref.ChatID); err != nil {
			s.hub.reply(cl, "error", gin.H{"message": "Chat not found"})
			return
		}
		s.hub.reply(cl, "joinedChat", gin.H{"chatId": ref.ChatID})

	case "typing_start", "typing_stop":
		var ref chatRef
		_ = json.Unmarshal(f.Data, &ref)
		ch, err := s.db.chat(cl.userID, ref.ChatID)
		if err != nil {
			return
		}
		s.hub.send(ch.memberIDs(), cl, "user_typing", gin.H{
			"chatId":   ref.ChatID,
			"userId":   cl.userID,
			"isTyping": f.Event == "typing_start",
		})

	case "mark_as_read":
		var ref chatRef
		_ = json.Unmarshal(f.Data, &ref)
		chatID, members, ok := s.db.markRead(cl.userID, ref.MessageID)
		if !ok {
			return
		}
		s.hub.send(members, nil, "messageRead", gin.H{
			"chatId":     chatID,
			"messageIds": []string{ref.MessageID},
			"userId":     cl.userID,
		})

	default:
		s.hub.reply(cl, "error", gin.H{"message": "unknown event " + f.Event})
	}
}
