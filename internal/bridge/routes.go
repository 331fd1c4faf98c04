package bridge

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zulandar/gatherchat/internal/chat"
	"github.com/zulandar/gatherchat/internal/credential"
	"github.com/zulandar/gatherchat/internal/models"
	"github.com/zulandar/gatherchat/internal/store"
)

type handlers struct {
	registry  *chat.Registry
	store     *store.Store
	gen       *credential.Generator
	heartbeat time.Duration
}

// registerRoutes sets up all bridge routes on the Gin router.
func registerRoutes(router *gin.Engine, h *handlers) {
	router.GET("/healthz", h.health)

	api := router.Group("/api")
	api.POST("/events/:event/sessions", h.openSession)
	api.DELETE("/events/:event/sessions/:user", h.closeSession)
	api.GET("/events/:event/messages", h.listMessages)
	api.POST("/events/:event/messages", h.postMessage)
	api.GET("/events/:event/stream", h.stream)
	api.GET("/tickets/:id/code", h.ticketCode)
}

type openRequest struct {
	UserID   string `json:"userId" binding:"required"`
	UserName string `json:"userName"`
}

type postRequest struct {
	UserID string `json:"userId" binding:"required"`
	Text   string `json:"text"`
}

// snapshotResponse is the read model returned for a session.
type snapshotResponse struct {
	EventID  string               `json:"eventId"`
	State    string               `json:"state"`
	Messages []models.ChatMessage `json:"messages"`
}

func snapshot(u chat.Update) snapshotResponse {
	return snapshotResponse{EventID: u.EventID, State: u.State.String(), Messages: u.Messages}
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": len(h.registry.Keys()),
	})
}

func (h *handlers) openSession(c *gin.Context) {
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	s, created, err := h.registry.Open(c.Request.Context(), c.Param("event"), req.UserID, req.UserName)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, chat.ErrSessionClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, snapshot(s.Snapshot()))
}

func (h *handlers) closeSession(c *gin.Context) {
	found, err := h.registry.Close(c.Param("event"), c.Param("user"))
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not open"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// session resolves the session named by the route and a user id, writing
// a 404 if it is not open.
func (h *handlers) session(c *gin.Context, userID string) (*chat.Session, bool) {
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return nil, false
	}
	s, ok := h.registry.Get(c.Param("event"), userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not open"})
		return nil, false
	}
	return s, true
}

func (h *handlers) listMessages(c *gin.Context) {
	s, ok := h.session(c, c.Query("user"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snapshot(s.Snapshot()))
}

func (h *handlers) postMessage(c *gin.Context) {
	var req postRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "userId is required"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": chat.ErrEmptyMessage.Error()})
		return
	}
	s, ok := h.session(c, req.UserID)
	if !ok {
		return
	}
	msg, err := s.Send(c.Request.Context(), req.Text)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrSessionClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, msg)
	}
}

func (h *handlers) ticketCode(c *gin.Context) {
	t, err := h.store.GetTicket(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if t.Status != models.TicketValid {
		c.JSON(http.StatusConflict, gin.H{"error": "ticket is " + t.Status})
		return
	}
	now := time.Now()
	c.JSON(http.StatusOK, gin.H{
		"ticketId": t.ID,
		"code":     h.gen.Code(t.ID, t.ValidationToken, now),
		"window":   h.gen.Window(now),
		"timeLeft": h.gen.TimeLeft(now),
	})
}
