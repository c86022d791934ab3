package session

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/elraffme/oloo-live/internal/models"
	"github.com/elraffme/oloo-live/internal/tokens"
	"github.com/elraffme/oloo-live/internal/transport"
	"github.com/elraffme/oloo-live/pkg/response"
	"github.com/elraffme/oloo-live/pkg/storage"
)

// CreateRequest is the body for POST /sessions.
type CreateRequest struct {
	HostID    string `json:"host_id" binding:"required,uuid"`
	Title     string `json:"title" binding:"required"`
	IsPrivate bool   `json:"is_private"`
	JoinCode  string `json:"join_code"`
}

// StartRequest is the body for POST /sessions/:id/start.
type StartRequest struct {
	Camera bool `json:"camera"`
	Mic    bool `json:"mic"`
}

// JoinRequest is the body for POST /sessions/:id/join.
type JoinRequest struct {
	DisplayName string `json:"display_name"`
	IsGuest     bool   `json:"is_guest"`
	JoinCode    string `json:"join_code"`
}

// Handler handles session HTTP endpoints.
type Handler struct {
	orch *Orchestrator
	tok  *tokens.Service
	s3   *storage.S3 // nil when archive storage is disabled
}

// NewHandler creates a session handler.
func NewHandler(orch *Orchestrator, tok *tokens.Service, s3 *storage.S3) *Handler {
	return &Handler{orch: orch, tok: tok, s3: s3}
}

func (h *Handler) sessionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return uuid.Nil, false
	}
	return id, true
}

// claims extracts and validates the bearer participant token, and checks it
// belongs to the addressed session.
func (h *Handler) claims(c *gin.Context, sessionID uuid.UUID) (*tokens.Claims, bool) {
	raw := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	if raw == "" {
		response.Unauthorized(c, "token required")
		return nil, false
	}
	claims, err := h.tok.Validate(raw)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		return nil, false
	}
	if claims.SessionID != sessionID {
		response.Forbidden(c, "token is for a different session")
		return nil, false
	}
	return claims, true
}

// Create handles POST /sessions: creates a pending session and returns the
// host's participant token.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	hostID, err := uuid.Parse(req.HostID)
	if err != nil {
		response.BadRequest(c, "invalid host_id")
		return
	}
	sess, token, err := h.orch.CreateSession(c.Request.Context(), hostID, req.Title, req.IsPrivate, req.JoinCode)
	if err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Created(c, gin.H{"session": sess, "token": token})
}

// Start handles POST /sessions/:id/start: the host goes live.
func (h *Handler) Start(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	claims, ok := h.claims(c, id)
	if !ok {
		return
	}
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	hs := h.orch.hosted(id)
	if hs == nil {
		response.NotFound(c, "session is not hosted here")
		return
	}
	if claims.ParticipantID != hs.hostPID {
		response.Forbidden(c, "only the host may start")
		return
	}
	constraints := transport.MediaConstraints{Camera: req.Camera, Mic: req.Mic}
	if constraints.Empty() {
		constraints = transport.MediaConstraints{Camera: true, Mic: true}
	}
	sess, err := h.orch.GoLive(c.Request.Context(), id, constraints)
	if err != nil {
		response.Conflict(c, err.Error())
		return
	}
	response.OK(c, gin.H{"session": sess})
}

// Get handles GET /sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	sess, err := h.orch.sessions.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	active, err := h.orch.participants.CountActive(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	response.OK(c, gin.H{"session": sess, "active_participants": active})
}

// Viewers handles GET /sessions/:id/viewers: the currently connected
// participant rows plus a count.
func (h *Handler) Viewers(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	list, err := h.orch.participants.ListActive(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	response.OK(c, gin.H{"count": len(list), "viewers": list})
}

// Join handles POST /sessions/:id/join: viewers, guests included, get a
// session-scoped participant token.
func (h *Handler) Join(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, token, err := h.orch.JoinSession(c.Request.Context(), id, req.DisplayName, req.IsGuest, req.JoinCode)
	switch {
	case errors.Is(err, ErrSessionNotJoinable):
		response.Conflict(c, err.Error())
		return
	case errors.Is(err, ErrBadJoinCode):
		response.Forbidden(c, err.Error())
		return
	case err != nil:
		response.Internal(c, "join failed")
		return
	}
	response.OK(c, gin.H{"participant": p, "token": token})
}

// Leave handles POST /sessions/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	claims, ok := h.claims(c, id)
	if !ok {
		return
	}
	if err := h.orch.LeaveSession(c.Request.Context(), id, claims.ParticipantID); err != nil {
		response.Internal(c, "leave failed")
		return
	}
	response.NoContent(c)
}

// End handles POST /sessions/:id/end (host only).
func (h *Handler) End(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	claims, ok := h.claims(c, id)
	if !ok {
		return
	}
	err := h.orch.EndSession(c.Request.Context(), id, claims.ParticipantID)
	switch {
	case errors.Is(err, ErrNotHost):
		response.Forbidden(c, err.Error())
		return
	case errors.Is(err, ErrNoLocalSession):
		response.NotFound(c, err.Error())
		return
	case err != nil:
		response.Internal(c, "end failed")
		return
	}
	response.NoContent(c)
}

// Reset handles POST /sessions/:id/reset (host only): force a re-publish
// without ending the session.
func (h *Handler) Reset(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	claims, ok := h.claims(c, id)
	if !ok {
		return
	}
	err := h.orch.ResetStream(c.Request.Context(), id, claims.ParticipantID)
	switch {
	case errors.Is(err, ErrNotHost):
		response.Forbidden(c, err.Error())
		return
	case errors.Is(err, ErrNoLocalSession):
		response.NotFound(c, err.Error())
		return
	case err != nil:
		response.Conflict(c, err.Error())
		return
	}
	response.NoContent(c)
}

// Archive handles GET /sessions/:id/archive: a presigned download URL for the
// exported session summary. Only archived sessions have one.
func (h *Handler) Archive(c *gin.Context) {
	id, ok := h.sessionID(c)
	if !ok {
		return
	}
	sess, err := h.orch.sessions.GetByID(c.Request.Context(), id)
	if err != nil {
		response.Internal(c, "lookup failed")
		return
	}
	if sess == nil {
		response.NotFound(c, "session not found")
		return
	}
	if sess.Status != models.SessionArchived || sess.ArchiveURL == nil || *sess.ArchiveURL == "" {
		response.NotFound(c, "no archive export for this session")
		return
	}
	if h.s3 == nil {
		response.OK(c, gin.H{"url": *sess.ArchiveURL})
		return
	}
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(),
		h.s3.ArchivesBucket(), storage.ArchiveKey(id.String()), h.s3.PresignExpire())
	if err != nil {
		response.Internal(c, "presign failed")
		return
	}
	response.OK(c, gin.H{"url": url, "expires_in_seconds": int(h.s3.PresignExpire().Seconds())})
}

// RegisterRoutes mounts the session endpoints.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/sessions", h.Create)
	r.GET("/sessions/:id", h.Get)
	r.GET("/sessions/:id/viewers", h.Viewers)
	r.GET("/sessions/:id/archive", h.Archive)
	r.POST("/sessions/:id/start", h.Start)
	r.POST("/sessions/:id/join", h.Join)
	r.POST("/sessions/:id/leave", h.Leave)
	r.POST("/sessions/:id/end", h.End)
	r.POST("/sessions/:id/reset", h.Reset)
}
