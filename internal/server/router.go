package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ensemble-studio/ensemble/internal/access"
	"github.com/ensemble-studio/ensemble/internal/auth"
	"github.com/ensemble-studio/ensemble/internal/room"
)

const (
	userIDContextKey   = "ensemble_user_id"
	userNameContextKey = "ensemble_user_name"

	accessCheckTimeout = 5 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingAccessGate       = errors.New("access gate dependency required")
	errMissingRegistry         = errors.New("room registry dependency required")
)

// SessionValidator resolves the authenticated user behind a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP surface to the sync core.
type Dependencies struct {
	Sessions SessionValidator
	Gate     *access.Gate
	Registry *room.Registry
	Logger   *zap.Logger
}

// NewHTTPHandler builds the relay and invite router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Gate == nil {
		return nil, errMissingAccessGate
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		sessions: deps.Sessions,
		gate:     deps.Gate,
		registry: deps.Registry,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/sync/:documentID", handler.handleRelay)
	protected.GET("/sync/:documentID/state", handler.handleState)
	protected.POST("/projects/:projectID/invites", handler.handleCreateInvite)
	protected.GET("/projects/:projectID/invites", handler.handleListInvites)
	protected.DELETE("/projects/:projectID/invites/:role", handler.handleRevokeInvite)
	protected.POST("/invites/:token/redeem", handler.handleRedeemInvite)
	protected.DELETE("/projects/:projectID", handler.handleDeleteProject)

	return router, nil
}

type httpHandler struct {
	sessions SessionValidator
	gate     *access.Gate
	registry *room.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Set(userNameContextKey, claims.UserDisplayName)
	c.Next()
}

// handleRelay resolves the caller's role, rejects outsiders before the
// upgrade, and hands the socket to the document's actor.
func (h *httpHandler) handleRelay(c *gin.Context) {
	userID, documentID, role, ok := h.resolveAccess(c)
	if !ok {
		return
	}
	if role == access.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "ACCESS_DENIED"})
		return
	}

	userName := c.GetString(userNameContextKey)
	if userName == "" {
		userName = h.gate.DisplayName(c.Request.Context(), userID)
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	conn := newRelayConn(ws, clientID, userID.String(), userName, role, h.logger)

	actor, err := h.registry.Attach(c.Request.Context(), documentID.String(), conn)
	if err != nil {
		h.logger.Error("actor attach failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		conn.Close()
		return
	}

	go conn.writePump()
	go conn.readPump(actor)
}

// handleState serves a point-in-time full replica serialization without
// joining live sync.
func (h *httpHandler) handleState(c *gin.Context) {
	_, documentID, role, ok := h.resolveAccess(c)
	if !ok {
		return
	}
	if role == access.RoleNone {
		c.JSON(http.StatusForbidden, gin.H{"error": "ACCESS_DENIED"})
		return
	}

	state, err := h.registry.FullState(c.Request.Context(), documentID.String())
	if err != nil {
		h.logger.Error("state fetch failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state_fetch_failed"})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", state)
}

type createInvitePayload struct {
	Role    string `json:"role"`
	MaxUses int64  `json:"max_uses"`
}

type invitePayload struct {
	Role      string `json:"role"`
	Token     string `json:"token,omitempty"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at_s"`
}

func (h *httpHandler) handleCreateInvite(c *gin.Context) {
	userID, projectID, ok := h.requireProjectCaller(c)
	if !ok {
		return
	}

	var request createInvitePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := access.NewInviteRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}

	record, err := h.gate.CreateInvite(c.Request.Context(), projectID, userID, role, request.MaxUses)
	if err != nil {
		h.respondGateError(c, err)
		return
	}
	c.JSON(http.StatusCreated, invitePayload{
		Role:      record.Role.String(),
		Token:     record.Token,
		URL:       inviteURL(record.Token),
		ExpiresAt: record.ExpiresAt.Unix(),
	})
}

func (h *httpHandler) handleListInvites(c *gin.Context) {
	userID, projectID, ok := h.requireProjectCaller(c)
	if !ok {
		return
	}

	records, err := h.gate.ListInvites(c.Request.Context(), projectID, userID)
	if err != nil {
		h.respondGateError(c, err)
		return
	}
	invites := make([]invitePayload, 0, len(records))
	for _, record := range records {
		invites = append(invites, invitePayload{
			Role:      record.Role.String(),
			URL:       inviteURL(record.Token),
			ExpiresAt: record.ExpiresAt.Unix(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"invites": invites})
}

func (h *httpHandler) handleRevokeInvite(c *gin.Context) {
	userID, projectID, ok := h.requireProjectCaller(c)
	if !ok {
		return
	}
	role, err := access.NewInviteRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	if err := h.gate.RevokeInvite(c.Request.Context(), projectID, role, userID); err != nil {
		h.respondGateError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRedeemInvite(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	token := c.Param("token")
	role, err := h.gate.RedeemInvite(c.Request.Context(), token, userID)
	if err != nil {
		h.respondGateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"role": role.String()})
}

// handleDeleteProject purges the project's access rows, then its document:
// the live actor clears and persists the emptied replica and disconnects
// every attached session before the stored snapshot is removed.
func (h *httpHandler) handleDeleteProject(c *gin.Context) {
	userID, projectID, ok := h.requireProjectCaller(c)
	if !ok {
		return
	}
	if err := h.gate.DeleteProject(c.Request.Context(), projectID, userID); err != nil {
		h.respondGateError(c, err)
		return
	}
	if err := h.registry.DeleteDocument(c.Request.Context(), projectID.String()); err != nil {
		h.logger.Error("document purge failed",
			zap.String("project_id", projectID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "purge_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) requireUser(c *gin.Context) (access.UserID, bool) {
	userID, err := access.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) requireProjectCaller(c *gin.Context) (access.UserID, access.ProjectID, bool) {
	userID, ok := h.requireUser(c)
	if !ok {
		return "", "", false
	}
	projectID, err := access.NewProjectID(c.Param("projectID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_project"})
		return "", "", false
	}
	return userID, projectID, true
}

// resolveAccess authenticates the caller against the document's project. The
// check runs under a bounded deadline so a stalled lookup fails the request
// instead of leaving the connection pending.
func (h *httpHandler) resolveAccess(c *gin.Context) (access.UserID, access.ProjectID, access.Role, bool) {
	userID, ok := h.requireUser(c)
	if !ok {
		return "", "", access.RoleNone, false
	}
	documentID, err := access.NewProjectID(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return "", "", access.RoleNone, false
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), accessCheckTimeout)
	defer cancel()
	role, err := h.gate.Resolve(ctx, documentID, userID)
	if err != nil {
		h.logger.Error("access resolution failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_check_failed"})
		return "", "", access.RoleNone, false
	}
	return userID, documentID, role, true
}

func (h *httpHandler) respondGateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, access.ErrInviteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "INVITE_NOT_FOUND"})
	case errors.Is(err, access.ErrInviteExpired):
		c.JSON(http.StatusGone, gin.H{"error": "INVITE_EXPIRED"})
	case errors.Is(err, access.ErrInviteAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "INVITE_ALREADY_USED"})
	case errors.Is(err, access.ErrAccessDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "ACCESS_DENIED"})
	case errors.Is(err, access.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
	default:
		h.logger.Error("gate request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func inviteURL(token string) string {
	return "/invites/" + token + "/redeem"
}
