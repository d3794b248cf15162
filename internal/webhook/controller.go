package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Conversly/wa-orchestrator/internal/buffer"
	"github.com/Conversly/wa-orchestrator/internal/convo"
	"github.com/Conversly/wa-orchestrator/internal/tenant"
	"github.com/Conversly/wa-orchestrator/internal/utils"
)

// Controller owns the webhook HTTP surface: the Meta verification handshake,
// event reception and the operational dialog endpoints.
type Controller struct {
	dispatcher *Dispatcher
	registry   *tenant.Registry
	containers *tenant.Containers
	buffers    *buffer.Manager
	contexts   *convo.Store
	store      Store

	// fallbackVerifyToken verifies the handshake for tenants without their
	// own token.
	fallbackVerifyToken string
}

func NewController(dispatcher *Dispatcher, registry *tenant.Registry, containers *tenant.Containers, buffers *buffer.Manager, contexts *convo.Store, store Store, fallbackVerifyToken string) *Controller {
	return &Controller{
		dispatcher:          dispatcher,
		registry:            registry,
		containers:          containers,
		buffers:             buffers,
		contexts:            contexts,
		store:               store,
		fallbackVerifyToken: fallbackVerifyToken,
	}
}

// Verify answers Meta's webhook verification handshake.
func (c *Controller) Verify(ctx *gin.Context) {
	mode := ctx.Query("hub.mode")
	token := ctx.Query("hub.verify_token")
	challenge := ctx.Query("hub.challenge")

	if mode == "subscribe" && c.verifyTokenValid(token) {
		utils.Zlog.Info("Webhook verified")
		ctx.String(http.StatusOK, challenge)
		return
	}

	utils.Zlog.Warn("Webhook verification rejected", zap.String("mode", mode))
	ctx.JSON(http.StatusForbidden, gin.H{"error": "Verification failed"})
}

func (c *Controller) verifyTokenValid(token string) bool {
	if token == "" {
		return false
	}
	for _, cfg := range c.registry.All() {
		if cfg.VerifyToken != "" && cfg.VerifyToken == token {
			return true
		}
	}
	return c.fallbackVerifyToken != "" && token == c.fallbackVerifyToken
}

// Receive accepts a webhook event. Meta only needs to know the body parsed;
// all processing happens in the background so the 200 goes out immediately.
func (c *Controller) Receive(ctx *gin.Context) {
	body, err := io.ReadAll(ctx.Request.Body)
	if err != nil || !json.Valid(body) {
		utils.Zlog.Error("Unparseable webhook body", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Error processing webhook"})
		return
	}

	ctx.JSON(http.StatusOK, gin.H{"status": "received"})

	go c.dispatcher.Dispatch(context.Background(), body)
}

// NewConversation closes the active conversation for a dialog: buffer,
// working context and the database row. Runs under the conversation lock so
// an in-flight turn finishes first.
func (c *Controller) NewConversation(ctx *gin.Context) {
	tenantID := ctx.Param("tenantID")
	phone := ctx.Param("phone")

	cfg, ok := c.registry.Get(tenantID)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown tenant"})
		return
	}

	key := buffer.Key(phone, cfg.ID)
	err := c.buffers.WithLock(ctx.Request.Context(), key, func() error {
		c.buffers.ClearConversation(key)
		c.contexts.ResetConversation(cfg.ID, phone)
		return c.store.CloseConversation(ctx.Request.Context(), cfg.ID, phone)
	})
	if err != nil {
		utils.Zlog.Error("Failed to reset conversation",
			zap.String("tenant_id", tenantID),
			zap.String("phone", phone),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reset conversation"})
		return
	}

	utils.Zlog.Info("Conversation reset",
		zap.String("tenant_id", tenantID),
		zap.String("phone", phone))
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// History returns the persisted messages of a dialog's active conversation.
func (c *Controller) History(ctx *gin.Context) {
	tenantID := ctx.Param("tenantID")
	phone := ctx.Param("phone")

	cfg, ok := c.registry.Get(tenantID)
	if !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown tenant"})
		return
	}

	limit := 50
	if raw := ctx.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := c.store.ConversationHistory(ctx.Request.Context(), cfg.ID, phone, limit)
	if err != nil {
		utils.Zlog.Error("Failed to load conversation history",
			zap.String("tenant_id", tenantID),
			zap.String("phone", phone),
			zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load history"})
		return
	}

	messages := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		messages = append(messages, gin.H{
			"id":         row.ID,
			"role":       row.Role,
			"content":    row.Content,
			"metadata":   row.Metadata,
			"created_at": row.CreatedAt,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{
		"count":    len(messages),
		"messages": messages,
	})
}

// ActiveDialogs lists the dialog keys with a live message buffer.
func (c *Controller) ActiveDialogs(ctx *gin.Context) {
	keys := c.buffers.ActiveConversations()
	ctx.JSON(http.StatusOK, gin.H{
		"count":   len(keys),
		"dialogs": keys,
	})
}

// ReloadConfig drops a tenant's cached runtime so the next turn rebuilds it.
func (c *Controller) ReloadConfig(ctx *gin.Context) {
	tenantID := ctx.Param("tenantID")
	if _, ok := c.registry.Get(tenantID); !ok {
		ctx.JSON(http.StatusNotFound, gin.H{"error": "Unknown tenant"})
		return
	}
	c.containers.Invalidate(tenantID)
	utils.Zlog.Info("Tenant runtime invalidated", zap.String("tenant_id", tenantID))
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes mounts the webhook and dialog management endpoints.
func RegisterRoutes(router *gin.Engine, ctrl *Controller) {
	router.GET("/webhook", ctrl.Verify)
	router.POST("/webhook", ctrl.Receive)

	dialogs := router.Group("/dialogs")
	{
		dialogs.GET("/active", ctrl.ActiveDialogs)
		dialogs.GET("/:tenantID/:phone/history", ctrl.History)
		dialogs.POST("/:tenantID/:phone/new-conversation", ctrl.NewConversation)
	}

	router.POST("/tenants/:tenantID/reload-config", ctrl.ReloadConfig)
}
