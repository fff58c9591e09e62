// Copyright 2024 AI Plan Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package conversation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/your-org/ai-plan-assistant/internal/plan"
	"github.com/your-org/ai-plan-assistant/internal/resilience"
	"github.com/your-org/ai-plan-assistant/internal/session"
)

// TurnResult is what one completed dialogue turn produces
type TurnResult struct {
	ReplyText        string
	Stage            plan.Stage
	PlanSnapshot     plan.Snapshot
	SuggestedReplies []string
}

// TurnRunner runs a single dialogue turn for a session
type TurnRunner interface {
	HandleTurn(ctx context.Context, sessionID, userMessage string) (*TurnResult, error)
}

// APIHandler handles HTTP requests for the planning dialogue
type APIHandler struct {
	turns    TurnRunner
	sessions *session.Manager
	errors   *resilience.ErrorHandler
	logger   *zap.Logger
}

// NewAPIHandler creates a new dialogue API handler
func NewAPIHandler(turns TurnRunner, sessions *session.Manager, logger *zap.Logger) *APIHandler {
	return &APIHandler{
		turns:    turns,
		sessions: sessions,
		errors:   resilience.NewErrorHandler(logger),
		logger:   logger,
	}
}

// RegisterRoutes registers the dialogue API routes with the Gin router
func (h *APIHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/agent", h.handleAgentTurn)

	api := router.Group("/api/v1/sessions")
	{
		api.GET("/:id/plan", h.getPlan)
		api.GET("/:id/export", h.exportPlan)
		api.DELETE("/:id", h.deleteSession)
	}
}

// AgentRequest represents one user turn. SessionID may be empty on the first
// turn; the response carries the id to use from then on.
type AgentRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message" binding:"required"`
}

// AgentResponse represents the assistant's turn result
type AgentResponse struct {
	SessionID        string        `json:"session_id"`
	Reply            string        `json:"reply"`
	Stage            plan.Stage    `json:"stage"`
	Plan             plan.Snapshot `json:"plan"`
	SuggestedReplies []string      `json:"suggested_replies,omitempty"`
}

// handleAgentTurn handles POST /agent
func (h *APIHandler) handleAgentTurn(c *gin.Context) {
	var req AgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format", "details": err.Error()})
		return
	}

	message := session.SanitizeUserInput(req.Message)
	if message == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Message cannot be empty"})
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = session.GenerateSessionID()
	} else if !session.ValidateSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID format"})
		return
	}

	result, err := h.turns.HandleTurn(c.Request.Context(), sessionID, message)
	if err != nil {
		h.errors.LogError(err, "agent turn", zap.String("session_id", sessionID))
		h.errors.WriteErrorResponse(c.Writer, err, c.GetHeader("X-Request-ID"))
		return
	}

	c.JSON(http.StatusOK, AgentResponse{
		SessionID:        sessionID,
		Reply:            result.ReplyText,
		Stage:            result.Stage,
		Plan:             result.PlanSnapshot,
		SuggestedReplies: result.SuggestedReplies,
	})
}

// getPlan handles GET /api/v1/sessions/:id/plan
func (h *APIHandler) getPlan(c *gin.Context) {
	sessionID := c.Param("id")
	if !session.ValidateSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID format"})
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to load session", zap.String("id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"plan":       sess.State.Snapshot(),
		"answered":   sess.State.AnswerCount(),
	})
}

// exportPlan handles GET /api/v1/sessions/:id/export. It serves the same
// snapshot as getPlan but as a downloadable document.
func (h *APIHandler) exportPlan(c *gin.Context) {
	sessionID := c.Param("id")
	if !session.ValidateSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID format"})
		return
	}

	sess, err := h.sessions.Get(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		h.logger.Error("Failed to load session for export", zap.String("id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load session"})
		return
	}

	exportData := gin.H{
		"session_id":  sess.ID,
		"stage":       sess.State.Stage,
		"plan":        sess.State.Snapshot(),
		"summary":     sess.State.Summary,
		"answered":    sess.State.AnswerCount(),
		"created_at":  sess.CreatedAt,
		"updated_at":  sess.UpdatedAt,
		"exported_at": time.Now(),
		"version":     "1.0",
	}

	filename := fmt.Sprintf("plan_%s_%s.json", sess.ID, sess.CreatedAt.Format("2006-01-02"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/json")

	c.JSON(http.StatusOK, exportData)
}

// deleteSession handles DELETE /api/v1/sessions/:id
func (h *APIHandler) deleteSession(c *gin.Context) {
	sessionID := c.Param("id")
	if !session.ValidateSessionID(sessionID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session ID format"})
		return
	}

	if err := h.sessions.Delete(c.Request.Context(), sessionID); err != nil {
		h.logger.Error("Failed to delete session", zap.String("id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete session"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session deleted successfully"})
}

// RequestLoggingMiddleware logs requests in the agent API's format
func (h *APIHandler) RequestLoggingMiddleware() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		var statusColor, methodColor, resetColor string
		if param.IsOutputColor() {
			statusColor = param.StatusCodeColor()
			methodColor = param.MethodColor()
			resetColor = param.ResetColor()
		}

		return fmt.Sprintf("%s[AGENT-API]%s %v |%s %3d %s| %13v | %15s |%s %-7s %s %#v\n%s",
			methodColor, resetColor,
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			statusColor, param.StatusCode, resetColor,
			param.Latency,
			param.ClientIP,
			methodColor, param.Method, resetColor,
			param.Path,
			param.ErrorMessage,
		)
	})
}

// CORSMiddleware restricts browser access to the configured origins. A "*"
// entry allows any origin.
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Accept, Origin, X-Request-ID")
		c.Header("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
