package questmind

import (
	"errors"
	"net/http"
	"time"

	"github.com/ghiac/questmind/engine"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/ghiac/questmind/multimodal"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter returns a gin engine with recovery, request logging and every
// QuestMind route registered
func (qm *QuestMind) NewRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	qm.RegisterRoutes(router)
	return router
}

// RegisterRoutes registers HTTP routes on the given gin.Engine
// Routes: /health, /metrics, /api/chat, /api/expense-chat, /api/actions/*, /api/threads/:id
func (qm *QuestMind) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", qm.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(qm.metricsRegistry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.POST("/chat", qm.handleChat)
	api.POST("/expense-chat", qm.handleExpenseChat)
	api.GET("/actions", qm.handleListActions)
	api.POST("/actions/execute", qm.handleExecuteAction)
	api.POST("/actions/proposals/:id/confirm", qm.handleConfirmProposal)
	api.DELETE("/actions/proposals/:id", qm.handleRejectProposal)
	api.GET("/threads/:id", qm.handleGetThread)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Log.Infof("[HTTP] %s %s | Status: %d | Duration: %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

// handleHealth handles health check requests
func (qm *QuestMind) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"operations": len(qm.registry.Specs()),
		"version":    Version(),
	})
}

type chatResponse struct {
	Success bool `json:"success"`
	*engine.Bundle
}

// handleChat runs one agent turn. Only a malformed request (400) or an
// unreachable model during planning (500) fail the call.
func (qm *QuestMind) handleChat(c *gin.Context) {
	input, ok := qm.readInput(c)
	if !ok {
		return
	}

	bundle, err := qm.engine.Chat(c.Request.Context(), engine.ChatRequest{
		ThreadID: input.ThreadID,
		Text:     input.Text,
		Images:   input.Images,
	})
	if err != nil {
		respondTurnError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{Success: true, Bundle: bundle})
}

type expenseResponse struct {
	Success bool `json:"success"`
	*engine.ExpenseBundle
}

func (qm *QuestMind) handleExpenseChat(c *gin.Context) {
	input, ok := qm.readInput(c)
	if !ok {
		return
	}

	bundle, err := qm.engine.Expense(c.Request.Context(), engine.ExpenseRequest{
		ThreadID: input.ThreadID,
		Text:     input.Text,
		Images:   input.Images,
	})
	if err != nil {
		respondTurnError(c, err)
		return
	}
	c.JSON(http.StatusOK, expenseResponse{Success: true, ExpenseBundle: bundle})
}

// readInput normalizes the request body and writes the 400 itself on failure
func (qm *QuestMind) readInput(c *gin.Context) (*multimodal.Input, bool) {
	input, err := multimodal.FromRequest(c.Request, qm.imageOpts)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return nil, false
	}
	return input, true
}

func respondTurnError(c *gin.Context, err error) {
	if model.IsValidation(err) {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
}

func (qm *QuestMind) handleListActions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"actions": qm.registry.Specs()})
}

type executeRequest struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
}

// handleExecuteAction validates and executes one operation directly,
// bypassing the agent loop
func (qm *QuestMind) handleExecuteAction(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	params, err := qm.registry.Validate(req.Operation, req.Params)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid action", "details": validationDetails(err)})
		return
	}

	result, err := qm.executor.Execute(c.Request.Context(), params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Action failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message, "data": result.Data})
}

func validationDetails(err error) any {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return ve.Fields
	}
	return err.Error()
}

func (qm *QuestMind) handleConfirmProposal(c *gin.Context) {
	result, err := qm.executor.Confirm(c.Request.Context(), c.Param("id"))
	if err != nil {
		var notFound *model.ProposalNotFoundError
		if errors.As(err, &notFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Action failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": result.Message, "data": result.Data})
}

func (qm *QuestMind) handleRejectProposal(c *gin.Context) {
	if err := qm.executor.Reject(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleGetThread returns the stored history and learnings of a thread.
// Unknown threads come back empty.
func (qm *QuestMind) handleGetThread(c *gin.Context) {
	thread, err := qm.threads.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, thread)
}
