package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/MirkoSon/SohnBot/pkg/gateway"
)

type toolRequest struct {
	ChatID string         `json:"chat_id"`
	Args   map[string]any `json:"args"`
}

// SetToolDispatcher enables the loopback tool endpoint for the agent
// runtime.
func (s *Server) SetToolDispatcher(d *gateway.ToolDispatcher) {
	s.dispatcher = d
}

// InvokeTool routes one agent tool call through the broker and returns the
// full broker result.
func (s *Server) InvokeTool(c *gin.Context) {
	if s.dispatcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tool dispatch not configured"})
		return
	}

	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res := s.dispatcher.Invoke(c.Request.Context(), c.Param("name"), req.Args, req.ChatID)
	c.JSON(http.StatusOK, gin.H{
		"result": res,
		"text":   gateway.RenderResult(res),
	})
}

// ListTools names every agent-facing tool.
func (s *Server) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": gateway.ToolNames})
}
