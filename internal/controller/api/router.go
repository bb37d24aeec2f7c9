package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ogent/ogent/internal/common/logger"
	"github.com/ogent/ogent/internal/controller/auth"
	"github.com/ogent/ogent/internal/controller/command"
	"github.com/ogent/ogent/internal/controller/registry"
	"github.com/ogent/ogent/internal/controller/router"
	"github.com/ogent/ogent/internal/controller/ws"
)

// SetupRoutes configures the controller HTTP surface: token and health on the
// root, the authenticated REST API under /api/v1, and the event-protocol
// websocket endpoint.
func SetupRoutes(
	engine *gin.Engine,
	authSvc *auth.Service,
	agents *registry.Registry,
	commands *command.Registry,
	rt *router.Router,
	wsHandler *ws.Handler,
	log *logger.Logger,
) {
	handler := NewHandler(authSvc, agents, commands, rt, log)

	engine.POST("/token", handler.Token)
	engine.GET("/health", handler.Health)

	// Event channel; agents pass the token as a query parameter.
	engine.GET("/ws", auth.Middleware(authSvc), wsHandler.Serve)

	v1 := engine.Group("/api/v1", auth.Middleware(authSvc))
	{
		agentsGroup := v1.Group("/agents")
		{
			agentsGroup.GET("", handler.ListAgents)
			agentsGroup.GET("/:agentId", handler.GetAgent)
			agentsGroup.GET("/:agentId/commands", handler.ListAgentCommands)
			agentsGroup.POST("/:agentId/execute", handler.ExecuteCommand)
			agentsGroup.POST("/:agentId/analyze", handler.AnalyzeCommand)
		}

		commandsGroup := v1.Group("/commands")
		{
			commandsGroup.GET("", handler.ListCommands)
			commandsGroup.GET("/:commandId", handler.GetCommand)
			commandsGroup.POST("/:commandId/cancel", handler.CancelCommand)
		}
	}
}
