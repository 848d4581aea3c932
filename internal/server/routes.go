package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures and returns a gin engine with all gateway routes.
// The presence and event endpoints require a bearer token.
func SetupRoutes(h *Hub) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Recovery(), requestLogger(h.log))

	r.GET("/", HealthHandler)
	r.GET("/ws", h.WebSocketHandler)
	r.GET("/test", TestPageHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/websocket")
	api.GET("/status", h.StatusHandler)

	authed := api.Group("", requireBearer(h.validator))
	authed.GET("/users/online", h.OnlineUsersHandler)
	authed.GET("/users/:id/online", h.UserOnlineHandler)
	authed.POST("/users/:id/events", h.ScheduleEventHandler)

	return r
}
