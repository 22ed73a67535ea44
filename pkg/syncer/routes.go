package syncer

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes registers the progress and sync routes.
func RegisterRoutes(e *echo.Echo, manager *Manager) {
	h := &handler{manager: manager}

	e.POST("/offline/progress", h.recordProgress)
	e.GET("/offline/progress/:bookId", h.progress)

	g := e.Group("/sync")
	g.GET("/status", h.status)
	g.POST("", h.sync)
	g.GET("/dead-letters", h.deadLetters)
	g.POST("/dead-letters/:id/requeue", h.requeue)
}
