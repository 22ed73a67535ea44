package download

import (
	"github.com/labstack/echo/v4"
	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/offline"
)

// RegisterRoutes registers the offline library routes on g.
func RegisterRoutes(g *echo.Group, store *offline.Store, manager *Manager, conn *connectivity.Observer) {
	h := &handler{
		store:   store,
		manager: manager,
		conn:    conn,
	}

	g.GET("/books", h.list)
	g.GET("/books/:bookId", h.retrieve)
	g.GET("/books/:bookId/cover", h.cover)
	g.GET("/books/:bookId/chapters/:number", h.chapter)
	g.POST("/books/:bookId/download", h.download)
	g.DELETE("/books/:bookId/download", h.cancel)
	g.DELETE("/books/:bookId", h.deleteBook)
}
