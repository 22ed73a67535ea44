package interceptor

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/errcodes"
	"github.com/robinjoseph08/golib/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The agent only listens locally; the reader's origin varies by shell.
	CheckOrigin: func(*http.Request) bool { return true },
}

// RegisterRoutes registers the client control routes and sends every
// request no other route matched through the interceptor.
func RegisterRoutes(e *echo.Echo, i *Interceptor) {
	g := e.Group("/sw")
	g.POST("/messages", func(c echo.Context) error {
		msg := Message{}
		if err := c.Bind(&msg); err != nil {
			return errors.WithStack(err)
		}
		if err := i.Post(c.Request().Context(), msg); err != nil {
			if errors.Is(err, ErrInvalidMessage) {
				return errcodes.ValidationError(err.Error())
			}
			return errors.WithStack(err)
		}
		return errors.WithStack(c.NoContent(http.StatusAccepted))
	})
	g.GET("/clients", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.FromContext(c.Request().Context()).Err(err).Warn("websocket upgrade failed")
			return nil
		}
		i.Hub().ServeConn(conn)
		return nil
	})
	g.GET("/status", func(c echo.Context) error {
		phase, generation := i.Phase()
		size, err := i.storage.TotalSize()
		if err != nil {
			return errors.WithStack(err)
		}
		names, err := i.storage.Names()
		if err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(c.JSON(http.StatusOK, map[string]any{
			"phase":      phase,
			"generation": generation,
			"clients":    i.Hub().Count(),
			"caches":     names,
			"size_bytes": size,
		}))
	})

	e.Any("/*", echo.WrapHandler(i))
}
