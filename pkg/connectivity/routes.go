package connectivity

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type statusPayload struct {
	Online *bool `json:"online" validate:"required"`
}

// RegisterRoutes lets the reader report what its platform tells it about
// the network, and read back what the agent believes.
func RegisterRoutes(e *echo.Echo, o *Observer) {
	e.GET("/connectivity", func(c echo.Context) error {
		return errors.WithStack(c.JSON(http.StatusOK, map[string]bool{"online": o.IsOnline()}))
	})
	e.POST("/connectivity", func(c echo.Context) error {
		params := statusPayload{}
		if err := c.Bind(&params); err != nil {
			return errors.WithStack(err)
		}
		o.SetOnline(*params.Online)
		return errors.WithStack(c.JSON(http.StatusOK, map[string]bool{"online": o.IsOnline()}))
	})
}
