package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/binder"
	"github.com/pothabooks/potha/pkg/config"
	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/download"
	"github.com/pothabooks/potha/pkg/errcodes"
	"github.com/pothabooks/potha/pkg/interceptor"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/syncer"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
)

// Services are the components the local API exposes.
type Services struct {
	Store        *offline.Store
	Downloads    *download.Manager
	Sync         *syncer.Manager
	Connectivity *connectivity.Observer
	Interceptor  *interceptor.Interceptor
}

func New(cfg *config.Config, svc Services) (*http.Server, error) {
	e, err := NewHandler(svc)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return srv, nil
}

// NewHandler builds the echo instance serving the local API. Requests that
// match no local route go through the interceptor to the platform.
func NewHandler(svc Services) (*echo.Echo, error) {
	e := echo.New()
	e.HideBanner = true

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())

	health.RegisterRoutes(e)

	download.RegisterRoutes(e.Group("/offline"), svc.Store, svc.Downloads, svc.Connectivity)
	syncer.RegisterRoutes(e, svc.Sync)
	connectivity.RegisterRoutes(e, svc.Connectivity)
	interceptor.RegisterRoutes(e, svc.Interceptor)

	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	return e, nil
}
