package syncer

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/errcodes"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/robinjoseph08/golib/logger"
)

type handler struct {
	manager *Manager
}

type progressParams struct {
	BookID string `param:"bookId" validate:"bookid"`
}

type requeueParams struct {
	ID int64 `param:"id" validate:"min=1"`
}

func (h *handler) recordProgress(c echo.Context) error {
	ctx := c.Request().Context()

	params := ProgressInput{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	progress, err := h.manager.RecordProgress(ctx, params)
	if err != nil {
		if errors.Is(err, offline.ErrQuotaExceeded) {
			return errcodes.QuotaExceeded()
		}
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, progress))
}

func (h *handler) progress(c echo.Context) error {
	ctx := c.Request().Context()

	params := progressParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	progress, err := h.manager.Progress(ctx, params.BookID)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.JSON(http.StatusOK, progress))
}

func (h *handler) status(c echo.Context) error {
	return errors.WithStack(c.JSON(http.StatusOK, h.manager.State()))
}

// sync runs a pass and reports the resulting state. Failures that are part
// of the state, like a rejected update, aren't HTTP errors.
func (h *handler) sync(c echo.Context) error {
	ctx := c.Request().Context()

	err := h.manager.Sync(ctx)
	switch {
	case errors.Is(err, ErrOffline):
		return errcodes.Offline("Sync needs a connection.")
	case err != nil:
		logger.FromContext(ctx).Err(err).Info("sync pass ended early")
	}

	return errors.WithStack(c.JSON(http.StatusOK, h.manager.State()))
}

func (h *handler) deadLetters(c echo.Context) error {
	ctx := c.Request().Context()

	items, err := h.manager.ListDeadLetters(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.JSON(http.StatusOK, map[string]any{
		"updates": items,
		"total":   len(items),
	}))
}

func (h *handler) requeue(c echo.Context) error {
	ctx := c.Request().Context()
	c.Set("disallow_empty_body", false)

	params := requeueParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.manager.Requeue(ctx, params.ID); err != nil {
		if errors.Is(err, offline.ErrNotFound) {
			return errcodes.NotFound("Dead-lettered update")
		}
		return errors.WithStack(err)
	}
	return errors.WithStack(c.JSON(http.StatusOK, h.manager.State()))
}
