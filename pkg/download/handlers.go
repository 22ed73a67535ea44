package download

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/errcodes"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/robinjoseph08/golib/logger"
)

type handler struct {
	store   *offline.Store
	manager *Manager
	conn    *connectivity.Observer
}

type bookParams struct {
	BookID string `param:"bookId" validate:"bookid"`
}

type chapterParams struct {
	BookID        string `param:"bookId" validate:"bookid"`
	ChapterNumber int    `param:"number" validate:"min=1"`
}

type downloadPayload struct {
	BookID        string `json:"-" param:"bookId" validate:"bookid"`
	TitleSi       string `json:"title_si" mod:"trim"`
	TitleEn       string `json:"title_en" mod:"trim"`
	AuthorSi      string `json:"author_si" mod:"trim"`
	AuthorEn      string `json:"author_en" mod:"trim"`
	TotalChapters int    `json:"total_chapters" validate:"min=1"`
	CoverURL      string `json:"cover_url" mod:"trim"`
	FromChapter   int    `json:"from_chapter" validate:"min=0"`
	ToChapter     int    `json:"to_chapter" validate:"min=0"`
	// Wait holds the response until the download finishes.
	Wait bool `json:"wait"`
}

type bookResponse struct {
	*models.DownloadedBook
	Download Progress `json:"download"`
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	books, err := h.store.ListBooks(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	usage, err := h.store.StorageUsage(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	result := make([]bookResponse, 0, len(books))
	for _, book := range books {
		progress, err := h.manager.GetDownloadProgress(ctx, book.BookID)
		if err != nil {
			return errors.WithStack(err)
		}
		result = append(result, bookResponse{book, progress})
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]any{
		"books":         result,
		"total":         len(result),
		"storage_bytes": usage,
	}))
}

func (h *handler) retrieve(c echo.Context) error {
	ctx := c.Request().Context()

	params := bookParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	progress, err := h.manager.GetDownloadProgress(ctx, params.BookID)
	if err != nil {
		return errors.WithStack(err)
	}
	book, err := h.store.GetBook(ctx, params.BookID)
	if errors.Is(err, offline.ErrNotFound) {
		// A queued download has no stored book yet.
		if progress.Status == StatusNotDownloaded {
			return errcodes.NotFound("Book")
		}
		book = &models.DownloadedBook{BookID: params.BookID, TotalChapters: progress.Total}
	} else if err != nil {
		return storeError(err, "Book")
	}

	return errors.WithStack(c.JSON(http.StatusOK, bookResponse{book, progress}))
}

func (h *handler) cover(c echo.Context) error {
	ctx := c.Request().Context()

	params := bookParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	book, err := h.store.GetBook(ctx, params.BookID)
	if err != nil {
		return storeError(err, "Book")
	}
	if len(book.CoverImage) == 0 || book.CoverMimeType == nil {
		return errcodes.NotFound("Cover")
	}

	c.Response().Header().Set("Cache-Control", "no-cache")
	return errors.WithStack(c.Blob(http.StatusOK, *book.CoverMimeType, book.CoverImage))
}

func (h *handler) chapter(c echo.Context) error {
	ctx := c.Request().Context()

	params := chapterParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	chapter, err := h.store.GetChapter(ctx, params.BookID, params.ChapterNumber)
	if err != nil {
		return storeError(err, "Chapter")
	}
	if err := h.store.TouchBook(ctx, params.BookID); err != nil {
		logger.FromContext(ctx).Err(err).Warn("failed to update last accessed time", logger.Data{"book_id": params.BookID})
	}

	return errors.WithStack(c.JSON(http.StatusOK, chapter))
}

func (h *handler) download(c echo.Context) error {
	ctx := c.Request().Context()

	params := downloadPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}
	if !h.conn.IsOnline() {
		return errcodes.Offline("Downloading a book needs a connection.")
	}

	handle, err := h.manager.DownloadBook(ctx, Book{
		BookID:        params.BookID,
		TitleSi:       params.TitleSi,
		TitleEn:       params.TitleEn,
		AuthorSi:      params.AuthorSi,
		AuthorEn:      params.AuthorEn,
		TotalChapters: params.TotalChapters,
		CoverURL:      params.CoverURL,
		FromChapter:   params.FromChapter,
		ToChapter:     params.ToChapter,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	if !params.Wait {
		return errors.WithStack(c.JSON(http.StatusAccepted, handle.Progress()))
	}

	select {
	case <-handle.Done():
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	}
	if err := handle.Wait(); err != nil && !errors.Is(err, ErrCancelled) {
		return downloadError(err)
	}
	return errors.WithStack(c.JSON(http.StatusOK, handle.Progress()))
}

func (h *handler) cancel(c echo.Context) error {
	params := bookParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	cancelled := h.manager.CancelDownload(params.BookID)
	return errors.WithStack(c.JSON(http.StatusOK, map[string]any{"cancelled": cancelled}))
}

func (h *handler) deleteBook(c echo.Context) error {
	ctx := c.Request().Context()

	params := bookParams{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.manager.DeleteDownload(ctx, params.BookID); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(c.NoContent(http.StatusNoContent))
}

func storeError(err error, resource string) error {
	switch {
	case errors.Is(err, offline.ErrNotFound):
		return errcodes.NotFound(resource)
	case errors.Is(err, offline.ErrCorrupt):
		return errcodes.Corrupt(resource)
	case errors.Is(err, offline.ErrQuotaExceeded):
		return errcodes.QuotaExceeded()
	}
	return errors.WithStack(err)
}

func downloadError(err error) error {
	var derr *Error
	if !errors.As(err, &derr) {
		return errors.WithStack(err)
	}
	switch derr.Kind {
	case ErrorKindAccessDenied:
		return errcodes.AccessDenied(fmt.Sprintf("chapter %d of this book", derr.ChapterNumber))
	case ErrorKindNotFound:
		return errcodes.NotFound(fmt.Sprintf("Chapter %d", derr.ChapterNumber))
	case ErrorKindNetwork:
		return errcodes.Offline("The platform stopped responding during the download.")
	case ErrorKindQuotaExceeded:
		return errcodes.QuotaExceeded()
	case ErrorKindRejected:
		return errcodes.Rejected(fmt.Sprintf("The platform refused chapter %d.", derr.ChapterNumber))
	}
	return errors.WithStack(err)
}
