package offline

import (
	"context"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/uptrace/bun"
)

// PutBook creates the book record, or refreshes its metadata snapshot if it
// already exists. The downloaded chapter set and cover are left untouched on
// refresh.
func (s *Store) PutBook(ctx context.Context, book *models.DownloadedBook) error {
	now := s.now()
	if book.DownloadedAt.IsZero() {
		book.DownloadedAt = now
	}
	book.LastAccessedAt = now
	if book.DownloadedChapters == nil {
		book.DownloadedChapters = models.ChapterSet{}
	}

	_, err := s.db.NewInsert().
		Model(book).
		ExcludeColumn("cover_image", "cover_mime_type").
		On("CONFLICT (book_id) DO UPDATE").
		Set("title_si = EXCLUDED.title_si").
		Set("title_en = EXCLUDED.title_en").
		Set("author_si = EXCLUDED.author_si").
		Set("author_en = EXCLUDED.author_en").
		Set("total_chapters = EXCLUDED.total_chapters").
		Set("last_accessed_at = EXCLUDED.last_accessed_at").
		Exec(ctx)
	return translateErr(err)
}

func (s *Store) GetBook(ctx context.Context, bookID string) (*models.DownloadedBook, error) {
	book := new(models.DownloadedBook)
	err := s.db.NewSelect().
		Model(book).
		Where("ob.book_id = ?", bookID).
		Scan(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return book, nil
}

// ListBooks returns every downloaded book, most recently accessed first.
func (s *Store) ListBooks(ctx context.Context) ([]*models.DownloadedBook, error) {
	var books []*models.DownloadedBook
	err := s.db.NewSelect().
		Model(&books).
		ExcludeColumn("cover_image").
		Order("ob.last_accessed_at DESC").
		Scan(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return books, nil
}

// DeleteBook removes the book and, through the foreign key cascade, all of
// its chapters. Deleting a missing book is not an error.
func (s *Store) DeleteBook(ctx context.Context, bookID string) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		// Delete chapters explicitly too, in case foreign keys are off on
		// this connection.
		_, err := tx.NewDelete().
			Model((*models.DownloadedChapter)(nil)).
			Where("book_id = ?", bookID).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		_, err = tx.NewDelete().
			Model((*models.DownloadedBook)(nil)).
			Where("book_id = ?", bookID).
			Exec(ctx)
		return errors.WithStack(err)
	})
}

// TouchBook bumps the last accessed time of a book.
func (s *Store) TouchBook(ctx context.Context, bookID string) error {
	res, err := s.db.NewUpdate().
		Model((*models.DownloadedBook)(nil)).
		Set("last_accessed_at = ?", s.now()).
		Where("book_id = ?", bookID).
		Exec(ctx)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutCover stores a cover image for an already stored book.
func (s *Store) PutCover(ctx context.Context, bookID string, image []byte, mimeType string) error {
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		book := new(models.DownloadedBook)
		err := tx.NewSelect().Model(book).Where("ob.book_id = ?", bookID).Scan(ctx)
		if err != nil {
			return err
		}
		if err := s.checkQuota(ctx, tx, int64(len(image)-len(book.CoverImage))); err != nil {
			return err
		}
		book.CoverImage = image
		book.CoverMimeType = &mimeType
		_, err = tx.NewUpdate().
			Model(book).
			Column("cover_image", "cover_mime_type").
			WherePK().
			Exec(ctx)
		return err
	})
	if errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	return translateErr(err)
}
