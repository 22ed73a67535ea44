package offline

import (
	"context"
	"encoding/hex"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/blake2b"
)

// Checksum returns the content checksum stored alongside a chapter body.
func Checksum(content string) string {
	sum := blake2b.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// PutChapter writes a chapter body and adds its number to the parent book's
// downloaded set in one transaction. An existing chapter with the same number
// is replaced whole. The parent book must already be stored.
func (s *Store) PutChapter(ctx context.Context, chapter *models.DownloadedChapter) error {
	if chapter.DownloadedAt.IsZero() {
		chapter.DownloadedAt = s.now()
	}
	chapter.SizeBytes = int64(len(chapter.Content))
	chapter.Checksum = Checksum(chapter.Content)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		book := new(models.DownloadedBook)
		err := tx.NewSelect().
			Model(book).
			ExcludeColumn("cover_image").
			Where("ob.book_id = ?", chapter.BookID).
			Scan(ctx)
		if err != nil {
			return err
		}

		var previous int64
		err = tx.NewSelect().
			Model((*models.DownloadedChapter)(nil)).
			ColumnExpr("COALESCE(SUM(size_bytes), 0)").
			Where("book_id = ? AND chapter_number = ?", chapter.BookID, chapter.ChapterNumber).
			Scan(ctx, &previous)
		if err != nil {
			return err
		}
		if err := s.checkQuota(ctx, tx, chapter.SizeBytes-previous); err != nil {
			return err
		}

		_, err = tx.NewDelete().
			Model((*models.DownloadedChapter)(nil)).
			Where("book_id = ? AND chapter_number = ?", chapter.BookID, chapter.ChapterNumber).
			Exec(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.NewInsert().Model(chapter).Exec(ctx); err != nil {
			return err
		}

		book.DownloadedChapters = book.DownloadedChapters.Add(chapter.ChapterNumber)
		book.LastAccessedAt = s.now()
		_, err = tx.NewUpdate().
			Model(book).
			Column("downloaded_chapters", "last_accessed_at").
			WherePK().
			Exec(ctx)
		return err
	})
	if errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	return translateErr(err)
}

// GetChapter returns one chapter body. A body whose checksum doesn't match
// is reported as ErrCorrupt without affecting the book's other chapters.
func (s *Store) GetChapter(ctx context.Context, bookID string, chapterNumber int) (*models.DownloadedChapter, error) {
	chapter := new(models.DownloadedChapter)
	err := s.db.NewSelect().
		Model(chapter).
		Where("oc.book_id = ? AND oc.chapter_number = ?", bookID, chapterNumber).
		Scan(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	if chapter.Checksum != Checksum(chapter.Content) {
		return nil, errors.Wrapf(ErrCorrupt, "chapter %d of book %s", chapterNumber, bookID)
	}
	return chapter, nil
}

// ListChapters returns the readable chapters of a book in chapter order.
// Unreadable chapters are logged and skipped.
func (s *Store) ListChapters(ctx context.Context, bookID string) ([]*models.DownloadedChapter, error) {
	var chapters []*models.DownloadedChapter
	err := s.db.NewSelect().
		Model(&chapters).
		Where("oc.book_id = ?", bookID).
		Order("oc.chapter_number ASC").
		Scan(ctx)
	if err != nil {
		return nil, translateErr(err)
	}

	readable := chapters[:0]
	for _, ch := range chapters {
		if ch.Checksum != Checksum(ch.Content) {
			logger.FromContext(ctx).Warn("skipping corrupt offline chapter", logger.Data{
				"book_id":        bookID,
				"chapter_number": ch.ChapterNumber,
			})
			continue
		}
		readable = append(readable, ch)
	}
	return readable, nil
}

// ChapterNumbers returns the set of chapter numbers that are stored and
// readable for a book.
func (s *Store) ChapterNumbers(ctx context.Context, bookID string) (models.ChapterSet, error) {
	chapters, err := s.ListChapters(ctx, bookID)
	if err != nil {
		return nil, err
	}
	nums := make([]int, 0, len(chapters))
	for _, ch := range chapters {
		nums = append(nums, ch.ChapterNumber)
	}
	return models.NewChapterSet(nums...), nil
}
