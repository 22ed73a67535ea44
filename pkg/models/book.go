package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DownloadedBook is a book available offline. Titles and authors are a
// snapshot taken when the download started.
type DownloadedBook struct {
	bun.BaseModel `bun:"table:offline_books,alias:ob"`

	BookID             string     `bun:",pk" json:"book_id"`
	TitleSi            string     `bun:",notnull" json:"title_si"`
	TitleEn            string     `bun:",notnull" json:"title_en"`
	AuthorSi           string     `bun:",notnull" json:"author_si"`
	AuthorEn           string     `bun:",notnull" json:"author_en"`
	TotalChapters      int        `bun:",notnull" json:"total_chapters"`
	DownloadedChapters ChapterSet `bun:",notnull,type:text" json:"downloaded_chapters"`
	CoverImage         []byte     `json:"-"`
	CoverMimeType      *string    `json:"cover_mime_type"`
	DownloadedAt       time.Time  `bun:",notnull" json:"downloaded_at"`
	LastAccessedAt     time.Time  `bun:",notnull" json:"last_accessed_at"`
}

// IsComplete reports whether every chapter of the book is stored locally.
func (b *DownloadedBook) IsComplete() bool {
	return b.TotalChapters > 0 && len(b.DownloadedChapters) >= b.TotalChapters
}
