package models

import (
	"time"

	"github.com/uptrace/bun"
)

// DownloadedChapter is the full body of one chapter stored for offline
// reading. Rows are replaced whole, never patched.
type DownloadedChapter struct {
	bun.BaseModel `bun:"table:offline_chapters,alias:oc"`

	BookID             string    `bun:",pk" json:"book_id"`
	ChapterNumber      int       `bun:",pk" json:"chapter_number"`
	ChapterID          string    `bun:",notnull" json:"chapter_id"`
	TitleSi            string    `bun:",notnull" json:"title_si"`
	TitleEn            string    `bun:",notnull" json:"title_en"`
	Content            string    `bun:",notnull" json:"content"`
	WordCount          int       `bun:",notnull" json:"word_count"`
	ReadingTimeMinutes int       `bun:",notnull" json:"reading_time_minutes"`
	SizeBytes          int64     `bun:",notnull" json:"size_bytes"`
	Checksum           string    `bun:",notnull" json:"-"`
	DownloadedAt       time.Time `bun:",notnull" json:"downloaded_at"`
}
