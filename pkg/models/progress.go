package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ProgressErrorKindNetwork  = "network_unreachable"
	ProgressErrorKindRejected = "server_rejected"
	ProgressErrorKindCorrupt  = "storage_corruption"
)

// PendingProgressUpdate is one entry of the progress outbox. The ID is the
// local sequence number and defines upload order.
type PendingProgressUpdate struct {
	bun.BaseModel `bun:"table:pending_progress,alias:pp"`

	ID                int64      `bun:",pk,autoincrement" json:"id"`
	BookID            string     `bun:",notnull" json:"book_id"`
	ChapterID         string     `bun:",notnull" json:"chapter_id"`
	ChapterNumber     int        `bun:",notnull" json:"chapter_number"`
	ScrollPosition    float64    `bun:",notnull" json:"scroll_position"`
	IsChapterComplete bool       `bun:",notnull" json:"is_chapter_complete"`
	CompletedChapters ChapterSet `bun:",notnull,type:text" json:"completed_chapters"`
	ClientUpdatedAt   time.Time  `bun:",notnull" json:"client_updated_at"`
	Synced            bool       `bun:",notnull" json:"synced"`
	Attempts          int        `bun:",notnull" json:"attempts"`
	NextAttemptAt     *time.Time `json:"next_attempt_at"`
	LastError         *string    `json:"last_error"`
	LastErrorKind     *string    `json:"last_error_kind"`
	DeadLetteredAt    *time.Time `json:"dead_lettered_at"`
	CreatedAt         time.Time  `bun:",notnull" json:"created_at"`
}

// ReadingProgress is the local mirror of the server's per-book progress
// record, merged after every successful upload.
type ReadingProgress struct {
	bun.BaseModel `bun:"table:local_progress,alias:lp"`

	BookID            string     `bun:",pk" json:"book_id"`
	CurrentChapter    int        `bun:",notnull" json:"current_chapter"`
	ChapterID         string     `bun:",notnull" json:"chapter_id"`
	ScrollPosition    float64    `bun:",notnull" json:"scroll_position"`
	IsCompleted       bool       `bun:",notnull" json:"is_completed"`
	CompletedChapters ChapterSet `bun:",notnull,type:text" json:"completed_chapters"`
	LastReadAt        *time.Time `json:"last_read_at"`
	ClientUpdatedAt   *time.Time `json:"client_updated_at"`
	LastSyncedAt      *time.Time `json:"last_synced_at"`
}

// StoreMeta records which schema generation the offline content was
// written under.
type StoreMeta struct {
	bun.BaseModel `bun:"table:store_meta,alias:sm"`

	ID               int       `bun:",pk" json:"id"`
	SchemaGeneration int       `bun:",notnull" json:"schema_generation"`
	CreatedAt        time.Time `bun:",notnull" json:"created_at"`
}
