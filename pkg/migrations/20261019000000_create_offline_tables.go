package migrations

import (
	"context"

	"github.com/pkg/errors"
	"github.com/uptrace/bun"
)

func init() {
	up := func(_ context.Context, db *bun.DB) error {
		_, err := db.Exec(`
			CREATE TABLE store_meta (
				id INTEGER PRIMARY KEY,
				schema_generation INTEGER NOT NULL,
				created_at DATETIME NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE offline_books (
				book_id TEXT PRIMARY KEY,
				title_si TEXT NOT NULL,
				title_en TEXT NOT NULL,
				author_si TEXT NOT NULL,
				author_en TEXT NOT NULL,
				total_chapters INTEGER NOT NULL,
				downloaded_chapters TEXT NOT NULL DEFAULT '[]',
				cover_image BLOB,
				cover_mime_type TEXT,
				downloaded_at DATETIME NOT NULL,
				last_accessed_at DATETIME NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE offline_chapters (
				book_id TEXT NOT NULL REFERENCES offline_books(book_id) ON DELETE CASCADE,
				chapter_number INTEGER NOT NULL,
				chapter_id TEXT NOT NULL,
				title_si TEXT NOT NULL,
				title_en TEXT NOT NULL,
				content TEXT NOT NULL,
				word_count INTEGER NOT NULL,
				reading_time_minutes INTEGER NOT NULL,
				size_bytes INTEGER NOT NULL,
				checksum TEXT NOT NULL,
				downloaded_at DATETIME NOT NULL,
				PRIMARY KEY (book_id, chapter_number)
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE pending_progress (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				book_id TEXT NOT NULL,
				chapter_id TEXT NOT NULL,
				chapter_number INTEGER NOT NULL,
				scroll_position REAL NOT NULL,
				is_chapter_complete BOOLEAN NOT NULL DEFAULT FALSE,
				completed_chapters TEXT NOT NULL DEFAULT '[]',
				client_updated_at DATETIME NOT NULL,
				synced BOOLEAN NOT NULL DEFAULT FALSE,
				attempts INTEGER NOT NULL DEFAULT 0,
				next_attempt_at DATETIME,
				last_error TEXT,
				last_error_kind TEXT,
				dead_lettered_at DATETIME,
				created_at DATETIME NOT NULL
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`CREATE INDEX idx_pending_progress_unsynced ON pending_progress(synced, dead_lettered_at, id)`)
		if err != nil {
			return errors.WithStack(err)
		}

		_, err = db.Exec(`
			CREATE TABLE local_progress (
				book_id TEXT PRIMARY KEY,
				current_chapter INTEGER NOT NULL,
				chapter_id TEXT NOT NULL,
				scroll_position REAL NOT NULL,
				is_completed BOOLEAN NOT NULL DEFAULT FALSE,
				completed_chapters TEXT NOT NULL DEFAULT '[]',
				last_read_at DATETIME,
				client_updated_at DATETIME,
				last_synced_at DATETIME
			)
		`)
		if err != nil {
			return errors.WithStack(err)
		}

		return nil
	}

	down := func(_ context.Context, db *bun.DB) error {
		for _, table := range []string{"local_progress", "pending_progress", "offline_chapters", "offline_books", "store_meta"} {
			if _, err := db.Exec(`DROP TABLE IF EXISTS ` + table); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	Migrations.MustRegister(up, down)
}
