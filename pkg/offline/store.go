package offline

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/database"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

var (
	// ErrNotFound is returned when the requested record isn't stored locally.
	ErrNotFound = errors.New("offline record not found")
	// ErrQuotaExceeded is returned when a write would grow offline content
	// past the storage budget, or the disk itself is full.
	ErrQuotaExceeded = errors.New("not enough offline storage space")
	// ErrCorrupt is returned for a single record that can't be read back.
	ErrCorrupt = errors.New("offline record is unreadable")
)

const storeMetaID = 1

// Options configures a Store.
type Options struct {
	// QuotaBytes caps chapter bodies plus cover images. Zero means no cap.
	QuotaBytes int64
	// SchemaGeneration tags offline content. Content written under a
	// different generation is discarded by Init.
	SchemaGeneration int
}

// Store is the local persistent store for offline books, chapter bodies,
// the progress outbox, and the local progress mirror. Every write is a
// single transaction, so a record is either fully written or left as it was.
type Store struct {
	db   *bun.DB
	opts Options
	now  func() time.Time
}

func NewStore(db *bun.DB, opts Options) *Store {
	return &Store{db: db, opts: opts, now: time.Now}
}

// Init checks the stored schema generation. On a mismatch the downloaded
// books and chapters are purged; the progress outbox and progress mirror are
// kept since they hold work the server hasn't seen yet.
func (s *Store) Init(ctx context.Context) error {
	log := logger.FromContext(ctx)

	meta := new(models.StoreMeta)
	err := s.db.NewSelect().Model(meta).Where("sm.id = ?", storeMetaID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		meta = &models.StoreMeta{ID: storeMetaID, SchemaGeneration: s.opts.SchemaGeneration, CreatedAt: s.now()}
		_, err = s.db.NewInsert().Model(meta).Exec(ctx)
		return errors.WithStack(err)
	}
	if err != nil {
		return errors.WithStack(err)
	}

	if meta.SchemaGeneration == s.opts.SchemaGeneration {
		return nil
	}

	log.Warn("offline content generation changed, purging downloads", logger.Data{
		"stored_generation":  meta.SchemaGeneration,
		"current_generation": s.opts.SchemaGeneration,
	})

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*models.DownloadedChapter)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return errors.WithStack(err)
		}
		if _, err := tx.NewDelete().Model((*models.DownloadedBook)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return errors.WithStack(err)
		}
		meta.SchemaGeneration = s.opts.SchemaGeneration
		_, err := tx.NewUpdate().Model(meta).Column("schema_generation").WherePK().Exec(ctx)
		return errors.WithStack(err)
	})
}

// StorageUsage returns the bytes used by chapter bodies and cover images.
func (s *Store) StorageUsage(ctx context.Context) (int64, error) {
	return storageUsage(ctx, s.db)
}

func storageUsage(ctx context.Context, db bun.IDB) (int64, error) {
	var chapters, covers int64
	err := db.NewSelect().
		Model((*models.DownloadedChapter)(nil)).
		ColumnExpr("COALESCE(SUM(size_bytes), 0)").
		Scan(ctx, &chapters)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	err = db.NewSelect().
		Model((*models.DownloadedBook)(nil)).
		ColumnExpr("COALESCE(SUM(LENGTH(cover_image)), 0)").
		Scan(ctx, &covers)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return chapters + covers, nil
}

// checkQuota fails with ErrQuotaExceeded when adding delta bytes would go
// past the configured budget.
func (s *Store) checkQuota(ctx context.Context, db bun.IDB, delta int64) error {
	if s.opts.QuotaBytes <= 0 || delta <= 0 {
		return nil
	}
	used, err := storageUsage(ctx, db)
	if err != nil {
		return err
	}
	if used+delta > s.opts.QuotaBytes {
		return errors.Wrapf(ErrQuotaExceeded, "need %d bytes, %d of %d used", delta, used, s.opts.QuotaBytes)
	}
	return nil
}

// translateErr maps driver and scan errors onto the store's error kinds.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if database.IsDiskFull(err) {
		return errors.Wrap(ErrQuotaExceeded, err.Error())
	}
	if errors.Is(err, models.ErrInvalidChapterSet) || strings.Contains(err.Error(), models.ErrInvalidChapterSet.Error()) {
		return errors.Wrap(ErrCorrupt, err.Error())
	}
	return errors.WithStack(err)
}
