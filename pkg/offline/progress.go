package offline

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/models"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// EnqueueProgress appends an update to the progress outbox. The assigned ID
// is written back into update.
func (s *Store) EnqueueProgress(ctx context.Context, update *models.PendingProgressUpdate) error {
	now := s.now()
	update.ID = 0
	update.CreatedAt = now
	if update.ClientUpdatedAt.IsZero() {
		update.ClientUpdatedAt = now
	}
	if update.CompletedChapters == nil {
		update.CompletedChapters = models.ChapterSet{}
	}
	_, err := s.db.NewInsert().Model(update).Exec(ctx)
	return translateErr(err)
}

// ListPendingProgress returns the unsynced, non dead-lettered updates in the
// order they were enqueued. An update that can't be decoded is dead-lettered
// with kind storage_corruption and left out, so it never blocks the rest.
func (s *Store) ListPendingProgress(ctx context.Context) ([]*models.PendingProgressUpdate, error) {
	q := s.db.NewSelect().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("pp.synced = ?", false).
		Where("pp.dead_lettered_at IS NULL")
	return s.scanProgress(ctx, q, func(id int64, err error) error {
		logger.FromContext(ctx).Err(err).Warn("dead-lettering unreadable progress update", logger.Data{"update_id": id})
		res, uerr := s.db.NewUpdate().
			Model((*models.PendingProgressUpdate)(nil)).
			Set("dead_lettered_at = ?", s.now()).
			Set("last_error = ?", err.Error()).
			Set("last_error_kind = ?", models.ProgressErrorKindCorrupt).
			Where("id = ?", id).
			Exec(ctx)
		return affectedOne(res, uerr)
	})
}

// scanProgress loads the updates q matches one row at a time, in ID order,
// so a corrupt row only affects itself. Corrupt rows go to onCorrupt.
func (s *Store) scanProgress(ctx context.Context, q *bun.SelectQuery, onCorrupt func(id int64, err error) error) ([]*models.PendingProgressUpdate, error) {
	var ids []int64
	if err := q.Column("pp.id").Order("pp.id ASC").Scan(ctx, &ids); err != nil {
		return nil, translateErr(err)
	}

	updates := make([]*models.PendingProgressUpdate, 0, len(ids))
	for _, id := range ids {
		update := new(models.PendingProgressUpdate)
		err := translateErr(s.db.NewSelect().Model(update).Where("pp.id = ?", id).Scan(ctx))
		switch {
		case err == nil:
			updates = append(updates, update)
		case errors.Is(err, ErrNotFound):
			// Removed since the ID scan.
		case errors.Is(err, ErrCorrupt):
			if cerr := onCorrupt(id, err); cerr != nil && !errors.Is(cerr, ErrNotFound) {
				return nil, cerr
			}
		default:
			return nil, err
		}
	}
	return updates, nil
}

// CountPending returns how many updates are waiting to be uploaded.
func (s *Store) CountPending(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("pp.synced = ?", false).
		Where("pp.dead_lettered_at IS NULL").
		Count(ctx)
	return n, translateErr(err)
}

func (s *Store) MarkProgressSynced(ctx context.Context, id int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.PendingProgressUpdate)(nil)).
		Set("synced = ?", true).
		Set("last_error = NULL").
		Set("last_error_kind = NULL").
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

func (s *Store) RemoveProgress(ctx context.Context, id int64) error {
	res, err := s.db.NewDelete().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

// ProgressFailure describes a failed upload attempt.
type ProgressFailure struct {
	Kind    string
	Message string
	// CountAttempt increments the attempt counter. Transient network
	// failures don't count against an update.
	CountAttempt  bool
	NextAttemptAt *time.Time
}

// RecordProgressFailure stores the outcome of a failed upload and returns
// the updated row.
func (s *Store) RecordProgressFailure(ctx context.Context, id int64, failure ProgressFailure) (*models.PendingProgressUpdate, error) {
	update := new(models.PendingProgressUpdate)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		err := tx.NewSelect().Model(update).Where("pp.id = ?", id).Scan(ctx)
		if err != nil {
			return err
		}
		if failure.CountAttempt {
			update.Attempts++
		}
		update.LastError = &failure.Message
		update.LastErrorKind = &failure.Kind
		update.NextAttemptAt = failure.NextAttemptAt
		_, err = tx.NewUpdate().
			Model(update).
			Column("attempts", "last_error", "last_error_kind", "next_attempt_at").
			WherePK().
			Exec(ctx)
		return err
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return update, nil
}

// DeadLetterProgress parks an update that the server keeps rejecting. It
// stays visible through ListDeadLetters but no longer blocks the queue.
func (s *Store) DeadLetterProgress(ctx context.Context, id int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.PendingProgressUpdate)(nil)).
		Set("dead_lettered_at = ?", s.now()).
		Where("id = ?", id).
		Exec(ctx)
	return affectedOne(res, err)
}

// ListDeadLetters returns the updates that stopped being retried. Corrupt
// rows are counted by CountDeadLetters but can't be listed.
func (s *Store) ListDeadLetters(ctx context.Context) ([]*models.PendingProgressUpdate, error) {
	q := s.db.NewSelect().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("pp.dead_lettered_at IS NOT NULL").
		Where("pp.synced = ?", false)
	return s.scanProgress(ctx, q, func(id int64, err error) error {
		logger.FromContext(ctx).Err(err).Warn("skipping unreadable dead letter", logger.Data{"update_id": id})
		return nil
	})
}

func (s *Store) CountDeadLetters(ctx context.Context) (int, error) {
	n, err := s.db.NewSelect().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("pp.dead_lettered_at IS NOT NULL").
		Where("pp.synced = ?", false).
		Count(ctx)
	return n, translateErr(err)
}

// RequeueDeadLetter puts a dead-lettered update back in the queue with a
// fresh attempt budget.
func (s *Store) RequeueDeadLetter(ctx context.Context, id int64) error {
	res, err := s.db.NewUpdate().
		Model((*models.PendingProgressUpdate)(nil)).
		Set("dead_lettered_at = NULL").
		Set("attempts = 0").
		Set("next_attempt_at = NULL").
		Where("id = ?", id).
		Where("dead_lettered_at IS NOT NULL").
		Exec(ctx)
	return affectedOne(res, err)
}

// PruneSynced deletes acknowledged updates and returns how many went.
func (s *Store) PruneSynced(ctx context.Context) (int64, error) {
	res, err := s.db.NewDelete().
		Model((*models.PendingProgressUpdate)(nil)).
		Where("synced = ?", true).
		Exec(ctx)
	if err != nil {
		return 0, translateErr(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) GetLocalProgress(ctx context.Context, bookID string) (*models.ReadingProgress, error) {
	progress := new(models.ReadingProgress)
	err := s.db.NewSelect().
		Model(progress).
		Where("lp.book_id = ?", bookID).
		Scan(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	return progress, nil
}

// MergeLocalProgress folds incoming into the stored mirror. Completed
// chapters are unioned, so the set never shrinks. Position fields follow
// the newer client timestamp, with incoming winning ties.
func (s *Store) MergeLocalProgress(ctx context.Context, incoming *models.ReadingProgress) (*models.ReadingProgress, error) {
	merged := new(models.ReadingProgress)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing := new(models.ReadingProgress)
		err := tx.NewSelect().Model(existing).Where("lp.book_id = ?", incoming.BookID).Scan(ctx)
		if err != nil && !errors.Is(translateErr(err), ErrNotFound) {
			return err
		}
		if err != nil {
			*merged = *incoming
			merged.CompletedChapters = models.NewChapterSet(incoming.CompletedChapters...)
			_, err = tx.NewInsert().Model(merged).Exec(ctx)
			return err
		}

		*merged = *existing
		merged.CompletedChapters = existing.CompletedChapters.Union(incoming.CompletedChapters)
		if newerOrEqual(incoming.ClientUpdatedAt, existing.ClientUpdatedAt) {
			merged.CurrentChapter = incoming.CurrentChapter
			merged.ChapterID = incoming.ChapterID
			merged.ScrollPosition = incoming.ScrollPosition
			merged.ClientUpdatedAt = incoming.ClientUpdatedAt
			if incoming.LastReadAt != nil {
				merged.LastReadAt = incoming.LastReadAt
			}
		}
		merged.IsCompleted = existing.IsCompleted || incoming.IsCompleted
		if incoming.LastSyncedAt != nil && (merged.LastSyncedAt == nil || incoming.LastSyncedAt.After(*merged.LastSyncedAt)) {
			merged.LastSyncedAt = incoming.LastSyncedAt
		}

		_, err = tx.NewUpdate().Model(merged).WherePK().Exec(ctx)
		return err
	})
	if err != nil {
		return nil, translateErr(err)
	}
	return merged, nil
}

func newerOrEqual(a, b *time.Time) bool {
	if a == nil {
		return b == nil
	}
	if b == nil {
		return true
	}
	return !a.Before(*b)
}

func affectedOne(res interface{ RowsAffected() (int64, error) }, err error) error {
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
