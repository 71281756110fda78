// Package store provides PostgreSQL persistence for content items, post
// records and the audit log. All status mutation goes through this
// package so every transition is recorded atomically with its audit
// entry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jonesrussell/gopost/internal/domain"
)

// itemSelectList is the column list for SELECT/RETURNING on content_items
// (single source for schema changes)
const itemSelectList = `id, platform, body, media_url, variant_group, event_time,
			fingerprint, status, scheduled_time, next_attempt_at, attempts,
			last_error, last_error_kind, reviewed_at, review_outcome,
			created_at, updated_at, posted_at`

// ContentRepository manages content items in PostgreSQL.
type ContentRepository struct {
	db *sqlx.DB
}

// NewContentRepository creates a new repository
func NewContentRepository(db *sqlx.DB) *ContentRepository {
	return &ContentRepository{db: db}
}

// Ping checks database connectivity.
func (r *ContentRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Enqueue inserts a new Draft item. Items in any other status are rejected.
func (r *ContentRepository) Enqueue(ctx context.Context, item *domain.ContentItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	if item.Status != domain.StatusDraft {
		return fmt.Errorf("%w: enqueue requires status %q, got %q",
			domain.ErrInvalidItem, domain.StatusDraft, item.Status)
	}

	query := `
		INSERT INTO content_items (id, platform, body, media_url, variant_group,
			event_time, fingerprint, status, attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $9)`

	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, query,
		item.ID, item.Platform, item.Body, item.MediaURL, item.VariantGroup,
		item.EventTime, item.Fingerprint, item.Status, now)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// GetByID retrieves a single content item by ID
func (r *ContentRepository) GetByID(ctx context.Context, id string) (*domain.ContentItem, error) {
	query := `SELECT ` + itemSelectList + ` FROM content_items WHERE id = $1`

	var item domain.ContentItem
	err := r.db.GetContext(ctx, &item, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get by id: %w", err)
	}
	return &item, nil
}

// ListByStatus returns items for a platform in the given status, oldest
// first. An empty platform matches all platforms.
func (r *ContentRepository) ListByStatus(
	ctx context.Context, platform string, status domain.Status, limit int,
) ([]domain.ContentItem, error) {
	query := `
		SELECT ` + itemSelectList + `
		FROM content_items
		WHERE status = $1 AND ($2 = '' OR platform = $2)
		ORDER BY created_at ASC
		LIMIT $3`

	items := []domain.ContentItem{}
	if err := r.db.SelectContext(ctx, &items, query, status, platform, limit); err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return items, nil
}

// Transition moves an item from one status to another, appending the
// audit entry in the same transaction. Returns ErrInvalidTransition when
// the item's current status does not match from: this is the optimistic
// concurrency check that makes replays and concurrent workers safe.
func (r *ContentRepository) Transition(
	ctx context.Context, id string, from, to domain.Status, reason string,
) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition", domain.ErrInvalidTransition, from, to)
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE content_items
			SET status = $3, updated_at = NOW()
			WHERE id = $1 AND status = $2`
		if err := execExpectOneRow(ctx, tx, query, id, from, to); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, from, to, reason)
	})
}

// SetSchedule moves an item into Scheduled with its target publish time.
// Legal from Queued, or from PendingReview once a review resolves.
func (r *ContentRepository) SetSchedule(
	ctx context.Context, id string, from domain.Status, at time.Time, reason string,
) error {
	if !domain.CanTransition(from, domain.StatusScheduled) {
		return fmt.Errorf("%w: %s -> %s is not a legal transition",
			domain.ErrInvalidTransition, from, domain.StatusScheduled)
	}

	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE content_items
			SET status = $3, scheduled_time = $4, next_attempt_at = NULL, updated_at = NOW()
			WHERE id = $1 AND status = $2`
		if err := execExpectOneRow(ctx, tx, query, id, from, domain.StatusScheduled, at.UTC()); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, from, domain.StatusScheduled, reason)
	})
}

// RecordAttempt registers a failed publish attempt on a Scheduled item
// and defers the next attempt. The item stays Scheduled; the deferral is
// audited as a self-transition so the retry history is reconstructable.
func (r *ContentRepository) RecordAttempt(
	ctx context.Context, id, lastError string, nextAttemptAt time.Time,
) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE content_items
			SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3, updated_at = NOW()
			WHERE id = $1 AND status = $4`
		if err := execExpectOneRow(ctx, tx, query,
			id, lastError, nextAttemptAt.UTC(), domain.StatusScheduled); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, domain.StatusScheduled, domain.StatusScheduled,
			fmt.Sprintf("retry deferred: %s", lastError))
	})
}

// MarkFailed moves a Scheduled item to Failed, retaining the error and
// its kind for operator inspection.
func (r *ContentRepository) MarkFailed(
	ctx context.Context, id, lastError string, kind domain.ErrorKind,
) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE content_items
			SET status = $2, attempts = attempts + 1, last_error = $3,
			    last_error_kind = $4, updated_at = NOW()
			WHERE id = $1 AND status = $5`
		if err := execExpectOneRow(ctx, tx, query,
			id, domain.StatusFailed, lastError, kind, domain.StatusScheduled); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, domain.StatusScheduled, domain.StatusFailed, string(kind))
	})
}

// MarkFailedValidation moves a malformed Draft straight to Failed.
func (r *ContentRepository) MarkFailedValidation(ctx context.Context, id, lastError string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE content_items
			SET status = $2, last_error = $3, last_error_kind = $4, updated_at = NOW()
			WHERE id = $1 AND status = $5`
		if err := execExpectOneRow(ctx, tx, query,
			id, domain.StatusFailed, lastError, domain.ErrorKindValidation, domain.StatusDraft); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, domain.StatusDraft, domain.StatusFailed,
			string(domain.ErrorKindValidation))
	})
}

// RecordPost writes the immutable PostRecord and moves the item to
// Posted in one transaction, so a successful publish is never recorded
// without its status change.
func (r *ContentRepository) RecordPost(ctx context.Context, id, externalPostID string) error {
	return r.inTx(ctx, func(tx *sqlx.Tx) error {
		item := struct {
			Platform string `db:"platform"`
		}{}
		if err := tx.GetContext(ctx, &item,
			`SELECT platform FROM content_items WHERE id = $1`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrNotFound
			}
			return fmt.Errorf("load platform: %w", err)
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO post_records (id, content_item_id, platform, external_post_id, posted_at)
			VALUES ($1, $2, $3, $4, $5)`,
			uuid.NewString(), id, item.Platform, externalPostID, now); err != nil {
			return fmt.Errorf("insert post record: %w", err)
		}

		query := `
			UPDATE content_items
			SET status = $2, posted_at = $3, attempts = attempts + 1, updated_at = NOW()
			WHERE id = $1 AND status = $4`
		if err := execExpectOneRow(ctx, tx, query,
			id, domain.StatusPosted, now, domain.StatusScheduled); err != nil {
			return err
		}
		return appendAudit(ctx, tx, id, domain.StatusScheduled, domain.StatusPosted,
			"external_post_id="+externalPostID)
	})
}

// DueScheduled returns Scheduled items whose publish time has arrived and
// whose retry backoff (if any) has elapsed, in ascending scheduled_time
// order. That ordering is the per-platform publish ordering guarantee.
func (r *ContentRepository) DueScheduled(
	ctx context.Context, platform string, now time.Time, limit int,
) ([]domain.ContentItem, error) {
	query := `
		SELECT ` + itemSelectList + `
		FROM content_items
		WHERE status = $1
		  AND platform = $2
		  AND scheduled_time <= $3
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		ORDER BY scheduled_time ASC
		LIMIT $4`

	items := []domain.ContentItem{}
	err := r.db.SelectContext(ctx, &items, query, domain.StatusScheduled, platform, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled: %w", err)
	}
	return items, nil
}

// ScheduledTimes returns the occupied publish slots for a platform in
// [from, to), feeding the scheduler's slot-collision avoidance.
func (r *ContentRepository) ScheduledTimes(
	ctx context.Context, platform string, from, to time.Time,
) ([]time.Time, error) {
	query := `
		SELECT scheduled_time FROM content_items
		WHERE platform = $1
		  AND status IN ($2, $3)
		  AND scheduled_time >= $4 AND scheduled_time < $5
		ORDER BY scheduled_time ASC`

	times := []time.Time{}
	err := r.db.SelectContext(ctx, &times, query,
		platform, domain.StatusScheduled, domain.StatusPosted, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("scheduled times: %w", err)
	}
	return times, nil
}

// VariantPosted reports whether any item in the variant group has
// already reached Posted. At most one variant per group may post.
func (r *ContentRepository) VariantPosted(ctx context.Context, variantGroup string) (bool, error) {
	var count int64
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM content_items
		WHERE variant_group = $1 AND status = $2`,
		variantGroup, domain.StatusPosted)
	if err != nil {
		return false, fmt.Errorf("variant posted: %w", err)
	}
	return count > 0, nil
}

// SetReviewOutcome records an external approve/reject decision on a
// PendingReview item. The status change itself happens in the next
// orchestrator cycle so the decision path stays single-writer. The
// decision instant lives in reviewed_at; updated_at keeps the moment
// the item entered review, which anchors the timeout wait and names
// the day whose quota reservation a rejection must credit back.
func (r *ContentRepository) SetReviewOutcome(ctx context.Context, id, outcome string) error {
	query := `
		UPDATE content_items
		SET review_outcome = $2, reviewed_at = NOW()
		WHERE id = $1 AND status = $3 AND review_outcome IS NULL`
	result, err := r.db.ExecContext(ctx, query, id, outcome, domain.StatusPendingReview)
	if err != nil {
		return fmt.Errorf("set review outcome: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AuditTrail returns the append-only transition history for an item.
func (r *ContentRepository) AuditTrail(ctx context.Context, id string) ([]domain.AuditEntry, error) {
	query := `
		SELECT seq, content_item_id, from_status, to_status, reason, created_at
		FROM audit_entries
		WHERE content_item_id = $1
		ORDER BY seq ASC`

	entries := []domain.AuditEntry{}
	if err := r.db.SelectContext(ctx, &entries, query, id); err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	return entries, nil
}

// Stats returns per-status item counts.
func (r *ContentRepository) Stats(ctx context.Context) (*domain.PoolStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'draft') as draft,
			COUNT(*) FILTER (WHERE status = 'pending_review') as pending_review,
			COUNT(*) FILTER (WHERE status = 'queued') as queued,
			COUNT(*) FILTER (WHERE status = 'scheduled') as scheduled,
			COUNT(*) FILTER (WHERE status = 'posted') as posted,
			COUNT(*) FILTER (WHERE status = 'failed') as failed,
			COUNT(*) FILTER (WHERE status = 'skipped') as skipped
		FROM content_items`

	var stats domain.PoolStats
	if err := r.db.GetContext(ctx, &stats, query); err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	return &stats, nil
}

// inTx runs fn inside a transaction, committing on success.
func (r *ContentRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// execExpectOneRow runs an exec inside tx and maps "no row touched" onto
// ErrInvalidTransition, the signal that the expected from-status no
// longer matches.
func execExpectOneRow(ctx context.Context, tx *sqlx.Tx, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return domain.ErrInvalidTransition
	}
	return nil
}

// appendAudit inserts one audit entry inside the caller's transaction.
func appendAudit(ctx context.Context, tx *sqlx.Tx, id string, from, to domain.Status, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (content_item_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, NOW())`,
		id, from, to, reason)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
