package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/dunning/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, attempts []domain.Attempt) (int64, error) {
	var inserted int64
	for _, a := range attempts {
		res := db.WithContext(ctx).Exec(
			`INSERT INTO billing.dunning_attempts (
				id, org_id, subscription_id, processor_invoice_id, attempt,
				scheduled_at, status, last_error, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?, ?)
			ON CONFLICT DO NOTHING`,
			a.ID,
			a.OrgID,
			a.SubscriptionID,
			a.ProcessorInvoiceID,
			a.Attempt,
			a.ScheduledAt,
			a.Status,
			a.CreatedAt,
			a.UpdatedAt,
		)
		if res.Error != nil {
			return inserted, res.Error
		}
		inserted += res.RowsAffected
	}
	return inserted, nil
}

func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int, lease time.Duration) ([]domain.Attempt, error) {
	var items []domain.Attempt
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT id, org_id, subscription_id, processor_invoice_id, attempt,
				scheduled_at, status, last_error, created_at, updated_at
			 FROM billing.dunning_attempts
			 WHERE status = ? AND scheduled_at <= ?
			 ORDER BY scheduled_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.StatusScheduled,
			now,
			limit,
		).Scan(&items).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		ids := make([]snowflake.ID, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ID)
		}
		// Leased rows are invisible to other runners until the lease runs out.
		return tx.Exec(
			`UPDATE billing.dunning_attempts SET scheduled_at = ?, updated_at = ? WHERE id IN ?`,
			now.Add(lease),
			now,
			ids,
		).Error
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkResult(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, lastError string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing.dunning_attempts
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		lastError,
		now,
		id,
		domain.StatusScheduled,
	).Error
}

func (r *repo) CloseScheduled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, status domain.Status, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing.dunning_attempts
		 SET status = ?, updated_at = ?
		 WHERE subscription_id = ? AND status = ?`,
		status,
		now,
		subscriptionID,
		domain.StatusScheduled,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.Attempt, error) {
	var items []domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, processor_invoice_id, attempt,
			scheduled_at, status, last_error, created_at, updated_at
		 FROM billing.dunning_attempts
		 WHERE subscription_id = ?
		 ORDER BY processor_invoice_id ASC, attempt ASC`,
		subscriptionID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
