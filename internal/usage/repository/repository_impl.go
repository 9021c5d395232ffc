package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const usageColumns = `id, org_id, subscription_id, metric, quantity, unit, unit_price,
	period_start, period_end, recorded_at, billed, charge_id, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing.usage_records (`+usageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.OrgID,
		record.SubscriptionID,
		record.Metric,
		record.Quantity,
		record.Unit,
		record.UnitPrice,
		record.PeriodStart,
		record.PeriodEnd,
		record.RecordedAt,
		false,
		nil,
		record.CreatedAt,
	).Error
}

type metricSum struct {
	Metric string
	Total  int64
}

// SumUnbilled totals every unbilled record stamped into a window that starts
// before end, which includes usage carried over from earlier windows.
func (r *repo) SumUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) (map[string]int64, error) {
	var rows []metricSum
	err := db.WithContext(ctx).Raw(
		`SELECT metric, SUM(quantity) AS total
		 FROM billing.usage_records
		 WHERE subscription_id = ? AND billed = ? AND period_start < ?
		 GROUP BY metric`,
		subscriptionID,
		false,
		end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Metric] = row.Total
	}
	return out, nil
}

// ListUnbilled returns the records a rating pass over a window ending at end
// consumes: its own records plus any left unbilled in earlier windows. Records
// stamped into a later window are left for that window.
func (r *repo) ListUnbilled(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+` FROM billing.usage_records
		 WHERE subscription_id = ? AND billed = ? AND period_start < ?
		 ORDER BY metric ASC, recorded_at ASC, id ASC`,
		subscriptionID,
		false,
		end,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListClosedWindows returns windows ending at or before before that still hold
// unbilled records, oldest first.
func (r *repo) ListClosedWindows(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Window, error) {
	var windows []domain.Window
	err := db.WithContext(ctx).Raw(
		`SELECT subscription_id, period_start, period_end
		 FROM billing.usage_records
		 WHERE billed = ? AND period_end <= ?
		 GROUP BY subscription_id, period_start, period_end
		 ORDER BY period_end ASC, subscription_id ASC
		 LIMIT ?`,
		false,
		before,
		limit,
	).Scan(&windows).Error
	if err != nil {
		return nil, err
	}
	return windows, nil
}

// MarkBilled applies the one-time billed stamp. Rows already billed are left alone.
func (r *repo) MarkBilled(ctx context.Context, db *gorm.DB, ids []snowflake.ID, chargeID snowflake.ID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE billing.usage_records
		 SET billed = ?, charge_id = ?
		 WHERE id IN ? AND billed = ?`,
		true,
		chargeID,
		ids,
		false,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+usageColumns+` FROM billing.usage_records
		 WHERE subscription_id = ?
		 ORDER BY recorded_at ASC, id ASC`,
		subscriptionID,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
