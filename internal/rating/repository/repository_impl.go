package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/rating/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const chargeColumns = `id, org_id, subscription_id, period_start, period_end, sequence,
	currency, total, sync_status, processor_invoice_item_id, created_at`

// FindCharge returns the latest charge of the window.
func (r *repo) FindCharge(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) (*domain.Charge, error) {
	var charge domain.Charge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM billing.charges
		 WHERE subscription_id = ? AND period_start = ? AND period_end = ?
		 ORDER BY sequence DESC
		 LIMIT 1`,
		subscriptionID,
		start,
		end,
	).Scan(&charge).Error
	if err != nil {
		return nil, err
	}
	if charge.ID == 0 {
		return nil, nil
	}
	return &charge, nil
}

func (r *repo) ListWindowCharges(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, start, end time.Time) ([]domain.Charge, error) {
	var charges []domain.Charge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM billing.charges
		 WHERE subscription_id = ? AND period_start = ? AND period_end = ?
		 ORDER BY sequence ASC`,
		subscriptionID,
		start,
		end,
	).Scan(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

// InsertCharge writes the charge and its lines. A charge already stored for
// the same window and sequence leaves both untouched and reports false.
func (r *repo) InsertCharge(ctx context.Context, db *gorm.DB, charge *domain.Charge) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO billing.charges (`+chargeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, period_start, period_end, sequence) DO NOTHING`,
		charge.ID,
		charge.OrgID,
		charge.SubscriptionID,
		charge.PeriodStart,
		charge.PeriodEnd,
		charge.Sequence,
		charge.Currency,
		charge.Total,
		charge.SyncStatus,
		charge.ProcessorInvoiceItemID,
		charge.CreatedAt,
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	for _, line := range charge.Lines {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO billing.charge_lines
			 (id, charge_id, metric, total_quantity, included_quantity, billable_quantity, unit_price, amount)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			line.ID,
			charge.ID,
			line.Metric,
			line.TotalQuantity,
			line.IncludedQuantity,
			line.BillableQuantity,
			line.UnitPrice,
			line.Amount,
		).Error
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, chargeID snowflake.ID) ([]domain.ChargeLine, error) {
	var lines []domain.ChargeLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, charge_id, metric, total_quantity, included_quantity, billable_quantity, unit_price, amount
		 FROM billing.charge_lines
		 WHERE charge_id = ?
		 ORDER BY metric ASC`,
		chargeID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]domain.Charge, error) {
	var charges []domain.Charge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM billing.charges
		 WHERE subscription_id = ? AND (? = 0 OR org_id = ?)
		 ORDER BY period_start DESC, sequence DESC`,
		subscriptionID,
		orgID,
		orgID,
	).Scan(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

func (r *repo) ListPendingSync(ctx context.Context, db *gorm.DB, limit int) ([]domain.Charge, error) {
	var charges []domain.Charge
	err := db.WithContext(ctx).Raw(
		`SELECT `+chargeColumns+` FROM billing.charges
		 WHERE sync_status = ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		domain.ChargeSyncPending,
		limit,
	).Scan(&charges).Error
	if err != nil {
		return nil, err
	}
	return charges, nil
}

func (r *repo) UpdateSync(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.SyncStatus, invoiceItemID *string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing.charges
		 SET sync_status = ?, processor_invoice_item_id = COALESCE(?, processor_invoice_item_id)
		 WHERE id = ?`,
		status,
		invoiceItemID,
		id,
	).Error
}
