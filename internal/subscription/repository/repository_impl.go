package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, org_id, product_id, plan_id, bundle_order_id, status,
	current_period_start, current_period_end, next_billing_date, trial_end,
	auto_renew, cancel_at_period_end, cancellation_reason, cancelled_at, grace_until,
	processor_subscription_id, processor_customer_id, default_payment_method,
	sync_status, needs_review, last_processor_event_id, usage_limit, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions
		 WHERE id = ? AND (? = 0 OR org_id = ?)`,
		id,
		orgID,
		orgID,
	).Scan(&sub).Error
	return found(&sub, err)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions WHERE id = ? FOR UPDATE`,
		id,
	).Scan(&sub).Error
	return found(&sub, err)
}

func (r *repo) FindByIDSkipLocked(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions WHERE id = ? FOR UPDATE SKIP LOCKED`,
		id,
	).Scan(&sub).Error
	return found(&sub, err)
}

func (r *repo) FindByProcessorID(ctx context.Context, db *gorm.DB, processorSubscriptionID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions WHERE processor_subscription_id = ?`,
		processorSubscriptionID,
	).Scan(&sub).Error
	return found(&sub, err)
}

func (r *repo) FindLive(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions
		 WHERE org_id = ? AND product_id = ? AND status IN (?, ?, ?)
		 ORDER BY created_at DESC
		 LIMIT 1`,
		orgID,
		productID,
		domain.StatusTrial,
		domain.StatusActive,
		domain.StatusPastDue,
	).Scan(&sub).Error
	return found(&sub, err)
}

func (r *repo) List(ctx context.Context, db *gorm.DB, f domain.ListFilter) ([]*domain.Subscription, error) {
	query := db.WithContext(ctx).
		Table("billing.subscriptions").
		Select(subscriptionColumns).
		Where("org_id = ?", f.OrgID)
	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.ProductID != 0 {
		query = query.Where("product_id = ?", f.ProductID)
	}
	if f.CursorCreatedAt != nil {
		query = query.Where("(created_at < ?) OR (created_at = ? AND id < ?)", *f.CursorCreatedAt, *f.CursorCreatedAt, f.CursorID)
	}

	var items []*domain.Subscription
	if err := query.Order("created_at DESC").Order("id DESC").Limit(f.Limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing.subscriptions SET
			plan_id = ?, status = ?,
			current_period_start = ?, current_period_end = ?, next_billing_date = ?, trial_end = ?,
			auto_renew = ?, cancel_at_period_end = ?, cancellation_reason = ?, cancelled_at = ?, grace_until = ?,
			processor_subscription_id = ?, processor_customer_id = ?, default_payment_method = ?,
			sync_status = ?, needs_review = ?, last_processor_event_id = ?, usage_limit = ?, updated_at = ?
		 WHERE id = ?`,
		sub.PlanID,
		sub.Status,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.NextBillingDate,
		sub.TrialEnd,
		sub.AutoRenew,
		sub.CancelAtPeriodEnd,
		sub.CancellationReason,
		sub.CancelledAt,
		sub.GraceUntil,
		sub.ProcessorSubscriptionID,
		sub.ProcessorCustomerID,
		sub.DefaultPaymentMethod,
		sub.SyncStatus,
		sub.NeedsReview,
		sub.LastProcessorEventID,
		sub.UsageLimit,
		sub.UpdatedAt,
		sub.ID,
	).Error
}

func (r *repo) SetPaymentMethod(ctx context.Context, db *gorm.DB, customerID, paymentMethod string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing.subscriptions SET default_payment_method = ?, updated_at = ?
		 WHERE processor_customer_id = ?`,
		paymentMethod,
		now,
		customerID,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ClearPaymentMethod(ctx context.Context, db *gorm.DB, paymentMethod string, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE billing.subscriptions SET default_payment_method = NULL, updated_at = ?
		 WHERE default_payment_method = ?`,
		now,
		paymentMethod,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) InsertHistory(ctx context.Context, db *gorm.DB, h *domain.StatusHistory) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing.subscription_status_history (
			id, org_id, subscription_id, from_status, to_status, reason, source, event_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (subscription_id, event_id) DO NOTHING`,
		h.ID,
		h.OrgID,
		h.SubscriptionID,
		h.FromStatus,
		h.ToStatus,
		h.Reason,
		h.Source,
		h.EventID,
		h.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) HistoryExists(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, eventID string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM billing.subscription_status_history WHERE subscription_id = ? AND event_id = ?`,
		subscriptionID,
		eventID,
	).Scan(&count).Error
	return count > 0, err
}

func (r *repo) ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.StatusHistory, error) {
	var items []domain.StatusHistory
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, from_status, to_status, reason, source, event_id, created_at
		 FROM billing.subscription_status_history
		 WHERE subscription_id = ?
		 ORDER BY created_at ASC, id ASC`,
		subscriptionID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) InsertBundleOrder(ctx context.Context, db *gorm.DB, order *domain.BundleOrder) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing.bundle_orders (id, org_id, bundle_id, subtotal, discount, total, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID,
		order.OrgID,
		order.BundleID,
		order.Subtotal,
		order.Discount,
		order.Total,
		order.Currency,
		order.CreatedAt,
	).Error
}

type metricSum struct {
	Metric string
	Total  int64
}

func (r *repo) SumUnbilledUsage(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) (map[string]int64, error) {
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

// ListDueIDs returns subscriptions with a scheduler action due at now.
func (r *repo) ListDueIDs(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM billing.subscriptions
		 WHERE (status = ? AND trial_end IS NOT NULL AND trial_end <= ?)
		    OR (status IN (?, ?) AND current_period_end <= ?)
		    OR (status = ? AND grace_until IS NOT NULL AND grace_until <= ?)
		 ORDER BY id ASC
		 LIMIT ?`,
		domain.StatusTrial, now,
		domain.StatusActive, domain.StatusPastDue, now,
		domain.StatusPastDue, now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListPendingSync(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Subscription, error) {
	var items []*domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions
		 WHERE sync_status IN (?, ?)
		   AND processor_subscription_id IS NULL
		   AND status IN (?, ?, ?)
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		domain.SyncPending,
		domain.SyncFailed,
		domain.StatusTrial,
		domain.StatusActive,
		domain.StatusPastDue,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ListFlagged(ctx context.Context, db *gorm.DB, limit int) ([]*domain.Subscription, error) {
	var items []*domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM billing.subscriptions
		 WHERE needs_review = ? AND processor_subscription_id IS NOT NULL
		 ORDER BY updated_at ASC, id ASC
		 LIMIT ?`,
		true,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func found(sub *domain.Subscription, err error) (*domain.Subscription, error) {
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return sub, nil
}
