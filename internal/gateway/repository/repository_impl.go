package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/internal/gateway/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const operationColumns = `id, org_id, subscription_id, idempotency_key, operation, payload, result,
	status, attempts, last_error, next_attempt_at, created_at, updated_at`

func (r *repo) InsertOperation(ctx context.Context, db *gorm.DB, op *domain.Operation) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing.gateway_operations (`+operationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		op.ID,
		op.OrgID,
		op.SubscriptionID,
		op.IdempotencyKey,
		op.Operation,
		op.Payload,
		op.Result,
		op.Status,
		op.Attempts,
		op.LastError,
		op.NextAttemptAt,
		op.CreatedAt,
		op.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindOperationByKey(ctx context.Context, db *gorm.DB, key string) (*domain.Operation, error) {
	var op domain.Operation
	err := db.WithContext(ctx).Raw(
		`SELECT `+operationColumns+` FROM billing.gateway_operations WHERE idempotency_key = ?`,
		key,
	).Scan(&op).Error
	if err != nil {
		return nil, err
	}
	if op.ID == 0 {
		return nil, nil
	}
	return &op, nil
}

func (r *repo) FindOperationByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Operation, error) {
	var op domain.Operation
	err := db.WithContext(ctx).Raw(
		`SELECT `+operationColumns+` FROM billing.gateway_operations WHERE id = ?`,
		id,
	).Scan(&op).Error
	if err != nil {
		return nil, err
	}
	if op.ID == 0 {
		return nil, nil
	}
	return &op, nil
}

func (r *repo) UpdateOperation(ctx context.Context, db *gorm.DB, op *domain.Operation) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing.gateway_operations
		 SET result = ?, status = ?, attempts = ?, last_error = ?, next_attempt_at = ?, updated_at = ?
		 WHERE id = ?`,
		op.Result,
		op.Status,
		op.Attempts,
		op.LastError,
		op.NextAttemptAt,
		op.UpdatedAt,
		op.ID,
	).Error
}

func (r *repo) ListFailed(ctx context.Context, db *gorm.DB, limit int) ([]domain.Operation, error) {
	var items []domain.Operation
	err := db.WithContext(ctx).Raw(
		`SELECT `+operationColumns+` FROM billing.gateway_operations
		 WHERE status = ?
		 ORDER BY updated_at DESC, id DESC
		 LIMIT ?`,
		domain.OperationFailed,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, maxAttempts, limit int, lease time.Duration) ([]domain.Operation, error) {
	var items []domain.Operation
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Raw(
			`SELECT `+operationColumns+` FROM billing.gateway_operations
			 WHERE status IN (?, ?)
			   AND next_attempt_at IS NOT NULL
			   AND next_attempt_at <= ?
			   AND attempts < ?
			 ORDER BY next_attempt_at ASC, id ASC
			 LIMIT ?
			 FOR UPDATE SKIP LOCKED`,
			domain.OperationPending,
			domain.OperationFailed,
			now,
			maxAttempts,
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
		return tx.Exec(
			`UPDATE billing.gateway_operations SET next_attempt_at = ?, updated_at = ? WHERE id IN ?`,
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

func (r *repo) FindCustomer(ctx context.Context, db *gorm.DB, orgID snowflake.ID, provider string) (*domain.ProcessorCustomer, error) {
	var c domain.ProcessorCustomer
	err := db.WithContext(ctx).Raw(
		`SELECT org_id, provider, processor_customer_id, created_at
		 FROM billing.processor_customers WHERE org_id = ? AND provider = ?`,
		orgID,
		provider,
	).Scan(&c).Error
	if err != nil {
		return nil, err
	}
	if c.OrgID == 0 {
		return nil, nil
	}
	return &c, nil
}

func (r *repo) InsertCustomer(ctx context.Context, db *gorm.DB, c *domain.ProcessorCustomer) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO billing.processor_customers (org_id, provider, processor_customer_id, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (org_id, provider) DO NOTHING`,
		c.OrgID,
		c.Provider,
		c.ProcessorCustomerID,
		c.CreatedAt,
	).Error
}

func (r *repo) InsertDrift(ctx context.Context, db *gorm.DB, d *domain.Drift) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing.reconciliation_drifts (
			id, org_id, subscription_id, field, local_value, processor_value, detected_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM billing.reconciliation_drifts
			WHERE subscription_id = ? AND field = ? AND local_value = ? AND processor_value = ?
			  AND resolved_at IS NULL
		)`,
		d.ID,
		d.OrgID,
		d.SubscriptionID,
		d.Field,
		d.LocalValue,
		d.ProcessorValue,
		d.DetectedAt,
		d.SubscriptionID,
		d.Field,
		d.LocalValue,
		d.ProcessorValue,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListOpenDrifts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.Drift, error) {
	var items []domain.Drift
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, subscription_id, field, local_value, processor_value, detected_at, resolved_at
		 FROM billing.reconciliation_drifts
		 WHERE subscription_id = ? AND resolved_at IS NULL
		 ORDER BY detected_at ASC, id ASC`,
		subscriptionID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
