// Package dbtest opens an in-memory SQLite database laid out like the
// Postgres schema: catalog and billing are attached databases so queries
// keep their schema-qualified table names.
package dbtest

import (
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var schema = []string{
	`ATTACH DATABASE ':memory:' AS catalog`,
	`ATTACH DATABASE ':memory:' AS billing`,
	`CREATE TABLE catalog.products (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		billing_type TEXT NOT NULL,
		status TEXT NOT NULL,
		requires_approval BOOLEAN NOT NULL DEFAULT FALSE,
		trial_days INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE catalog.plans (
		id INTEGER PRIMARY KEY,
		product_id INTEGER NOT NULL,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		price TEXT NOT NULL,
		currency TEXT NOT NULL,
		billing_interval TEXT NOT NULL,
		usage_limits TEXT NOT NULL DEFAULT '{}',
		overage_rates TEXT NOT NULL DEFAULT '{}',
		trial_days INTEGER,
		available_standalone BOOLEAN NOT NULL DEFAULT TRUE,
		allowed_in_bundle BOOLEAN NOT NULL DEFAULT TRUE,
		processor_price_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (product_id, code)
	)`,
	`CREATE TABLE catalog.bundles (
		id INTEGER PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		discount_type TEXT NOT NULL,
		discount_value TEXT NOT NULL DEFAULT '0',
		included_seats INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		billing_interval TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE catalog.bundle_components (
		bundle_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		plan_id INTEGER NOT NULL,
		required BOOLEAN NOT NULL DEFAULT TRUE,
		sort_order INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (bundle_id, product_id)
	)`,
	`CREATE TABLE billing.bundle_orders (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		bundle_id INTEGER NOT NULL,
		subtotal TEXT NOT NULL,
		discount TEXT NOT NULL,
		total TEXT NOT NULL,
		currency TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE billing.subscriptions (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		product_id INTEGER NOT NULL,
		plan_id INTEGER NOT NULL,
		bundle_order_id INTEGER,
		status TEXT NOT NULL,
		current_period_start DATETIME NOT NULL,
		current_period_end DATETIME NOT NULL,
		next_billing_date DATETIME NOT NULL,
		trial_end DATETIME,
		auto_renew BOOLEAN NOT NULL DEFAULT TRUE,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		cancellation_reason TEXT NOT NULL DEFAULT '',
		cancelled_at DATETIME,
		grace_until DATETIME,
		processor_subscription_id TEXT,
		processor_customer_id TEXT,
		default_payment_method TEXT,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		needs_review BOOLEAN NOT NULL DEFAULT FALSE,
		last_processor_event_id TEXT,
		usage_limit TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX billing.ux_subscriptions_org_product_live
		ON subscriptions (org_id, product_id)
		WHERE status IN ('trial', 'active', 'past_due')`,
	`CREATE UNIQUE INDEX billing.ux_subscriptions_processor_id
		ON subscriptions (processor_subscription_id)
		WHERE processor_subscription_id IS NOT NULL`,
	`CREATE TABLE billing.subscription_status_history (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		event_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (subscription_id, event_id)
	)`,
	`CREATE TABLE billing.charges (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		sequence INTEGER NOT NULL DEFAULT 0,
		currency TEXT NOT NULL,
		total TEXT NOT NULL,
		sync_status TEXT NOT NULL DEFAULT 'pending',
		processor_invoice_item_id TEXT,
		created_at DATETIME NOT NULL,
		UNIQUE (subscription_id, period_start, period_end, sequence)
	)`,
	`CREATE TABLE billing.charge_lines (
		id INTEGER PRIMARY KEY,
		charge_id INTEGER NOT NULL,
		metric TEXT NOT NULL,
		total_quantity INTEGER NOT NULL,
		included_quantity INTEGER NOT NULL,
		billable_quantity INTEGER NOT NULL,
		unit_price TEXT NOT NULL,
		amount TEXT NOT NULL,
		UNIQUE (charge_id, metric)
	)`,
	`CREATE TABLE billing.usage_records (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		metric TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		unit_price TEXT,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		recorded_at DATETIME NOT NULL,
		billed BOOLEAN NOT NULL DEFAULT FALSE,
		charge_id INTEGER,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE billing.processor_events (
		id INTEGER PRIMARY KEY,
		provider TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		received_at DATETIME NOT NULL,
		processed_at DATETIME,
		UNIQUE (provider, event_id)
	)`,
	`CREATE TABLE billing.processor_customers (
		org_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		processor_customer_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		PRIMARY KEY (org_id, provider)
	)`,
	`CREATE TABLE billing.gateway_operations (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER,
		idempotency_key TEXT NOT NULL UNIQUE,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL,
		result TEXT,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		next_attempt_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE billing.dunning_attempts (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		processor_invoice_id TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		scheduled_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (subscription_id, processor_invoice_id, attempt)
	)`,
	`CREATE TABLE billing.reconciliation_drifts (
		id INTEGER PRIMARY KEY,
		org_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		field TEXT NOT NULL,
		local_value TEXT NOT NULL,
		processor_value TEXT NOT NULL,
		detected_at DATETIME NOT NULL,
		resolved_at DATETIME
	)`,
}

// Open returns a fresh database with every catalog and billing table.
// A single connection keeps the attached in-memory databases alive.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	if err := db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks); err != nil {
		t.Fatalf("register query callback: %v", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks); err != nil {
		t.Fatalf("register row callback: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v\n%s", err, stmt)
		}
	}
	return db
}
