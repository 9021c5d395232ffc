// Package domain contains the outputs of a rating pass: charges per
// subscription period with one line per metric. Usage that arrives after a
// window was charged is billed on a follow-up charge with the next sequence.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type SyncStatus string

const (
	ChargeSyncPending     SyncStatus = "pending"
	ChargeSyncSynced      SyncStatus = "synced"
	ChargeSyncFailed      SyncStatus = "failed"
	ChargeSyncNotRequired SyncStatus = "not_required"
)

type Charge struct {
	ID                     snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID                  snowflake.ID    `gorm:"not null" json:"organization_id"`
	SubscriptionID         snowflake.ID    `gorm:"not null" json:"subscription_id"`
	PeriodStart            time.Time       `gorm:"not null" json:"period_start"`
	PeriodEnd              time.Time       `gorm:"not null" json:"period_end"`
	Sequence               int             `gorm:"not null" json:"sequence"`
	Currency               string          `gorm:"type:text;not null" json:"currency"`
	Total                  decimal.Decimal `gorm:"type:numeric;not null" json:"total"`
	SyncStatus             SyncStatus      `gorm:"type:text;not null" json:"sync_status"`
	ProcessorInvoiceItemID *string         `json:"processor_invoice_item_id,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`

	Lines []ChargeLine `gorm:"-" json:"lines"`
}

func (Charge) TableName() string { return "billing.charges" }

type ChargeLine struct {
	ID               snowflake.ID    `gorm:"primaryKey" json:"id"`
	ChargeID         snowflake.ID    `gorm:"not null" json:"charge_id"`
	Metric           string          `gorm:"type:text;not null" json:"metric"`
	TotalQuantity    int64           `gorm:"not null" json:"total_quantity"`
	IncludedQuantity int64           `gorm:"not null" json:"included_quantity"`
	BillableQuantity int64           `gorm:"not null" json:"billable_quantity"`
	UnitPrice        decimal.Decimal `gorm:"type:numeric;not null" json:"unit_price"`
	Amount           decimal.Decimal `gorm:"type:numeric;not null" json:"amount"`
}

func (ChargeLine) TableName() string { return "billing.charge_lines" }
