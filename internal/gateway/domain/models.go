package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OperationKind string

const (
	OpCreateCustomer         OperationKind = "create_customer"
	OpCreateSubscription     OperationKind = "create_subscription"
	OpUpdateSubscription     OperationKind = "update_subscription"
	OpCancelSubscription     OperationKind = "cancel_subscription"
	OpReactivateSubscription OperationKind = "reactivate_subscription"
	OpCreateCharge           OperationKind = "create_charge"
	OpRetryPayment           OperationKind = "retry_payment"
)

type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationSucceeded OperationStatus = "succeeded"
	OperationFailed    OperationStatus = "failed"
)

// Operation is one outbound processor command. The idempotency key is sent
// with every attempt so the processor applies it at most once.
type Operation struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID    `gorm:"not null" json:"organization_id"`
	SubscriptionID *snowflake.ID   `json:"subscription_id,omitempty"`
	IdempotencyKey string          `gorm:"type:text;not null;uniqueIndex" json:"idempotency_key"`
	Operation      OperationKind   `gorm:"type:text;not null" json:"operation"`
	Payload        datatypes.JSON  `gorm:"type:jsonb;not null" json:"payload"`
	Result         datatypes.JSON  `gorm:"type:jsonb" json:"result,omitempty"`
	Status         OperationStatus `gorm:"type:text;not null" json:"status"`
	Attempts       int             `gorm:"not null" json:"attempts"`
	LastError      string          `gorm:"type:text" json:"last_error,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Operation) TableName() string { return "billing.gateway_operations" }

type ProcessorCustomer struct {
	OrgID               snowflake.ID `gorm:"primaryKey"`
	Provider            string       `gorm:"primaryKey"`
	ProcessorCustomerID string       `gorm:"type:text;not null"`
	CreatedAt           time.Time
}

func (ProcessorCustomer) TableName() string { return "billing.processor_customers" }

// Drift records a field where local and processor state disagree.
type Drift struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null" json:"organization_id"`
	SubscriptionID snowflake.ID `gorm:"not null" json:"subscription_id"`
	Field          string       `gorm:"type:text;not null" json:"field"`
	LocalValue     string       `gorm:"type:text;not null" json:"local_value"`
	ProcessorValue string       `gorm:"type:text;not null" json:"processor_value"`
	DetectedAt     time.Time    `json:"detected_at"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
}

func (Drift) TableName() string { return "billing.reconciliation_drifts" }
