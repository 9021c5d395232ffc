package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billingcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type CreateRequest struct {
	// OrganizationID must match the tenant in context when set.
	OrganizationID snowflake.ID `json:"organization_id,omitempty"`
	ProductCode    string       `json:"product_code,omitempty"`
	PlanID         snowflake.ID `json:"plan_id,omitempty"`
	BundleID       snowflake.ID `json:"bundle_id,omitempty"`
	TrialDays      *int         `json:"trial_days,omitempty" binding:"omitempty,min=0,max=365"`
}

type CreateResult struct {
	Subscriptions []Subscription `json:"subscriptions"`
	BundleOrder   *BundleOrder   `json:"bundle_order,omitempty"`
	// Created is false when an identical live subscription already existed.
	Created bool `json:"created"`
	// Pending means the processor has not confirmed the push yet.
	Pending bool `json:"pending"`
}

type ListRequest struct {
	pagination.Pagination
	Status    string `form:"status"`
	ProductID string `form:"product_id"`
}

type ListResponse struct {
	Subscriptions []Subscription      `json:"subscriptions"`
	PageInfo      pagination.PageInfo `json:"page_info"`
}

type CancelRequest struct {
	AtPeriodEnd bool   `json:"at_period_end"`
	Reason      string `json:"reason"`
}

type UpgradeRequest struct {
	PlanID snowflake.ID `json:"plan_id"`
}

// MutationResult is returned by operations that may push to the processor.
type MutationResult struct {
	Subscription *Subscription `json:"subscription"`
	Pending      bool          `json:"pending"`
}

type ReconcileResult struct {
	Subscription *Subscription `json:"subscription"`
	Drifts       []DriftView   `json:"drifts"`
}

type DriftView struct {
	Field          string `json:"field"`
	LocalValue     string `json:"local_value"`
	ProcessorValue string `json:"processor_value"`
}

type EventKind string

const (
	EventSubscriptionSynced   EventKind = "subscription_synced"
	EventSubscriptionDeleted  EventKind = "subscription_deleted"
	EventPaymentSucceeded     EventKind = "payment_succeeded"
	EventPaymentFailed        EventKind = "payment_failed"
	EventPaymentMethodChanged EventKind = "payment_method_changed"
)

// ProcessorEvent is the lifecycle-relevant content of a verified webhook.
type ProcessorEvent struct {
	EventID    string
	Kind       EventKind
	OccurredAt time.Time

	ProcessorSubscriptionID string
	// SubscriptionID comes from metadata stamped on outbound commands and is
	// used when the processor reference is not stored yet.
	SubscriptionID snowflake.ID
	CustomerID     string

	Status             string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	TrialEnd           *time.Time

	InvoiceID     string
	PaymentMethod string
	Detached      bool
	Reason        string
}

type AdvanceReport struct {
	Activated int `json:"activated"`
	Renewed   int `json:"renewed"`
	Cancelled int `json:"cancelled"`
	Expired   int `json:"expired"`
	Suspended int `json:"suspended"`
	Skipped   int `json:"skipped"`
}

// PeriodRater closes a billing period of a subscription.
type PeriodRater interface {
	RatePeriod(ctx context.Context, sub *Subscription, periodStart, periodEnd time.Time) error
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	Get(ctx context.Context, id string) (*Subscription, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
	History(ctx context.Context, id string) ([]StatusHistory, error)
	Cancel(ctx context.Context, id string, req CancelRequest) (*MutationResult, error)
	Reactivate(ctx context.Context, id string) (*MutationResult, error)
	Upgrade(ctx context.Context, id string, req UpgradeRequest) (*MutationResult, error)
	Approve(ctx context.Context, id string) (*MutationResult, error)
	Reconcile(ctx context.Context, id string) (*ReconcileResult, error)

	// ApplyProcessorEvent applies a webhook-derived change. It returns nil
	// when the event refers to no known subscription.
	ApplyProcessorEvent(ctx context.Context, ev ProcessorEvent) (*Subscription, error)

	AdvanceDue(ctx context.Context, now time.Time, limit int) (AdvanceReport, error)
	// SyncPending re-pushes subscriptions the processor has not confirmed.
	SyncPending(ctx context.Context, limit int) (int, error)
	ReconcileFlagged(ctx context.Context, limit int) (int, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindByIDSkipLocked returns nil when another transaction holds the row.
	FindByIDSkipLocked(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByProcessorID(ctx context.Context, db *gorm.DB, processorSubscriptionID string) (*Subscription, error)
	FindLive(ctx context.Context, db *gorm.DB, orgID, productID snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) error
	SetPaymentMethod(ctx context.Context, db *gorm.DB, customerID, paymentMethod string, now time.Time) (int64, error)
	ClearPaymentMethod(ctx context.Context, db *gorm.DB, paymentMethod string, now time.Time) (int64, error)

	InsertHistory(ctx context.Context, db *gorm.DB, h *StatusHistory) (bool, error)
	HistoryExists(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, eventID string) (bool, error)
	ListHistory(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]StatusHistory, error)

	InsertBundleOrder(ctx context.Context, db *gorm.DB, order *BundleOrder) error
	SumUnbilledUsage(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, end time.Time) (map[string]int64, error)

	ListDueIDs(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
	ListPendingSync(ctx context.Context, db *gorm.DB, limit int) ([]*Subscription, error)
	ListFlagged(ctx context.Context, db *gorm.DB, limit int) ([]*Subscription, error)
}

type ListFilter struct {
	OrgID     snowflake.ID
	Status    Status
	ProductID snowflake.ID
	// Cursor is exclusive: rows created before it, newest first.
	CursorCreatedAt *time.Time
	CursorID        snowflake.ID
	Limit           int
}

var (
	ErrInvalidOrganization    = errors.New("invalid_organization")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrInvalidRequest         = errors.New("invalid_request")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrAlreadySubscribed      = errors.New("subscription_already_exists")
	ErrInvalidTransition      = errors.New("invalid_status_transition")
	ErrProductNotSubscribable = errors.New("product_not_subscribable")
	ErrPlanNotStandalone      = errors.New("plan_not_available_standalone")
	ErrPlanProductMismatch    = errors.New("plan_product_mismatch")
	ErrPlanInactive           = errors.New("plan_inactive")
	ErrSamePlan               = errors.New("plan_unchanged")
	ErrReactivationExpired    = errors.New("reactivation_window_closed")
	ErrNotReconcilable        = errors.New("subscription_not_synced")
)
