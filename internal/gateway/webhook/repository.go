package webhook

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ProcessedEvent records every verified delivery. processed_at is set only
// after its effects committed.
type ProcessedEvent struct {
	ID          snowflake.ID   `gorm:"primaryKey"`
	Provider    string         `gorm:"type:text;not null"`
	EventID     string         `gorm:"type:text;not null"`
	EventType   string         `gorm:"type:text;not null"`
	Payload     datatypes.JSON `gorm:"type:jsonb;not null"`
	ReceivedAt  time.Time      `gorm:"not null"`
	ProcessedAt *time.Time
}

func (ProcessedEvent) TableName() string { return "billing.processor_events" }

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*ProcessedEvent, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

type repo struct{}

func ProvideRepository() Repository {
	return &repo{}
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *ProcessedEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing.processor_events (
			id, provider, event_id, event_type, payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.EventID,
		event.EventType,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider, eventID string) (*ProcessedEvent, error) {
	var item ProcessedEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, event_id, event_type, payload, received_at, processed_at
		 FROM billing.processor_events
		 WHERE provider = ? AND event_id = ?
		 LIMIT 1`,
		provider,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing.processor_events
		 SET processed_at = ?
		 WHERE id = ?`,
		processedAt,
		id,
	).Error
}
