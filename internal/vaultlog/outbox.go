package vaultlog

import (
	"context"
	"fmt"
	"time"

	"github.com/lumaforge/guildvault/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Publisher drains the event outbox to Kafka. Events are written by Log in
// the same transaction as their source rows, so the audit stream is an
// at-least-once mirror of the vault log.
type Publisher struct {
	db     *gorm.DB
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

func NewPublisher(db *gorm.DB, w *kafka.Writer, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{db: db, writer: w, log: logger}
}

// Poll pulls unprocessed events, oldest first.
func (p *Publisher) Poll(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := p.db.WithContext(ctx).
		Where("processed = false").
		Order("created_at").
		Limit(limit).
		Find(&evts).Error
	return evts, err
}

// Publish sends one event to the audit topic, keyed by guild id so a guild's
// events stay ordered within a partition.
func (p *Publisher) Publish(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return p.writer.WriteMessages(ctx, msg)
}

// MarkProcessed sets the processed flag.
func (p *Publisher) MarkProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return p.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// Drain runs one poll-publish-mark cycle and returns the number published.
func (p *Publisher) Drain(ctx context.Context, limit int) (int, error) {
	evts, err := p.Poll(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("poll outbox: %w", err)
	}
	published := 0
	for _, evt := range evts {
		if err := p.Publish(ctx, evt); err != nil {
			p.log.Errorf("publish event id=%d: %v", evt.ID, err)
			continue
		}
		if err := p.MarkProcessed(ctx, evt.ID); err != nil {
			p.log.Errorf("mark processed id=%d: %v", evt.ID, err)
			continue
		}
		published++
	}
	return published, nil
}
