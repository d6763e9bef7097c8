package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// EventPublisher emits dialer events to Kafka for external consumers.
type EventPublisher struct {
	statusWriter *kafka.Writer
	routedWriter *kafka.Writer
}

// NewEventPublisher constructs a publisher for the campaign-status and
// call-routed topics.
func NewEventPublisher(k *Kafka, statusTopic, routedTopic string) *EventPublisher {
	return &EventPublisher{
		statusWriter: k.NewWriter(statusTopic),
		routedWriter: k.NewWriter(routedTopic),
	}
}

// PublishCampaignStatus emits a campaign status transition.
func (p *EventPublisher) PublishCampaignStatus(ctx context.Context, msg CampaignStatusMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event publisher: marshal status: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CampaignID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.statusWriter.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write status: %w", err)
	}
	return nil
}

// PublishCallRouted emits a call-routed-to-agent notification.
func (p *EventPublisher) PublishCallRouted(ctx context.Context, msg CallRoutedMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("event publisher: marshal routed: %w", err)
	}
	record := kafka.Message{
		Key:   msg.CallID[:],
		Value: value,
		Time:  time.Now().UTC(),
	}
	if err := p.routedWriter.WriteMessages(ctx, record); err != nil {
		return fmt.Errorf("event publisher: write routed: %w", err)
	}
	return nil
}

// Close closes the underlying writers.
func (p *EventPublisher) Close() error {
	var err error
	if cerr := p.statusWriter.Close(); cerr != nil {
		err = cerr
	}
	if cerr := p.routedWriter.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
