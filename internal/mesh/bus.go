package mesh

import (
	"context"
	"encoding/json"
	"time"
)

const (
	// TopicPolicyChanged carries a captcha policy change notification.
	TopicPolicyChanged = "captcha.policy.changed"
)

type Event struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

type Handler func(ctx context.Context, e Event)

type Bus interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(topic string, h Handler) (unsubscribe func(), err error)
	Close() error
}
