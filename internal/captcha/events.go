package captcha

import (
	"context"
	"fmt"
	"time"

	"github.com/Armour007/aura-captcha/internal/observability"
	"github.com/Armour007/aura-captcha/internal/policy"
	"go.uber.org/zap"
)

const (
	ReasonUpdated  = "updated"
	ReasonReloaded = "reloaded"
)

// PolicyChanged is delivered to every registered consumer after the policy
// snapshot changes in this process.
type PolicyChanged struct {
	Settings *policy.Settings `json:"settings"`
	Version  int64            `json:"version"`
	Reason   string           `json:"reason"`
	Editor   string           `json:"editor,omitempty"`
	At       time.Time        `json:"at"`
}

// ConfigConsumer receives policy snapshots. Errors are logged, never returned
// to the admin caller.
type ConfigConsumer interface {
	Name() string
	ApplyPolicy(ctx context.Context, ev PolicyChanged) error
}

type consumerFunc struct {
	name string
	fn   func(ctx context.Context, ev PolicyChanged) error
}

func (c consumerFunc) Name() string { return c.name }
func (c consumerFunc) ApplyPolicy(ctx context.Context, ev PolicyChanged) error {
	return c.fn(ctx, ev)
}

// ConsumerFunc adapts a function to ConfigConsumer.
func ConsumerFunc(name string, fn func(ctx context.Context, ev PolicyChanged) error) ConfigConsumer {
	return consumerFunc{name: name, fn: fn}
}

type registration struct {
	id int
	c  ConfigConsumer
}

// Register adds c to the subscriber list and returns a func that removes it.
func (s *Service) Register(c ConfigConsumer) (unregister func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.consumers = append(s.consumers, registration{id: id, c: c})
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, r := range s.consumers {
			if r.id == id {
				s.consumers = append(s.consumers[:i:i], s.consumers[i+1:]...)
				return
			}
		}
	}
}

func (s *Service) notify(ctx context.Context, settings *policy.Settings, reason, editor string) {
	s.mu.RLock()
	subs := append([]registration(nil), s.consumers...)
	s.mu.RUnlock()
	at := s.now().UTC()
	for _, r := range subs {
		ev := PolicyChanged{Settings: settings.Clone(), Version: settings.Version, Reason: reason, Editor: editor, At: at}
		err := applyIsolated(ctx, r.c, ev)
		observability.RecordConsumerPush(r.c.Name(), err == nil)
		if err != nil {
			zap.L().Error("captcha policy consumer failed",
				zap.String("consumer", r.c.Name()),
				zap.Int64("version", ev.Version),
				zap.Error(err))
		}
	}
}

func applyIsolated(ctx context.Context, c ConfigConsumer, ev PolicyChanged) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("consumer panicked: %v", r)
		}
	}()
	return c.ApplyPolicy(ctx, ev)
}
