package captcha

import (
	"context"
	"encoding/json"

	"github.com/Armour007/aura-captcha/internal/mesh"
)

// BusConsumer publishes policy changes on a mesh.Bus for other services.
// The captcha service itself does not subscribe: cache refresh across
// instances stays an explicit reload.
type BusConsumer struct {
	bus mesh.Bus
}

func NewBusConsumer(b mesh.Bus) *BusConsumer { return &BusConsumer{bus: b} }

func (b *BusConsumer) Name() string { return "bus" }

type busPayload struct {
	Version int64  `json:"version"`
	Reason  string `json:"reason"`
	Editor  string `json:"editor,omitempty"`
	Enabled bool   `json:"captcha_enabled"`
	Mode    string `json:"mode"`
}

func (b *BusConsumer) ApplyPolicy(ctx context.Context, ev PolicyChanged) error {
	payload, err := json.Marshal(busPayload{
		Version: ev.Version,
		Reason:  ev.Reason,
		Editor:  ev.Editor,
		Enabled: ev.Settings.Enabled,
		Mode:    string(ev.Settings.Mode),
	})
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, mesh.Event{Topic: mesh.TopicPolicyChanged, Payload: payload, Timestamp: ev.At})
}
