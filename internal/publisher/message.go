// Package publisher encodes outbound notifications and announces refreshed
// snapshots through an ecfr.Publisher.
package publisher

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
)

// AttrEventType names the message attribute carrying the event type.
const AttrEventType = "event_type"

// Typed payloads report their event type as a message attribute.
type Typed interface {
	EventType() string
}

// Encode marshals payload to JSON and builds the message attributes,
// including the trace context of ctx.
func Encode(ctx context.Context, payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"content_type": "application/json"}
	if typed, ok := payload.(Typed); ok {
		attrs[AttrEventType] = typed.EventType()
	}
	otel.GetTextMapPropagator().Inject(ctx, &Carrier{Attrs: attrs})
	return data, attrs, nil
}

// Carrier implements propagation.TextMapCarrier for message attributes.
type Carrier struct {
	Attrs map[string]string
}

// Get returns the attribute value for key.
func (c *Carrier) Get(key string) string {
	return c.Attrs[key]
}

// Set stores an attribute.
func (c *Carrier) Set(key, value string) {
	c.Attrs[key] = value
}

// Keys lists the attribute names.
func (c *Carrier) Keys() []string {
	keys := make([]string, 0, len(c.Attrs))
	for k := range c.Attrs {
		keys = append(keys, k)
	}
	return keys
}
