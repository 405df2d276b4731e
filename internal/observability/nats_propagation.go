package observability

import "github.com/nats-io/nats.go"

// NATSHeaderCarrier adapts nats.Header to the OpenTelemetry TextMapCarrier
// interface. A nil header reads as empty, so extraction from messages
// published without headers is safe.
type NATSHeaderCarrier struct {
	H nats.Header
}

func (c NATSHeaderCarrier) Get(key string) string {
	if c.H == nil {
		return ""
	}
	return c.H.Get(key)
}

func (c NATSHeaderCarrier) Set(key string, value string) {
	c.H.Set(key, value)
}

func (c NATSHeaderCarrier) Keys() []string {
	if len(c.H) == 0 {
		return nil
	}
	keys := make([]string, 0, len(c.H))
	for k := range c.H {
		keys = append(keys, k)
	}
	return keys
}
