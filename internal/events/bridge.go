package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBridge fans events out across server instances over a core NATS
// subject. Core pub/sub (no JetStream) gives exactly the delivery contract
// the broker wants: connected instances see the event, nobody replays
// history to late joiners.
type NATSBridge struct {
	nc      *nats.Conn
	subject string
	logger  *zap.Logger
	sub     *nats.Subscription
}

func NewNATSBridge(url, subject string, logger *zap.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBridge{nc: nc, subject: subject, logger: logger}, nil
}

// NewNATSBridgeConn wraps an existing connection, sharing it with the work
// queue when both live in the same process.
func NewNATSBridgeConn(nc *nats.Conn, subject string, logger *zap.Logger) *NATSBridge {
	return &NATSBridge{nc: nc, subject: subject, logger: logger}
}

func (t *NATSBridge) Mirror(_ context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return t.nc.Publish(t.subject, b)
}

// Start consumes the bridge subject and hands remote events to the broker.
// The broker drops our own echoes by origin id.
func (t *NATSBridge) Start(broker *Broker) error {
	sub, err := t.nc.Subscribe(t.subject, func(m *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			t.logger.Warn("bad event on bridge subject", zap.Error(err))
			return
		}
		broker.Deliver(ev)
	})
	if err != nil {
		return err
	}
	t.sub = sub
	return nil
}

func (t *NATSBridge) Close() {
	if t.sub != nil {
		_ = t.sub.Unsubscribe()
	}
	if t.nc != nil {
		t.nc.Close()
	}
}
