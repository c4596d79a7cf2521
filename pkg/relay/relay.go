// Package relay mirrors store events onto NATS subjects so other processes can follow the
// dataset without holding a websocket.
package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/bilbo-22/familist/pkg/event"
)

const DefaultPrefix = "familist"

// Subject maps an event name onto a subject below prefix, "list:created" becoming
// "<prefix>.list.created".
func Subject(prefix string, name event.Name) string {
	return prefix + "." + strings.ReplaceAll(string(name), ":", ".")
}

type Relay struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// Dial connects to the NATS server at url.
func Dial(url, prefix string, logger *slog.Logger) (*Relay, error) {
	conn, err := nats.Connect(url, nats.Name("familist-relay"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	return New(conn, prefix, logger), nil
}

func New(conn *nats.Conn, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{conn: conn, prefix: prefix, logger: logger}
}

// Deliver publishes the event envelope. Publishing only buffers, so this is safe to call
// under the store lock; failures are logged and the event is lost for the relay only.
func (r *Relay) Deliver(ev event.Event) {
	raw, err := ev.Encode()
	if err != nil {
		r.logger.Error("failed to encode event", "event", ev.Name, "err", err)
		return
	}
	if err := r.conn.Publish(Subject(r.prefix, ev.Name), raw); err != nil {
		r.logger.Error("failed to publish event", "event", ev.Name, "err", err)
	}
}

func (r *Relay) Close() {
	if err := r.conn.Drain(); err != nil {
		r.logger.Error("failed to drain nats connection", "err", err)
		r.conn.Close()
	}
}

// Subscribe calls fn for every event published below prefix. Messages that fail to decode
// are logged and skipped.
func Subscribe(conn *nats.Conn, prefix string, logger *slog.Logger, fn func(event.Event)) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub, err := conn.Subscribe(prefix+".>", func(msg *nats.Msg) {
		ev, err := event.Decode(msg.Data)
		if err != nil {
			logger.Error("failed to decode relayed event", "subject", msg.Subject, "err", err)
			return
		}
		fn(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}
