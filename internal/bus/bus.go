// Package bus wraps an embedded NATS connection used as the internal
// event bus connecting the memoryd daemon's background workers (outbox,
// graduation, consolidation). It is never dialed from the short-lived
// memoryhook process, which must complete without touching the network.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	nc "github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Well-known subjects the daemon's workers publish and subscribe to.
const (
	SubjectOutboxWake      = "memory.outbox.wake"
	SubjectGraduationWake  = "memory.graduation.wake"
	SubjectConsolidateWake = "memory.consolidate.wake"
	SubjectEventAppended   = "memory.event.appended"
)

// Message mirrors the subset of a NATS message callers need.
type Message struct {
	Subject string
	Reply   string
	Data    []byte
}

// Client wraps a NATS connection with the convenience methods memoryd's
// workers use to publish wake-up notifications and subscribe to them.
type Client struct {
	conn     *nc.Conn
	clientID string
	log      zerolog.Logger
}

// NewClient connects to the given NATS URL (normally the address of the
// embedded server memoryd starts in-process) with indefinite reconnect.
func NewClient(url, clientID string, log zerolog.Logger) (*Client, error) {
	log = log.With().Str("component", "bus").Str("client_id", clientID).Logger()

	opts := []nc.Option{
		nc.Name(clientID),
		nc.ReconnectWait(2 * time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("bus disconnected")
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("bus reconnected")
		}),
		nc.ClosedHandler(func(*nc.Conn) {
			log.Info().Msg("bus connection closed")
		}),
	}

	conn, err := nc.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}

	return &Client{conn: conn, clientID: clientID, log: log}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// Publish sends raw bytes to subject.
func (c *Client) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// PublishJSON marshals v and publishes it to subject.
func (c *Client) PublishJSON(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	return c.Publish(subject, data)
}

// PublishWakeup sends an empty notification to subject, used to nudge a
// poller into running a cycle early instead of waiting out its ticker.
func (c *Client) PublishWakeup(subject string) error {
	return c.Publish(subject, nil)
}

// Subscribe creates an asynchronous subscription.
func (c *Client) Subscribe(subject string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// QueueSubscribe creates a load-balanced queue subscription, used when
// more than one worker instance may be listening on the same subject.
func (c *Client) QueueSubscribe(subject, queue string, handler func(*Message)) (*nc.Subscription, error) {
	sub, err := c.conn.QueueSubscribe(subject, queue, func(msg *nc.Msg) {
		handler(&Message{Subject: msg.Subject, Reply: msg.Reply, Data: msg.Data})
	})
	if err != nil {
		return nil, fmt.Errorf("queue subscribe to %s: %w", subject, err)
	}
	return sub, nil
}

// SubscribeWakeups subscribes to subject and returns a channel that
// receives a value on every message, plus an unsubscribe func. This is
// the shape pollers (outbox, graduation, consolidation workers) want:
// they select on the channel alongside their ticker rather than handling
// raw NATS messages.
func (c *Client) SubscribeWakeups(subject string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)
	sub, err := c.Subscribe(subject, func(*Message) {
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, func() { _ = sub.Unsubscribe() }, nil
}

// Flush flushes buffered outbound data to the server.
func (c *Client) Flush() error {
	if err := c.conn.Flush(); err != nil {
		return fmt.Errorf("flush bus: %w", err)
	}
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

// RawConn exposes the underlying NATS connection for advanced use.
func (c *Client) RawConn() *nc.Conn { return c.conn }
