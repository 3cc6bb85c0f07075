package tasks

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"enrichment-engine/backend/internal/logging"
)

// NatsQueue publishes tasks on core NATS and consumes them through a queue
// group, so several engine replicas share the work.
type NatsQueue struct {
	conn    *nats.Conn
	subject string
	group   string
	logger  *logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNatsQueue connects to url.
func NewNatsQueue(url, subject, group string, logger *logging.Logger) (*NatsQueue, error) {
	q := &NatsQueue{
		subject: subject,
		group:   group,
		logger:  logger.Named("nats"),
	}

	conn, err := nats.Connect(
		url,
		nats.Name("enrichment-engine"),
		nats.ReconnectHandler(q.reconnectHandler),
		nats.DisconnectErrHandler(q.disconnectHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	q.conn = conn
	return q, nil
}

func (q *NatsQueue) reconnectHandler(nc *nats.Conn) {
	q.logger.Info("Reconnected to nats", "url", nc.ConnectedUrl())
}

func (q *NatsQueue) disconnectHandler(_ *nats.Conn, err error) {
	if err != nil {
		q.logger.Error("Disconnected from nats", "error", err)
	}
}

// Enqueue publishes t on <subject>.<kind>.
func (q *NatsQueue) Enqueue(_ context.Context, t Task) error {
	if q.conn.IsClosed() || q.conn.IsDraining() {
		return ErrQueueClosed
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.conn.Publish(q.subject+"."+t.Kind, data)
}

// Start subscribes to every task kind under the subject in the queue group.
func (q *NatsQueue) Start(ctx context.Context, consume func(context.Context, Task)) error {
	runCtx := context.WithoutCancel(ctx)
	sub, err := q.conn.QueueSubscribe(q.subject+".>", q.group, func(msg *nats.Msg) {
		var t Task
		if err := json.Unmarshal(msg.Data, &t); err != nil {
			q.logger.Error("Discarding undecodable task", "subject", msg.Subject, "error", err)
			return
		}
		consume(runCtx, t)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", q.subject, err)
	}

	q.mu.Lock()
	q.sub = sub
	q.mu.Unlock()
	return nil
}

// Close drains the subscription and the connection so in-flight messages
// finish before returning.
func (q *NatsQueue) Close() error {
	if q.conn.IsClosed() {
		return nil
	}
	closed := make(chan struct{})
	q.conn.SetClosedHandler(func(*nats.Conn) { close(closed) })
	if err := q.conn.Drain(); err != nil {
		q.conn.Close()
		return err
	}
	<-closed
	return nil
}
