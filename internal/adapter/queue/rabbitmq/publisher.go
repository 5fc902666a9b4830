package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	dispatchExchange = "tasks.direct"
	reportQueue      = "task.reports"

	messageTypeDispatch = "dispatch"
	messageTypeCancel   = "cancel"
)

type queueService struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	onCancel func(sig *domain.CancelSignal)
	log      *zap.Logger
}

// NewQueueService connects to RabbitMQ with incremental backoff and
// declares the shared topology: the per-peer dispatch exchange and the
// report queue the engine consumes.
func NewQueueService(url string, log *zap.Logger) (*queueService, error) {
	var conn *amqp.Connection
	var err error

	// Retry connection up to 10 times with backoff
	maxRetries := 10
	for i := 1; i <= maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, cerr := conn.Channel()
			if cerr == nil {
				svc := &queueService{
					conn: conn,
					ch:   ch,
					log:  log,
				}
				if derr := svc.declareTopology(); derr != nil {
					conn.Close()
					return nil, derr
				}
				return svc, nil
			}
			err = cerr
			conn.Close()
		}

		log.Warn("Failed to connect to RabbitMQ, retrying...",
			zap.Int("attempt", i),
			zap.Int("max_retries", maxRetries),
			zap.Error(err),
		)

		// Simple incremental backoff
		time.Sleep(time.Duration(i*2) * time.Second)
	}

	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

func (q *queueService) declareTopology() error {
	if err := q.ch.ExchangeDeclare(
		dispatchExchange, // name
		"direct",         // kind
		true,             // durable
		false,            // auto-delete
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	); err != nil {
		return err
	}

	_, err := q.ch.QueueDeclare(
		reportQueue, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	return err
}

// peerRoutingKey is the routing key a peer's dispatch queue is bound with.
func peerRoutingKey(peerID string) string {
	return fmt.Sprintf("peer.%s", peerID)
}

// PublishDispatch ships a task assignment to the assigned peer's queue.
func (q *queueService) PublishDispatch(ctx context.Context, env *domain.DispatchEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	err = q.ch.PublishWithContext(ctx,
		dispatchExchange,           // Exchange
		peerRoutingKey(env.PeerID), // Routing key
		false,                      // Mandatory
		false,                      // Immediate
		amqp.Publishing{
			ContentType: "application/json",
			Type:        messageTypeDispatch,
			MessageId:   env.DispatchID,
			Body:        body,
		})

	if err != nil {
		q.log.Error("Failed to publish dispatch", zap.Error(err))
		return err
	}

	q.log.Info("Published dispatch",
		zap.String("task_id", env.Task.ID),
		zap.String("peer_id", env.PeerID))
	return nil
}

// PublishCancel sends a best-effort cancellation to the peer's queue.
func (q *queueService) PublishCancel(ctx context.Context, sig *domain.CancelSignal) error {
	body, err := json.Marshal(sig)
	if err != nil {
		return err
	}

	err = q.ch.PublishWithContext(ctx,
		dispatchExchange,
		peerRoutingKey(sig.PeerID),
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Type:        messageTypeCancel,
			Body:        body,
		})

	if err != nil {
		q.log.Error("Failed to publish cancel signal", zap.Error(err))
		return err
	}

	q.log.Info("Published cancel signal",
		zap.String("task_id", sig.TaskID),
		zap.String("peer_id", sig.PeerID))
	return nil
}

// PublishReport is the worker side: task lifecycle messages back to the engine.
func (q *queueService) PublishReport(ctx context.Context, report *domain.PeerReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return err
	}

	return q.ch.PublishWithContext(ctx,
		"",          // default exchange
		reportQueue, // straight to the report queue
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		})
}

// Close tears the channel and connection down.
func (q *queueService) Close() {
	q.ch.Close()
	q.conn.Close()
}
