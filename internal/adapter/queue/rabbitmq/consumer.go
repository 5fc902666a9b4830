package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/crabzie/P2P-Compute-Scheduler/internal/core/domain"
	"go.uber.org/zap"
)

// ConsumeReports is the engine side: lifecycle messages from all peers.
// Handler errors requeue the delivery; malformed payloads are dropped.
func (q *queueService) ConsumeReports(ctx context.Context, handler func(report *domain.PeerReport) error) error {
	msgs, err := q.ch.Consume(
		reportQueue, // queue
		"",          // consumer
		false,       // auto-ack (We want to ack manually after work is done)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming peer reports", zap.String("queue", reportQueue))

	go func() {
		for d := range msgs {
			var report domain.PeerReport
			if err := json.Unmarshal(d.Body, &report); err != nil {
				q.log.Error("Failed to unmarshal report", zap.Error(err))
				d.Nack(false, false) // discard invalid message
				continue
			}

			if err := handler(&report); err != nil {
				q.log.Error("Report handling failed",
					zap.String("task_id", report.TaskID),
					zap.Error(err))
				d.Nack(false, true)
			} else {
				d.Ack(false)
			}
		}
	}()

	return nil
}

// ConsumeDispatches is the worker side: the peer's own dispatch queue,
// carrying both assignments and cancel signals. Cancel signals are passed
// through the cancel callback registered with OnCancel.
func (q *queueService) ConsumeDispatches(ctx context.Context, peerID string, handler func(env *domain.DispatchEnvelope) error) error {
	qName := fmt.Sprintf("tasks.peer.%s", peerID)

	if _, err := q.ch.QueueDeclare(
		qName, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return err
	}

	if err := q.ch.QueueBind(qName, peerRoutingKey(peerID), dispatchExchange, false, nil); err != nil {
		return err
	}

	msgs, err := q.ch.Consume(
		qName, // queue
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return err
	}

	q.log.Info("Started consuming dispatches", zap.String("queue", qName))

	go func() {
		for d := range msgs {
			switch d.Type {
			case messageTypeCancel:
				var sig domain.CancelSignal
				if err := json.Unmarshal(d.Body, &sig); err != nil {
					q.log.Error("Failed to unmarshal cancel signal", zap.Error(err))
					d.Nack(false, false)
					continue
				}
				if q.onCancel != nil {
					q.onCancel(&sig)
				}
				d.Ack(false)

			default:
				var env domain.DispatchEnvelope
				if err := json.Unmarshal(d.Body, &env); err != nil {
					q.log.Error("Failed to unmarshal dispatch", zap.Error(err))
					d.Nack(false, false) // discard invalid message
					continue
				}

				q.log.Info("Received dispatch", zap.String("task_id", env.Task.ID))

				if err := handler(&env); err != nil {
					q.log.Error("Dispatch handling failed", zap.Error(err))
					d.Nack(false, true)
				} else {
					d.Ack(false)
				}
			}
		}
	}()

	return nil
}

// OnCancel registers the worker's cancel-signal callback.
func (q *queueService) OnCancel(fn func(sig *domain.CancelSignal)) {
	q.onCancel = fn
}
