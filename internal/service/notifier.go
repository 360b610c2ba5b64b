package service

import (
	"context"
	"fmt"
	"time"

	"github.com/abkawan/approval-ledger/internal/metrics"
	"github.com/abkawan/approval-ledger/internal/models"
	"github.com/abkawan/approval-ledger/internal/queue"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Notifier receives workflow notifications after the transition they
// describe is committed. It never reports failure back to the workflow.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification)
}

// Sink is one delivery channel for notifications.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n models.Notification) error
}

// Dispatcher fans a notification out to every configured sink. Delivery
// errors are logged and counted, never returned.
type Dispatcher struct {
	sinks   []Sink
	timeout time.Duration
	logger  *zap.Logger
}

func NewDispatcher(logger *zap.Logger, timeout time.Duration, sinks ...Sink) *Dispatcher {
	return &Dispatcher{
		sinks:   sinks,
		timeout: timeout,
		logger:  logger,
	}
}

func (d *Dispatcher) Notify(ctx context.Context, n models.Notification) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	// the caller's request may already be finished; delivery still gets its own budget
	ctx = context.WithoutCancel(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if len(d.sinks) == 0 {
		d.logger.Info("notification",
			zap.String("user_id", n.UserID),
			zap.String("category", string(n.Category)),
			zap.String("title", n.Title),
			zap.String("related_id", n.RelatedID),
		)
		return
	}

	for _, sink := range d.sinks {
		err := sink.Deliver(ctx, n)
		metrics.RecordNotification(sink.Name(), err)
		if err != nil {
			d.logger.Warn("failed to deliver notification",
				zap.String("sink", sink.Name()),
				zap.String("notification_id", n.ID),
				zap.String("user_id", n.UserID),
				zap.String("related_id", n.RelatedID),
				zap.Error(err),
			)
		}
	}
}

// InboxProcessor drains queued notifications into the user inbox.
type InboxProcessor struct {
	inbox  Inbox
	logger *zap.Logger
}

func NewInboxProcessor(inbox Inbox, logger *zap.Logger) *InboxProcessor {
	return &InboxProcessor{inbox: inbox, logger: logger}
}

// Process stores one delivery and acks it. A failed write is requeued.
func (p *InboxProcessor) Process(ctx context.Context, d queue.Delivery) error {
	n := d.Notification
	if err := p.inbox.CreateNotification(ctx, &n); err != nil {
		if rerr := d.Reject(true); rerr != nil {
			p.logger.Warn("failed to requeue notification", zap.String("notification_id", n.ID), zap.Error(rerr))
		}
		return fmt.Errorf("failed to store notification %s: %w", n.ID, err)
	}
	if err := d.Ack(); err != nil {
		p.logger.Warn("failed to ack notification", zap.String("notification_id", n.ID), zap.Error(err))
	}
	return nil
}

// Run processes deliveries until the channel closes or ctx is done.
func (p *InboxProcessor) Run(ctx context.Context, deliveries <-chan queue.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}

			if err := p.Process(ctx, d); err != nil {
				p.logger.Error("failed to process notification", zap.Error(err))
				continue
			}
			metrics.RecordNotification("inbox", nil)
			p.logger.Debug("stored notification",
				zap.String("notification_id", d.Notification.ID),
				zap.String("user_id", d.Notification.UserID),
			)
		}
	}
}
