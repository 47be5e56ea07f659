package app

import (
	"context"
	"sync"
	"time"

	"github.com/husn/settlement-service/internal/domain"
	"github.com/husn/settlement-service/pkg/rabbitmq"
	log "github.com/sirupsen/logrus"
)

// Notifier receives a lifecycle event for every ledger status change. Notify
// must not block the caller.
type Notifier interface {
	Notify(event domain.PayoutEvent)
}

type noopNotifier struct{}

func (noopNotifier) Notify(domain.PayoutEvent) {}

// AsyncNotifier publishes payout events to the event bus from a background
// goroutine. Events are dropped with a warning when the buffer is full.
type AsyncNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	events    chan domain.PayoutEvent
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

func NewAsyncNotifier(publisher rabbitmq.Publisher, exchange string, buffer int) *AsyncNotifier {
	if buffer <= 0 {
		buffer = 256
	}
	n := &AsyncNotifier{
		publisher: publisher,
		exchange:  exchange,
		events:    make(chan domain.PayoutEvent, buffer),
		done:      make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *AsyncNotifier) Notify(event domain.PayoutEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.events <- event:
	default:
		log.WithFields(log.Fields{
			"component": "payout_notifier",
			"ledger_id": event.LedgerID,
			"status":    event.NewStatus,
		}).Warn("notifier buffer full; dropping payout event")
	}
}

func (n *AsyncNotifier) run() {
	defer close(n.done)
	for event := range n.events {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := n.publisher.Publish(ctx, n.exchange, event.RoutingKey(), event)
		cancel()
		if err != nil {
			log.WithFields(log.Fields{
				"component":   "payout_notifier",
				"ledger_id":   event.LedgerID,
				"routing_key": event.RoutingKey(),
			}).WithError(err).Warn("failed to publish payout event")
		}
	}
}

// Close stops accepting events and waits for the buffered ones to be published.
func (n *AsyncNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.events)
	n.mu.Unlock()
	<-n.done
}
