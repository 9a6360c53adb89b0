package events

import (
	"context"
	"sync"

	"github.com/MNhat168/sport-zone-sub005/models"
)

// Recorder keeps published events in memory. Set Err to make Publish fail.
type Recorder struct {
	mu     sync.Mutex
	events []models.PaymentEvent
	Err    error
}

func (r *Recorder) Publish(ctx context.Context, ev models.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Events() []models.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PaymentEvent(nil), r.events...)
}

// Count returns how many events of typ were published for a transaction.
func (r *Recorder) Count(typ models.EventType, transactionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ && ev.TransactionID == transactionID {
			n++
		}
	}
	return n
}

func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}
