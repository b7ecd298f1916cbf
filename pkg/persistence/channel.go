package persistence

import (
	"context"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// Table describes how a record type is stored in the local database so that it
// can travel through a durable channel. Store operations must assign
// identifiers higher than any returned before (AUTOINCREMENT).
type Table[T any] interface {
	// IDOf returns the identifier of a loaded record.
	IDOf(rec *T) int64
	// Insert stores rec and returns the assigned identifier.
	Insert(s *Store, rec *T) (int64, error)
	// NextAfter loads the record with the lowest identifier greater than id.
	NextAfter(s *Store, id int64) (*T, error)
	// Remove deletes the record with the given identifier.
	Remove(s *Store, id int64) error
	// Count returns the number of stored records.
	Count(s *Store) (int64, error)
}

// NewChannel creates a disk-backed producer/consumer pair with at-least-once
// delivery. Records survive restarts; unacknowledged records are delivered
// again starting from the lowest identifier. Delivery within one process run
// is in strictly ascending identifier order. Duplicates are possible,
// reordering is not.
func NewChannel[T any](store *Store, table Table[T]) (*Sender[T], *Receiver[T]) {
	latest := watch.NewCounter(0)
	sender := &Sender[T]{store: store, table: table, latest: latest}
	receiver := &Receiver[T]{store: store, table: table, latest: latest}
	return sender, receiver
}

// Sender is the producing half of a durable channel. It is safe for
// concurrent use.
type Sender[T any] struct {
	store  *Store
	table  Table[T]
	latest *watch.Counter
}

// Send stores rec and notifies the consumer. It returns once the record has
// been durably written.
func (s *Sender[T]) Send(rec *T) error {
	id, err := s.table.Insert(s.store, rec)
	if err != nil {
		return err
	}
	s.latest.SetMax(id)
	return nil
}

// Count returns the number of records waiting in the channel.
func (s *Sender[T]) Count() (int64, error) {
	return s.table.Count(s.store)
}

// Receiver is the consuming half of a durable channel. It must be used from a
// single consumer at a time.
type Receiver[T any] struct {
	store        *Store
	table        Table[T]
	latest       *watch.Counter
	lastReceived int64
}

// Recv returns the next record after the last one received in this run,
// blocking until one is stored or ctx is cancelled.
func (r *Receiver[T]) Recv(ctx context.Context) (*T, error) {
	for {
		rec, err := r.table.NextAfter(r.store, r.lastReceived)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			r.lastReceived = r.table.IDOf(rec)
			return rec, nil
		}

		ch := r.latest.Changed()

		// A record may have been stored between the load and the snapshot of
		// the change channel; re-check before sleeping.
		if r.latest.Get() > r.lastReceived {
			continue
		}

		select {
		case <-ctx.Done():
			return nil, errors.New(errors.CodeUnavailable, "receive cancelled", ctx.Err())
		case <-ch:
		}
	}
}

// Ack removes rec from the store so that it is not delivered again.
func (r *Receiver[T]) Ack(rec *T) error {
	return r.table.Remove(r.store, r.table.IDOf(rec))
}

// Count returns the number of records waiting in the channel.
func (r *Receiver[T]) Count() (int64, error) {
	return r.table.Count(r.store)
}
