package persistence

import (
	"context"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// Producer enqueues device-to-cloud messages into the outbox.
type Producer struct {
	store  *Store
	latest *watch.Counter
}

// Add stores msg durably and notifies the outbox pump. It returns once the
// write has committed; sending happens asynchronously.
func (p *Producer) Add(msg *DeviceMessage) error {
	id, err := p.store.StoreMessage(msg)
	if err != nil {
		return errors.Wrap(err, "unable to store device to cloud message")
	}
	msg.ID = id
	p.latest.SetMax(id)
	return nil
}

// Count returns the number of messages waiting in the outbox.
func (p *Producer) Count() (int64, error) {
	return p.store.MessageCount()
}

// Consumer hands out outbox messages in the order they were stored.
type Consumer struct {
	ch <-chan DeviceMessage
}

// Next returns the next message to send, or false when the outbox pump has
// stopped.
func (c *Consumer) Next(ctx context.Context) (DeviceMessage, bool) {
	select {
	case <-ctx.Done():
		return DeviceMessage{}, false
	case msg, ok := <-c.ch:
		return msg, ok
	}
}

// Acknowledger removes confirmed messages from the outbox head. The broker
// confirms publications in order, so the head is always the next-to-confirm
// message.
type Acknowledger struct {
	store *Store
}

// RemoveOldest deletes the outbox head.
func (a *Acknowledger) RemoveOldest() error {
	return a.store.RemoveOldestMessage()
}

// StartOutbox spawns the pump that pages stored messages out of the database
// and feeds them to the consumer, resuming from the lowest stored identifier
// after a restart.
func StartOutbox(ctx context.Context, store *Store) (*Producer, *Consumer, *Acknowledger) {
	latest := watch.NewCounter(-1)
	ch := make(chan DeviceMessage, 100)

	go func() {
		defer close(ch)
		var lastID int64 = -1
		for {
			messages, err := store.ListMessagesAfter(lastID)
			if err != nil {
				// Without the ability to read the outbox there is nothing to
				// send; surfacing the error is up to the next public call.
				logger.L().Error("unable to load saved device messages", "error", err)
				return
			}

			if len(messages) > 0 {
				logger.L().Debug("persisted messages are ready to be sent", "count", len(messages))
				lastID = messages[len(messages)-1].ID

				for _, msg := range messages {
					select {
					case <-ctx.Done():
						return
					case ch <- msg:
					}
				}
				continue
			}

			changed := latest.Changed()
			if latest.Get() > lastID {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
		}
	}()

	producer := &Producer{store: store, latest: latest}
	consumer := &Consumer{ch: ch}
	acknowledger := &Acknowledger{store: store}
	return producer, consumer, acknowledger
}
