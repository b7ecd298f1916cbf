package device

import (
	"context"
	"sync"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
)

// CloudToDeviceMessage is a message sent from the Platform to the device.
//
// Warning: the interface for cloud-to-device messages hasn't been finalized
// yet.
type CloudToDeviceMessage = persistence.CloudToDeviceMessage

// c2dRetryDelay paces retries of failing cloud-to-device processing.
const c2dRetryDelay = 30 * time.Second

// ProcessC2D registers the callback that processes incoming cloud-to-device
// messages one at a time on a dedicated goroutine. Each message is removed
// from the local inbox only after the callback returns, so unprocessed
// messages survive restarts. The callback can be registered at most once.
//
// Warning: the interface for cloud-to-device messages hasn't been finalized
// yet.
func (c *Client) ProcessC2D(callback func(msg *CloudToDeviceMessage)) error {
	conn := c.conn

	if !conn.c2dHandlerRegistered.CompareAndSwap(false, true) {
		return errors.Newf(errors.CodeFailedPrecondition,
			"cloud-to-device message handler has already been registered")
	}

	go func() {
		conn.c2dMu.Lock()
		defer conn.c2dMu.Unlock()

		for {
			if conn.ctx.Err() != nil {
				return
			}

			msg, err := conn.c2dReceiver.Recv(conn.ctx)
			if err != nil {
				if conn.ctx.Err() != nil {
					return
				}
				logger.L().Warn("processing of C2D messages failed", "error", err)
				// A transient store issue may heal; don't retry aggressively.
				sleepOrDone(conn.ctx, c2dRetryDelay)
				continue
			}

			invokeC2D(callback, msg)

			if err := conn.c2dReceiver.Ack(msg); err != nil {
				// The message cannot be removed, so it will be delivered
				// again; duplicate processing beats losing it.
				logger.L().Warn("unable to remove C2D message to prevent duplicate processing, it will be processed again",
					"error", err)
				sleepOrDone(conn.ctx, c2dRetryDelay)
			}
		}
	}()

	return nil
}

func invokeC2D(callback func(msg *CloudToDeviceMessage), msg *CloudToDeviceMessage) {
	defer func() {
		if cause := recover(); cause != nil {
			logger.L().Error("cloud-to-device message callback failed with panic", "cause", cause)
		}
	}()
	callback(msg)
}

// PendingC2D returns the number of cloud-to-device messages waiting in the
// local inbox.
//
// Warning: the interface for cloud-to-device messages hasn't been finalized
// yet.
func (c *Client) PendingC2D() (int64, error) {
	return c.conn.c2dReceiver.Count()
}

// CloudToDeviceMessageGuard hands out one received message and acknowledges
// it on Close.
type CloudToDeviceMessageGuard struct {
	// Message is the received cloud-to-device message.
	Message *CloudToDeviceMessage

	conn *connection
	once sync.Once
}

// Close acknowledges the message so that it is not delivered again. Closing
// twice is a no-op.
func (g *CloudToDeviceMessageGuard) Close() {
	g.once.Do(func() {
		if err := g.conn.c2dReceiver.Ack(g.Message); err != nil {
			logger.L().Warn("unable to remove message to prevent further processing", "error", err)
		}
	})
}

// GetC2D returns the next cloud-to-device message, waiting up to timeout for
// one to arrive. The caller must Close the returned guard after processing
// the message. GetC2D cannot be combined with ProcessC2D.
//
// Warning: the interface for cloud-to-device messages hasn't been finalized
// yet.
func (c *Client) GetC2D(timeout time.Duration) (*CloudToDeviceMessageGuard, error) {
	conn := c.conn

	if !conn.c2dMu.TryLock() {
		return nil, errors.Newf(errors.CodeFailedPrecondition,
			"another consumer of cloud-to-device messages is active")
	}
	defer conn.c2dMu.Unlock()

	ctx, cancel := context.WithTimeout(conn.ctx, timeout)
	defer cancel()

	msg, err := conn.c2dReceiver.Recv(ctx)
	if err != nil {
		return nil, err
	}

	return &CloudToDeviceMessageGuard{Message: msg, conn: conn}, nil
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
