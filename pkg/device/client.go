package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/iothub"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/twins"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// drainPollInterval paces the polling waits for the outbox to empty.
const drainPollInterval = 200 * time.Millisecond

// disconnectGrace is how long Close waits for the MQTT disconnect to flush.
const disconnectGrace = time.Second

// Client communicates with the Platform. Create it using Builder.Build.
//
// The client is cheap to copy; all copies share the same underlying
// connection. Every method is safe for concurrent use.
type Client struct {
	conn *connection
}

type connection struct {
	ctx      context.Context
	cancel   context.CancelFunc
	store    *persistence.Store
	producer *persistence.Producer

	twinsClient *twins.Client
	deviceTwin  *twins.DeviceTwin

	c2dMu                sync.Mutex
	c2dReceiver          *persistence.Receiver[persistence.CloudToDeviceMessage]
	c2dHandlerRegistered atomic.Bool

	// session is set by the background worker once the MQTT connection is up.
	session *watch.Value[*iothub.Session]
	signals ProcessSignalsSource
	siteID  *string

	closeOnce sync.Once
}

// WorkspaceID returns the ID of the workspace the device belongs to.
func (c *Client) WorkspaceID() (string, error) {
	return c.conn.store.LoadWorkspaceID()
}

// DeviceID returns the device ID. It may differ from the one requested in
// NewBuilder if the technician overrode it during the approval of the
// provisioning operation.
func (c *Client) DeviceID() (string, error) {
	return c.conn.store.LoadDeviceID()
}

// EnqueueMessage saves a message into the local queue to be sent to the
// Platform. It returns right after the message is durably stored; a
// background worker sends the queue asynchronously.
func (c *Client) EnqueueMessage(mc *MessageContext, batchID, messageID *string, payload []byte) error {
	return c.conn.enqueue(&persistence.DeviceMessage{
		SiteID:      c.conn.siteID,
		StreamGroup: mc.streamGroup,
		Stream:      mc.stream,
		BatchID:     batchID,
		MessageID:   messageID,
		Content:     payload,
		CloseOption: persistence.CloseOptionNone,
		Compression: mc.compression.persisted(),
	})
}

// EnqueueMessageAdvanced is EnqueueMessage with optional batch-slice and
// chunk identifiers.
func (c *Client) EnqueueMessageAdvanced(mc *MessageContext, batchID, batchSliceID, messageID, chunkID *string, payload []byte) error {
	return c.conn.enqueue(&persistence.DeviceMessage{
		SiteID:       c.conn.siteID,
		StreamGroup:  mc.streamGroup,
		Stream:       mc.stream,
		BatchID:      batchID,
		MessageID:    messageID,
		Content:      payload,
		CloseOption:  persistence.CloseOptionNone,
		Compression:  mc.compression.persisted(),
		BatchSliceID: batchSliceID,
		ChunkID:      chunkID,
	})
}

// EnqueueBatchCompletion saves the manual completion of the given batch into
// the local queue. The Platform also completes a batch automatically when the
// next one starts, so calling this is usually not necessary.
func (c *Client) EnqueueBatchCompletion(mc *MessageContext, batchID string) error {
	return c.conn.enqueue(&persistence.DeviceMessage{
		SiteID:      c.conn.siteID,
		StreamGroup: mc.streamGroup,
		Stream:      mc.stream,
		BatchID:     &batchID,
		CloseOption: persistence.CloseBatchOnly,
		Compression: persistence.CompressionNone,
	})
}

// EnqueueMessageCompletion saves the manual completion of the given message
// into the local queue. Use it together with message chunking.
func (c *Client) EnqueueMessageCompletion(mc *MessageContext, batchID, messageID string) error {
	return c.conn.enqueue(&persistence.DeviceMessage{
		SiteID:      c.conn.siteID,
		StreamGroup: mc.streamGroup,
		Stream:      mc.stream,
		BatchID:     &batchID,
		MessageID:   &messageID,
		CloseOption: persistence.CloseMessageOnly,
		Compression: persistence.CompressionNone,
	})
}

// SendMessage enqueues a message and blocks until it (and everything enqueued
// before it) is sent to the Platform. On devices without a stable connection,
// prefer EnqueueMessage.
func (c *Client) SendMessage(mc *MessageContext, batchID, messageID *string, payload []byte) error {
	if err := c.EnqueueMessage(mc, batchID, messageID, payload); err != nil {
		return err
	}
	return c.WaitEnqueuedMessagesSent()
}

// SendMessageAdvanced is SendMessage with optional batch-slice and chunk
// identifiers.
func (c *Client) SendMessageAdvanced(mc *MessageContext, batchID, batchSliceID, messageID, chunkID *string, payload []byte) error {
	if err := c.EnqueueMessageAdvanced(mc, batchID, batchSliceID, messageID, chunkID, payload); err != nil {
		return err
	}
	return c.WaitEnqueuedMessagesSent()
}

// PendingMessagesCount returns the number of messages that are persisted in
// the local database file but haven't been sent to the Platform yet.
func (c *Client) PendingMessagesCount() (int64, error) {
	return c.conn.producer.Count()
}

// WaitEnqueuedMessagesSent blocks until all previously enqueued messages are
// sent to the Platform.
func (c *Client) WaitEnqueuedMessagesSent() error {
	for {
		count, err := c.conn.producer.Count()
		if err != nil {
			return err
		}
		if count == 0 {
			return nil
		}

		if err := c.conn.signals.CheckSignals(); err != nil {
			return err
		}

		select {
		case <-c.conn.ctx.Done():
			return errors.New(errors.CodeUnavailable, "client is shutting down", c.conn.ctx.Err())
		case <-time.After(drainPollInterval):
		}
	}
}

// DesiredProperties returns the current desired properties. Only the latest
// version is returned; versions between the last obtained one and the current
// one are skipped.
func (c *Client) DesiredProperties() (DesiredProperties, error) {
	return c.conn.twinsClient.DesiredProperties()
}

// DesiredPropertiesIfNewer returns the current desired properties if their
// version is higher than version, and nil otherwise.
func (c *Client) DesiredPropertiesIfNewer(version uint64) *DesiredProperties {
	return c.conn.twinsClient.DesiredPropertiesIfNewer(version)
}

// UpdateReportedProperties saves the intended complete reported properties
// persistently; the diff against the last known reported state is computed
// and sent asynchronously when possible.
func (c *Client) UpdateReportedProperties(properties string) error {
	return c.conn.twinsClient.SetReportedProperties(properties)
}

// AnyPendingReportedPropertiesUpdates reports whether reported-properties
// updates are still waiting to be sent to the Platform.
func (c *Client) AnyPendingReportedPropertiesUpdates() (bool, error) {
	return c.conn.twinsClient.AnyPendingReportedUpdates()
}

// PatchReportedProperties saves a partial update of the reported properties
// persistently to be sent asynchronously when possible.
//
// Deprecated: use UpdateReportedProperties.
func (c *Client) PatchReportedProperties(patch string) error {
	return c.conn.twinsClient.PatchReportedProperties(patch)
}

// ReportedProperties returns the local snapshot of the reported properties.
//
// Deprecated: use UpdateReportedProperties to manage reported properties.
func (c *Client) ReportedProperties() *string {
	return c.conn.twinsClient.ReportedProperties()
}

// WaitDesiredPropertiesChanged blocks until the desired properties change,
// then returns their latest version.
//
// Deprecated: use the desired-properties-updated handler instead.
func (c *Client) WaitDesiredPropertiesChanged() (DesiredProperties, error) {
	return c.conn.twinsClient.WaitDesiredPropertiesChanged(c.conn.ctx)
}

func (conn *connection) enqueue(msg *persistence.DeviceMessage) error {
	return conn.producer.Add(msg)
}

// Close disconnects from the Platform and releases all resources held by the
// client. Messages that were not sent yet stay in the local database file and
// are sent by the next client using the same file.
func (c *Client) Close() {
	c.conn.closeOnce.Do(func() {
		logger.L().Debug("client is shutting down")

		// Give the session a chance to flush buffered packets and the
		// disconnect itself before cancelling everything.
		if session, ok := c.conn.session.Get(); ok && session != nil {
			session.Disconnect(disconnectGrace)
		}

		c.conn.cancel()
		c.conn.deviceTwin.Close()

		if err := c.conn.store.Close(); err != nil {
			logger.L().Warn("unable to close the local database file", "error", err)
		}

		logger.L().Debug("client shutdown complete")
	})
}
