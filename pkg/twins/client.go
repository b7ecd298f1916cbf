package twins

import (
	"context"
	"encoding/json"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// Client is the twin surface used by the device client. Reads come from the
// local reconciler; writes travel through the durable reported-properties
// queue, and full-snapshot requests are forwarded to the twin middleware.
type Client struct {
	twin            *DeviceTwin
	getTwins        chan<- struct{}
	reportedUpdates *persistence.Sender[persistence.ReportedPropertiesUpdate]
	desiredChanged  *watch.Counter
}

// NewClient wires the reconciler to the middleware channels.
func NewClient(
	twin *DeviceTwin,
	getTwins chan<- struct{},
	reportedUpdates *persistence.Sender[persistence.ReportedPropertiesUpdate],
	desiredChanged *watch.Counter,
) *Client {
	return &Client{
		twin:            twin,
		getTwins:        getTwins,
		reportedUpdates: reportedUpdates,
		desiredChanged:  desiredChanged,
	}
}

// RequestTwins asks the middleware for a fresh full snapshot. Best effort.
func (c *Client) RequestTwins() {
	select {
	case c.getTwins <- struct{}{}:
	default:
	}
}

// SetReportedProperties enqueues a full reported snapshot; the middleware
// computes the diff against the last known reported state before publishing.
func (c *Client) SetReportedProperties(properties string) error {
	return c.enqueueReported(persistence.ReportedUpdateFull, properties)
}

// PatchReportedProperties enqueues a caller-provided reported diff.
func (c *Client) PatchReportedProperties(patch string) error {
	return c.enqueueReported(persistence.ReportedUpdatePatch, patch)
}

func (c *Client) enqueueReported(kind persistence.ReportedPropertiesUpdateType, doc string) error {
	if !json.Valid([]byte(doc)) {
		return errors.Newf(errors.CodeInvalidArgument, "reported properties update is not valid JSON")
	}
	update := persistence.ReportedPropertiesUpdate{UpdateType: kind, Patch: doc}
	return c.reportedUpdates.Send(&update)
}

// DesiredProperties returns the latest desired snapshot. Intermediate versions
// that were superseded before this call are skipped.
func (c *Client) DesiredProperties() (DesiredProperties, error) {
	desired := c.twin.Desired()
	if desired == nil {
		return DesiredProperties{}, errors.Newf(errors.CodeFailedPrecondition,
			"desired properties haven't been initialized yet, although they should have")
	}
	return *desired, nil
}

// DesiredPropertiesIfNewer returns the desired snapshot only when its version
// exceeds the given one.
func (c *Client) DesiredPropertiesIfNewer(version uint64) *DesiredProperties {
	desired := c.twin.Desired()
	if desired == nil || desired.Version <= version {
		return nil
	}
	return desired
}

// ReportedProperties returns the local reported snapshot JSON, if any.
func (c *Client) ReportedProperties() *string {
	return c.twin.Reported()
}

// WaitDesiredPropertiesChanged blocks until the desired snapshot changes, then
// returns the latest version.
func (c *Client) WaitDesiredPropertiesChanged(ctx context.Context) (DesiredProperties, error) {
	ch := c.desiredChanged.Changed()
	select {
	case <-ctx.Done():
		return DesiredProperties{}, errors.New(errors.CodeUnavailable,
			"wait for desired properties change cancelled", ctx.Err())
	case <-ch:
	}

	return c.DesiredProperties()
}

// AnyPendingReportedUpdates reports whether reported-properties updates are
// still waiting to be sent upstream.
func (c *Client) AnyPendingReportedUpdates() (bool, error) {
	count, err := c.reportedUpdates.Count()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// WaitPropertiesReady blocks until both twin snapshots are populated.
func (c *Client) WaitPropertiesReady(ctx context.Context) error {
	return c.twin.WaitReady(ctx)
}
