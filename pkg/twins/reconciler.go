package twins

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// DeviceTwin reconciles the local desired and reported snapshots with the
// traffic coming from the Platform. All state is guarded by one mutex.
type DeviceTwin struct {
	mu       sync.Mutex
	store    *persistence.Store
	desired  *Twin
	reported *Twin
	// Desired patches that arrived before the first full snapshot.
	buffered []TwinUpdate

	desiredReady  *watch.Value[bool]
	reportedReady *watch.Value[bool]
	dispatcher    *callbackDispatcher
}

// NewDeviceTwin loads the persisted snapshots and starts the callback worker
// if a handler is provided.
func NewDeviceTwin(store *persistence.Store, callback DesiredPropertiesUpdatedHandler) *DeviceTwin {
	t := &DeviceTwin{store: store}

	t.desired = loadTwin(store, persistence.TwinDesired)
	t.reported = loadTwin(store, persistence.TwinReported)

	t.desiredReady = watch.NewWith(t.desired != nil)
	t.reportedReady = watch.NewWith(t.reported != nil)

	if callback != nil {
		t.dispatcher = newCallbackDispatcher(callback)
	}

	return t
}

func loadTwin(store *persistence.Store, kind string) *Twin {
	doc, found, err := store.LoadTwin(kind)
	if err != nil {
		logger.L().Warn("unable to load persisted twin", "kind", kind, "error", err)
		return nil
	}
	if !found {
		return nil
	}

	var twin Twin
	if err := json.Unmarshal([]byte(doc), &twin); err != nil {
		logger.L().Warn("unable to parse persisted twin", "kind", kind, "error", err)
		return nil
	}
	return &twin
}

// SetTwins installs a full server snapshot. Snapshots not newer than the local
// state are ignored. Afterwards any buffered desired patches that fit are
// drained.
func (t *DeviceTwin) SetTwins(twins *Twins) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.setDesired(twins.Desired.Version, twins.Desired.Properties); err != nil {
		return err
	}
	return t.setReported(twins.Reported.Version, twins.Reported.Properties)
}

func (t *DeviceTwin) setDesired(version uint64, properties map[string]any) error {
	if t.desired != nil && version <= t.desired.Version {
		logger.L().Debug("ignoring desired properties snapshot",
			"version", version, "current", t.desired.Version)
		return nil
	}

	logger.L().Debug("setting desired properties", "version", version)
	t.desired = &Twin{Version: version, Properties: properties}

	for len(t.buffered) > 0 {
		update := t.buffered[0]
		t.buffered = t.buffered[1:]
		if err := t.desired.Apply(update); err != nil {
			return err
		}
	}

	if err := t.saveDesiredLocked(); err != nil {
		return err
	}

	t.notifyDesiredUpdatedLocked()
	return nil
}

func (t *DeviceTwin) setReported(version uint64, properties map[string]any) error {
	if t.reported != nil && version <= t.reported.Version {
		logger.L().Debug("ignoring reported properties snapshot",
			"version", version, "current", t.reported.Version)
		return nil
	}

	logger.L().Debug("setting reported properties", "version", version)
	t.reported = &Twin{Version: version, Properties: properties}

	if err := t.saveReportedLocked(); err != nil {
		return err
	}

	t.reportedReady.Set(true)
	return nil
}

// UpdateDesired applies an inbound desired-properties patch. The version
// parsed from the topic must match the one embedded in the payload. Patches
// arriving before the first snapshot are buffered; a gap yields
// ErrVersionMismatch so that the caller requests a full twin.
func (t *DeviceTwin) UpdateDesired(version uint64, payload []byte) error {
	var update TwinUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return errors.New(errors.CodeInvalidArgument, "unable to parse desired properties update", err)
	}
	if update.Version == nil || *update.Version != version {
		return errors.Newf(errors.CodeInvalidArgument,
			"mismatched version in topic (%d) and in body (%v)", version, update.Version)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.desired == nil {
		t.buffered = append(t.buffered, update)
		return nil
	}

	switch {
	case version <= t.desired.Version:
		logger.L().Debug("ignoring desired properties patch",
			"version", version, "current", t.desired.Version)
		return nil
	case version == t.desired.Version+1:
		logger.L().Debug("applying desired properties patch", "version", version)
		t.desired.Properties = Merge(t.desired.Properties, update.Patch)
		t.desired.Version = version

		if err := t.saveDesiredLocked(); err != nil {
			return err
		}

		t.notifyDesiredUpdatedLocked()
		return nil
	default:
		logger.L().Info("unable to apply desired properties patch",
			"version", version, "current", t.desired.Version)
		return errors.Wrapf(ErrVersionMismatch,
			"current version is %d, patch version is %d", t.desired.Version, version)
	}
}

// UpdateReported merges a patch into the local reported snapshot after it has
// been published upstream.
func (t *DeviceTwin) UpdateReported(patch string) error {
	var update TwinUpdate
	if err := json.Unmarshal([]byte(patch), &update); err != nil {
		return errors.New(errors.CodeInvalidArgument, "unable to parse reported properties update", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.reported == nil {
		return errors.Newf(errors.CodeFailedPrecondition,
			"reported properties cannot be updated yet because they are not loaded")
	}

	t.reported.Properties = Merge(t.reported.Properties, update.Patch)
	t.reported.Version++

	if err := t.saveReportedLocked(); err != nil {
		return err
	}

	t.reportedReady.Set(true)
	return nil
}

func (t *DeviceTwin) saveDesiredLocked() error {
	doc, err := json.Marshal(t.desired)
	if err != nil {
		return errors.Wrap(err, "unable to serialize desired twin")
	}
	return t.store.SaveTwin(persistence.TwinDesired, string(doc))
}

func (t *DeviceTwin) saveReportedLocked() error {
	doc, err := json.Marshal(t.reported)
	if err != nil {
		return errors.Wrap(err, "unable to serialize reported twin")
	}
	return t.store.SaveTwin(persistence.TwinReported, string(doc))
}

func (t *DeviceTwin) notifyDesiredUpdatedLocked() {
	t.desiredReady.Set(true)

	if t.dispatcher != nil {
		t.dispatcher.dispatch(DesiredProperties{
			Version: t.desired.Version,
			Values:  encodeProperties(t.desired.Properties),
		})
	}
}

// Desired returns the current desired snapshot, or nil before the first one.
func (t *DeviceTwin) Desired() *DesiredProperties {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.desired == nil {
		return nil
	}
	return &DesiredProperties{
		Version: t.desired.Version,
		Values:  encodeProperties(t.desired.Properties),
	}
}

// Reported returns the current reported properties JSON, or nil before the
// first snapshot.
func (t *DeviceTwin) Reported() *string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reported == nil {
		return nil
	}
	values := encodeProperties(t.reported.Properties)
	return &values
}

// WaitReady blocks until both snapshots are initially populated.
func (t *DeviceTwin) WaitReady(ctx context.Context) error {
	logger.L().Debug("waiting for device twin to be initialized")

	if err := waitTrue(ctx, t.desiredReady); err != nil {
		return err
	}
	if err := waitTrue(ctx, t.reportedReady); err != nil {
		return err
	}

	logger.L().Debug("device twin is initialized")
	return nil
}

func waitTrue(ctx context.Context, ready *watch.Value[bool]) error {
	for {
		if v, _ := ready.Get(); v {
			return nil
		}
		ch := ready.Changed()
		if v, _ := ready.Get(); v {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.New(errors.CodeUnavailable, "wait for twin initialization cancelled", ctx.Err())
		case <-ch:
		}
	}
}

// Close stops the callback worker after the pending notifications drain.
func (t *DeviceTwin) Close() {
	if t.dispatcher != nil {
		t.dispatcher.close()
	}
}

func encodeProperties(properties map[string]any) string {
	encoded, err := json.Marshal(properties)
	if err != nil {
		// Properties came from JSON in the first place.
		logger.L().Error("unable to serialize twin properties", "error", err)
		return "{}"
	}
	return string(encoded)
}
