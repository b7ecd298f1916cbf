package iothub

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/twins"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// inboundMessage is an MQTT publish detached from the client so that handler
// callbacks can acknowledge immediately and processing can continue
// elsewhere.
type inboundMessage struct {
	Topic   string
	Payload []byte
}

type pendingRequest struct {
	// update is set for reported-properties patches and nil for full-twin
	// requests.
	update *persistence.ReportedPropertiesUpdate
}

// TwinsMiddleware bridges MQTT twin traffic to the reconciler: it correlates
// request/response pairs by $rid, pushes queued reported-properties updates
// upstream, applies inbound desired patches, and resynchronizes with a full
// snapshot after reconnects and version gaps.
type TwinsMiddleware struct {
	// session is attached by Run; the subscription handlers only enqueue into
	// channels, so they are safe to register before the session exists.
	session *Session
	twin    *twins.DeviceTwin

	// requests is only touched from the Run goroutine.
	requests        map[string]pendingRequest
	wasDisconnected bool

	getTwins        <-chan struct{}
	desired         chan inboundMessage
	responses       chan inboundMessage
	reportedUpdates *persistence.Receiver[persistence.ReportedPropertiesUpdate]
	desiredChanged  *watch.Counter
}

// NewTwinsMiddleware wires the middleware to the reconciler.
func NewTwinsMiddleware(
	twin *twins.DeviceTwin,
	getTwins <-chan struct{},
	reportedUpdates *persistence.Receiver[persistence.ReportedPropertiesUpdate],
	desiredChanged *watch.Counter,
) *TwinsMiddleware {
	return &TwinsMiddleware{
		twin:            twin,
		requests:        map[string]pendingRequest{},
		getTwins:        getTwins,
		desired:         make(chan inboundMessage, 100),
		responses:       make(chan inboundMessage, 100),
		reportedUpdates: reportedUpdates,
		desiredChanged:  desiredChanged,
	}
}

// Handlers returns the topic handlers the session must subscribe for twin
// traffic.
func (m *TwinsMiddleware) Handlers() []Handler {
	return []Handler{
		{Prefix: updateDesiredPropertiesPrefix, OnMessage: m.enqueue(m.desired)},
		{Prefix: twinResponsePrefix, OnMessage: m.enqueue(m.responses)},
	}
}

func (m *TwinsMiddleware) enqueue(ch chan inboundMessage) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		select {
		case ch <- inboundMessage{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			logger.L().Warn("dropping twin message, processing queue is full", "topic", msg.Topic())
		}
		msg.Ack()
	}
}

// Run processes twin traffic over the session until ctx is cancelled.
func (m *TwinsMiddleware) Run(ctx context.Context, session *Session) {
	logger.L().Debug("twins task is starting")
	defer logger.L().Debug("twins task has ended")

	m.session = session

	reported := m.pumpReportedUpdates(ctx)
	states := m.pumpStateChanges(ctx)

	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-m.getTwins:
			err = m.requestTwins()
		case update, ok := <-reported:
			if !ok {
				return
			}
			err = m.publishReportedUpdate(update)
		case msg := <-m.desired:
			err = m.handleDesiredPatch(msg)
		case msg := <-m.responses:
			err = m.handleResponse(msg)
		case state := <-states:
			err = m.handleStateChange(state)
		}

		if err != nil {
			logger.L().Error("failed processing twin message", "error", err)
		}
	}
}

// pumpReportedUpdates turns the blocking durable-channel receive into channel
// sends the Run loop can select over.
func (m *TwinsMiddleware) pumpReportedUpdates(ctx context.Context) <-chan *persistence.ReportedPropertiesUpdate {
	ch := make(chan *persistence.ReportedPropertiesUpdate)
	go func() {
		defer close(ch)
		for {
			update, err := m.reportedUpdates.Recv(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.L().Error("receiving reported properties updates failed", "error", err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case ch <- update:
			}
		}
	}()
	return ch
}

func (m *TwinsMiddleware) pumpStateChanges(ctx context.Context) <-chan State {
	ch := make(chan State)
	go func() {
		for {
			changed := m.session.StateWatch().Changed()
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			state, _ := m.session.StateWatch().Get()
			select {
			case <-ctx.Done():
				return
			case ch <- state:
			}
		}
	}()
	return ch
}

func (m *TwinsMiddleware) requestTwins() error {
	rid := uuid.NewString()
	m.requests[rid] = pendingRequest{}

	logger.L().Debug("requesting device twins", "rid", rid)
	token := m.session.Publish(getTwinsTopic(rid), nil)
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "unable to enqueue publish to request device twins")
	}
	return nil
}

func (m *TwinsMiddleware) publishReportedUpdate(update *persistence.ReportedPropertiesUpdate) error {
	var patch string
	switch update.UpdateType {
	case persistence.ReportedUpdatePatch:
		patch = update.Patch
	case persistence.ReportedUpdateFull:
		current := "{}"
		if reported := m.twin.Reported(); reported != nil {
			current = *reported
		}
		var err error
		patch, err = twins.Diff(current, update.Patch)
		if err != nil {
			logger.L().Warn("unable to compute reported properties patch, requesting full copy", "error", err)
			if reqErr := m.requestTwins(); reqErr != nil {
				return errors.Wrap(reqErr, "unable to request full twin update after failed reported properties diff")
			}
			return err
		}
	}

	rid := uuid.NewString()
	m.requests[rid] = pendingRequest{update: update}

	logger.L().Debug("updating reported properties", "rid", rid)
	token := m.session.Publish(patchReportedPropertiesTopic(rid), []byte(patch))
	if err := token.Error(); err != nil {
		return errors.Wrap(err, "unable to enqueue publish to update reported properties")
	}

	if err := m.twin.UpdateReported(patch); err != nil {
		logger.L().Warn("error updating local copy of reported properties, requesting full copy", "error", err)
		return m.requestTwins()
	}

	return nil
}

// handleDesiredPatch applies one inbound desired-properties patch. The topic
// carries the new version: $iothub/twin/PATCH/properties/desired/?$version={v}
func (m *TwinsMiddleware) handleDesiredPatch(msg inboundMessage) error {
	logger.L().Debug("received desired properties update", "topic", msg.Topic)

	parts := strings.Split(msg.Topic, "/")
	if len(parts) != 6 {
		return errors.Newf(errors.CodeInvalidArgument, "received message on invalid topic %q", msg.Topic)
	}

	properties, err := parseQuery(strings.TrimPrefix(parts[5], "?"))
	if err != nil {
		return errors.Wrapf(err, "failed parsing twin desired properties update topic %q", msg.Topic)
	}

	rawVersion, ok := properties["$version"]
	if !ok {
		return errors.Newf(errors.CodeInvalidArgument,
			"missing version property in twin desired properties update topic %q", msg.Topic)
	}
	version, err := strconv.ParseUint(rawVersion, 10, 64)
	if err != nil {
		return errors.New(errors.CodeInvalidArgument, "twin update was malformed: unable to parse version number", err)
	}

	err = m.twin.UpdateDesired(version, msg.Payload)
	if errors.Is(err, twins.ErrVersionMismatch) {
		logger.L().Info("received desired properties update out of order, requesting full twin update")
		return m.requestTwins()
	}
	if err != nil {
		return err
	}

	m.desiredChanged.SetMax(int64(version))
	return nil
}

// handleResponse routes one response on
// $iothub/twin/res/{status}/?$rid={request id} back to its pending request.
func (m *TwinsMiddleware) handleResponse(msg inboundMessage) error {
	logger.L().Debug("received twin response", "topic", msg.Topic)

	parts := strings.Split(msg.Topic, "/")
	if len(parts) != 5 {
		return errors.Newf(errors.CodeInvalidArgument, "received message on invalid topic %q", msg.Topic)
	}

	if _, err := strconv.Atoi(parts[3]); err != nil {
		return errors.Newf(errors.CodeInvalidArgument, "received message on invalid topic %q", msg.Topic)
	}

	properties, err := parseQuery(strings.TrimPrefix(parts[4], "?"))
	if err != nil {
		return errors.Wrapf(err, "failed parsing twin response message topic %q", msg.Topic)
	}

	rid, ok := properties["$rid"]
	if !ok {
		return errors.Newf(errors.CodeInvalidArgument,
			"request ID is missing in twin response on topic %q", msg.Topic)
	}

	request, known := m.requests[rid]
	if !known {
		logger.L().Warn("ignoring response to unknown request", "rid", rid)
		return nil
	}
	delete(m.requests, rid)

	if request.update != nil {
		return errors.Wrap(m.reportedUpdates.Ack(request.update),
			"failed removing reported properties update request")
	}
	return errors.Wrap(m.setTwins(msg.Payload), "failed setting twins")
}

func (m *TwinsMiddleware) setTwins(payload []byte) error {
	var full twins.Twins
	if err := json.Unmarshal(payload, &full); err != nil {
		return errors.New(errors.CodeInvalidArgument, "unable to parse twins", err)
	}

	version := full.Desired.Version
	if err := m.twin.SetTwins(&full); err != nil {
		if errors.Is(err, twins.ErrVersionMismatch) {
			// Buffered patches left a gap over the snapshot; ask for a newer
			// one.
			return m.requestTwins()
		}
		return err
	}

	m.desiredChanged.SetMax(int64(version))
	return nil
}

func (m *TwinsMiddleware) handleStateChange(state State) error {
	if state.Ready() {
		if m.wasDisconnected {
			logger.L().Info("reconnected, requesting full twin update")
			m.wasDisconnected = false
			return m.requestTwins()
		}
		return nil
	}

	m.wasDisconnected = true
	return nil
}
