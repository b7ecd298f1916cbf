package iothub

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"github.com/spotflow/device-sdk-go/pkg/cloud"
	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// State is the observable condition of the MQTT session.
type State struct {
	// Err is nil while the session is ready and carries the connection error
	// otherwise.
	Err error
}

// Ready reports whether the session is connected.
func (s State) Ready() bool { return s.Err == nil }

const (
	keepAlive        = 5 * time.Minute
	reconnectBackoff = 5 * time.Second
)

// Session is one long-lived MQTT connection to the IoT hub assigned by the
// registration. The password rotates with the registration watch; the
// underlying client reconnects on its own with a fixed backoff.
type Session struct {
	client        mqtt.Client
	deviceID      string
	state         *watch.Value[State]
	registrations *cloud.RegistrationWatch
	commands      chan<- cloud.RegistrationCommand
	subscriptions map[string]mqtt.MessageHandler
}

// Handler routes inbound publishes for one topic prefix.
type Handler struct {
	// Prefix of the topics this handler consumes; subscribed as "{prefix}#".
	Prefix string
	// OnMessage is invoked for every inbound publish. Messages must be
	// acknowledged explicitly by the handler.
	OnMessage mqtt.MessageHandler
}

// Connect waits for the first registration, opens the MQTT session, and
// subscribes all handlers, counting subscription acknowledgments before
// returning.
func Connect(
	ctx context.Context,
	registrations *cloud.RegistrationWatch,
	commands chan<- cloud.RegistrationCommand,
	handlers []Handler,
) (*Session, error) {
	logger.L().Debug("awaiting first registration")
	registration, err := registrations.Wait(ctx)
	if err != nil {
		return nil, errors.New(errors.CodeUnavailable, "cancelled before the first registration", err)
	}
	logger.L().Debug("first registration is done")

	if registration.ConnectionStringType != cloud.ConnectionStringSharedAccessSignature {
		return nil, errors.Newf(errors.CodeFailedPrecondition,
			"registration connection string type must be %q but it's %q",
			cloud.ConnectionStringSharedAccessSignature, registration.ConnectionStringType)
	}

	deviceID, err := registration.IotHubDeviceID()
	if err != nil {
		return nil, err
	}
	host := registration.IotHubHostName

	session := &Session{
		deviceID:      deviceID,
		state:         watch.NewWith(State{}),
		registrations: registrations,
		commands:      commands,
		subscriptions: map[string]mqtt.MessageHandler{},
	}

	username := fmt.Sprintf("%s/%s/?api-version=%s", host, deviceID, apiVersion)

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", host, brokerPort)).
		SetClientID(deviceID).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetKeepAlive(keepAlive).
		SetCleanSession(false).
		SetAutoAckDisabled(true).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectBackoff).
		SetConnectRetry(true).
		SetConnectRetryInterval(reconnectBackoff).
		SetCredentialsProvider(session.credentials(username)).
		SetConnectionLostHandler(session.connectionLost).
		SetOnConnectHandler(session.connected)

	session.client = mqtt.NewClient(opts)

	for _, handler := range handlers {
		session.subscriptions[handler.Prefix+"#"] = handler.OnMessage
	}

	logger.L().Debug("connecting to the IoT hub", "host", host, "device_id", deviceID)
	connectToken := session.client.Connect()
	if !waitToken(ctx, connectToken) {
		session.client.Disconnect(0)
		return nil, errors.New(errors.CodeUnavailable, "cancelled while connecting to the IoT hub", ctx.Err())
	}
	if err := connectToken.Error(); err != nil {
		return nil, errors.New(errors.CodeUnavailable, "unable to connect to the IoT hub", err)
	}

	// OnConnect resubscribes after reconnects; the first subscription happens
	// here so that its acknowledgments are awaited before steady state.
	if err := session.subscribeAll(ctx); err != nil {
		session.client.Disconnect(0)
		return nil, err
	}

	return session, nil
}

// credentials supplies the current SAS as the password every time the client
// (re)connects, picking up registrations refreshed since the last attempt.
func (s *Session) credentials(username string) func() (string, string) {
	return func() (string, string) {
		registration, ok := s.registrations.Get()
		if !ok {
			return username, ""
		}
		sas, err := registration.SAS()
		if err != nil {
			logger.L().Error("unable to parse SAS token from the current registration", "error", err)
			return username, ""
		}
		return username, sas
	}
}

func (s *Session) connectionLost(_ mqtt.Client, err error) {
	logger.L().Debug("MQTT connection lost", "error", err)
	s.state.Set(State{Err: err})

	// An authentication-class refusal means the SAS has expired or was
	// revoked; ask the credential engine for a fresh registration. Everything
	// else is left to the client's own reconnect with its fixed backoff.
	if isAuthenticationError(err) {
		select {
		case s.commands <- cloud.RegistrationCommand{Kind: cloud.RefreshRegistration, Time: time.Now()}:
			logger.L().Debug("requesting IoT hub authentication refresh")
		default:
			logger.L().Error("unable to request IoT hub authentication refresh: command queue is full")
		}
	}
}

func isAuthenticationError(err error) bool {
	return errors.Is(err, packets.ErrorRefusedNotAuthorised) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedServerUnavailable)
}

func (s *Session) connected(client mqtt.Client) {
	logger.L().Debug("MQTT session is ready")

	for filter, handler := range s.subscriptions {
		client.Subscribe(filter, 1, handler)
	}

	s.state.Set(State{})
}

func (s *Session) subscribeAll(ctx context.Context) error {
	if len(s.subscriptions) == 0 {
		return nil
	}

	total := len(s.subscriptions)
	acked := 0
	for filter, handler := range s.subscriptions {
		token := s.client.Subscribe(filter, 1, handler)
		if !waitToken(ctx, token) {
			return errors.New(errors.CodeUnavailable, "cancelled while subscribing", ctx.Err())
		}
		if err := token.Error(); err != nil {
			// A failed subscription degrades one feature; the rest of the SDK
			// keeps working.
			logger.L().Warn("unable to subscribe to topic", "filter", filter, "error", err)
		}
		acked++
		logger.L().Debug("subscription acknowledged", "done", acked, "total", total)
	}

	return nil
}

// StateWatch exposes the Ready/ConnectionError transitions of the session.
func (s *Session) StateWatch() *watch.Value[State] {
	return s.state
}

// DeviceID returns the broker-level device identifier.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Publish enqueues one publish at QoS 1 and returns its token.
func (s *Session) Publish(topic string, payload []byte) mqtt.Token {
	return s.client.Publish(topic, 1, false, payload)
}

// Disconnect flushes and closes the connection, waiting up to grace for
// in-flight work.
func (s *Session) Disconnect(grace time.Duration) {
	s.client.Disconnect(uint(grace.Milliseconds()))
}

// waitToken waits for the token to complete, returning false if ctx ended
// first.
func waitToken(ctx context.Context, token mqtt.Token) bool {
	select {
	case <-ctx.Done():
		return false
	case <-token.Done():
		return true
	}
}
