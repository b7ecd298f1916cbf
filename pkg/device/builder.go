// Package device exposes the public client of the Device SDK for the Spotflow
// IoT Platform. The client persists all outgoing communication to a local
// database file and sends it in the background, so it works even when the
// connection is unreliable; incoming communication is persisted until the
// application processes it.
package device

import (
	"context"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/spotflow/device-sdk-go/pkg/client/rest"
	"github.com/spotflow/device-sdk-go/pkg/cloud"
	"github.com/spotflow/device-sdk-go/pkg/config"
	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/iothub"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/twins"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// DesiredPropertiesUpdatedHandler re-exports the twins handler type for
// builder callers.
type DesiredPropertiesUpdatedHandler = twins.DesiredPropertiesUpdatedHandler

// DesiredProperties re-exports the snapshot type returned by the client.
type DesiredProperties = twins.DesiredProperties

// Builder configures and creates a Client.
type Builder struct {
	databaseFile      string
	provisioningToken string
	deviceID          *string
	siteID            *string
	instance          string
	displayHandler    ProvisioningOperationDisplayHandler
	desiredHandler    DesiredPropertiesUpdatedHandler
	methodHandler     iothub.DirectMethodHandler
	signals           ProcessSignalsSource
	logConfig         logger.Config
}

// NewBuilder creates a Builder with the basic configuration options:
//
//   - deviceID: the device identifier to request; nil lets the approver of the
//     provisioning operation choose it. The approver may override it either
//     way.
//   - provisioningToken: the token that starts device provisioning.
//   - databaseFile: the path of the local database file where the SDK stores
//     connection credentials and temporarily persists incoming and outgoing
//     messages. The file is created if it doesn't exist and must end with the
//     suffix ".db".
func NewBuilder(deviceID *string, provisioningToken, databaseFile string) *Builder {
	return &Builder{
		databaseFile:      databaseFile,
		provisioningToken: provisioningToken,
		deviceID:          deviceID,
		instance:          cloud.DefaultInstance,
	}
}

// WithInstance sets the URI/hostname of the Platform instance to connect to.
// An optional https:// prefix is tolerated and stripped. The default is
// api.eu1.spotflow.io.
func (b *Builder) WithInstance(instance string) *Builder {
	b.instance = instance
	return b
}

// WithSiteID marks all messages sent by this client with the given site.
func (b *Builder) WithSiteID(siteID string) *Builder {
	b.siteID = &siteID
	return b
}

// WithDisplayProvisioningOperationHandler sets the callback that displays the
// details of the provisioning operation while Build waits for its approval.
func (b *Builder) WithDisplayProvisioningOperationHandler(handler ProvisioningOperationDisplayHandler) *Builder {
	b.displayHandler = handler
	return b
}

// WithDesiredPropertiesUpdatedHandler sets the callback invoked right after
// Build with the current desired properties and then on every update received
// from the Platform. The callback runs on a dedicated goroutine.
func (b *Builder) WithDesiredPropertiesUpdatedHandler(handler DesiredPropertiesUpdatedHandler) *Builder {
	b.desiredHandler = handler
	return b
}

// WithDirectMethodHandler sets the handler for direct method calls.
//
// Warning: the interface for direct methods hasn't been finalized yet.
func (b *Builder) WithDirectMethodHandler(handler iothub.DirectMethodHandler) *Builder {
	b.methodHandler = handler
	return b
}

// WithSignalsSource sets the source of the system signals that can request the
// process to stop. It is polled during blocking waits.
func (b *Builder) WithSignalsSource(signals ProcessSignalsSource) *Builder {
	b.signals = signals
	return b
}

// WithLogConfig overrides the logging configuration applied during Build.
func (b *Builder) WithLogConfig(cfg logger.Config) *Builder {
	b.logConfig = cfg
	return b
}

// Build creates the Client and starts communicating with the Platform.
//
// If the device is not yet registered, or its registration token has expired,
// Build performs device provisioning and waits for its approval. If the
// registration token from the last run is still valid, Build succeeds even
// without connection to the Internet; outgoing communication is stored in the
// local database file and sent once the device connects.
func (b *Builder) Build() (*Client, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	logger.Init(b.logConfig)

	signals := b.signals
	if signals == nil {
		signals = emptySignalsSource{}
	}

	var restConfig rest.Config
	if err := config.Load(&restConfig); err != nil {
		return nil, err
	}

	instance := cloud.NormalizeInstance(b.instance)
	logger.L().Debug("connecting to the platform instance", "instance", instance)

	api := cloud.NewAPI(instance, rest.New(restConfig))
	provisioningToken := cloud.ProvisioningToken{Token: b.provisioningToken}

	fragment := persistence.LoadAvailableConfiguration(b.databaseFile)

	ctx, cancel := context.WithCancel(context.Background())

	creds, err := obtainValidCredentials(
		ctx, api, fragment, provisioningToken, b.deviceID, b.displayHandler, signals)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := signals.CheckSignals(); err != nil {
		cancel()
		return nil, err
	}

	store, err := persistence.Open(b.databaseFile, &persistence.SdkConfiguration{
		InstanceURL:       "https://" + instance,
		ProvisioningToken: provisioningToken.Token,
		RegistrationToken: creds.registrationToken.Token,
		RTExpiration:      creds.registrationToken.Expiration,
		RequestedDeviceID: b.deviceID,
		WorkspaceID:       creds.workspaceID,
		DeviceID:          creds.deviceID,
	})
	if err != nil {
		cancel()
		return nil, err
	}

	registrations, commands, err := cloud.StartTokenHandler(
		ctx, api, clockwork.NewRealClock(), store,
		provisioningToken, creds.registrationToken, creds.registration)
	if err != nil {
		cancel()
		_ = store.Close()
		return nil, err
	}

	conn := startConnection(ctx, connectionConfig{
		store:          store,
		registrations:  registrations,
		commands:       commands,
		restClient:     rest.New(restConfig),
		desiredHandler: b.desiredHandler,
		methodHandler:  b.methodHandler,
	})

	client := &Client{
		conn: &connection{
			ctx:         ctx,
			store:       store,
			producer:    conn.producer,
			twinsClient: conn.twinsClient,
			deviceTwin:  conn.deviceTwin,
			c2dReceiver: conn.c2dReceiver,
			session:     conn.session,
			signals:     signals,
			siteID:      b.siteID,
			cancel:      cancel,
		},
	}

	// Both twin snapshots must be available before the client is handed out.
	if err := conn.twinsClient.WaitPropertiesReady(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

func (b *Builder) validate() error {
	if b.databaseFile == "" {
		return errors.Newf(errors.CodeInvalidArgument,
			"the path to the local database file cannot be empty; provide a value")
	}
	if !strings.HasSuffix(b.databaseFile, ".db") {
		return errors.Newf(errors.CodeInvalidArgument,
			"the path to the local database file must end with the suffix %q, for example %q",
			".db", "spotflow.db")
	}
	if b.provisioningToken == "" {
		return errors.Newf(errors.CodeInvalidArgument, "the provisioning token cannot be empty; provide a value")
	}
	return nil
}

// connectionConfig carries the pieces startConnection wires together.
type connectionConfig struct {
	store          *persistence.Store
	registrations  *cloud.RegistrationWatch
	commands       chan<- cloud.RegistrationCommand
	restClient     *rest.Client
	desiredHandler DesiredPropertiesUpdatedHandler
	methodHandler  iothub.DirectMethodHandler
}

type startedConnection struct {
	producer    *persistence.Producer
	twinsClient *twins.Client
	deviceTwin  *twins.DeviceTwin
	c2dReceiver *persistence.Receiver[persistence.CloudToDeviceMessage]
	session     *watch.Value[*iothub.Session]
}

// startConnection builds the durable channels and the reconciler, and spawns
// the worker that opens the MQTT session once the first registration is
// available. The session comes up in the background: with a still-valid
// cached registration token the client works offline and sends everything
// once the device connects.
func startConnection(ctx context.Context, cfg connectionConfig) *startedConnection {
	producer, consumer, acknowledger := persistence.StartOutbox(ctx, cfg.store)

	c2dSender, c2dReceiver := persistence.NewChannel(cfg.store, persistence.CloudToDeviceTable{})
	reportedSender, reportedReceiver := persistence.NewChannel(cfg.store, persistence.ReportedPropertiesTable{})

	deviceTwin := twins.NewDeviceTwin(cfg.store, cfg.desiredHandler)

	getTwins := make(chan struct{}, 16)
	desiredChanged := watch.NewCounter(0)
	twinsClient := twins.NewClient(deviceTwin, getTwins, reportedSender, desiredChanged)

	sessionHolder := watch.New[*iothub.Session]()

	go func() {
		// The first registration must exist before the session can be opened;
		// the handlers are registered before connecting so that their
		// subscription acknowledgments are counted during startup.
		registration, err := cfg.registrations.Wait(ctx)
		if err != nil {
			return
		}
		deviceID, err := registration.IotHubDeviceID()
		if err != nil {
			logger.L().Error("unable to parse device ID from the registration", "error", err)
			return
		}

		middleware := iothub.NewTwinsMiddleware(deviceTwin, getTwins, reportedReceiver, desiredChanged)

		handlers := []iothub.Handler{
			iothub.NewCloudToDeviceHandler(deviceID, c2dSender),
		}
		handlers = append(handlers, middleware.Handlers()...)

		var methods *iothub.DirectMethodDispatcher
		if cfg.methodHandler != nil {
			methods = iothub.NewDirectMethodDispatcher(cfg.methodHandler)
			handlers = append(handlers, methods.Handler())
		}

		session, err := iothub.Connect(ctx, cfg.registrations, cfg.commands, handlers)
		if err != nil {
			logger.L().Error("failed setting up connection", "error", err)
			return
		}
		sessionHolder.Set(session)

		sender := iothub.NewSender(
			session, consumer, acknowledger,
			iothub.NewFileUploader(cfg.registrations, cfg.restClient))

		go middleware.Run(ctx, session)
		go sender.Run(ctx)
		if methods != nil {
			go methods.Run(ctx, session)
		}

		// Request the full twins; the middleware installs the response and the
		// twin latches open.
		twinsClient.RequestTwins()
	}()

	return &startedConnection{
		producer:    producer,
		twinsClient: twinsClient,
		deviceTwin:  deviceTwin,
		c2dReceiver: c2dReceiver,
		session:     sessionHolder,
	}
}
