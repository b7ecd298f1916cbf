package cloud

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/spotflow/device-sdk-go/pkg/client/rest"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/test"
)

type TokenHandlerTestSuite struct {
	test.Suite
	server        *httptest.Server
	registerCalls atomic.Int64
	store         *persistence.Store
	clock         *clockwork.FakeClock
}

func (s *TokenHandlerTestSuite) SetupTest() {
	s.Suite.SetupTest()
	s.registerCalls.Store(0)
	s.clock = clockwork.NewFakeClockAt(time.Now())

	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/devices/register":
			s.registerCalls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"connectionString":           "DeviceId=ws:dev;SharedAccessSignature=sig",
				"iotHubHostName":             "hub.example.net",
				"connectionStringType":       "SharedAccessSignature",
				"connectionStringExpiration": time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
				"tokenRemainingLifetime":     "1.00:00:00",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	store, err := persistence.Open(s.TempDB(), &persistence.SdkConfiguration{
		InstanceURL:       "https://api.eu1.spotflow.io",
		ProvisioningToken: "pt",
		RegistrationToken: "rt",
		WorkspaceID:       "stale-ws",
		DeviceID:          "stale-dev",
	})
	s.Require().NoError(err)
	s.store = store
}

func (s *TokenHandlerTestSuite) TearDownTest() {
	s.server.Close()
	s.NoError(s.store.Close())
}

func (s *TokenHandlerTestSuite) api() *API {
	return NewAPI(s.server.URL, rest.New(rest.Config{Retries: 0}))
}

func (s *TokenHandlerTestSuite) TestInitialRegistrationPublishesWatch() {
	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	registrations, _, err := StartTokenHandler(ctx, s.api(), s.clock, s.store,
		ProvisioningToken{Token: "pt"}, RegistrationToken{Token: "rt"}, nil)
	s.Require().NoError(err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	registration, err := registrations.Wait(waitCtx)
	s.Require().NoError(err)

	deviceID, err := registration.IotHubDeviceID()
	s.Require().NoError(err)
	s.Equal("ws:dev", deviceID)
	s.Equal(int64(1), s.registerCalls.Load())

	// The derived identifiers were persisted.
	workspaceID, err := s.store.LoadWorkspaceID()
	s.Require().NoError(err)
	s.Equal("ws", workspaceID)

	storedDeviceID, err := s.store.LoadDeviceID()
	s.Require().NoError(err)
	s.Equal("dev", storedDeviceID)
}

func (s *TokenHandlerTestSuite) TestInitialRegistrationSkippedWithSeed() {
	expiry := time.Now().Add(time.Hour)
	seed := &Registration{
		ConnectionString:           "DeviceId=ws:dev;SharedAccessSignature=sig",
		IotHubHostName:             "hub.example.net",
		ConnectionStringType:       ConnectionStringSharedAccessSignature,
		ConnectionStringExpiration: &expiry,
	}

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	registrations, _, err := StartTokenHandler(ctx, s.api(), s.clock, s.store,
		ProvisioningToken{Token: "pt"}, RegistrationToken{Token: "rt"}, seed)
	s.Require().NoError(err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	_, err = registrations.Wait(waitCtx)
	s.Require().NoError(err)

	s.Equal(int64(0), s.registerCalls.Load())
}

func (s *TokenHandlerTestSuite) TestRefreshCommandTriggersRegistration() {
	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	registrations, commands, err := StartTokenHandler(ctx, s.api(), s.clock, s.store,
		ProvisioningToken{Token: "pt"}, RegistrationToken{Token: "rt"}, nil)
	s.Require().NoError(err)

	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	_, err = registrations.Wait(waitCtx)
	s.Require().NoError(err)

	changed := registrations.Changed()
	commands <- RegistrationCommand{Kind: RefreshRegistration, Time: s.clock.Now().Add(time.Second)}

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		s.FailNow("refresh command did not produce a new registration")
	}

	s.Equal(int64(2), s.registerCalls.Load())
}

func (s *TokenHandlerTestSuite) TestExpectClockskew() {
	handler := &TokenHandler{clock: s.clock}
	now := s.clock.Now()

	// Long-lived credentials are skewed by at most 10 minutes.
	skewed := handler.expectClockskew(now.Add(time.Hour))
	s.Equal(now.Add(50*time.Minute), skewed)

	// Short-lived credentials lose half their remaining lifetime.
	skewed = handler.expectClockskew(now.Add(20 * time.Minute))
	s.Equal(now.Add(10*time.Minute), skewed)
}

func TestTokenHandlerSuite(t *testing.T) {
	suite.Run(t, new(TokenHandlerTestSuite))
}
