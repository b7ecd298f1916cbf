package cloud

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/spotflow/device-sdk-go/pkg/client/rest"
	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/test"
)

type ProvisioningTestSuite struct {
	test.Suite
	server  *httptest.Server
	handler http.HandlerFunc
}

func (s *ProvisioningTestSuite) SetupTest() {
	s.Suite.SetupTest()
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.handler(w, r)
	}))
}

func (s *ProvisioningTestSuite) TearDownTest() {
	s.server.Close()
}

func (s *ProvisioningTestSuite) api() *API {
	return NewAPI(s.server.URL, rest.New(rest.Config{Retries: 0}))
}

func (s *ProvisioningTestSuite) TestInitParsesOperation() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/provisioning-operations/init", r.URL.Path)
		s.Equal("DeviceToken pt", r.Header.Get("Authorization"))

		var body map[string]any
		s.NoError(json.NewDecoder(r.Body).Decode(&body))
		s.Equal("my-device", body["deviceId"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"provisioningOperationId": "op-1",
			"verificationCode": "ABCD",
			"expirationTime": "2026-01-02T15:04:05Z"
		}`))
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"}).WithDeviceID("my-device")

	operation, err := provisioning.Init(s.Ctx)
	s.Require().NoError(err)
	s.Equal("op-1", operation.ID)
	s.Equal("ABCD", operation.VerificationCode)
}

func (s *ProvisioningTestSuite) TestInitInvalidTokenIsTerminal() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "bad"})

	_, err := provisioning.Init(s.Ctx)
	s.ErrorIs(err, ErrInvalidProvisioningToken)
}

func (s *ProvisioningTestSuite) TestCompletePending() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"})

	_, err := provisioning.Complete(s.Ctx, "op-1")
	s.ErrorIs(err, ErrOperationNotApproved)
}

func (s *ProvisioningTestSuite) TestCompleteApproved() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"registrationToken": "rt", "expirationTime": "2026-01-02T15:04:05Z"}`))
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"})

	token, err := provisioning.Complete(s.Ctx, "op-1")
	s.Require().NoError(err)
	s.Equal("rt", token.Token)
	s.Require().NotNil(token.Expiration)
}

func (s *ProvisioningTestSuite) TestCancelledOperationIsTerminal() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"type": "/problems/deviceProvisioning/provisioningOperationCancelled"}`))
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"})

	_, err := provisioning.Complete(s.Ctx, "op-1")
	s.ErrorIs(err, ErrOperationCancelled)
	s.Equal(errors.CodeFailedPrecondition, errors.CodeOf(err))
}

func (s *ProvisioningTestSuite) TestClosedOperationIsRetryable() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		_, _ = w.Write([]byte(`{"type": "/problems/other"}`))
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"})

	_, err := provisioning.Complete(s.Ctx, "op-1")
	s.ErrorIs(err, ErrOperationClosed)
	s.NotErrorIs(err, ErrOperationCancelled)
}

func (s *ProvisioningTestSuite) TestWorkspaceDisabledIsReported() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusLocked)
	}

	provisioning := NewProvisioning(s.api(), ProvisioningToken{Token: "pt"})

	_, err := provisioning.Init(s.Ctx)
	s.ErrorIs(err, ErrWorkspaceDisabled)
}

func (s *ProvisioningTestSuite) TestRegister() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/devices/register", r.URL.Path)
		s.Equal("DeviceToken rt", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"connectionString": "DeviceId=ws:dev;SharedAccessSignature=sig",
			"iotHubHostName": "hub.example.net",
			"connectionStringType": "SharedAccessSignature",
			"connectionStringExpiration": "2026-01-02T15:04:05Z"
		}`))
	}

	registration, err := Register(s.Ctx, s.api(), RegistrationToken{Token: "rt"})
	s.Require().NoError(err)

	deviceID, err := registration.IotHubDeviceID()
	s.Require().NoError(err)
	s.Equal("ws:dev", deviceID)
}

func (s *ProvisioningTestSuite) TestRegisterInvalidToken() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}

	_, err := Register(s.Ctx, s.api(), RegistrationToken{Token: "rt"})
	s.ErrorIs(err, ErrInvalidRegistrationToken)
}

func (s *ProvisioningTestSuite) TestRefreshRegistrationToken() {
	s.handler = func(w http.ResponseWriter, r *http.Request) {
		s.Equal("/devices/registration-tokens/refresh", r.URL.Path)
		s.Equal("DeviceToken pt", r.Header.Get("Authorization"))

		var body map[string]any
		s.NoError(json.NewDecoder(r.Body).Decode(&body))
		s.Equal("old", body["registrationToken"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"registrationToken": "new"}`))
	}

	refreshed, err := RefreshRegistrationToken(s.Ctx, s.api(),
		ProvisioningToken{Token: "pt"}, RegistrationToken{Token: "old"})
	s.Require().NoError(err)
	s.Equal("new", refreshed.Token)
	s.Nil(refreshed.Expiration)
}

func TestProvisioningSuite(t *testing.T) {
	suite.Run(t, new(ProvisioningTestSuite))
}

func TestNormalizeInstance(t *testing.T) {
	require.Equal(t, "api.eu1.spotflow.io", NormalizeInstance("https://api.eu1.spotflow.io"))
	require.Equal(t, "api.eu1.spotflow.io", NormalizeInstance("api.eu1.spotflow.io/"))
	require.Equal(t, "acme.spotflow.io", NormalizeInstance("acme.spotflow.io"))
}
