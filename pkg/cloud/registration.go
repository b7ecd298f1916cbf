package cloud

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// ConnectionStringType identifies the credential kind inside a registration
// response. Only shared access signatures are supported by the MQTT session.
type ConnectionStringType string

const (
	ConnectionStringSharedAccessKey       ConnectionStringType = "SharedAccessKey"
	ConnectionStringSharedAccessSignature ConnectionStringType = "SharedAccessSignature"
	ConnectionStringAuthorizationHeader   ConnectionStringType = "AuthorizationHeader"
)

// Registration is the Platform's answer to a device registration: the broker
// to connect to and the session credential to use.
type Registration struct {
	ConnectionString           string               `json:"connectionString"`
	IotHubHostName             string               `json:"iotHubHostName"`
	ConnectionStringType       ConnectionStringType `json:"connectionStringType"`
	ConnectionStringExpiration *time.Time           `json:"connectionStringExpiration"`
	TokenRemainingLifetime     *DotNetDuration      `json:"tokenRemainingLifetime"`
}

// IotHubDeviceID extracts the broker-level device identifier of the form
// "{workspace}:{device}" from the connection string.
func (r *Registration) IotHubDeviceID() (string, error) {
	return r.connectionStringField("DeviceId")
}

// WorkspaceID returns the workspace half of the broker device identifier.
func (r *Registration) WorkspaceID() (string, error) {
	workspaceID, _, err := r.splitIotHubDeviceID()
	return workspaceID, err
}

// DeviceID returns the device half of the broker device identifier.
func (r *Registration) DeviceID() (string, error) {
	_, deviceID, err := r.splitIotHubDeviceID()
	return deviceID, err
}

// SAS returns the shared-access-signature credential used as the MQTT
// password.
func (r *Registration) SAS() (string, error) {
	return r.connectionStringField("SharedAccessSignature")
}

func (r *Registration) connectionStringField(name string) (string, error) {
	if r.ConnectionStringType != ConnectionStringSharedAccessSignature {
		return "", errors.Newf(errors.CodeFailedPrecondition,
			"cannot parse anything but shared access signature, got %q", r.ConnectionStringType)
	}

	for _, part := range strings.Split(r.ConnectionString, ";") {
		if key, value, found := strings.Cut(part, "="); found && key == name {
			return value, nil
		}
	}
	return "", errors.Newf(errors.CodeInvalidArgument, "connection string does not contain %q", name)
}

func (r *Registration) splitIotHubDeviceID() (string, string, error) {
	iotHubDeviceID, err := r.IotHubDeviceID()
	if err != nil {
		return "", "", err
	}
	workspaceID, deviceID, found := strings.Cut(iotHubDeviceID, ":")
	if !found {
		return "", "", errors.Newf(errors.CodeInvalidArgument,
			"unknown format of IoT Hub Device ID, it does not contain a colon: %q", iotHubDeviceID)
	}
	return workspaceID, deviceID, nil
}

// Register exchanges a registration token for session credentials.
func Register(ctx context.Context, api *API, token RegistrationToken) (*Registration, error) {
	body := map[string]any{"connectionStringType": string(ConnectionStringSharedAccessSignature)}

	_, payload, err := api.put(ctx, "/devices/register", token.Token, body)
	if err != nil {
		switch statusCode(err) {
		case 401:
			return nil, ErrInvalidRegistrationToken
		case 423:
			logWorkspaceDisabled()
			return nil, ErrWorkspaceDisabled
		}
		return nil, errors.Wrap(err, "unable to register the device")
	}

	var registration Registration
	if err := json.Unmarshal(payload, &registration); err != nil {
		return nil, errors.Wrap(err, "failed deserializing response from JSON")
	}

	return &registration, nil
}
