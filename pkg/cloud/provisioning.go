package cloud

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// ProvisioningToken is the long-lived secret that starts device provisioning.
type ProvisioningToken struct {
	Token string
}

// RegistrationToken is the rotating device credential obtained by completing a
// provisioning operation. A nil Expiration means the token does not expire.
type RegistrationToken struct {
	Token      string
	Expiration *time.Time
}

// IsExpired reports whether the token has passed its expiration.
func (t RegistrationToken) IsExpired() bool {
	return t.Expiration != nil && t.Expiration.Before(time.Now())
}

// ProvisioningOperation is the summary of an ongoing provisioning operation
// that a technician approves to bind the device to a workspace.
type ProvisioningOperation struct {
	// ID of the provisioning operation.
	ID string
	// VerificationCode shown to the approving technician.
	VerificationCode string
	// ExpirationTime after which the operation is no longer valid.
	ExpirationTime time.Time
}

// Provisioning error conditions.
var (
	// ErrInvalidProvisioningToken means the configured provisioning token was
	// rejected. Terminal.
	ErrInvalidProvisioningToken = errors.New(errors.CodeUnauthenticated, "provisioning token is invalid", nil)
	// ErrInvalidRegistrationToken means the registration token was rejected;
	// provisioning must be restarted.
	ErrInvalidRegistrationToken = errors.New(errors.CodeUnauthenticated, "registration token is invalid", nil)
	// ErrWorkspaceDisabled maps HTTP 423; the device keeps operating on the
	// locally known token validity.
	ErrWorkspaceDisabled = errors.New(errors.CodeResourceLocked, "workspace is disabled", nil)
	// ErrOperationNotApproved means the provisioning operation is still
	// waiting for approval.
	ErrOperationNotApproved = errors.New(errors.CodeUnavailable, "provisioning operation was not approved yet", nil)
	// ErrOperationCancelled means the operation was explicitly cancelled.
	// Terminal.
	ErrOperationCancelled = errors.New(errors.CodeFailedPrecondition, "provisioning operation was cancelled", nil)
	// ErrOperationClosed means the operation was closed for another reason;
	// provisioning restarts with a new operation.
	ErrOperationClosed = errors.New(errors.CodeFailedPrecondition, "provisioning operation was closed", nil)
)

const cancelledProblemType = "/problems/deviceProvisioning/provisioningOperationCancelled"

type initProvisioningResponse struct {
	ProvisioningOperationID string    `json:"provisioningOperationId"`
	VerificationCode        string    `json:"verificationCode"`
	ExpirationTime          time.Time `json:"expirationTime"`
}

type completeProvisioningResponse struct {
	RegistrationToken string     `json:"registrationToken"`
	ExpirationTime    *time.Time `json:"expirationTime"`
}

// Provisioning drives one device-provisioning exchange with the Platform.
type Provisioning struct {
	api      *API
	token    ProvisioningToken
	deviceID *string
}

// NewProvisioning creates a provisioning exchange for the given token.
func NewProvisioning(api *API, token ProvisioningToken) *Provisioning {
	return &Provisioning{api: api, token: token}
}

// WithDeviceID requests a specific device ID. The approver may override it.
func (p *Provisioning) WithDeviceID(deviceID string) *Provisioning {
	p.deviceID = &deviceID
	return p
}

// Init opens a new provisioning operation.
func (p *Provisioning) Init(ctx context.Context) (*ProvisioningOperation, error) {
	body := map[string]any{}
	if p.deviceID != nil {
		body["deviceId"] = *p.deviceID
	}

	_, payload, err := p.api.post(ctx, "/provisioning-operations/init", p.token.Token, body)
	if err != nil {
		switch statusCode(err) {
		case 401:
			return nil, ErrInvalidProvisioningToken
		case 423:
			logWorkspaceDisabled()
			return nil, ErrWorkspaceDisabled
		}
		return nil, errors.Wrap(err, "unable to initiate a provisioning operation")
	}

	var response initProvisioningResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, errors.Wrap(err, "failed deserializing response from JSON")
	}

	return &ProvisioningOperation{
		ID:               response.ProvisioningOperationID,
		VerificationCode: response.VerificationCode,
		ExpirationTime:   response.ExpirationTime,
	}, nil
}

// Complete polls the approval state of an operation. It returns
// ErrOperationNotApproved while the operation is pending, ErrOperationCancelled
// when the operation was cancelled, and ErrOperationClosed when it was closed
// for any other reason.
func (p *Provisioning) Complete(ctx context.Context, operationID string) (*RegistrationToken, error) {
	body := map[string]any{"provisioningOperationId": operationID}

	resp, payload, err := p.api.put(ctx, "/provisioning-operations/complete", p.token.Token, body)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case 423:
				logWorkspaceDisabled()
				return nil, ErrWorkspaceDisabled
			case 410:
				if statusErr.problemType() == cancelledProblemType {
					return nil, ErrOperationCancelled
				}
				return nil, ErrOperationClosed
			}
		}
		return nil, errors.Wrap(err, "unable to complete the provisioning operation")
	}

	if resp.StatusCode == 202 {
		return nil, ErrOperationNotApproved
	}

	var response completeProvisioningResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, errors.Wrap(err, "failed deserializing response from JSON")
	}

	return &RegistrationToken{
		Token:      response.RegistrationToken,
		Expiration: response.ExpirationTime,
	}, nil
}

type refreshResponse struct {
	RegistrationToken string     `json:"registrationToken"`
	ExpirationTime    *time.Time `json:"expirationTime"`
}

// RefreshRegistrationToken exchanges the current registration token for a new
// one using the provisioning token.
func RefreshRegistrationToken(
	ctx context.Context,
	api *API,
	provisioningToken ProvisioningToken,
	registrationToken RegistrationToken,
) (*RegistrationToken, error) {
	body := map[string]any{"registrationToken": registrationToken.Token}

	_, payload, err := api.put(ctx, "/devices/registration-tokens/refresh", provisioningToken.Token, body)
	if err != nil {
		if statusCode(err) == 423 {
			logWorkspaceDisabled()
			return nil, ErrWorkspaceDisabled
		}
		return nil, errors.Wrap(err, "unable to refresh the registration token")
	}

	var response refreshResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, errors.Wrap(err, "failed deserializing response from JSON")
	}

	return &RegistrationToken{
		Token:      response.RegistrationToken,
		Expiration: response.ExpirationTime,
	}, nil
}
