package device

import (
	"context"
	"fmt"
	"time"

	"github.com/spotflow/device-sdk-go/pkg/cloud"
	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
)

// provisioningPollDelay paces the provisioning and registration retry loops.
const provisioningPollDelay = 5 * time.Second

// ProvisioningOperationDisplayHandler shows the details of an ongoing
// provisioning operation to the user so that a technician can approve it.
type ProvisioningOperationDisplayHandler func(operation *cloud.ProvisioningOperation) error

type credentials struct {
	registrationToken cloud.RegistrationToken
	workspaceID       string
	deviceID          string
	// registration is the response of the startup registration call, if one
	// succeeded. It spares the token handler the first round trip.
	registration *cloud.Registration
}

// obtainValidCredentials reuses a cached registration token when it still
// matches the configured provisioning token and requested device ID and has
// not expired; otherwise it walks through device provisioning.
func obtainValidCredentials(
	ctx context.Context,
	api *cloud.API,
	fragment persistence.ConfigurationFragment,
	provisioningToken cloud.ProvisioningToken,
	requestedDeviceID *string,
	display ProvisioningOperationDisplayHandler,
	signals ProcessSignalsSource,
) (*credentials, error) {
	if creds := tryReuseCachedCredentials(ctx, api, fragment, provisioningToken, requestedDeviceID, signals); creds != nil {
		return creds, nil
	}

	registrationToken, registration, err := provisionDevice(ctx, api, provisioningToken, requestedDeviceID, display, signals)
	if err != nil {
		return nil, err
	}

	workspaceID, err := registration.WorkspaceID()
	if err != nil {
		return nil, err
	}
	deviceID, err := registration.DeviceID()
	if err != nil {
		return nil, err
	}

	return &credentials{
		registrationToken: *registrationToken,
		workspaceID:       workspaceID,
		deviceID:          deviceID,
		registration:      registration,
	}, nil
}

func tryReuseCachedCredentials(
	ctx context.Context,
	api *cloud.API,
	fragment persistence.ConfigurationFragment,
	provisioningToken cloud.ProvisioningToken,
	requestedDeviceID *string,
	signals ProcessSignalsSource,
) *credentials {
	if fragment.ProvisioningToken == nil || fragment.RegistrationToken == nil ||
		fragment.WorkspaceID == nil || fragment.DeviceID == nil {
		return nil
	}

	if *fragment.ProvisioningToken != provisioningToken.Token {
		return nil
	}
	if !equalOptional(fragment.RequestedDeviceID, requestedDeviceID) {
		return nil
	}

	cached := cloud.RegistrationToken{
		Token:      *fragment.RegistrationToken,
		Expiration: fragment.RTExpiration,
	}
	if cached.IsExpired() {
		return nil
	}

	// Check the token validity online, but don't force another provisioning
	// just because the device is temporarily offline.
	stillValid, registration := registerIfConnected(ctx, api, cached)
	if signals.CheckSignals() != nil {
		return nil
	}
	if !stillValid {
		return nil
	}

	workspaceID := *fragment.WorkspaceID
	deviceID := *fragment.DeviceID
	if registration != nil {
		var err error
		if workspaceID, err = registration.WorkspaceID(); err != nil {
			return nil
		}
		if deviceID, err = registration.DeviceID(); err != nil {
			return nil
		}
		logger.L().Info("the registration token stored in the local database file is still valid, skipping device provisioning")
	} else {
		logger.L().Info(
			"it wasn't possible to check the validity of the stored registration token; " +
				"it's considered valid because it hasn't expired yet, skipping device provisioning")
	}

	return &credentials{
		registrationToken: cached,
		workspaceID:       workspaceID,
		deviceID:          deviceID,
		registration:      registration,
	}
}

func registerIfConnected(ctx context.Context, api *cloud.API, token cloud.RegistrationToken) (bool, *cloud.Registration) {
	registration, err := cloud.Register(ctx, api, token)
	switch {
	case err == nil:
		return true, registration
	case errors.Is(err, cloud.ErrInvalidRegistrationToken):
		return false, nil
	case errors.Is(err, cloud.ErrWorkspaceDisabled):
		logger.L().Warn(
			"unable to check the registration token validity because the workspace is disabled; " +
				"expecting the registration token to be valid based on its expiration time")
		return true, nil
	default:
		logger.L().Warn(
			"an attempt to check the registration token validity failed; "+
				"expecting the registration token to be valid based on its expiration time",
			"error", err)
		return true, nil
	}
}

func provisionDevice(
	ctx context.Context,
	api *cloud.API,
	provisioningToken cloud.ProvisioningToken,
	requestedDeviceID *string,
	display ProvisioningOperationDisplayHandler,
	signals ProcessSignalsSource,
) (*cloud.RegistrationToken, *cloud.Registration, error) {
	logger.L().Info("starting device provisioning")

	provisioning := cloud.NewProvisioning(api, provisioningToken)
	if requestedDeviceID != nil {
		provisioning.WithDeviceID(*requestedDeviceID)
	}

	for {
		operation, err := initOperation(ctx, api, provisioning, signals)
		if err != nil {
			return nil, nil, err
		}

		logger.L().Debug("provisioning operation initialized, displaying details to the user",
			"operation_id", operation.ID)

		if err := displayOperation(operation, display); err != nil {
			return nil, nil, err
		}

		logger.L().Debug("waiting for the approval of the provisioning operation")

		registrationToken, err := completeOperation(ctx, provisioning, operation, signals)
		if errors.Is(err, errRestartProvisioning) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		logger.L().Debug("provisioning operation approved, performing registration")

		registration, err := registerDevice(ctx, api, registrationToken, signals)
		if errors.Is(err, errRestartProvisioning) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		logger.L().Info("device provisioning was successfully completed")
		return registrationToken, registration, nil
	}
}

// errRestartProvisioning restarts the outer provisioning loop with a fresh
// operation.
var errRestartProvisioning = errors.New(errors.CodeUnavailable, "restart device provisioning", nil)

func initOperation(
	ctx context.Context,
	api *cloud.API,
	provisioning *cloud.Provisioning,
	signals ProcessSignalsSource,
) (*cloud.ProvisioningOperation, error) {
	for {
		operation, err := provisioning.Init(ctx)
		if err == nil {
			return operation, nil
		}
		if errors.Is(err, cloud.ErrInvalidProvisioningToken) {
			return nil, errors.Newf(errors.CodeUnauthenticated,
				"unable to initiate a provisioning operation: invalid provisioning token; "+
					"check that your provisioning token is valid and that you're connecting to the right platform instance (the current instance: %q)",
				api.Instance())
		}

		logger.L().Warn("an attempt to initiate provisioning operation failed", "error", err)

		if err := sleepCheckingSignals(ctx, signals); err != nil {
			return nil, err
		}
	}
}

func displayOperation(operation *cloud.ProvisioningOperation, display ProvisioningOperationDisplayHandler) error {
	if display == nil {
		fmt.Println("Provisioning operation initialized, waiting for approval.")
		fmt.Printf("Operation ID: %s\n", operation.ID)
		fmt.Printf("Verification Code: %s\n", operation.VerificationCode)
		return nil
	}

	if err := display(operation); err != nil {
		return errors.Wrap(err, "error when calling custom callback to display provisioning operation")
	}
	return nil
}

func completeOperation(
	ctx context.Context,
	provisioning *cloud.Provisioning,
	operation *cloud.ProvisioningOperation,
	signals ProcessSignalsSource,
) (*cloud.RegistrationToken, error) {
	for {
		token, err := provisioning.Complete(ctx, operation.ID)
		switch {
		case err == nil:
			return token, nil
		case errors.Is(err, cloud.ErrOperationCancelled):
			return nil, errors.Newf(errors.CodeFailedPrecondition,
				"the provisioning operation %q was cancelled; try connecting again and make sure to approve the operation",
				operation.ID)
		case errors.Is(err, cloud.ErrOperationClosed):
			logger.L().Warn("the provisioning operation was closed, but not cancelled; retrying device provisioning",
				"operation_id", operation.ID)
			return nil, errRestartProvisioning
		}

		if err := sleepCheckingSignals(ctx, signals); err != nil {
			return nil, err
		}
	}
}

func registerDevice(
	ctx context.Context,
	api *cloud.API,
	token *cloud.RegistrationToken,
	signals ProcessSignalsSource,
) (*cloud.Registration, error) {
	for {
		registration, err := cloud.Register(ctx, api, *token)
		switch {
		case err == nil:
			return registration, nil
		case errors.Is(err, cloud.ErrInvalidRegistrationToken):
			logger.L().Warn("the registration token is invalid, retrying device provisioning")
			return nil, errRestartProvisioning
		case errors.Is(err, cloud.ErrWorkspaceDisabled):
			logger.L().Warn("an attempt to register the device failed because the workspace is disabled, retrying")
		default:
			logger.L().Warn("an attempt to register the device failed, retrying", "error", err)
		}

		if err := sleepCheckingSignals(ctx, signals); err != nil {
			return nil, err
		}
	}
}

func sleepCheckingSignals(ctx context.Context, signals ProcessSignalsSource) error {
	if err := signals.CheckSignals(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return errors.New(errors.CodeUnavailable, "device provisioning cancelled", ctx.Err())
	case <-time.After(provisioningPollDelay):
	}

	return signals.CheckSignals()
}

// equalOptional reports whether two optional strings hold the same value,
// treating nil as "unset".
func equalOptional(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
