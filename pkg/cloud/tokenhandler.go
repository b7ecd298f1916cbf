package cloud

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/spotflow/device-sdk-go/pkg/logger"
	"github.com/spotflow/device-sdk-go/pkg/persistence"
	"github.com/spotflow/device-sdk-go/pkg/watch"
)

// RegistrationCommandKind selects which credential a command refreshes.
type RegistrationCommandKind int

const (
	// RefreshRegistration obtains a new session credential (SAS) using the
	// registration token.
	RefreshRegistration RegistrationCommandKind = iota
	// RefreshRegistrationTokenKind rotates the registration token itself using
	// the provisioning token.
	RefreshRegistrationTokenKind
)

// RegistrationCommand asks the token handler to refresh a credential. Commands
// older than the last attempt of the same kind are ignored, which de-duplicates
// bursts of refresh requests racing with an already finished refresh.
type RegistrationCommand struct {
	Kind RegistrationCommandKind
	Time time.Time
}

// RegistrationWatch publishes the current registration to the MQTT session.
type RegistrationWatch = watch.Value[*Registration]

// expiryCheckInterval is how often the handler re-checks credential expiry
// even without commands, so that a device waking from sleep notices missed
// expirations.
const expiryCheckInterval = time.Minute

// refreshFailureBackoff separates consecutive refresh attempts after failures.
const refreshFailureBackoff = 30 * time.Second

// TokenHandler keeps the session credentials fresh: it performs the initial
// registration, watches expirations against the clock, and serves refresh
// commands from the transport.
type TokenHandler struct {
	api   *API
	clock clockwork.Clock
	store *persistence.Store

	provisioningToken ProvisioningToken
	registrationToken RegistrationToken
	sasValidUntil     *time.Time

	registration *RegistrationWatch
	commands     chan RegistrationCommand

	lastTokenRefreshAttempt        time.Time
	lastRegistrationRefreshAttempt time.Time
}

// StartTokenHandler persists the starting credentials and spawns the refresh
// worker. If initial is non-nil (obtained during startup), the first
// registration call is skipped.
func StartTokenHandler(
	ctx context.Context,
	api *API,
	clock clockwork.Clock,
	store *persistence.Store,
	provisioningToken ProvisioningToken,
	registrationToken RegistrationToken,
	initial *Registration,
) (*RegistrationWatch, chan<- RegistrationCommand, error) {
	if err := store.SaveProvisioningToken(provisioningToken.Token); err != nil {
		return nil, nil, err
	}
	if err := store.SaveRegistrationToken(registrationToken.Token, registrationToken.Expiration); err != nil {
		return nil, nil, err
	}

	h := &TokenHandler{
		api:               api,
		clock:             clock,
		store:             store,
		provisioningToken: provisioningToken,
		registrationToken: RegistrationToken{
			Token: registrationToken.Token,
			// The stored expiration is not trusted here; the token is used for
			// registration right away and the expiration is refreshed then.
		},
		registration:                   watch.New[*Registration](),
		commands:                       make(chan RegistrationCommand, 64),
		lastTokenRefreshAttempt:        clock.Now(),
		lastRegistrationRefreshAttempt: clock.Now(),
	}

	go h.run(ctx, initial)

	return h.registration, h.commands, nil
}

func (h *TokenHandler) run(ctx context.Context, initial *Registration) {
	// Repeat the first registration until it succeeds; nothing works without
	// a session credential.
	registration := initial
	for {
		var err error
		if registration == nil {
			registration, err = Register(ctx, h.api, h.registrationToken)
		}
		if err == nil {
			err = h.processRegistration(registration)
		}
		if err == nil {
			break
		}

		logger.L().Warn("first registration has failed, waiting before trying again",
			"delay", refreshFailureBackoff, "error", err)
		registration = nil

		select {
		case <-ctx.Done():
			return
		case <-h.clock.After(refreshFailureBackoff):
		}
	}

	ticker := h.clock.NewTicker(expiryCheckInterval)
	defer ticker.Stop()

	for {
		h.enqueueExpiredRefreshes()

		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		case command := <-h.commands:
			h.processCommand(ctx, command)
		}

		// Drain whatever accumulated while a refresh was running.
		for {
			select {
			case command := <-h.commands:
				h.processCommand(ctx, command)
				continue
			default:
			}
			break
		}
	}
}

// enqueueExpiredRefreshes turns passed expirations into refresh commands so
// that both the periodic sweep and explicit requests flow through the same
// de-duplicating path.
func (h *TokenHandler) enqueueExpiredRefreshes() {
	now := h.clock.Now()

	if h.sasValidUntil != nil && !h.sasValidUntil.After(now) {
		h.sendCommand(RegistrationCommand{Kind: RefreshRegistration, Time: now})
	}

	if h.registrationToken.Expiration != nil && !h.registrationToken.Expiration.After(now) {
		h.sendCommand(RegistrationCommand{Kind: RefreshRegistrationTokenKind, Time: now})
	}
}

func (h *TokenHandler) sendCommand(command RegistrationCommand) {
	select {
	case h.commands <- command:
	default:
		logger.L().Warn("registration command queue is full, dropping command", "kind", command.Kind)
	}
}

func (h *TokenHandler) processCommand(ctx context.Context, command RegistrationCommand) {
	switch command.Kind {
	case RefreshRegistrationTokenKind:
		if command.Time.Before(h.lastTokenRefreshAttempt) {
			return
		}
		err := h.refreshToken(ctx)
		h.lastTokenRefreshAttempt = h.clock.Now()
		if err != nil {
			logger.L().Warn("unable to refresh registration token", "error", err)
			h.backoffAndRequeue(ctx, RefreshRegistrationTokenKind)
		}
	case RefreshRegistration:
		if command.Time.Before(h.lastRegistrationRefreshAttempt) {
			return
		}
		err := h.refreshRegistration(ctx)
		h.lastRegistrationRefreshAttempt = h.clock.Now()
		if err != nil {
			logger.L().Warn("failed registration", "error", err)
			h.backoffAndRequeue(ctx, RefreshRegistration)
		}
	}
}

// backoffAndRequeue paces failed refreshes and schedules another attempt.
func (h *TokenHandler) backoffAndRequeue(ctx context.Context, kind RegistrationCommandKind) {
	select {
	case <-ctx.Done():
		return
	case <-h.clock.After(refreshFailureBackoff):
	}
	h.sendCommand(RegistrationCommand{Kind: kind, Time: h.clock.Now()})
}

func (h *TokenHandler) processRegistration(registration *Registration) error {
	if registration.ConnectionStringExpiration == nil {
		return ErrInvalidRegistrationToken
	}
	sasExpiry := *registration.ConnectionStringExpiration

	// The remaining lifetime is relative; anchor it to the local clock and
	// pre-skew it to absorb clock differences between device and Platform.
	var tokenExpiry *time.Time
	if registration.TokenRemainingLifetime != nil {
		expiry := h.expectClockskew(h.clock.Now().Add(registration.TokenRemainingLifetime.Duration))
		tokenExpiry = &expiry
	}

	logger.L().Debug("registration token expires", "at", tokenExpiry)
	logger.L().Debug("session credential expires", "at", sasExpiry)

	h.sasValidUntil = &sasExpiry
	h.registrationToken.Expiration = tokenExpiry

	if err := h.store.SaveRegistrationToken(h.registrationToken.Token, tokenExpiry); err != nil {
		return err
	}

	deviceID, err := registration.DeviceID()
	if err != nil {
		return err
	}
	if err := h.store.SaveDeviceID(deviceID); err != nil {
		return err
	}

	workspaceID, err := registration.WorkspaceID()
	if err != nil {
		return err
	}
	if err := h.store.SaveWorkspaceID(workspaceID); err != nil {
		return err
	}

	logger.L().Info("registration done successfully",
		"workspace_id", workspaceID, "device_id", deviceID)

	h.registration.Set(registration)

	return nil
}

func (h *TokenHandler) refreshRegistration(ctx context.Context) error {
	logger.L().Info("refreshing registration to the platform")

	registration, err := Register(ctx, h.api, h.registrationToken)
	if err != nil {
		return err
	}
	if registration.ConnectionStringExpiration == nil {
		return ErrInvalidRegistrationToken
	}

	h.sasValidUntil = registration.ConnectionStringExpiration
	h.registration.Set(registration)

	logger.L().Info("registration refreshed successfully")
	return nil
}

func (h *TokenHandler) refreshToken(ctx context.Context) error {
	logger.L().Info("refreshing registration token")

	refreshed, err := RefreshRegistrationToken(ctx, h.api, h.provisioningToken, h.registrationToken)
	if err != nil {
		return err
	}

	h.registrationToken = RegistrationToken{Token: refreshed.Token}
	if refreshed.Expiration != nil {
		expiry := h.expectClockskew(*refreshed.Expiration)
		h.registrationToken.Expiration = &expiry
	}

	if err := h.store.SaveRegistrationToken(h.registrationToken.Token, h.registrationToken.Expiration); err != nil {
		return err
	}

	logger.L().Info("registration token refreshed successfully")
	return nil
}

// expectClockskew moves an expiration earlier to tolerate clock differences:
// by half the remaining lifetime, bounded by 10 minutes when more than 25
// minutes remain.
func (h *TokenHandler) expectClockskew(expiration time.Time) time.Time {
	remaining := expiration.Sub(h.clock.Now())
	skewed := expiration.Add(-remaining / 2)

	if remaining > 25*time.Minute {
		// Cap the skew at 10 minutes for long-lived credentials.
		tenMinutesEarly := expiration.Add(-10 * time.Minute)
		if skewed.Before(tenMinutesEarly) {
			return tenMinutesEarly
		}
	}

	return skewed
}
