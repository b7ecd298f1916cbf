// Package cloud talks to the Platform's REST endpoints: device provisioning,
// device registration, and registration-token refresh. It also hosts the
// credential engine that keeps the session credentials fresh.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spotflow/device-sdk-go/pkg/client/rest"
	"github.com/spotflow/device-sdk-go/pkg/errors"
	"github.com/spotflow/device-sdk-go/pkg/logger"
)

// DefaultInstance is the Platform instance devices connect to unless
// configured otherwise.
const DefaultInstance = "api.eu1.spotflow.io"

// NormalizeInstance strips an optional https:// prefix and trailing slash from
// a configured instance host.
func NormalizeInstance(instance string) string {
	instance = strings.TrimPrefix(instance, "https://")
	return strings.TrimSuffix(instance, "/")
}

// ProblemDetails is the RFC 7807 error body returned by the Platform.
type ProblemDetails struct {
	Type     *string `json:"type"`
	Title    *string `json:"title"`
	Status   *int    `json:"status"`
	Detail   *string `json:"detail"`
	Instance *string `json:"instance"`
}

// StatusError is a non-2xx response from the Platform.
type StatusError struct {
	StatusCode int
	Problem    *ProblemDetails
}

func (e *StatusError) Error() string {
	title := ""
	if e.Problem != nil && e.Problem.Title != nil {
		title = ": " + *e.Problem.Title
	}
	return fmt.Sprintf("request failed with status code %d%s", e.StatusCode, title)
}

func (e *StatusError) problemType() string {
	if e.Problem == nil || e.Problem.Type == nil {
		return ""
	}
	return *e.Problem.Type
}

// API performs authenticated requests against one Platform instance.
type API struct {
	instance string
	client   *rest.Client
}

// NewAPI creates an API client for the given instance host.
func NewAPI(instance string, client *rest.Client) *API {
	return &API{instance: NormalizeInstance(instance), client: client}
}

// Instance returns the instance host this client talks to.
func (a *API) Instance() string {
	return a.instance
}

func (a *API) post(ctx context.Context, path, token string, body any) (*http.Response, []byte, error) {
	return a.send(ctx, http.MethodPost, path, token, body)
}

func (a *API) put(ctx context.Context, path, token string, body any) (*http.Response, []byte, error) {
	return a.send(ctx, http.MethodPut, path, token, body)
}

// send issues one JSON request authenticated with a DeviceToken header. Non-2xx
// responses other than 202 are returned as StatusError with parsed problem
// details.
func (a *API) send(ctx context.Context, method, path, token string, body any) (*http.Response, []byte, error) {
	url := "https://" + a.instance + path
	if strings.Contains(a.instance, "://") {
		// An explicit scheme is kept as-is; plain HTTP is used by tests.
		url = a.instance + path
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, nil, errors.Wrap(err, "unable to serialize request body")
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, errors.Wrapf(err, "unable to build request to %s", url)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "DeviceToken "+token)

	logger.L().Debug("sending request", "method", method, "url", url)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, nil, errors.New(errors.CodeUnavailable, "request failed with transport error", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, errors.New(errors.CodeUnavailable, "unable to read response body", err)
	}

	if resp.StatusCode >= 300 {
		logger.L().Debug("request failed", "url", url, "status", resp.StatusCode)
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var problem ProblemDetails
		if json.Unmarshal(payload, &problem) == nil {
			statusErr.Problem = &problem
		}
		return nil, nil, statusErr
	}

	logger.L().Debug("request succeeded", "url", url, "status", resp.StatusCode)
	return resp, payload, nil
}

func statusCode(err error) int {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func logWorkspaceDisabled() {
	logger.L().Warn("the workspace is disabled; contact its administrators for more information")
}
