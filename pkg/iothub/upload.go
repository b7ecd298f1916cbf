package iothub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/google/uuid"

	"github.com/spotflow/device-sdk-go/pkg/client/rest"
	"github.com/spotflow/device-sdk-go/pkg/cloud"
	"github.com/spotflow/device-sdk-go/pkg/errors"
)

// FileUploader externalizes oversized payloads: it asks the IoT hub for an
// upload slot, puts the bytes into the assigned block blob, and confirms the
// upload so the Platform ingests it in place of the MQTT payload.
type FileUploader struct {
	registrations *cloud.RegistrationWatch
	client        *rest.Client
}

// NewFileUploader creates an uploader backed by the current registration.
func NewFileUploader(registrations *cloud.RegistrationWatch, client *rest.Client) *FileUploader {
	return &FileUploader{registrations: registrations, client: client}
}

type fileUploadInit struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SasToken      string `json:"sasToken"`
}

// Upload stores content as a block blob and returns the chosen blob name.
func (u *FileUploader) Upload(ctx context.Context, content []byte) (string, error) {
	registration, ok := u.registrations.Get()
	if !ok {
		return "", errors.Newf(errors.CodeFailedPrecondition, "no registration available for file upload")
	}

	deviceID, err := registration.IotHubDeviceID()
	if err != nil {
		return "", err
	}
	sas, err := registration.SAS()
	if err != nil {
		return "", errors.Wrap(err, "unable to parse SAS token during file upload")
	}
	host := registration.IotHubHostName

	initURL := fmt.Sprintf("https://%s/devices/%s/files?api-version=%s", host, deviceID, fileUploadAPIVersion)
	completeURL := fmt.Sprintf("https://%s/devices/%s/files/notifications?api-version=%s", host, deviceID, fileUploadAPIVersion)

	blobName := uuid.NewString()

	var init fileUploadInit
	err = u.postJSON(ctx, initURL, sas, map[string]any{"blobName": blobName}, &init)
	if err != nil {
		return "", errors.Wrap(err, "failed sending request to initiate file upload")
	}

	blobURL := fmt.Sprintf("https://%s/%s/%s%s", init.HostName, init.ContainerName, init.BlobName, init.SasToken)

	blobClient, err := blockblob.NewClientWithNoCredential(blobURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "unable to create blob client for file upload")
	}
	if _, err := blobClient.UploadBuffer(ctx, content, nil); err != nil {
		return "", errors.Wrap(err, "failed uploading file to blob")
	}

	err = u.postJSON(ctx, completeURL, sas, map[string]any{
		"correlationId":     init.CorrelationID,
		"isSuccess":         true,
		"statusCode":        200,
		"statusDescription": "Done",
	}, nil)
	if err != nil {
		return "", errors.Wrap(err, "failed sending request to complete file upload")
	}

	return blobName, nil
}

func (u *FileUploader) postJSON(ctx context.Context, url, authorization string, body any, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "unable to serialize request body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return errors.Wrap(err, "unable to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", authorization)

	resp, err := u.client.Do(req)
	if err != nil {
		return errors.New(errors.CodeUnavailable, "request failed with transport error", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.New(errors.CodeUnavailable, "unable to read response body", err)
	}
	if resp.StatusCode >= 300 {
		return errors.Newf(errors.CodeUnavailable, "request failed with status code %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(payload, out); err != nil {
			return errors.Wrap(err, "failed parsing response")
		}
	}
	return nil
}
