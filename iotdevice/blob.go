package iotdevice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hubgate/iothub/common"
	"github.com/hubgate/iothub/iotdevice/transport"
	"github.com/hubgate/iothub/logger"
)

type createFileUploadRequest struct {
	BlobName string `json:"blobName"`
}

type createFileUploadResponse struct {
	CorrelationID string `json:"correlationId"`
	HostName      string `json:"hostName"`
	ContainerName string `json:"containerName"`
	BlobName      string `json:"blobName"`
	SASToken      string `json:"sasToken"`
}

func (r *createFileUploadResponse) sasURI() string {
	return fmt.Sprintf("https://%s/%s/%s%s", r.HostName, r.ContainerName, r.BlobName, r.SASToken)
}

type notifyFileUploadRequest struct {
	CorrelationID     string `json:"correlationId"`
	IsSuccess         bool   `json:"isSuccess"`
	StatusCode        int    `json:"statusCode"`
	StatusDescription string `json:"statusDescription"`
}

// BlobUploader streams device content into hub-addressed block blobs.
// It is a peer of the session controller and receives credential
// refreshes when the session rotates its token.
type BlobUploader struct {
	creds  transport.Credentials
	client *http.Client
	logger logger.Logger

	mu  sync.Mutex
	sas string // rotated token, overrides minting
}

func newBlobUploader(creds transport.Credentials, l logger.Logger) *BlobUploader {
	return &BlobUploader{
		creds:  creds,
		client: http.DefaultClient,
		logger: l,
	}
}

// UpdateSharedAccessSignature installs a rotated token, subsequent
// uploads authorize with it instead of minting their own.
func (b *BlobUploader) UpdateSharedAccessSignature(sas string) {
	b.mu.Lock()
	b.sas = sas
	b.mu.Unlock()
}

func (b *BlobUploader) token(ctx context.Context) (string, error) {
	b.mu.Lock()
	sas := b.sas
	b.mu.Unlock()
	if sas != "" {
		return sas, nil
	}
	return b.creds.Token(ctx,
		b.creds.Hostname()+"/devices/"+b.creds.DeviceID(), time.Hour)
}

// Upload runs the three-step upload flow: obtain a container signature
// from the hub, put the block blob, notify the hub about the outcome.
func (b *BlobUploader) Upload(ctx context.Context, blobName string, r io.Reader, size int64) error {
	cid, uri, err := b.getBlobSharedAccessSignature(ctx, blobName)
	if err != nil {
		return errors.Wrap(err, "blob signature request failed")
	}

	uperr := b.putBlob(ctx, uri, r, size)

	status, desc := 201, "upload succeeded"
	if uperr != nil {
		status, desc = 500, uperr.Error()
	}
	if err := b.notifyFileUpload(ctx, cid, uperr == nil, status, desc); err != nil {
		b.logger.Warnf("blob upload notification failed: %v", err)
	}
	if uperr != nil {
		return errors.Wrap(uperr, "blob upload failed")
	}
	return nil
}

func (b *BlobUploader) getBlobSharedAccessSignature(ctx context.Context, blobName string) (string, string, error) {
	body, err := json.Marshal(&createFileUploadRequest{BlobName: blobName})
	if err != nil {
		return "", "", err
	}
	target := fmt.Sprintf("https://%s/devices/%s/files?api-version=%s",
		b.creds.Hostname(), b.creds.DeviceID(), common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.authorize(ctx, req); err != nil {
		return "", "", err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var response createFileUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", "", err
	}
	return response.CorrelationID, response.sasURI(), nil
}

func (b *BlobUploader) putBlob(ctx context.Context, sasURI string, r io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sasURI, r)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("x-ms-blob-type", "BlockBlob")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (b *BlobUploader) notifyFileUpload(ctx context.Context, correlationID string, success bool, statusCode int, statusDescription string) error {
	body, err := json.Marshal(&notifyFileUploadRequest{
		CorrelationID:     correlationID,
		IsSuccess:         success,
		StatusCode:        statusCode,
		StatusDescription: statusDescription,
	})
	if err != nil {
		return err
	}
	target := fmt.Sprintf("https://%s/devices/%s/files/notifications?api-version=%s",
		b.creds.Hostname(), b.creds.DeviceID(), common.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if err := b.authorize(ctx, req); err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (b *BlobUploader) authorize(ctx context.Context, req *http.Request) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", token)
	return nil
}
