// Package linkgen exchanges uploaded file ids for direct links served by a redirect service.
package linkgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type linkRequest struct {
	FileID string `json:"fileId"`
}

type linkResponse struct {
	DirectLink string `json:"directLink"`
	Error      string `json:"error,omitempty"`
}

// Uploader delegates uploads and sharing to next, then asks the redirect service for a
// direct link to the shared object.
type Uploader struct {
	next       transfer.CloudUploader
	serviceURL string
	httpClient *http.Client
}

func New(next transfer.CloudUploader, serviceURL string) *Uploader {
	return &Uploader{
		next:       next,
		serviceURL: strings.TrimRight(serviceURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (u *Uploader) Upload(ctx context.Context, localPath, displayName, mimeType string) (*transfer.RemoteObject, error) {
	return u.next.Upload(ctx, localPath, displayName, mimeType)
}

// FreeSpace forwards to next when it reports space.
func (u *Uploader) FreeSpace(ctx context.Context) (*transfer.Space, error) {
	if r, ok := u.next.(transfer.SpaceReporter); ok {
		return r.FreeSpace(ctx)
	}

	return &transfer.Space{}, nil
}

func (u *Uploader) GenerateShareableLink(ctx context.Context, remoteID string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("remote_id", remoteID)

	// The object must be publicly readable before the redirect service can serve it.
	if _, err := u.next.GenerateShareableLink(ctx, remoteID); err != nil {
		return "", err
	}

	body, err := json.Marshal(linkRequest{FileID: remoteID})
	if err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.serviceURL, bytes.NewReader(body))
	if err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: "failed to create request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		logger.ErrorContext(ctx, "link service unreachable", "err", err)

		return "", &transfer.LinkError{RemoteID: remoteID, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

		return "", &transfer.LinkError{
			RemoteID: remoteID,
			Message:  fmt.Sprintf("link service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b))),
		}
	}

	var out linkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: "malformed link service response", Err: err}
	}

	if out.DirectLink == "" {
		msg := "link service returned no link"
		if out.Error != "" {
			msg = out.Error
		}

		return "", &transfer.LinkError{RemoteID: remoteID, Message: msg}
	}

	logger.DebugContext(ctx, "direct link generated")

	return out.DirectLink, nil
}

var (
	_ transfer.CloudUploader = (*Uploader)(nil)
	_ transfer.SpaceReporter = (*Uploader)(nil)
)
