// Package gdrive stores payloads in Google Drive.
package gdrive

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/italolelis/magnetdrive/internal/cloud"
	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/payload"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const provider = "gdrive"

// Config selects the Drive credentials. CredentialsFile (a service account key) wins over
// the OAuth client and refresh token.
type Config struct {
	CredentialsFile string
	ClientID        string
	ClientSecret    string
	RefreshToken    string
	FolderID        string
}

type Uploader struct {
	svc      *drive.Service
	folderID string
}

// NewUploader builds a Drive client from cfg. Extra options are appended, which tests use
// to point the client at a fake endpoint.
func NewUploader(ctx context.Context, cfg Config, opts ...option.ClientOption) (*Uploader, error) {
	var auth []option.ClientOption

	switch {
	case cfg.CredentialsFile != "":
		auth = append(auth, option.WithCredentialsFile(cfg.CredentialsFile), option.WithScopes(drive.DriveScope))
	case cfg.RefreshToken != "":
		oauthCfg := &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{drive.DriveScope},
		}
		auth = append(auth, option.WithTokenSource(oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})))
	case len(opts) == 0:
		return nil, errors.New("google drive needs a credentials file or a refresh token")
	}

	svc, err := drive.NewService(ctx, append(auth, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create drive service: %w", err)
	}

	return &Uploader{svc: svc, folderID: cfg.FolderID}, nil
}

// FreeSpace reads the account storage quota. Limit is 0 for unlimited plans.
func (u *Uploader) FreeSpace(ctx context.Context) (*transfer.Space, error) {
	about, err := u.svc.About.Get().Fields("storageQuota").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get storage quota: %w", err)
	}

	if about.StorageQuota == nil {
		return &transfer.Space{}, nil
	}

	q := about.StorageQuota
	space := &transfer.Space{Total: q.Limit, Used: q.Usage}

	if q.Limit > 0 {
		space.Free = max(q.Limit-q.Usage, 0)
	}

	return space, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath, displayName, mimeType string) (*transfer.RemoteObject, error) {
	logger := logctx.LoggerFromContext(ctx).With("provider", provider)

	p, err := cloud.Prepare(ctx, provider, u, localPath, displayName, mimeType)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	r, err := p.Reader()
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: err.Error(), Err: err}
	}
	defer r.Close()

	meta := &drive.File{Name: p.Name, MimeType: p.MimeType}
	if u.folderID != "" {
		meta.Parents = []string{u.folderID}
	}

	logger.InfoContext(ctx, "uploading payload to Google Drive", "file", p.Name, "size", p.Size)

	f, err := u.svc.Files.Create(meta).
		Media(payload.NewProgressReader(r, p.Size, cloud.ProgressInterval, cloud.ProgressLogger(ctx, provider, p.Name)),
			googleapi.ContentType(p.MimeType)).
		Fields("id", "name", "size", "webViewLink").
		SupportsAllDrives(true).
		Context(ctx).
		Do()
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: apiMessage(err), Err: err}
	}

	logger.InfoContext(ctx, "payload uploaded to Google Drive", "file_id", f.Id)

	return &transfer.RemoteObject{ID: f.Id, Size: f.Size, WebLink: f.WebViewLink}, nil
}

// GenerateShareableLink grants read access to anyone with the link and returns it.
func (u *Uploader) GenerateShareableLink(ctx context.Context, remoteID string) (string, error) {
	perm := &drive.Permission{Role: "reader", Type: "anyone"}

	if _, err := u.svc.Permissions.Create(remoteID, perm).SupportsAllDrives(true).Context(ctx).Do(); err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: apiMessage(err), Err: err}
	}

	f, err := u.svc.Files.Get(remoteID).Fields("webViewLink", "webContentLink").SupportsAllDrives(true).Context(ctx).Do()
	if err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: apiMessage(err), Err: err}
	}

	if f.WebViewLink == "" {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: "drive returned no link"}
	}

	return f.WebViewLink, nil
}

func apiMessage(err error) string {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return fmt.Sprintf("%s (HTTP %d)", apiErr.Message, apiErr.Code)
	}

	return err.Error()
}

var (
	_ transfer.CloudUploader = (*Uploader)(nil)
	_ transfer.SpaceReporter = (*Uploader)(nil)
)
