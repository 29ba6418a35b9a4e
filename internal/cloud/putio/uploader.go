// Package putio stores payloads in a put.io account.
package putio

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/magnetdrive/internal/cloud"
	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/payload"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const provider = "putio"

type filesAPI interface {
	Upload(ctx context.Context, r io.Reader, filename string, parent int64) (putio.Upload, error)
	URL(ctx context.Context, id int64, useTunnel bool) (string, error)
	Search(ctx context.Context, query string, page int64) (putio.Search, error)
	CreateFolder(ctx context.Context, name string, parent int64) (putio.File, error)
}

type accountAPI interface {
	Info(ctx context.Context) (putio.AccountInfo, error)
}

type Uploader struct {
	files   filesAPI
	account accountAPI
	folder  string
}

// NewUploader creates a put.io uploader. Payloads go to folder, created on first use;
// an empty folder means the account root.
func NewUploader(token, folder string) *Uploader {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)
	client := putio.NewClient(oauthClient)

	return &Uploader{files: client.Files, account: client.Account, folder: folder}
}

func (u *Uploader) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	info, err := u.account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", info.Username)

	return nil
}

// FreeSpace reports the account disk usage.
func (u *Uploader) FreeSpace(ctx context.Context) (*transfer.Space, error) {
	info, err := u.account.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account info: %w", err)
	}

	return &transfer.Space{Total: info.Disk.Size, Used: info.Disk.Used, Free: info.Disk.Avail}, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath, displayName, mimeType string) (*transfer.RemoteObject, error) {
	logger := logctx.LoggerFromContext(ctx).With("provider", provider)

	p, err := cloud.Prepare(ctx, provider, u, localPath, displayName, mimeType)
	if err != nil {
		return nil, err
	}
	defer p.Close()

	parent, err := u.folderID(ctx)
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: err.Error(), Err: err}
	}

	r, err := p.Reader()
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: err.Error(), Err: err}
	}
	defer r.Close()

	logger.InfoContext(ctx, "uploading payload to Put.io", "file", p.Name, "size", p.Size)

	upload, err := u.files.Upload(ctx, payload.NewProgressReader(r, p.Size, cloud.ProgressInterval, cloud.ProgressLogger(ctx, provider, p.Name)), p.Name, parent)
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: err.Error(), Err: err}
	}

	if upload.File == nil {
		return nil, &transfer.UploadError{Provider: provider, Message: "Put.io did not return the stored file"}
	}

	logger.InfoContext(ctx, "payload uploaded to Put.io", "file_id", upload.File.ID)

	return &transfer.RemoteObject{ID: strconv.FormatInt(upload.File.ID, 10), Size: upload.File.Size}, nil
}

// GenerateShareableLink returns the file's download URL.
func (u *Uploader) GenerateShareableLink(ctx context.Context, remoteID string) (string, error) {
	id, err := strconv.ParseInt(remoteID, 10, 64)
	if err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: "invalid put.io file id", Err: err}
	}

	url, err := u.files.URL(ctx, id, false)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to get file download url", "file_id", id, "err", err)

		return "", &transfer.LinkError{RemoteID: remoteID, Message: err.Error(), Err: err}
	}

	return url, nil
}

func (u *Uploader) folderID(ctx context.Context) (int64, error) {
	if u.folder == "" {
		return 0, nil
	}

	search, err := u.files.Search(ctx, u.folder, 1)
	if err != nil {
		return 0, fmt.Errorf("error searching for directory: %w", err)
	}

	for _, f := range search.Files {
		if f.IsDir() && f.Name == u.folder {
			return f.ID, nil
		}
	}

	folder, err := u.files.CreateFolder(ctx, u.folder, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to create directory %s: %w", u.folder, err)
	}

	return folder.ID, nil
}

var (
	_ transfer.CloudUploader = (*Uploader)(nil)
	_ transfer.SpaceReporter = (*Uploader)(nil)
)
