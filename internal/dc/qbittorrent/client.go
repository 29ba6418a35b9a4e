// Package qbittorrent drives a qBittorrent daemon through its WebUI API.
package qbittorrent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	qbt "github.com/autobrr/go-qbittorrent"

	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const (
	defaultAppearAttempts = 10
	defaultAppearInterval = 500 * time.Millisecond
)

// api is the subset of *qbt.Client the driver uses.
type api interface {
	LoginCtx(ctx context.Context) error
	AddTorrentFromUrlCtx(ctx context.Context, url string, options map[string]string) error
	GetTorrentsCtx(ctx context.Context, o qbt.TorrentFilterOptions) ([]qbt.Torrent, error)
	PauseCtx(ctx context.Context, hashes []string) error
	DeleteTorrentsCtx(ctx context.Context, hashes []string, deleteFiles bool) error
}

type Client struct {
	api api

	// A freshly added magnet may take a moment to show up in the torrent list.
	appearAttempts int
	appearInterval time.Duration
}

// NewClient creates a qBittorrent driver. insecure skips TLS verification.
func NewClient(host, username, password string, insecure bool) *Client {
	return newClient(qbt.NewClient(qbt.Config{
		Host:          host,
		Username:      username,
		Password:      password,
		TLSSkipVerify: insecure,
		Timeout:       30,
	}))
}

func newClient(a api) *Client {
	return &Client{api: a, appearAttempts: defaultAppearAttempts, appearInterval: defaultAppearInterval}
}

// Authenticate logs in to the WebUI.
func (c *Client) Authenticate(ctx context.Context) error {
	if err := c.api.LoginCtx(ctx); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to login to qbittorrent", "err", err)

		return &transfer.DaemonError{Operation: "login", Message: err.Error(), Err: err}
	}

	return nil
}

// Start adds the magnet and waits until the daemon lists it. The handle is the info hash.
// Once the add went through, the handle is returned even on error so the caller can clean up.
func (c *Client) Start(ctx context.Context, source *transfer.Source, savePath, category string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("info_hash", source.InfoHash)
	handle := strings.ToLower(source.InfoHash)

	// qBittorrent ignores duplicate adds, so a listed torrent belongs to someone else.
	existing, err := c.find(ctx, handle)
	if err != nil {
		return "", err
	}

	if existing != nil {
		logger.WarnContext(ctx, "torrent already present in qbittorrent", "save_path", existing.SavePath)

		return "", &transfer.DaemonError{Operation: "start", Message: "torrent is already present in the daemon"}
	}

	options := map[string]string{"savepath": savePath}
	if category != "" {
		options["category"] = category
	}

	if err := c.api.AddTorrentFromUrlCtx(ctx, source.URI, options); err != nil {
		logger.ErrorContext(ctx, "failed to add torrent", "err", err)

		return "", &transfer.DaemonError{Operation: "start", Message: err.Error(), Err: err}
	}

	for attempt := 0; attempt < c.appearAttempts; attempt++ {
		torrent, err := c.find(ctx, handle)
		if err == nil && torrent != nil {
			logger.DebugContext(ctx, "torrent added", "save_path", savePath)

			return handle, nil
		}

		if err != nil {
			logger.DebugContext(ctx, "torrent lookup failed", "attempt", attempt, "err", err)
		}

		select {
		case <-ctx.Done():
			return handle, context.Cause(ctx)
		case <-time.After(c.appearInterval):
		}
	}

	return handle, &transfer.DaemonError{Operation: "start", Message: fmt.Sprintf("torrent %s did not appear after adding", handle)}
}

// Progress returns the torrent status. qBittorrent reports progress as a fraction.
func (c *Client) Progress(ctx context.Context, handle string) (*transfer.Progress, error) {
	torrent, err := c.find(ctx, handle)
	if err != nil {
		return nil, err
	}

	if torrent == nil {
		return nil, &transfer.HandleNotFoundError{Handle: handle}
	}

	size := torrent.Size
	if size == 0 {
		size = torrent.TotalSize
	}

	p := &transfer.Progress{
		Percent:       torrent.Progress * 100,
		BytesTotal:    size,
		DownloadSpeed: torrent.DlSpeed,
		Seeders:       int(torrent.NumSeeds),
		DaemonState:   string(torrent.State),
		Name:          torrent.Name,
		PayloadPath:   torrent.ContentPath,
	}

	if p.PayloadPath == "" && torrent.SavePath != "" && torrent.Name != "" {
		p.PayloadPath = filepath.Join(torrent.SavePath, torrent.Name)
	}

	return p, nil
}

func (c *Client) Pause(ctx context.Context, handle string) error {
	if err := c.api.PauseCtx(ctx, []string{handle}); err != nil {
		return &transfer.DaemonError{Operation: "pause", Message: err.Error(), Err: err}
	}

	return nil
}

// Cleanup deletes the torrent. qBittorrent accepts unknown hashes silently.
func (c *Client) Cleanup(ctx context.Context, handle string, deleteFiles bool) error {
	if err := c.api.DeleteTorrentsCtx(ctx, []string{handle}, deleteFiles); err != nil {
		return &transfer.DaemonError{Operation: "cleanup", Message: err.Error(), Err: err}
	}

	return nil
}

func (c *Client) find(ctx context.Context, handle string) (*qbt.Torrent, error) {
	torrents, err := c.api.GetTorrentsCtx(ctx, qbt.TorrentFilterOptions{Hashes: []string{handle}})
	if err != nil {
		return nil, &transfer.DaemonError{Operation: "progress", Message: err.Error(), Err: err}
	}

	for i := range torrents {
		if strings.EqualFold(torrents[i].Hash, handle) {
			return &torrents[i], nil
		}
	}

	return nil, nil
}

// Ensure Client implements transfer.TorrentDriver
var _ transfer.TorrentDriver = (*Client)(nil)
