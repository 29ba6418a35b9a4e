package transfer

import (
	"context"

	"github.com/italolelis/magnetdrive/internal/telemetry"
)

// InstrumentedTorrentDriver wraps TorrentDriver with telemetry.
type InstrumentedTorrentDriver struct {
	driver     TorrentDriver
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedTorrentDriver creates a new instrumented torrent driver.
func NewInstrumentedTorrentDriver(driver TorrentDriver, tel *telemetry.Telemetry, clientType string) *InstrumentedTorrentDriver {
	return &InstrumentedTorrentDriver{
		driver:     driver,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Start submits a torrent with telemetry. A handle returned next to an error is kept.
func (d *InstrumentedTorrentDriver) Start(ctx context.Context, source *Source, savePath, category string) (string, error) {
	var handle string

	err := d.telemetry.InstrumentClientOperation(ctx, d.clientType, "start", func(ctx context.Context) error {
		var err error

		handle, err = d.driver.Start(ctx, source, savePath, category)

		return err
	})

	return handle, err
}

// Progress polls a torrent with telemetry.
func (d *InstrumentedTorrentDriver) Progress(ctx context.Context, handle string) (*Progress, error) {
	var result *Progress

	err := d.telemetry.InstrumentClientOperation(ctx, d.clientType, "progress", func(ctx context.Context) error {
		var err error

		result, err = d.driver.Progress(ctx, handle)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Pause pauses a torrent with telemetry.
func (d *InstrumentedTorrentDriver) Pause(ctx context.Context, handle string) error {
	return d.telemetry.InstrumentClientOperation(ctx, d.clientType, "pause", func(ctx context.Context) error {
		return d.driver.Pause(ctx, handle)
	})
}

// Cleanup removes a torrent with telemetry.
func (d *InstrumentedTorrentDriver) Cleanup(ctx context.Context, handle string, deleteFiles bool) error {
	return d.telemetry.InstrumentClientOperation(ctx, d.clientType, "cleanup", func(ctx context.Context) error {
		return d.driver.Cleanup(ctx, handle, deleteFiles)
	})
}

// InstrumentedUploader wraps CloudUploader with telemetry.
type InstrumentedUploader struct {
	uploader  CloudUploader
	telemetry *telemetry.Telemetry
	provider  string
}

// NewInstrumentedUploader creates a new instrumented cloud uploader.
func NewInstrumentedUploader(uploader CloudUploader, tel *telemetry.Telemetry, provider string) *InstrumentedUploader {
	return &InstrumentedUploader{
		uploader:  uploader,
		telemetry: tel,
		provider:  provider,
	}
}

// Upload stores a payload with telemetry.
func (u *InstrumentedUploader) Upload(ctx context.Context, localPath, displayName, mimeType string) (*RemoteObject, error) {
	var result *RemoteObject

	err := u.telemetry.InstrumentUpload(ctx, u.provider, func(ctx context.Context) error {
		var err error

		result, err = u.uploader.Upload(ctx, localPath, displayName, mimeType)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// GenerateShareableLink creates a link with telemetry.
func (u *InstrumentedUploader) GenerateShareableLink(ctx context.Context, remoteID string) (string, error) {
	var link string

	err := u.telemetry.InstrumentClientOperation(ctx, u.provider, "generate_link", func(ctx context.Context) error {
		var err error

		link, err = u.uploader.GenerateShareableLink(ctx, remoteID)

		return err
	})
	if err != nil {
		return "", err
	}

	return link, nil
}

// FreeSpace forwards to the wrapped uploader. Uploaders that do not report capacity are unlimited.
func (u *InstrumentedUploader) FreeSpace(ctx context.Context) (*Space, error) {
	reporter, ok := u.uploader.(SpaceReporter)
	if !ok {
		return &Space{}, nil
	}

	var space *Space

	err := u.telemetry.InstrumentClientOperation(ctx, u.provider, "free_space", func(ctx context.Context) error {
		var err error

		space, err = reporter.FreeSpace(ctx)

		return err
	})

	return space, err
}
