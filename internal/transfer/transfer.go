package transfer

import (
	"context"
	"strings"
)

// TorrentDriver is the adapter to an external torrent daemon.
type TorrentDriver interface {
	// Start submits the source and returns the daemon handle.
	Start(ctx context.Context, source *Source, savePath, category string) (string, error)
	Progress(ctx context.Context, handle string) (*Progress, error)
	Pause(ctx context.Context, handle string) error
	// Cleanup removes the torrent from the daemon. Unknown handles are not an error.
	Cleanup(ctx context.Context, handle string, deleteFiles bool) error
}

// CloudUploader is the adapter to an external cloud storage API.
type CloudUploader interface {
	Upload(ctx context.Context, localPath, displayName, mimeType string) (*RemoteObject, error)
	GenerateShareableLink(ctx context.Context, remoteID string) (string, error)
}

// SpaceReporter is implemented by uploaders whose destination has a capacity limit.
type SpaceReporter interface {
	FreeSpace(ctx context.Context) (*Space, error)
}

// Progress is what the daemon reports about a single torrent.
type Progress struct {
	Percent       float64
	BytesTotal    int64
	DownloadSpeed int64
	Seeders       int
	DaemonState   string
	Name          string
	PayloadPath   string
}

// IsComplete reports whether the payload is fully downloaded.
func (p *Progress) IsComplete() bool {
	return p.Percent >= 100
}

// IsErrored reports whether the daemon itself flagged the torrent as broken.
func (p *Progress) IsErrored() bool {
	state := strings.ToLower(p.DaemonState)

	return state == "error" || state == "missingfiles"
}

// Update converts the daemon report into a store update.
func (p *Progress) Update() ProgressUpdate {
	return ProgressUpdate{
		Percent:       p.Percent,
		Size:          p.BytesTotal,
		Seeders:       p.Seeders,
		DownloadSpeed: p.DownloadSpeed,
		Name:          p.Name,
		PayloadPath:   p.PayloadPath,
	}
}

// RemoteObject is the result of a successful upload.
type RemoteObject struct {
	ID      string
	Size    int64
	WebLink string
}

// Space is the capacity report of a cloud destination. Total is 0 when unlimited.
type Space struct {
	Total int64
	Used  int64
	Free  int64
}
