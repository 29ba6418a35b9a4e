// Package payload prepares downloaded torrent content for upload.
package payload

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/italolelis/magnetdrive/internal/logctx"
)

const zipMIME = "application/zip"

// Payload is a single uploadable file. Directories are archived into a temporary zip
// that Close removes.
type Payload struct {
	Path     string
	Name     string
	Size     int64
	MimeType string

	archive bool
}

// Open stats localPath and prepares it for upload. An empty mimeType is detected from content.
func Open(ctx context.Context, localPath, displayName, mimeType string) (*Payload, error) {
	logger := logctx.LoggerFromContext(ctx).With("path", localPath)

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat payload: %w", err)
	}

	if displayName == "" {
		displayName = filepath.Base(localPath)
	}

	if info.IsDir() {
		logger.DebugContext(ctx, "archiving payload directory")

		return archive(ctx, localPath, displayName)
	}

	p := &Payload{Path: localPath, Name: displayName, Size: info.Size(), MimeType: mimeType}

	if p.MimeType == "" {
		mt, err := mimetype.DetectFile(localPath)
		if err != nil {
			return nil, fmt.Errorf("failed to detect payload type: %w", err)
		}

		p.MimeType = mt.String()
	}

	return p, nil
}

// Reader opens the payload for streaming.
func (p *Payload) Reader() (io.ReadCloser, error) {
	return os.Open(p.Path)
}

// Close removes the temporary archive, if any. The downloaded content is never touched.
func (p *Payload) Close() error {
	if !p.archive {
		return nil
	}

	return os.Remove(p.Path)
}

func archive(ctx context.Context, dir, displayName string) (*Payload, error) {
	tmp, err := os.CreateTemp("", "magnetdrive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("failed to create archive: %w", err)
	}

	fail := func(err error) (*Payload, error) {
		tmp.Close()
		os.Remove(tmp.Name())

		return nil, err
	}

	zw := zip.NewWriter(tmp)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		return addFile(zw, path, filepath.ToSlash(rel))
	})
	if err != nil {
		return fail(fmt.Errorf("failed to archive %s: %w", dir, err))
	}

	if err := zw.Close(); err != nil {
		return fail(fmt.Errorf("failed to finish archive: %w", err))
	}

	info, err := tmp.Stat()
	if err != nil {
		return fail(fmt.Errorf("failed to stat archive: %w", err))
	}

	if err := tmp.Close(); err != nil {
		return fail(fmt.Errorf("failed to close archive: %w", err))
	}

	name := displayName
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		name += ".zip"
	}

	return &Payload{Path: tmp.Name(), Name: name, Size: info.Size(), MimeType: zipMIME, archive: true}, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}

	header.Name = name
	// Media is already compressed.
	header.Method = zip.Store

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	_, err = io.Copy(w, f)

	return err
}
