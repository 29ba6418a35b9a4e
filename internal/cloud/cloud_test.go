package cloud_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/magnetdrive/internal/cloud"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type spaceFunc func(ctx context.Context) (*transfer.Space, error)

func (f spaceFunc) FreeSpace(ctx context.Context) (*transfer.Space, error) { return f(ctx) }

func fixedSpace(total, free int64) spaceFunc {
	return func(context.Context) (*transfer.Space, error) {
		return &transfer.Space{Total: total, Used: total - free, Free: free}, nil
	}
}

func TestEnsureSpace(t *testing.T) {
	tests := []struct {
		name     string
		reporter spaceFunc
		required int64
		check    func(t *testing.T, err error)
	}{
		{
			name:     "fits",
			reporter: fixedSpace(1000, 500),
			required: 500,
			check:    func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:     "unlimited",
			reporter: fixedSpace(0, 0),
			required: 1 << 40,
			check:    func(t *testing.T, err error) { assert.NoError(t, err) },
		},
		{
			name:     "too big",
			reporter: fixedSpace(1000, 10),
			required: 11,
			check: func(t *testing.T, err error) {
				var spaceErr *transfer.InsufficientSpaceError
				require.ErrorAs(t, err, &spaceErr)
				assert.Equal(t, int64(11), spaceErr.Required)
				assert.Equal(t, int64(10), spaceErr.Available)
			},
		},
		{
			name: "report fails",
			reporter: func(context.Context) (*transfer.Space, error) {
				return nil, errors.New("quota endpoint down")
			},
			check: func(t *testing.T, err error) {
				var uploadErr *transfer.UploadError
				require.ErrorAs(t, err, &uploadErr)
				assert.Equal(t, "test", uploadErr.Provider)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, cloud.EnsureSpace(context.Background(), "test", tt.reporter, tt.required))
		})
	}
}

func TestPrepare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o600))

	p, err := cloud.Prepare(context.Background(), "test", fixedSpace(1000, 100), path, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(64), p.Size)
	require.NoError(t, p.Close())

	_, err = cloud.Prepare(context.Background(), "test", fixedSpace(1000, 10), path, "", "")

	var spaceErr *transfer.InsufficientSpaceError
	assert.ErrorAs(t, err, &spaceErr)

	_, err = cloud.Prepare(context.Background(), "test", fixedSpace(1000, 100), filepath.Join(t.TempDir(), "missing"), "", "")

	var uploadErr *transfer.UploadError
	assert.ErrorAs(t, err, &uploadErr)
}
