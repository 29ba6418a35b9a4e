package linkgen_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/magnetdrive/internal/cloud/linkgen"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type stubUploader struct {
	shared  []string
	linkErr error
}

func (s *stubUploader) Upload(context.Context, string, string, string) (*transfer.RemoteObject, error) {
	return &transfer.RemoteObject{ID: "file-1"}, nil
}

func (s *stubUploader) GenerateShareableLink(_ context.Context, remoteID string) (string, error) {
	if s.linkErr != nil {
		return "", s.linkErr
	}

	s.shared = append(s.shared, remoteID)

	return "https://drive.example/" + remoteID, nil
}

func TestGenerateShareableLink(t *testing.T) {
	var got map[string]string

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		_ = json.NewDecoder(r.Body).Decode(&got)

		_ = json.NewEncoder(w).Encode(map[string]string{"directLink": "https://dl.example/file-1"})
	}))
	defer ts.Close()

	next := &stubUploader{}
	u := linkgen.New(next, ts.URL)

	link, err := u.GenerateShareableLink(context.Background(), "file-1")
	require.NoError(t, err)

	assert.Equal(t, "https://dl.example/file-1", link)
	assert.Equal(t, "file-1", got["fileId"])
	assert.Equal(t, []string{"file-1"}, next.shared, "object is shared before asking for a link")
}

func TestGenerateShareableLink_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non 200",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "worker exploded", http.StatusBadGateway)
			},
		},
		{
			name: "empty link",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "file not public"})
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("<html>"))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, err := linkgen.New(&stubUploader{}, ts.URL).GenerateShareableLink(context.Background(), "file-1")

			var linkErr *transfer.LinkError
			require.ErrorAs(t, err, &linkErr)
			assert.Equal(t, "file-1", linkErr.RemoteID)
		})
	}
}

func TestGenerateShareableLink_SharingFails(t *testing.T) {
	called := false

	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	defer ts.Close()

	shareErr := &transfer.LinkError{RemoteID: "file-1", Message: "permission denied"}
	_, err := linkgen.New(&stubUploader{linkErr: shareErr}, ts.URL).GenerateShareableLink(context.Background(), "file-1")

	assert.True(t, errors.Is(err, shareErr))
	assert.False(t, called)
}

func TestFreeSpace_UnlimitedWhenNextDoesNotReport(t *testing.T) {
	space, err := linkgen.New(&stubUploader{}, "http://unused").FreeSpace(context.Background())
	require.NoError(t, err)
	assert.Zero(t, space.Total)
}
