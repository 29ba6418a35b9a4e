package s3_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	s3cloud "github.com/italolelis/magnetdrive/internal/cloud/s3"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

type fakeS3 struct {
	objects map[string][]byte
	types   map[string]string
	putErr  error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}

	b, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}

	if f.objects == nil {
		f.objects = make(map[string][]byte)
		f.types = make(map[string]string)
	}

	f.objects[*in.Key] = b
	f.types[*in.Key] = *in.ContentType

	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "Not Found"}
	}

	return &s3.HeadObjectOutput{}, nil
}

type fakePresigner struct {
	expires time.Duration
}

func (p *fakePresigner) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var opts s3.PresignOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	p.expires = opts.Expires

	return &v4.PresignedHTTPRequest{URL: "https://bucket.example/" + *in.Key + "?X-Amz-Signature=sig"}, nil
}

func writePayload(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	return path
}

func TestUploadAndLink(t *testing.T) {
	api := &fakeS3{}
	presigner := &fakePresigner{}
	u := s3cloud.NewWithClient(api, presigner, s3cloud.Config{Bucket: "media", Prefix: "shared", LinkExpiry: time.Hour})

	obj, err := u.Upload(context.Background(), writePayload(t), "Movie.mkv", "video/x-matroska")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(obj.ID, "shared/"))
	assert.True(t, strings.HasSuffix(obj.ID, "/Movie.mkv"))
	assert.Equal(t, int64(7), obj.Size)
	assert.Equal(t, []byte("payload"), api.objects[obj.ID])
	assert.Equal(t, "video/x-matroska", api.types[obj.ID])

	link, err := u.GenerateShareableLink(context.Background(), obj.ID)
	require.NoError(t, err)
	assert.Contains(t, link, obj.ID)
	assert.Equal(t, time.Hour, presigner.expires)
}

func TestUpload_SameNameGetsDistinctKeys(t *testing.T) {
	u := s3cloud.NewWithClient(&fakeS3{}, &fakePresigner{}, s3cloud.Config{Bucket: "media"})
	path := writePayload(t)

	a, err := u.Upload(context.Background(), path, "", "")
	require.NoError(t, err)

	b, err := u.Upload(context.Background(), path, "", "")
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
}

func TestUpload_APIError(t *testing.T) {
	u := s3cloud.NewWithClient(&fakeS3{putErr: &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}},
		&fakePresigner{}, s3cloud.Config{Bucket: "media"})

	_, err := u.Upload(context.Background(), writePayload(t), "", "")

	var uploadErr *transfer.UploadError
	require.ErrorAs(t, err, &uploadErr)
	assert.Equal(t, "AccessDenied: Access Denied", uploadErr.Message)
}

func TestGenerateShareableLink_MissingObject(t *testing.T) {
	u := s3cloud.NewWithClient(&fakeS3{}, &fakePresigner{}, s3cloud.Config{Bucket: "media"})

	_, err := u.GenerateShareableLink(context.Background(), "nope")

	var linkErr *transfer.LinkError
	require.ErrorAs(t, err, &linkErr)
	assert.True(t, errors.As(err, new(smithy.APIError)))
}

func TestNewUploader_RequiresBucket(t *testing.T) {
	_, err := s3cloud.NewUploader(context.Background(), s3cloud.Config{})
	assert.Error(t, err)
}
