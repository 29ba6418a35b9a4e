// Package s3 stores payloads in an S3 compatible bucket and shares them with presigned URLs.
package s3

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/italolelis/magnetdrive/internal/cloud"
	"github.com/italolelis/magnetdrive/internal/logctx"
	"github.com/italolelis/magnetdrive/internal/payload"
	"github.com/italolelis/magnetdrive/internal/transfer"
)

const provider = "s3"

// API is the subset of the S3 client used for uploads.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Presigner signs GET requests for uploaded objects.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

type Config struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	LinkExpiry     time.Duration
}

type Uploader struct {
	api       API
	presigner Presigner
	cfg       Config
}

// NewUploader loads AWS credentials from the default chain.
func NewUploader(ctx context.Context, cfg Config) (*Uploader, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}

		o.UsePathStyle = cfg.ForcePathStyle
	})

	return NewWithClient(client, s3.NewPresignClient(client), cfg), nil
}

// NewWithClient wires an existing client, mainly for tests.
func NewWithClient(api API, presigner Presigner, cfg Config) *Uploader {
	u := &Uploader{api: api, presigner: presigner, cfg: cfg}

	if u.cfg.LinkExpiry == 0 {
		u.cfg.LinkExpiry = 7 * 24 * time.Hour
	}

	return u
}

// FreeSpace reports an unlimited bucket.
func (u *Uploader) FreeSpace(context.Context) (*transfer.Space, error) {
	return &transfer.Space{}, nil
}

func (u *Uploader) Upload(ctx context.Context, localPath, displayName, mimeType string) (*transfer.RemoteObject, error) {
	logger := logctx.LoggerFromContext(ctx).With("provider", provider, "bucket", u.cfg.Bucket)

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

	// A unique directory keeps equal display names from overwriting each other.
	key := path.Join(u.cfg.Prefix, uuid.NewString(), p.Name)

	logger.InfoContext(ctx, "uploading payload to S3", "key", key, "size", p.Size)

	_, err = u.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             aws.String(u.cfg.Bucket),
		Key:                aws.String(key),
		Body:               payload.NewProgressReader(r, p.Size, cloud.ProgressInterval, cloud.ProgressLogger(ctx, provider, p.Name)),
		ContentLength:      aws.Int64(p.Size),
		ContentType:        aws.String(p.MimeType),
		ContentDisposition: aws.String(fmt.Sprintf("attachment; filename=%q", p.Name)),
	})
	if err != nil {
		return nil, &transfer.UploadError{Provider: provider, Message: apiMessage(err), Err: err}
	}

	logger.InfoContext(ctx, "payload uploaded to S3", "key", key)

	return &transfer.RemoteObject{ID: key, Size: p.Size}, nil
}

// GenerateShareableLink presigns a GET for the object, valid for the configured expiry.
func (u *Uploader) GenerateShareableLink(ctx context.Context, remoteID string) (string, error) {
	if _, err := u.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(u.cfg.Bucket),
		Key:    aws.String(remoteID),
	}); err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: apiMessage(err), Err: err}
	}

	req, err := u.presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{Bucket: aws.String(u.cfg.Bucket), Key: aws.String(remoteID)},
		s3.WithPresignExpires(u.cfg.LinkExpiry))
	if err != nil {
		return "", &transfer.LinkError{RemoteID: remoteID, Message: err.Error(), Err: err}
	}

	return req.URL, nil
}

func apiMessage(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("%s: %s", apiErr.ErrorCode(), apiErr.ErrorMessage())
	}

	return err.Error()
}

var (
	_ transfer.CloudUploader = (*Uploader)(nil)
	_ transfer.SpaceReporter = (*Uploader)(nil)
)
