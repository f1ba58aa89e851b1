// internal/archive/s3.go
// Package archive exports registry snapshots to S3-compatible object storage.
// Each export is a JSON document of every table plus a presigned download URL.
package archive

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RegistryAccord/registryaccord-iot-go/internal/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

// DefaultURLExpiry is how long a presigned snapshot download stays valid.
const DefaultURLExpiry = 15 * time.Minute

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type getPresigner interface {
	PresignGetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Exporter writes snapshots to a bucket.
type S3Exporter struct {
	client    objectPutter // AWS S3 client
	presigner getPresigner // Presign client for download URLs
	bucket    string       // S3 bucket name for snapshots
	expiry    time.Duration
}

// NewS3Exporter creates an exporter for AWS S3 or an S3-compatible service like MinIO.
// An empty endpoint uses the AWS default resolver.
func NewS3Exporter(ctx context.Context, endpoint, region, bucket, accessKey, secretKey string) (*S3Exporter, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if endpoint != "" {
		opts = append(opts, config.WithBaseEndpoint(endpoint))
	}
	if accessKey != "" {
		// Configure static credentials
		opts = append(opts, config.WithCredentialsProvider(aws.CredentialsProviderFunc(
			func(ctx context.Context) (aws.Credentials, error) {
				return aws.Credentials{
					AccessKeyID:     accessKey,
					SecretAccessKey: secretKey,
				}, nil
			})))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Path-style addressing for MinIO and other S3-compatible services
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Exporter{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		expiry:    DefaultURLExpiry,
	}, nil
}

// Export uploads snap and returns its object key with a presigned download URL.
func (e *S3Exporter) Export(ctx context.Context, snap *model.Snapshot) (*model.SnapshotExport, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	now := time.Now().UTC()
	entropy := ulid.Monotonic(rand.Reader, 0)
	key := fmt.Sprintf("snapshots/%s/%020d-%s.json", now.Format("2006-01-02"), snap.Height,
		ulid.MustNew(ulid.Timestamp(now), entropy).String())

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"ledger-height": fmt.Sprintf("%d", snap.Height),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upload snapshot: %w", err)
	}

	req, err := e.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = e.expiry
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return &model.SnapshotExport{Key: key, DownloadURL: req.URL, Height: snap.Height}, nil
}
