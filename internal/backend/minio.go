package backend

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"relay/sync/internal/util"
)

// MinioObjects implements ObjectStore against an S3-compatible bucket.
type MinioObjects struct {
	client *minio.Client
	bucket string
}

func NewMinioObjects(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioObjects, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &MinioObjects{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the attachment bucket if it does not exist yet.
func (o *MinioObjects) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

func (o *MinioObjects) UploadAttachment(ctx context.Context, scope, name, contentType string, data []byte) (string, error) {
	key := scope + "/" + util.ShortKey() + "-" + objectSafeName(name)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := o.client.PutObject(ctx, o.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload attachment: %w", err)
	}
	return o.client.EndpointURL().String() + "/" + o.bucket + "/" + key, nil
}

// objectSafeName keeps object keys flat and portable.
func objectSafeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "attachment"
	}
	var b strings.Builder
	for _, ch := range name {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			b.WriteRune(ch)
		case ch == '.' || ch == '-' || ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
