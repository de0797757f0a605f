package storage

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/1ureka/qrdrop/internal/protocol"
	"github.com/1ureka/qrdrop/internal/util"
)

var tracer = otel.Tracer("qrdrop-storage")

// MinioSink uploads received files to an S3-compatible bucket. Each file is
// stored under a fresh prefix so uploads never replace each other.
type MinioSink struct {
	client     *minio.Client
	bucketName string
}

// NewMinioSink connects to endpoint and creates the bucket if missing.
func NewMinioSink(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool) (*MinioSink, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		util.LogInfo("creating bucket %s", bucketName)
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioSink{client: client, bucketName: bucketName}, nil
}

// ObjectKey returns the key a file named name is stored under.
func ObjectKey(id, name string) string {
	return path.Join("received", id, SafeName(name))
}

func (m *MinioSink) Materialize(ctx context.Context, meta protocol.FileMeta, r io.Reader, size int64) (string, error) {
	key := ObjectKey(uuid.NewString(), meta.Name)

	ctx, span := tracer.Start(ctx, "minio.put_file",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int64("size_bytes", size),
		),
	)
	defer span.End()

	contentType := meta.Type
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := m.client.PutObject(ctx, m.bucketName, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}

	span.SetAttributes(attribute.String("etag", info.ETag))
	location := fmt.Sprintf("minio://%s/%s", m.bucketName, key)
	util.LogInfo("uploaded %s", location)
	return location, nil
}
