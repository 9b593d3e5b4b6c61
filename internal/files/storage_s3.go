package files

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"filestore/internal/logging"
)

// S3Object is the part of *minio.Object the archive reads.
type S3Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// S3Client is the part of *minio.Client the archive uses.
type S3Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	StatObject(ctx context.Context, bucket, key string, opts minio.StatObjectOptions) (minio.ObjectInfo, error)
}

// minioClient adapts *minio.Client to S3Client.
type minioClient struct {
	*minio.Client
}

func (c minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (S3Object, error) {
	return c.Client.GetObject(ctx, bucket, key, opts)
}

// S3Config holds configuration for an S3-compatible archive (S3, B2, MinIO).
type S3Config struct {
	Endpoint string // host[:port], no scheme
	Insecure bool   // plain HTTP, for local MinIO
	KeyID    string
	AppKey   string
	Bucket   string
	Prefix   string // optional folder for all manifests
}

// S3Archive implements Archive on an S3-compatible bucket.
type S3Archive struct {
	client S3Client
	bucket string
	prefix string
}

// NewS3Archive connects to the configured bucket.
func NewS3Archive(cfg S3Config) (*S3Archive, error) {
	logging.Archive.Printf("initializing archive (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, cfg.Endpoint)

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: !cfg.Insecure,
	})
	if err != nil {
		logging.Archive.Printf("failed to create client: %v", err)
		return nil, err
	}
	return NewS3ArchiveWithClient(minioClient{client}, cfg.Bucket, cfg.Prefix), nil
}

// NewS3ArchiveWithClient creates an archive on top of an existing client.
func NewS3ArchiveWithClient(client S3Client, bucket, prefix string) *S3Archive {
	return &S3Archive{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
	}
}

func (a *S3Archive) key(code string) string {
	if a.prefix == "" {
		return code + ".json"
	}
	return path.Join(a.prefix, code+".json")
}

func (a *S3Archive) Put(ctx context.Context, m *Manifest) error {
	if !ValidCode(m.Code) {
		return ErrInvalidCode
	}
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}

	key := a.key(m.Code)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.Archive.Printf("upload failed for %s: %v", key, err)
		return err
	}
	return nil
}

func (a *S3Archive) Load(ctx context.Context, code string) (*Manifest, error) {
	if !ValidCode(code) {
		return nil, ErrInvalidCode
	}
	key := a.key(code)

	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		logging.Archive.Printf("failed to get object %s: %v", key, err)
		return nil, err
	}
	defer obj.Close()

	// GetObject is lazy; Stat surfaces a missing key
	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, err
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, err
	}
	return decodeManifest(data)
}

// Delete removes the manifest for code. S3 deletes are idempotent, so a
// missing key is detected with a stat first.
func (a *S3Archive) Delete(ctx context.Context, code string) error {
	if !ValidCode(code) {
		return ErrInvalidCode
	}
	key := a.key(code)

	if _, err := a.client.StatObject(ctx, a.bucket, key, minio.StatObjectOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		return err
	}
	if err := a.client.RemoveObject(ctx, a.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		logging.Archive.Printf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}
