package storage

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mbakio/mbak/pkg/models"
)

// Storage is the object-store surface the backup runner depends on. Keeping
// it this small lets tests substitute an in-memory implementation.
type Storage interface {
	Upload(ctx context.Context, key, localPath string) (int64, error)
	Download(ctx context.Context, key, localPath string) (int64, error)
	Stat(ctx context.Context, key string) (int64, error)
}

// MinioStorage implements Storage against a MinIO/S3-compatible endpoint.
type MinioStorage struct {
	client       *minio.Client
	bucket       string
	showProgress bool
}

// Config holds the connection parameters for one MinioStorage.
type Config struct {
	Endpoint     string
	Bucket       string
	UseSSL       bool
	Creds        models.Credentials
	ShowProgress bool
}

// New creates a MinIO-backed Storage. Credentials are used for signing only
// and are never logged.
func New(cfg Config) (*MinioStorage, error) {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	opts := minio.Options{
		Creds:        credentials.NewStaticV4(cfg.Creds.AccessKey, cfg.Creds.SecretKey, ""),
		Secure:       cfg.UseSSL,
		Transport:    tr,
		Region:       "auto",
		BucketLookup: minio.BucketLookupAuto,
	}

	client, err := minio.New(cfg.Endpoint, &opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}

	return &MinioStorage{
		client:       client,
		bucket:       cfg.Bucket,
		showProgress: cfg.ShowProgress,
	}, nil
}

// Upload puts the file at localPath under key and verifies the stored size
// matches the local one.
func (s *MinioStorage) Upload(ctx context.Context, key, localPath string) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	var reader io.Reader = f
	if s.showProgress {
		bar := pb.New64(fi.Size())
		bar.Set(pb.Bytes, true)
		bar.Start()
		defer bar.Finish()
		reader = bar.NewProxyReader(f)
	}

	info, err := s.client.PutObject(ctx, s.bucket, key, reader, fi.Size(), minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	if err != nil {
		return 0, describeMinioErr("upload", key, err)
	}
	if info.Size != fi.Size() {
		return 0, fmt.Errorf("uploaded size mismatch for %s: sent %d bytes, store reports %d", key, fi.Size(), info.Size)
	}
	return info.Size, nil
}

// Download fetches key into localPath. The write goes through a temp name so
// an interrupted download never looks like a complete archive.
func (s *MinioStorage) Download(ctx context.Context, key, localPath string) (int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return 0, describeMinioErr("download", key, err)
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return 0, describeMinioErr("download", key, err)
	}

	var reader io.Reader = obj
	if s.showProgress {
		bar := pb.New64(stat.Size)
		bar.Set(pb.Bytes, true)
		bar.Start()
		defer bar.Finish()
		reader = bar.NewProxyReader(obj)
	}

	tmpPath := localPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to download %s: %w", key, err)
	}
	if err := os.Rename(tmpPath, localPath); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}
	return n, nil
}

// Stat returns the stored size of key, or an error if it does not exist.
func (s *MinioStorage) Stat(ctx context.Context, key string) (int64, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return 0, describeMinioErr("stat", key, err)
	}
	return info.Size, nil
}

func describeMinioErr(op, key string, err error) error {
	if resp := minio.ToErrorResponse(err); resp.Code != "" {
		return fmt.Errorf("%s %s: %s (%s): %w", op, key, resp.Message, resp.Code, err)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
