package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"docforge/api/internal/util"
)

// MinioStore keeps artifacts in an object storage bucket so downloads
// survive process restarts. Ownership and format travel as object metadata.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioConfig carries the connection settings for the artifact bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to object store: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, artifact Artifact) (string, error) {
	guid := util.NewID("pxy")

	_, err := s.client.PutObject(ctx, s.bucket, guid, bytes.NewReader(artifact.Content), int64(len(artifact.Content)), minio.PutObjectOptions{
		ContentType: artifact.MimeType,
		UserMetadata: map[string]string{
			"docforge-group":    artifact.Group,
			"docforge-format":   artifact.Format,
			"docforge-filename": artifact.Filename,
		},
	})
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return guid, nil
}

func (s *MinioStore) Get(ctx context.Context, guid, callerGroup string) (Artifact, error) {
	stat, err := s.client.StatObject(ctx, s.bucket, guid, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}

	// Ownership check before the body is fetched.
	if stat.UserMetadata["Docforge-Group"] != callerGroup {
		return Artifact{}, ErrNotFound
	}

	obj, err := s.client.GetObject(ctx, s.bucket, guid, minio.GetObjectOptions{})
	if err != nil {
		return Artifact{}, fmt.Errorf("fetch artifact: %w", err)
	}
	defer obj.Close()

	content, err := io.ReadAll(obj)
	if err != nil {
		return Artifact{}, fmt.Errorf("read artifact: %w", err)
	}

	return Artifact{
		GUID:      guid,
		Group:     callerGroup,
		Format:    stat.UserMetadata["Docforge-Format"],
		MimeType:  stat.ContentType,
		Filename:  stat.UserMetadata["Docforge-Filename"],
		Content:   content,
		CreatedAt: stat.LastModified.UTC(),
	}, nil
}
