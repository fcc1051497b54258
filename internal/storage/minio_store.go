package storage

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"dropmesh/internal/apperrors"
	"dropmesh/internal/config"
)

// MinioStore implements ObjectStore against any S3-compatible endpoint via
// minio-go: a NewX(cfg, logger) error-returning constructor that logs once
// at startup, wrapping a thin client around an external gateway.
type MinioStore struct {
	client *minio.Client
	bucket string
	logger *logrus.Logger
}

// NewMinioStore wires a MinioStore from the Storage section of Config.
func NewMinioStore(cfg *config.Config, logger *logrus.Logger) (*MinioStore, error) {
	client, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Storage.AccessKeyID, cfg.Storage.SecretAccessKey, ""),
		Secure: cfg.Storage.UseSSL,
		Region: cfg.Storage.Region,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInternal, "construct minio client", err)
	}
	logger.Infof("storage: object gateway %s bucket %s", cfg.Storage.Endpoint, cfg.Storage.Bucket)
	return &MinioStore{client: client, bucket: cfg.Storage.Bucket, logger: logger}, nil
}

func (m *MinioStore) PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, map[string]string, error) {
	u, err := m.client.PresignedPutObject(ctx, m.bucket, key, ttl)
	if err != nil {
		return "", nil, apperrors.Wrap(apperrors.CodeUnavailable, "presign put", err)
	}
	headers := map[string]string{}
	if contentType != "" {
		headers["Content-Type"] = contentType
	}
	// minio-go's presigned PUT cannot embed a signed content-length-range
	// constraint the way a POST policy can. Gateway.FinalizeUpload's HEAD
	// check compares the stored size only with the size its caller reports
	// (and skips that comparison when the reported size is negative); the
	// size declared at issue_upload time is not compared.
	return u.String(), headers, nil
}

func (m *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	reqParams := url.Values{}
	reqParams.Set("response-content-disposition", `attachment; filename="`+filename+`"`)
	u, err := m.client.PresignedGetObject(ctx, m.bucket, key, ttl, reqParams)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeUnavailable, "presign get", err)
	}
	return u.String(), nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, int64, error) {
	info, err := m.client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, 0, nil
		}
		return false, 0, apperrors.Wrap(apperrors.CodeUnavailable, "stat object", err)
	}
	return true, info.Size, nil
}

func (m *MinioStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil
		}
		return apperrors.Wrap(apperrors.CodeUnavailable, "delete object", err)
	}
	return nil
}
