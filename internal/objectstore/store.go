package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/BaSui01/meshforge/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// =============================================================================
// 🪣 对象存储（MinIO / S3）
// =============================================================================

// DefaultPresignExpiry 预签名 URL 默认有效期
const DefaultPresignExpiry = time.Hour

// Validate 校验对象存储配置
func Validate(cfg config.StorageConfig) error {
	var errs []error
	if strings.TrimSpace(cfg.Endpoint) == "" {
		errs = append(errs, errors.New("storage endpoint is required"))
	} else if strings.Contains(cfg.Endpoint, "://") {
		errs = append(errs, errors.New("storage endpoint must be host:port without scheme"))
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		errs = append(errs, errors.New("storage bucket is required"))
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		errs = append(errs, errors.New("storage access key and secret key are required"))
	}
	return errors.Join(errs...)
}

// Store 将归一化视图上传到存储桶，并返回预签名 GET URL
type Store struct {
	client *minio.Client
	bucket string
	region string
	expiry time.Duration
	logger *zap.Logger
}

// New 创建对象存储客户端（不会发起网络请求）
func New(cfg config.StorageConfig, logger *zap.Logger) (*Store, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	expiry := cfg.PresignExpiry
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}

	return &Store{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		expiry: expiry,
		logger: logger.With(zap.String("component", "objectstore"), zap.String("bucket", cfg.Bucket)),
	}, nil
}

// Bucket 返回存储桶名称
func (s *Store) Bucket() string { return s.bucket }

// EnsureBucket 存储桶不存在时创建
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	s.logger.Info("bucket created")
	return nil
}

// CheckBucket 就绪检查：存储桶必须存在
func (s *Store) CheckBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		return fmt.Errorf("bucket missing: %s", s.bucket)
	}
	return nil
}

// PutImage 上传图像并返回预签名 GET URL
func (s *Store) PutImage(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}

	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.expiry, nil)
	if err != nil {
		return "", fmt.Errorf("presign object %s: %w", key, err)
	}
	s.logger.Debug("image uploaded", zap.String("key", key), zap.Int("bytes", len(data)))
	return u.String(), nil
}

// Delete 删除对象
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
