package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/jar-obfuscator/jobf-go/internal/config"
	"github.com/jar-obfuscator/jobf-go/internal/retry"
)

// S3Store S3 兼容对象存储
type S3Store struct {
	client     *minio.Client
	bucketName string
	region     string
	retry      *retry.Config
	logger     *logrus.Logger
	initOnce   sync.Once
	initErr    error
}

// NewS3Store 创建 S3 存储
func NewS3Store(cfg config.S3Config, logger *logrus.Logger) (*S3Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	access := strings.TrimSpace(cfg.AccessKey)
	secret := strings.TrimSpace(cfg.SecretKey)
	if access == "" || secret == "" {
		return nil, fmt.Errorf("s3 access key and secret key are required")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(access, secret, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("init s3 client: %w", err)
	}

	rc := retry.For("s3_put", logger, nil)
	if logger == nil {
		logger = rc.Logger
	}
	return &S3Store{
		client:     client,
		bucketName: bucket,
		region:     region,
		retry:      rc,
		logger:     logger,
	}, nil
}

// SetObserver 上报上传重试指标
func (s *S3Store) SetObserver(o retry.Observer) {
	s.retry.Observer = o
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucketName)
		if err != nil {
			s.initErr = err
			return
		}
		if exists {
			return
		}
		s.initErr = s.client.MakeBucket(ctx, s.bucketName, minio.MakeBucketOptions{Region: s.region})
	})
	return s.initErr
}

func (s *S3Store) Put(ctx context.Context, jobID, name string, content []byte) error {
	if err := validate(jobID, name); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}
	if content == nil {
		content = []byte{}
	}

	key := ObjectKey(jobID, name)
	return retry.Do(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.client.PutObject(ctx, s.bucketName, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
			ContentType: "application/java-archive",
		})
		return err
	})
}

func (s *S3Store) Get(ctx context.Context, jobID, name string) ([]byte, error) {
	if err := validate(jobID, name); err != nil {
		return nil, err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	obj, err := s.client.GetObject(ctx, s.bucketName, ObjectKey(jobID, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		errResp := minio.ToErrorResponse(err)
		if errResp.Code == "NoSuchKey" || errResp.Code == "NoSuchBucket" {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *S3Store) Delete(ctx context.Context, jobID string) error {
	if err := validate(jobID, "-"); err != nil {
		return err
	}
	if err := s.ensureBucket(ctx); err != nil {
		return fmt.Errorf("ensure bucket: %w", err)
	}

	objects := s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    strings.TrimSuffix(jobID, "/") + "/",
		Recursive: true,
	})
	for rerr := range s.client.RemoveObjects(ctx, s.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err != nil {
			s.logger.WithFields(logrus.Fields{
				"job_id": jobID,
				"key":    rerr.ObjectName,
				"error":  rerr.Err.Error(),
			}).Warn("Failed to remove object")
			return rerr.Err
		}
	}
	return nil
}
