package storagehelper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/model"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStorage 对象存储
type ObjectStorage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (*StoredObject, error)
}

// StoredObject 已上传的对象
type StoredObject struct {
	Key       string
	SignedURL string
	PublicURL string
	ExpiresAt time.Time
}

// S3Config S3 兼容存储的连接参数
type S3Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string
	SignedURLExpire time.Duration
}

// S3Storage 基于 S3 协议的对象存储，兼容 R2/MinIO/Supabase Storage
type S3Storage struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	publicURL string
	expire    time.Duration
}

// NewS3Storage 创建 S3 存储客户端
func NewS3Storage(ctx context.Context, cfg S3Config) (*S3Storage, error) {
	if cfg.Endpoint == "" || cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" || cfg.Bucket == "" {
		return nil, errors.New("对象存储配置不完整")
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	expire := cfg.SignedURLExpire
	if expire <= 0 {
		expire = 24 * time.Hour
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("加载存储配置失败: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.UsePathStyle = true
	})

	publicURL := cfg.PublicBaseURL
	if publicURL == "" {
		publicURL = strings.TrimRight(cfg.Endpoint, "/") + "/" + cfg.Bucket
	}

	return &S3Storage{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(publicURL, "/"),
		expire:    expire,
	}, nil
}

// Put 上传对象并生成签名下载链接
func (s *S3Storage) Put(ctx context.Context, key string, data []byte, contentType string) (*StoredObject, error) {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("%w: 上传对象失败: %w", model.ErrStorage, err)
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = s.expire
	})
	if err != nil {
		return nil, fmt.Errorf("%w: 生成签名链接失败: %w", model.ErrStorage, err)
	}

	return &StoredObject{
		Key:       key,
		SignedURL: req.URL,
		PublicURL: s.PublicURL(key),
		ExpiresAt: time.Now().Add(s.expire),
	}, nil
}

// PublicURL 对象的公开访问地址
func (s *S3Storage) PublicURL(key string) string {
	return s.publicURL + "/" + strings.TrimLeft(key, "/")
}
