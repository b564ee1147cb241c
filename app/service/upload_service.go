package service

import (
	"context"
	"errors"
	"fmt"
	"hanbok-fusion/app/logger"
	"hanbok-fusion/app/model"
	"hanbok-fusion/app/utils/storagehelper"
	"time"

	"github.com/google/uuid"
)

// UploadedImage 上传成功后返回给客户端的图片信息
type UploadedImage struct {
	ImageURL  string    `json:"image_url"`
	PublicURL string    `json:"public_url"`
	UserID    string    `json:"user_id"`
	FilePath  string    `json:"file_path"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// UploadService 把用户照片保存到对象存储
type UploadService struct {
	storage storagehelper.ObjectStorage
	maxSize int
	log     *logger.Logger
}

// NewUploadService 创建上传服务，storage 为 nil 时上传接口返回存储错误
func NewUploadService(storage storagehelper.ObjectStorage, maxSize int, log *logger.Logger) *UploadService {
	if maxSize <= 0 {
		maxSize = 5 * 1024 * 1024
	}
	return &UploadService{
		storage: storage,
		maxSize: maxSize,
		log:     log,
	}
}

// Upload 校验并保存一张 base64 编码的图片
func (s *UploadService) Upload(ctx context.Context, ownerID, data, contentType string) (*UploadedImage, error) {
	raw, err := storagehelper.DecodeBase64Image(data, s.maxSize)
	if err != nil {
		if errors.Is(err, storagehelper.ErrImageTooLarge) {
			return nil, fmt.Errorf("%w: File size exceeds 5MB limit", model.ErrInvalidInput)
		}
		return nil, fmt.Errorf("%w: Invalid image data", model.ErrInvalidInput)
	}

	format, width, height, err := storagehelper.ValidateImage(raw)
	if err != nil {
		s.log.Warnf("上传的图片无法解码: owner=%s, 错误: %v", ownerID, err)
		return nil, fmt.Errorf("%w: Invalid image data", model.ErrInvalidInput)
	}

	if s.storage == nil {
		return nil, fmt.Errorf("%w: 对象存储未配置", model.ErrStorage)
	}

	if contentType == "" {
		contentType = storagehelper.ContentTypeFor(format)
	}
	key := fmt.Sprintf("%s/%s.%s", ownerID, uuid.NewString(), storagehelper.ExtensionFor(format, contentType))

	obj, err := s.storage.Put(ctx, key, raw, contentType)
	if err != nil {
		s.log.Errorf("上传图片失败: key=%s, 错误: %v", key, err)
		if errors.Is(err, model.ErrStorage) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", model.ErrStorage, err)
	}

	s.log.Infof("图片已上传: key=%s, %dx%d, %d 字节", key, width, height, len(raw))

	return &UploadedImage{
		ImageURL:  obj.SignedURL,
		PublicURL: obj.PublicURL,
		UserID:    ownerID,
		FilePath:  obj.Key,
		CreatedAt: time.Now(),
		ExpiresAt: obj.ExpiresAt,
	}, nil
}
