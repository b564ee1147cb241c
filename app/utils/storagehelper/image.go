package storagehelper

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

var (
	ErrEmptyImage    = errors.New("empty image data")
	ErrImageTooLarge = errors.New("image too large")
)

// DecodeBase64Image 解码 base64 图片，兼容 data URL 前缀
func DecodeBase64Image(data string, maxSize int) ([]byte, error) {
	if idx := strings.Index(data, "base64,"); idx >= 0 {
		data = data[idx+len("base64,"):]
	}
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, ErrEmptyImage
	}

	// 粗略估算解码后大小，避免为超大请求分配内存
	if maxSize > 0 && base64.StdEncoding.DecodedLen(len(data)) > maxSize+2 {
		return nil, fmt.Errorf("%w: 超过 %d 字节", ErrImageTooLarge, maxSize)
	}

	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("无效的 base64 数据: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyImage
	}
	if maxSize > 0 && len(raw) > maxSize {
		return nil, fmt.Errorf("%w: 超过 %d 字节", ErrImageTooLarge, maxSize)
	}
	return raw, nil
}

// ValidateImage 确认数据是可解码的图片，返回图片格式和尺寸
func ValidateImage(raw []byte) (format string, width, height int, err error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return "", 0, 0, fmt.Errorf("无法识别的图片格式: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(raw))
	if err != nil {
		return "", 0, 0, fmt.Errorf("图片解码失败: %w", err)
	}
	if img.Bounds().Empty() {
		return "", 0, 0, errors.New("图片尺寸为空")
	}

	return format, cfg.Width, cfg.Height, nil
}

// ExtensionFor 根据图片格式或 Content-Type 选择文件扩展名
func ExtensionFor(format, contentType string) string {
	switch strings.ToLower(format) {
	case "jpeg":
		return "jpg"
	case "png", "gif", "webp":
		return strings.ToLower(format)
	}

	switch strings.ToLower(contentType) {
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "jpg"
}

// ContentTypeFor 图片格式对应的 Content-Type
func ContentTypeFor(format string) string {
	switch strings.ToLower(format) {
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
