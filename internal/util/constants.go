package util

const (
	StorageLocal = "local"
	StorageMinio = "minio"
	StorageOSS   = "oss"
)

const (
	MimeImage = "image/"
)

// 上传限制
const (
	MaxImageSize      = 10 << 20
	MaxMultipartBytes = 64 << 20
)

var AllowedImageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}
