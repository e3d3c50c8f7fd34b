package teledrive

import (
	"mime"
	"path/filepath"
	"strings"
)

type TypeBucket string

const (
	BucketPhoto    TypeBucket = "photo"
	BucketVideo    TypeBucket = "video"
	BucketAudio    TypeBucket = "audio"
	BucketDocument TypeBucket = "document"
)

// knownTypes pins the types the platform's clients rely on; the OS table
// varies between hosts for several of these.
var knownTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".avi":  "video/x-msvideo",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".ppt":  "application/vnd.ms-powerpoint",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".zip":  "application/zip",
	".rar":  "application/x-rar-compressed",
	".7z":   "application/x-7z-compressed",
	".txt":  "text/plain",
	".md":   "text/markdown",
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".json": "application/json",
	".xml":  "application/xml",
	".exe":  DefaultMimeType,
}

// DetectMimeType maps a file name to a media type, falling back to octet-stream.
func DetectMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return DefaultMimeType
	}
	if known, ok := knownTypes[ext]; ok {
		return known
	}
	if byExt := mime.TypeByExtension(ext); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
		return byExt
	}
	return DefaultMimeType
}

// BucketFor places a media type into one of the coarse stats buckets.
func BucketFor(mimeType string) TypeBucket {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return BucketPhoto
	case strings.HasPrefix(mimeType, "video/"):
		return BucketVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return BucketAudio
	default:
		return BucketDocument
	}
}
