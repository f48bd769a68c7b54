package mediapath

import (
	"mime"
)

// Kind 描述媒体类型，决定解析器采用的抓取策略。
type Kind int

const (
	KindOther Kind = iota
	KindImage
	KindVideo
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindVideo:
		return "video"
	case KindDocument:
		return "document"
	default:
		return "other"
	}
}

var kindByExt = map[string]Kind{
	".jpg":  KindImage,
	".jpeg": KindImage,
	".png":  KindImage,
	".gif":  KindImage,
	".webp": KindImage,
	".heic": KindImage,
	".heif": KindImage,
	".avif": KindImage,
	".bmp":  KindImage,
	".tif":  KindImage,
	".tiff": KindImage,
	".mp4":  KindVideo,
	".m4v":  KindVideo,
	".mov":  KindVideo,
	".mkv":  KindVideo,
	".webm": KindVideo,
	".avi":  KindVideo,
	".3gp":  KindVideo,
	".pdf":  KindDocument,
	".txt":  KindDocument,
	".md":   KindDocument,
}

// Classify 根据扩展名（大小写不敏感）判断媒体类型。
func Classify(key string) Kind {
	if kind, ok := kindByExt[Ext(key)]; ok {
		return kind
	}
	return KindOther
}

// ContentType 根据扩展名推断 MIME，远端未返回 Content-Type 时使用。
func ContentType(key string) string {
	ext := Ext(key)
	if ext == "" {
		return ""
	}
	switch ext {
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".mov":
		return "video/quicktime"
	case ".webp":
		return "image/webp"
	}
	return mime.TypeByExtension(ext)
}
