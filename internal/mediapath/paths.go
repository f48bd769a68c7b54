package mediapath

import (
	"strings"
)

const (
	// ThumbnailDir 是缩略图所在的虚拟目录名。
	ThumbnailDir = "THUMBS"
	// ThumbnailExt 是缩略图统一的扩展名。
	ThumbnailExt = ".webp"
	// CompressedDir 是压缩代理文件所在的虚拟目录名。
	CompressedDir = "COMPRESSED"

	fallbackName = "_"
)

// compressedExts 按解码速度从快到慢排列，解析时依次探测。
var compressedExts = []string{".mp4", ".webm"}

// Set 是某个逻辑 key 派生出的虚拟路径集合，不落盘。
type Set struct {
	Thumbnail  string
	Compressed []string
}

// Derive 一次性计算缩略图路径与压缩候选列表。
func Derive(key string) Set {
	return Set{
		Thumbnail:  ThumbnailPath(key),
		Compressed: CompressedCandidates(key),
	}
}

// ThumbnailPath 在文件名前插入 THUMBS/ 目录，去掉原扩展名并追加 .webp。
//
//	"2024/trip/IMG_1.JPG" -> "2024/trip/THUMBS/IMG_1.webp"
//	"IMG_1.jpg"           -> "THUMBS/IMG_1.webp"
func ThumbnailPath(key string) string {
	dir, stem := split(key)
	return dir + ThumbnailDir + "/" + stem + ThumbnailExt
}

// CompressedCandidates 返回压缩代理的候选路径，顺序固定。
func CompressedCandidates(key string) []string {
	dir, stem := split(key)
	out := make([]string, 0, len(compressedExts))
	for _, ext := range compressedExts {
		out = append(out, dir+CompressedDir+"/"+stem+ext)
	}
	return out
}

// split 将 key 拆为目录前缀（含结尾 /）与去掉扩展名的文件名。
func split(key string) (dir, stem string) {
	dir, name := splitName(key)
	if name == "" {
		return dir, fallbackName
	}
	return dir, trimExt(name)
}

// trimExt 去掉最后一个扩展名；以点开头且无其它点的文件名（.hidden）原样保留。
func trimExt(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name
	}
	return name[:idx]
}

// Ext 返回小写扩展名（含点），没有扩展名时返回空串。
func Ext(key string) string {
	_, name := splitName(key)
	idx := strings.LastIndex(name, ".")
	if idx <= 0 || idx == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[idx:])
}

func splitName(key string) (string, string) {
	trimmed := strings.TrimRight(key, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[:idx+1], trimmed[idx+1:]
	}
	return "", trimmed
}
