// Package remote adapts the gallery's object store to the narrow read-only
// contract the resolver needs: existence probes, size lookups, full fetches and
// time-limited streaming URLs. Two backends are provided: an S3-compatible one
// built on minio-go and a plain HTTP gateway one.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
)

// UnknownSize 是 SizeOf 无法确定大小时的返回值。
const UnknownSize int64 = -1

// Reader 是解析器消费的远端对象读取契约。
type Reader interface {
	// Exists 探测对象是否存在；不存在返回 (false, nil)，只有传输错误才返回 error。
	Exists(ctx context.Context, path string) (bool, error)
	// SizeOf 返回对象字节数，未知时返回 UnknownSize；对象不存在时返回 ErrNotFound。
	SizeOf(ctx context.Context, path string) (int64, error)
	// FetchBytes 下载完整对象；不存在返回 ErrNotFound，鉴权/网络失败返回 *TransportError。
	FetchBytes(ctx context.Context, path string) (*Payload, error)
	// AuthenticatedURL 返回可直接流式播放的限时地址。
	AuthenticatedURL(ctx context.Context, path string) (*url.URL, error)
}

// Payload 是一次完整下载的结果。
type Payload struct {
	Data        []byte
	ContentType string
}

// ErrNotFound 表示远端不存在该对象，对虚拟路径而言属于预期情况。
var ErrNotFound = errors.New("remote object not found")

// TransportError 描述必需抓取过程中的网络或鉴权失败。
type TransportError struct {
	Op   string
	Path string
	// Status 为 HTTP 状态码，未知时为 0。
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s %s: status %d: %v", e.Op, e.Path, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport 报告 err 是否为传输类错误。
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
