package cache

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	metaSuffix = ".meta"

	fieldCreated    = "created"
	fieldLastAccess = "last-accessed"
	fieldOriginal   = "original-key"
	fieldMimeType   = "mime-type"
)

// Metadata 是 sidecar 文件中保存的条目属性。
type Metadata struct {
	Created     time.Time
	LastAccess  time.Time
	OriginalKey string
	ContentType string
}

// metaStore 读写与正文同目录的 <handle>.meta 文件。
// 每个 handle 独占一个文件，不同条目之间的 write/touch 天然互不干扰。
// 时间戳按毫秒落盘，同一毫秒内的先后由正文文件的纳秒 mtime 区分。
type metaStore struct {
	dir string
}

func (m metaStore) path(handle string) string {
	return filepath.Join(m.dir, handle+metaSuffix)
}

// write 创建或覆盖 sidecar，created 与 last-accessed 均为 at。
func (m metaStore) write(handle, key, contentType string, at time.Time) error {
	return m.store(handle, Metadata{
		Created:     at,
		LastAccess:  at,
		OriginalKey: key,
		ContentType: contentType,
	})
}

// touch 只刷新 last-accessed 并返回刷新后的内容；sidecar 缺失或损坏时返回 false，不视为错误。
func (m metaStore) touch(handle string, at time.Time) (Metadata, bool, error) {
	meta, ok := m.read(handle)
	if !ok {
		return Metadata{}, false, nil
	}
	meta.LastAccess = at
	if err := m.store(handle, meta); err != nil {
		return meta, true, err
	}
	return meta, true, nil
}

// read 返回 sidecar 内容；文件不存在或无法解析时返回 false。
func (m metaStore) read(handle string) (Metadata, bool) {
	raw, err := os.ReadFile(m.path(handle))
	if err != nil {
		return Metadata{}, false
	}
	meta, err := parseMetadata(raw)
	if err != nil {
		return Metadata{}, false
	}
	return meta, true
}

func (m metaStore) remove(handle string) error {
	if err := os.Remove(m.path(handle)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// store 通过临时文件 + rename 写入，读者永远看不到半截内容。
func (m metaStore) store(handle string, meta Metadata) error {
	tmp, err := m.stage(meta)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, m.path(handle)); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// stage 把 sidecar 写入临时文件并返回其路径，由调用方决定何时 rename。
func (m metaStore) stage(meta Metadata) (string, error) {
	tmp, err := os.CreateTemp(m.dir, tempPrefix+"*")
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	_, err = tmp.Write(encodeMetadata(meta))
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

func encodeMetadata(meta Metadata) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s:%d\n", fieldCreated, meta.Created.UnixMilli())
	fmt.Fprintf(&buf, "%s:%d\n", fieldLastAccess, meta.LastAccess.UnixMilli())
	fmt.Fprintf(&buf, "%s:%s\n", fieldOriginal, escapeValue(meta.OriginalKey))
	if meta.ContentType != "" {
		fmt.Fprintf(&buf, "%s:%s\n", fieldMimeType, escapeValue(meta.ContentType))
	}
	return buf.Bytes()
}

func parseMetadata(raw []byte) (Metadata, error) {
	var meta Metadata
	var sawAccess bool

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return Metadata{}, fmt.Errorf("malformed sidecar line %q", line)
		}
		switch name {
		case fieldCreated:
			ts, err := parseMillis(value)
			if err != nil {
				return Metadata{}, err
			}
			meta.Created = ts
		case fieldLastAccess:
			ts, err := parseMillis(value)
			if err != nil {
				return Metadata{}, err
			}
			meta.LastAccess = ts
			sawAccess = true
		case fieldOriginal:
			meta.OriginalKey = unescapeValue(value)
		case fieldMimeType:
			meta.ContentType = unescapeValue(value)
		}
	}
	if err := scanner.Err(); err != nil {
		return Metadata{}, err
	}
	if !sawAccess {
		return Metadata{}, errors.New("sidecar missing last-accessed")
	}
	return meta, nil
}

func parseMillis(value string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	return time.UnixMilli(ms), nil
}

// sidecar 以行分隔，值中的换行与反斜杠需要转义。
var (
	valueEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	valueUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

func escapeValue(v string) string   { return valueEscaper.Replace(v) }
func unescapeValue(v string) string { return valueUnescaper.Replace(v) }
