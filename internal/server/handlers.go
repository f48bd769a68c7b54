package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/remote"
	"github.com/any-hub/media-hub/internal/resolve"
)

type handlers struct {
	logger     *logrus.Logger
	resolver   Resolver
	prefetcher Prefetcher
}

type openRequest struct {
	Key           string `json:"key"`
	ThumbnailOnly bool   `json:"thumbnail_only"`
}

type positionRequest struct {
	Items []string `json:"items"`
	Index int      `json:"index"`
}

// listRefs 返回展示层映射的快照与版本号，客户端据此判断是否需要重绘。
func (h *handlers) listRefs(c fiber.Ctx) error {
	refs, version := h.resolver.Published().Snapshot()
	return c.JSON(fiber.Map{
		"version": version,
		"refs":    refs,
	})
}

func (h *handlers) getRef(c fiber.Ctx) error {
	key := wildcardKey(c)
	if key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
	}
	ref, ok := h.resolver.Published().Load(key)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "ref_not_found"})
	}
	return c.JSON(ref)
}

// open 处理用户主动打开：等待在途抓取，失败时返回可重试提示。
func (h *handlers) open(c fiber.Ctx) error {
	var req openRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	ref, err := h.resolver.Resolve(requestContext(c), resolve.Request{
		Key:           strings.TrimPrefix(req.Key, "/"),
		ThumbnailOnly: req.ThumbnailOnly,
	})
	if err != nil {
		return h.renderResolveError(c, err)
	}
	return c.JSON(ref)
}

// position 接收浏览位置并交给预取调度器，立即返回。
func (h *handlers) position(c fiber.Ctx) error {
	var req positionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
	}
	if len(req.Items) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "items_required"})
	}
	if req.Index < 0 || req.Index >= len(req.Items) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "index_out_of_range"})
	}
	queued := h.prefetcher.Schedule(req.Items, req.Index)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"queued": queued})
}

// media 输出解析结果：本地缓存直接回传文件，流式引用返回 307 重定向。
func (h *handlers) media(c fiber.Ctx) error {
	key := wildcardKey(c)
	if key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
	}
	req := resolve.Request{Key: key, ThumbnailOnly: c.Query("variant") == "thumbnail"}

	// 解析与打开文件之间条目可能被淘汰，重新解析一次。
	for attempt := 0; attempt < 2; attempt++ {
		ref, err := h.resolver.Resolve(requestContext(c), req)
		if err != nil {
			return h.renderResolveError(c, err)
		}
		if ref.Kind == resolve.RefStream {
			c.Set(fiber.HeaderLocation, ref.URL)
			c.Set(fiber.HeaderCacheControl, "no-store")
			return c.SendStatus(fiber.StatusTemporaryRedirect)
		}

		file, err := os.Open(ref.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return err
		}
		if ref.ContentType != "" {
			c.Set(fiber.HeaderContentType, ref.ContentType)
		}
		c.Set("X-Media-Variant", string(ref.Variant))
		return c.SendStream(file, int(info.Size()))
	}
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "cache_entry_vanished", "retryable": true})
}

func (h *handlers) renderResolveError(c fiber.Ctx, err error) error {
	var unavailable *resolve.UnavailableError
	switch {
	case errors.Is(err, resolve.ErrEmptyKey):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
	case errors.As(err, &unavailable):
		status := fiber.StatusBadGateway
		if errors.Is(err, remote.ErrNotFound) {
			status = fiber.StatusNotFound
		}
		return c.Status(status).JSON(fiber.Map{
			"error":     "unavailable",
			"retryable": unavailable.Retryable,
		})
	case errors.Is(err, remote.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found"})
	default:
		h.logger.WithFields(logrus.Fields{
			"action":     "resolve",
			"request_id": RequestID(c),
		}).WithError(err).Error("resolve_failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal"})
	}
}

func wildcardKey(c fiber.Ctx) string {
	return strings.Trim(c.Params("*"), "/")
}
