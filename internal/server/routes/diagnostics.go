package routes

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/cache"
	"github.com/any-hub/media-hub/internal/metrics"
	"github.com/any-hub/media-hub/internal/resolve"
)

// CacheAdmin 是缓存诊断接口需要的操作集合，由 *resolve.Coordinator 实现。
type CacheAdmin interface {
	ClearCache(ctx context.Context) error
	Forget(ctx context.Context, key string) error
}

// Diagnostics 汇总运维接口依赖。
type Diagnostics struct {
	Store   cache.Store
	Admin   CacheAdmin
	Mode    *resolve.AtomicMode
	Metrics *metrics.Collectors
	Logger  *logrus.Logger
}

type budgetRequest struct {
	Bytes int64 `json:"bytes"`
}

type modeRequest struct {
	Mode string `json:"mode"`
}

// RegisterDiagnostics 暴露 /-/cache、/-/bandwidth 与 /metrics，供运维与调试使用。
func RegisterDiagnostics(app *fiber.App, d Diagnostics) {
	if app == nil || d.Store == nil || d.Admin == nil || d.Mode == nil {
		return
	}
	logger := d.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	app.Get("/-/cache", func(c fiber.Ctx) error {
		stats, err := d.Store.Stats()
		if err != nil {
			return err
		}
		return c.JSON(stats)
	})

	app.Delete("/-/cache", func(c fiber.Ctx) error {
		if err := d.Admin.ClearCache(c.UserContext()); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Delete("/-/cache/*", func(c fiber.Ctx) error {
		key := strings.Trim(c.Params("*"), "/")
		if key == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "key_required"})
		}
		if err := d.Admin.Forget(c.UserContext(), key); err != nil {
			return err
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Put("/-/cache/budget", func(c fiber.Ctx) error {
		var req budgetRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil || req.Bytes <= 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_budget"})
		}
		if err := d.Store.SetBudget(c.UserContext(), req.Bytes); err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{
			"action":       "cache_budget",
			"budget_bytes": req.Bytes,
		}).Info("cache_budget_updated")
		stats, err := d.Store.Stats()
		if err != nil {
			return err
		}
		return c.JSON(stats)
	})

	app.Get("/-/bandwidth", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"mode": d.Mode.Mode().String()})
	})

	app.Put("/-/bandwidth", func(c fiber.Ctx) error {
		var req modeRequest
		if err := json.Unmarshal(c.Body(), &req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		mode, err := resolve.ParseMode(req.Mode)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_mode"})
		}
		d.Mode.Set(mode)
		logger.WithFields(logrus.Fields{
			"action": "bandwidth_mode",
			"mode":   mode.String(),
		}).Info("bandwidth_mode_updated")
		return c.JSON(fiber.Map{"mode": mode.String()})
	})

	if reg := d.Metrics.Registry(); reg != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
}
