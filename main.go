package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-hub/internal/cache"
	"github.com/any-hub/media-hub/internal/config"
	"github.com/any-hub/media-hub/internal/inflight"
	"github.com/any-hub/media-hub/internal/logging"
	"github.com/any-hub/media-hub/internal/metrics"
	"github.com/any-hub/media-hub/internal/prefetch"
	"github.com/any-hub/media-hub/internal/remote"
	"github.com/any-hub/media-hub/internal/resolve"
	"github.com/any-hub/media-hub/internal/server"
	"github.com/any-hub/media-hub/internal/server/routes"
	"github.com/any-hub/media-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["backend"] = cfg.Remote.Backend
		fields["remote"] = cfg.Remote.Target()
		fields["credentials"] = cfg.Remote.AuthMode()
		fields["cache_budget"] = cfg.Global.CacheBudget.String()
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动顺序：配置 → 指标 → 磁盘缓存 → 远端读取器 → 解析器/预取 → Fiber server，
	// 所有组件显式注入，共享同一份缓存与在途登记。
	svc, err := buildServices(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["backend"] = cfg.Remote.Backend
	fields["remote"] = cfg.Remote.Target()
	fields["credentials"] = cfg.Remote.AuthMode()
	fields["cache_budget"] = cfg.Global.CacheBudget.String()
	fields["bandwidth_mode"] = cfg.Global.BandwidthMode
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, svc, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("media-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 MEDIA_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("MEDIA_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// services 是进程级组件集合。
type services struct {
	metrics     *metrics.Collectors
	store       cache.Store
	mode        *resolve.AtomicMode
	coordinator *resolve.Coordinator
	scheduler   *prefetch.Scheduler
	app         *fiber.App
}

func buildServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	collectors := metrics.New()
	// 淘汰的本地文件需要同步撤销展示层引用。
	published := resolve.NewPublished()

	store, err := cache.NewStore(cfg.Global.StoragePath, cache.Options{
		Budget:           cfg.Global.CacheBudget.Int64(),
		MaxEntryFraction: cfg.Global.MaxEntryFraction,
		Logger:           logger,
		Metrics:          collectors,
		OnEvict:          func(key string) { published.ForgetSource(key) },
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	reader, err := buildReader(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化远端读取器失败: %w", err)
	}

	initial, err := resolve.ParseMode(cfg.Global.BandwidthMode)
	if err != nil {
		return nil, err
	}
	mode := resolve.NewAtomicMode(initial)

	coordinator, err := resolve.New(resolve.Options{
		Store:     store,
		Registry:  inflight.New(),
		Reader:    reader,
		Mode:      mode,
		Logger:    logger,
		Metrics:   collectors,
		Published: published,
	})
	if err != nil {
		return nil, err
	}

	scheduler, err := prefetch.New(coordinator, prefetch.Options{
		FullRadius:      cfg.Prefetch.FullRadius,
		ThumbnailRadius: cfg.Prefetch.ThumbnailRadius,
		Workers:         cfg.Prefetch.Workers,
		QueueSize:       cfg.Prefetch.QueueSize,
		Logger:          logger,
		Metrics:         collectors,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Resolver:   coordinator,
		Prefetcher: scheduler,
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnostics(app, routes.Diagnostics{
		Store:   store,
		Admin:   coordinator,
		Mode:    mode,
		Metrics: collectors,
		Logger:  logger,
	})

	return &services{
		metrics:     collectors,
		store:       store,
		mode:        mode,
		coordinator: coordinator,
		scheduler:   scheduler,
		app:         app,
	}, nil
}

func buildReader(cfg *config.Config, logger *logrus.Logger) (remote.Reader, error) {
	r := cfg.Remote
	switch r.Backend {
	case config.BackendHTTP:
		return remote.NewHTTPReader(remote.HTTPOptions{
			BaseURL:  r.BaseURL,
			Username: r.Username,
			Password: r.Password,
			Timeout:  cfg.Global.RemoteTimeout.DurationValue(),
			Logger:   logger,
		})
	case config.BackendS3:
		return remote.NewMinioReader(remote.MinioOptions{
			Endpoint:  r.Endpoint,
			Bucket:    r.Bucket,
			AccessKey: r.AccessKey,
			SecretKey: r.SecretKey,
			UseSSL:    r.UseSSL,
			Region:    r.Region,
			Prefix:    r.Prefix,
			URLExpiry: cfg.Global.URLExpiry.DurationValue(),
		})
	default:
		return nil, fmt.Errorf("unsupported remote backend %q", r.Backend)
	}
}

// serve 启动预取 worker 与 Fiber 服务，ctx 结束时依次关闭。
func serve(ctx context.Context, cfg *config.Config, svc *services, logger *logrus.Logger) error {
	go func() {
		if err := svc.scheduler.Run(ctx); err != nil {
			logger.WithError(err).WithField("action", "prefetch").Error("prefetch_stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		if err := svc.app.Shutdown(); err != nil {
			logger.WithError(err).WithField("action", "shutdown").Warn("shutdown_failed")
		}
	}()

	port := cfg.Global.ListenPort
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return svc.app.Listen(fmt.Sprintf(":%d", port))
}
