// =============================================================================
// 文件: cmd/ssrelay/main.go
// 描述: ssrelay 入口 - 本地 SOCKS5 中继, 多上游服务器故障转移
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrcgq/ssrelay/internal/cipher"
	"github.com/mrcgq/ssrelay/internal/config"
	"github.com/mrcgq/ssrelay/internal/limiter"
	"github.com/mrcgq/ssrelay/internal/listener"
	"github.com/mrcgq/ssrelay/internal/logging"
	"github.com/mrcgq/ssrelay/internal/metrics"
	"github.com/mrcgq/ssrelay/internal/relay"
	"github.com/mrcgq/ssrelay/internal/strategy"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var startTime = time.Now()

// ============================================
// 命令行参数
// ============================================

// flags 命令行参数, 零值表示不覆盖配置文件
type flags struct {
	configPath string
	port       int
	lan        bool
	strategy   string
	logLevel   string
	genConfig  bool
	version    bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*flags, error) {
	f := &flags{}
	fs.StringVar(&f.configPath, "config", "config.yaml", "配置文件路径 (YAML)")
	fs.IntVar(&f.port, "port", 0, "本地 SOCKS5 端口")
	fs.BoolVar(&f.lan, "lan", false, "允许局域网访问")
	fs.StringVar(&f.strategy, "strategy", "", "服务器选择策略: ha, round_robin, index")
	fs.StringVar(&f.logLevel, "log", "", "日志级别")
	fs.BoolVar(&f.genConfig, "gen-config", false, "生成示例配置")
	fs.BoolVar(&f.version, "version", false, "显示版本")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// applyFlags 命令行参数覆盖配置文件, 然后重新验证
func applyFlags(cfg *config.Config, f *flags) error {
	if f.port != 0 {
		cfg.LocalPort = f.port
	}
	if f.lan {
		cfg.ShareOverLan = true
	}
	switch f.strategy {
	case "":
	case "ha", strategy.HighAvailabilityID:
		cfg.Strategy = strategy.HighAvailabilityID
	case "round_robin", strategy.RoundRobinID:
		cfg.Strategy = strategy.RoundRobinID
	case "index":
		cfg.Strategy = ""
	default:
		return fmt.Errorf("未知策略: %s", f.strategy)
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg.Validate()
}

// ============================================
// 主函数
// ============================================

func main() {
	f, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	if f.version {
		printVersion()
		return
	}

	if f.genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApplication(cfg, f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化失败: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

// ============================================
// 应用结构
// ============================================

// Application 组装注册表、策略、中继服务与监听器
type Application struct {
	config     *config.Config
	configPath string
	logger     *logrus.Logger
	log        *logrus.Entry

	registry *config.Registry
	ha       *strategy.HighAvailability
	manager  *strategy.Manager
	traffic  *metrics.Traffic

	tcp      *relay.TCPRelay
	udp      *relay.UDPRelay
	listener *listener.Listener
	metrics  *metrics.Exporter

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApplication 创建应用
func NewApplication(cfg *config.Config, configPath string) (*Application, error) {
	logger, err := logging.New(logging.Options{
		Level:      cfg.LogLevel,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &Application{
		config:     cfg,
		configPath: configPath,
		logger:     logger,
		log:        logging.Component(logger, "Main"),
		ctx:        ctx,
		cancel:     cancel,
	}

	// 1. 服务器注册表与策略
	app.registry = config.NewRegistry(cfg)
	app.ha = strategy.NewHighAvailability(app.registry, strategy.WithLogger(logrus.NewEntry(logger)))
	rr := strategy.NewRoundRobin(app.registry, strategy.WithLogger(logrus.NewEntry(logger)))
	app.manager = strategy.NewManager(app.registry, app.ha, rr)

	// 2. 中继上下文
	app.traffic = metrics.New()
	relayCtx := relay.NewContext(app.manager, cipher.NewProvider(), app.traffic,
		relay.WithLogger(logrus.NewEntry(logger)),
		relay.WithResolver(relay.NewResolver(time.Duration(cfg.DNSTimeoutMs)*time.Millisecond)),
		relay.WithLimiter(limiter.New(cfg.BandwidthLimit)),
		relay.WithSaltFilter(cipher.NewSaltFilter(0, 0)),
		relay.WithConnectTimeout(time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond),
		relay.WithMaxAttempts(cfg.MaxRetry),
		relay.WithIdleTimeout(time.Duration(cfg.IdleTimeoutSec)*time.Second),
	)

	// 3. 服务链: SOCKS5 TCP -> UDP -> 端口转发
	app.tcp = relay.NewTCPRelay(relayCtx)
	app.udp, err = relay.NewUDPRelay(relayCtx, cfg.UDPCacheSize)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("UDP 中继初始化失败: %w", err)
	}
	services := []listener.Service{app.tcp, app.udp}
	if cfg.ForwardPort != 0 {
		services = append(services, relay.NewPortForwarder(relayCtx, cfg.ForwardPort))
	}
	app.listener = listener.New(cfg.ListenAddr(), services, logging.Component(logger, "Listener"),
		listener.WithFirstPacketTimeout(time.Duration(cfg.ConnectTimeoutMs)*time.Millisecond))

	// 4. 监控
	if cfg.Metrics.Enabled {
		exp, err := metrics.NewExporter(
			cfg.Metrics.Listen,
			metrics.Paths{Metrics: cfg.Metrics.Path, Health: cfg.Metrics.HealthPath},
			logrus.NewEntry(logger),
			metrics.NewRelayCollector(&relayStatsAdapter{app: app}, app.traffic),
			metrics.NewStrategyCollector(app.ha),
		)
		if err != nil {
			return nil, err
		}
		exp.SetHealthCheck(app.healthStatus)
		app.metrics = exp
	}

	return app, nil
}

// Run 启动监听并等待信号
func (app *Application) Run() error {
	if err := app.listener.Start(app.ctx); err != nil {
		app.cancel()
		if errors.Is(err, listener.ErrPortInUse) {
			return fmt.Errorf("端口 %d 已被占用: %w", app.config.LocalPort, err)
		}
		return err
	}

	if app.metrics != nil {
		if err := app.metrics.Start(app.ctx); err != nil {
			app.log.WithError(err).Warn("Metrics 启动失败")
			app.metrics = nil
		}
	}

	printBanner(app.config, app.listener, app.metrics)

	go app.statsLoop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				app.reload()
				continue
			}
			app.log.Infof("收到信号 %v", sig)
		case <-app.ctx.Done():
		}
		return app.shutdown()
	}
}

// reload 重新读取配置文件中的服务器列表与策略
// 本地端口、超时等参数需要重启才能生效
func (app *Application) reload() {
	cfg, err := config.Load(app.configPath)
	if err != nil {
		app.log.WithError(err).Error("重新加载配置失败, 保持当前配置")
		return
	}
	if cfg.LocalPort != app.config.LocalPort || cfg.ShareOverLan != app.config.ShareOverLan {
		app.log.Warn("监听地址变更需要重启才能生效")
	}
	app.registry.Update(cfg)
	app.manager.ReloadServers()
	app.log.Infof("已重新加载 %d 个服务器, 策略: %s", len(cfg.Servers), strategyName(app.manager))
}

// statsLoop 定期输出流量统计
func (app *Application) statsLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			app.log.Infof("活跃连接: %d | UDP 会话: %d | 上传: %s | 下载: %s",
				app.tcp.Len(), app.udp.Len(),
				formatBytes(app.traffic.GetOutbound()),
				formatBytes(app.traffic.GetInbound()))
		}
	}
}

// shutdown 依次停止监听器、中继与监控
func (app *Application) shutdown() error {
	app.log.Info("正在关闭...")
	if app.metrics != nil {
		app.metrics.SetAlive(false)
	}
	app.cancel()

	app.listener.Stop()
	app.tcp.Stop()
	app.udp.Stop()
	if app.metrics != nil {
		app.metrics.Stop()
	}

	app.log.Info("已停止")
	return nil
}

// ============================================
// 监控适配
// ============================================

type relayStatsAdapter struct {
	app *Application
}

func (a *relayStatsAdapter) ActiveHandlers() int { return a.app.tcp.Len() }
func (a *relayStatsAdapter) UDPSessions() int { return a.app.udp.Len() }
func (a *relayStatsAdapter) ReplaysDropped() uint64 { return a.app.udp.ReplaysDropped() }

func (app *Application) healthStatus() metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     metrics.StatusHealthy,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).Round(time.Second).String(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	if app.listener.Running() {
		status.Components["listener"] = metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: app.listener.Addr().String(),
		}
	} else {
		status.Status = metrics.StatusUnhealthy
		status.Components["listener"] = metrics.ComponentHealth{Status: metrics.StatusUnhealthy, Message: "stopped"}
	}

	n := len(app.registry.Servers())
	if n == 0 {
		if status.Status == metrics.StatusHealthy {
			status.Status = metrics.StatusDegraded
		}
		status.Components["servers"] = metrics.ComponentHealth{Status: metrics.StatusDegraded, Message: "no servers"}
	} else {
		status.Components["servers"] = metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("count: %d, strategy: %s", n, strategyName(app.manager)),
		}
	}

	status.Components["connections"] = metrics.ComponentHealth{
		Status:  metrics.StatusHealthy,
		Message: fmt.Sprintf("tcp: %d, udp: %d", app.tcp.Len(), app.udp.Len()),
	}
	return status
}

// ============================================
// 输出
// ============================================

func strategyName(m *strategy.Manager) string {
	if s := m.Current(); s != nil {
		return s.Name()
	}
	return "index"
}

func printVersion() {
	fmt.Printf("ssrelay v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, l *listener.Listener, ms *metrics.Exporter) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║  ssrelay v%-47s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  监听:   %-48s ║\n", l.Addr().String())
	fmt.Printf("║  服务器: %-48s ║\n", fmt.Sprintf("%d 个", len(cfg.Servers)))
	strategyID := cfg.Strategy
	if strategyID == "" {
		strategyID = fmt.Sprintf("index %d", cfg.Index)
	}
	fmt.Printf("║  策略:   %-48s ║\n", strategyID)
	if cfg.ForwardPort != 0 {
		fmt.Printf("║  转发:   %-48s ║\n", fmt.Sprintf("127.0.0.1:%d", cfg.ForwardPort))
	}
	if ms != nil {
		fmt.Printf("║  监控:   %-48s ║\n", fmt.Sprintf("http://%s%s", ms.Addr(), cfg.Metrics.Path))
	}
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// formatBytes 格式化字节
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
