// =============================================================================
// 文件: internal/metrics/server.go
// 描述: HTTP 导出 - Prometheus 抓取端点与健康检查
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// 健康状态取值
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus /health 返回的 JSON
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 单个组件的状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Paths 端点路径, 存活检查挂在 Health + "/live"
type Paths struct {
	Metrics string
	Health  string
}

// Exporter 在独立端口上暴露指标与健康状态
type Exporter struct {
	addr  string
	paths Paths
	reg   *prometheus.Registry
	log   *logrus.Entry

	alive atomic.Bool
	check atomic.Value // func() HealthStatus

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

// NewExporter 创建导出器并注册 cs, 进程与运行时指标总是包含在内
func NewExporter(addr string, paths Paths, log *logrus.Entry, cs ...prometheus.Collector) (*Exporter, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	reg := prometheus.NewRegistry()
	cs = append(cs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: register: %w", err)
		}
	}

	e := &Exporter{
		addr:  addr,
		paths: paths,
		reg:   reg,
		log:   log.WithField("component", "Metrics"),
	}
	e.alive.Store(true)
	return e, nil
}

// SetHealthCheck 设置 /health 的状态来源, 未设置时总是 healthy
func (e *Exporter) SetHealthCheck(fn func() HealthStatus) {
	e.check.Store(fn)
}

// SetAlive 设置存活检查结果
func (e *Exporter) SetAlive(alive bool) {
	e.alive.Store(alive)
}

// Handler 返回全部端点的路由
func (e *Exporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(e.paths.Metrics, promhttp.HandlerFor(e.reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          e.reg,
	}))
	mux.HandleFunc(e.paths.Health, e.serveHealth)
	mux.HandleFunc(e.paths.Health+"/live", e.serveLive)
	return mux
}

func (e *Exporter) serveHealth(w http.ResponseWriter, _ *http.Request) {
	status := HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	if fn, ok := e.check.Load().(func() HealthStatus); ok && fn != nil {
		status = fn()
	}

	w.Header().Set("Content-Type", "application/json")
	if status.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

func (e *Exporter) serveLive(w http.ResponseWriter, _ *http.Request) {
	if !e.alive.Load() {
		http.Error(w, "NOT OK", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("OK"))
}

// Start 绑定端口并在后台提供服务
func (e *Exporter) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.addr)
	if err != nil {
		return fmt.Errorf("metrics: listen %s: %w", e.addr, err)
	}
	srv := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	e.mu.Lock()
	e.ln, e.srv = ln, srv
	e.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("指标服务异常退出")
		}
	}()
	e.log.WithField("addr", ln.Addr().String()).Info("指标服务已启动")
	return nil
}

// Addr 实际监听地址, 未启动时为 nil
func (e *Exporter) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ln == nil {
		return nil
	}
	return e.ln.Addr()
}

// Stop 最多等待 5 秒让进行中的抓取完成
func (e *Exporter) Stop() {
	e.mu.Lock()
	srv := e.srv
	e.srv = nil
	e.mu.Unlock()
	if srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
