// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 本地端口、上游服务器列表、策略选择与运行参数
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/ssrelay/internal/cipher"
)

const (
	// privoxy 占用的端口, 不允许作为本地端口
	reservedPrivoxyPort = 8123

	DefaultLocalPort = 1080
)

// Config 主配置
type Config struct {
	LocalPort    int    `yaml:"local_port"`
	ShareOverLan bool   `yaml:"share_over_lan"`
	Strategy     string `yaml:"strategy"`
	Index        int    `yaml:"index"`
	ForwardPort  int    `yaml:"forward_port"`
	LogLevel     string `yaml:"log_level"`

	UDPCacheSize     int   `yaml:"udp_cache_size"`
	ConnectTimeoutMs int   `yaml:"connect_timeout_ms"`
	MaxRetry         int   `yaml:"max_retry"`
	IdleTimeoutSec   int   `yaml:"idle_timeout_sec"`
	DNSTimeoutMs     int   `yaml:"dns_timeout_ms"`
	BandwidthLimit   int64 `yaml:"bandwidth_limit"`

	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Servers []*Server     `yaml:"servers"`
}

// LogConfig 日志输出配置, filename 为空时输出到标准输出
type LogConfig struct {
	Filename   string `yaml:"filename"`
	MaxSize    int    `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAge     int    `yaml:"max_age"`
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Listen     string `yaml:"listen"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// Server 上游服务器配置
type Server struct {
	Host     string `yaml:"server"`
	Port     int    `yaml:"server_port"`
	Method   string `yaml:"method"`
	Password string `yaml:"password"`
	Auth     bool   `yaml:"auth"`
	Remarks  string `yaml:"remarks"`
}

// Key 服务器结构化标识
func (s *Server) Key() string {
	return strings.Join([]string{s.Host, strconv.Itoa(s.Port), strings.ToLower(s.Method), s.Password}, "|")
}

// Addr 返回 host:port
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// FriendlyName 返回显示名称
func (s *Server) FriendlyName() string {
	if s.Host == "" {
		return "New server"
	}
	if s.Remarks == "" {
		return s.Addr()
	}
	return fmt.Sprintf("%s (%s)", s.Remarks, s.Addr())
}

func (s *Server) String() string {
	return s.FriendlyName()
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 配置
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LocalPort:        DefaultLocalPort,
		Strategy:         "",
		Index:            0,
		LogLevel:         "info",
		UDPCacheSize:     512,
		ConnectTimeoutMs: 3000,
		MaxRetry:         4,
		IdleTimeoutSec:   900,
		DNSTimeoutMs:     5000,

		Log: LogConfig{
			MaxSize:    20,
			MaxBackups: 5,
			MaxAge:     28,
		},

		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	if err := checkLocalPort(c.LocalPort); err != nil {
		return fmt.Errorf("local_port: %w", err)
	}

	if c.ForwardPort != 0 {
		if err := checkPort(c.ForwardPort); err != nil {
			return fmt.Errorf("forward_port: %w", err)
		}
		if c.ForwardPort == c.LocalPort {
			return fmt.Errorf("forward_port (%d) 与 local_port 冲突", c.ForwardPort)
		}
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("servers 不能为空")
	}
	for i, s := range c.Servers {
		if s == nil {
			return fmt.Errorf("servers[%d] 为空", i)
		}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("servers[%d]: %w", i, err)
		}
	}

	if c.Strategy == "" && (c.Index < 0 || c.Index >= len(c.Servers)) {
		return fmt.Errorf("index (%d) 超出服务器列表范围 0-%d", c.Index, len(c.Servers)-1)
	}

	if c.UDPCacheSize < 1 || c.UDPCacheSize > 65536 {
		return fmt.Errorf("udp_cache_size 需在 1-65536 之间")
	}
	if c.ConnectTimeoutMs < 100 || c.ConnectTimeoutMs > 60000 {
		return fmt.Errorf("connect_timeout_ms 需在 100-60000 之间")
	}
	if c.MaxRetry < 1 || c.MaxRetry > 16 {
		return fmt.Errorf("max_retry 需在 1-16 之间")
	}
	if c.IdleTimeoutSec < 1 {
		return fmt.Errorf("idle_timeout_sec 必须大于 0")
	}
	if c.DNSTimeoutMs < 100 {
		return fmt.Errorf("dns_timeout_ms 不能小于 100")
	}
	if c.BandwidthLimit < 0 {
		return fmt.Errorf("bandwidth_limit 不能为负数")
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("无效的 log_level: %s", c.LogLevel)
	}

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if metricsPort == c.LocalPort {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 local_port 冲突", metricsPort)
		}
	}

	return nil
}

// Validate 验证单个服务器
func (s *Server) Validate() error {
	if strings.TrimSpace(s.Host) == "" {
		return fmt.Errorf("server 不能为空")
	}
	if err := checkPort(s.Port); err != nil {
		return fmt.Errorf("server_port: %w", err)
	}
	if s.Password == "" {
		return fmt.Errorf("password 不能为空")
	}
	if !cipher.Supported(s.Method) {
		return fmt.Errorf("不支持的加密方法: %s", s.Method)
	}
	if s.Auth {
		return fmt.Errorf("auth: 不支持一次性认证, 仅支持 AEAD 加密方法")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	for _, s := range c.Servers {
		if s == nil {
			continue
		}
		s.Host = strings.TrimSpace(s.Host)
		s.Method = strings.ToLower(strings.TrimSpace(s.Method))
	}

	if c.Strategy == "" && c.Index < 0 {
		c.Index = 0
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

func checkPort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("端口 %d 超出范围 1-65535", port)
	}
	return nil
}

func checkLocalPort(port int) error {
	if err := checkPort(port); err != nil {
		return err
	}
	if port == reservedPrivoxyPort {
		return fmt.Errorf("端口 %d 已被保留", port)
	}
	return nil
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// ListenAddr 返回本地监听地址, 开启局域网共享时绑定所有地址
func (c *Config) ListenAddr() string {
	host := "127.0.0.1"
	if c.ShareOverLan {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.LocalPort))
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# ssrelay 配置文件示例
# =============================================================================

# 本地 SOCKS5 监听
local_port: 1080                    # TCP 与 UDP 共用端口
share_over_lan: false               # true 时绑定 0.0.0.0, 允许局域网访问
log_level: "info"                   # 日志级别: debug, info, warn, error

# 服务器选择
strategy: "ssrelay.strategy.ha"     # 为空时使用 index 指定的服务器
                                    # 可选: ssrelay.strategy.ha, ssrelay.strategy.round_robin
index: 0

# 端口转发 (非 SOCKS5 的 TCP 连接转发到 127.0.0.1:forward_port, 0 为关闭)
forward_port: 0

# 中继参数
udp_cache_size: 512                 # UDP 会话缓存容量
connect_timeout_ms: 3000            # 连接上游超时
max_retry: 4                        # 最大连接尝试次数
idle_timeout_sec: 900               # 空闲连接回收
dns_timeout_ms: 5000                # 上游域名解析超时
bandwidth_limit: 0                  # 每连接限速 (字节/秒), 0 为不限

# 日志文件 (filename 为空时输出到终端)
log:
  filename: ""
  max_size: 20                      # MB
  max_backups: 5
  max_age: 28                       # 天
  compress: false

# Prometheus 监控
metrics:
  enabled: false
  listen: "127.0.0.1:9100"
  path: "/metrics"
  health_path: "/health"

# 上游服务器
servers:
  - server: "203.0.113.10"
    server_port: 8388
    method: "aes-256-gcm"
    password: "change-me"
    remarks: "primary"
  - server: "backup.example.com"
    server_port: 8388
    method: "chacha20-ietf-poly1305"
    password: "change-me-too"
    remarks: "backup"
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
