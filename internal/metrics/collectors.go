// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mrcgq/ssrelay/internal/strategy"
)

const namespace = "ssrelay"

// =============================================================================
// Relay 收集器
// =============================================================================

// RelayStats 中继统计数据接口
type RelayStats interface {
	ActiveHandlers() int
	UDPSessions() int
	ReplaysDropped() uint64
}

// RelayCollector 中继指标收集器
type RelayCollector struct {
	relay   RelayStats
	traffic *Traffic

	activeHandlersDesc *prometheus.Desc
	udpSessionsDesc    *prometheus.Desc
	replaysDesc        *prometheus.Desc
	inboundDesc        *prometheus.Desc
	outboundDesc       *prometheus.Desc

	serverInboundDesc  *prometheus.Desc
	serverOutboundDesc *prometheus.Desc
	serverConnsDesc    *prometheus.Desc
	serverLatencyDesc  *prometheus.Desc
}

// NewRelayCollector 创建中继收集器
func NewRelayCollector(relay RelayStats, traffic *Traffic) *RelayCollector {
	subsystem := "relay"

	return &RelayCollector{
		relay:   relay,
		traffic: traffic,

		activeHandlersDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "active_handlers"),
			"Number of live TCP relay handlers",
			nil, nil,
		),
		udpSessionsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "udp_sessions"),
			"Number of cached UDP sessions",
			nil, nil,
		),
		replaysDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "udp_replays_dropped_total"),
			"UDP replies dropped because their salt was already seen",
			nil, nil,
		),
		inboundDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "inbound_bytes_total"),
			"Plaintext bytes relayed from upstream servers to clients",
			nil, nil,
		),
		outboundDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "outbound_bytes_total"),
			"Plaintext bytes relayed from clients to upstream servers",
			nil, nil,
		),

		serverInboundDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "inbound_bytes_total"),
			"Plaintext bytes received from this server",
			[]string{"server"}, nil,
		),
		serverOutboundDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "outbound_bytes_total"),
			"Plaintext bytes sent to this server",
			[]string{"server"}, nil,
		),
		serverConnsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "connections_total"),
			"Successful TCP connects to this server",
			[]string{"server"}, nil,
		),
		serverLatencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "server", "connect_latency_milliseconds"),
			"Latest TCP connect latency for this server",
			[]string{"server"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *RelayCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeHandlersDesc
	ch <- c.udpSessionsDesc
	ch <- c.replaysDesc
	ch <- c.inboundDesc
	ch <- c.outboundDesc
	ch <- c.serverInboundDesc
	ch <- c.serverOutboundDesc
	ch <- c.serverConnsDesc
	ch <- c.serverLatencyDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *RelayCollector) Collect(ch chan<- prometheus.Metric) {
	if c.relay != nil {
		ch <- prometheus.MustNewConstMetric(c.activeHandlersDesc, prometheus.GaugeValue,
			float64(c.relay.ActiveHandlers()))
		ch <- prometheus.MustNewConstMetric(c.udpSessionsDesc, prometheus.GaugeValue,
			float64(c.relay.UDPSessions()))
		ch <- prometheus.MustNewConstMetric(c.replaysDesc, prometheus.CounterValue,
			float64(c.relay.ReplaysDropped()))
	}

	ch <- prometheus.MustNewConstMetric(c.inboundDesc, prometheus.CounterValue,
		float64(c.traffic.GetInbound()))
	ch <- prometheus.MustNewConstMetric(c.outboundDesc, prometheus.CounterValue,
		float64(c.traffic.GetOutbound()))

	seen := make(map[string]int)
	for _, s := range c.traffic.Servers() {
		name := uniqueLabel(seen, s.Server)
		ch <- prometheus.MustNewConstMetric(c.serverInboundDesc, prometheus.CounterValue,
			float64(s.Inbound), name)
		ch <- prometheus.MustNewConstMetric(c.serverOutboundDesc, prometheus.CounterValue,
			float64(s.Outbound), name)
		ch <- prometheus.MustNewConstMetric(c.serverConnsDesc, prometheus.CounterValue,
			float64(s.Connections), name)
		ch <- prometheus.MustNewConstMetric(c.serverLatencyDesc, prometheus.GaugeValue,
			float64(s.Latency.Milliseconds()), name)
	}
}

// =============================================================================
// Strategy 收集器
// =============================================================================

// StatusSource 策略状态数据接口
type StatusSource interface {
	Snapshot() []strategy.Status
}

// StrategyCollector 策略指标收集器
type StrategyCollector struct {
	source StatusSource

	scoreDesc   *prometheus.Desc
	latencyDesc *prometheus.Desc
	failureDesc *prometheus.Desc
}

// NewStrategyCollector 创建策略收集器
func NewStrategyCollector(source StatusSource) *StrategyCollector {
	subsystem := "strategy"

	return &StrategyCollector{
		source: source,

		scoreDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "server_score"),
			"Last computed selection score",
			[]string{"server"}, nil,
		),
		latencyDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "server_latency_milliseconds"),
			"Latency sample held by the strategy",
			[]string{"server"}, nil,
		),
		failureDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, "server_last_failure_timestamp_seconds"),
			"Unix time of the last recorded failure",
			[]string{"server"}, nil,
		),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *StrategyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.scoreDesc
	ch <- c.latencyDesc
	ch <- c.failureDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *StrategyCollector) Collect(ch chan<- prometheus.Metric) {
	seen := make(map[string]int)
	for _, st := range c.source.Snapshot() {
		name := uniqueLabel(seen, st.Server.FriendlyName())
		ch <- prometheus.MustNewConstMetric(c.scoreDesc, prometheus.GaugeValue, st.Score, name)
		ch <- prometheus.MustNewConstMetric(c.latencyDesc, prometheus.GaugeValue,
			float64(st.Latency.Milliseconds()), name)
		var failedAt float64
		if !st.LastFailure.IsZero() {
			failedAt = float64(st.LastFailure.Unix())
		}
		ch <- prometheus.MustNewConstMetric(c.failureDesc, prometheus.GaugeValue, failedAt, name)
	}
}

// uniqueLabel 同名服务器 (仅密码不同) 追加序号, 避免重复的标签组合
func uniqueLabel(seen map[string]int, name string) string {
	n := seen[name]
	seen[name] = n + 1
	if n == 0 {
		return name
	}
	return name + "#" + strconv.Itoa(n+1)
}
