// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/events"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 运行指标
	runsInFlight *prometheus.GaugeVec
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runTurns     *prometheus.HistogramVec

	// 回合指标
	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	stateTransitions *prometheus.CounterVec
	exitConditions   *prometheus.CounterVec

	// 重试与 Agent 句柄指标
	retryAttempts    *prometheus.CounterVec
	agentRecreations *prometheus.CounterVec
	cacheSize        *prometheus.GaugeVec
	cacheHits        *prometheus.GaugeVec
	cacheMisses      *prometheus.GaugeVec

	// 数据库连接池指标
	dbConnectionsOpen  *prometheus.GaugeVec
	dbConnectionsIdle  *prometheus.GaugeVec
	dbConnectionsInUse *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 运行指标
	c.runsInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Number of workflow runs currently executing",
		},
		[]string{"workflow"},
	)

	c.runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of finished workflow runs",
		},
		[]string{"workflow", "reason", "status"},
	)

	c.runDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"workflow"},
	)

	c.runTurns = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_turns",
			Help:      "Number of turns per finished workflow run",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21, 34},
		},
		[]string{"workflow"},
	)

	// 回合指标
	c.turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Total number of completed turns",
		},
		[]string{"workflow", "state", "agent"},
	)

	c.turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Turn duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"workflow", "agent"},
	)

	c.stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of state transitions",
		},
		[]string{"workflow", "from_state", "to_state"},
	)

	c.exitConditions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exit_conditions_total",
			Help:      "Total number of matched exit conditions",
		},
		[]string{"workflow", "action"},
	)

	// 重试与 Agent 句柄指标
	c.retryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of failed agent invocation attempts",
		},
		[]string{"workflow", "class"},
	)

	c.agentRecreations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_recreations_total",
			Help:      "Total number of agent handle recreations",
		},
		[]string{"workflow", "reason"},
	)

	c.cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_cache_size",
			Help:      "Number of live agent handles in the cache",
		},
		[]string{"cache"},
	)

	c.cacheHits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_cache_hits",
			Help:      "Cumulative agent handle cache hits",
		},
		[]string{"cache"},
	)

	c.cacheMisses = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_cache_misses",
			Help:      "Cumulative agent handle cache misses",
		},
		[]string{"cache"},
	)

	// 数据库连接池指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_in_use",
			Help:      "Number of database connections in use",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 事件总线采集
// =============================================================================

// ObserveBus 订阅事件总线，把运行事件逐条转换为指标。返回订阅 ID，
// 可用于 Unsubscribe。
func (c *Collector) ObserveBus(bus *events.Bus) string {
	return bus.Subscribe(events.EventAny, func(evt events.Event) {
		switch evt.Type {
		case events.EventRunStarted:
			c.runsInFlight.WithLabelValues(evt.Workflow).Inc()
		case events.EventRunFinished:
			c.runsInFlight.WithLabelValues(evt.Workflow).Dec()
			status := "failed"
			if ok, _ := evt.Payload["success"].(bool); ok {
				status = "success"
			}
			reason, _ := evt.Payload["reason"].(string)
			duration := time.Duration(payloadNumber(evt.Payload, "duration_ms")) * time.Millisecond
			c.RecordRun(evt.Workflow, reason, status, duration, int(payloadNumber(evt.Payload, "turns")))
		case events.EventTurnCompleted:
			state, _ := evt.Payload["state"].(string)
			agent, _ := evt.Payload["agent"].(string)
			duration := time.Duration(payloadNumber(evt.Payload, "duration_ms")) * time.Millisecond
			c.RecordTurn(evt.Workflow, state, agent, duration)
		case events.EventTransition:
			from, _ := evt.Payload["from"].(string)
			to, _ := evt.Payload["to"].(string)
			c.RecordStateTransition(evt.Workflow, from, to)
		case events.EventExitMatched:
			action, _ := evt.Payload["action"].(string)
			c.RecordExitCondition(evt.Workflow, action)
		case events.EventAgentRecreated:
			reason, _ := evt.Payload["reason"].(string)
			c.RecordAgentRecreation(evt.Workflow, reason)
		}
	})
}

// payloadNumber 读取事件载荷中的数值。进程内发布的载荷是 int/int64，
// 经 JSON 反序列化后是 float64，两种来源都要兼容。
func payloadNumber(payload map[string]any, key string) float64 {
	switch v := payload[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	default:
		return 0
	}
}

// =============================================================================
// 🎯 运行与回合指标记录
// =============================================================================

// RecordRun 记录一次完成的工作流运行
func (c *Collector) RecordRun(workflow, reason, status string, duration time.Duration, turns int) {
	c.runsTotal.WithLabelValues(workflow, reason, status).Inc()
	c.runDuration.WithLabelValues(workflow).Observe(duration.Seconds())
	c.runTurns.WithLabelValues(workflow).Observe(float64(turns))
}

// RecordTurn 记录一个完成的回合
func (c *Collector) RecordTurn(workflow, state, agent string, duration time.Duration) {
	c.turnsTotal.WithLabelValues(workflow, state, agent).Inc()
	c.turnDuration.WithLabelValues(workflow, agent).Observe(duration.Seconds())
}

// RecordStateTransition 记录状态转换
func (c *Collector) RecordStateTransition(workflow, fromState, toState string) {
	c.stateTransitions.WithLabelValues(workflow, fromState, toState).Inc()
}

// RecordExitCondition 记录退出条件命中
func (c *Collector) RecordExitCondition(workflow, action string) {
	c.exitConditions.WithLabelValues(workflow, action).Inc()
}

// RecordRetryAttempt 记录一次失败的 Agent 调用尝试
func (c *Collector) RecordRetryAttempt(workflow, class string) {
	c.retryAttempts.WithLabelValues(workflow, class).Inc()
}

// RecordAgentRecreation 记录 Agent 句柄重建
func (c *Collector) RecordAgentRecreation(workflow, reason string) {
	c.agentRecreations.WithLabelValues(workflow, reason).Inc()
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 💾 缓存与数据库指标同步
// =============================================================================

// SyncAgentCache 同步 Agent 句柄缓存计数（缓存自身维护累计值，
// 这里按快照覆盖）
func (c *Collector) SyncAgentCache(cache string, size int, hits, misses uint64) {
	c.cacheSize.WithLabelValues(cache).Set(float64(size))
	c.cacheHits.WithLabelValues(cache).Set(float64(hits))
	c.cacheMisses.WithLabelValues(cache).Set(float64(misses))
}

// SyncDBConnections 同步数据库连接池状态
func (c *Collector) SyncDBConnections(database string, open, idle, inUse int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
	c.dbConnectionsInUse.WithLabelValues(database).Set(float64(inUse))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
