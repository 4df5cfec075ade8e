package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/events"
	"github.com/BaSui01/stateflow/types"
)

// =============================================================================
// 📡 事件流 Handler
// =============================================================================

const (
	// eventStreamBuffer 每个订阅端的待发送队列长度，写满即丢弃
	eventStreamBuffer = 64

	// eventWriteTimeout 单帧写超时，拖住慢客户端而不是拖住服务
	eventWriteTimeout = 10 * time.Second

	// eventPingInterval 保活心跳间隔，穿透空闲超时较短的代理
	eventPingInterval = 30 * time.Second
)

// EventsHandler 把事件总线桥接为 WebSocket 推送
type EventsHandler struct {
	bus     *events.Bus
	origins []string // 允许的跨源订阅来源，空则仅同源
	logger  *zap.Logger
}

// NewEventsHandler 创建事件流处理器
func NewEventsHandler(bus *events.Bus, origins []string, logger *zap.Logger) *EventsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventsHandler{
		bus:     bus,
		origins: origins,
		logger:  logger.With(zap.String("component", "event_stream")),
	}
}

// HandleStream 把请求升级为 WebSocket 并持续推送运行事件。
// 支持 ?type= 按事件类型过滤、?workflow= 按工作流名称过滤。
// 写满队列的慢订阅端会丢帧，总线分发永不被单个连接阻塞。
// @Summary 事件流
// @Description 升级为 WebSocket 并实时推送工作流运行事件
// @Tags 事件
// @Param type query string false "事件类型过滤（如 run_started）"
// @Param workflow query string false "工作流名称过滤"
// @Success 101 "协议切换"
// @Failure 404 {object} Response "事件总线未启用"
// @Security ApiKeyAuth
// @Router /api/v1/events [get]
func (h *EventsHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		WriteErrorMessage(w, http.StatusNotFound, types.ErrNotFound, "event streaming is not enabled", h.logger)
		return
	}

	eventType := events.EventType(r.URL.Query().Get("type"))
	if eventType == "" {
		eventType = events.EventAny
	}
	workflowFilter := r.URL.Query().Get("workflow")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("remote", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	// 推送端不消费客户端数据；CloseRead 在对端关闭或读出错时取消 ctx
	ctx := conn.CloseRead(r.Context())

	queue := make(chan events.Event, eventStreamBuffer)
	subID := h.bus.Subscribe(eventType, func(evt events.Event) {
		if workflowFilter != "" && evt.Workflow != workflowFilter {
			return
		}
		select {
		case queue <- evt:
		default:
			// 慢订阅端丢帧
		}
	})
	defer h.bus.Unsubscribe(subID)

	h.logger.Info("event stream opened",
		zap.String("remote", r.RemoteAddr),
		zap.String("type", string(eventType)),
		zap.String("workflow", workflowFilter),
	)

	pings := time.NewTicker(eventPingInterval)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed by peer", zap.String("remote", r.RemoteAddr))
			conn.Close(websocket.StatusNormalClosure, "")
			return

		case <-pings.C:
			if err := h.ping(ctx, conn); err != nil {
				h.logger.Debug("event stream ping failed", zap.Error(err))
				conn.Close(websocket.StatusGoingAway, "ping failed")
				return
			}

		case evt := <-queue:
			if err := h.writeEvent(ctx, conn, evt); err != nil {
				h.logger.Debug("event stream write failed",
					zap.String("event_type", string(evt.Type)),
					zap.Error(err),
				)
				conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

// writeEvent 把单条事件序列化为 JSON 文本帧发送
func (h *EventsHandler) writeEvent(ctx context.Context, conn *websocket.Conn, evt events.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func (h *EventsHandler) ping(ctx context.Context, conn *websocket.Conn) error {
	pingCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Ping(pingCtx)
}
