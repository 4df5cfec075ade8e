// Package events 提供工作流运行事件的发布与订阅。
//
// Bus 在进程内将事件分发给订阅者，并可选地镜像到 Redis 频道，
// 供外部消费者（监控、前端推送）订阅同一事件流。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/stateflow/types"
)

// EventType 事件类型
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventTurnCompleted  EventType = "turn_completed"
	EventTransition     EventType = "state_transition"
	EventExitMatched    EventType = "exit_condition_matched"
	EventAgentRecreated EventType = "agent_recreated"
	EventRunFinished    EventType = "run_finished"

	// EventAny 通配订阅，接收所有类型的事件
	EventAny EventType = "*"
)

// Event 工作流运行过程中产生的一条事件
type Event struct {
	Type      EventType      `json:"type"`
	Workflow  string         `json:"workflow"`
	RunID     string         `json:"run_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler 事件处理器
type Handler func(Event)

// Publisher 事件发布方，供引擎持有而无需依赖完整总线
type Publisher interface {
	Publish(evt Event)
}

// RedisConfig Redis 镜像配置
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
}

// Config 事件总线配置
type Config struct {
	BufferSize int         `yaml:"buffer_size" json:"buffer_size"`
	Redis      RedisConfig `yaml:"redis" json:"redis"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		Redis: RedisConfig{
			Addr:    "localhost:6379",
			Channel: "stateflow:events",
		},
	}
}

// subscriptionCounter 生成唯一订阅 ID
var subscriptionCounter int64

// Bus 事件总线，进程内分发 + 可选 Redis 镜像
type Bus struct {
	mu        sync.RWMutex
	handlers  map[EventType]map[string]Handler
	eventCh   chan Event
	done      chan struct{}
	closeOnce sync.Once
	rdb       *redis.Client
	channel   string
	logger    *zap.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus 创建事件总线。配置了 Redis 镜像时会先行探活，失败则返回错误。
func NewBus(cfg Config, logger *zap.Logger) (*Bus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = DefaultConfig().BufferSize
	}

	bus := &Bus{
		handlers: make(map[EventType]map[string]Handler),
		eventCh:  make(chan Event, bufferSize),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("component", "event_bus")),
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, types.NewErrorf(types.ErrStoreFailure, "event bus redis unreachable: %s", cfg.Redis.Addr).WithCause(err)
		}
		bus.rdb = client
		bus.channel = cfg.Redis.Channel
		if bus.channel == "" {
			bus.channel = DefaultConfig().Redis.Channel
		}
		bus.logger.Info("事件 Redis 镜像已启用",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", bus.channel))
	}

	go bus.dispatch()
	return bus, nil
}

// Publish 发布事件。Timestamp 为零值时自动补齐。
// 缓冲满时丢弃事件，发布方不会被阻塞。
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- evt:
	case <-b.done:
	default:
		b.logger.Warn("事件缓冲已满，丢弃事件",
			zap.String("type", string(evt.Type)),
			zap.String("workflow", evt.Workflow))
	}
}

// Subscribe 订阅指定类型的事件，EventAny 表示订阅全部。返回订阅 ID。
func (b *Bus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[string]Handler)
	}
	id := fmt.Sprintf("%s-%d", eventType, atomic.AddInt64(&subscriptionCounter, 1))
	b.handlers[eventType][id] = handler
	return id
}

// Unsubscribe 取消订阅
func (b *Bus) Unsubscribe(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, handlers := range b.handlers {
		if _, ok := handlers[subscriptionID]; ok {
			delete(handlers, subscriptionID)
			if len(handlers) == 0 {
				delete(b.handlers, eventType)
			}
			return
		}
	}
}

// Ping 探活 Redis 镜像连接。未启用镜像时恒为 nil。
func (b *Bus) Ping(ctx context.Context) error {
	if b.rdb == nil {
		return nil
	}
	return b.rdb.Ping(ctx).Err()
}

// dispatch 消费事件通道，分发给订阅者并镜像到 Redis
func (b *Bus) dispatch() {
	for {
		select {
		case evt := <-b.eventCh:
			b.fanOut(evt)
			b.mirror(evt)
		case <-b.done:
			return
		}
	}
}

// fanOut 将事件分发给匹配的订阅者
func (b *Bus) fanOut(evt Event) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers[evt.Type])+len(b.handlers[EventAny]))
	for _, h := range b.handlers[evt.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range b.handlers[EventAny] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, handler := range handlers {
		h := handler
		go func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("事件处理器 panic", zap.Any("recover", r))
				}
			}()
			h(evt)
		}()
	}
}

// mirror 将事件以 JSON 形式发布到 Redis 频道
func (b *Bus) mirror(evt Event) {
	if b.rdb == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("事件序列化失败", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.Warn("事件 Redis 镜像失败", zap.Error(err))
	}
}

// Close 停止分发并关闭 Redis 连接，可重复调用
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if b.rdb != nil {
			err = b.rdb.Close()
		}
	})
	return err
}
