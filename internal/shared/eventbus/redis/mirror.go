// Package redis 事件总线的 Redis Streams 镜像
//
// 将进程内总线上的 ContextEvent 镜像到 Redis Streams，
// 供跨实例消费与事后检索。镜像是旁路：写入失败只记日志，
// 不影响进程内投递。
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"agenthost/internal/shared/eventbus"
	"agenthost/internal/shared/model"
	"agenthost/pkg/logging"
)

const (
	// KeyContextEvents Stream key 前缀
	KeyContextEvents = "context_events:"

	// MaxStreamLength Stream 最大长度（近似裁剪）
	MaxStreamLength = 1000
)

// Mirror Redis Streams 镜像
type Mirror struct {
	client *goredis.Client
	sub    eventbus.Subscription
	logger *logging.Logger
	done   chan struct{}
}

// NewMirror 创建镜像并开始消费总线
func NewMirror(client *goredis.Client, bus eventbus.Bus) *Mirror {
	m := &Mirror{
		client: client,
		sub:    bus.Subscribe(hasContext),
		logger: logging.Default("eventbus.redis"),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// hasContext 只镜像归属某个会话的事件
func hasContext(e *model.ContextEvent) bool {
	return e.ContextID != ""
}

// run 消费循环
func (m *Mirror) run() {
	for {
		select {
		case <-m.done:
			return
		case env, ok := <-m.sub.C():
			if !ok {
				return
			}
			if env.Lagged > 0 {
				m.logger.Warn("mirror lagged behind bus", "missed", env.Lagged)
			}
			if err := m.publish(context.Background(), env.Event); err != nil {
				m.logger.WithError(err).Warn("mirror publish failed", "event_type", string(env.Event.Type))
			}
		}
	}
}

// publish 写入 Redis Stream
func (m *Mirror) publish(ctx context.Context, event *model.ContextEvent) error {
	key := fmt.Sprintf("%s%s", KeyContextEvents, event.ContextID)

	payloadJSON, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	args := &goredis.XAddArgs{
		Stream: key,
		MaxLen: MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"id":        event.ID,
			"task_id":   event.TaskID,
			"type":      string(event.Type),
			"seq":       event.Seq,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payloadJSON),
		},
	}
	return m.client.XAdd(ctx, args).Err()
}

// ReadEvents 读取会话的历史事件（检索/调试用）
func (m *Mirror) ReadEvents(ctx context.Context, contextID, fromID string, count int64) ([]*model.ContextEvent, error) {
	key := fmt.Sprintf("%s%s", KeyContextEvents, contextID)
	if fromID == "" {
		fromID = "0"
	}

	msgs, err := m.client.XRangeN(ctx, key, fromID, "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	var events []*model.ContextEvent
	for _, msg := range msgs {
		event := &model.ContextEvent{ContextID: contextID}
		if v, ok := msg.Values["id"].(string); ok {
			event.ID = v
		}
		if v, ok := msg.Values["task_id"].(string); ok {
			event.TaskID = v
		}
		if v, ok := msg.Values["type"].(string); ok {
			event.Type = model.EventType(v)
		}
		if v, ok := msg.Values["timestamp"].(string); ok {
			event.Timestamp, _ = time.Parse(time.RFC3339Nano, v)
		}
		if v, ok := msg.Values["payload"].(string); ok && v != "" {
			_ = json.Unmarshal([]byte(v), &event.Payload)
		}
		events = append(events, event)
	}
	return events, nil
}

// Close 停止镜像
func (m *Mirror) Close() {
	close(m.done)
	m.sub.Close()
}
