// Package eventbus 进程内事件总线
//
// 多生产者多消费者的广播通道：编排器、任务运行器、调度循环发布
// 类型化事件，SSE/WebSocket 流与分析旁路订阅消费。
//
// 顺序保证：
//   - 单生产者 FIFO：同一生产者发布的事件按发布顺序投递
//   - 跨生产者顺序不保证
//
// 背压策略：每个订阅者一个有界环（默认 100）；慢订阅者丢弃最旧
// 事件，并在信封上以 Lagged 计数告知丢失数量。
package eventbus

import (
	"github.com/google/uuid"

	"agenthost/internal/shared/model"
)

// DefaultRingSize 订阅者环形缓冲默认容量
const DefaultRingSize = 100

// Envelope 投递给订阅者的事件信封
//
// Lagged > 0 表示在本事件之前有 Lagged 条事件因背压被丢弃。
type Envelope struct {
	Event  *model.ContextEvent
	Lagged int
}

// Filter 订阅过滤器；返回 true 表示投递
//
// nil Filter 表示订阅全部事件。
type Filter func(*model.ContextEvent) bool

// Subscription 一个订阅
type Subscription interface {
	// C 事件接收通道；总线关闭或取消订阅后关闭
	C() <-chan Envelope

	// Close 取消订阅（幂等）
	Close()
}

// Bus 事件总线接口
type Bus interface {
	// Publish 发布事件（非阻塞；慢订阅者按背压策略丢弃）
	Publish(event *model.ContextEvent)

	// Subscribe 订阅事件
	Subscribe(filter Filter) Subscription

	// Close 关闭总线并断开所有订阅者
	Close()
}

// ContextFilter 按 ContextID 过滤
func ContextFilter(contextID string) Filter {
	return func(e *model.ContextEvent) bool {
		return e.ContextID == contextID
	}
}

// TaskFilter 按 TaskID 过滤
func TaskFilter(taskID string) Filter {
	return func(e *model.ContextEvent) bool {
		return e.TaskID == taskID
	}
}

// generateEventID 生成事件标识
func generateEventID() string {
	return uuid.NewString()
}
